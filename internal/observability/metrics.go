package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SimCollector bundles Prometheus metrics for a replay run and provides the
// /metrics handler that serves them.
type SimCollector struct {
	gatherer prometheus.Gatherer

	EpochsTotal     prometheus.Counter
	EpochDurations  prometheus.Histogram
	Clients         prometheus.Gauge
	ConsensusRelays *prometheus.GaugeVec
	CircuitsTotal   prometheus.Counter
	StreamsTotal    prometheus.Counter
	ExitIdentifiers prometheus.Gauge
}

// NewSimCollector registers simulation metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewSimCollector(reg prometheus.Registerer) (*SimCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	epochs, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_epochs_total",
		Help: "Number of consensus epochs replayed so far.",
	}), "sim_epochs_total")
	if err != nil {
		return nil, err
	}

	durations := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sim_epoch_duration_seconds",
		Help:    "Wall-clock time spent simulating one consensus epoch.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})
	durations, err = registerHistogram(reg, durations, "sim_epoch_duration_seconds")
	if err != nil {
		return nil, err
	}

	clients, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_clients",
		Help: "Size of the simulated client population.",
	}), "sim_clients")
	if err != nil {
		return nil, err
	}

	relays := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sim_consensus_relays",
		Help: "Usable relays in the current consensus, labeled by position class.",
	}, []string{"class"})
	relays, err = registerGaugeVec(reg, relays, "sim_consensus_relays")
	if err != nil {
		return nil, err
	}

	circuits, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_circuits_built_total",
		Help: "Circuits built by the simulated population across all epochs.",
	}), "sim_circuits_built_total")
	if err != nil {
		return nil, err
	}

	streams, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_streams_total",
		Help: "Streams attached to simulated circuits across all epochs.",
	}), "sim_streams_total")
	if err != nil {
		return nil, err
	}

	exitIDs, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_exit_identifiers",
		Help: "Distinct exit relays assigned a stable identifier so far.",
	}), "sim_exit_identifiers")
	if err != nil {
		return nil, err
	}

	return &SimCollector{
		gatherer:        gatherer,
		EpochsTotal:     epochs,
		EpochDurations:  durations,
		Clients:         clients,
		ConsensusRelays: relays,
		CircuitsTotal:   circuits,
		StreamsTotal:    streams,
		ExitIdentifiers: exitIDs,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SimCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveEpoch records one completed epoch and its duration.
func (c *SimCollector) ObserveEpoch(d time.Duration) {
	if c == nil {
		return
	}
	if c.EpochsTotal != nil {
		c.EpochsTotal.Inc()
	}
	if c.EpochDurations != nil {
		c.EpochDurations.Observe(d.Seconds())
	}
}

// SetClients records the resolved population size.
func (c *SimCollector) SetClients(n uint64) {
	if c == nil || c.Clients == nil {
		return
	}
	c.Clients.Set(float64(n))
}

// SetRelayCounts updates the per-class relay gauges for the current
// consensus.
func (c *SimCollector) SetRelayCounts(guards, middles, exits int) {
	if c == nil || c.ConsensusRelays == nil {
		return
	}
	c.ConsensusRelays.WithLabelValues("guard").Set(float64(guards))
	c.ConsensusRelays.WithLabelValues("middle").Set(float64(middles))
	c.ConsensusRelays.WithLabelValues("exit").Set(float64(exits))
}

// AddCircuits adds to the cumulative circuit counter.
func (c *SimCollector) AddCircuits(n uint64) {
	if c == nil || c.CircuitsTotal == nil {
		return
	}
	c.CircuitsTotal.Add(float64(n))
}

// AddStreams adds to the cumulative stream counter.
func (c *SimCollector) AddStreams(n uint64) {
	if c == nil || c.StreamsTotal == nil {
		return
	}
	c.StreamsTotal.Add(float64(n))
}

// SetExitIdentifiers records how many exits hold a stable identifier.
func (c *SimCollector) SetExitIdentifiers(n int) {
	if c == nil || c.ExitIdentifiers == nil {
		return
	}
	c.ExitIdentifiers.Set(float64(n))
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
