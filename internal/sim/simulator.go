// Package sim drives a replay: it walks archived consensuses in
// chronological order, derives each epoch window with one consensus of
// lookahead, applies the adversary, and fans every epoch across the
// simulated client population.
package sim

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/anonmetrics/tornet-simulator/circuit"
	"github.com/anonmetrics/tornet-simulator/internal/adversary"
	"github.com/anonmetrics/tornet-simulator/internal/client"
	"github.com/anonmetrics/tornet-simulator/internal/config"
	"github.com/anonmetrics/tornet-simulator/internal/logging"
	"github.com/anonmetrics/tornet-simulator/internal/observer"
	"github.com/anonmetrics/tornet-simulator/internal/trace"
	"github.com/anonmetrics/tornet-simulator/internal/traffic"
	"github.com/anonmetrics/tornet-simulator/netdoc"
)

// MetricsRecorder receives run statistics as the scheduler produces them.
type MetricsRecorder interface {
	ObserveEpoch(d time.Duration)
	SetClients(n uint64)
	SetRelayCounts(guards, middles, exits int)
	AddCircuits(n uint64)
	AddStreams(n uint64)
	SetExitIdentifiers(n int)
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithLogger attaches a structured logger.
func WithLogger(log logging.Logger) Option {
	return func(s *Simulator) { s.log = log }
}

// WithMetrics attaches an optional metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(s *Simulator) { s.metrics = m }
}

// WithTraceSink routes trace records to h instead of discarding them. The
// simulator owns the sink from here on and shuts it down when Run returns.
func WithTraceSink(h *trace.Handle) Option {
	return func(s *Simulator) { s.sink = h }
}

// WithAdversary overrides the adversary built from the configuration.
func WithAdversary(a *adversary.Adversary) Option {
	return func(s *Simulator) { s.adv = a }
}

// WithStreamModel overrides the built-in stream behavior model.
func WithStreamModel(m *traffic.StreamModel) Option {
	return func(s *Simulator) { s.streams = m }
}

// WithPacketModel overrides the built-in packet behavior model.
func WithPacketModel(m *traffic.PacketModel) Option {
	return func(s *Simulator) { s.packets = m }
}

// Simulator replays a consensus archive against a simulated population.
type Simulator struct {
	cfg      config.Config
	source   ConsensusSource
	log      logging.Logger
	metrics  MetricsRecorder
	sink     *trace.Handle
	adv      *adversary.Adversary
	streams  *traffic.StreamModel
	packets  *traffic.PacketModel
	registry *observer.ExitIDRegistry
}

// New wires a simulator over the given consensus source. Defaults: noop
// logger, discard trace sink, built-in behavior models, adversary sized from
// cfg.Adversary.
func New(cfg config.Config, source ConsensusSource, opts ...Option) *Simulator {
	s := &Simulator{
		cfg:      cfg,
		source:   source,
		log:      logging.Noop(),
		registry: observer.NewExitIDRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logging.Noop()
	}
	if s.sink == nil {
		s.sink = trace.Discard()
	}
	if s.streams == nil {
		s.streams = traffic.DefaultStreamModel(cfg.TargetPorts)
	}
	if s.packets == nil {
		s.packets = traffic.DefaultPacketModel()
	}
	if s.adv == nil {
		s.adv = adversary.New(adversary.Config{
			Guards:         cfg.Adversary.Guards,
			Exits:          cfg.Adversary.Exits,
			GuardBandwidth: cfg.Adversary.GuardBandwidth,
			ExitBandwidth:  cfg.Adversary.ExitBandwidth,
		})
	}
	return s
}

// Registry exposes the exit-identifier registry, for reporting after a run.
func (s *Simulator) Registry() *observer.ExitIDRegistry { return s.registry }

// Run executes the replay over the configured window. Every failure is
// fatal to the whole run. The trace sink is always shut down before Run
// returns, even on the error path, so records written by completed epochs
// reach disk.
func (s *Simulator) Run(ctx context.Context) error {
	err := s.run(ctx)
	if sinkErr := s.sink.Shutdown(); sinkErr != nil {
		if err == nil {
			err = fmt.Errorf("trace sink: %w", sinkErr)
		} else {
			s.log.Warn(ctx, "trace sink shutdown failed", logging.Err(sinkErr))
		}
	}
	return err
}

func (s *Simulator) run(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	tracer := otel.Tracer("tornet-sim")
	ctx, span := tracer.Start(ctx, "run")
	defer span.End()

	population := s.cfg.ResolvedClients()
	rate := s.cfg.CircuitRatePerClient()
	s.log.Info(ctx, "creating clients",
		logging.Uint64("clients", population),
		logging.Float64("total_circuits_per_10m", s.cfg.TotalCircuits10m()),
	)
	if s.metrics != nil {
		s.metrics.SetClients(population)
	}

	clients := make([]*client.Client, population)
	for i := range clients {
		clients[i] = client.New(client.Params{
			ID:               uint64(i),
			Seed:             s.cfg.Seed,
			CircuitsPer10Min: rate,
			Streams:          s.streams,
			Packets:          s.packets,
		})
	}

	handles, err := s.source.FindConsensuses(s.cfg.From, s.cfg.To)
	if err != nil {
		return fmt.Errorf("find consensuses: %w", err)
	}
	s.log.Info(ctx, "found consensuses", logging.Int("count", len(handles)))

	stream := newLookahead(handles)
	for {
		item, ok := stream.take()
		if !ok {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		// A failed load aborts before the peek touches another handle.
		if item.err != nil {
			return fmt.Errorf("consensus %s: %w", item.handle.Name(), item.err)
		}
		if err := s.runEpoch(ctx, tracer, item, stream.peek(), clients); err != nil {
			return err
		}
	}

	records := make([]observer.ClientRecord, len(clients))
	for i, cl := range clients {
		records[i] = cl.Record()
	}
	observer.NewSummary(records, s.adv, s.registry).Log(ctx, s.log)
	return nil
}

// runEpoch executes one successfully loaded consensus epoch end to end:
// window derivation, adversary mutation, diagnostics, generator
// construction, registry update, and the parallel client fan-out.
func (s *Simulator) runEpoch(ctx context.Context, tracer oteltrace.Tracer, item, next *loaded, clients []*client.Client) error {
	name := item.handle.Name()
	cons, ds := item.cons, item.ds
	if cons.ValidAfter.IsZero() {
		return fmt.Errorf("consensus %s: %w", name, netdoc.ErrMissingValidAfter)
	}

	// The epoch runs until the next consensus takes over. Without a usable
	// successor the window falls back to a fixed length, clamped to the
	// global end either way.
	start := cons.ValidAfter
	end := start.Add(s.cfg.FallbackEpoch.Duration())
	if next != nil && next.err == nil && !next.cons.ValidAfter.IsZero() {
		end = next.cons.ValidAfter
	}
	if end.After(s.cfg.To) {
		end = s.cfg.To
	}

	ctx, span := tracer.Start(ctx, "epoch", oteltrace.WithAttributes(
		attribute.String("consensus", name),
	))
	defer span.End()

	began := time.Now()
	elog := s.log.With(logging.String("consensus", name))

	s.adv.Modify(cons, ds)

	guards := cons.CountWithFlags(netdoc.FlagGuard, netdoc.FlagValid, netdoc.FlagRunning)
	middles := cons.CountWithFlags(netdoc.FlagValid, netdoc.FlagRunning)
	exits := cons.CountWithFlags(netdoc.FlagExit, netdoc.FlagValid, netdoc.FlagRunning)
	span.SetAttributes(
		attribute.Int("relays", len(cons.Relays)),
		attribute.Int("guards", guards),
		attribute.Int("exits", exits),
	)
	elog.Info(ctx, "entering simulation epoch",
		logging.Time("from", start),
		logging.Time("until", end),
		logging.Int("relays", len(cons.Relays)),
		logging.Int("guards", guards),
		logging.Int("exits", exits),
	)

	gen, err := circuit.NewGenerator(cons, ds, s.cfg.TargetPorts)
	if err != nil {
		return fmt.Errorf("consensus %s: %w", name, err)
	}

	s.registry.AddConsensus(cons)

	var circuitsBefore, streamsBefore uint64
	if s.metrics != nil {
		s.metrics.SetRelayCounts(guards, middles, exits)
		s.metrics.SetExitIdentifiers(s.registry.Len())
		circuitsBefore, streamsBefore = populationTotals(clients)
	}

	prog := startProgress(ctx, elog, uint64(len(clients)))
	err = s.processEpoch(ctx, clients, start, end, gen, prog)
	prog.stop()
	if err != nil {
		return fmt.Errorf("consensus %s: %w", name, err)
	}

	if s.metrics != nil {
		circuitsAfter, streamsAfter := populationTotals(clients)
		s.metrics.AddCircuits(circuitsAfter - circuitsBefore)
		s.metrics.AddStreams(streamsAfter - streamsBefore)
		s.metrics.ObserveEpoch(time.Since(began))
	}
	return nil
}

func populationTotals(clients []*client.Client) (circuits, streams uint64) {
	for _, cl := range clients {
		circuits += cl.CircuitsBuilt()
		streams += cl.Streams()
	}
	return circuits, streams
}
