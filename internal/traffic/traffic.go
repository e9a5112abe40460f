// Package traffic holds the behavioral models that drive simulated client
// activity: how many streams a circuit carries, which destination ports they
// target, and how much data flows in each direction. Models load from small
// JSON parameter files; built-in defaults keep runs working without any
// model files on disk.
package traffic

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ErrInvalidModel marks parameter files that parse but describe an unusable
// distribution.
var ErrInvalidModel = errors.New("invalid traffic model")

// countWeight is one bucket of the streams-per-circuit histogram.
type countWeight struct {
	Count  int
	Weight float64
}

// portWeight gives one destination port its share of streams.
type portWeight struct {
	Port   uint16
	Weight float64
}

// StreamModel decides stream count, ports and inter-stream spacing for the
// circuits a client builds. All sampling uses the caller's RNG so per-client
// behavior stays reproducible.
type StreamModel struct {
	counts          []countWeight
	countTotal      float64
	ports           []portWeight
	portTotal       float64
	interStreamMean float64 // seconds
}

// DefaultStreamModel spreads streams evenly over the given target ports with
// a short-tailed streams-per-circuit histogram. Web-dominated traffic tends
// toward few streams per circuit.
func DefaultStreamModel(targetPorts []uint16) *StreamModel {
	m := &StreamModel{
		counts: []countWeight{
			{Count: 1, Weight: 55},
			{Count: 2, Weight: 25},
			{Count: 3, Weight: 12},
			{Count: 5, Weight: 6},
			{Count: 8, Weight: 2},
		},
		interStreamMean: 5,
	}
	for _, p := range targetPorts {
		m.ports = append(m.ports, portWeight{Port: p, Weight: 1})
	}
	m.finalize()
	return m
}

// finalize recomputes the cached weight totals.
func (m *StreamModel) finalize() {
	m.countTotal = 0
	for _, c := range m.counts {
		m.countTotal += c.Weight
	}
	m.portTotal = 0
	for _, p := range m.ports {
		m.portTotal += p.Weight
	}
}

// validate rejects distributions that cannot be sampled.
func (m *StreamModel) validate() error {
	if len(m.counts) == 0 || m.countTotal <= 0 {
		return fmt.Errorf("%w: streams-per-circuit histogram has no positive weight", ErrInvalidModel)
	}
	for _, c := range m.counts {
		if c.Count <= 0 || c.Weight < 0 {
			return fmt.Errorf("%w: bad histogram bucket (count %d, weight %g)", ErrInvalidModel, c.Count, c.Weight)
		}
	}
	if len(m.ports) == 0 || m.portTotal <= 0 {
		return fmt.Errorf("%w: port weights have no positive weight", ErrInvalidModel)
	}
	for _, p := range m.ports {
		if p.Port == 0 || p.Weight < 0 {
			return fmt.Errorf("%w: bad port weight (port %d, weight %g)", ErrInvalidModel, p.Port, p.Weight)
		}
	}
	if m.interStreamMean <= 0 {
		return fmt.Errorf("%w: inter-stream mean must be positive", ErrInvalidModel)
	}
	return nil
}

// Ports returns the distinct ports the model can sample.
func (m *StreamModel) Ports() []uint16 {
	out := make([]uint16, 0, len(m.ports))
	for _, p := range m.ports {
		out = append(out, p.Port)
	}
	return out
}

// SampleStreamCount draws how many streams the next circuit carries.
func (m *StreamModel) SampleStreamCount(rng *rand.Rand) int {
	x := rng.Float64() * m.countTotal
	for _, c := range m.counts {
		x -= c.Weight
		if x < 0 {
			return c.Count
		}
	}
	return m.counts[len(m.counts)-1].Count
}

// SamplePort draws a destination port.
func (m *StreamModel) SamplePort(rng *rand.Rand) uint16 {
	x := rng.Float64() * m.portTotal
	for _, p := range m.ports {
		x -= p.Weight
		if x < 0 {
			return p.Port
		}
	}
	return m.ports[len(m.ports)-1].Port
}

// SampleStreamGap draws the pause before the next stream on a circuit.
func (m *StreamModel) SampleStreamGap(rng *rand.Rand) time.Duration {
	return time.Duration(rng.ExpFloat64() * m.interStreamMean * float64(time.Second))
}

// PacketModel decides per-stream cell volume. Outbound cells follow a
// log-normal; inbound volume is a uniform multiplier of outbound, matching
// the download-heavy asymmetry of web traffic.
type PacketModel struct {
	cellsOutMu    float64
	cellsOutSigma float64
	cellsInMin    float64
	cellsInMax    float64
}

// DefaultPacketModel returns parameters tuned for short web-like flows.
func DefaultPacketModel() *PacketModel {
	return &PacketModel{
		cellsOutMu:    3.2,
		cellsOutSigma: 1.1,
		cellsInMin:    4,
		cellsInMax:    30,
	}
}

func (m *PacketModel) validate() error {
	if m.cellsOutSigma < 0 {
		return fmt.Errorf("%w: negative log-normal sigma", ErrInvalidModel)
	}
	if m.cellsInMin < 0 || m.cellsInMax < m.cellsInMin {
		return fmt.Errorf("%w: inbound multiplier range [%g, %g]", ErrInvalidModel, m.cellsInMin, m.cellsInMax)
	}
	return nil
}

// SampleCellsOut draws the outbound cell count of one stream, at least 1.
func (m *PacketModel) SampleCellsOut(rng *rand.Rand) uint64 {
	v := math.Exp(rng.NormFloat64()*m.cellsOutSigma + m.cellsOutMu)
	if v < 1 {
		return 1
	}
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return uint64(v)
}

// SampleCellsIn draws the inbound cell count given the outbound volume.
func (m *PacketModel) SampleCellsIn(rng *rand.Rand, cellsOut uint64) uint64 {
	mult := m.cellsInMin + rng.Float64()*(m.cellsInMax-m.cellsInMin)
	v := float64(cellsOut) * mult
	if v < 1 {
		return 1
	}
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return uint64(v)
}
