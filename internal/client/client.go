// Package client simulates the circuit and stream behavior of one network
// user. A client owns a seeded RNG and a behavioral clock that only moves
// forward, so replaying the same run configuration yields the same trace
// records for every client no matter how clients are partitioned over
// workers.
package client

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/anonmetrics/tornet-simulator/circuit"
	"github.com/anonmetrics/tornet-simulator/internal/observer"
	"github.com/anonmetrics/tornet-simulator/internal/trace"
	"github.com/anonmetrics/tornet-simulator/internal/traffic"
)

// ErrExitNotRegistered marks a selected exit missing from the identifier
// registry. The registry is fed from the same mutated consensus the circuit
// generator runs on, so this means the epoch was wired up wrong.
var ErrExitNotRegistered = errors.New("exit relay not in identifier registry")

// Params configures one client.
type Params struct {
	ID               uint64
	Seed             int64 // run seed; combined with ID for the client RNG
	CircuitsPer10Min float64
	Streams          *traffic.StreamModel
	Packets          *traffic.PacketModel
}

// Client is one simulated user. Not safe for concurrent use; an epoch worker
// owns a client exclusively while advancing it.
type Client struct {
	id      uint64
	rng     *rand.Rand
	streams *traffic.StreamModel
	packets *traffic.PacketModel

	meanCircuitGap time.Duration

	clock        time.Time // last behavioral event; never moves backwards
	circuitSeq   uint64
	circuits     uint64
	streamCount  uint64
	cellsOut     uint64
	cellsIn      uint64
	lastActivity time.Time
}

// New builds a client. The RNG is derived from the run seed and the client
// ID alone, which keeps per-client behavior independent of worker count.
func New(p Params) *Client {
	c := &Client{
		id:      p.ID,
		rng:     rand.New(rand.NewSource(p.Seed + int64(p.ID))),
		streams: p.Streams,
		packets: p.Packets,
	}
	if p.CircuitsPer10Min > 0 {
		c.meanCircuitGap = time.Duration(float64(10*time.Minute) / p.CircuitsPer10Min)
	}
	return c
}

// ID returns the client identifier.
func (c *Client) ID() uint64 { return c.id }

// CircuitsBuilt returns the circuits built so far across all epochs.
func (c *Client) CircuitsBuilt() uint64 { return c.circuits }

// Streams returns the streams attached so far across all epochs.
func (c *Client) Streams() uint64 { return c.streamCount }

// AdvanceEpoch simulates the client's activity over [start, end): circuits
// arrive as a Poisson process at the configured rate, each carrying a
// sampled number of streams. Every event is appended to w; the caller
// flushes. Construction or registry failures abort the epoch for this
// client.
func (c *Client) AdvanceEpoch(start, end time.Time, gen *circuit.Generator, w *trace.Writer, reg *observer.ExitIDRegistry) error {
	if c.meanCircuitGap <= 0 {
		return nil
	}
	// Jump over archive gaps; the clock never moves backwards.
	if c.clock.Before(start) {
		c.clock = start
	}

	for {
		next := c.clock.Add(c.sampleCircuitGap())
		if !next.Before(end) {
			// The in-flight gap is dropped; exponential gaps are
			// memoryless, so restarting at the next epoch start
			// preserves the arrival process.
			return nil
		}
		c.clock = next

		if err := c.buildCircuit(next, end, gen, w, reg); err != nil {
			return fmt.Errorf("client %d at %s: %w", c.id, next.UTC().Format(time.RFC3339), err)
		}
	}
}

// buildCircuit constructs one circuit and its streams at event time t.
func (c *Client) buildCircuit(t, end time.Time, gen *circuit.Generator, w *trace.Writer, reg *observer.ExitIDRegistry) error {
	port := c.streams.SamplePort(c.rng)
	circ, err := gen.Build(c.rng, port)
	if err != nil {
		return err
	}
	exitID, ok := reg.ID(circ.Exit.Fingerprint)
	if !ok {
		return fmt.Errorf("%w: %s", ErrExitNotRegistered, circ.Exit.Fingerprint)
	}

	c.circuitSeq++
	c.circuits++
	c.noteActivity(t)

	guardTok := trace.MarkFingerprint(circ.Guard.Fingerprint, circ.Guard.Adversarial)
	middleTok := trace.MarkFingerprint(circ.Middle.Fingerprint, circ.Middle.Adversarial)
	exitTok := trace.MarkExitID(exitID, circ.Exit.Adversarial)

	w.Write(trace.Record{
		Time:     t,
		ClientID: c.id,
		Kind:     trace.KindCircuit,
		Circuit:  c.circuitSeq,
		Guard:    guardTok,
		Middle:   middleTok,
		Exit:     exitTok,
		Port:     port,
	})

	streamTime := t
	n := c.streams.SampleStreamCount(c.rng)
	for s := 0; s < n; s++ {
		streamTime = streamTime.Add(c.streams.SampleStreamGap(c.rng))
		if !streamTime.Before(end) {
			break
		}
		cellsOut := c.packets.SampleCellsOut(c.rng)
		cellsIn := c.packets.SampleCellsIn(c.rng, cellsOut)

		w.Write(trace.Record{
			Time:     streamTime,
			ClientID: c.id,
			Kind:     trace.KindStream,
			Circuit:  c.circuitSeq,
			Guard:    guardTok,
			Middle:   middleTok,
			Exit:     exitTok,
			Port:     port,
			CellsOut: cellsOut,
			CellsIn:  cellsIn,
		})

		c.streamCount++
		c.cellsOut += cellsOut
		c.cellsIn += cellsIn
		c.noteActivity(streamTime)
	}
	return nil
}

// sampleCircuitGap draws the exponential pause before the next circuit.
func (c *Client) sampleCircuitGap() time.Duration {
	return time.Duration(c.rng.ExpFloat64() * float64(c.meanCircuitGap))
}

func (c *Client) noteActivity(t time.Time) {
	if t.After(c.lastActivity) {
		c.lastActivity = t
	}
}

// Record returns the client's terminal state. Call it once, after the final
// epoch has been processed.
func (c *Client) Record() observer.ClientRecord {
	return observer.ClientRecord{
		ID:            c.id,
		CircuitsBuilt: c.circuits,
		Streams:       c.streamCount,
		CellsSent:     c.cellsOut,
		CellsReceived: c.cellsIn,
		LastActivity:  c.lastActivity,
	}
}
