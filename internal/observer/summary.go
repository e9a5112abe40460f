package observer

import (
	"context"
	"fmt"
	"time"

	"github.com/anonmetrics/tornet-simulator/internal/adversary"
	"github.com/anonmetrics/tornet-simulator/internal/logging"
)

// ClientRecord is the terminal state of one simulated client, produced once
// after its last epoch.
type ClientRecord struct {
	ID            uint64
	CircuitsBuilt uint64
	Streams       uint64
	CellsSent     uint64
	CellsReceived uint64
	LastActivity  time.Time
}

// Summary aggregates a whole run.
type Summary struct {
	Clients         int
	CircuitsBuilt   uint64
	Streams         uint64
	CellsSent       uint64
	CellsReceived   uint64
	AdversaryGuards int
	AdversaryExits  int
	ExitIdentifiers int
}

// NewSummary folds the per-client records and the adversary's terminal state
// into one report.
func NewSummary(records []ClientRecord, adv *adversary.Adversary, reg *ExitIDRegistry) *Summary {
	s := &Summary{Clients: len(records)}
	for _, rec := range records {
		s.CircuitsBuilt += rec.CircuitsBuilt
		s.Streams += rec.Streams
		s.CellsSent += rec.CellsSent
		s.CellsReceived += rec.CellsReceived
	}
	if adv != nil {
		s.AdversaryGuards = adv.GuardCount()
		s.AdversaryExits = adv.ExitCount()
	}
	if reg != nil {
		s.ExitIdentifiers = reg.Len()
	}
	return s
}

// Log emits the run report.
func (s *Summary) Log(ctx context.Context, log logging.Logger) {
	log.Info(ctx, "run complete",
		logging.Int("clients", s.Clients),
		logging.Uint64("circuits_built", s.CircuitsBuilt),
		logging.Uint64("streams", s.Streams),
		logging.Uint64("cells_sent", s.CellsSent),
		logging.Uint64("cells_received", s.CellsReceived),
		logging.Int("exit_identifiers", s.ExitIdentifiers),
	)
	log.Info(ctx, "adversary relays",
		logging.Int("guards", s.AdversaryGuards),
		logging.Int("exits", s.AdversaryExits),
	)
}

// String returns a one-line report.
func (s *Summary) String() string {
	return fmt.Sprintf("run summary: clients=%d circuits=%d streams=%d cells_out=%d cells_in=%d adv_guards=%d adv_exits=%d exit_ids=%d",
		s.Clients,
		s.CircuitsBuilt,
		s.Streams,
		s.CellsSent,
		s.CellsReceived,
		s.AdversaryGuards,
		s.AdversaryExits,
		s.ExitIdentifiers,
	)
}
