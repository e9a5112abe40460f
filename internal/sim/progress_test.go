package sim

import (
	"context"
	"testing"
)

func TestProgressLogsEverySecondCompletionAtPopulation2000(t *testing.T) {
	log := newCaptureLogger()
	p := startProgress(context.Background(), log, 2000)
	for i := 0; i < 5; i++ {
		p.signal()
	}
	p.stop()

	lines := log.byMessage("epoch progress")
	if len(lines) != 2 {
		t.Fatalf("got %d progress lines, want 2", len(lines))
	}
	wantDone := []uint64{2, 4}
	for i, e := range lines {
		got, ok := e.fields["clients_done"].(uint64)
		if !ok || got != wantDone[i] {
			t.Errorf("line %d clients_done = %v, want %d", i, e.fields["clients_done"], wantDone[i])
		}
		if got == 0 {
			t.Error("progress logged at zero completions")
		}
	}
}

func TestProgressSmallPopulationLogsEveryCompletion(t *testing.T) {
	log := newCaptureLogger()
	p := startProgress(context.Background(), log, 3)
	p.signal()
	p.signal()
	p.signal()
	p.stop()

	lines := log.byMessage("epoch progress")
	if len(lines) != 3 {
		t.Fatalf("got %d progress lines, want 3", len(lines))
	}
	if pct := lines[2].fields["percent"]; pct != float64(100) {
		t.Errorf("final percent = %v, want 100", pct)
	}
}

func TestProgressStopWithoutSignals(t *testing.T) {
	log := newCaptureLogger()
	p := startProgress(context.Background(), log, 10)
	p.stop()

	if lines := log.byMessage("epoch progress"); len(lines) != 0 {
		t.Fatalf("got %d progress lines, want 0", len(lines))
	}
}
