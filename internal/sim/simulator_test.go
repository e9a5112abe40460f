package sim

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anonmetrics/tornet-simulator/internal/config"
	"github.com/anonmetrics/tornet-simulator/internal/logging"
	"github.com/anonmetrics/tornet-simulator/internal/trace"
	"github.com/anonmetrics/tornet-simulator/netdoc"
)

var runStart = time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC)

type logEntry struct {
	msg    string
	fields map[string]any
}

type captureCore struct {
	mu      sync.Mutex
	entries []logEntry
}

// captureLogger records every emitted line so tests can assert on epoch
// windows and summary output.
type captureLogger struct {
	core *captureCore
	with []logging.Field
}

func newCaptureLogger() *captureLogger {
	return &captureLogger{core: &captureCore{}}
}

func (l *captureLogger) record(msg string, fields []logging.Field) {
	e := logEntry{msg: msg, fields: make(map[string]any, len(l.with)+len(fields))}
	for _, f := range l.with {
		e.fields[f.Key] = f.Value
	}
	for _, f := range fields {
		e.fields[f.Key] = f.Value
	}
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	l.core.entries = append(l.core.entries, e)
}

func (l *captureLogger) Debug(ctx context.Context, msg string, fields ...logging.Field) {
	l.record(msg, fields)
}

func (l *captureLogger) Info(ctx context.Context, msg string, fields ...logging.Field) {
	l.record(msg, fields)
}

func (l *captureLogger) Warn(ctx context.Context, msg string, fields ...logging.Field) {
	l.record(msg, fields)
}

func (l *captureLogger) Error(ctx context.Context, msg string, fields ...logging.Field) {
	l.record(msg, fields)
}

func (l *captureLogger) With(fields ...logging.Field) logging.Logger {
	child := &captureLogger{core: l.core}
	child.with = append(append([]logging.Field{}, l.with...), fields...)
	return child
}

func (l *captureLogger) byMessage(msg string) []logEntry {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	var out []logEntry
	for _, e := range l.core.entries {
		if e.msg == msg {
			out = append(out, e)
		}
	}
	return out
}

type stubHandle struct {
	name  string
	cons  *netdoc.Consensus
	ds    *netdoc.DescriptorSet
	err   error
	loads int
}

func (h *stubHandle) Name() string { return h.name }

func (h *stubHandle) Load() (*netdoc.Consensus, *netdoc.DescriptorSet, error) {
	h.loads++
	if h.err != nil {
		return nil, nil, h.err
	}
	return h.cons, h.ds, nil
}

type stubSource struct {
	handles []*stubHandle
	err     error
	calls   int
}

func (s *stubSource) FindConsensuses(from, to time.Time) ([]Handle, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([]Handle, len(s.handles))
	for i, h := range s.handles {
		out[i] = h
	}
	return out, nil
}

func fpOf(c byte) string { return strings.Repeat(string(c), 40) }

// consensusAt builds a minimal usable consensus: one guard, one middle, one
// exit accepting every port.
func consensusAt(va time.Time) *netdoc.Consensus {
	relay := func(fp string, policy netdoc.PortPolicy, flags ...netdoc.Flag) *netdoc.Relay {
		return &netdoc.Relay{
			Nickname:    "relay" + fp[:1],
			Fingerprint: fp,
			Published:   va,
			Address:     "192.0.2.10",
			ORPort:      9001,
			Flags:       netdoc.NewFlagSet(flags...),
			Bandwidth:   10_000,
			ExitPolicy:  policy,
		}
	}
	return &netdoc.Consensus{
		ValidAfter: va,
		FreshUntil: va.Add(time.Hour),
		ValidUntil: va.Add(3 * time.Hour),
		Relays: []*netdoc.Relay{
			relay(fpOf('A'), netdoc.PortPolicy{}, netdoc.FlagGuard, netdoc.FlagFast, netdoc.FlagStable, netdoc.FlagValid, netdoc.FlagRunning),
			relay(fpOf('B'), netdoc.PortPolicy{}, netdoc.FlagFast, netdoc.FlagValid, netdoc.FlagRunning),
			relay(fpOf('C'), netdoc.AcceptAllPolicy(), netdoc.FlagExit, netdoc.FlagFast, netdoc.FlagValid, netdoc.FlagRunning),
		},
	}
}

func handleAt(va time.Time) *stubHandle {
	return &stubHandle{
		name: va.Format("2006-01-02-15-04-05") + "-consensus",
		cons: consensusAt(va),
		ds:   netdoc.NewDescriptorSet(),
	}
}

// testConfig resolves to a five-client population with a circuit rate small
// enough for fast tests.
func testConfig(from, to time.Time) config.Config {
	c := config.Default()
	c.ArchiveDir = "unused-by-stub-source"
	c.From = from
	c.To = to
	c.Clients = 250_000
	c.LoadScale = 2e-5
	c.Seed = 42
	c.Workers = 2
	return c
}

func TestRunRejectsInvalidRangeBeforeAnyLoad(t *testing.T) {
	src := &stubSource{handles: []*stubHandle{handleAt(runStart)}}
	cfg := testConfig(runStart, runStart) // end == start

	err := New(cfg, src).Run(context.Background())
	if !errors.Is(err, config.ErrInvalidTimeRange) {
		t.Fatalf("Run() = %v, want ErrInvalidTimeRange", err)
	}
	if src.calls != 0 {
		t.Errorf("source queried %d times before validation failure", src.calls)
	}
	if src.handles[0].loads != 0 {
		t.Errorf("handle loaded %d times before validation failure", src.handles[0].loads)
	}
}

func TestRunEpochWindowsAreContiguous(t *testing.T) {
	src := &stubSource{handles: []*stubHandle{
		handleAt(runStart),
		handleAt(runStart.Add(3 * time.Hour)),
	}}
	cfg := testConfig(runStart, runStart.Add(6*time.Hour))
	log := newCaptureLogger()

	if err := New(cfg, src, WithLogger(log)).Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	epochs := log.byMessage("entering simulation epoch")
	if len(epochs) != 2 {
		t.Fatalf("got %d epochs, want 2", len(epochs))
	}
	want := [][2]time.Time{
		{runStart, runStart.Add(3 * time.Hour)},
		{runStart.Add(3 * time.Hour), runStart.Add(6 * time.Hour)},
	}
	for i, e := range epochs {
		from, _ := e.fields["from"].(time.Time)
		until, _ := e.fields["until"].(time.Time)
		if !from.Equal(want[i][0]) || !until.Equal(want[i][1]) {
			t.Errorf("epoch %d window [%s, %s), want [%s, %s)",
				i, from, until, want[i][0], want[i][1])
		}
	}
}

func TestRunSingleConsensusFallbackClamp(t *testing.T) {
	src := &stubSource{handles: []*stubHandle{handleAt(runStart)}}
	// The 3h fallback window overshoots the 1h global end, so the single
	// epoch clamps to it.
	cfg := testConfig(runStart, runStart.Add(time.Hour))
	log := newCaptureLogger()

	if err := New(cfg, src, WithLogger(log)).Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	epochs := log.byMessage("entering simulation epoch")
	if len(epochs) != 1 {
		t.Fatalf("got %d epochs, want 1", len(epochs))
	}
	until, _ := epochs[0].fields["until"].(time.Time)
	if want := runStart.Add(time.Hour); !until.Equal(want) {
		t.Errorf("epoch end = %s, want %s", until, want)
	}
}

func TestRunAbortsOnThirdOfFiveConsensuses(t *testing.T) {
	errCorrupt := errors.New("truncated document")
	handles := []*stubHandle{
		handleAt(runStart),
		handleAt(runStart.Add(1 * time.Hour)),
		{name: "2023-04-01-02-00-00-consensus", err: errCorrupt},
		handleAt(runStart.Add(3 * time.Hour)),
		handleAt(runStart.Add(4 * time.Hour)),
	}
	src := &stubSource{handles: handles}
	cfg := testConfig(runStart, runStart.Add(6*time.Hour))
	log := newCaptureLogger()

	err := New(cfg, src, WithLogger(log)).Run(context.Background())
	if !errors.Is(err, errCorrupt) {
		t.Fatalf("Run() = %v, want the load failure", err)
	}
	if !strings.Contains(err.Error(), handles[2].name) {
		t.Errorf("error %q does not name the failed consensus", err)
	}
	if got := len(log.byMessage("entering simulation epoch")); got != 2 {
		t.Errorf("completed %d epochs before the failure, want 2", got)
	}
	if handles[3].loads != 0 || handles[4].loads != 0 {
		t.Errorf("handles after the failure loaded (%d, %d) times, want 0",
			handles[3].loads, handles[4].loads)
	}
}

func TestRunAbortsOnMissingValidAfter(t *testing.T) {
	bad := handleAt(runStart)
	bad.cons.ValidAfter = time.Time{}
	src := &stubSource{handles: []*stubHandle{bad}}
	cfg := testConfig(runStart, runStart.Add(time.Hour))

	err := New(cfg, src).Run(context.Background())
	if !errors.Is(err, netdoc.ErrMissingValidAfter) {
		t.Fatalf("Run() = %v, want ErrMissingValidAfter", err)
	}
}

func TestRunSurfacesSourceError(t *testing.T) {
	boom := errors.New("archive walk failed")
	src := &stubSource{err: boom}
	cfg := testConfig(runStart, runStart.Add(time.Hour))

	if err := New(cfg, src).Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Run() = %v, want source error", err)
	}
}

func TestRunEmptyWindowProducesEmptySummary(t *testing.T) {
	src := &stubSource{}
	cfg := testConfig(runStart, runStart.Add(time.Hour))
	log := newCaptureLogger()

	if err := New(cfg, src, WithLogger(log)).Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	found := log.byMessage("found consensuses")
	if len(found) != 1 || found[0].fields["count"] != 0 {
		t.Fatalf("found consensuses lines = %+v", found)
	}
	done := log.byMessage("run complete")
	if len(done) != 1 {
		t.Fatalf("got %d run complete lines, want 1", len(done))
	}
	if got := done[0].fields["circuits_built"]; got != uint64(0) {
		t.Errorf("summary circuits_built = %v, want 0", got)
	}
}

func TestRunRegistersAdversaryExits(t *testing.T) {
	src := &stubSource{handles: []*stubHandle{handleAt(runStart)}}
	cfg := testConfig(runStart, runStart.Add(time.Hour))
	cfg.Adversary.Guards = 1
	cfg.Adversary.Exits = 2
	log := newCaptureLogger()

	s := New(cfg, src, WithLogger(log))
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	// One real exit plus the two injected ones.
	if got := s.Registry().Len(); got != 3 {
		t.Fatalf("registry holds %d exits, want 3", got)
	}
	adv := log.byMessage("adversary relays")
	if len(adv) != 1 {
		t.Fatalf("got %d adversary lines, want 1", len(adv))
	}
	if adv[0].fields["guards"] != 1 || adv[0].fields["exits"] != 2 {
		t.Errorf("adversary line fields = %+v", adv[0].fields)
	}
}

func TestRunHonorsContextCancellation(t *testing.T) {
	src := &stubSource{handles: []*stubHandle{handleAt(runStart)}}
	cfg := testConfig(runStart, runStart.Add(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := New(cfg, src).Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v, want context.Canceled", err)
	}
}

func TestRunTraceSetInvariantUnderWorkerCount(t *testing.T) {
	runOnce := func(workers int, path string) []string {
		t.Helper()
		src := &stubSource{handles: []*stubHandle{
			handleAt(runStart),
			handleAt(runStart.Add(time.Hour)),
		}}
		cfg := testConfig(runStart, runStart.Add(2*time.Hour))
		cfg.Workers = workers

		sink, err := trace.Open(path)
		if err != nil {
			t.Fatalf("trace.Open: %v", err)
		}
		if err := New(cfg, src, WithTraceSink(sink)).Run(context.Background()); err != nil {
			t.Fatalf("Run(workers=%d) error: %v", workers, err)
		}

		f, err := os.Open(path)
		if err != nil {
			t.Fatalf("open trace: %v", err)
		}
		defer f.Close()
		rows, err := csv.NewReader(f).ReadAll()
		if err != nil {
			t.Fatalf("read trace: %v", err)
		}
		lines := make([]string, 0, len(rows)-1)
		for _, row := range rows[1:] { // skip header
			lines = append(lines, strings.Join(row, ","))
		}
		sort.Strings(lines)
		return lines
	}

	dir := t.TempDir()
	serial := runOnce(1, filepath.Join(dir, "serial.csv"))
	parallel := runOnce(3, filepath.Join(dir, "parallel.csv"))

	if len(serial) == 0 {
		t.Fatal("serial run produced no trace records")
	}
	if !reflect.DeepEqual(serial, parallel) {
		t.Fatalf("trace sets differ across worker counts: %d vs %d records",
			len(serial), len(parallel))
	}
}
