package main

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/anonmetrics/tornet-simulator/internal/logging"
)

// sampleTrace holds two circuits from two clients; the first runs through a
// compromised guard and carries one stream.
const sampleTrace = `time,client_id,kind,circuit,guard,middle,exit,port,cells_out,cells_in
2023-04-01T00:00:01Z,0,circuit,1,G1*,M1,E1,443,0,0
2023-04-01T00:00:03Z,0,stream,1,G1*,M1,E1,443,12,240
2023-04-01T00:00:05Z,1,circuit,1,G2,M1,E2,80,0,0
`

func writeTrace(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.csv")
	if err := os.WriteFile(path, []byte(sampleTrace), 0o644); err != nil {
		t.Fatalf("write trace: %v", err)
	}
	return path
}

func TestRunRendersReportToStdout(t *testing.T) {
	opts := options{tracePath: writeTrace(t), dbPath: ":memory:"}

	var out bytes.Buffer
	if err := run(context.Background(), opts, logging.Noop(), &out); err != nil {
		t.Fatalf("run: %v", err)
	}

	report := out.String()
	for _, want := range []string{
		"CIRCUIT STATISTICS",
		"Unique circuits: 2",
		"Compromised circuits: 1 (50.00%)",
		" - guard: 1 circuits (100.00%)",
		"Clients observed: 2",
		"Clients on compromised circuits: 1 (50.00%)",
		"Streams: 1",
		"Cells sent: 12",
		"Cells received: 240",
	} {
		if !strings.Contains(report, want) {
			t.Errorf("report is missing %q\n%s", want, report)
		}
	}
}

func TestRunWritesReportFile(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "report.txt")
	opts := options{tracePath: writeTrace(t), dbPath: ":memory:", outPath: outPath}

	var stdout bytes.Buffer
	if err := run(context.Background(), opts, logging.Noop(), &stdout); err != nil {
		t.Fatalf("run: %v", err)
	}

	if stdout.Len() != 0 {
		t.Errorf("stdout got %q, want nothing when -out is set", stdout.String())
	}
	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read report file: %v", err)
	}
	if !strings.Contains(string(data), "CIRCUIT STATISTICS") {
		t.Errorf("report file is missing the circuit section:\n%s", data)
	}
}

func TestRunKeepsDatabaseOnDisk(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "trace.db")
	opts := options{tracePath: writeTrace(t), dbPath: dbPath}

	if err := run(context.Background(), opts, logging.Noop(), new(bytes.Buffer)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("database file not kept: %v", err)
	}
}

func TestRunFailsOnMissingTrace(t *testing.T) {
	opts := options{tracePath: filepath.Join(t.TempDir(), "nope.csv"), dbPath: ":memory:"}

	err := run(context.Background(), opts, logging.Noop(), new(bytes.Buffer))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("run = %v, want fs.ErrNotExist", err)
	}
}
