// Package exposure loads simulation traces into SQLite and derives
// adversary-exposure and load reports from them. Keeping the records in a
// relational store lets one ingested trace answer several questions without
// re-reading the file, and large traces never have to fit in memory as Go
// structures.
package exposure

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	_ "modernc.org/sqlite"

	"github.com/anonmetrics/tornet-simulator/internal/trace"
)

// ErrBadHeader marks a trace file whose first row is not the expected column
// set.
var ErrBadHeader = errors.New("unrecognized trace header")

// Store holds ingested trace records. Use ":memory:" for a throwaway store.
type Store struct {
	db *sql.DB
}

// Open creates or opens the store at path and ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open exposure store %s: %w", path, err)
	}
	// SQLite gives every connection its own private ":memory:" database, so
	// the pool must stay at one connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate exposure store: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		at          TEXT    NOT NULL,
		client_id   INTEGER NOT NULL,
		kind        TEXT    NOT NULL,
		circuit     INTEGER NOT NULL,
		guard       TEXT    NOT NULL,
		middle      TEXT    NOT NULL,
		exit        TEXT    NOT NULL,
		port        INTEGER NOT NULL,
		cells_out   INTEGER NOT NULL,
		cells_in    INTEGER NOT NULL,
		guard_comp  INTEGER NOT NULL,
		middle_comp INTEGER NOT NULL,
		exit_comp   INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_path ON records(guard, middle, exit);
	CREATE INDEX IF NOT EXISTS idx_records_client ON records(client_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ingest loads the trace file at path. A ".gz" suffix selects gzip decoding,
// matching how the trace sink writes. It returns the number of records
// loaded.
func (s *Store) Ingest(ctx context.Context, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open trace %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return 0, fmt.Errorf("open trace compressor %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	n, err := s.IngestReader(ctx, r)
	if err != nil {
		return n, fmt.Errorf("ingest %s: %w", path, err)
	}
	return n, nil
}

// IngestReader loads trace records from r. The whole load runs in one
// transaction; a malformed row aborts it and nothing is kept.
func (s *Store) IngestReader(ctx context.Context, r io.Reader) (int64, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return 0, fmt.Errorf("read trace header: %w", err)
	}
	cols, err := columnIndex(header)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin ingest: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (
			at, client_id, kind, circuit,
			guard, middle, exit, port,
			cells_out, cells_in,
			guard_comp, middle_comp, exit_comp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare ingest: %w", err)
	}
	defer stmt.Close()

	var n int64
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("read trace row %d: %w", n+1, err)
		}

		rec, err := parseRow(row, cols)
		if err != nil {
			return 0, fmt.Errorf("trace row %d: %w", n+1, err)
		}

		_, err = stmt.ExecContext(ctx,
			rec.at, rec.clientID, rec.kind, rec.circuit,
			rec.guard, rec.middle, rec.exit, rec.port,
			rec.cellsOut, rec.cellsIn,
			rec.guardComp, rec.middleComp, rec.exitComp,
		)
		if err != nil {
			return 0, fmt.Errorf("insert trace row %d: %w", n+1, err)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit ingest: %w", err)
	}
	return n, nil
}

// columnIndex maps the trace columns to their positions in the header row.
func columnIndex(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[name] = i
	}
	for _, name := range trace.Header() {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("%w: missing column %q", ErrBadHeader, name)
		}
	}
	return cols, nil
}

// row is one parsed trace record ready for insertion.
type row struct {
	at       string
	clientID uint64
	kind     string
	circuit  uint64
	guard    string
	middle   string
	exit     string
	port     uint64
	cellsOut uint64
	cellsIn  uint64

	guardComp  bool
	middleComp bool
	exitComp   bool
}

func parseRow(fields []string, cols map[string]int) (row, error) {
	get := func(name string) string { return fields[cols[name]] }

	var rec row
	rec.at = get("time")
	if _, err := time.Parse(time.RFC3339, rec.at); err != nil {
		return row{}, fmt.Errorf("parse time %q: %w", rec.at, err)
	}

	rec.kind = get("kind")
	switch trace.RecordKind(rec.kind) {
	case trace.KindCircuit, trace.KindStream:
	default:
		return row{}, fmt.Errorf("unknown record kind %q", rec.kind)
	}

	var err error
	if rec.clientID, err = strconv.ParseUint(get("client_id"), 10, 64); err != nil {
		return row{}, fmt.Errorf("parse client_id: %w", err)
	}
	if rec.circuit, err = strconv.ParseUint(get("circuit"), 10, 64); err != nil {
		return row{}, fmt.Errorf("parse circuit: %w", err)
	}
	if rec.port, err = strconv.ParseUint(get("port"), 10, 16); err != nil {
		return row{}, fmt.Errorf("parse port: %w", err)
	}
	if rec.cellsOut, err = strconv.ParseUint(get("cells_out"), 10, 64); err != nil {
		return row{}, fmt.Errorf("parse cells_out: %w", err)
	}
	if rec.cellsIn, err = strconv.ParseUint(get("cells_in"), 10, 64); err != nil {
		return row{}, fmt.Errorf("parse cells_in: %w", err)
	}

	rec.guard = get("guard")
	rec.middle = get("middle")
	rec.exit = get("exit")
	if rec.guard == "" || rec.middle == "" || rec.exit == "" {
		return row{}, errors.New("empty relay token")
	}
	rec.guardComp = strings.HasSuffix(rec.guard, trace.CompromiseMarker)
	rec.middleComp = strings.HasSuffix(rec.middle, trace.CompromiseMarker)
	rec.exitComp = strings.HasSuffix(rec.exit, trace.CompromiseMarker)

	return rec, nil
}
