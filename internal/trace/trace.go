// Package trace streams simulation events to disk. Workers buffer records in
// per-worker writers and ship them in batches over a single channel; one
// drain goroutine owns the output file and the CSV encoder. Batches are
// written whole, so the records of one client stay in order regardless of
// how batches from different workers interleave.
package trace

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
)

// CompromiseMarker suffixes relay tokens controlled by the adversary. The
// trace analysis tooling keys on it.
const CompromiseMarker = "*"

// RecordKind distinguishes circuit construction events from stream requests.
type RecordKind string

const (
	KindCircuit RecordKind = "circuit"
	KindStream  RecordKind = "stream"
)

// Record is one trace line. Guard and Middle carry relay fingerprints and
// Exit the compact exit identifier, each suffixed with CompromiseMarker when
// the relay is adversary-controlled.
type Record struct {
	Time     time.Time
	ClientID uint64
	Kind     RecordKind
	Circuit  uint64 // per-client circuit sequence number
	Guard    string
	Middle   string
	Exit     string
	Port     uint16
	CellsOut uint64
	CellsIn  uint64
}

// MarkFingerprint renders a relay fingerprint token.
func MarkFingerprint(fp string, compromised bool) string {
	if compromised {
		return fp + CompromiseMarker
	}
	return fp
}

// MarkExitID renders a compact exit identifier token.
func MarkExitID(id uint64, compromised bool) string {
	s := strconv.FormatUint(id, 10)
	if compromised {
		return s + CompromiseMarker
	}
	return s
}

var csvHeader = []string{
	"time", "client_id", "kind", "circuit",
	"guard", "middle", "exit", "port",
	"cells_out", "cells_in",
}

// Header returns the trace column names in file order. Readers map columns by
// name rather than position so the file format can grow columns.
func Header() []string {
	h := make([]string, len(csvHeader))
	copy(h, csvHeader)
	return h
}

// batchBuffer bounds how many in-flight batches the drain goroutine can fall
// behind; full means workers block, which is the backpressure we want.
const batchBuffer = 1024

// Handle owns one trace output. Open it once per run, hand one Writer to
// each worker, and Shutdown after the last epoch.
type Handle struct {
	recordCh chan []Record
	wg       sync.WaitGroup
	total    atomic.Int64

	mu  sync.Mutex
	err error // first sink error, sticky

	closeOnce sync.Once

	// owned by the drain goroutine after construction
	csvW *csv.Writer
	gz   *gzip.Writer
	file *os.File
}

// Open creates the trace output. An empty path discards records while still
// exercising the full encode path; a path ending in .gz is gzip-compressed.
func Open(path string) (*Handle, error) {
	h := &Handle{recordCh: make(chan []Record, batchBuffer)}

	var w io.Writer = io.Discard
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("create trace %s: %w", path, err)
		}
		h.file = f
		w = f
		if strings.HasSuffix(path, ".gz") {
			h.gz = gzip.NewWriter(f)
			w = h.gz
		}
	}

	h.csvW = csv.NewWriter(w)
	if err := h.csvW.Write(csvHeader); err != nil {
		if h.file != nil {
			h.file.Close()
		}
		return nil, fmt.Errorf("write trace header: %w", err)
	}

	h.wg.Add(1)
	go h.drain()
	return h, nil
}

// Discard returns a sink that drops every record. Writing to io.Discard
// cannot fail, so the error from Open is statically nil here.
func Discard() *Handle {
	h, _ := Open("")
	return h
}

// WriterForWorker returns a buffering writer for exclusive use by one worker
// goroutine. Writers are not safe for sharing.
func (h *Handle) WriterForWorker() *Writer {
	return &Writer{h: h}
}

// Err returns the first sink error, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) setErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err == nil {
		h.err = err
	}
}

// Total returns how many records reached the sink.
func (h *Handle) Total() int64 { return h.total.Load() }

// drain is the single goroutine writing record batches to the output. After
// a sink error it keeps consuming and discards, so writers never block on a
// dead sink; they observe the sticky error on their next Flush.
func (h *Handle) drain() {
	defer h.wg.Done()

	for batch := range h.recordCh {
		if h.Err() != nil {
			continue
		}
		for _, rec := range batch {
			row := []string{
				rec.Time.UTC().Format(time.RFC3339),
				strconv.FormatUint(rec.ClientID, 10),
				string(rec.Kind),
				strconv.FormatUint(rec.Circuit, 10),
				rec.Guard,
				rec.Middle,
				rec.Exit,
				strconv.FormatUint(uint64(rec.Port), 10),
				strconv.FormatUint(rec.CellsOut, 10),
				strconv.FormatUint(rec.CellsIn, 10),
			}
			h.csvW.Write(row)
		}
		h.csvW.Flush()
		if err := h.csvW.Error(); err != nil {
			h.setErr(fmt.Errorf("write trace batch: %w", err))
			continue
		}
		h.total.Add(int64(len(batch)))
	}
}

// Shutdown closes the record channel, waits for the drain goroutine, flushes
// and closes the output, and returns the first sink error. Callers must join
// every worker first; a Flush after Shutdown panics on the closed channel.
// Shutdown is safe to call more than once; later calls return the stored
// error.
func (h *Handle) Shutdown() error {
	h.closeOnce.Do(func() {
		close(h.recordCh)
		h.wg.Wait()

		h.csvW.Flush()
		if err := h.csvW.Error(); err != nil {
			h.setErr(fmt.Errorf("flush trace: %w", err))
		}
		if h.gz != nil {
			if err := h.gz.Close(); err != nil {
				h.setErr(fmt.Errorf("close trace compressor: %w", err))
			}
		}
		if h.file != nil {
			if err := h.file.Close(); err != nil {
				h.setErr(fmt.Errorf("close trace file: %w", err))
			}
		}
	})
	return h.Err()
}

// Writer buffers records for one worker between flushes.
type Writer struct {
	h   *Handle
	buf []Record
}

// Write buffers one record. It never blocks; Flush ships the batch.
func (w *Writer) Write(rec Record) {
	w.buf = append(w.buf, rec)
}

// Buffered returns how many records wait for the next Flush.
func (w *Writer) Buffered() int { return len(w.buf) }

// Flush ships the buffered batch to the sink. A sink that already failed
// reports its error immediately so workers stop producing.
func (w *Writer) Flush() error {
	if err := w.h.Err(); err != nil {
		return err
	}
	if len(w.buf) == 0 {
		return nil
	}
	batch := make([]Record, len(w.buf))
	copy(batch, w.buf)
	w.buf = w.buf[:0]
	w.h.recordCh <- batch
	return nil
}
