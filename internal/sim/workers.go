package sim

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/anonmetrics/tornet-simulator/circuit"
	"github.com/anonmetrics/tornet-simulator/internal/client"
	"github.com/anonmetrics/tornet-simulator/internal/logging"
)

// workerCount resolves the pool size: the configured value, else one worker
// per CPU, never more than one per client.
func workerCount(configured, clients int) int {
	n := configured
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if n > clients {
		n = clients
	}
	if n < 1 {
		n = 1
	}
	return n
}

// processEpoch fans one epoch window across the population. Each worker owns
// a contiguous partition of clients and a single trace writer for the whole
// partition. The first error wins; peers already in flight run to
// completion, so partial trace output is not rolled back.
func (s *Simulator) processEpoch(ctx context.Context, clients []*client.Client, start, end time.Time, gen *circuit.Generator, prog *progress) error {
	workers := workerCount(s.cfg.Workers, len(clients))
	chunk := (len(clients) + workers - 1) / workers

	var wg sync.WaitGroup
	var firstErr error
	var errMu sync.Mutex

	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := lo + chunk
		if hi > len(clients) {
			hi = len(clients)
		}
		if lo >= hi {
			continue
		}

		wg.Add(1)
		go func(part []*client.Client) {
			defer wg.Done()

			writer := s.sink.WriterForWorker()
			for _, cl := range part {
				if err := cl.AdvanceEpoch(start, end, gen, writer, s.registry); err != nil {
					s.log.Warn(ctx, "client epoch failed",
						logging.Uint64("client_id", cl.ID()),
						logging.Err(err),
					)
					errMu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					errMu.Unlock()
					return
				}
				if err := writer.Flush(); err != nil {
					s.log.Warn(ctx, "trace flush failed",
						logging.Uint64("client_id", cl.ID()),
						logging.Err(err),
					)
					errMu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					errMu.Unlock()
					return
				}
				prog.signal()
			}
		}(clients[lo:hi])
	}

	wg.Wait()
	return firstErr
}
