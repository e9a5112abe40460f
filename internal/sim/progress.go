package sim

import (
	"context"

	"github.com/anonmetrics/tornet-simulator/internal/logging"
)

// progress reports epoch completion percentages from a dedicated goroutine.
// Workers send true once per finished client; the scheduler sends false to
// stop. The buffer holds one signal per client plus the sentinel, so a send
// never blocks on a slow consumer.
type progress struct {
	ch    chan bool
	done  chan struct{}
	log   logging.Logger
	total uint64
	every uint64
}

// startProgress launches the reporter for one epoch of the given population.
func startProgress(ctx context.Context, log logging.Logger, population uint64) *progress {
	every := population / 1000
	if every == 0 {
		every = 1
	}
	p := &progress{
		ch:    make(chan bool, population+1),
		done:  make(chan struct{}),
		log:   log,
		total: population,
		every: every,
	}
	go p.run(ctx)
	return p
}

func (p *progress) run(ctx context.Context) {
	defer close(p.done)
	var completed uint64
	for more := range p.ch {
		if !more {
			return
		}
		completed++
		if completed%p.every == 0 {
			p.log.Info(ctx, "epoch progress",
				logging.Uint64("clients_done", completed),
				logging.Uint64("clients_total", p.total),
				logging.Float64("percent", 100*float64(completed)/float64(p.total)),
			)
		}
	}
}

// signal reports one finished client. Safe to call from many workers.
func (p *progress) signal() { p.ch <- true }

// stop sends the stop sentinel and joins the reporter. Call it exactly once,
// after every worker has finished signaling, so no reporter output leaks
// into the next epoch.
func (p *progress) stop() {
	p.ch <- false
	<-p.done
}
