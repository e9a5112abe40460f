package sim

import (
	"time"

	"github.com/anonmetrics/tornet-simulator/archive"
	"github.com/anonmetrics/tornet-simulator/netdoc"
)

// Handle names one consensus in a stream and loads it on demand.
type Handle interface {
	Name() string
	Load() (*netdoc.Consensus, *netdoc.DescriptorSet, error)
}

// ConsensusSource yields the ordered handles covering a replay window. The
// scheduler walks the result strictly forward and holds at most two loaded
// consensuses at a time.
type ConsensusSource interface {
	FindConsensuses(from, to time.Time) ([]Handle, error)
}

// ArchiveSource adapts a directory archive to ConsensusSource.
type ArchiveSource struct {
	Archive *archive.Archive
}

// FindConsensuses returns the archive's handles for [from, to].
func (s ArchiveSource) FindConsensuses(from, to time.Time) ([]Handle, error) {
	found, err := s.Archive.FindConsensuses(from, to)
	if err != nil {
		return nil, err
	}
	handles := make([]Handle, len(found))
	for i, h := range found {
		handles[i] = h
	}
	return handles, nil
}

// loaded pairs a handle with the outcome of loading it. The scheduler needs
// the next consensus's validity start before it can close the current
// epoch's window, so a failed load travels with its item instead of aborting
// the peek.
type loaded struct {
	handle Handle
	cons   *netdoc.Consensus
	ds     *netdoc.DescriptorSet
	err    error
}

// lookahead walks a handle sequence with one element of readahead. An error
// in a peeked element is deferred until that element is consumed, so a run
// never fails on behalf of an epoch it has not reached yet.
type lookahead struct {
	handles []Handle
	pos     int
	buf     *loaded
}

func newLookahead(handles []Handle) *lookahead {
	return &lookahead{handles: handles}
}

func (l *lookahead) fill() {
	if l.buf != nil || l.pos >= len(l.handles) {
		return
	}
	item := &loaded{handle: l.handles[l.pos]}
	l.pos++
	item.cons, item.ds, item.err = item.handle.Load()
	l.buf = item
}

// take consumes the next element; ok is false once the stream is exhausted.
func (l *lookahead) take() (*loaded, bool) {
	l.fill()
	item := l.buf
	l.buf = nil
	return item, item != nil
}

// peek returns the upcoming element without consuming it, nil at the end.
func (l *lookahead) peek() *loaded {
	l.fill()
	return l.buf
}
