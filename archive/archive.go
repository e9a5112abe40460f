// Package archive locates and loads archived network-status documents from a
// directory tree. Consensus files follow the collector naming convention
// YYYY-MM-DD-HH-MM-SS-consensus, optionally gzip-compressed, with relay
// descriptors in a -descriptors sibling file.
package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/anonmetrics/tornet-simulator/netdoc"
)

var (
	// ErrNotADirectory marks an archive root that is missing or not a directory.
	ErrNotADirectory = errors.New("archive root is not a directory")
)

const (
	consensusSuffix   = "-consensus"
	descriptorsSuffix = "-descriptors"
	gzipSuffix        = ".gz"
	stampLayout       = "2006-01-02-15-04-05"
)

// Handle names one archived consensus without loading it. Loading is
// deferred so a replay over months of documents holds one epoch in memory
// at a time.
type Handle struct {
	name       string
	validAfter time.Time
	path       string
	descPath   string
}

// Name returns the consensus file name, without compression suffix.
func (h Handle) Name() string { return h.name }

// ValidAfter returns the validity start encoded in the file name. The
// authoritative value is the one inside the document; this one only orders
// handles during discovery.
func (h Handle) ValidAfter() time.Time { return h.validAfter }

// Load parses the consensus and its descriptors. A missing descriptors file
// yields an empty descriptor set, not an error.
func (h Handle) Load() (*netdoc.Consensus, *netdoc.DescriptorSet, error) {
	c, err := loadConsensus(h.path)
	if err != nil {
		return nil, nil, fmt.Errorf("load consensus %s: %w", h.name, err)
	}
	if h.descPath == "" {
		return c, netdoc.NewDescriptorSet(), nil
	}
	ds, err := loadDescriptors(h.descPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load descriptors for %s: %w", h.name, err)
	}
	return c, ds, nil
}

// Archive is a read-only view over a directory tree of archived documents.
type Archive struct {
	root    string
	handles []Handle // sorted by encoded timestamp
}

// Open scans root for consensus files. Subdirectories are included, so the
// usual year/month layout of long-term archives works unchanged.
func Open(root string) (*Archive, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotADirectory, root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotADirectory, root)
	}

	a := &Archive{root: root}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		h, ok := handleForFile(path)
		if !ok {
			return nil
		}
		a.handles = append(a.handles, h)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan archive %s: %w", root, err)
	}

	sort.Slice(a.handles, func(i, j int) bool {
		return a.handles[i].validAfter.Before(a.handles[j].validAfter)
	})
	return a, nil
}

// Len returns the number of discovered consensuses.
func (a *Archive) Len() int { return len(a.handles) }

// FindConsensuses returns the handles whose encoded validity start lies in
// [from, to], in chronological order. An empty result is not an error; the
// caller decides what an empty range means.
func (a *Archive) FindConsensuses(from, to time.Time) ([]Handle, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("invalid range: %s after %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	var out []Handle
	for _, h := range a.handles {
		if h.validAfter.Before(from) || h.validAfter.After(to) {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

// handleForFile recognizes consensus file names and derives the descriptor
// sibling path when one exists.
func handleForFile(path string) (Handle, bool) {
	base := strings.TrimSuffix(filepath.Base(path), gzipSuffix)
	if !strings.HasSuffix(base, consensusSuffix) {
		return Handle{}, false
	}
	stamp := strings.TrimSuffix(base, consensusSuffix)
	t, err := time.Parse(stampLayout, stamp)
	if err != nil {
		return Handle{}, false
	}

	h := Handle{name: base, validAfter: t.UTC(), path: path}
	dir := filepath.Dir(path)
	for _, cand := range []string{
		filepath.Join(dir, stamp+descriptorsSuffix),
		filepath.Join(dir, stamp+descriptorsSuffix+gzipSuffix),
	} {
		if _, err := os.Stat(cand); err == nil {
			h.descPath = cand
			break
		}
	}
	return h, true
}

func loadConsensus(path string) (*netdoc.Consensus, error) {
	r, closeAll, err := openMaybeGzip(path)
	if err != nil {
		return nil, err
	}
	defer closeAll()
	return netdoc.ParseConsensus(r)
}

func loadDescriptors(path string) (*netdoc.DescriptorSet, error) {
	r, closeAll, err := openMaybeGzip(path)
	if err != nil {
		return nil, err
	}
	defer closeAll()
	return netdoc.ParseDescriptors(r)
}

// openMaybeGzip opens path, transparently decompressing .gz files. The
// returned closer releases the decompressor and the file.
func openMaybeGzip(path string) (io.Reader, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	if !strings.HasSuffix(path, gzipSuffix) {
		return f, func() { f.Close() }, nil
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("gzip %s: %w", filepath.Base(path), err)
	}
	return zr, func() {
		zr.Close()
		f.Close()
	}, nil
}
