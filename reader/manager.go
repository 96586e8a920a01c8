// Package reader exposes atomic, ref-counted point-in-time views over the
// currently active segment manifest.
package reader

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Ripolin/segrep/manifest"
	"github.com/Ripolin/segrep/store"
	"github.com/Ripolin/segrep/sys"
)

// ErrClosed is returned by Acquire after the manager has been closed.
var ErrClosed = errors.New("reader manager is closed")

// ManifestOpenError reports that a manifest's segment files could not be
// opened. The manifest it refers to was not installed.
type ManifestOpenError struct {
	Generation uint64
	File       string
	Err        error
}

func (e *ManifestOpenError) Error() string {
	return fmt.Sprintf("failed to open manifest generation %d: segment %s: %v", e.Generation, e.File, e.Err)
}

func (e *ManifestOpenError) Unwrap() error {
	return e.Err
}

// Listener is notified synchronously, on the swapping goroutine, each time
// the active manifest is replaced.
type Listener interface {
	OnManifestSwap(old, new *manifest.Manifest)
}

// Snapshot is a ref-counted, read-only view bound to exactly one manifest.
// It stays valid until closed even if the manager swaps to a newer manifest.
type Snapshot struct {
	mgr      *Manager
	view     *manifestView
	released atomic.Bool
}

// Manifest returns the manifest this snapshot is bound to.
func (s *Snapshot) Manifest() *manifest.Manifest {
	return s.view.m
}

// Files exposes the opened segment file handles backing this snapshot.
func (s *Snapshot) Files() []sys.FileHandle {
	return s.view.files
}

// Close releases the snapshot's reference. Closing twice is harmless.
func (s *Snapshot) Close() error {
	if !s.released.CompareAndSwap(false, true) {
		return nil
	}
	s.mgr.releaseView(s.view)
	return nil
}

// manifestView holds a manifest together with its opened segment files and
// the reference count that keeps them open.
type manifestView struct {
	m     *manifest.Manifest
	files []sys.FileHandle
	// refs counts outstanding snapshots plus, while the view is current,
	// one reference held by the manager itself.
	refs       int
	superseded bool
}

// Manager holds the currently active manifest and hands out ref-counted
// snapshots of it. Swapping the active manifest never invalidates snapshots
// already handed out; a superseded view's files close when the last snapshot
// bound to it is released.
type Manager struct {
	mu        sync.Mutex
	st        *store.Store
	current   *manifestView
	listeners []Listener
	closed    bool
	logger    *slog.Logger
}

// NewManager opens a manager over the given manifest. If the manifest's
// files cannot be opened, nothing is retained and a ManifestOpenError is
// returned.
func NewManager(st *store.Store, m *manifest.Manifest, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mgr := &Manager{
		st:     st,
		logger: logger.With("component", "ReaderManager"),
	}
	view, err := mgr.openView(m)
	if err != nil {
		return nil, err
	}
	mgr.current = view
	return mgr, nil
}

// Acquire returns a snapshot of the currently active manifest. It never
// blocks on a concurrent swap.
func (r *Manager) Acquire() (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	r.current.refs++
	return &Snapshot{mgr: r, view: r.current}, nil
}

// UpdateManifest atomically swaps the active manifest so all subsequent
// Acquire calls see it. The new manifest's files are opened before the swap;
// on failure nothing is installed and the previous manifest stays active.
// Registered listeners are notified synchronously on the calling goroutine.
func (r *Manager) UpdateManifest(m *manifest.Manifest) error {
	// Opening segment files is the slow part; do it before touching any
	// shared state so concurrent Acquire calls are never serialized behind it.
	view, err := r.openView(m)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		closeFiles(view.files, r.logger)
		return ErrClosed
	}
	old := r.current
	r.current = view
	old.superseded = true
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	for _, l := range listeners {
		l.OnManifestSwap(old.m, m)
	}

	// Drop the manager's own reference on the superseded view.
	r.releaseView(old)
	return nil
}

// AddListener registers a swap listener.
func (r *Manager) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Current returns the currently active manifest.
func (r *Manager) Current() *manifest.Manifest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current.m
}

// Close drops the manager's reference on the active manifest. Snapshots
// already handed out remain usable until they are released.
func (r *Manager) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	current := r.current
	current.superseded = true
	r.mu.Unlock()

	r.releaseView(current)
	return nil
}

// openView opens every segment file the manifest references. The manager's
// own reference is included in the initial count.
func (r *Manager) openView(m *manifest.Manifest) (*manifestView, error) {
	files := make([]sys.FileHandle, 0, len(m.Segments))
	for _, seg := range m.Segments {
		f, err := sys.Open(r.st.SegmentPath(seg.Name))
		if err != nil {
			closeFiles(files, r.logger)
			return nil, &ManifestOpenError{Generation: m.Generation, File: seg.Name, Err: err}
		}
		files = append(files, f)
	}
	return &manifestView{m: m, files: files, refs: 1}, nil
}

func (r *Manager) releaseView(view *manifestView) {
	r.mu.Lock()
	view.refs--
	release := view.refs == 0 && view.superseded
	if view.refs < 0 {
		r.mu.Unlock()
		panic("reader: manifest view released more times than acquired")
	}
	r.mu.Unlock()

	if release {
		r.logger.Debug("Releasing superseded manifest view", "generation", view.m.Generation)
		closeFiles(view.files, r.logger)
	}
}

func closeFiles(files []sys.FileHandle, logger *slog.Logger) {
	for _, f := range files {
		if err := f.Close(); err != nil {
			logger.Warn("Failed to close segment file", "name", f.Name(), "error", err)
		}
	}
}
