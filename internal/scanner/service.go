package scanner

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	. "github.com/roelfdiedericks/idlenpu/internal/logging"
)

// Service caches scan results for the models root and invalidates the
// cache when the directory changes, so the models list endpoint doesn't
// rewalk the tree on every poll.
type Service struct {
	root     string
	maxDepth int

	watcher *fsnotify.Watcher
	stopCh  chan struct{}

	mu      sync.Mutex
	cached  []Model
	dirty   bool
	running bool
}

// NewService creates a scan cache over one models root.
func NewService(root string, maxDepth int) *Service {
	return &Service{
		root:     root,
		maxDepth: maxDepth,
		stopCh:   make(chan struct{}),
		dirty:    true,
	}
}

// Start begins watching the models root. Watch failures degrade to
// rescan-on-every-List rather than failing startup.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		L_warn("scanner: watch unavailable, caching disabled", "error", err)
		return nil
	}
	if err := watcher.Add(s.root); err != nil {
		L_warn("scanner: cannot watch models dir, caching disabled", "dir", s.root, "error", err)
		watcher.Close()
		return nil
	}
	s.watcher = watcher

	L_info("scanner: watching models dir", "dir", s.root)
	go s.watchLoop()
	return nil
}

// Stop stops the watcher.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	close(s.stopCh)
	if s.watcher != nil {
		s.watcher.Close()
	}
	s.running = false
	L_debug("scanner: stopped")
}

func (s *Service) watchLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) != 0 {
				L_trace("scanner: models dir changed", "event", event.Op.String(), "name", event.Name)
				s.Invalidate()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			L_warn("scanner: watch error", "error", err)
		}
	}
}

// Invalidate marks the cache stale. The next List rescans.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// List returns the current model list, rescanning when the cache is
// stale or the watcher is unavailable.
func (s *Service) List() []Model {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dirty || s.watcher == nil {
		s.cached = ScanDirs([]string{s.root}, s.maxDepth)
		s.dirty = false
	}

	out := make([]Model, len(s.cached))
	copy(out, s.cached)
	return out
}
