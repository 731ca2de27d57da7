package inbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"genpaper/internal/logger"
)

// Handler is called once per settled PDF dropped at <root>/<owner>/<name>.pdf.
type Handler func(ctx context.Context, ownerID, path string) error

// Watcher turns PDFs dropped into per-owner inbox folders into ingestion jobs.
// Writes are debounced so a file is handled once it stops changing.
type Watcher struct {
	log      *logger.Logger
	root     string
	debounce time.Duration
	handle   Handler

	w       *fsnotify.Watcher
	mu      sync.Mutex
	pending map[string]*time.Timer
}

func New(log *logger.Logger, root string, debounce time.Duration, handle Handler) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &Watcher{
		log:      log.With("component", "inbox"),
		root:     filepath.Clean(root),
		debounce: debounce,
		handle:   handle,
		w:        w,
		pending:  map[string]*time.Timer{},
	}, nil
}

// Run watches until ctx is done.
func (iw *Watcher) Run(ctx context.Context) error {
	defer iw.w.Close()
	if err := os.MkdirAll(iw.root, 0o755); err != nil {
		return fmt.Errorf("create inbox root: %w", err)
	}
	if err := iw.w.Add(iw.root); err != nil {
		return fmt.Errorf("watch %s: %w", iw.root, err)
	}
	entries, err := os.ReadDir(iw.root)
	if err != nil {
		return fmt.Errorf("read inbox root: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			iw.addOwnerDir(filepath.Join(iw.root, e.Name()))
		}
	}
	iw.log.Info("inbox watching", "root", iw.root)

	for {
		select {
		case <-ctx.Done():
			iw.stopTimers()
			return nil
		case ev, ok := <-iw.w.Events:
			if !ok {
				return nil
			}
			iw.onEvent(ctx, ev)
		case err, ok := <-iw.w.Errors:
			if !ok {
				return nil
			}
			iw.log.Warn("inbox watcher error", "error", err)
		}
	}
}

func (iw *Watcher) addOwnerDir(dir string) {
	if err := iw.w.Add(dir); err != nil {
		iw.log.Warn("watch owner dir failed", "dir", dir, "error", err)
	}
}

func (iw *Watcher) onEvent(ctx context.Context, ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	if filepath.Dir(ev.Name) == iw.root {
		if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
			iw.addOwnerDir(ev.Name)
		}
		return
	}
	owner, ok := iw.ownerOf(ev.Name)
	if !ok {
		return
	}
	iw.mu.Lock()
	defer iw.mu.Unlock()
	if t, ok := iw.pending[ev.Name]; ok {
		t.Reset(iw.debounce)
		return
	}
	path := ev.Name
	iw.pending[path] = time.AfterFunc(iw.debounce, func() {
		iw.mu.Lock()
		delete(iw.pending, path)
		iw.mu.Unlock()
		if err := iw.handle(ctx, owner, path); err != nil {
			iw.log.Warn("inbox file rejected", "owner_id", owner, "path", path, "error", err)
			return
		}
		iw.log.Info("inbox file queued", "owner_id", owner, "path", path)
	})
}

// ownerOf accepts only <root>/<owner>/<file>.pdf.
func (iw *Watcher) ownerOf(path string) (string, bool) {
	if !strings.EqualFold(filepath.Ext(path), ".pdf") || strings.HasPrefix(filepath.Base(path), ".") {
		return "", false
	}
	rel, err := filepath.Rel(iw.root, path)
	if err != nil {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 || parts[0] == "" || parts[0] == ".." {
		return "", false
	}
	return parts[0], true
}

func (iw *Watcher) stopTimers() {
	iw.mu.Lock()
	defer iw.mu.Unlock()
	for p, t := range iw.pending {
		t.Stop()
		delete(iw.pending, p)
	}
}
