// Package watch observes the exported bundle directory and triggers tenant
// reloads when a bundle lands or changes on disk.
package watch

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const DefaultDebounce = 250 * time.Millisecond

// Watcher maps filesystem events under <root>/<tenant>/ to per-tenant
// reload triggers. Bursts from an export (manifest plus rules, each written
// via rename) collapse into one trigger per tenant.
type Watcher struct {
	root     string
	debounce time.Duration
	reload   func(tenantID string)

	fsw       *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func New(root string, debounce time.Duration, reload func(tenantID string)) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		root:     root,
		debounce: debounce,
		reload:   reload,
		fsw:      fsw,
		done:     make(chan struct{}),
		timers:   map[string]*time.Timer{},
	}, nil
}

// Start registers the root and existing tenant directories and begins
// dispatching. New tenant directories are picked up as they are created.
func (w *Watcher) Start() error {
	if err := w.fsw.Add(w.root); err != nil {
		return err
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := w.fsw.Add(filepath.Join(w.root, e.Name())); err != nil {
				log.Printf("watch: add tenant dir %s: %v", e.Name(), err)
			}
		}
	}
	go w.loop()
	return nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("watch: %v", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Rename) {
		return
	}
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	// A new tenant directory appearing at the top level gets watched; its
	// bundle files arrive as separate events.
	if len(parts) == 1 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(event.Name); err != nil {
				log.Printf("watch: add tenant dir %s: %v", parts[0], err)
			}
			w.schedule(parts[0])
		}
		return
	}
	// Ignore in-flight temp files from atomic writes.
	if strings.HasSuffix(parts[len(parts)-1], ".tmp") {
		return
	}
	w.schedule(parts[0])
}

func (w *Watcher) schedule(tenantID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[tenantID]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[tenantID] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, tenantID)
		w.mu.Unlock()
		w.reload(tenantID)
	})
}

func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		for _, t := range w.timers {
			t.Stop()
		}
		w.timers = map[string]*time.Timer{}
		w.mu.Unlock()
		err = w.fsw.Close()
	})
	return err
}
