package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ppiankov/changegate/internal/gate"
	"github.com/ppiankov/changegate/internal/protect"
)

const reloadDebounce = 500 * time.Millisecond

// ReloadFunc re-reads one watched file.
type ReloadFunc func(path string) error

// Reloader watches pattern files and reloads them after writes settle.
type Reloader struct {
	watcher  *fsnotify.Watcher
	handlers map[string]ReloadFunc
	debounce time.Duration
	log      *zap.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewReloader watches every non-empty, existing path in handlers.
// Missing files are skipped.
func NewReloader(handlers map[string]ReloadFunc, log *zap.Logger) (*Reloader, error) {
	if log == nil {
		log = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	r := &Reloader{
		watcher:  watcher,
		handlers: make(map[string]ReloadFunc),
		debounce: reloadDebounce,
		log:      log.Named("reload"),
		timers:   make(map[string]*time.Timer),
	}
	for p, fn := range handlers {
		if p == "" || fn == nil {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		p = filepath.Clean(p)
		if err := watcher.Add(p); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("config: watch %q: %w", p, err)
		}
		r.handlers[p] = fn
	}
	return r, nil
}

// Watched lists the files being watched.
func (r *Reloader) Watched() []string {
	out := make([]string, 0, len(r.handlers))
	for p := range r.handlers {
		out = append(out, p)
	}
	return out
}

// Run blocks until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()
	defer r.stopTimers()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				r.schedule(filepath.Clean(event.Name))
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("watcher error", zap.Error(err))
		}
	}
}

func (r *Reloader) schedule(path string) {
	fn, ok := r.handlers[path]
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t := r.timers[path]; t != nil {
		t.Stop()
	}
	r.timers[path] = time.AfterFunc(r.debounce, func() {
		if err := fn(path); err != nil {
			r.log.Error("hot-reload failed", zap.String("path", path), zap.Error(err))
			return
		}
		r.log.Info("hot-reload", zap.String("path", path))
	})
}

func (r *Reloader) stopTimers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.timers {
		t.Stop()
	}
}

// CorpusReloader swaps the input gate's corpus. A corpus that fails to load
// or compile leaves the previous one active.
func CorpusReloader(in *gate.InputGate) ReloadFunc {
	return func(path string) error {
		c, err := gate.LoadCorpus(path)
		if err != nil {
			return err
		}
		return in.SetCorpus(c)
	}
}

// ProtectReloader swaps the protected pattern set.
func ProtectReloader(rules *protect.Rules) ReloadFunc {
	return func(path string) error {
		p, err := protect.LoadPatterns(path)
		if err != nil {
			return err
		}
		rules.Replace(p)
		return nil
	}
}
