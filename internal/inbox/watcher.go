package inbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ppiankov/changegate/internal/llm"
)

const (
	DefaultWorkers   = 5
	DefaultQueueSize = 200
	defaultDebounce  = 200 * time.Millisecond
	defaultRetry     = time.Minute
)

// Options tunes a Watcher. Zero values take the defaults.
type Options struct {
	Workers    int
	QueueSize  int
	Debounce   time.Duration
	// RetryDelay is how long a rate-limited file waits before it is queued
	// again.
	RetryDelay time.Duration
}

// Watcher feeds new inbox files to a Processor through a fixed worker pool.
type Watcher struct {
	proc     *Processor
	opts     Options
	log      *zap.Logger
	inflight sync.Map
}

// NewWatcher wraps proc.
func NewWatcher(proc *Processor, opts Options) *Watcher {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize < opts.Workers {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetry
	}
	return &Watcher{proc: proc, opts: opts, log: proc.log}
}

// Run processes files already in the inbox, then watches for new ones.
// Blocks until ctx is cancelled; in-flight files finish before it returns.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("inbox: create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(w.proc.Dir()); err != nil {
		return fmt.Errorf("inbox: watch %s: %w", w.proc.Dir(), err)
	}

	queue := make(chan string, w.opts.QueueSize)
	retry := make(chan string)
	later := func(path string) {
		time.AfterFunc(w.opts.RetryDelay, func() {
			select {
			case retry <- path:
			case <-ctx.Done():
			}
		})
	}
	var wg sync.WaitGroup
	for i := 0; i < w.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range queue {
				if w.handle(ctx, path) {
					later(path)
				}
			}
		}()
	}

	// One debounce timer for all events; paths accumulate in ready until
	// it fires.
	var mu sync.Mutex
	ready := make(map[string]bool)
	flush := func() {
		mu.Lock()
		batch := make([]string, 0, len(ready))
		for p := range ready {
			batch = append(batch, p)
		}
		ready = make(map[string]bool)
		mu.Unlock()
		sort.Strings(batch)
		for _, p := range batch {
			select {
			case queue <- p:
			case <-ctx.Done():
				return
			}
		}
	}

	timer := time.NewTimer(w.opts.Debounce)
	timer.Stop()
	defer func() {
		timer.Stop()
		close(queue)
		wg.Wait()
	}()

	existing, err := w.existing()
	if err != nil {
		return err
	}
	mu.Lock()
	for _, p := range existing {
		ready[p] = true
	}
	mu.Unlock()
	flush()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-timer.C:
			flush()

		case path := <-retry:
			mu.Lock()
			ready[path] = true
			mu.Unlock()
			resetTimer(timer, w.opts.Debounce)

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !isRecommendation(event.Name) {
				continue
			}
			mu.Lock()
			ready[event.Name] = true
			mu.Unlock()
			resetTimer(timer, w.opts.Debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", zap.Error(err))
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// handle processes one file and reports whether it was rate limited and
// should be queued again.
func (w *Watcher) handle(ctx context.Context, path string) (again bool) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("panic processing inbox file", zap.String("file", filepath.Base(path)), zap.Any("panic", r))
		}
	}()
	if _, busy := w.inflight.LoadOrStore(path, true); busy {
		return
	}
	defer w.inflight.Delete(path)
	// Rename events fire for the old name too.
	if _, err := os.Lstat(path); err != nil {
		return
	}
	_, err := w.proc.Process(ctx, path)
	if err == nil || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, llm.ErrRateLimited) {
		return true
	}
	w.log.Debug("inbox file not accepted", zap.String("file", filepath.Base(path)), zap.Error(err))
	return false
}

func (w *Watcher) existing() ([]string, error) {
	entries, err := os.ReadDir(w.proc.Dir())
	if err != nil {
		return nil, fmt.Errorf("inbox: scan: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		p := filepath.Join(w.proc.Dir(), e.Name())
		if isRecommendation(p) {
			out = append(out, p)
		}
	}
	return out, nil
}
