package rules

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const watchDebounce = 100 * time.Millisecond

// reloader drives Store.ReloadIfChanged from a cron schedule and, for file
// storages, from fsnotify events. Both paths funnel into the same method,
// which serializes on the store's write lock.
type reloader struct {
	cron    *cron.Cron
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu    sync.Mutex
	timer *time.Timer
}

func startReloader(ctx context.Context, s *Store, opts Options) (*reloader, error) {
	logger := s.logger.Named("reload")
	cl := cronLogger{logger: logger}

	r := &reloader{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		stopCh: make(chan struct{}),
	}

	spec := "@every " + opts.ReloadInterval.String()
	if _, err := r.cron.AddFunc(spec, func() {
		s.ReloadIfChanged(ctx)
	}); err != nil {
		return nil, fmt.Errorf("failed to schedule rule reload %q: %w", spec, err)
	}

	if opts.Watch {
		if w, ok := s.storage.(Watchable); ok {
			if err := r.watch(w.WatchPath(), func() { s.ReloadIfChanged(ctx) }); err != nil {
				// Polling still covers external edits.
				logger.Warn("rule file watch unavailable, relying on polling", zap.Error(err))
			}
		}
	}

	r.cron.Start()
	logger.Info("rule reload scheduled", zap.String("schedule", spec))
	return r, nil
}

// watch observes the directory of path, since editors and our own Save
// replace the file by rename.
func (r *reloader) watch(path string, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return err
	}
	r.watcher = w

	target := filepath.Clean(path)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.stopCh:
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				r.debounce(onChange)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.logger.Warn("rule file watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

func (r *reloader) debounce(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(watchDebounce, func() {
		select {
		case <-r.stopCh:
		default:
			fn()
		}
	})
}

func (r *reloader) stop() {
	r.stopOnce.Do(r.shutdown)
}

func (r *reloader) shutdown() {
	close(r.stopCh)

	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.mu.Unlock()

	if r.watcher != nil {
		r.watcher.Close()
	}
	r.wg.Wait()

	<-r.cron.Stop().Done()
	r.logger.Info("rule reload stopped")
}

// cronLogger adapts zap to cron.Logger. Scheduler chatter goes to debug.
type cronLogger struct {
	logger *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
