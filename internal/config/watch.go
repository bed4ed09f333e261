package config

import (
	"context"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ChuLiYu/scout-runtime/internal/logging"
)

// DefaultDebounce absorbs the burst of events editors emit for one save.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads a config file when it changes on disk and hands every
// valid, changed config to the subscriber.
type Watcher struct {
	path     string
	debounce time.Duration
	log      *zap.SugaredLogger
	onChange func(*Config)

	mu       sync.Mutex
	lastHash uint64
}

// NewWatcher creates a watcher for path. onChange runs on the watcher's
// goroutine.
func NewWatcher(path string, log *zap.SugaredLogger, onChange func(*Config)) *Watcher {
	return &Watcher{
		path:     path,
		debounce: DefaultDebounce,
		log:      logging.Component(log, "config"),
		onChange: onChange,
	}
}

// SetDebounce overrides the debounce window.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Prime records the current file content as already applied, so an
// unchanged rewrite does not trigger a reload.
func (w *Watcher) Prime() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return
	}
	w.mu.Lock()
	w.lastHash = hashBytes(data)
	w.mu.Unlock()
}

// Watch blocks until ctx is done. The parent directory is watched rather
// than the file because editors replace files on save.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create fsnotify watcher")
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	file := filepath.Base(w.path)
	if err := fw.Add(dir); err != nil {
		return errors.Wrapf(err, "watch %s", dir)
	}
	w.log.Debugw("config watcher started", "dir", dir, "file", file)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			if ctx.Err() != nil {
				return
			}
			w.reload()
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return errors.New("fsnotify event channel closed")
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return errors.New("fsnotify error channel closed")
			}
			w.log.Warnw("config watcher error", logging.FieldError, err)
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.log.Warnw("config read failed", "path", w.path, logging.FieldError, err)
		return
	}
	h := hashBytes(data)
	w.mu.Lock()
	unchanged := h == w.lastHash
	w.mu.Unlock()
	if unchanged {
		w.log.Debugw("config unchanged; skipping reload", "path", w.path)
		return
	}

	cfg, err := Parse(data)
	if err != nil {
		w.log.Warnw("config rejected", "path", w.path, logging.FieldError, err)
		return
	}

	w.mu.Lock()
	w.lastHash = h
	w.mu.Unlock()

	w.log.Infow("config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
