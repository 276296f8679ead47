package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/rover/logging"
	"go.viam.com/rover/utils"
)

// settleTime is how long the file must stay quiet before it is re-read. Editors and os.WriteFile
// produce several events per save.
const settleTime = 100 * time.Millisecond

// A Watcher re-reads a config file whenever it changes.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	workers utils.StoppableWorkers
	logger  logging.Logger

	// reloadMu serializes reloads with Close. No reload starts once closed is set.
	reloadMu sync.Mutex
	closed   bool
}

// Watch starts watching filePath and calls onChange with every config that reads and validates
// after a change. Invalid configs are logged and skipped. The directory is watched rather than the
// file so that editors replacing the file by rename are still seen.
func Watch(filePath string, logger logging.Logger, onChange func(*Config)) (*Watcher, error) {
	abs, err := filepath.Abs(filePath)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create config watcher")
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "failed to watch %q", filePath), fsw.Close())
	}

	w := &Watcher{path: abs, watcher: fsw, logger: logger}
	w.workers = utils.NewStoppableWorkers(func(ctx context.Context) {
		w.run(ctx, onChange)
	})
	return w, nil
}

func (w *Watcher) run(ctx context.Context, onChange func(*Config)) {
	debounced := debounce.New(settleTime)
	reload := func() {
		w.reloadMu.Lock()
		defer w.reloadMu.Unlock()
		if w.closed || ctx.Err() != nil {
			return
		}
		cfg, err := Read(ctx, w.path, w.logger)
		if err != nil {
			w.logger.Errorw("ignoring changed config", "path", w.path, "error", err)
			return
		}
		w.logger.Infow("config changed", "path", w.path)
		onChange(cfg)
	}
	for {
		select {
		case <-ctx.Done():
			// Replace a pending reload with a no-op.
			debounced(func() {})
			return
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("config watcher error", "error", err)
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			debounced(reload)
		}
	}
}

// Close stops watching. A reload in progress finishes first; onChange is never called after Close
// returns.
func (w *Watcher) Close() error {
	w.workers.Stop()
	w.reloadMu.Lock()
	w.closed = true
	w.reloadMu.Unlock()
	return w.watcher.Close()
}
