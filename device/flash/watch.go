package flash

import (
	"context"
	"path/filepath"

	"gophertock/kernel/kfmt"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reports changes made to a flash backing file by other programs,
// such as a host tool installing an image while the kernel runs.
type Watcher struct {
	w        *fsnotify.Watcher
	name     string
	onChange func()
}

// NewWatcher watches the file at path and calls onChange from the Run
// goroutine whenever the file is written, created or replaced. The
// containing directory is watched so that replacing the file is noticed.
func NewWatcher(path string, onChange func()) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, err
	}

	return &Watcher{w: w, name: abs, onChange: onChange}, nil
}

// Run dispatches events until ctx is done or the watcher is closed. The
// underlying watcher is closed when Run returns.
func (fw *Watcher) Run(ctx context.Context) error {
	defer fw.w.Close()

	log := kfmt.Logger("flash")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != fw.name {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			log.Debug("flash file changed", zap.String("path", ev.Name), zap.Stringer("op", ev.Op))
			fw.onChange()
		case err, ok := <-fw.w.Errors:
			if !ok {
				return nil
			}
			log.Warn("flash watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher. Run returns once the event channels are closed.
func (fw *Watcher) Close() error {
	return fw.w.Close()
}
