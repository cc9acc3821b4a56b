// Package filewatch tells when configuration files are modified.
package filewatch

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Modified is the cause of contexts canceled by a file modification.
type Modified struct {
	Path string
	Op   fsnotify.Op
}

func (m *Modified) Error() string {
	return fmt.Sprintf("%s is updated (%s)", m.Path, m.Op.String())
}

// UntilModified returns a context that is canceled
// when one of files is written, created, removed or renamed.
//
// Parent directories are watched instead of files themselves,
// so replacing a file by rename (as kubernetes does for mounted ConfigMaps) is also detected.
// Changes of other files in the directories are ignored.
//
// The cause of the canceled context is *Modified.
//
// If error is not nil, both of the the context and the cancel function are nil.
func UntilModified(ctx context.Context, logger *zap.Logger, files ...string) (context.Context, func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("filewatch")

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}

	targets := map[string]struct{}{}
	dirs := map[string]struct{}{}
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			w.Close()
			return nil, nil, err
		}
		targets[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for d := range dirs {
		if err := w.Add(d); err != nil {
			w.Close()
			return nil, nil, err
		}
	}

	cctx, cancel := context.WithCancelCause(ctx)
	go func() {
		defer w.Close()

		for {
			select {
			case <-cctx.Done():
				return
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("watching files", zap.Error(err))
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename) {
					continue
				}
				abs, err := filepath.Abs(event.Name)
				if err != nil {
					continue
				}
				if _, ok := targets[abs]; !ok {
					continue
				}
				logger.Info("file is modified", zap.String("path", abs), zap.String("op", event.Op.String()))
				cancel(&Modified{Path: abs, Op: event.Op})
				return
			}
		}
	}()

	return cctx, func() { cancel(nil) }, nil
}
