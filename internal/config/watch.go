package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// SignatureSuffix names the MAC file that accompanies a config file.
const SignatureSuffix = ".sig"

// watchSettle absorbs the burst of events editors and atomic renames emit.
const watchSettle = 100 * time.Millisecond

// Watch reloads s whenever path or path+".sig" changes, until ctx is done.
// The parent directory is watched so rename-into-place updates are seen.
// Failed reloads are logged and leave the current snapshot in place.
func (s *Store) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	s.SetFormat(FormatForPath(path))
	sigPath := abs + SignatureSuffix

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != abs && ev.Name != sigPath {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			settle = time.After(watchSettle)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("config watcher error", slog.String("error", err.Error()))

		case <-settle:
			settle = nil
			s.reloadFromDisk(abs, sigPath)
		}
	}
}

func (s *Store) reloadFromDisk(path, sigPath string) {
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn("config reload read failed", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	sig, err := os.ReadFile(sigPath)
	if err != nil {
		s.logger.Warn("config reload signature missing", slog.String("path", sigPath), slog.String("error", err.Error()))
		return
	}
	// Reload logs its own rejection.
	_ = s.Reload(data, sig)
}
