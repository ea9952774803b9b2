package config

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// settleDelay coalesces the burst of events one editor save produces.
const settleDelay = 150 * time.Millisecond

// Watch reloads path whenever it changes and calls onChange with each valid
// config that differs from the previous one. Invalid files are logged and
// skipped. The parent directory is watched so rename-on-save editors work.
// Watch returns when ctx is done.
func Watch(ctx context.Context, path string, current Config, onChange func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				settle = time.After(settleDelay)
			}
		case <-settle:
			settle = nil
			cfg, err := Load(abs)
			if err != nil {
				log.Warnf("config reload %s: %v", abs, err)
				continue
			}
			if reflect.DeepEqual(cfg, current) {
				continue
			}
			current = cfg
			log.Infof("config reloaded from %s", abs)
			onChange(cfg)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warnf("config watcher: %v", err)
		}
	}
}
