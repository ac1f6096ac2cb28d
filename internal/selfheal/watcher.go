package selfheal

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchRules reloads the classifier whenever the rules file changes on
// disk, until the context ends. The parent directory is watched because
// most editors replace the file by rename.
func WatchRules(ctx context.Context, classifier *Classifier, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	go func() {
		defer watcher.Close()
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := classifier.Reload(path); err != nil {
					log.Printf("selfheal rules reload failed: %v", err)
					continue
				}
				log.Printf("selfheal rules reloaded from %s", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("selfheal rules watcher error: %v", err)
			}
		}
	}()
	return nil
}
