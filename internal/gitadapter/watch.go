package gitadapter

import (
	"github.com/fsnotify/fsnotify"
)

// WatchRefDir watches a foreign repository's on-disk ref storage (e.g. a
// real git repo's ".git/refs" and ".git/packed-refs") and invokes onChange
// whenever an entry directly inside dir is created, written, renamed, or
// removed. The watch is not recursive: changes inside subdirectories of dir
// (such as ".git/refs/heads" under ".git/refs") do not fire.
// This lets a caller enqueue an Import without polling (spec.md §5,
// "Cancellation & timeouts" — the adapter itself never blocks on the
// network; a watch-triggered import is just another caller-initiated
// Import call). The returned watcher must be closed by the caller.
func WatchRefDir(dir string, onChange func(name string)) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) != 0 {
					onChange(event.Name)
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return watcher, nil
}
