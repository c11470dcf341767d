package gitadapter

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchRefDirFiresOnChange(t *testing.T) {
	dir := t.TempDir()
	changed := make(chan string, 1)
	watcher, err := WatchRefDir(dir, func(name string) {
		select {
		case changed <- name:
		default:
		}
	})
	if err != nil {
		t.Fatalf("WatchRefDir: %v", err)
	}
	defer watcher.Close()

	if err := os.WriteFile(filepath.Join(dir, "main"), []byte("deadbeef\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a watch notification after writing a ref file")
	}
}
