package overrides

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jarv/meshmap/internal/ingest"
)

func TestWatchEnqueuesReloadOnChange(t *testing.T) {
	dir := t.TempDir()
	roleFile := filepath.Join(dir, "roles.json")
	if err := os.WriteFile(roleFile, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	queue := make(chan ingest.Event, 4)
	done := make(chan struct{})
	go Watch(done, roleFile, "", queue)

	// Give the watcher time to register before mutating the file.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(roleFile, []byte(`{"abcd":"router"}`), 0o644); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}

	select {
	case ev := <-queue:
		if ev.Type != ingest.EventOverridesReload {
			t.Fatalf("got event type %q", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload event")
	}
	close(done)
}
