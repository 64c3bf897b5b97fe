package corpus

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/junfuture1103/kAFL/pkg/watchdog"

	"go.uber.org/zap/zaptest"
)

func TestTrackerCountsNewPayloads(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "corpus")
	regular := filepath.Join(dir, "regular")
	if err := os.MkdirAll(regular, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(regular, "payload_00001"), []byte("a"), 0644); err != nil {
		t.Fatal(err)
	}

	logger := zaptest.NewLogger(t)
	tracker := New(logger, watchdog.NewWatchDogFactory(logger), dir)
	ctx, cancel := context.WithCancel(context.Background())
	if err := tracker.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if tracker.Size() != 1 {
		t.Fatalf("Size = %d, want 1", tracker.Size())
	}

	if err := os.WriteFile(filepath.Join(regular, "metadata_00002"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(regular, "payload_00002"), []byte("b"), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for tracker.Size() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if tracker.Size() != 2 {
		t.Fatalf("Size = %d, want 2", tracker.Size())
	}
	added := tracker.Additions()
	if len(added) != 1 || added[0] != "payload_00002" {
		t.Fatalf("Additions = %v", added)
	}
	if len(tracker.Additions()) != 0 {
		t.Fatal("Additions should drain")
	}

	cancel()
	done := make(chan struct{})
	go func() { tracker.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tracker did not stop")
	}
}

func TestRandomPayloadLength(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	for range 100 {
		if n := len(RandomPayload(r, 32)); n < 1 || n > 32 {
			t.Fatalf("payload of %d bytes", n)
		}
	}
	if len(RandomPayload(r, 0)) != 1 {
		t.Fatal("zero limit should still produce one byte")
	}
}
