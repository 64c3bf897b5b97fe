package crash

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/junfuture1103/kAFL/internal/comm"

	"go.uber.org/zap/zaptest"
)

func TestRecordCrashStoresByMD5(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "crashes")
	c, err := New(nil, zaptest.NewLogger(t), 1, dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Start()

	payload := []byte("crashing input")
	c.RecordCrash(payload, comm.Info{ExitReason: "crash"})
	c.RecordCrash(payload, comm.Info{ExitReason: "crash"})
	c.RecordCrash([]byte("slow"), comm.Info{ExitReason: "timeout"})
	c.RecordFunky(filepath.Join(dir, "funky_1_1"), map[string]uint64{"funky": 1})
	c.Stop()

	sum := md5.Sum(payload)
	data, err := os.ReadFile(filepath.Join(dir, "crash", hex.EncodeToString(sum[:])))
	if err != nil || string(data) != string(payload) {
		t.Fatalf("stored crash = %q, %v", data, err)
	}
	entries, _ := os.ReadDir(filepath.Join(dir, "crash"))
	if len(entries) != 1 {
		t.Fatalf("%d crash files, want 1", len(entries))
	}
	if entries, _ := os.ReadDir(filepath.Join(dir, "timeout")); len(entries) != 1 {
		t.Fatalf("timeout not stored")
	}

	// after Stop records are dropped, not panicking
	c.RecordCrash([]byte("late"), comm.Info{ExitReason: "kasan"})
	c.Stop()
	if _, err := os.Stat(filepath.Join(dir, "kasan")); !os.IsNotExist(err) {
		t.Fatalf("late record was stored: %v", err)
	}
}
