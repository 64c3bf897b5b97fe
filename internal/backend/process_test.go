package backend

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

const helperBitmapSize = 64

// TestHelperBackend is not a real test: it is the backend process started by
// the tests below.
func TestHelperBackend(t *testing.T) {
	if os.Getenv("KAFL_HELPER_BACKEND") != "1" {
		return
	}
	runHelperBackend()
	os.Exit(0)
}

func runHelperBackend() {
	size, _ := strconv.Atoi(os.Getenv("KAFL_HELPER_BITMAP"))
	comm := os.NewFile(3, "comm")
	ctrl := os.NewFile(4, "ctrl")
	status := os.NewFile(5, "status")

	var req [1]byte
	for {
		if _, err := ctrl.Read(req[:]); err != nil {
			return
		}
		var hdr [4]byte
		comm.ReadAt(hdr[:], int64(size))
		payload := make([]byte, binary.LittleEndian.Uint32(hdr[:]))
		comm.ReadAt(payload, int64(size+4))

		comm.WriteAt([]byte{3}, 0)
		comm.WriteAt([]byte{1}, int64(1+len(payload)%(size-1)))

		var reply [9]byte
		switch {
		case bytes.HasPrefix(payload, []byte("die")):
			os.Exit(1)
		case bytes.HasPrefix(payload, []byte("hang")):
			time.Sleep(time.Hour)
		case bytes.HasPrefix(payload, []byte("crash")):
			reply[0] = statusCrash
		case bytes.HasPrefix(payload, []byte("kasan")):
			reply[0] = statusKasan
		}
		binary.LittleEndian.PutUint64(reply[1:], uint64(time.Millisecond))
		status.Write(reply[:])
	}
}

func newHelperBackend(t *testing.T, timeout time.Duration) *ProcessBackend {
	t.Helper()
	dir := t.TempDir()
	b := NewProcessBackend(Options{
		Command:     []string{os.Args[0], "-test.run=^TestHelperBackend$"},
		CommPath:    filepath.Join(dir, "comm"),
		BitmapSize:  helperBitmapSize,
		MaxFileSize: 16,
		Timeout:     timeout,
		Env: []string{
			"KAFL_HELPER_BACKEND=1",
			"KAFL_HELPER_BITMAP=" + strconv.Itoa(helperBitmapSize),
		},
	}, zaptest.NewLogger(t))
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(b.Shutdown)
	return b
}

func run(t *testing.T, b *ProcessBackend, payload string) *ExecutionResult {
	t.Helper()
	b.SetPayload([]byte(payload))
	res, err := b.SendPayload()
	if err != nil {
		t.Fatalf("SendPayload(%q): %v", payload, err)
	}
	return res
}

func TestProcessBackendRegular(t *testing.T) {
	b := newHelperBackend(t, 5*time.Second)

	res := run(t, b, "abc")
	if res.ExitReason != Regular {
		t.Fatalf("exit reason = %s", res.ExitReason)
	}
	if len(res.Bitmap) != helperBitmapSize {
		t.Fatalf("bitmap size = %d", len(res.Bitmap))
	}
	if res.Bitmap[0] != 4 {
		t.Errorf("count 3 should be classed as 4, got %d", res.Bitmap[0])
	}
	if res.Bitmap[4] != 1 {
		t.Errorf("bitmap[4] = %d, want 1", res.Bitmap[4])
	}
	if res.Performance <= 0 {
		t.Errorf("performance = %v", res.Performance)
	}
	if b.Crashed() || b.Timeout() || b.Kasan() {
		t.Errorf("flags set on a regular run")
	}

	// the coverage of the previous run must not leak into the next one
	res2 := run(t, b, "abcd")
	if res2.Bitmap[4] != 0 || res2.Bitmap[5] != 1 {
		t.Errorf("stale coverage: %v", res2.Bitmap[:8])
	}
	if res.Hash() == res2.Hash() {
		t.Errorf("different coverage hashed equal")
	}
}

func TestProcessBackendTruncatesPayload(t *testing.T) {
	b := newHelperBackend(t, 5*time.Second)
	res := run(t, b, "0123456789abcdefXXXX")
	// 16 bytes reach the backend
	if res.Bitmap[1+16%(helperBitmapSize-1)] != 1 {
		t.Errorf("payload not truncated to MaxFileSize: %v", res.Bitmap[:20])
	}
}

func TestProcessBackendStatuses(t *testing.T) {
	b := newHelperBackend(t, 5*time.Second)

	if res := run(t, b, "crash"); res.ExitReason != Crash || !b.Crashed() {
		t.Errorf("crash status: %s crashed=%v", res.ExitReason, b.Crashed())
	}
	if res := run(t, b, "kasan"); res.ExitReason != Kasan || !b.Kasan() {
		t.Errorf("kasan status: %s kasan=%v", res.ExitReason, b.Kasan())
	}
	if res := run(t, b, "fine"); res.ExitReason != Regular {
		t.Errorf("regular after abnormal: %s", res.ExitReason)
	}
}

func TestProcessBackendDeathIsCrashThenBrokenPipe(t *testing.T) {
	b := newHelperBackend(t, 5*time.Second)

	if res := run(t, b, "die"); res.ExitReason != Crash {
		t.Fatalf("dying child: %s", res.ExitReason)
	}

	b.SetPayload([]byte("again"))
	if _, err := b.SendPayload(); !errors.Is(err, ErrBrokenPipe) {
		t.Fatalf("send to dead child err = %v", err)
	}

	if err := b.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if res := run(t, b, "again"); res.ExitReason != Regular {
		t.Fatalf("after restart: %s", res.ExitReason)
	}
}

func TestProcessBackendTimeout(t *testing.T) {
	b := newHelperBackend(t, 300*time.Millisecond)
	res := run(t, b, "hang")
	if res.ExitReason != Timeout || !b.Timeout() {
		t.Fatalf("hang: %s timeout=%v", res.ExitReason, b.Timeout())
	}
}

func TestSendPayloadBeforeStart(t *testing.T) {
	b := NewProcessBackend(Options{Command: []string{"true"}, BitmapSize: 8, MaxFileSize: 8}, zaptest.NewLogger(t))
	if _, err := b.SendPayload(); !errors.Is(err, ErrBrokenPipe) {
		t.Fatalf("err = %v", err)
	}
	b.Shutdown()
	b.AsyncExit()
}

func TestCopyToArrayIsDetached(t *testing.T) {
	res := &ExecutionResult{Bitmap: []byte{1, 2, 3}}
	arr := res.CopyToArray()
	arr[0] = 9
	if res.Bitmap[0] != 1 {
		t.Fatal("CopyToArray shares memory with the result")
	}
	if !Crash.Abnormal() || !Timeout.Abnormal() || !Kasan.Abnormal() || Regular.Abnormal() {
		t.Fatal("Abnormal classification wrong")
	}
}
