// Package backend runs payloads through the instrumented target and reports
// the exit classification together with the coverage of the execution.
package backend

import (
	"errors"

	"github.com/cespare/xxhash/v2"

	"github.com/junfuture1103/kAFL/internal/bitmap"
)

// ErrBrokenPipe means the backend could not be reached. It is retryable after
// a restart.
var ErrBrokenPipe = errors.New("backend broken pipe")

type ExitReason string

const (
	Regular ExitReason = "regular"
	Crash   ExitReason = "crash"
	Timeout ExitReason = "timeout"
	Kasan   ExitReason = "kasan"
)

// Abnormal reports crash, timeout and sanitizer outcomes.
func (e ExitReason) Abnormal() bool {
	return e == Crash || e == Timeout || e == Kasan
}

type ExecutionResult struct {
	ExitReason  ExitReason
	Bitmap      bitmap.LocalMap
	Performance float64 // seconds
}

// Hash identifies the coverage of the execution.
func (r *ExecutionResult) Hash() uint64 {
	return xxhash.Sum64(r.Bitmap)
}

// CopyToArray returns a detached copy of the bitmap.
func (r *ExecutionResult) CopyToArray() []byte {
	out := make([]byte, len(r.Bitmap))
	copy(out, r.Bitmap)
	return out
}

type Backend interface {
	SetPayload(payload []byte)
	SendPayload() (*ExecutionResult, error)
	Start() error
	Shutdown()
	Restart() error
	// AsyncExit asks the backend to terminate without waiting for it.
	AsyncExit()
	Crashed() bool
	Timeout() bool
	Kasan() bool
}
