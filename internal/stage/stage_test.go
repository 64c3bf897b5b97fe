package stage

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/junfuture1103/kAFL/internal/backend"
	"github.com/junfuture1103/kAFL/internal/bitmap"
	"github.com/junfuture1103/kAFL/internal/comm"
	"github.com/junfuture1103/kAFL/internal/havoc"
	"github.com/junfuture1103/kAFL/internal/queue"

	"go.uber.org/zap/zaptest"
)

// keyExecutor covers byte 1 when the payload contains KEY.
type keyExecutor struct {
	calls  int
	states map[string]int
	err    error
}

func (e *keyExecutor) Execute(ctx context.Context, payload []byte, info comm.Info, state, label string) (*backend.ExecutionResult, bool, error) {
	e.calls++
	if e.states == nil {
		e.states = map[string]int{}
	}
	e.states[state]++
	if e.err != nil {
		return nil, false, e.err
	}
	local := make(bitmap.LocalMap, 8)
	local[0] = 1
	if bytes.Contains(payload, []byte("KEY")) {
		local[1] = 1
	}
	return &backend.ExecutionResult{ExitReason: backend.Regular, Bitmap: local}, false, nil
}

func newDriver(t *testing.T, exec Executor) *Driver {
	t.Helper()
	engine := havoc.NewEngine(havoc.Config{
		Handlers:      havoc.NewHandlerSet(nil, false),
		MaxFileSize:   64,
		MaxMutatedLen: 64,
		MinIterations: 10,
		StackPow2:     3,
		CorpusDir:     filepath.Join(t.TempDir(), "corpus"),
	}, rand.New(rand.NewSource(9)), zaptest.NewLogger(t))
	return New(engine, exec, zaptest.NewLogger(t))
}

func TestImportRunsOnce(t *testing.T) {
	exec := &keyExecutor{}
	res, err := newDriver(t, exec).Process(context.Background(), []byte("seed"), &queue.NodeMetadata{State: queue.NodeState{Name: StateImport}})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if exec.calls != 1 || exec.states[StateImport] != 1 {
		t.Fatalf("calls = %d, states %v", exec.calls, exec.states)
	}
	if res.NewPayload != nil || res.Results["execs"] != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestInitialNodeIsTrimmed(t *testing.T) {
	exec := &keyExecutor{}
	payload := []byte("aaaaaaaaaaaaKEYbbbbbbbbbbbbbbbbbbbb")
	node := &queue.NodeMetadata{ID: 2, State: queue.NodeState{Name: StateInitial}}
	res, err := newDriver(t, exec).Process(context.Background(), payload, node)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.NewPayload == nil || len(res.NewPayload) >= len(payload) || !bytes.Contains(res.NewPayload, []byte("KEY")) {
		t.Fatalf("trimmed payload = %q", res.NewPayload)
	}
	if exec.states[StateTrim] == 0 || exec.states[StateTrim] > maxTrimExecs {
		t.Fatalf("trim executions = %d", exec.states[StateTrim])
	}
	if exec.states[StateHavoc] != 10 {
		t.Fatalf("havoc executions = %d, want 10", exec.states[StateHavoc])
	}
	if res.Results["state"] != StateHavoc {
		t.Fatalf("next state = %v", res.Results["state"])
	}
}

func TestHavocNodeUsesBudget(t *testing.T) {
	exec := &keyExecutor{}
	node := &queue.NodeMetadata{ID: 5, State: queue.NodeState{Name: StateHavoc}, PerfScore: 15}
	res, err := newDriver(t, exec).Process(context.Background(), []byte("some seed"), node)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	// 2 * perf score, no splice partner in an empty corpus
	if exec.calls != 30 || exec.states[StateHavoc] != 30 {
		t.Fatalf("calls = %d, states %v", exec.calls, exec.states)
	}
	if res.NewPayload != nil || res.Results["state"] != StateFinal {
		t.Fatalf("result = %+v", res)
	}
}

func TestExecutorErrorAbortsStage(t *testing.T) {
	boom := errors.New("fatal")
	exec := &keyExecutor{err: boom}
	node := &queue.NodeMetadata{State: queue.NodeState{Name: StateHavoc}}
	if _, err := newDriver(t, exec).Process(context.Background(), []byte("seed"), node); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if exec.calls != 1 {
		t.Fatalf("calls after error = %d", exec.calls)
	}
}
