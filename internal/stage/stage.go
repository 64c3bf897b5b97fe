// Package stage decides which mutation stages run on a node and feeds their
// candidates to the validator.
package stage

import (
	"context"

	"github.com/junfuture1103/kAFL/internal/backend"
	"github.com/junfuture1103/kAFL/internal/comm"
	"github.com/junfuture1103/kAFL/internal/havoc"
	"github.com/junfuture1103/kAFL/internal/queue"
	"github.com/junfuture1103/kAFL/internal/validator"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	StateImport  = "import"
	StateInitial = "initial"
	StateHavoc   = "havoc"
	StateFinal   = "final"
	StateTrim    = "trim"

	maxTrimExecs = 64
)

type Executor interface {
	Execute(ctx context.Context, payload []byte, info comm.Info, state, label string) (*backend.ExecutionResult, bool, error)
}

// Result is what a node run reports back to the coordinator.
type Result struct {
	Results    map[string]any
	NewPayload []byte
}

type Driver struct {
	engine *havoc.Engine
	exec   Executor
	logger *zap.Logger
}

type DriverParams struct {
	fx.In

	Engine    *havoc.Engine
	Validator *validator.Validator
	Logger    *zap.Logger
}

func NewDriver(p DriverParams) *Driver {
	return New(p.Engine, p.Validator, p.Logger)
}

func New(engine *havoc.Engine, exec Executor, logger *zap.Logger) *Driver {
	return &Driver{engine, exec, logger.Named("stage")}
}

func nextState(state string) string {
	switch state {
	case StateInitial:
		return StateHavoc
	case StateImport:
		return StateInitial
	}
	return StateFinal
}

// Process runs the stages for node on payload. Imports are executed once;
// initial nodes are trimmed before havoc; every other node gets havoc and
// splicing.
func (d *Driver) Process(ctx context.Context, payload []byte, node *queue.NodeMetadata) (*Result, error) {
	execs := 0
	cb := func(ctx context.Context, candidate []byte, state string) error {
		execs++
		_, _, err := d.exec.Execute(ctx, candidate, comm.Info{Method: state, Parent: node.ID}, state, "")
		return err
	}

	res := &Result{Results: map[string]any{}}
	state := node.State.Name

	switch state {
	case StateImport:
		if err := cb(ctx, payload, StateImport); err != nil {
			return nil, err
		}
	case StateInitial:
		trimmed, n, err := d.trim(ctx, payload, node)
		execs += n
		if err != nil {
			return nil, err
		}
		if len(trimmed) < len(payload) {
			d.logger.Debug("trimmed node payload",
				zap.Int("node", node.ID),
				zap.Int("from", len(payload)),
				zap.Int("to", len(trimmed)))
			res.NewPayload = trimmed
			payload = trimmed
		}
		fallthrough
	default:
		budget := d.engine.IterationBudget(node.PerfScore)
		if err := d.engine.RunStacked(ctx, payload, cb, budget, havoc.RunOptions{State: StateHavoc}); err != nil {
			return nil, err
		}
		if err := d.engine.RunSplice(ctx, payload, cb, budget, false); err != nil {
			return nil, err
		}
	}

	res.Results["execs"] = execs
	res.Results["state"] = nextState(state)
	return res, nil
}

// trim removes blocks of payload as long as the execution keeps the same
// coverage. It returns the shortest payload found and the executions spent.
func (d *Driver) trim(ctx context.Context, payload []byte, node *queue.NodeMetadata) ([]byte, int, error) {
	info := comm.Info{Method: StateTrim, Parent: node.ID}
	base, _, err := d.exec.Execute(ctx, payload, info, StateTrim, "")
	execs := 1
	if err != nil {
		return payload, execs, err
	}
	if base == nil || base.ExitReason.Abnormal() {
		return payload, execs, nil
	}
	want := base.Hash()

	for remove := len(payload) / 2; remove >= 1 && execs < maxTrimExecs; remove /= 2 {
		for pos := 0; pos+remove <= len(payload) && len(payload) > remove && execs < maxTrimExecs; {
			candidate := make([]byte, 0, len(payload)-remove)
			candidate = append(candidate, payload[:pos]...)
			candidate = append(candidate, payload[pos+remove:]...)

			res, _, err := d.exec.Execute(ctx, candidate, info, StateTrim, "")
			execs++
			if err != nil {
				return payload, execs, err
			}
			if res != nil && !res.ExitReason.Abnormal() && res.Hash() == want {
				payload = candidate
				continue
			}
			pos += remove
		}
	}
	return payload, execs, nil
}
