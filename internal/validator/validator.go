// Package validator executes candidates, decides whether their coverage is
// new and reproducible, and forwards the ones worth keeping.
package validator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bits-and-blooms/bitset"

	"github.com/junfuture1103/kAFL/config"
	"github.com/junfuture1103/kAFL/internal/backend"
	"github.com/junfuture1103/kAFL/internal/bitmap"
	"github.com/junfuture1103/kAFL/internal/comm"
	"github.com/junfuture1103/kAFL/internal/queue"
	"github.com/junfuture1103/kAFL/pkg/telemetry"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ErrFatalBackend is returned when the backend cannot execute a payload even
// after restarting it.
var ErrFatalBackend = errors.New("fatal backend fault")

const maxRetries = 2

// Recorder stores abnormal and funky inputs. It must not block for long.
type Recorder interface {
	RecordCrash(payload []byte, info comm.Info)
	RecordFunky(dir string, counters map[string]uint64)
}

type Options struct {
	WorkerID            int
	WorkDir             string
	RestartDelay        time.Duration
	ValidateDeterminism bool
	DumpFunky           bool
	ShowPayload         bool
}

type Stats struct {
	Execs   uint64
	Funky   uint64
	Reloads uint64
}

func (s Stats) Counters() map[string]uint64 {
	return map[string]uint64{"execs": s.Execs, "funky": s.Funky, "reloads": s.Reloads}
}

type Validator struct {
	backend  backend.Backend
	storage  *bitmap.Storage
	conn     comm.Connection
	recorder Recorder
	opts     Options
	logger   *zap.Logger

	stats Stats
}

type ValidatorParams struct {
	fx.In

	Backend   backend.Backend
	Storage   *bitmap.Storage
	Conn      comm.Connection
	Recorder  Recorder `optional:"true"`
	AppConfig *config.AppConfig
	Logger    *zap.Logger
}

func NewValidator(p ValidatorParams) *Validator {
	return New(p.Backend, p.Storage, p.Conn, p.Recorder, Options{
		WorkerID:            p.AppConfig.WorkerID,
		WorkDir:             p.AppConfig.WorkDir,
		RestartDelay:        p.AppConfig.BackendConfig.RestartDelay,
		ValidateDeterminism: p.AppConfig.CampaignConfig.ValidateDeterminism,
		DumpFunky:           p.AppConfig.CampaignConfig.DumpFunky,
		ShowPayload:         p.AppConfig.CampaignConfig.ShowPayload,
	}, p.Logger)
}

// New creates a validator. recorder may be nil.
func New(b backend.Backend, storage *bitmap.Storage, conn comm.Connection, recorder Recorder, opts Options, logger *zap.Logger) *Validator {
	return &Validator{
		backend:  b,
		storage:  storage,
		conn:     conn,
		recorder: recorder,
		opts:     opts,
		logger:   logger.Named("validator"),
	}
}

func (v *Validator) Funky() uint64 {
	return v.stats.Funky
}

func (v *Validator) Stats() Stats {
	return v.stats
}

type outcome int

const (
	outcomeOk outcome = iota
	outcomeRetryable
	outcomeFatal
)

func (v *Validator) attempt(payload []byte) (*backend.ExecutionResult, outcome, error) {
	v.backend.SetPayload(payload)
	res, err := v.backend.SendPayload()
	switch {
	case err == nil:
		v.stats.Execs++
		return res, outcomeOk, nil
	case errors.Is(err, backend.ErrBrokenPipe):
		return nil, outcomeRetryable, err
	default:
		return nil, outcomeFatal, err
	}
}

// run executes payload, restarting the backend after a broken pipe. The
// payload is tried at most maxRetries+1 times.
func (v *Validator) run(payload []byte) (*backend.ExecutionResult, error) {
	var lastErr error
	for try := range maxRetries + 1 {
		if try > 0 {
			v.logger.Warn("backend unreachable, restarting", zap.Int("retry", try), zap.Error(lastErr))
			v.backend.Shutdown()
			time.Sleep(v.opts.RestartDelay)
			if err := v.backend.Start(); err != nil {
				lastErr = fmt.Errorf("failed to restart backend: %w", err)
				continue
			}
			v.stats.Reloads++
		}

		res, out, err := v.attempt(payload)
		switch out {
		case outcomeOk:
			return res, nil
		case outcomeFatal:
			return nil, fmt.Errorf("%w: %w", ErrFatalBackend, err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: giving up after %d attempts: %w", ErrFatalBackend, maxRetries+1, lastErr)
}

func (v *Validator) classify(res *backend.ExecutionResult) backend.ExitReason {
	switch {
	case v.backend.Kasan():
		return backend.Kasan
	case v.backend.Crashed():
		return backend.Crash
	case v.backend.Timeout():
		return backend.Timeout
	}
	return res.ExitReason
}

// Execute runs payload and forwards it when it is novel and reproducible or
// when it exits abnormally. The result is nil when validation failed.
func (v *Validator) Execute(ctx context.Context, payload []byte, info comm.Info, state, label string) (*backend.ExecutionResult, bool, error) {
	if v.opts.ShowPayload {
		v.logger.Debug(fmt.Sprintf("[%s] [%s] %s", state, label, Printable(payload)))
	}

	res, err := v.run(payload)
	if err != nil {
		return nil, false, err
	}
	res.ExitReason = v.classify(res)
	abnormal := res.ExitReason.Abnormal()

	isNew, err := v.storage.ShouldSendToMaster(res.Bitmap)
	if err != nil {
		return res, false, err
	}

	if isNew && !abnormal {
		valid, rerun, err := v.Validate(ctx, payload, res.CopyToArray())
		if err != nil {
			return nil, isNew, err
		}
		switch {
		case rerun != nil && rerun.ExitReason.Abnormal():
			// forwarded as found by the second run, and the backend restarted
			v.logger.Warn("abnormal exit during validation", zap.String("exit_reason", string(rerun.ExitReason)))
			res, abnormal = rerun, true
		case !valid:
			return nil, isNew, nil
		}
	}

	if !isNew && !abnormal {
		return res, false, nil
	}

	info.State, info.Label = state, label
	if err := v.forward(ctx, payload, res, info); err != nil {
		return res, isNew, err
	}

	if abnormal {
		// a crashed backend is not trusted with further payloads
		v.stats.Reloads++
		if err := v.backend.Restart(); err != nil {
			return res, isNew, fmt.Errorf("%w: restart after %s: %w", ErrFatalBackend, res.ExitReason, err)
		}
	}
	return res, isNew, nil
}

func (v *Validator) forward(ctx context.Context, payload []byte, res *backend.ExecutionResult, info comm.Info) error {
	cov, err := v.storage.NewCoverage(res.Bitmap)
	if err != nil {
		return err
	}
	if _, err := v.storage.Merge(res.Bitmap); err != nil {
		return err
	}

	info.Time = float64(time.Now().UnixNano()) / 1e9
	info.ExitReason = string(res.ExitReason)
	info.Performance = res.Performance
	info.Worker = v.opts.WorkerID

	msg := comm.NewInput{
		Payload:  payload,
		Bitmap:   res.CopyToArray(),
		NewBytes: cov.NewBytes,
		NewBits:  cov.NewBits,
		Info:     info,
	}
	if err := v.conn.SendNewInput(ctx, msg); err != nil {
		return fmt.Errorf("failed to send new input: %w", err)
	}

	if res.ExitReason.Abnormal() {
		v.logger.Info("abnormal exit",
			zap.String("exit_reason", info.ExitReason),
			zap.String("state", info.State),
			zap.Int("len", len(payload)))
		telemetry.FromContext(ctx).AddEvent("crash_found", telemetry.NewEventAttributes(map[string]string{
			"exit_reason": info.ExitReason,
			"state":       info.State,
		}))
		if v.recorder != nil {
			v.recorder.RecordCrash(payload, info)
		}
	} else {
		v.logger.Debug("new input",
			zap.String("state", info.State),
			zap.Int("new_bytes", len(cov.NewBytes)),
			zap.Int("new_bits", len(cov.NewBits)))
	}
	return nil
}

// Validate re-executes payload and compares its bitmap to baseline. Every
// differing byte is logged. With determinism validation disabled every input
// is valid. An abnormal re-execution is invalid and returned to the caller,
// which owns forwarding it and restarting the backend.
func (v *Validator) Validate(ctx context.Context, payload []byte, baseline []byte) (bool, *backend.ExecutionResult, error) {
	if !v.opts.ValidateDeterminism {
		return true, nil, nil
	}
	res, err := v.run(payload)
	if err != nil {
		return false, nil, err
	}
	res.ExitReason = v.classify(res)
	if res.ExitReason.Abnormal() {
		return false, res, nil
	}
	current := res.CopyToArray()
	if bytes.Equal(current, baseline) {
		return true, res, nil
	}

	v.stats.Funky++
	v.logger.Warn("input validation failed, target funky?", zap.Uint64("funky", v.stats.Funky))
	for i := range max(len(current), len(baseline)) {
		var a, b byte
		if i < len(baseline) {
			a = baseline[i]
		}
		if i < len(current) {
			b = current[i]
		}
		if a != b {
			v.logger.Debug("funky bit", zap.Int("index", i), zap.Uint8("first", a), zap.Uint8("second", b))
		}
	}
	telemetry.FromContext(ctx).AddEvent("funky_input", telemetry.NewEventAttributes(map[string]string{
		"funky": strconv.FormatUint(v.stats.Funky, 10),
	}))

	if v.opts.DumpFunky {
		dir, err := v.dumpFunky(payload, baseline, current)
		if err != nil {
			v.logger.Error("failed to dump funky input", zap.Error(err))
		} else if v.recorder != nil {
			v.recorder.RecordFunky(dir, v.stats.Counters())
		}
	}
	return false, nil, nil
}

// dumpFunky writes the input and both bitmaps to traces/funky_<n>_<worker>.
// The directory only appears once complete.
func (v *Validator) dumpFunky(payload, first, second []byte) (string, error) {
	traces := filepath.Join(v.opts.WorkDir, "traces")
	if err := os.MkdirAll(traces, 0755); err != nil {
		return "", err
	}
	tmp, err := os.MkdirTemp(traces, ".funky-*")
	if err != nil {
		return "", err
	}
	files := map[string][]byte{"input": payload, "bitmap_1": first, "bitmap_2": second}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(tmp, name), data, 0644); err != nil {
			os.RemoveAll(tmp)
			return "", err
		}
	}
	dir := filepath.Join(traces, fmt.Sprintf("funky_%d_%d", v.stats.Funky, v.opts.WorkerID))
	if err := os.Rename(tmp, dir); err != nil {
		os.RemoveAll(tmp)
		return "", err
	}
	return dir, nil
}

// ValidateBits checks that an alternative payload for node still sets every
// bit and byte the node was credited with. Funky or abnormal executions
// reject the alternative.
func (v *Validator) ValidateBits(ctx context.Context, payload []byte, node *queue.NodeMetadata, info comm.Info) (bool, error) {
	return v.validateAlternative(ctx, payload, node.AttributedBits(), info)
}

// ValidateBytes is ValidateBits restricted to the node's new bytes.
func (v *Validator) ValidateBytes(ctx context.Context, payload []byte, node *queue.NodeMetadata, info comm.Info) (bool, error) {
	return v.validateAlternative(ctx, payload, node.AttributedBytes(), info)
}

func (v *Validator) validateAlternative(ctx context.Context, payload []byte, attributed *bitset.BitSet, info comm.Info) (bool, error) {
	res, _, err := v.Execute(ctx, payload, info, "validate", "")
	if err != nil {
		return false, err
	}
	// no usable bitmap
	if res == nil || res.ExitReason.Abnormal() {
		return false, nil
	}
	return bitmap.AllNewBitsStillSet(attributed, res.Bitmap), nil
}

// Printable renders payload for logs, replacing non-printable bytes with '.'.
func Printable(payload []byte) string {
	var sb strings.Builder
	sb.Grow(len(payload))
	for _, c := range payload {
		if c >= 0x20 && c < 0x7f {
			sb.WriteByte(c)
		} else {
			sb.WriteByte('.')
		}
	}
	return sb.String()
}
