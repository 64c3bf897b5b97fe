package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/junfuture1103/kAFL/config"
	"github.com/junfuture1103/kAFL/internal/backend"
	"github.com/junfuture1103/kAFL/internal/comm"
	"github.com/junfuture1103/kAFL/internal/corpus"
	"github.com/junfuture1103/kAFL/internal/queue"
	"github.com/junfuture1103/kAFL/internal/stage"
	"github.com/junfuture1103/kAFL/internal/validator"
	"github.com/junfuture1103/kAFL/pkg/telemetry"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// kickstart payloads are at most this long
const kickstartLen = 32

type StageDriver interface {
	Process(ctx context.Context, payload []byte, node *queue.NodeMetadata) (*stage.Result, error)
}

type Validator interface {
	ValidateBits(ctx context.Context, payload []byte, node *queue.NodeMetadata, info comm.Info) (bool, error)
	Stats() validator.Stats
}

type CorpusTracker interface {
	Size() int
	Additions() []string
}

type Options struct {
	WorkerID    int
	BusyTimeout time.Duration
	Kickstart   bool
}

// Worker pulls tasks from the coordinator and runs them one at a time on a
// single backend.
type Worker struct {
	conn          comm.Connection
	store         queue.Store
	backend       backend.Backend
	validator     Validator
	driver        StageDriver
	tracker       CorpusTracker
	tracerFactory *telemetry.TracerFactory
	logger        *zap.Logger
	opts          Options
	rand          *rand.Rand
}

type WorkerParams struct {
	fx.In

	Lc            fx.Lifecycle
	Shutdowner    fx.Shutdowner
	Conn          comm.Connection
	Store         queue.Store
	Backend       backend.Backend
	Validator     *validator.Validator
	Driver        *stage.Driver
	Tracker       *corpus.Tracker
	TracerFactory *telemetry.TracerFactory
	AppConfig     *config.AppConfig
	Logger        *zap.Logger
}

func NewWorker(p WorkerParams) *Worker {
	w := New(p.Conn, p.Store, p.Backend, p.Validator, p.Driver, p.Tracker, p.TracerFactory, Options{
		WorkerID:    p.AppConfig.WorkerID,
		BusyTimeout: p.AppConfig.CampaignConfig.BusyTimeout,
		Kickstart:   p.AppConfig.CampaignConfig.Kickstart,
	}, p.Logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	p.Lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				defer close(done)
				if err := w.Run(workerCtx); err != nil {
					w.logger.Error("worker stopped", zap.Error(err))
					p.Shutdowner.Shutdown(fx.ExitCode(1))
					return
				}
				p.Shutdowner.Shutdown()
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			<-done
			return nil
		},
	})
	return w
}

func New(conn comm.Connection, store queue.Store, b backend.Backend, v Validator, driver StageDriver, tracker CorpusTracker, tracerFactory *telemetry.TracerFactory, opts Options, logger *zap.Logger) *Worker {
	return &Worker{
		conn:          conn,
		store:         store,
		backend:       b,
		validator:     v,
		driver:        driver,
		tracker:       tracker,
		tracerFactory: tracerFactory,
		logger:        logger.Named("worker"),
		opts:          opts,
		rand:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run starts the backend and serves tasks until ctx is cancelled or the
// coordinator goes away. The backend never outlives Run: it is asked to exit
// on cancellation and shut down on any failure or panic.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.backend.Start(); err != nil {
		return fmt.Errorf("failed to start backend: %w", err)
	}
	w.logger.Info("backend started")

	defer func() {
		if r := recover(); r != nil {
			w.backend.Shutdown()
			panic(r)
		}
	}()

	err := w.loop(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, comm.ErrConnectionReset):
		w.logger.Info("lost connection to coordinator, shutting down", zap.Error(err))
		w.backend.Shutdown()
		return nil
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		w.logger.Info("termination requested, stopping backend")
		w.backend.AsyncExit()
		return nil
	default:
		w.backend.Shutdown()
		return err
	}
}

// remoteTraceKey carries the span context exported by the coordinator for
// the task being handled.
type remoteTraceKey struct{}

func remoteTrace(ctx context.Context) string {
	trace, _ := ctx.Value(remoteTraceKey{}).(string)
	return trace
}

func (w *Worker) loop(ctx context.Context) error {
	if err := w.conn.SendReady(ctx); err != nil {
		return err
	}
	for {
		d, err := w.conn.Recv(ctx)
		if err != nil {
			return err
		}
		taskCtx := context.WithValue(ctx, remoteTraceKey{}, d.Trace)
		if err := d.Task.Accept(taskCtx, w); err != nil {
			return err
		}
	}
}

// startSpan opens the span of a task as a child of the coordinator's span
// when the task carried one.
func (w *Worker) startSpan(ctx context.Context, name string, attrs *telemetry.SpanAttributes) (context.Context, telemetry.Tracer) {
	tracer := w.tracerFactory.NewTracerSpawnedFrom(ctx, remoteTrace(ctx), name).WithAttributes(attrs)
	tracer.Start()
	return context.WithValue(ctx, telemetry.TracerKey{}, tracer), tracer
}

func (w *Worker) spanAttributes(category telemetry.ActionCategory, node *queue.NodeMetadata) *telemetry.SpanAttributes {
	stats := w.validator.Stats()
	attrs := telemetry.NewSpanAttributes(category).
		WithWorkerID(w.opts.WorkerID).
		WithNodeID(node.ID).
		WithNodeState(node.State.Name).
		WithStats(stats.Execs, stats.Funky)
	if w.tracker != nil {
		attrs = attrs.WithCorpusSize(w.tracker.Size()).
			WithCorpusAdditions(w.tracker.Additions())
	}
	return attrs
}

func (w *Worker) endSpan(tracer telemetry.Tracer) {
	stats := w.validator.Stats()
	tracer.WithAttributes(telemetry.EmptySpanAttributes().WithStats(stats.Execs, stats.Funky))
	tracer.End()
}

func (w *Worker) HandleImport(ctx context.Context, task comm.ImportTask) error {
	node := &queue.NodeMetadata{ID: 0, State: queue.NodeState{Name: stage.StateImport}}

	ctx, tracer := w.startSpan(ctx, "worker importing seed", w.spanAttributes(telemetry.Importing, node))
	defer w.endSpan(tracer)

	if _, err := w.driver.Process(ctx, task.Payload, node); err != nil {
		tracer.SetStatus(codes.Error, err.Error())
		return err
	}
	return w.conn.SendReady(ctx)
}

func (w *Worker) HandleNode(ctx context.Context, task comm.RunNodeTask) error {
	meta, err := w.store.Metadata(ctx, task.NodeID)
	if err != nil {
		return err
	}
	payload, err := w.store.Payload(meta.Info.ExitReason, meta.ID)
	if err != nil {
		return err
	}

	ctx, tracer := w.startSpan(ctx, fmt.Sprintf("worker handling node %d", meta.ID),
		w.spanAttributes(telemetry.Fuzzing, meta).WithExitReason(meta.Info.ExitReason))
	defer w.endSpan(tracer)

	res, err := w.driver.Process(ctx, payload, meta)
	if err != nil {
		tracer.SetStatus(codes.Error, err.Error())
		return err
	}

	valid := false
	if res.NewPayload != nil {
		valid, err = w.validateAlternative(ctx, tracer, res.NewPayload, meta)
		if err != nil {
			tracer.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	return w.conn.SendNodeDone(ctx, comm.NodeDone{
		NodeID:     meta.ID,
		Results:    res.Results,
		NewPayload: res.NewPayload,
		Valid:      valid,
	})
}

func (w *Worker) validateAlternative(ctx context.Context, parent telemetry.Tracer, payload []byte, meta *queue.NodeMetadata) (bool, error) {
	tracer := parent.Spawn("worker validating alternative payload").
		WithAttributes(telemetry.NewSpanAttributes(telemetry.Validation))
	tracer.Start()
	defer tracer.End()
	ctx = context.WithValue(ctx, telemetry.TracerKey{}, tracer)

	info := comm.Info{Method: "validate_bits", Parent: meta.ID}
	valid, err := w.validator.ValidateBits(ctx, payload, meta, info)
	if err != nil {
		return false, err
	}
	if valid {
		w.logger.Info("stage found alternative payload", zap.Int("node", meta.ID), zap.String("state", meta.State.Name))
	} else {
		w.logger.Warn("alternative payload rejected", zap.Int("node", meta.ID), zap.String("state", meta.State.Name))
	}
	parent.AddEvent("alternative_payload", telemetry.NewEventAttributes(map[string]string{
		"valid": fmt.Sprint(valid),
	}))
	return valid, nil
}

// HandleBusy idles for the busy interval. With kickstart enabled the interval
// is spent executing random payloads instead.
func (w *Worker) HandleBusy(ctx context.Context, task comm.BusyTask) error {
	node := &queue.NodeMetadata{ID: 0, State: queue.NodeState{Name: stage.StateImport}}
	ctx, tracer := w.startSpan(ctx, "worker busy", w.spanAttributes(telemetry.Fuzzing, node).
		WithExtraAttribute("kafl.kickstart", w.opts.Kickstart))
	defer w.endSpan(tracer)

	if !w.opts.Kickstart {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.opts.BusyTimeout):
		}
		return w.conn.SendReady(ctx)
	}

	deadline := time.Now().Add(w.opts.BusyTimeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := w.driver.Process(ctx, corpus.RandomPayload(w.rand, kickstartLen), node); err != nil {
			tracer.SetStatus(codes.Error, err.Error())
			return err
		}
	}
	return w.conn.SendReady(ctx)
}
