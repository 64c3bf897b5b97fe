package logger

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/junfuture1103/kAFL/config"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordingLogger struct {
	log.Logger
	records []log.Record
}

func (r *recordingLogger) Emit(_ context.Context, rec log.Record) {
	r.records = append(r.records, rec)
}

type fakeTelemetry struct {
	logger *recordingLogger
}

func (f *fakeTelemetry) GetTracer() trace.Tracer { return nil }
func (f *fakeTelemetry) GetLogger() log.Logger   { return f.logger }

func TestTelemetryCoreMirrorsEntries(t *testing.T) {
	observed, logs := observer.New(zapcore.DebugLevel)
	rec := &recordingLogger{}
	core := &telemetryCore{
		Core:      observed,
		telem:     &fakeTelemetry{rec},
		ctx:       context.Background(),
		attrsBase: []attribute.KeyValue{attribute.String("kafl.action.name", "worker_log")},
	}

	lg := zap.New(core).With(zap.Int("worker", 2))
	lg.Info("funky input", zap.String("state", "havoc"), zap.Bool("dumped", true))

	if logs.Len() != 1 {
		t.Fatalf("observer saw %d entries, want 1", logs.Len())
	}
	if len(rec.records) != 1 {
		t.Fatalf("telemetry saw %d records, want 1", len(rec.records))
	}

	got := rec.records[0]
	if got.Body().AsString() != "funky input" {
		t.Errorf("body = %q", got.Body().AsString())
	}
	keys := map[string]bool{}
	got.WalkAttributes(func(kv log.KeyValue) bool {
		keys[kv.Key] = true
		return true
	})
	for _, want := range []string{"kafl.action.name", "state", "dumped"} {
		if !keys[want] {
			t.Errorf("attribute %q missing, got %v", want, keys)
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"":        zapcore.InfoLevel,
		"DEBUG":   zapcore.DebugLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"verbose": zapcore.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestBuildConfigAddsWorkerLog(t *testing.T) {
	dir := t.TempDir()
	cfg := buildConfig(&config.AppConfig{WorkDir: dir, WorkerID: 3, LogLevel: "debug"})

	want := LogPath(dir, 3)
	if cfg.OutputPaths[len(cfg.OutputPaths)-1] != want {
		t.Fatalf("output paths = %v, want %s last", cfg.OutputPaths, want)
	}
	if cfg.InitialFields["worker"] != 3 {
		t.Errorf("initial fields = %v", cfg.InitialFields)
	}

	lg, err := cfg.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	lg.Debug("hello from worker")
	lg.Sync()
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("worker log: %v", err)
	}
	if !strings.Contains(string(data), "hello from worker") {
		t.Fatalf("worker log = %q", data)
	}
}
