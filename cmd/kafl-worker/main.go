package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/junfuture1103/kAFL/config"
	"github.com/junfuture1103/kAFL/internal/backend"
	"github.com/junfuture1103/kAFL/internal/bitmap"
	"github.com/junfuture1103/kAFL/internal/comm"
	"github.com/junfuture1103/kAFL/internal/corpus"
	"github.com/junfuture1103/kAFL/internal/crash"
	"github.com/junfuture1103/kAFL/internal/dict"
	"github.com/junfuture1103/kAFL/internal/havoc"
	"github.com/junfuture1103/kAFL/internal/queue"
	"github.com/junfuture1103/kAFL/internal/stage"
	"github.com/junfuture1103/kAFL/internal/validator"
	"github.com/junfuture1103/kAFL/internal/worker"
	"github.com/junfuture1103/kAFL/pkg/database"
	"github.com/junfuture1103/kAFL/pkg/logger"
	"github.com/junfuture1103/kAFL/pkg/mq"
	"github.com/junfuture1103/kAFL/pkg/telemetry"
	"github.com/junfuture1103/kAFL/pkg/watchdog"

	"github.com/jessevdk/go-flags"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

type cliOptions struct {
	Worker int    `short:"w" long:"worker" description:"worker id, overrides WORKER_ID" default:"-1"`
	Config string `short:"c" long:"config" description:"campaign YAML file, overrides KAFL_CONFIG_FILE"`
}

// loadConfig wraps config.LoadConfig with the command line overrides.
func loadConfig(opts cliOptions) func() (*config.AppConfig, error) {
	return func() (*config.AppConfig, error) {
		cfg := config.LoadConfig()
		if opts.Config != "" {
			if err := cfg.ApplyFile(opts.Config); err != nil {
				return nil, fmt.Errorf("failed to load %s: %w", opts.Config, err)
			}
		}
		if opts.Worker >= 0 {
			cfg.WorkerID = opts.Worker
		}
		return cfg, nil
	}
}

func newBackend(cfg *config.AppConfig, logger *zap.Logger) backend.Backend {
	if len(cfg.BackendConfig.Command) == 0 {
		logger.Fatal("BACKEND_CMD environment variable is required")
	}
	dir := filepath.Join(cfg.WorkDir, fmt.Sprintf("worker_%d", cfg.WorkerID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		logger.Fatal("failed to create worker directory", zap.Error(err))
	}
	return backend.NewProcessBackend(backend.Options{
		Command:     cfg.BackendConfig.Command,
		CommPath:    filepath.Join(dir, "comm"),
		LogPath:     filepath.Join(dir, "backend.log"),
		BitmapSize:  cfg.CampaignConfig.BitmapSize,
		MaxFileSize: cfg.CampaignConfig.MaxFileSize,
		Timeout:     cfg.BackendConfig.Timeout,
		Env:         []string{fmt.Sprintf("KAFL_WORKER_ID=%d", cfg.WorkerID)},
	}, logger)
}

func newStorage(cfg *config.AppConfig, lc fx.Lifecycle, logger *zap.Logger) (*bitmap.Storage, error) {
	dir := filepath.Join(cfg.WorkDir, "bitmap")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	global, err := bitmap.OpenSharedMap(filepath.Join(dir, "global"), cfg.CampaignConfig.BitmapSize)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return global.Close()
		},
	})
	storage := bitmap.NewStorage(global)
	logger.Info("global bitmap mapped",
		zap.Int("size", storage.Size()),
		zap.Int("covered_bytes", storage.CountBytes()))
	return storage, nil
}

func newEngine(cfg *config.AppConfig, grabber *dict.DictGrabber, logger *zap.Logger) (*havoc.Engine, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	tokens, err := grabber.LoadCampaignDict(ctx)
	if err != nil {
		return nil, err
	}
	campaign := cfg.CampaignConfig
	return havoc.NewEngine(havoc.Config{
		Handlers:      havoc.NewHandlerSet(tokens, campaign.Redqueen),
		MaxFileSize:   campaign.MaxFileSize,
		MaxMutatedLen: campaign.MaxMutatedLen,
		MinIterations: campaign.HavocMinIterations,
		StackPow2:     campaign.HavocStackPow2,
		CorpusDir:     filepath.Join(cfg.WorkDir, "corpus"),
	}, rand.New(rand.NewSource(time.Now().UnixNano())), logger), nil
}

func main() {
	var opts cliOptions
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	app := fx.New(
		fx.Provide(
			loadConfig(opts),            // inject config
			logger.NewLogger,            // inject logger
			telemetry.NewTelemetry,      // inject telemetry
			telemetry.NewTracerFactory,  // inject telemetry tracer factory
			database.NewDBConnection,    // inject db connection (optional)
			database.NewRedisClient,     // inject redis client
			mq.NewRabbitMQ,              // inject rabbitmq service
			watchdog.NewWatchDogFactory, // inject watchdog factory
			dict.NewDictGrabber,         // inject dict grabber
			corpus.NewTracker,           // inject corpus tracker
			crash.NewCrashManager,       // inject crash manager
			newBackend,                  // inject execution backend
			newStorage,                  // inject global bitmap
			newEngine,                   // inject havoc engine
			validator.NewValidator,      // inject validator
			stage.NewDriver,             // inject stage driver
			func(s *queue.RedisStore) queue.Store { return s },
			queue.NewRedisStore,
			func(c *comm.AMQPConnection) comm.Connection { return c },
			comm.NewAMQPConnection,
			func(c *crash.CrashManager) validator.Recorder { return c },
		),
		fx.Invoke(
			worker.NewWorker,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			zlogger := fxevent.ZapLogger{Logger: log}
			zlogger.UseLogLevel(zap.DebugLevel)
			return &zlogger
		}),
	)
	app.Run()
}
