package main

// mock the coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/junfuture1103/kAFL/config"
	"github.com/junfuture1103/kAFL/internal/comm"
	"github.com/junfuture1103/kAFL/internal/queue"
	"github.com/junfuture1103/kAFL/pkg/database"
	"github.com/junfuture1103/kAFL/pkg/logger"
	"github.com/junfuture1103/kAFL/pkg/mq"
	"github.com/junfuture1103/kAFL/pkg/telemetry"

	"github.com/jessevdk/go-flags"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type cliOptions struct {
	Worker  int           `short:"w" long:"worker" description:"target worker id" default:"0"`
	Import  string        `long:"import" description:"send this file as an import task"`
	Node    int           `long:"node" description:"register a queue node with this id and send it" default:"-1"`
	Payload string        `long:"payload" description:"payload file of the node"`
	State   string        `long:"state" description:"state of the node" default:"initial"`
	Score   float64       `long:"score" description:"performance score of the node" default:"10"`
	Busy    bool          `long:"busy" description:"send a busy task"`
	Listen  time.Duration `long:"listen" description:"log worker reports for this long before exiting" default:"0s"`
}

type mockApp struct {
	opts         cliOptions
	rabbitMQ     mq.RabbitMQ
	redisClient  *redis.Client
	appConfig    *config.AppConfig
	logger       *zap.Logger
	traceFactory *telemetry.TracerFactory
	shutdowner   fx.Shutdowner
}

type mockParams struct {
	fx.In
	RabbitMQ     mq.RabbitMQ
	RedisClient  *redis.Client
	AppConfig    *config.AppConfig
	Logger       *zap.Logger
	TraceFactory *telemetry.TracerFactory
	Shutdowner   fx.Shutdowner
}

func newMockApp(opts cliOptions) func(p mockParams) *mockApp {
	return func(p mockParams) *mockApp {
		return &mockApp{
			opts:         opts,
			rabbitMQ:     p.RabbitMQ,
			redisClient:  p.RedisClient,
			appConfig:    p.AppConfig,
			logger:       p.Logger,
			traceFactory: p.TraceFactory,
			shutdowner:   p.Shutdowner,
		}
	}
}

// registerNode writes the payload where workers look for it and publishes
// its metadata.
func (m *mockApp) registerNode(ctx context.Context) error {
	payload, err := os.ReadFile(m.opts.Payload)
	if err != nil {
		return fmt.Errorf("failed to read payload: %w", err)
	}
	path := queue.PayloadPath(m.appConfig.WorkDir, "regular", m.opts.Node)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, payload, 0644); err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}

	metadata := queue.NodeMetadata{
		ID:        m.opts.Node,
		State:     queue.NodeState{Name: m.opts.State},
		Info:      queue.NodeInfo{ExitReason: "regular"},
		PerfScore: m.opts.Score,
	}
	metadataJson, _ := json.Marshal(metadata)
	key := fmt.Sprintf(queue.NodeMetadataKey, m.opts.Node)
	if err := m.redisClient.Set(ctx, key, metadataJson, 0).Err(); err != nil {
		return fmt.Errorf("failed to store node metadata: %w", err)
	}
	m.logger.Info("Registered mock node", zap.Int("node", m.opts.Node), zap.String("payload", path))
	return nil
}

func (m *mockApp) tasks(ctx context.Context) ([]comm.Task, error) {
	var tasks []comm.Task
	if m.opts.Import != "" {
		payload, err := os.ReadFile(m.opts.Import)
		if err != nil {
			return nil, fmt.Errorf("failed to read seed: %w", err)
		}
		tasks = append(tasks, comm.ImportTask{Payload: payload})
	}
	if m.opts.Node >= 0 {
		if err := m.registerNode(ctx); err != nil {
			return nil, err
		}
		tasks = append(tasks, comm.RunNodeTask{NodeID: m.opts.Node})
	}
	if m.opts.Busy {
		tasks = append(tasks, comm.BusyTask{})
	}
	return tasks, nil
}

func (m *mockApp) sendMockTasks(ctx context.Context) error {
	channel, err := m.rabbitMQ.GetChannel()
	if err != nil {
		return fmt.Errorf("failed to get RabbitMQ channel: %w", err)
	}
	defer channel.Close()

	q, err := channel.QueueDeclare(
		fmt.Sprintf(comm.WorkerQueueFormat, m.opts.Worker),
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	tasks, err := m.tasks(ctx)
	if err != nil {
		return err
	}

	tracer := m.traceFactory.NewTracer(ctx, "mock coordinator")
	tracer.Start()
	defer tracer.End()

	for _, task := range tasks {
		body, id, err := comm.EncodeTask(m.opts.Worker, tracer.Export(), task)
		if err != nil {
			return err
		}
		err = channel.PublishWithContext(ctx,
			"",     // exchange
			q.Name, // routing key
			false,  // mandatory
			false,  // immediate
			amqp.Publishing{
				ContentType: "application/json",
				MessageId:   id,
				Body:        body,
			},
		)
		if err != nil {
			return fmt.Errorf("failed to publish message: %w", err)
		}
		m.logger.Info("Successfully sent mock task",
			zap.String("type", fmt.Sprintf("%T", task)),
			zap.String("id", id),
			zap.String("queue", q.Name))
	}
	return nil
}

// listen logs every report that reaches the coordinator queue.
func (m *mockApp) listen(ctx context.Context) error {
	channel, err := m.rabbitMQ.GetChannel()
	if err != nil {
		return fmt.Errorf("failed to get RabbitMQ channel: %w", err)
	}
	defer channel.Close()

	q, err := channel.QueueDeclare(comm.MasterQueueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	msgs, err := channel.Consume(q.Name, "", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.Listen)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var env comm.Envelope
			if err := json.Unmarshal(msg.Body, &env); err != nil {
				m.logger.Warn("Malformed report", zap.Error(err))
				continue
			}
			m.logger.Info("Worker report",
				zap.String("type", env.Type),
				zap.Int("worker", env.Worker),
				zap.String("id", env.ID),
				zap.Int("body_size", len(env.Body)))
		}
	}
}

func (m *mockApp) run(ctx context.Context) error {
	defer m.shutdowner.Shutdown()
	if err := m.sendMockTasks(ctx); err != nil {
		return err
	}
	if m.opts.Listen > 0 {
		return m.listen(ctx)
	}
	return nil
}

func NewAppContext(lc fx.Lifecycle) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			cancel()
			return nil
		},
	})
	return ctx
}

func main() {
	var opts cliOptions
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if opts.Node >= 0 && opts.Payload == "" {
		fmt.Fprintln(os.Stderr, "--node requires --payload")
		os.Exit(2)
	}

	app := fx.New(
		fx.Provide(
			config.LoadConfig,
			telemetry.NewTelemetry,
			logger.NewLogger,
			telemetry.NewTracerFactory,
			mq.NewRabbitMQ,
			database.NewRedisClient,
			NewAppContext,
			newMockApp(opts),
		),
		fx.Invoke(func(lc fx.Lifecycle, ctx context.Context, mock *mockApp) {
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					go func() {
						if err := mock.run(ctx); err != nil {
							mock.logger.Error("Mock coordinator failed", zap.Error(err))
						}
					}()
					return nil
				},
			})
		}),
	)

	app.Run()
}
