package comm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/junfuture1103/kAFL/config"
	"github.com/junfuture1103/kAFL/pkg/mq"
	"github.com/junfuture1103/kAFL/pkg/telemetry"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	MasterQueueName   = "kafl_master"
	WorkerQueueFormat = "kafl_worker_%d"
)

var ErrConnectionReset = errors.New("connection to coordinator reset")

// AMQPConnection consumes tasks from the worker queue and publishes reports
// to the coordinator queue.
type AMQPConnection struct {
	rabbitMQ mq.RabbitMQ
	logger   *zap.Logger
	workerID int

	mu         sync.Mutex
	consumer   *amqp.Channel
	deliveries <-chan amqp.Delivery
	publisher  *amqp.Channel
}

type AMQPConnectionParams struct {
	fx.In

	Lc        fx.Lifecycle
	RabbitMQ  mq.RabbitMQ
	Logger    *zap.Logger
	AppConfig *config.AppConfig
}

func NewAMQPConnection(p AMQPConnectionParams) *AMQPConnection {
	c := &AMQPConnection{
		rabbitMQ: p.RabbitMQ,
		logger:   p.Logger.Named("comm"),
		workerID: p.AppConfig.WorkerID,
	}
	p.Lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			c.Close()
			return nil
		},
	})
	return c
}

func (c *AMQPConnection) queueName() string {
	return fmt.Sprintf(WorkerQueueFormat, c.workerID)
}

func (c *AMQPConnection) channel() (*amqp.Channel, error) {
	ch, err := c.rabbitMQ.GetChannel()
	if errors.Is(err, mq.ErrNoConnection) {
		return nil, fmt.Errorf("%w: %w", ErrConnectionReset, err)
	}
	return ch, err
}

// consume registers the consumer of the worker queue. Caller holds mu.
func (c *AMQPConnection) consume() error {
	ch, err := c.channel()
	if err != nil {
		return err
	}
	// one task at a time
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	q, err := ch.QueueDeclare(
		c.queueName(),
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	deliveries, err := ch.Consume(
		q.Name,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("failed to register consumer: %w", err)
	}
	c.logger.Info("Waiting for tasks", zap.String("queue", q.Name))
	c.consumer, c.deliveries = ch, deliveries
	return nil
}

// Recv blocks until the next task arrives. A closed delivery channel is
// reported as ErrConnectionReset.
func (c *AMQPConnection) Recv(ctx context.Context) (Delivery, error) {
	c.mu.Lock()
	if c.deliveries == nil {
		if err := c.consume(); err != nil {
			c.mu.Unlock()
			return Delivery{}, err
		}
	}
	deliveries := c.deliveries
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	case msg, ok := <-deliveries:
		if !ok {
			return Delivery{}, ErrConnectionReset
		}
		delivery, err := Decode(msg.Body)
		if err != nil {
			if nackErr := msg.Nack(false, false); nackErr != nil {
				c.logger.Error("Failed to nack message", zap.Error(nackErr))
			}
			return Delivery{}, err
		}
		if err := msg.Ack(false); err != nil {
			return Delivery{}, fmt.Errorf("failed to ack message: %w", err)
		}
		return delivery, nil
	}
}

func (c *AMQPConnection) publish(ctx context.Context, r Report) error {
	data, id, err := Encode(c.workerID, telemetry.FromContext(ctx).Export(), r)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publisher == nil {
		ch, err := c.channel()
		if err != nil {
			return err
		}
		if _, err := ch.QueueDeclare(MasterQueueName, true, false, false, false, nil); err != nil {
			ch.Close()
			return fmt.Errorf("failed to declare queue: %w", err)
		}
		c.publisher = ch
	}

	err = c.publisher.PublishWithContext(
		ctx,
		"",
		MasterQueueName,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			MessageId:   id,
			Body:        data,
		},
	)
	if err != nil {
		// reopen on the next report
		c.publisher.Close()
		c.publisher = nil
		return fmt.Errorf("failed to publish %s: %w", r.tag(), err)
	}
	return nil
}

func (c *AMQPConnection) SendReady(ctx context.Context) error {
	return c.publish(ctx, Ready{})
}

func (c *AMQPConnection) SendNodeDone(ctx context.Context, msg NodeDone) error {
	return c.publish(ctx, msg)
}

func (c *AMQPConnection) SendNewInput(ctx context.Context, msg NewInput) error {
	return c.publish(ctx, msg)
}

func (c *AMQPConnection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumer != nil {
		c.consumer.Close()
		c.consumer, c.deliveries = nil, nil
	}
	if c.publisher != nil {
		c.publisher.Close()
		c.publisher = nil
	}
}
