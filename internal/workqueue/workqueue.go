// Package workqueue is the at-least-once, priority, bounded-retry work
// queue the core's components talk through instead of calling each
// other directly: Submission, the MatchingEngine, and cancellation
// never call one another — they only ever enqueue and consume jobs
// here. Backed by RabbitMQ (x-max-priority queues, a dead-letter
// exchange for jobs that exhaust their retries), grounded on the
// storage/rabbitmq.go client in the EggsyOnCode-anomi pack repo.
package workqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Kind names one of the three queues the spec requires.
type Kind string

const (
	KindOrderProcessing   Kind = "order-processing"
	KindTradeProcessing   Kind = "trade-processing"
	KindMarketDataUpdate  Kind = "market-data-update"
)

const (
	headerRetryCount = "x-retry-count"
	maxPriority      = 10
)

// Priority returns the fixed publish priority for a job kind:
// trade-processing above order-processing above market-data-update.
func Priority(kind Kind) uint8 {
	switch kind {
	case KindTradeProcessing:
		return 9
	case KindOrderProcessing:
		return 6
	case KindMarketDataUpdate:
		return 3
	default:
		return 0
	}
}

// BackoffDelay returns the exponential backoff delay before retry
// number `attempt` (1-indexed), capped so a misbehaving consumer never
// waits absurdly long between attempts.
func BackoffDelay(attempt int, base time.Duration, factor float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base) * math.Pow(factor, float64(attempt-1))
	const cap = float64(30 * time.Second)
	if d > cap {
		d = cap
	}
	return time.Duration(d)
}

// Job is the unit of work carried by every queue.
type Job struct {
	ID      string          `json:"id"`
	Kind    Kind            `json:"kind"`
	Symbol  string          `json:"symbol"`
	Payload json.RawMessage `json:"payload"`
}

// Config controls retry policy.
type Config struct {
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffFactor float64
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 100 * time.Millisecond
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 2
	}
	return c
}

// Handler processes one job. Returning an error causes a retry (or,
// once attempts are exhausted, a move to the failed-jobs queue).
type Handler func(ctx context.Context, job Job) error

// Queue is the contract every core component depends on.
type Queue interface {
	Publish(ctx context.Context, job Job) error
	Consume(ctx context.Context, kind Kind, prefetch int, handler Handler) error
	Close() error
}

// AMQPQueue implements Queue over a single RabbitMQ channel.
type AMQPQueue struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	cfg    Config
	logger *zap.Logger
}

// Dial connects to RabbitMQ at url and declares the three named queues
// plus the shared failed-jobs dead-letter exchange/queue.
func Dial(url string, cfg Config, logger *zap.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	q := &AMQPQueue{conn: conn, ch: ch, cfg: cfg.withDefaults(), logger: logger}
	if err := q.declareTopology(); err != nil {
		conn.Close()
		return nil, err
	}
	return q, nil
}

const failedExchange = "exchange.failed-jobs"
const failedQueue = "failed-jobs"

func (q *AMQPQueue) declareTopology() error {
	if err := q.ch.ExchangeDeclare(failedExchange, "fanout", true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := q.ch.QueueDeclare(failedQueue, true, false, false, false, nil); err != nil {
		return err
	}
	if err := q.ch.QueueBind(failedQueue, "", failedExchange, false, nil); err != nil {
		return err
	}
	for _, k := range []Kind{KindOrderProcessing, KindTradeProcessing, KindMarketDataUpdate} {
		args := amqp.Table{
			"x-max-priority":          maxPriority,
			"x-dead-letter-exchange":  failedExchange,
		}
		if _, err := q.ch.QueueDeclare(string(k), true, false, false, false, args); err != nil {
			return err
		}
	}
	return nil
}

// Publish enqueues job onto its kind's queue at the kind's fixed
// priority.
func (q *AMQPQueue) Publish(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	confirmation, err := q.ch.PublishWithDeferredConfirmWithContext(ctx, "", string(job.Kind), true, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Priority:    Priority(job.Kind),
		Headers:     amqp.Table{headerRetryCount: int32(0)},
	})
	if err != nil {
		return err
	}
	confirmation.Wait()
	return nil
}

func (q *AMQPQueue) republish(ctx context.Context, kind Kind, body []byte, attempt int) error {
	confirmation, err := q.ch.PublishWithDeferredConfirmWithContext(ctx, "", string(kind), true, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Priority:    Priority(kind),
		Headers:     amqp.Table{headerRetryCount: int32(attempt)},
	})
	if err != nil {
		return err
	}
	confirmation.Wait()
	return nil
}

// Consume runs handler for every delivery on kind's queue until ctx is
// cancelled. Failures are retried up to cfg.MaxAttempts with
// exponential backoff; once exhausted the delivery is rejected without
// requeue so it lands on the dead-letter (failed-jobs) queue.
func (q *AMQPQueue) Consume(ctx context.Context, kind Kind, prefetch int, handler Handler) error {
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := q.ch.Qos(prefetch, 0, false); err != nil {
		return err
	}
	deliveries, err := q.ch.Consume(string(kind), "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("workqueue: delivery channel for %s closed", kind)
			}
			q.handleDelivery(ctx, kind, d, handler)
		}
	}
}

func (q *AMQPQueue) handleDelivery(ctx context.Context, kind Kind, d amqp.Delivery, handler Handler) {
	var job Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		q.logger.Error("workqueue: undecodable job, dead-lettering", zap.Error(err))
		d.Nack(false, false)
		return
	}
	attempt := 0
	if v, ok := d.Headers[headerRetryCount]; ok {
		if iv, ok := v.(int32); ok {
			attempt = int(iv)
		}
	}
	err := handler(ctx, job)
	if err == nil {
		d.Ack(false)
		return
	}
	attempt++
	if attempt >= q.cfg.MaxAttempts {
		q.logger.Error("workqueue: job exhausted retries, dead-lettering",
			zap.String("jobID", job.ID), zap.String("kind", string(kind)), zap.Error(err))
		d.Nack(false, false)
		return
	}
	d.Ack(false) // remove from the live queue; we control the retry ourselves
	time.Sleep(BackoffDelay(attempt, q.cfg.BackoffBase, q.cfg.BackoffFactor))
	if pubErr := q.republish(ctx, kind, d.Body, attempt); pubErr != nil {
		q.logger.Error("workqueue: failed to republish retry", zap.Error(pubErr))
	}
}

// Close closes the underlying AMQP connection.
func (q *AMQPQueue) Close() error {
	return q.conn.Close()
}
