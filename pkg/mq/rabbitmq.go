// Package mq is the message channel: two logical queues (jobs, tasks) with
// at-least-once delivery, a dead-letter exchange for poison messages, and
// TTL-based delay queues that implement scheduled delivery for retries.
package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"geoflow/pkg/config"
	"geoflow/pkg/job"
)

type Client struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

const (
	MainExchange    = "etl.exchange"
	DLXExchange     = "etl.dlx"
	RetryExchange   = "etl.retry.exchange"
	JobsQueue       = "etl.jobs.queue"
	TasksQueue      = "etl.tasks.queue"
	DeadLetterQueue = "etl.dead_letter.queue"

	RouteJobs  = "jobs"
	RouteTasks = "tasks"
)

func New(cfg config.MQConfig) (*Client, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	return &Client{conn: conn, ch: ch}, nil
}

// RetryDelay computes the backoff for a given retry attempt (1-based):
// base * 2^(attempt-1), clamped to the deepest of the steps declared delay
// queues so every published delay matches a TTL queue the topology knows.
func RetryDelay(base time.Duration, attempt, steps int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if steps > 0 && attempt > steps {
		attempt = steps
	}
	return base << (attempt - 1)
}

// RetrySchedule lists the delay steps the topology must provide for the
// given number of attempts.
func RetrySchedule(base time.Duration, steps int) []time.Duration {
	delays := make([]time.Duration, 0, steps)
	for attempt := 1; attempt <= steps; attempt++ {
		delays = append(delays, RetryDelay(base, attempt, steps))
	}
	return delays
}

// SetupTopology declares all exchanges and queues. Idempotent.
//
// Each retry delay gets its own TTL queue whose expiry dead-letters the
// message back into the main exchange under the tasks routing key. That is
// how a retry becomes a scheduled delivery without any in-process timer.
func (c *Client) SetupTopology(retryDelays []time.Duration) error {
	if err := c.ch.ExchangeDeclare(MainExchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}
	if err := c.ch.ExchangeDeclare(DLXExchange, "fanout", true, false, false, false, nil); err != nil {
		return err
	}
	if err := c.ch.ExchangeDeclare(RetryExchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}

	if _, err := c.ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return err
	}
	if err := c.ch.QueueBind(DeadLetterQueue, "", DLXExchange, false, nil); err != nil {
		return err
	}

	for queue, route := range map[string]string{JobsQueue: RouteJobs, TasksQueue: RouteTasks} {
		_, err := c.ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
			"x-dead-letter-exchange": DLXExchange,
		})
		if err != nil {
			return err
		}
		if err := c.ch.QueueBind(queue, route, MainExchange, false, nil); err != nil {
			return err
		}
	}

	for _, delay := range retryDelays {
		queueName := fmt.Sprintf("etl.retry.queue.%ds", int(delay.Seconds()))
		routingKey := retryRoute(delay)
		_, err := c.ch.QueueDeclare(queueName, true, false, false, false, amqp.Table{
			"x-dead-letter-exchange":    MainExchange,
			"x-dead-letter-routing-key": RouteTasks,
			"x-message-ttl":             delay.Milliseconds(),
		})
		if err != nil {
			return err
		}
		if err := c.ch.QueueBind(queueName, routingKey, RetryExchange, false, nil); err != nil {
			return err
		}
	}

	return nil
}

func retryRoute(delay time.Duration) string {
	return fmt.Sprintf("retry.%ds", int(delay.Seconds()))
}

// Publish sends a pre-encoded message body to the main exchange. Used by
// the outbox relay, whose payloads are already serialized.
func (c *Client) Publish(ctx context.Context, routingKey string, body []byte) error {
	return c.ch.PublishWithContext(ctx,
		MainExchange, routingKey, false, false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		})
}

func (c *Client) PublishJob(ctx context.Context, msg job.JobMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.Publish(ctx, RouteJobs, body)
}

func (c *Client) PublishTask(ctx context.Context, msg job.TaskMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.Publish(ctx, RouteTasks, body)
}

// PublishTaskRetry schedules a task message for delayed redelivery through
// the matching TTL queue. After the delay expires the message re-enters
// the tasks queue via the main exchange.
func (c *Client) PublishTaskRetry(ctx context.Context, msg job.TaskMessage, delay time.Duration) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.ch.PublishWithContext(ctx,
		RetryExchange, retryRoute(delay), false, false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		})
}

func (c *Client) ConsumeJobs() (<-chan amqp.Delivery, error) {
	return c.ch.Consume(JobsQueue, "", false, false, false, false, nil)
}

func (c *Client) ConsumeTasks() (<-chan amqp.Delivery, error) {
	return c.ch.Consume(TasksQueue, "", false, false, false, false, nil)
}

func (c *Client) Close() {
	c.ch.Close()
	c.conn.Close()
}
