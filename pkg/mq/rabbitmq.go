package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	amqp "github.com/rabbitmq/amqp091-go"

	"batch-orchestrator/pkg/batch"
)

type Client struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

const (
	StatusExchange   = "batch.status"
	StatusQueue      = "batch.status.queue"
	StatusRoutingKey = "job.state-change"
	NotifyExchange   = "batch.notifications"
	NotifyQueue      = "batch.notifications.queue"
)

func New() (*Client, error) {
	conn, err := amqp.Dial(os.Getenv("RABBITMQ_URL"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	return &Client{conn: conn, ch: ch}, nil
}

// SetupTopology declares all necessary exchanges and queues. Idempotent.
func (c *Client) SetupTopology() error {
	// Job state-change events from the external service (via poller or simulator)
	if err := c.ch.ExchangeDeclare(StatusExchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := c.ch.QueueDeclare(StatusQueue, true, false, false, false, nil); err != nil {
		return err
	}
	if err := c.ch.QueueBind(StatusQueue, StatusRoutingKey, StatusExchange, false, nil); err != nil {
		return err
	}

	// Pipeline completion notifications
	if err := c.ch.ExchangeDeclare(NotifyExchange, "fanout", true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := c.ch.QueueDeclare(NotifyQueue, true, false, false, false, nil); err != nil {
		return err
	}
	return c.ch.QueueBind(NotifyQueue, "", NotifyExchange, false, nil)
}

// PublishStatusEvent publishes a job state-change notification.
func (c *Client) PublishStatusEvent(ctx context.Context, ev batch.StatusEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.ch.PublishWithContext(ctx,
		StatusExchange,
		StatusRoutingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		})
}

// ConsumeStatusEvents starts consuming state-change notifications.
// Deliveries must be acked manually; the bus redelivers on nack or disconnect,
// so consumers see at-least-once semantics.
func (c *Client) ConsumeStatusEvents() (<-chan amqp.Delivery, error) {
	return c.ch.Consume(
		StatusQueue,
		"",    // consumer
		false, // auto-ack is false. We will manually ack.
		false,
		false,
		false,
		nil,
	)
}

// PublishNotification publishes the single pipeline-completion message.
func (c *Client) PublishNotification(ctx context.Context, subject string, body []byte) error {
	return c.ch.PublishWithContext(ctx,
		NotifyExchange,
		"",
		false,
		false,
		amqp.Publishing{
			ContentType: "text/plain",
			Headers:     amqp.Table{"subject": subject},
			Body:        body,
		})
}

func (c *Client) Close() {
	c.ch.Close()
	c.conn.Close()
}
