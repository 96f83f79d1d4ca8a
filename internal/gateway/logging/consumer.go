package logging

import (
	"context"
	"log/slog"

	"github.com/aico-ai/gateway/common/spec/envelope"
	"github.com/aico-ai/gateway/internal/gateway/bus/client"
)

// Subscriber is the slice of the bus client the consumer needs.
type Subscriber interface {
	Subscribe(pattern string, callback client.Callback) (*client.Subscription, error)
	Unsubscribe(sub *client.Subscription) error
}

// Consumer drains log entries off the bus into the logs table. Its own log
// points go through a deny-listed origin so a failing insert can never
// generate a log that the consumer would then have to insert.
type Consumer struct {
	repo   *Repository
	bus    Subscriber
	logger *slog.Logger
	sub    *client.Subscription
}

// NewConsumer creates a Consumer. The logger must be rooted at a deny-listed
// origin ("gateway.logconsumer").
func NewConsumer(repo *Repository, bus Subscriber, logger *slog.Logger) *Consumer {
	return &Consumer{repo: repo, bus: bus, logger: logger}
}

// Start subscribes to all log topics.
func (c *Consumer) Start() error {
	sub, err := c.bus.Subscribe("logs/**", c.handle)
	if err != nil {
		return err
	}
	c.sub = sub
	return nil
}

// Stop removes the subscription. Entries already dispatched still complete.
func (c *Consumer) Stop() {
	if c.sub != nil {
		_ = c.bus.Unsubscribe(c.sub)
		c.sub = nil
	}
}

func (c *Consumer) handle(t string, env *envelope.Envelope) error {
	e, err := ParseEntry(env.Payload.Data)
	if err != nil {
		c.logger.Warn("discarding malformed log entry", "topic", t, "error", err)
		return nil
	}
	if err := c.repo.Insert(context.Background(), e); err != nil {
		c.logger.Error("log insert failed", "topic", t, "error", err)
	}
	return nil
}
