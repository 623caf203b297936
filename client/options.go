package client

import (
	"log/slog"
	"time"
)

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent on the upgrade request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithFormat sets the frame encoding: "json" (default) or "msgpack".
func WithFormat(format string) Option {
	return func(c *Client) { c.format = format }
}

// WithTopics sets the topics subscribed when the session opens.
func WithTopics(topics ...string) Option {
	return func(c *Client) { c.topics = topics }
}

// WithBuffer sets the capacity of the Events channel.
func WithBuffer(n int) Option {
	return func(c *Client) { c.buffer = n }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithReconnect enables automatic reconnection. Delays grow
// exponentially from baseDelay up to 30s.
func WithReconnect(maxRetries int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.reconnect = true
		c.maxRetries = maxRetries
		c.baseDelay = baseDelay
	}
}
