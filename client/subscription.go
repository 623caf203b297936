package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/a-cube-io/opqueue/api"
)

// ErrClosed is returned by requests on a closed client.
var ErrClosed = errors.New("opqueue/client: closed")

// Subscribe adds topics to the session and returns the full topic set.
//
// Topics follow the stream convention:
//   - "items", "circuits", "queue", "batches": all events of a category
//   - "item:<itemID>", "batch:<batchID>", "resource:<name>": one entity
//   - "firehose": everything
func (c *Client) Subscribe(ctx context.Context, topics ...string) ([]string, error) {
	return c.topicRequest(ctx, api.MethodSubscribe, topics)
}

// Unsubscribe removes topics from the session and returns what remains.
func (c *Client) Unsubscribe(ctx context.Context, topics ...string) ([]string, error) {
	return c.topicRequest(ctx, api.MethodUnsubscribe, topics)
}

// Topics returns the session's current topic set.
func (c *Client) Topics(ctx context.Context) ([]string, error) {
	return c.topicRequest(ctx, api.MethodTopics, nil)
}

func (c *Client) topicRequest(ctx context.Context, method string, topics []string) ([]string, error) {
	frame := &api.Frame{Type: api.FrameRequest, Method: method}
	if len(topics) > 0 {
		raw, err := json.Marshal(api.SubscribeRequest{Topics: topics})
		if err != nil {
			return nil, err
		}
		frame.Data = raw
	}

	resp, err := c.request(ctx, frame)
	if err != nil {
		return nil, fmt.Errorf("%s %v: %w", method, topics, err)
	}
	var out api.SubscribeRequest
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return nil, fmt.Errorf("decode topics: %w", err)
	}

	c.stateMu.Lock()
	c.topics = out.Topics
	c.stateMu.Unlock()
	return out.Topics, nil
}

// Ping measures the round trip to the server.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.request(ctx, &api.Frame{Type: api.FramePing}); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Grant adds n flow-control credits to the session.
func (c *Client) Grant(n int) error {
	if n <= 0 {
		return nil
	}
	return c.writeFrame(&api.Frame{
		Type:      api.FrameRequest,
		Credits:   n,
		Timestamp: time.Now().UTC(),
	})
}
