// Package client connects to the event feed of a remote opqueue server.
//
// Usage:
//
//	c, err := client.Dial("ws://localhost:8080/v1/events",
//	    client.WithToken("tok_..."),
//	    client.WithTopics(stream.TopicItems, stream.TopicCircuits),
//	)
//	defer c.Close()
//
//	for evt := range c.Events() {
//	    fmt.Println(evt.Type, evt.Topic)
//	}
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/a-cube-io/opqueue/api"
	"github.com/a-cube-io/opqueue/backoff"
	"github.com/a-cube-io/opqueue/stream"
)

const welcomeTimeout = 10 * time.Second

// RemoteError is an error frame returned by the server.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("opqueue/client: remote error %d: %s", e.Code, e.Message)
}

// Client is a feed session with a remote server. Events for the
// subscribed topics arrive on Events; request methods are safe for
// concurrent use.
type Client struct {
	url    string
	token  string
	format string
	codec  api.Codec
	buffer int
	logger *slog.Logger

	reconnect  bool
	maxRetries int
	baseDelay  time.Duration

	// mu guards conn and serializes writes.
	mu     sync.Mutex
	conn   net.Conn
	reader io.Reader

	stateMu   sync.RWMutex
	sessionID string
	topics    []string

	closed  atomic.Bool
	done    chan struct{}
	pending sync.Map // frame ID → chan *api.Frame
	events  chan *stream.Event
	dropped atomic.Int64
}

// Dial connects to the feed at url.
func Dial(url string, opts ...Option) (*Client, error) {
	return DialContext(context.Background(), url, opts...)
}

// DialContext connects to the feed at url and waits for the welcome
// frame.
func DialContext(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:        url,
		format:     api.CodecJSON,
		buffer:     256,
		logger:     slog.Default(),
		maxRetries: 5,
		baseDelay:  time.Second,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.codec = api.CodecByName(c.format)
	c.events = make(chan *stream.Event, c.buffer)

	if err := c.connect(ctx); err != nil {
		return nil, fmt.Errorf("opqueue/client: dial: %w", err)
	}

	go c.readLoop()
	return c, nil
}

// connect opens the WebSocket and reads the welcome frame before the
// read loop takes over the connection.
func (c *Client) connect(ctx context.Context) error {
	target, err := c.dialURL()
	if err != nil {
		return err
	}

	dialer := ws.Dialer{}
	if c.token != "" {
		dialer.Header = ws.HandshakeHeaderHTTP(http.Header{
			"Authorization": []string{"Bearer " + c.token},
		})
	}
	conn, br, _, err := dialer.Dial(ctx, target)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	var reader io.Reader = conn
	if br != nil {
		reader = br
	}

	deadline := time.Now().Add(welcomeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	welcome, err := c.readFrom(reader, conn)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("read welcome: %w", err)
	}
	if welcome.Type == api.FrameErr {
		_ = conn.Close()
		return remoteError(welcome)
	}

	var w api.WelcomeData
	if err := json.Unmarshal(welcome.Data, &w); err != nil {
		_ = conn.Close()
		return fmt.Errorf("decode welcome: %w", err)
	}

	c.mu.Lock()
	c.conn, c.reader = conn, reader
	c.mu.Unlock()

	c.stateMu.Lock()
	c.sessionID, c.topics = w.SessionID, w.Topics
	c.stateMu.Unlock()

	c.logger.Info("feed client connected",
		slog.String("session_id", w.SessionID),
		slog.String("format", w.Format),
		slog.Any("topics", w.Topics),
	)
	return nil
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("format", c.format)
	c.stateMu.RLock()
	if len(c.topics) > 0 {
		q.Set("topics", strings.Join(c.topics, ","))
	}
	c.stateMu.RUnlock()
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) readFrom(r io.Reader, conn net.Conn) (*api.Frame, error) {
	rw := struct {
		io.Reader
		io.Writer
	}{r, lockedWriter{c: c, conn: conn}}
	data, _, err := wsutil.ReadServerData(rw)
	if err != nil {
		return nil, err
	}
	return c.codec.Decode(data)
}

// lockedWriter lets wsutil answer control frames without interleaving
// with request writes.
type lockedWriter struct {
	c    *Client
	conn net.Conn
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	return w.conn.Write(p)
}

// readLoop routes frames until the connection is closed for good. It is
// the only sender on the events channel and closes it on exit.
func (c *Client) readLoop() {
	defer close(c.events)
	for {
		c.mu.Lock()
		conn, reader := c.conn, c.reader
		c.mu.Unlock()

		frame, err := c.readFrom(reader, conn)
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.logger.Warn("feed client read error", slog.String("error", err.Error()))
			_ = conn.Close()
			if !c.reconnect || !c.tryReconnect() {
				return
			}
			continue
		}
		c.route(frame)
	}
}

func (c *Client) route(frame *api.Frame) {
	switch frame.Type {
	case api.FrameResponse, api.FrameErr, api.FramePong:
		if val, ok := c.pending.Load(frame.CorrelID); ok {
			ch := val.(chan *api.Frame) //nolint:errcheck // pending map always stores chan *api.Frame
			select {
			case ch <- frame:
			default:
			}
		}
	case api.FrameEvent:
		var evt stream.Event
		if err := json.Unmarshal(frame.Data, &evt); err != nil {
			c.logger.Warn("feed client: invalid event", slog.String("error", err.Error()))
			return
		}
		select {
		case c.events <- &evt:
		default:
			c.dropped.Add(1)
		}
	}
}

// tryReconnect redials with exponential backoff, keeping the current
// topic set. It reports whether a new connection is up.
func (c *Client) tryReconnect() bool {
	delays := backoff.NewExponential(c.baseDelay, 2, 30*time.Second)
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		delay := delays.Delay(attempt)
		c.logger.Info("feed client reconnecting",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)
		select {
		case <-time.After(delay):
		case <-c.done:
			return false
		}

		if err := c.connect(context.Background()); err != nil {
			c.logger.Warn("feed client reconnect failed", slog.String("error", err.Error()))
			continue
		}
		if c.closed.Load() {
			c.mu.Lock()
			_ = c.conn.Close()
			c.mu.Unlock()
			return false
		}
		return true
	}
	c.logger.Error("feed client: max reconnection attempts reached")
	return false
}

// request sends frame and waits for the correlated reply.
func (c *Client) request(ctx context.Context, frame *api.Frame) (*api.Frame, error) {
	frame.ID = uuid.NewString()
	frame.Timestamp = time.Now().UTC()

	respCh := make(chan *api.Frame, 1)
	c.pending.Store(frame.ID, respCh)
	defer c.pending.Delete(frame.ID)

	if err := c.writeFrame(frame); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Type == api.FrameErr {
			return nil, remoteError(resp)
		}
		return resp, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) writeFrame(frame *api.Frame) error {
	if c.closed.Load() {
		return ErrClosed
	}
	data, err := c.codec.Encode(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	op := ws.OpText
	if c.codec.Binary() {
		op = ws.OpBinary
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return wsutil.WriteClientMessage(c.conn, op, data)
}

func remoteError(f *api.Frame) error {
	if f.Error == nil {
		return &RemoteError{Message: "unknown error"}
	}
	return &RemoteError{Code: f.Error.Code, Message: f.Error.Message}
}

// Events returns the channel of feed events. It is closed when the
// client is closed or the connection is lost for good.
func (c *Client) Events() <-chan *stream.Event { return c.events }

// Dropped returns how many events were discarded because Events was full.
func (c *Client) Dropped() int64 { return c.dropped.Load() }

// SessionID returns the session ID assigned by the server.
func (c *Client) SessionID() string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.sessionID
}

// Close closes the connection. Events is closed once the read loop
// exits.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.done)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
