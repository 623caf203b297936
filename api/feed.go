package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/a-cube-io/opqueue/engine"
	"github.com/a-cube-io/opqueue/stream"
)

// SubscribeRequest is the payload of subscribe and unsubscribe frames.
// Channel may be used instead of Data for a single topic.
type SubscribeRequest struct {
	Topics []string `json:"topics"`
}

// SessionInfo describes one connected feed client.
type SessionInfo struct {
	ID           string    `json:"id"`
	Subject      string    `json:"subject"`
	Format       string    `json:"format"`
	Topics       []string  `json:"topics"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	Dropped      int64     `json:"dropped"`
}

// session is one WebSocket client of the feed.
type session struct {
	id          string
	subject     string
	codec       Codec
	conn        net.Conn
	sub         *stream.Subscriber
	connectedAt time.Time
	lastSeen    atomic.Value // time.Time

	writeMu sync.Mutex
}

func (s *session) touch() { s.lastSeen.Store(time.Now().UTC()) }

func (s *session) write(f *Frame) error {
	data, err := s.codec.Encode(f)
	if err != nil {
		return err
	}
	op := ws.OpText
	if s.codec.Binary() {
		op = ws.OpBinary
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wsutil.WriteServerMessage(s.conn, op, data)
}

// Feed streams engine events to WebSocket clients. Each connection is a
// broker subscriber; clients pick topics with the "topics" query
// parameter and change them at runtime with subscribe and unsubscribe
// frames. Credits in any client frame replenish the flow-control budget.
type Feed struct {
	eng      *engine.Engine
	logger   *slog.Logger
	sessions sync.Map // id → *session
}

// NewFeed creates a feed over eng's broker.
func NewFeed(eng *engine.Engine, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{eng: eng, logger: logger}
}

// Sessions lists connected clients.
func (f *Feed) Sessions() []SessionInfo {
	var out []SessionInfo
	f.sessions.Range(func(_, v any) bool {
		s := v.(*session) //nolint:errcheck // sync.Map always stores *session
		last, _ := s.lastSeen.Load().(time.Time)
		out = append(out, SessionInfo{
			ID:           s.id,
			Subject:      s.subject,
			Format:       s.codec.Name(),
			Topics:       s.sub.Topics(),
			ConnectedAt:  s.connectedAt,
			LastActivity: last,
			Dropped:      s.sub.Dropped(),
		})
		return true
	})
	slices.SortFunc(out, func(a, b SessionInfo) int { return a.ConnectedAt.Compare(b.ConnectedAt) })
	return out
}

// ServeHTTP upgrades the request and serves the session until either
// side closes.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.eng.Destroyed() {
		writeError(w, http.StatusServiceUnavailable, "engine destroyed")
		return
	}
	topics := parseTopics(r.URL.Query().Get("topics"))
	for _, t := range topics {
		if err := stream.ValidateTopic(t); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		f.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	s := &session{
		id:          "ws-" + uuid.NewString(),
		codec:       CodecByName(r.URL.Query().Get("format")),
		conn:        conn,
		connectedAt: time.Now().UTC(),
	}
	if id, ok := IdentityFrom(r.Context()); ok {
		s.subject = id.Subject
	}
	s.touch()
	s.sub = f.eng.Subscribe(s.id, topics...)
	f.sessions.Store(s.id, s)

	defer func() {
		f.sessions.Delete(s.id)
		f.eng.Unsubscribe(s.id)
		conn.Close() //nolint:errcheck // best-effort close
		f.logger.Info("event feed client disconnected", slog.String("session_id", s.id))
	}()

	welcome, err := NewResponseFrame("", WelcomeData{
		SessionID: s.id,
		Format:    s.codec.Name(),
		Topics:    s.sub.Topics(),
	})
	if err != nil || s.write(welcome) != nil {
		return
	}
	f.logger.Info("event feed client connected",
		slog.String("session_id", s.id),
		slog.String("subject", s.subject),
		slog.String("format", s.codec.Name()),
		slog.Any("topics", s.sub.Topics()),
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.forward(s)
	}()

	f.readLoop(s)
	// Closing the subscriber ends forward.
	f.eng.Unsubscribe(s.id)
	<-done
}

// forward writes broker events until the subscriber closes or a write
// fails.
func (f *Feed) forward(s *session) {
	for evt := range s.sub.C() {
		channel := evt.Topic
		if channel == "" {
			channel = evt.Type.Category()
		}
		frame, err := NewEventFrame(channel, evt)
		if err != nil {
			continue
		}
		if err := s.write(frame); err != nil {
			s.conn.Close() //nolint:errcheck // unblock the read loop
			return
		}
	}
	// Engine shutdown closes the subscriber; close the socket so the
	// read loop returns.
	s.conn.Close() //nolint:errcheck // best-effort close
}

func (f *Feed) readLoop(s *session) {
	for {
		data, _, err := wsutil.ReadClientData(s.conn)
		if err != nil {
			return
		}
		s.touch()

		frame, err := s.codec.Decode(data)
		if err != nil {
			s.write(NewErrorFrame("", http.StatusBadRequest, "invalid frame: "+err.Error())) //nolint:errcheck // best effort
			continue
		}
		if frame.Credits > 0 {
			s.sub.AddCredits(int64(frame.Credits))
		}
		if reply := f.handle(s, frame); reply != nil {
			if err := s.write(reply); err != nil {
				return
			}
		}
	}
}

func (f *Feed) handle(s *session, frame *Frame) *Frame {
	switch frame.Type {
	case FramePing:
		pong := newFrame(FramePong)
		pong.CorrelID = frame.ID
		return pong
	case FrameRequest:
	default:
		return nil
	}

	switch frame.Method {
	case MethodSubscribe, MethodUnsubscribe:
		topics, err := requestedTopics(frame)
		if err != nil {
			return NewErrorFrame(frame.ID, http.StatusBadRequest, err.Error())
		}
		if frame.Method == MethodSubscribe {
			f.eng.Broker().SubscribeTo(s.id, topics...)
		} else {
			f.eng.Broker().Unsubscribe(s.id, topics...)
		}
		return f.topicsResponse(s, frame.ID)
	case MethodTopics:
		return f.topicsResponse(s, frame.ID)
	case "":
		// Credit-only frame.
		return nil
	}
	return NewErrorFrame(frame.ID, http.StatusNotFound, "unknown method "+frame.Method)
}

func (f *Feed) topicsResponse(s *session, correlID string) *Frame {
	resp, err := NewResponseFrame(correlID, SubscribeRequest{Topics: s.sub.Topics()})
	if err != nil {
		return NewErrorFrame(correlID, http.StatusInternalServerError, err.Error())
	}
	return resp
}

func requestedTopics(frame *Frame) ([]string, error) {
	var req SubscribeRequest
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return nil, err
		}
	}
	if frame.Channel != "" {
		req.Topics = append(req.Topics, frame.Channel)
	}
	if len(req.Topics) == 0 {
		return nil, errNoTopics
	}
	for _, t := range req.Topics {
		if err := stream.ValidateTopic(t); err != nil {
			return nil, err
		}
	}
	return req.Topics, nil
}

var errNoTopics = errors.New("opqueue/api: no topics requested")

func parseTopics(raw string) []string {
	var out []string
	for t := range strings.SplitSeq(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
