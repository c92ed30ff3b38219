package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/tiny-walnut-games/oasis-core/oasis"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// closeSlowConsumer is the close code sent when a session's outbound
	// queue overflows.
	closeSlowConsumer = 4008
)

// session is one connected WebSocket client. The reader goroutine owns
// dispatch; the writer goroutine exclusively drains send. Subscription
// state is guarded by mu because the scheduler's fan-out reads it
// concurrently with the reader mutating it.
type session struct {
	id       oasis.SessionID
	conn     *websocket.Conn
	gateway  *Gateway
	role     Role
	identity string

	send    chan []byte
	limiter *rate.Limiter

	mu            sync.Mutex
	subscribeAll  bool
	subscriptions map[string]struct{}
	closed        bool
	closeOnce     sync.Once
}

func (s *session) subscribe(all bool, types []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if all {
		s.subscribeAll = true
		return
	}
	for _, t := range types {
		s.subscriptions[t] = struct{}{}
	}
}

func (s *session) unsubscribe(all bool, types []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if all {
		s.subscribeAll = false
		s.subscriptions = make(map[string]struct{})
		return
	}
	for _, t := range types {
		delete(s.subscriptions, t)
	}
}

// wants reports whether the session's filter matches eventType.
func (s *session) wants(eventType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribeAll {
		return true
	}
	_, ok := s.subscriptions[eventType]
	return ok
}

// enqueue hands a marshaled frame to the writer without ever blocking the
// caller. A full queue means the consumer cannot keep up: the session is
// torn down with the slow_consumer close code and the scheduler moves on.
func (s *session) enqueue(frame []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	select {
	case s.send <- frame:
	default:
		logrus.Warnf("[gateway] session %s outbound queue full, disconnecting slow consumer", s.id)
		s.closeWithCode(closeSlowConsumer, "slow_consumer")
	}
}

// writeDirect marshals and writes a frame on the caller's goroutine. Only
// legal before the write pump starts.
func (s *session) writeDirect(frame map[string]any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// reply marshals and enqueues a frame built by outbound/errorFrame.
func (s *session) reply(frame map[string]any) {
	data, err := json.Marshal(frame)
	if err != nil {
		logrus.Errorf("[gateway] session %s: marshaling reply: %v", s.id, err)
		return
	}
	s.enqueue(data)
}

// closeWithCode sends a close control frame and tears the session down.
func (s *session) closeWithCode(code int, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = s.conn.Close()
	})
}

// writePump drains the send queue onto the connection and keeps the
// connection alive with pings. One writePump per session; it is the only
// goroutine that writes data frames.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.closeWithCode(websocket.CloseNormalClosure, "")
	}()
	for {
		select {
		case frame, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump pulls inbound frames and dispatches them until the connection
// drops, then triggers session cleanup.
func (s *session) readPump() {
	defer s.gateway.dropSession(s)
	s.conn.SetReadLimit(1 << 20)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logrus.Debugf("[gateway] session %s read error: %v", s.id, err)
			}
			return
		}
		if !s.limiter.Allow() {
			s.reply(errorFrame("", string(oasis.KindUnavailable), "message rate limit exceeded"))
			continue
		}
		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.reply(errorFrame("", string(oasis.KindInvalidInput), "malformed JSON frame"))
			continue
		}
		s.gateway.dispatch(s, &frame)
	}
}
