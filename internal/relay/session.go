package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/meshcall/internal/protocol"
	"github.com/1ureka/meshcall/internal/util"
)

// session is one websocket connection. userID is empty until the session
// authenticates.
type session struct {
	id   string
	conn *websocket.Conn
	hub  *hub
	send chan []byte

	mu     sync.Mutex
	userID string
	closed bool
}

func newSession(id string, conn *websocket.Conn, h *hub) *session {
	return &session{
		id:   id,
		conn: conn,
		hub:  h,
		send: make(chan []byte, h.opts.SendBuffer),
	}
}

func (s *session) user() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *session) setUser(id string) {
	s.mu.Lock()
	s.userID = id
	s.mu.Unlock()
}

// enqueue hands a frame to the write pump. A full buffer means the client
// is too slow; it is disconnected.
func (s *session) enqueue(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.send <- frame:
	default:
		s.hub.log.Warn("send buffer full for %s, dropping client", s.id)
		s.closed = true
		close(s.send)
	}
}

func (s *session) emit(event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		s.hub.log.Error("encode %s: %v", event, err)
		return
	}
	s.enqueue(frame)
}

func (s *session) fail(event, msg string) {
	s.emit(protocol.EventError, protocol.ErrorPayload{Message: msg, Event: event})
}

func (s *session) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

func (s *session) readPump() {
	defer func() {
		s.hub.unbind(s)
		s.shutdown()
		s.conn.Close()
	}()

	pongWait := 2 * s.hub.opts.PingInterval
	s.conn.SetReadLimit(readLimit)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				s.hub.log.Debug("read %s: %v", s.id, err)
			}
			return
		}
		util.Stats.AddRecv()
		env, err := protocol.Decode(data)
		if err != nil {
			s.hub.log.Warn("bad frame from %s: %v", s.id, err)
			continue
		}
		s.hub.handle(s, env)
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(s.hub.opts.PingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	timeout := s.hub.opts.WriteTimeout
	for {
		select {
		case frame, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(timeout))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
			util.Stats.AddSent()
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(timeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// decode unmarshals data into v, reporting failure to the client.
func (s *session) decode(event string, data json.RawMessage, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		s.fail(event, "invalid payload")
		return false
	}
	return true
}
