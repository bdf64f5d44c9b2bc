// Package session holds the in-memory record of a live, authenticated
// WebSocket connection and the process-wide registry keyed by device_id.
package session

import (
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Role identifies the authenticated principal kind.
type Role string

const (
	RoleDesktop Role = "desktop"
	RoleDevice  Role = "device"
)

const outboundQueueSize = 32

// Session is a live, authenticated socket. All outbound frames for a
// session are serialized through a single writer goroutine draining
// outbound — callers never write to conn directly, so FIFO delivery to a
// given receiver holds regardless of how many goroutines call Send
// concurrently.
type Session struct {
	ID              string
	DeviceID        string
	Role            Role
	DevicePublicKey ed25519.PublicKey // nil for role == RoleDesktop
	CreatedAt       time.Time

	conn   *websocket.Conn
	log    *zap.Logger
	send   chan []byte
	closer chan closeRequest
	done   chan struct{}
	once   sync.Once
}

type closeRequest struct {
	code   int
	reason string
}

// New wraps conn as a Session and starts its writer pump. Callers must call
// Close when the session is torn down, including when Registry.Register
// returns it as displaced (the registry itself never closes sessions).
func New(conn *websocket.Conn, deviceID string, role Role, devicePub ed25519.PublicKey, log *zap.Logger) *Session {
	s := &Session{
		ID:              uuid.NewString(),
		DeviceID:        deviceID,
		Role:            role,
		DevicePublicKey: devicePub,
		CreatedAt:       time.Now().UTC(),
		conn:            conn,
		log:             log,
		send:            make(chan []byte, outboundQueueSize),
		closer:          make(chan closeRequest, 1),
		done:            make(chan struct{}),
	}
	go s.writePump()
	return s
}

// Conn exposes the underlying connection for the read loop, which is the
// only other goroutine allowed to touch the socket (for reads only).
func (s *Session) Conn() *websocket.Conn {
	return s.conn
}

// Send enqueues a frame for delivery. It is fire-and-forget: if the
// session is closed or its queue is full, the frame is dropped (a full
// queue is logged at WARN), matching the gateway's best-effort delivery
// contract.
func (s *Session) Send(data []byte) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.send <- data:
	default:
		s.log.Warn("dropping frame, outbound queue full", zap.String("device_id", s.DeviceID))
	}
}

// Close requests a close handshake with the given WebSocket close code and
// reason, then tears down the writer pump and socket. Safe to call more
// than once and from multiple goroutines; only the first call has effect.
func (s *Session) Close(code int, reason string) {
	s.once.Do(func() {
		close(s.done)
		s.closer <- closeRequest{code: code, reason: reason}
		close(s.closer)
	})
}

// Done returns a channel closed once the session has begun shutting down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ForceClose immediately closes the underlying socket without attempting a
// graceful close handshake. Used by the listener once the shutdown grace
// period has elapsed for sessions that did not drain in time.
func (s *Session) ForceClose() {
	_ = s.conn.Close()
}

func (s *Session) writePump() {
	defer s.conn.Close()
	for {
		select {
		case req, ok := <-s.closer:
			if ok {
				deadline := time.Now().Add(5 * time.Second)
				msg := websocket.FormatCloseMessage(req.code, req.reason)
				_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
			}
			return
		case data := <-s.send:
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Debug("write failed, closing session", zap.String("device_id", s.DeviceID), zap.Error(err))
				return
			}
		}
	}
}
