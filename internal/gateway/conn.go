package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/michelhabib/phbgateway/internal/auth"
	"github.com/michelhabib/phbgateway/internal/cryptographic/signature"
	"github.com/michelhabib/phbgateway/internal/protocol"
	"github.com/michelhabib/phbgateway/internal/session"
)

// handleWS upgrades the request and drives one connection through the
// handshake state machine before handing it to the relay engine. Each
// connection gets its own goroutine via the HTTP server; a panic in the
// handler is caught by the chi Recoverer middleware upstream, but we also
// recover locally so one misbehaving connection never takes the listener
// down via a logged stack trace instead of a 500.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(int64(maxFrameBytes))

	if deviceID == "" {
		s.log.Warn("connection missing device_id, closing", zap.Int("close_code", auth.CloseMissingDeviceID))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(auth.CloseMissingDeviceID, auth.ReasonMissingDeviceID),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	log := s.log.With(zap.String("device_id", deviceID))
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("panic in connection handler, closing socket", zap.Any("recover", rec))
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "internal error"),
				time.Now().Add(time.Second))
			conn.Close()
		}
	}()

	decision, err := s.handshake(conn, deviceID, log)
	if err != nil {
		s.rejectHandshake(conn, err, log)
		return
	}

	sess := session.New(conn, deviceID, decision.Role, decision.DevicePublicKey, log)
	if displaced := s.registry.Register(sess); displaced != nil {
		log.Info("device_id reconnected, displacing prior session", zap.String("old_session_id", displaced.ID))
		displaced.Close(auth.CloseSuperseded, auth.ReasonSuperseded)
	}
	defer s.registry.Unregister(deviceID, sess.ID)

	ok := protocol.NewAuthOK(string(decision.Role), deviceID)
	data, _ := json.Marshal(ok)
	sess.Send(data)

	log.Info("session authenticated", zap.String("role", string(decision.Role)), zap.String("session_id", sess.ID))
	s.readLoop(sess, log)
}

// maxFrameBytes bounds an individual WebSocket message. Exceeding it makes
// gorilla/websocket send the peer a close frame with code 1009 and
// ReadMessage return websocket.ErrReadLimit, which readLoop treats like any
// other read failure: the loop ends and the session is torn down.
const maxFrameBytes = 256 * 1024

func (s *Server) handshake(conn *websocket.Conn, deviceID string, log *zap.Logger) (auth.Decision, error) {
	nonceHex, err := signature.RandomNonce()
	if err != nil {
		return auth.Decision{}, err
	}

	challenge := s.machine.Challenge(nonceHex)
	data, err := json.Marshal(challenge)
	if err != nil {
		return auth.Decision{}, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return auth.Decision{}, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(auth.HandshakeTimeout))
	_, raw, err := conn.ReadMessage()
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return auth.Decision{}, err
		}
		return auth.Decision{}, &auth.HandshakeError{Code: auth.CloseAuthFailed, Reason: auth.ReasonAuthTimeout, Err: err}
	}

	var resp protocol.AuthResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return auth.Decision{}, &auth.HandshakeError{Code: auth.CloseAuthFailed, Reason: auth.ReasonAuthFailed, Err: err}
	}

	return s.machine.Authenticate(resp, nonceHex, deviceID)
}

func (s *Server) rejectHandshake(conn *websocket.Conn, err error, log *zap.Logger) {
	var hsErr *auth.HandshakeError
	code, reason := auth.CloseAuthFailed, auth.ReasonAuthFailed
	if errors.As(err, &hsErr) {
		code, reason = hsErr.Code, hsErr.Reason
	}
	log.Warn("handshake rejected", zap.Int("close_code", code), zap.String("reason", reason), zap.Error(err))
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	conn.Close()
}

func (s *Server) readLoop(sess *session.Session, log *zap.Logger) {
	defer sess.Close(websocket.CloseNormalClosure, "connection closed")
	for {
		_, data, err := sess.Conn().ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("read loop ending", zap.Error(err))
			}
			return
		}
		s.relay.HandleFrame(sess, data)
	}
}
