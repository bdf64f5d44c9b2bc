package auth

import (
	"errors"

	"github.com/gorilla/websocket"
)

// Close codes used on the handshake path, per the gateway's wire protocol.
const (
	CloseMissingDeviceID = 4400
	CloseAuthFailed      = 4401
	CloseAlreadyClaimed  = 4403
	CloseSuperseded      = 4409
)

// Close reasons. Several map to CloseAuthFailed; the reason string is what
// distinguishes them for the client and in logs.
const (
	ReasonMissingDeviceID    = "missing_device_id"
	ReasonAuthFailed         = "auth_failed"
	ReasonAuthTimeout        = "auth_timeout"
	ReasonAttestationExpired = "attestation_expired"
	ReasonAlreadyClaimed     = "already_claimed"
	ReasonSuperseded         = "superseded"
)

// Error kinds named in the gateway's error handling design. They are
// sentinels, not exception classes: wrap with fmt.Errorf("...: %w", kind)
// and compare with errors.Is.
var (
	ErrProtocol = errors.New("protocol error")
	ErrAuth     = errors.New("auth error")
	ErrClaim    = errors.New("claim error")
)

// HandshakeError carries the WebSocket close code and reason that should
// be sent to the client when a handshake attempt fails.
type HandshakeError struct {
	Code   int
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *HandshakeError) Unwrap() error { return e.Err }

func fail(code int, reason string, cause error) *HandshakeError {
	return &HandshakeError{Code: code, Reason: reason, Err: cause}
}

func authFailed(reason string, cause error) *HandshakeError {
	return fail(CloseAuthFailed, reason, errors.Join(ErrAuth, cause))
}

// isNormalClosure reports whether err is just the peer going away, as
// opposed to a real protocol violation worth logging at WARN.
func isNormalClosure(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
