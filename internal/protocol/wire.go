// Package protocol defines the gateway's wire types: the handshake
// messages and the relay envelope described in the gateway's external
// interface. Types here are pure data — encoding/json tags only, no
// behavior — so the auth and relay packages can depend on them without
// pulling in socket or registry concerns.
package protocol

import "encoding/json"

// MsgType values used in the "type" field of handshake frames.
const (
	MsgTypeAuthChallenge   = "auth_challenge"
	MsgTypeAuthResponse    = "auth_response"
	MsgTypeAuthOK          = "auth_ok"
	MsgTypePairingRequest  = "pairing_request"
	MsgTypePairingResponse = "pairing_response"
)

// Auth modes a client may request in AuthResponse.AuthMode.
const (
	AuthModeDesktopClaim = "desktop_claim"
	AuthModeDesktop      = "desktop"
	AuthModeDevice       = "device"
)

// Roles a session may authenticate as.
const (
	RoleDesktop = "desktop"
	RoleDevice  = "device"
)

// AuthChallenge is sent by the gateway immediately on accept.
type AuthChallenge struct {
	Type             string `json:"type"`
	Nonce            string `json:"nonce"`
	GatewayPublicKey string `json:"gateway_public_key"`
	Claimed          bool   `json:"claimed"`
}

// NewAuthChallenge builds a challenge frame.
func NewAuthChallenge(nonce, gatewayPublicKey string, claimed bool) AuthChallenge {
	return AuthChallenge{
		Type:             MsgTypeAuthChallenge,
		Nonce:            nonce,
		GatewayPublicKey: gatewayPublicKey,
		Claimed:          claimed,
	}
}

// Attestation carries the desktop-signed device attestation blob. Blob is
// the exact JSON text the desktop signed, transported as a JSON string —
// decoding it into this struct does not re-encode or reformat it, so
// []byte(Blob) is still the exact signed byte sequence.
type Attestation struct {
	Blob             string `json:"blob"`
	DesktopSignature string `json:"desktop_signature"`
}

// AuthResponse is the client's answer to an AuthChallenge.
type AuthResponse struct {
	Type            string       `json:"type"`
	AuthMode        string       `json:"auth_mode"`
	NonceSignature  string       `json:"nonce_signature"`
	DevicePublicKey string       `json:"device_public_key,omitempty"`
	Attestation     *Attestation `json:"attestation,omitempty"`
}

// AuthOK is sent on successful authentication.
type AuthOK struct {
	Type     string `json:"type"`
	Role     string `json:"role"`
	DeviceID string `json:"device_id"`
}

// NewAuthOK builds a success frame.
func NewAuthOK(role, deviceID string) AuthOK {
	return AuthOK{Type: MsgTypeAuthOK, Role: role, DeviceID: deviceID}
}

// AttestationBlob is the parsed form of Attestation.Blob.
type AttestationBlob struct {
	DeviceID        string `json:"device_id"`
	DevicePublicKey string `json:"device_public_key"`
	ExpiresAt       string `json:"expires_at,omitempty"`
}

// InboundEnvelope is a relay frame as sent by an authenticated socket.
// Payload is kept as raw JSON so the relay never has to re-encode (and
// thus never risks reordering or reformatting) the application payload.
type InboundEnvelope struct {
	Type           string          `json:"type,omitempty"`
	TargetDeviceID string          `json:"target_device_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// OutboundEnvelope is a relay frame as delivered to a recipient. Fields
// mirror InboundEnvelope but SenderDeviceID replaces TargetDeviceID and is
// always set by the gateway from the authenticated session, never from
// client input.
type OutboundEnvelope struct {
	SenderDeviceID string          `json:"sender_device_id"`
	Payload        json.RawMessage `json:"payload"`
}

// PairingRequest is forwarded unchanged (plus sender_device_id) from a
// pairing socket to the desktop.
type PairingRequest struct {
	Type            string `json:"type"`
	PairingCode     string `json:"pairing_code"`
	DevicePublicKey string `json:"device_public_key"`
	DeviceID        string `json:"device_id"`
	NonceSignature  string `json:"nonce_signature"`
	SenderDeviceID  string `json:"sender_device_id,omitempty"`
}

// PairingResponse is sent by the desktop back through the gateway to the
// device that is waiting to be paired.
type PairingResponse struct {
	Type           string          `json:"type"`
	Status         string          `json:"status"`
	Attestation    json.RawMessage `json:"attestation,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	TargetDeviceID string          `json:"target_device_id,omitempty"`
	SenderDeviceID string          `json:"sender_device_id,omitempty"`
}

// PairingStatus values.
const (
	PairingStatusApproved = "approved"
	PairingStatusRejected = "rejected"
)

// ReasonDesktopOffline is used when the gateway itself synthesizes a
// rejection because no desktop session is connected to forward to.
const ReasonDesktopOffline = "desktop_offline"
