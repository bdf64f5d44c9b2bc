// Package auth implements the per-connection authentication state
// machine: nonce challenge, claim-on-first-use of the desktop, and device
// attestation verification.
package auth

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/michelhabib/phbgateway/internal/cryptographic/signature"
	"github.com/michelhabib/phbgateway/internal/protocol"
	"github.com/michelhabib/phbgateway/internal/session"
	"github.com/michelhabib/phbgateway/internal/statestore"
)

// HandshakeTimeout bounds the time between sending the challenge and
// receiving a valid AuthResponse.
const HandshakeTimeout = 20 * time.Second

// Decision is the outcome of a successful handshake.
type Decision struct {
	Role            session.Role
	DeviceID        string
	DevicePublicKey ed25519.PublicKey
}

// Clock abstracts time.Now so expiry checks are testable without sleeping.
type Clock func() time.Time

// Machine runs the handshake for one connection against the shared state
// store. It holds no per-connection state itself — Authenticate is called
// once per connection with that connection's nonce and device_id.
type Machine struct {
	Store *statestore.Store
	Now   Clock
}

// NewMachine builds a Machine backed by store, using the real clock.
func NewMachine(store *statestore.Store) *Machine {
	return &Machine{Store: store, Now: time.Now}
}

// Challenge builds the AuthChallenge frame to send on connection accept.
func (m *Machine) Challenge(nonceHex string) protocol.AuthChallenge {
	gatewayPub := signature.EncodeKey(m.Store.IdentityPublicKey())
	return protocol.NewAuthChallenge(nonceHex, gatewayPub, m.Store.IsClaimed())
}

// Authenticate dispatches resp against nonceHex and the connection's
// claimed device_id, per auth_mode. It never looks up the nonce by value:
// the caller holds the one nonce it issued for this socket and passes it
// in directly.
func (m *Machine) Authenticate(resp protocol.AuthResponse, nonceHex, deviceID string) (Decision, error) {
	nonce, err := signature.DecodeNonce(nonceHex)
	if err != nil {
		// Programmer error: nonceHex came from our own RandomNonce.
		return Decision{}, authFailed(ReasonAuthFailed, err)
	}

	switch resp.AuthMode {
	case protocol.AuthModeDesktopClaim:
		return m.handleDesktopClaim(resp, nonce, deviceID)
	case protocol.AuthModeDesktop:
		return m.handleDesktopAuth(resp, nonce, deviceID)
	case protocol.AuthModeDevice:
		return m.handleDeviceAuth(resp, nonce, deviceID)
	default:
		return Decision{}, authFailed(ReasonAuthFailed, fmt.Errorf("unknown auth_mode %q", resp.AuthMode))
	}
}

func (m *Machine) handleDesktopClaim(resp protocol.AuthResponse, nonce []byte, deviceID string) (Decision, error) {
	if m.Store.IsClaimed() {
		return Decision{}, fail(CloseAlreadyClaimed, ReasonAlreadyClaimed, ErrClaim)
	}

	pub, err := signature.DecodePublicKey(resp.DevicePublicKey)
	if err != nil {
		return Decision{}, authFailed(ReasonAuthFailed, err)
	}
	sig := signature.DecodeSignature(resp.NonceSignature)
	if !signature.Verify(pub, nonce, sig) {
		return Decision{}, authFailed(ReasonAuthFailed, errors.New("desktop claim signature invalid"))
	}

	if err := m.Store.BindDesktop(pub); err != nil {
		if errors.Is(err, statestore.ErrAlreadyClaimed) {
			// Lost a race with a concurrent claim between the IsClaimed
			// check above and BindDesktop.
			return Decision{}, fail(CloseAlreadyClaimed, ReasonAlreadyClaimed, ErrClaim)
		}
		return Decision{}, authFailed(ReasonAuthFailed, err)
	}

	return Decision{Role: session.RoleDesktop, DeviceID: deviceID}, nil
}

func (m *Machine) handleDesktopAuth(resp protocol.AuthResponse, nonce []byte, deviceID string) (Decision, error) {
	desktopPub := m.Store.GetDesktopPublicKey()
	if desktopPub == nil {
		return Decision{}, authFailed(ReasonAuthFailed, errors.New("gateway not claimed by desktop yet"))
	}

	sig := signature.DecodeSignature(resp.NonceSignature)
	if !signature.Verify(desktopPub, nonce, sig) {
		return Decision{}, authFailed(ReasonAuthFailed, errors.New("desktop signature invalid"))
	}

	return Decision{Role: session.RoleDesktop, DeviceID: deviceID}, nil
}

func (m *Machine) handleDeviceAuth(resp protocol.AuthResponse, nonce []byte, deviceID string) (Decision, error) {
	desktopPub := m.Store.GetDesktopPublicKey()
	if desktopPub == nil {
		return Decision{}, authFailed(ReasonAuthFailed, errors.New("gateway not claimed by desktop yet"))
	}
	if resp.Attestation == nil {
		return Decision{}, authFailed(ReasonAuthFailed, errors.New("device auth requires an attestation"))
	}

	blobBytes := []byte(resp.Attestation.Blob)
	desktopSig := signature.DecodeSignature(resp.Attestation.DesktopSignature)
	if !signature.Verify(desktopPub, blobBytes, desktopSig) {
		return Decision{}, authFailed(ReasonAuthFailed, errors.New("attestation signature invalid"))
	}

	var blob protocol.AttestationBlob
	if err := json.Unmarshal(blobBytes, &blob); err != nil {
		return Decision{}, authFailed(ReasonAuthFailed, fmt.Errorf("attestation blob is not valid JSON: %w", err))
	}
	if blob.DeviceID != deviceID {
		return Decision{}, authFailed(ReasonAuthFailed, fmt.Errorf("attestation device_id %q does not match connection device_id %q", blob.DeviceID, deviceID))
	}

	if blob.ExpiresAt != "" {
		expiry, err := time.Parse(time.RFC3339, blob.ExpiresAt)
		if err != nil {
			return Decision{}, authFailed(ReasonAuthFailed, fmt.Errorf("attestation expires_at invalid: %w", err))
		}
		if !m.now().Before(expiry.UTC()) {
			return Decision{}, fail(CloseAuthFailed, ReasonAttestationExpired, ErrAuth)
		}
	}

	devicePub, err := signature.DecodePublicKey(blob.DevicePublicKey)
	if err != nil {
		return Decision{}, authFailed(ReasonAuthFailed, fmt.Errorf("attestation device_public_key invalid: %w", err))
	}
	nonceSig := signature.DecodeSignature(resp.NonceSignature)
	if !signature.Verify(devicePub, nonce, nonceSig) {
		return Decision{}, authFailed(ReasonAuthFailed, errors.New("device nonce signature invalid"))
	}

	return Decision{Role: session.RoleDevice, DeviceID: deviceID, DevicePublicKey: devicePub}, nil
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}
