package auth

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michelhabib/phbgateway/internal/cryptographic/signature"
	"github.com/michelhabib/phbgateway/internal/protocol"
	"github.com/michelhabib/phbgateway/internal/statestore"
)

func newTestMachine(t *testing.T) *Machine {
	t.Helper()
	store, err := statestore.LoadOrInit(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	return NewMachine(store)
}

func claimDesktop(t *testing.T, m *Machine, kp signature.Keypair) {
	t.Helper()
	ch := m.Challenge(mustNonce(t))
	nonce, err := signature.DecodeNonce(ch.Nonce)
	require.NoError(t, err)
	resp := protocol.AuthResponse{
		AuthMode:        protocol.AuthModeDesktopClaim,
		DevicePublicKey: signature.EncodeKey(kp.Public),
		NonceSignature:  signature.EncodeKey(signature.Sign(kp.Private, nonce)),
	}
	_, err = m.Authenticate(resp, ch.Nonce, "desk-1")
	require.NoError(t, err)
}

func mustNonce(t *testing.T) string {
	t.Helper()
	n, err := signature.RandomNonce()
	require.NoError(t, err)
	return n
}

func TestDesktopClaimSucceedsOnce(t *testing.T) {
	m := newTestMachine(t)
	kp, err := signature.GenerateIdentity()
	require.NoError(t, err)
	claimDesktop(t, m, kp)
	require.True(t, m.Store.IsClaimed())
}

func TestDesktopClaimRejectedWhenAlreadyClaimed(t *testing.T) {
	m := newTestMachine(t)
	kp, err := signature.GenerateIdentity()
	require.NoError(t, err)
	claimDesktop(t, m, kp)

	other, err := signature.GenerateIdentity()
	require.NoError(t, err)
	nonceHex := mustNonce(t)
	nonce, err := signature.DecodeNonce(nonceHex)
	require.NoError(t, err)
	resp := protocol.AuthResponse{
		AuthMode:        protocol.AuthModeDesktopClaim,
		DevicePublicKey: signature.EncodeKey(other.Public),
		NonceSignature:  signature.EncodeKey(signature.Sign(other.Private, nonce)),
	}
	_, err = m.Authenticate(resp, nonceHex, "desk-2")
	require.Error(t, err)
	var hsErr *HandshakeError
	require.True(t, errors.As(err, &hsErr))
	require.Equal(t, CloseAlreadyClaimed, hsErr.Code)
	require.Equal(t, ReasonAlreadyClaimed, hsErr.Reason)
}

func TestDesktopClaimRejectedEvenWithSameKey(t *testing.T) {
	m := newTestMachine(t)
	kp, err := signature.GenerateIdentity()
	require.NoError(t, err)
	claimDesktop(t, m, kp)

	nonceHex := mustNonce(t)
	nonce, err := signature.DecodeNonce(nonceHex)
	require.NoError(t, err)
	resp := protocol.AuthResponse{
		AuthMode:        protocol.AuthModeDesktopClaim,
		DevicePublicKey: signature.EncodeKey(kp.Public),
		NonceSignature:  signature.EncodeKey(signature.Sign(kp.Private, nonce)),
	}
	_, err = m.Authenticate(resp, nonceHex, "desk-1")
	require.Error(t, err)
	var hsErr *HandshakeError
	require.True(t, errors.As(err, &hsErr))
	require.Equal(t, CloseAlreadyClaimed, hsErr.Code)
}

func TestDeviceAuthAcceptsValidAttestation(t *testing.T) {
	m := newTestMachine(t)
	desktop, err := signature.GenerateIdentity()
	require.NoError(t, err)
	claimDesktop(t, m, desktop)

	device, err := signature.GenerateIdentity()
	require.NoError(t, err)
	blob := protocol.AttestationBlob{
		DeviceID:        "phone-1",
		DevicePublicKey: signature.EncodeKey(device.Public),
		ExpiresAt:       "2099-01-01T00:00:00Z",
	}
	blobBytes, err := json.Marshal(blob)
	require.NoError(t, err)

	nonceHex := mustNonce(t)
	nonce, err := signature.DecodeNonce(nonceHex)
	require.NoError(t, err)

	resp := protocol.AuthResponse{
		AuthMode:       protocol.AuthModeDevice,
		NonceSignature: signature.EncodeKey(signature.Sign(device.Private, nonce)),
		Attestation: &protocol.Attestation{
			Blob:             string(blobBytes),
			DesktopSignature: signature.EncodeKey(signature.Sign(desktop.Private, blobBytes)),
		},
	}
	decision, err := m.Authenticate(resp, nonceHex, "phone-1")
	require.NoError(t, err)
	require.Equal(t, "device", string(decision.Role))
	require.Equal(t, "phone-1", decision.DeviceID)
}

func TestDeviceAuthRejectsExpiredAttestation(t *testing.T) {
	m := newTestMachine(t)
	desktop, err := signature.GenerateIdentity()
	require.NoError(t, err)
	claimDesktop(t, m, desktop)

	device, err := signature.GenerateIdentity()
	require.NoError(t, err)
	blob := protocol.AttestationBlob{
		DeviceID:        "phone-1",
		DevicePublicKey: signature.EncodeKey(device.Public),
		ExpiresAt:       "2000-01-01T00:00:00Z",
	}
	blobBytes, err := json.Marshal(blob)
	require.NoError(t, err)

	nonceHex := mustNonce(t)
	nonce, err := signature.DecodeNonce(nonceHex)
	require.NoError(t, err)

	resp := protocol.AuthResponse{
		AuthMode:       protocol.AuthModeDevice,
		NonceSignature: signature.EncodeKey(signature.Sign(device.Private, nonce)),
		Attestation: &protocol.Attestation{
			Blob:             string(blobBytes),
			DesktopSignature: signature.EncodeKey(signature.Sign(desktop.Private, blobBytes)),
		},
	}
	_, err = m.Authenticate(resp, nonceHex, "phone-1")
	require.Error(t, err)
	var hsErr *HandshakeError
	require.True(t, errors.As(err, &hsErr))
	require.Equal(t, ReasonAttestationExpired, hsErr.Reason)
}

func TestDeviceAuthRejectsDeviceIDMismatch(t *testing.T) {
	m := newTestMachine(t)
	desktop, err := signature.GenerateIdentity()
	require.NoError(t, err)
	claimDesktop(t, m, desktop)

	device, err := signature.GenerateIdentity()
	require.NoError(t, err)
	blob := protocol.AttestationBlob{
		DeviceID:        "phone-1",
		DevicePublicKey: signature.EncodeKey(device.Public),
	}
	blobBytes, err := json.Marshal(blob)
	require.NoError(t, err)

	nonceHex := mustNonce(t)
	nonce, err := signature.DecodeNonce(nonceHex)
	require.NoError(t, err)

	resp := protocol.AuthResponse{
		AuthMode:       protocol.AuthModeDevice,
		NonceSignature: signature.EncodeKey(signature.Sign(device.Private, nonce)),
		Attestation: &protocol.Attestation{
			Blob:             string(blobBytes),
			DesktopSignature: signature.EncodeKey(signature.Sign(desktop.Private, blobBytes)),
		},
	}
	// connection claims to be "phone-2" but the attestation says "phone-1".
	_, err = m.Authenticate(resp, nonceHex, "phone-2")
	require.Error(t, err)
}

func TestDeviceAuthRejectsForgedAttestation(t *testing.T) {
	m := newTestMachine(t)
	desktop, err := signature.GenerateIdentity()
	require.NoError(t, err)
	claimDesktop(t, m, desktop)

	device, err := signature.GenerateIdentity()
	require.NoError(t, err)
	attacker, err := signature.GenerateIdentity()
	require.NoError(t, err)

	blob := protocol.AttestationBlob{
		DeviceID:        "phone-1",
		DevicePublicKey: signature.EncodeKey(device.Public),
	}
	blobBytes, err := json.Marshal(blob)
	require.NoError(t, err)

	nonceHex := mustNonce(t)
	nonce, err := signature.DecodeNonce(nonceHex)
	require.NoError(t, err)

	resp := protocol.AuthResponse{
		AuthMode:       protocol.AuthModeDevice,
		NonceSignature: signature.EncodeKey(signature.Sign(device.Private, nonce)),
		Attestation: &protocol.Attestation{
			Blob:             string(blobBytes),
			DesktopSignature: signature.EncodeKey(signature.Sign(attacker.Private, blobBytes)),
		},
	}
	_, err = m.Authenticate(resp, nonceHex, "phone-1")
	require.Error(t, err)
}

func TestDeviceAuthRejectedBeforeDesktopClaimed(t *testing.T) {
	m := newTestMachine(t)
	device, err := signature.GenerateIdentity()
	require.NoError(t, err)
	nonceHex := mustNonce(t)
	nonce, err := signature.DecodeNonce(nonceHex)
	require.NoError(t, err)

	resp := protocol.AuthResponse{
		AuthMode:       protocol.AuthModeDevice,
		NonceSignature: signature.EncodeKey(signature.Sign(device.Private, nonce)),
		Attestation:    &protocol.Attestation{Blob: "{}", DesktopSignature: "x"},
	}
	_, err = m.Authenticate(resp, nonceHex, "phone-1")
	require.Error(t, err)
}

func TestDesktopReauthAcceptsValidSignature(t *testing.T) {
	m := newTestMachine(t)
	desktop, err := signature.GenerateIdentity()
	require.NoError(t, err)
	claimDesktop(t, m, desktop)

	nonceHex := mustNonce(t)
	nonce, err := signature.DecodeNonce(nonceHex)
	require.NoError(t, err)
	resp := protocol.AuthResponse{
		AuthMode:       protocol.AuthModeDesktop,
		NonceSignature: signature.EncodeKey(signature.Sign(desktop.Private, nonce)),
	}
	decision, err := m.Authenticate(resp, nonceHex, "desk-1")
	require.NoError(t, err)
	require.Equal(t, "desktop", string(decision.Role))
}

// a fixed clock lets the expiry check be exercised without relying on the
// attestation's literal timestamp being in the past relative to wall time.
func TestMachineUsesInjectedClockForExpiry(t *testing.T) {
	m := newTestMachine(t)
	desktop, err := signature.GenerateIdentity()
	require.NoError(t, err)
	claimDesktop(t, m, desktop)

	device, err := signature.GenerateIdentity()
	require.NoError(t, err)
	blob := protocol.AttestationBlob{
		DeviceID:        "phone-1",
		DevicePublicKey: signature.EncodeKey(device.Public),
		ExpiresAt:       "2030-06-01T00:00:00Z",
	}
	blobBytes, err := json.Marshal(blob)
	require.NoError(t, err)

	nonceHex := mustNonce(t)
	nonce, err := signature.DecodeNonce(nonceHex)
	require.NoError(t, err)

	resp := protocol.AuthResponse{
		AuthMode:       protocol.AuthModeDevice,
		NonceSignature: signature.EncodeKey(signature.Sign(device.Private, nonce)),
		Attestation: &protocol.Attestation{
			Blob:             string(blobBytes),
			DesktopSignature: signature.EncodeKey(signature.Sign(desktop.Private, blobBytes)),
		},
	}

	m.Now = func() time.Time { return time.Date(2031, 1, 1, 0, 0, 0, 0, time.UTC) }
	_, err = m.Authenticate(resp, nonceHex, "phone-1")
	require.Error(t, err)
	var hsErr *HandshakeError
	require.True(t, errors.As(err, &hsErr))
	require.Equal(t, ReasonAttestationExpired, hsErr.Reason)
}
