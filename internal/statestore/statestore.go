// Package statestore persists the gateway's Ed25519 identity and the
// desktop binding to a state directory. Writes are atomic with respect to
// crashes: a temp file is written, fsynced, and renamed over the target, so
// a reader never observes a partially written file.
package statestore

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/michelhabib/phbgateway/internal/cryptographic/signature"
	"go.uber.org/zap"
)

const (
	identityFileName = "gateway.key"
	desktopFileName  = "desktop.pub"

	identityFileMode = 0o600
	desktopFileMode  = 0o644
	dirMode          = 0o700
)

// ErrAlreadyClaimed is returned by BindDesktop when a desktop public key is
// already bound. The gateway must not be re-claimed without deleting the
// state directory.
var ErrAlreadyClaimed = errors.New("statestore: gateway already claimed")

// Store is the on-disk gateway identity and desktop binding.
type Store struct {
	dir string
	log *zap.Logger

	mu       sync.RWMutex
	identity signature.Keypair
	desktop  ed25519.PublicKey // nil until claimed
}

// Info summarizes store state for diagnostics (e.g. a future `status`
// subcommand).
type Info struct {
	Dir           string
	GatewayPublic string
	Claimed       bool
}

// LoadOrInit opens dir, creating a fresh Ed25519 identity (and the
// directory itself) if none exists yet. Idempotent: calling it twice in a
// row, or across process restarts, returns the same gateway public key.
func LoadOrInit(dir string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("statestore: create state dir: %w", err)
	}

	s := &Store{dir: dir, log: log}

	identityPath := filepath.Join(dir, identityFileName)
	priv, err := readPrivateKey(identityPath)
	switch {
	case err == nil:
		s.identity = signature.Keypair{Public: priv.Public().(ed25519.PublicKey), Private: priv}
	case errors.Is(err, os.ErrNotExist):
		kp, genErr := signature.GenerateIdentity()
		if genErr != nil {
			return nil, fmt.Errorf("statestore: generate identity: %w", genErr)
		}
		if writeErr := atomicWriteFile(identityPath, []byte(signature.EncodeKey(kp.Private)), identityFileMode); writeErr != nil {
			return nil, fmt.Errorf("statestore: persist identity: %w", writeErr)
		}
		s.identity = kp
		log.Info("generated new gateway identity", zap.String("state_dir", dir))
	default:
		return nil, fmt.Errorf("statestore: read identity: %w", err)
	}

	desktopPath := filepath.Join(dir, desktopFileName)
	pub, err := readPublicKey(desktopPath)
	switch {
	case err == nil:
		s.desktop = pub
	case errors.Is(err, os.ErrNotExist):
		// not claimed yet
	default:
		return nil, fmt.Errorf("statestore: read desktop binding: %w", err)
	}

	return s, nil
}

// IdentityPublicKey returns the gateway's own public key.
func (s *Store) IdentityPublicKey() ed25519.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity.Public
}

// IdentityPrivateKey returns the gateway's own private key, used to sign
// nothing in v1 (the gateway authenticates peers, not itself) but kept
// alongside the public key for symmetry and future use (e.g. signed
// server-initiated control frames).
func (s *Store) IdentityPrivateKey() ed25519.PrivateKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity.Private
}

// IsClaimed reports whether a desktop has bound its key to this gateway.
func (s *Store) IsClaimed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.desktop != nil
}

// GetDesktopPublicKey returns the bound desktop key, or nil if unclaimed.
// The returned slice is a snapshot; callers never observe a half-written
// update because claim is copy-on-write under the lock.
func (s *Store) GetDesktopPublicKey() ed25519.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.desktop
}

// BindDesktop claims the gateway for pub. It fails with ErrAlreadyClaimed
// if a desktop key is already bound — even if pub is identical to the one
// already bound. Re-claiming requires deleting the state directory.
func (s *Store) BindDesktop(pub ed25519.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.desktop != nil {
		return ErrAlreadyClaimed
	}

	path := filepath.Join(s.dir, desktopFileName)
	if err := atomicWriteFile(path, []byte(signature.EncodeKey(pub)), desktopFileMode); err != nil {
		return fmt.Errorf("statestore: persist desktop binding: %w", err)
	}
	s.desktop = pub
	s.log.Info("gateway claimed by desktop", zap.Time("claimed_at", time.Now().UTC()))
	return nil
}

// Stat returns a diagnostic snapshot of the store.
func (s *Store) Stat() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		Dir:           s.dir,
		GatewayPublic: signature.EncodeKey(s.identity.Public),
		Claimed:       s.desktop != nil,
	}
}

func readPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return signature.DecodePrivateKey(string(data))
}

func readPublicKey(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return signature.DecodePublicKey(string(data))
}

// atomicWriteFile writes data to a temp sibling of path, fsyncs it, then
// renames it over path. A crash at any point leaves the target as either
// the old file or the complete new one — never half-written; a crash
// before the rename can leave a stray temp file beside it.
func atomicWriteFile(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
