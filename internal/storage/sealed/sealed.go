// Package sealed encrypts every value of an inner storage.Storage at rest.
//
// A random salt is kept in the clear under SaltKey; the master key is derived from
// the device passphrase with Argon2id and each record gets its own HKDF subkey.
// The record key doubles as associated data so values cannot be swapped between keys.
package sealed

import (
	"context"
	"errors"
	"fmt"

	"github.com/and161185/fieldsync/internal/crypto/sealbox"
	"github.com/and161185/fieldsync/internal/errs"
	"github.com/and161185/fieldsync/internal/storage"
)

const (
	// SaltKey holds the Argon2 salt for this storage.
	SaltKey = "sealbox:salt"
	// CheckKey holds a sealed marker used to verify the passphrase on open.
	CheckKey = "sealbox:check"

	checkMarker = "fieldsync"
)

// ErrWrongPassphrase is returned by New when the passphrase does not open CheckKey.
var ErrWrongPassphrase = errors.New("sealed: wrong passphrase")

// Storage wraps an inner storage with authenticated encryption.
type Storage struct {
	inner  storage.Storage
	master []byte
}

// New derives the master key and verifies it against the stored marker,
// initialising salt and marker on first use.
func New(ctx context.Context, inner storage.Storage, passphrase string) (*Storage, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("sealed: empty passphrase: %w", errs.ErrValidation)
	}

	salt, err := inner.Load(ctx, SaltKey)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		salt, err = sealbox.Rand(sealbox.SaltLen)
		if err != nil {
			return nil, fmt.Errorf("sealed: salt: %w", err)
		}
		if err := inner.Save(ctx, SaltKey, salt); err != nil {
			return nil, fmt.Errorf("sealed: save salt: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("sealed: load salt: %w", err)
	}

	s := &Storage{inner: inner, master: sealbox.DeriveMasterKey([]byte(passphrase), salt)}

	marker, err := s.Load(ctx, CheckKey)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		if err := s.Save(ctx, CheckKey, []byte(checkMarker)); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, ErrWrongPassphrase
	case string(marker) != checkMarker:
		return nil, ErrWrongPassphrase
	}
	return s, nil
}

// Load opens the value under key. Tampered or foreign ciphertext yields an error.
func (s *Storage) Load(ctx context.Context, key string) ([]byte, error) {
	blob, err := s.inner.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	k, err := sealbox.DeriveRecordKey(s.master, []byte(key))
	if err != nil {
		return nil, err
	}
	pt, err := sealbox.Open(k, []byte(key), blob)
	if err != nil {
		return nil, fmt.Errorf("sealed: open %q: %w", key, err)
	}
	return pt, nil
}

// Save seals value and stores it in the inner storage.
func (s *Storage) Save(ctx context.Context, key string, value []byte) error {
	k, err := sealbox.DeriveRecordKey(s.master, []byte(key))
	if err != nil {
		return err
	}
	blob, err := sealbox.Seal(k, []byte(key), value)
	if err != nil {
		return fmt.Errorf("sealed: seal %q: %w", key, err)
	}
	return s.inner.Save(ctx, key, blob)
}
