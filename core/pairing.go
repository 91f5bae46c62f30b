package core

import (
	"context"
	"errors"
)

// PairedBeforeKey is the store key of the "completed pairing" flag.
const PairedBeforeKey = "paired_before"

// SessionState holds the persisted pairing flag.
type SessionState struct {
	store    KVStore
	required PairingPredicate
}

// NewSessionState constructs pairing state over store. A nil predicate means
// pairing is never required.
func NewSessionState(store KVStore, required PairingPredicate) (*SessionState, error) {
	if store == nil {
		return nil, errors.New("state store is required")
	}
	if required == nil {
		required = func() bool { return false }
	}
	return &SessionState{store: store, required: required}, nil
}

// NeedsPairing reports whether the platform requires pairing and it has not
// been completed before. Store errors are returned unchanged.
func (s *SessionState) NeedsPairing(ctx context.Context) (bool, error) {
	if !s.required() {
		return false, nil
	}
	paired, err := s.store.GetBool(ctx, PairedBeforeKey)
	if err != nil {
		return false, err
	}
	return !paired, nil
}

// SetPairedBefore persists the pairing flag. Store errors are returned
// unchanged.
func (s *SessionState) SetPairedBefore(ctx context.Context, value bool) error {
	return s.store.SetBool(ctx, PairedBeforeKey, value)
}
