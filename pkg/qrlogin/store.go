package qrlogin

import (
	"context"
	"errors"
)

var ErrSessionNotFound = errors.New("session not found")

// SessionStore is concurrency-safe keyed storage for QR sessions. The
// conditional transitions (SetScanned, SetConfirmed, SetConsumed) are
// atomic: when N callers race on the same session, exactly one observes the
// required precondition and wins; the returned bool reports whether this
// call was the winner. A transition against an absent record or a record in
// the wrong state is a no-op returning false, never an error.
type SessionStore interface {
	Put(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	SetScanned(ctx context.Context, id string) (bool, error)
	// SetConfirmed attaches the identity claims and the callback URL in the
	// same step as the SCANNED->CONFIRMED transition, so a status poller can
	// never observe CONFIRMED without a URL and a race loser's URL is never
	// stored.
	SetConfirmed(ctx context.Context, id string, identity Identity, responseURL string) (bool, error)
	// SetResponseURL replaces the callback URL of a still-SCANNED session.
	SetResponseURL(ctx context.Context, id string, url string) error
	SetConsumed(ctx context.Context, id string) (bool, error)
	Expire(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Close() error
}
