// Package broker models the hosting identity broker that owns the primary
// device's pending login. The QR login core only ever holds a reference to a
// pending login and signals its completion; everything else about the broker
// lifecycle stays on this side of the interface.
package broker

import (
	"context"
	"time"
)

// PendingLogin is one in-flight primary-device authentication. It is owned
// exclusively by the broker; the QR login core must not mutate it.
type PendingLogin struct {
	ContextID string
	StartedAt time.Time
}

// Identity is the brokered identity handed over when the secondary device
// completes the handoff.
type Identity struct {
	Subject  string
	Username string
	Email    string
}

type Broker interface {
	// BeginLogin registers a new pending login and returns its context.
	BeginLogin(ctx context.Context) (*PendingLogin, error)

	// Lookup reports whether a pending login with the given context id is
	// still in flight.
	Lookup(contextID string) (*PendingLogin, bool)

	// Authenticated completes the pending login with the brokered identity.
	// The login is consumed; a second call for the same context id fails.
	Authenticated(ctx context.Context, contextID string, identity Identity) error
}
