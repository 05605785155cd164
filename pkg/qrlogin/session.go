package qrlogin

import (
	"time"

	"github.com/gematik/qrlogin-lab/pkg/broker"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusScanned   Status = "SCANNED"
	StatusConfirmed Status = "CONFIRMED"
	StatusConsumed  Status = "CONSUMED"
	StatusExpired   Status = "EXPIRED"
)

// Session tracks one cross-device login handoff attempt. Status only moves
// forward (PENDING -> SCANNED -> CONFIRMED -> CONSUMED), or to EXPIRED from
// any state. All mutation goes through the SessionStore.
type Session struct {
	ID             string    `json:"session_id" cbor:"1,keyasint"`
	Status         Status    `json:"status" cbor:"2,keyasint"`
	LoginContextID string    `json:"login_context_id" cbor:"3,keyasint"`
	UserID         string    `json:"user_id,omitempty" cbor:"4,keyasint,omitempty"`
	Username       string    `json:"username,omitempty" cbor:"5,keyasint,omitempty"`
	Email          string    `json:"email,omitempty" cbor:"6,keyasint,omitempty"`
	ResponseURL    string    `json:"response_url,omitempty" cbor:"7,keyasint,omitempty"`
	CreatedAt      time.Time `json:"created_at" cbor:"8,keyasint"`
	ExpireAt       time.Time `json:"expire_at" cbor:"9,keyasint"`

	// LoginRef points at the pending login owned by the hosting broker. The
	// session never mutates it and it is not serialized into store backends.
	LoginRef *broker.PendingLogin `json:"-" cbor:"-"`
}

func (s *Session) Expired(now time.Time) bool {
	return s.Status == StatusExpired || now.After(s.ExpireAt)
}

// Identity holds the claims attached to a session when the secondary
// device's token is validated during confirmation.
type Identity struct {
	Subject  string `json:"sub"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
}
