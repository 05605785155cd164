// HMAC request signing for the QR login handoff protocol. Parameters are
// canonicalized by sorting keys, so clients can reproduce signatures without
// sharing a request serialization library.
package signature

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"
	"strconv"
	"strings"
	"time"
)

type Algorithm string

const (
	HS1   Algorithm = "HS1"
	HS256 Algorithm = "HS256"
	HS384 Algorithm = "HS384"
	HS512 Algorithm = "HS512"
)

// ParseAlgorithm accepts both the short names used in configuration and the
// JCA-style names published inside QR payloads for thin mobile clients.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToLower(name) {
	case "", "hs256", "hmacsha256", "hmac-sha256":
		return HS256, nil
	case "hs1", "hmacsha1", "hmac-sha1":
		return HS1, nil
	case "hs384", "hmacsha384", "hmac-sha384":
		return HS384, nil
	case "hs512", "hmacsha512", "hmac-sha512":
		return HS512, nil
	}
	return "", fmt.Errorf("unknown signature algorithm: %s", name)
}

// JCAName renders the algorithm the way the QR payload advertises it.
func (a Algorithm) JCAName() string {
	switch a {
	case HS1:
		return "HmacSHA1"
	case HS384:
		return "HmacSHA384"
	case HS512:
		return "HmacSHA512"
	default:
		return "HmacSHA256"
	}
}

func (a Algorithm) hashFunc() func() hash.Hash {
	switch a {
	case HS1:
		return sha1.New
	case HS384:
		return sha512.New384
	case HS512:
		return sha512.New
	default:
		return sha256.New
	}
}

type Reason int

const (
	ReasonMissingField Reason = iota
	ReasonBadTimestamp
	ReasonExpired
	ReasonMismatch
)

// Error carries the rejection reason for logging. Handlers must collapse all
// reasons into one generic client response; see the protocol controller.
type Error struct {
	Reason  Reason
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

type Config struct {
	Secret     string
	Algorithm  Algorithm
	TimeWindow time.Duration
}

type Signer struct {
	secret     []byte
	algorithm  Algorithm
	timeWindow time.Duration
	now        func() time.Time
}

func New(cfg Config) (*Signer, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("signature: secret must not be empty")
	}
	algorithm := cfg.Algorithm
	if algorithm == "" {
		algorithm = HS256
	}
	timeWindow := cfg.TimeWindow
	if timeWindow <= 0 {
		timeWindow = 5 * time.Second
	}
	return &Signer{
		secret:     []byte(cfg.Secret),
		algorithm:  algorithm,
		timeWindow: timeWindow,
		now:        time.Now,
	}, nil
}

// Sign computes the signature over the canonical encoding of params. The
// params must carry a timestamp (seconds since epoch, as a string); a
// pre-existing sign field is ignored.
func (s *Signer) Sign(params map[string]string) (string, error) {
	if _, ok := params["timestamp"]; !ok {
		return "", &Error{Reason: ReasonMissingField, Message: "missing 'timestamp'"}
	}
	return s.compute(params), nil
}

// Verify checks the timestamp window first, then recomputes the signature
// with the sign field excluded and compares in constant time.
func (s *Signer) Verify(params map[string]string) error {
	sign, ok := params["sign"]
	if !ok || sign == "" {
		return &Error{Reason: ReasonMissingField, Message: "missing 'sign'"}
	}

	if err := s.ValidateTimestamp(params["timestamp"]); err != nil {
		return err
	}

	expected := s.compute(params)
	if subtle.ConstantTimeCompare([]byte(sign), []byte(expected)) != 1 {
		return &Error{Reason: ReasonMismatch, Message: "invalid signature"}
	}
	return nil
}

// ValidateTimestamp enforces the replay window on its own. The status poll
// authenticates by timestamp freshness without a full signature.
func (s *Signer) ValidateTimestamp(timestamp string) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return &Error{Reason: ReasonBadTimestamp, Message: "invalid 'timestamp'"}
	}

	now := s.now().Unix()
	diff := now - ts
	if diff < 0 {
		diff = -diff
	}
	if time.Duration(diff)*time.Second > s.timeWindow {
		return &Error{
			Reason:  ReasonExpired,
			Message: fmt.Sprintf("request expired: timestamp deviation > %s (now=%d, req=%d)", s.timeWindow, now, ts),
		}
	}
	return nil
}

func (s *Signer) compute(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "sign" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sb := strings.Builder{}
	for i, k := range keys {
		if i > 0 {
			sb.WriteString("&")
		}
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(params[k])
	}

	mac := hmac.New(s.algorithm.hashFunc(), s.secret)
	mac.Write([]byte(sb.String()))
	return hex.EncodeToString(mac.Sum(nil))
}
