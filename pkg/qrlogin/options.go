package qrlogin

import (
	"strings"
	"time"

	"github.com/gematik/qrlogin-lab/pkg/broker"
	"github.com/gematik/qrlogin-lab/pkg/nonce"
	"github.com/gematik/qrlogin-lab/pkg/qrlogin/introspect"
	"github.com/gematik/qrlogin-lab/pkg/qrlogin/signature"
)

func WithConfig(cfg *Config) Option {
	return func(s *Server) error {
		s.cfg = cfg
		return nil
	}
}

func WithSessionStore(store SessionStore) Option {
	return func(s *Server) error {
		s.store = store
		return nil
	}
}

// WithMemorySessionStore is a shortcut for tests and single-process
// deployments; requires WithConfig to be applied first.
func WithMemorySessionStore() Option {
	return func(s *Server) error {
		s.store = NewMemorySessionStore(s.cfg.SessionTTL(), s.cfg.ReaperInterval())
		return nil
	}
}

func WithTokenValidator(v introspect.Validator) Option {
	return func(s *Server) error {
		s.tokens = v
		return nil
	}
}

func WithBroker(b broker.Broker) Option {
	return func(s *Server) error {
		s.broker = b
		return nil
	}
}

func WithNonceService(n nonce.Service) Option {
	return func(s *Server) error {
		s.nonces = n
		return nil
	}
}

// WithBaseURL overrides the externally visible base, including any route
// prefix the server group is mounted under.
func WithBaseURL(u string) Option {
	return func(s *Server) error {
		s.baseURL = strings.TrimSuffix(u, "/")
		return nil
	}
}

func WithSigner(signer *signature.Signer) Option {
	return func(s *Server) error {
		s.signer = signer
		return nil
	}
}

func WithIntrospectionTimeout(d time.Duration) Option {
	return func(s *Server) error {
		s.introspectTO = d
		return nil
	}
}
