package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
)

// MockBroker keeps pending logins in memory. It stands in for a real hosting
// broker in single-process deployments and in tests.
type MockBroker struct {
	pending   map[string]*PendingLogin
	completed map[string]Identity
	lock      sync.Mutex
}

func NewMockBroker() *MockBroker {
	return &MockBroker{
		pending:   make(map[string]*PendingLogin),
		completed: make(map[string]Identity),
	}
}

func (b *MockBroker) BeginLogin(ctx context.Context) (*PendingLogin, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	login := &PendingLogin{
		ContextID: ksuid.New().String(),
		StartedAt: time.Now(),
	}
	b.pending[login.ContextID] = login
	return login, nil
}

func (b *MockBroker) Lookup(contextID string) (*PendingLogin, bool) {
	b.lock.Lock()
	defer b.lock.Unlock()
	login, ok := b.pending[contextID]
	return login, ok
}

func (b *MockBroker) Authenticated(ctx context.Context, contextID string, identity Identity) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if _, ok := b.pending[contextID]; !ok {
		return fmt.Errorf("no pending login for context %s", contextID)
	}
	delete(b.pending, contextID)
	b.completed[contextID] = identity
	slog.Info("pending login completed", "context_id", contextID, "subject", identity.Subject, "username", identity.Username)
	return nil
}

// Completed reports the identity a finished login ended with. Test helper.
func (b *MockBroker) Completed(contextID string) (Identity, bool) {
	b.lock.Lock()
	defer b.lock.Unlock()
	identity, ok := b.completed[contextID]
	return identity, ok
}
