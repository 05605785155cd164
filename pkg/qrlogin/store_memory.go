package qrlogin

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type memoryStore struct {
	sessions map[string]*Session
	lock     sync.RWMutex
	ttl      time.Duration
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemorySessionStore returns a process-local store. A background reaper
// removes expired records every reaperInterval until Close is called; the
// store stays correct without it because Get refuses logically expired
// records on its own.
func NewMemorySessionStore(ttl, reaperInterval time.Duration) SessionStore {
	if reaperInterval <= 0 {
		reaperInterval = 30 * time.Second
	}
	s := &memoryStore{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go s.reap(reaperInterval)
	return s
}

func (s *memoryStore) Put(ctx context.Context, session *Session) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = s.now()
	}
	copied := *session
	s.sessions[session.ID] = &copied
	return nil
}

func (s *memoryStore) Get(ctx context.Context, id string) (*Session, error) {
	s.lock.RLock()
	session, ok := s.sessions[id]
	var copied Session
	if ok {
		copied = *session
	}
	s.lock.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if copied.Expired(s.now()) {
		// past its expiry instant but not yet reaped
		s.Expire(ctx, id)
		return nil, ErrSessionNotFound
	}
	return &copied, nil
}

func (s *memoryStore) SetScanned(ctx context.Context, id string) (bool, error) {
	return s.transition(id, StatusPending, StatusScanned, nil)
}

func (s *memoryStore) SetConfirmed(ctx context.Context, id string, identity Identity, responseURL string) (bool, error) {
	return s.transition(id, StatusScanned, StatusConfirmed, func(session *Session) {
		session.UserID = identity.Subject
		session.Username = identity.Username
		session.Email = identity.Email
		session.ResponseURL = responseURL
	})
}

func (s *memoryStore) SetConsumed(ctx context.Context, id string) (bool, error) {
	return s.transition(id, StatusConfirmed, StatusConsumed, nil)
}

func (s *memoryStore) SetResponseURL(ctx context.Context, id string, url string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	// only while still SCANNED: once confirmed the stored URL is the one the
	// primary device may already have followed
	if session, ok := s.sessions[id]; ok && session.Status == StatusScanned && !session.Expired(s.now()) {
		session.ResponseURL = url
	}
	return nil
}

func (s *memoryStore) Expire(ctx context.Context, id string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if session, ok := s.sessions[id]; ok {
		session.Status = StatusExpired
	}
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, id string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *memoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

// transition applies from -> to under the write lock; wrong state, absence
// and expiry are no-ops reporting false so a race loser never clobbers the
// winner and knows it lost.
func (s *memoryStore) transition(id string, from, to Status, apply func(*Session)) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	session, ok := s.sessions[id]
	if !ok || session.Status != from || session.Expired(s.now()) {
		return false, nil
	}
	session.Status = to
	if apply != nil {
		apply(session)
	}
	return true, nil
}

func (s *memoryStore) reap(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.removeExpired()
		}
	}
}

func (s *memoryStore) removeExpired() {
	now := s.now()

	s.lock.RLock()
	var stale []string
	for id, session := range s.sessions {
		if session.Status == StatusExpired || now.After(session.CreatedAt.Add(s.ttl)) {
			stale = append(stale, id)
		}
	}
	s.lock.RUnlock()

	if len(stale) == 0 {
		return
	}

	// one key at a time, so request handlers never wait on a full sweep
	for _, id := range stale {
		s.lock.Lock()
		session, ok := s.sessions[id]
		if ok && (session.Status == StatusExpired || now.After(session.CreatedAt.Add(s.ttl))) {
			delete(s.sessions, id)
		}
		s.lock.Unlock()
	}

	slog.Debug("reaped expired qr sessions", "count", len(stale))
}
