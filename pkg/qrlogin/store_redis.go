package qrlogin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "qrlogin:session:"

type redisStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisSessionStore returns a store backed by a single Redis instance.
// Records are CBOR-encoded and written with the session TTL, so Redis does
// the reaping natively. Conditional transitions use WATCH-based optimistic
// transactions to serialize racing scan/confirm calls.
func NewRedisSessionStore(client *redis.Client, ttl time.Duration) SessionStore {
	return &redisStore{
		client: client,
		ttl:    ttl,
		now:    time.Now,
	}
}

func redisKey(id string) string {
	return redisKeyPrefix + id
}

func (s *redisStore) Put(ctx context.Context, session *Session) error {
	if session.CreatedAt.IsZero() {
		session.CreatedAt = s.now()
	}
	data, err := cbor.Marshal(session)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", session.ID, err)
	}
	if err := s.client.Set(ctx, redisKey(session.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("storing session %s: %w", session.ID, err)
	}
	return nil
}

func (s *redisStore) Get(ctx context.Context, id string) (*Session, error) {
	session, err := s.fetch(ctx, s.client, id)
	if err != nil {
		return nil, err
	}
	if session.Expired(s.now()) {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

func (s *redisStore) SetScanned(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, id, StatusPending, StatusScanned, nil)
}

func (s *redisStore) SetConfirmed(ctx context.Context, id string, identity Identity, responseURL string) (bool, error) {
	return s.transition(ctx, id, StatusScanned, StatusConfirmed, func(session *Session) {
		session.UserID = identity.Subject
		session.Username = identity.Username
		session.Email = identity.Email
		session.ResponseURL = responseURL
	})
}

func (s *redisStore) SetConsumed(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, id, StatusConfirmed, StatusConsumed, nil)
}

func (s *redisStore) SetResponseURL(ctx context.Context, id string, url string) error {
	_, err := s.update(ctx, id, func(session *Session) bool {
		if session.Status != StatusScanned || session.Expired(s.now()) {
			return false
		}
		session.ResponseURL = url
		return true
	})
	return err
}

func (s *redisStore) Expire(ctx context.Context, id string) error {
	_, err := s.update(ctx, id, func(session *Session) bool {
		session.Status = StatusExpired
		return true
	})
	return err
}

func (s *redisStore) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, redisKey(id)).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

func (s *redisStore) transition(ctx context.Context, id string, from, to Status, apply func(*Session)) (bool, error) {
	return s.update(ctx, id, func(session *Session) bool {
		if session.Status != from || session.Expired(s.now()) {
			return false
		}
		session.Status = to
		if apply != nil {
			apply(session)
		}
		return true
	})
}

// update rewrites the record under WATCH. mutate returns false to abort
// without error, making wrong-state transitions no-ops; the returned bool
// reports whether the mutation was written. On a concurrent write the
// transaction is retried with a fresh read, so a race loser re-reads the
// winner's state and ends up a no-op rather than a conflict error.
func (s *redisStore) update(ctx context.Context, id string, mutate func(*Session) bool) (bool, error) {
	key := redisKey(id)

	for attempt := 0; attempt < 5; attempt++ {
		fired := false
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			session, err := s.fetch(ctx, tx, id)
			if errors.Is(err, ErrSessionNotFound) {
				return nil
			}
			if err != nil {
				return err
			}

			if !mutate(session) {
				return nil
			}

			data, err := cbor.Marshal(session)
			if err != nil {
				return fmt.Errorf("encoding session %s: %w", id, err)
			}

			ttl := time.Until(session.ExpireAt)
			if ttl <= 0 {
				ttl = time.Second
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, ttl)
				return nil
			})
			if err == nil {
				fired = true
			}
			return err
		}, key)

		if !errors.Is(err, redis.TxFailedErr) {
			return fired, err
		}
	}
	return false, fmt.Errorf("updating session %s: too many conflicting writes", id)
}

func (s *redisStore) fetch(ctx context.Context, c redis.Cmdable, id string) (*Session, error) {
	data, err := c.Get(ctx, redisKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading session %s: %w", id, err)
	}
	var session Session
	if err := cbor.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", id, err)
	}
	return &session, nil
}
