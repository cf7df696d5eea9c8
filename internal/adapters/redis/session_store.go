package redis

// Package redis provides Redis-based adapters for session state and shared
// atomic counters.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
)

// SessionStore is a Redis-based session store for production use.
// It handles TTL semantics automatically based on session ExpiresAt and
// maintains a per-identity index so all sessions of an identity can be
// listed and revoked together.
type SessionStore struct {
	client redis.UniversalClient
	prefix string
}

// NewSessionStore creates a new Redis-based session store.
func NewSessionStore(client redis.UniversalClient) *SessionStore {
	return &SessionStore{
		client: client,
		prefix: "session:",
	}
}

// NewSessionStoreWithPrefix creates a Redis session store with a custom key prefix.
func NewSessionStoreWithPrefix(client redis.UniversalClient, prefix string) *SessionStore {
	return &SessionStore{
		client: client,
		prefix: prefix,
	}
}

func (s *SessionStore) key(id string) string         { return s.prefix + id }
func (s *SessionStore) indexKey(identityID string) string { return s.prefix + "identity:" + identityID }
func (s *SessionStore) activityKey(id string) string { return s.prefix + "activity:" + id }

func (s *SessionStore) Save(ctx context.Context, sess domainauth.Session) error {
	if sess.ID == "" {
		return errors.New("session ID cannot be empty")
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return errors.New("session is expired")
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(sess.ID), data, ttl)
	if sess.IdentityID != "" {
		pipe.SAdd(ctx, s.indexKey(sess.IdentityID), sess.ID)
		// The index outlives individual sessions by a margin; stale members
		// are dropped lazily on ListByIdentity.
		pipe.Expire(ctx, s.indexKey(sess.IdentityID), ttl+time.Hour)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, id string) (domainauth.Session, error) {
	if id == "" {
		return domainauth.Session{}, ErrNotFound
	}

	data, err := s.client.Get(ctx, s.key(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domainauth.Session{}, ErrNotFound
		}
		return domainauth.Session{}, fmt.Errorf("redis get: %w", err)
	}

	var sess domainauth.Session
	if unmarshalErr := json.Unmarshal([]byte(data), &sess); unmarshalErr != nil {
		return domainauth.Session{}, fmt.Errorf("unmarshal session: %w", unmarshalErr)
	}

	// Double-check expiration (Redis TTL should handle this, but be defensive)
	if !time.Now().Before(sess.ExpiresAt) {
		if deleteErr := s.Delete(ctx, id); deleteErr != nil {
			return domainauth.Session{}, fmt.Errorf("cleanup expired session: %w", deleteErr)
		}
		return domainauth.Session{}, ErrNotFound
	}

	return sess, nil
}

func (s *SessionStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return nil // Nothing to delete
	}

	sess, err := s.Get(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(id))
	pipe.Del(ctx, s.activityKey(id))
	if sess.IdentityID != "" {
		pipe.SRem(ctx, s.indexKey(sess.IdentityID), id)
	}
	if _, execErr := pipe.Exec(ctx); execErr != nil {
		return fmt.Errorf("delete session: %w", execErr)
	}
	return nil
}

// ListByIdentity returns the live sessions for an identity, removing index
// members whose sessions have already expired out of Redis.
func (s *SessionStore) ListByIdentity(ctx context.Context, identityID string) ([]domainauth.Session, error) {
	if identityID == "" {
		return nil, nil
	}

	ids, err := s.client.SMembers(ctx, s.indexKey(identityID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list session index: %w", err)
	}

	sessions := make([]domainauth.Session, 0, len(ids))
	for _, id := range ids {
		sess, getErr := s.Get(ctx, id)
		if errors.Is(getErr, ErrNotFound) {
			if remErr := s.client.SRem(ctx, s.indexKey(identityID), id).Err(); remErr != nil {
				return nil, fmt.Errorf("prune session index: %w", remErr)
			}
			continue
		}
		if getErr != nil {
			return nil, getErr
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// AppendActivity pushes a touch record onto the session's activity list,
// trimming to the most recent limit entries.
func (s *SessionStore) AppendActivity(ctx context.Context, sessionID string, activity domainauth.Activity, limit int) error {
	if sessionID == "" || limit <= 0 {
		return nil
	}

	data, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.activityKey(sessionID), data)
	pipe.LTrim(ctx, s.activityKey(sessionID), 0, int64(limit-1))
	pipe.Expire(ctx, s.activityKey(sessionID), 24*time.Hour)
	if _, execErr := pipe.Exec(ctx); execErr != nil {
		return fmt.Errorf("append activity: %w", execErr)
	}
	return nil
}

// RecentActivity returns up to limit activity records, newest first.
func (s *SessionStore) RecentActivity(ctx context.Context, sessionID string, limit int) ([]domainauth.Activity, error) {
	if sessionID == "" || limit <= 0 {
		return nil, nil
	}

	raw, err := s.client.LRange(ctx, s.activityKey(sessionID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read activity: %w", err)
	}

	activities := make([]domainauth.Activity, 0, len(raw))
	for _, item := range raw {
		var a domainauth.Activity
		if unmarshalErr := json.Unmarshal([]byte(item), &a); unmarshalErr != nil {
			return nil, fmt.Errorf("unmarshal activity: %w", unmarshalErr)
		}
		activities = append(activities, a)
	}
	return activities, nil
}

// ErrNotFound is returned when a session is not found.
type notFoundError struct{}

func (notFoundError) Error() string { return "session not found" }

var ErrNotFound error = notFoundError{}
