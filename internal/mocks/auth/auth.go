package auth

// Package auth provides hand-written in-memory doubles for the auth ports.
// They are deterministic and safe for concurrent use, which keeps service
// tests free of real Redis/Postgres.

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/casetrail/tcm-ui-api/internal/data"
	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
	"github.com/casetrail/tcm-ui-api/internal/ports"
)

// MemoryIdentityStore is an in-memory IdentityStore.
type MemoryIdentityStore struct {
	mu         sync.Mutex
	identities map[string]domainauth.Identity
}

func NewMemoryIdentityStore() *MemoryIdentityStore {
	return &MemoryIdentityStore{identities: make(map[string]domainauth.Identity)}
}

// Put seeds or replaces an identity.
func (s *MemoryIdentityStore) Put(identity domainauth.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[identity.ID] = identity
}

func (s *MemoryIdentityStore) GetByID(_ context.Context, id string) (domainauth.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[id]
	if !ok {
		return domainauth.Identity{}, data.ErrIdentityNotFound
	}
	return identity, nil
}

func (s *MemoryIdentityStore) GetByEmail(_ context.Context, email string) (domainauth.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, identity := range s.identities {
		if strings.EqualFold(identity.Email, email) {
			return identity, nil
		}
	}
	return domainauth.Identity{}, data.ErrIdentityNotFound
}

func (s *MemoryIdentityStore) update(id string, fn func(*domainauth.Identity)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[id]
	if !ok {
		return data.ErrIdentityNotFound
	}
	fn(&identity)
	s.identities[id] = identity
	return nil
}

func (s *MemoryIdentityStore) SetLockout(_ context.Context, id string, until *time.Time) error {
	return s.update(id, func(i *domainauth.Identity) {
		i.LockedUntil = until
		if until == nil {
			i.FailedLoginAttempts = 0
		}
	})
}

func (s *MemoryIdentityStore) SetFailedAttempts(_ context.Context, id string, attempts int) error {
	return s.update(id, func(i *domainauth.Identity) { i.FailedLoginAttempts = attempts })
}

func (s *MemoryIdentityStore) SetTwoFactorEnabled(_ context.Context, id string, enabled bool) error {
	return s.update(id, func(i *domainauth.Identity) { i.TwoFactorEnabled = enabled })
}

func (s *MemoryIdentityStore) SetPasswordHash(_ context.Context, id, hash string) error {
	return s.update(id, func(i *domainauth.Identity) { i.PasswordHash = hash })
}

func (s *MemoryIdentityStore) SetEmailVerified(_ context.Context, id string, at time.Time) error {
	return s.update(id, func(i *domainauth.Identity) { i.EmailVerifiedAt = &at })
}

// MemorySessionStore is an in-memory SessionStore.
type MemorySessionStore struct {
	mu         sync.Mutex
	sessions   map[string]domainauth.Session
	activities map[string][]domainauth.Activity
	Now        func() time.Time
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions:   make(map[string]domainauth.Session),
		activities: make(map[string][]domainauth.Activity),
		Now:        time.Now,
	}
}

func (s *MemorySessionStore) Save(_ context.Context, sess domainauth.Session) error {
	if sess.ID == "" {
		return errors.New("session ID cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *MemorySessionStore) Get(_ context.Context, id string) (domainauth.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.Expired(s.Now()) {
		return domainauth.Session{}, ErrSessionNotFound
	}
	return sess, nil
}

func (s *MemorySessionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	delete(s.activities, id)
	return nil
}

func (s *MemorySessionStore) ListByIdentity(_ context.Context, identityID string) ([]domainauth.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domainauth.Session
	for _, sess := range s.sessions {
		if sess.IdentityID == identityID && !sess.Expired(s.Now()) {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (s *MemorySessionStore) AppendActivity(_ context.Context, sessionID string, activity domainauth.Activity, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append([]domainauth.Activity{activity}, s.activities[sessionID]...)
	if len(list) > limit {
		list = list[:limit]
	}
	s.activities[sessionID] = list
	return nil
}

func (s *MemorySessionStore) RecentActivity(_ context.Context, sessionID string, limit int) ([]domainauth.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.activities[sessionID]
	if len(list) > limit {
		list = list[:limit]
	}
	return append([]domainauth.Activity(nil), list...), nil
}

// ErrSessionNotFound mirrors the redis adapter's not-found sentinel.
var ErrSessionNotFound = errors.New("session not found")

// MemoryRefreshTokenStore is an in-memory RefreshTokenStore with the same
// single-winner rotation semantics as the Postgres repo.
type MemoryRefreshTokenStore struct {
	mu     sync.Mutex
	tokens map[string]domainauth.RefreshToken // by ID
	Now    func() time.Time
}

func NewMemoryRefreshTokenStore() *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{
		tokens: make(map[string]domainauth.RefreshToken),
		Now:    time.Now,
	}
}

func (s *MemoryRefreshTokenStore) Create(_ context.Context, token domainauth.RefreshToken) error {
	if token.ID == "" || token.TokenHash == "" || token.FamilyID == "" {
		return errors.New("refresh token requires id, hash and family id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token.ID] = token
	return nil
}

func (s *MemoryRefreshTokenStore) GetByHash(_ context.Context, tokenHash string) (domainauth.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, token := range s.tokens {
		if token.TokenHash == tokenHash {
			return token, nil
		}
	}
	return domainauth.RefreshToken{}, data.ErrTokenNotFound
}

func (s *MemoryRefreshTokenStore) Rotate(_ context.Context, oldID string, successor domainauth.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.tokens[oldID]
	if !ok || old.Revoked {
		return data.ErrTokenConflict
	}
	now := s.Now()
	old.Revoked = true
	old.RevokedAt = &now
	s.tokens[oldID] = old
	s.tokens[successor.ID] = successor
	return nil
}

func (s *MemoryRefreshTokenStore) revokeMatching(match func(domainauth.RefreshToken) bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	var n int64
	for id, token := range s.tokens {
		if !token.Revoked && match(token) {
			token.Revoked = true
			token.RevokedAt = &now
			s.tokens[id] = token
			n++
		}
	}
	return n
}

func (s *MemoryRefreshTokenStore) RevokeFamily(_ context.Context, familyID string) (int64, error) {
	return s.revokeMatching(func(t domainauth.RefreshToken) bool { return t.FamilyID == familyID }), nil
}

func (s *MemoryRefreshTokenStore) RevokeBySession(_ context.Context, sessionID string) (int64, error) {
	return s.revokeMatching(func(t domainauth.RefreshToken) bool { return t.SessionID == sessionID }), nil
}

func (s *MemoryRefreshTokenStore) RevokeByIdentity(_ context.Context, identityID string) (int64, error) {
	return s.revokeMatching(func(t domainauth.RefreshToken) bool { return t.IdentityID == identityID }), nil
}

func (s *MemoryRefreshTokenStore) DeleteExpired(_ context.Context, cutoff time.Time, batchSize int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if batchSize <= 0 {
		batchSize = 500
	}
	var n int64
	for id, token := range s.tokens {
		if n >= int64(batchSize) {
			break
		}
		expired := token.ExpiresAt.Before(cutoff)
		staleRevoked := token.Revoked && token.RevokedAt != nil && token.RevokedAt.Before(cutoff)
		if expired || staleRevoked {
			delete(s.tokens, id)
			n++
		}
	}
	return n, nil
}

// Tokens returns a snapshot of all stored tokens for assertions.
func (s *MemoryRefreshTokenStore) Tokens() []domainauth.RefreshToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domainauth.RefreshToken, 0, len(s.tokens))
	for _, token := range s.tokens {
		out = append(out, token)
	}
	return out
}

// MemoryCounterStore is an in-memory CounterStore with TTL semantics driven
// by an injectable clock.
type MemoryCounterStore struct {
	mu      sync.Mutex
	entries map[string]counterEntry
	Now     func() time.Time
}

type counterEntry struct {
	count     int64
	value     string
	expiresAt time.Time
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		entries: make(map[string]counterEntry),
		Now:     time.Now,
	}
}

func (s *MemoryCounterStore) live(key string) (counterEntry, bool) {
	entry, ok := s.entries[key]
	if !ok || !entry.expiresAt.After(s.Now()) {
		delete(s.entries, key)
		return counterEntry{}, false
	}
	return entry, true
}

func (s *MemoryCounterStore) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.live(key)
	if !ok {
		entry = counterEntry{expiresAt: s.Now().Add(ttl)}
	}
	entry.count++
	s.entries[key] = entry
	return entry.count, nil
}

func (s *MemoryCounterStore) Get(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.live(key)
	if !ok {
		return 0, nil
	}
	return entry.count, nil
}

func (s *MemoryCounterStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryCounterStore) SetIfNotExists(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.entries[key] = counterEntry{value: value, expiresAt: s.Now().Add(ttl)}
	return true, nil
}

func (s *MemoryCounterStore) GetValue(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.live(key)
	if !ok {
		return "", false, nil
	}
	return entry.value, true, nil
}

// MemoryTwoFactorStore is an in-memory TwoFactorStore.
type MemoryTwoFactorStore struct {
	mu      sync.Mutex
	secrets map[string]string
	codes   map[string]backupCode // by code ID
	nextID  int
}

type backupCode struct {
	identityID string
	hash       string
	consumed   bool
}

func NewMemoryTwoFactorStore() *MemoryTwoFactorStore {
	return &MemoryTwoFactorStore{
		secrets: make(map[string]string),
		codes:   make(map[string]backupCode),
	}
}

func (s *MemoryTwoFactorStore) UpsertSecret(_ context.Context, identityID, encodedSecret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[identityID] = encodedSecret
	return nil
}

func (s *MemoryTwoFactorStore) GetSecret(_ context.Context, identityID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	secret, ok := s.secrets[identityID]
	if !ok {
		return "", data.ErrNoTwoFactorSecret
	}
	return secret, nil
}

func (s *MemoryTwoFactorStore) ReplaceBackupCodes(_ context.Context, identityID string, hashes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, code := range s.codes {
		if code.identityID == identityID {
			delete(s.codes, id)
		}
	}
	for _, hash := range hashes {
		s.nextID++
		s.codes[codeID(s.nextID)] = backupCode{identityID: identityID, hash: hash}
	}
	return nil
}

func codeID(n int) string {
	return "code-" + string(rune('0'+n%10)) + "-" + time.Now().Format("150405.000000000")
}

func (s *MemoryTwoFactorStore) ListBackupCodeHashes(_ context.Context, identityID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for id, code := range s.codes {
		if code.identityID == identityID && !code.consumed {
			out[id] = code.hash
		}
	}
	return out, nil
}

func (s *MemoryTwoFactorStore) ConsumeBackupCode(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.codes[id]
	if !ok || code.consumed {
		return false, nil
	}
	code.consumed = true
	s.codes[id] = code
	return true, nil
}

func (s *MemoryTwoFactorStore) DeleteForIdentity(_ context.Context, identityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, identityID)
	for id, code := range s.codes {
		if code.identityID == identityID {
			delete(s.codes, id)
		}
	}
	return nil
}

// RecordingAuditSink captures events for assertions.
type RecordingAuditSink struct {
	mu     sync.Mutex
	events []domainauth.AuditEvent
}

func NewRecordingAuditSink() *RecordingAuditSink {
	return &RecordingAuditSink{}
}

func (s *RecordingAuditSink) Record(_ context.Context, event domainauth.AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

// Events returns a snapshot of recorded events.
func (s *RecordingAuditSink) Events() []domainauth.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domainauth.AuditEvent(nil), s.events...)
}

// Actions returns just the recorded action names, in order.
func (s *RecordingAuditSink) Actions() []domainauth.AuditAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domainauth.AuditAction, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Action)
	}
	return out
}

// PlainHasher is a transparent PasswordHasher for tests: the "hash" is the
// plaintext with a fixed prefix. Never use outside tests.
type PlainHasher struct{}

func (PlainHasher) Hash(plaintext string) (string, error) {
	return "plain:" + plaintext, nil
}

func (PlainHasher) Compare(hash, plaintext string) error {
	if hash != "plain:"+plaintext {
		return domainauth.ErrAuthentication
	}
	return nil
}

// StaticSigner is an AccessTokenSigner whose tokens are the session ID with a
// fixed prefix.
type StaticSigner struct{}

func (StaticSigner) Sign(claims ports.AccessClaims) (string, error) {
	return "token:" + claims.SessionID, nil
}

func (StaticSigner) ParseAndValidate(token string) (ports.AccessClaims, error) {
	sid, ok := strings.CutPrefix(token, "token:")
	if !ok {
		return ports.AccessClaims{}, domainauth.ErrAuthentication
	}
	return ports.AccessClaims{SessionID: sid}, nil
}

// StaticResourceACL answers ACL questions from fixed maps.
type StaticResourceACL struct {
	Owners   map[string]string   // resourceID -> owner identityID
	Teams    map[string][]string // projectID -> member identityIDs
	Projects map[string]string   // resourceID -> projectID
}

func (a StaticResourceACL) IsOwner(_ context.Context, identityID, resourceID string) (bool, error) {
	return a.Owners[resourceID] == identityID && identityID != "", nil
}

func (a StaticResourceACL) IsTeamMember(_ context.Context, identityID, projectID string) (bool, error) {
	for _, member := range a.Teams[projectID] {
		if member == identityID {
			return true, nil
		}
	}
	return false, nil
}

func (a StaticResourceACL) ProjectOf(_ context.Context, _ domainauth.Resource, resourceID string) (string, error) {
	return a.Projects[resourceID], nil
}

// RecordingMailer captures outbound mail for assertions.
type RecordingMailer struct {
	mu     sync.Mutex
	Resets []SentMail
	Verifs []SentMail
}

type SentMail struct {
	Email string
	Token string
}

func (m *RecordingMailer) SendPasswordReset(_ context.Context, email, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Resets = append(m.Resets, SentMail{Email: email, Token: token})
	return nil
}

func (m *RecordingMailer) SendEmailVerification(_ context.Context, email, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Verifs = append(m.Verifs, SentMail{Email: email, Token: token})
	return nil
}
