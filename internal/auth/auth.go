// Package auth issues, validates, and revokes the bearer tokens calling
// agents use to authenticate to the gateway. It is independent of provider
// credentials — those live in the provider profiles and never pass through
// this package.
//
// Credentials are loaded once at startup and immutable afterwards. The
// active token set is sharded so validation on one token never contends
// with issuance or revocation of another.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Scope names an operation class a token is allowed to perform.
const (
	ScopeInvoke = "invoke"
	ScopeModels = "models"
)

// DefaultScopes is granted to credentials configured without an explicit
// scope list.
var DefaultScopes = []string{ScopeInvoke, ScopeModels}

// Reason classifies an authentication failure.
type Reason string

const (
	ReasonInvalidCredential Reason = "invalid_credential"
	ReasonExpired           Reason = "expired"
	ReasonRevoked           Reason = "revoked"
	ReasonUnknown           Reason = "unknown"
)

// Error is a typed authentication failure. Invalid tokens are an expected,
// frequent condition — callers branch on Reason, never on message text.
type Error struct {
	Reason  Reason
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("auth: %s: %s", e.Reason, e.Message) }

// Credential is one configured client identity. The secret is stored only
// as a SHA-256 digest.
type Credential struct {
	ClientID   string
	secretHash [sha256.Size]byte
	Scopes     []string
}

// NewCredential hashes secret and returns a Credential. Empty scopes grant
// DefaultScopes.
func NewCredential(clientID, secret string, scopes []string) Credential {
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	return Credential{
		ClientID:   clientID,
		secretHash: sha256.Sum256([]byte(secret)),
		Scopes:     scopes,
	}
}

// Token is an issued bearer token. Valid iff !Revoked && now < ExpiresAt.
type Token struct {
	ID        string
	ClientID  string
	Scopes    []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// HasScope reports whether the token carries the named scope.
func (t *Token) HasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

const (
	numShards     = 32
	sweepInterval = time.Minute
)

type shard struct {
	mu     sync.RWMutex
	tokens map[string]*Token
}

// Manager owns the credential table and the active token set.
type Manager struct {
	creds    map[string]Credential // read-only after New
	lifetime time.Duration
	now      func() time.Time

	shards [numShards]*shard

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects a clock, letting tests control expiry without sleeping.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a Manager from the configured credentials and starts the
// background sweep that evicts expired tokens. The sweep stops when ctx is
// cancelled or Close is called.
func NewManager(ctx context.Context, creds []Credential, lifetime time.Duration, opts ...Option) *Manager {
	m := &Manager{
		creds:    make(map[string]Credential, len(creds)),
		lifetime: lifetime,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	for _, c := range creds {
		m.creds[c.ClientID] = c
	}
	for i := range m.shards {
		m.shards[i] = &shard{tokens: make(map[string]*Token)}
	}
	for _, o := range opts {
		o(m)
	}

	go m.sweep(ctx)

	return m
}

// Issue validates the secret against the stored credential and, on success,
// creates a token with the credential's scopes and the configured lifetime.
func (m *Manager) Issue(clientID, secret string) (*Token, error) {
	cred, ok := m.creds[clientID]
	sum := sha256.Sum256([]byte(secret))
	// Compare even for unknown clients so response timing does not reveal
	// which client ids exist.
	match := subtle.ConstantTimeCompare(sum[:], cred.secretHash[:]) == 1
	if !ok || !match {
		return nil, &Error{Reason: ReasonInvalidCredential, Message: "client id or secret is incorrect"}
	}

	now := m.now()
	tok := &Token{
		ID:        uuid.New().String(),
		ClientID:  cred.ClientID,
		Scopes:    append([]string(nil), cred.Scopes...),
		IssuedAt:  now,
		ExpiresAt: now.Add(m.lifetime),
	}

	sh := m.shardFor(tok.ID)
	sh.mu.Lock()
	sh.tokens[tok.ID] = tok
	sh.mu.Unlock()

	cp := *tok
	return &cp, nil
}

// Validate looks up the token and checks validity. Expired tokens are
// evicted on access; there are no other side effects.
func (m *Manager) Validate(tokenID string) (*Token, error) {
	sh := m.shardFor(tokenID)

	// Copy while holding the lock: Revoke mutates the stored token in place,
	// so reading it after RUnlock would race and could report a just-revoked
	// token as valid.
	sh.mu.RLock()
	tok, ok := sh.tokens[tokenID]
	var cp Token
	if ok {
		cp = *tok
	}
	sh.mu.RUnlock()

	if !ok {
		return nil, &Error{Reason: ReasonUnknown, Message: "token not found"}
	}
	if cp.Revoked {
		return nil, &Error{Reason: ReasonRevoked, Message: "token has been revoked"}
	}
	if !m.now().Before(cp.ExpiresAt) {
		sh.mu.Lock()
		delete(sh.tokens, tokenID)
		sh.mu.Unlock()
		return nil, &Error{Reason: ReasonExpired, Message: "token has expired"}
	}

	return &cp, nil
}

// Revoke marks the token revoked. Revoking an already-revoked token is not
// an error; revoking an unknown token is.
func (m *Manager) Revoke(tokenID string) error {
	sh := m.shardFor(tokenID)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	tok, ok := sh.tokens[tokenID]
	if !ok {
		return &Error{Reason: ReasonUnknown, Message: "token not found"}
	}
	tok.Revoked = true
	return nil
}

// ActiveTokens returns the number of tokens currently held (including
// expired ones not yet swept).
func (m *Manager) ActiveTokens() int {
	n := 0
	for _, sh := range m.shards {
		sh.mu.RLock()
		n += len(sh.tokens)
		sh.mu.RUnlock()
	}
	return n
}

// Close stops the background sweep.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

func (m *Manager) shardFor(tokenID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(tokenID))
	return m.shards[h.Sum32()%numShards]
}

func (m *Manager) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.evictExpired()
		case <-ctx.Done():
			return
		case <-m.done:
			return
		}
	}
}

func (m *Manager) evictExpired() {
	now := m.now()
	for _, sh := range m.shards {
		sh.mu.Lock()
		for id, tok := range sh.tokens {
			if !now.Before(tok.ExpiresAt) {
				delete(sh.tokens, id)
			}
		}
		sh.mu.Unlock()
	}
}
