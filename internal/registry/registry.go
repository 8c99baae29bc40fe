// Package registry issues short reply tokens that authorize remote commands
// against a terminal session, and resolves them back to their session.
package registry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TokenAlphabet omits characters that are easily confused (0/O, 1/I/L).
const TokenAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// TokenLength is the number of characters in a token.
const TokenLength = 8

// DefaultTTL is the lifetime of a session when none is given.
const DefaultTTL = 24 * time.Hour

const maxTokenAttempts = 5

// Session status values.
const (
	StatusActive = "active"
)

var (
	// ErrNotFound means no session carries the token or id.
	ErrNotFound = errors.New("registry: invalid or expired token")
	// ErrExpired means the session exists but its TTL has elapsed.
	ErrExpired = errors.New("registry: token has expired")
)

// Session authorizes commands against TargetSession until ExpiresAt.
type Session struct {
	ID            string
	Token         string
	TargetSession string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	Status        string
	Metadata      map[string]string
}

// Store persists sessions. Put replaces the whole record.
type Store interface {
	Put(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	FindByToken(ctx context.Context, token string) (Session, error)
	List(ctx context.Context) ([]Session, error)
	Delete(ctx context.Context, id string) error
}

// RegistryOpts holds parameters for creating a Registry.
type RegistryOpts struct {
	Store Store
	TTL   time.Duration    // defaults to DefaultTTL
	Now   func() time.Time // defaults to time.Now
	Rand  io.Reader        // defaults to crypto/rand.Reader
}

// Registry creates and resolves sessions.
type Registry struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
	rand  io.Reader
}

// New creates a Registry.
func New(opts RegistryOpts) (*Registry, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("registry: store is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	return &Registry{store: opts.Store, ttl: opts.TTL, now: opts.Now, rand: opts.Rand}, nil
}

// TTL returns the default lifetime of new sessions.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Create issues a new session for target with the registry's TTL.
func (r *Registry) Create(ctx context.Context, target string, metadata map[string]string) (Session, error) {
	return r.CreateWithTTL(ctx, target, r.ttl, metadata)
}

// CreateWithTTL issues a new session with an explicit lifetime.
func (r *Registry) CreateWithTTL(ctx context.Context, target string, ttl time.Duration, metadata map[string]string) (Session, error) {
	if target == "" {
		return Session{}, fmt.Errorf("registry: target session is required")
	}
	if ttl <= 0 {
		ttl = r.ttl
	}

	token, err := r.uniqueToken(ctx)
	if err != nil {
		return Session{}, err
	}

	now := r.now()
	s := Session{
		ID:            uuid.NewString(),
		Token:         token,
		TargetSession: target,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		Status:        StatusActive,
		Metadata:      copyMetadata(metadata),
	}
	if err := r.store.Put(ctx, s); err != nil {
		return Session{}, fmt.Errorf("registry: create: %w", err)
	}
	return s, nil
}

func (r *Registry) uniqueToken(ctx context.Context) (string, error) {
	for i := 0; i < maxTokenAttempts; i++ {
		token, err := GenerateToken(r.rand)
		if err != nil {
			return "", err
		}
		_, err = r.store.FindByToken(ctx, token)
		if errors.Is(err, ErrNotFound) {
			return token, nil
		}
		if err != nil {
			return "", fmt.Errorf("registry: check token: %w", err)
		}
	}
	return "", fmt.Errorf("registry: no unique token after %d attempts", maxTokenAttempts)
}

// FindByToken returns the session carrying token, compared case-insensitively.
// Expiry is not checked; see Resolve.
func (r *Registry) FindByToken(ctx context.Context, token string) (Session, error) {
	token = NormalizeToken(token)
	if token == "" {
		return Session{}, ErrNotFound
	}
	return r.store.FindByToken(ctx, token)
}

// Resolve looks up token and enforces expiry. An expired session is removed
// and ErrExpired returned.
func (r *Registry) Resolve(ctx context.Context, token string) (Session, error) {
	s, err := r.FindByToken(ctx, token)
	if err != nil {
		return Session{}, err
	}
	if r.IsExpired(s) {
		if err := r.Remove(ctx, s.ID); err != nil {
			return Session{}, err
		}
		return Session{}, ErrExpired
	}
	return s, nil
}

// Remove deletes a session. Removing an absent id is not an error.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("registry: remove %s: %w", id, err)
	}
	return nil
}

// IsExpired reports whether s is past its expiry.
func (r *Registry) IsExpired(s Session) bool {
	return !r.now().Before(s.ExpiresAt)
}

// List returns all stored sessions, expired ones included.
func (r *Registry) List(ctx context.Context) ([]Session, error) {
	sessions, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	return sessions, nil
}

// Purge removes all expired sessions and returns how many were removed.
func (r *Registry) Purge(ctx context.Context) (int, error) {
	sessions, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range sessions {
		if !r.IsExpired(s) {
			continue
		}
		if err := r.Remove(ctx, s.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// GenerateToken draws TokenLength characters uniformly from TokenAlphabet.
func GenerateToken(src io.Reader) (string, error) {
	// Reject bytes at or above the largest multiple of the alphabet size.
	limit := byte(256 - 256%len(TokenAlphabet))
	out := make([]byte, 0, TokenLength)
	buf := make([]byte, TokenLength*2)
	for len(out) < TokenLength {
		if _, err := io.ReadFull(src, buf); err != nil {
			return "", fmt.Errorf("registry: generate token: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, TokenAlphabet[int(b)%len(TokenAlphabet)])
			if len(out) == TokenLength {
				break
			}
		}
	}
	return string(out), nil
}

// NormalizeToken upper-cases and trims a user-supplied token.
func NormalizeToken(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}

func copyMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
