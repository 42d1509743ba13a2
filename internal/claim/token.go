// Package claim issues and redeems single-use claim tokens. A token is bound to one paid
// order and grants exactly one visit to the post-payment intake form.
package claim

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is how long a freshly issued token stays valid.
const DefaultTTL = 24 * time.Hour

var (
	ErrNotFound    = errors.New("claim token not found")
	ErrAlreadyUsed = errors.New("claim token already used")
	ErrExpired     = errors.New("claim token expired")
)

// Reason is the machine-readable cause of an invalid token.
type Reason string

const (
	ReasonMissing  Reason = "missing"
	ReasonNotFound Reason = "not_found"
	ReasonUsed     Reason = "used"
	ReasonExpired  Reason = "expired"
)

// Token is a stored claim token.
type Token struct {
	Token     string
	OrderID   string
	Used      bool
	CreatedAt time.Time
	ExpiresAt time.Time
	UsedAt    *time.Time
}

// Valid reports whether t is unused and not yet expired at now.
func (t *Token) Valid(now time.Time) bool {
	return t != nil && !t.Used && now.Before(t.ExpiresAt)
}

// Check returns the error that would prevent t from being consumed at now. A used token
// reports ErrAlreadyUsed even after it expires.
func (t *Token) Check(now time.Time) error {
	switch {
	case t == nil:
		return ErrNotFound
	case t.Used:
		return ErrAlreadyUsed
	case !now.Before(t.ExpiresAt):
		return ErrExpired
	}
	return nil
}

// ReasonFor maps a token error to its Reason.
func ReasonFor(err error) Reason {
	switch {
	case errors.Is(err, ErrAlreadyUsed):
		return ReasonUsed
	case errors.Is(err, ErrExpired):
		return ReasonExpired
	default:
		return ReasonNotFound
	}
}

// Store persists tokens. Implementations must make Consume atomic per token: concurrent
// calls for the same valid token yield exactly one success.
type Store interface {
	// PutIfAbsent saves t unless its order already has a token. It returns the order's
	// stored token and whether t was the one saved. Concurrent calls for one order save
	// exactly one token.
	PutIfAbsent(ctx context.Context, t Token) (*Token, bool, error)
	// Get returns the token or (nil, nil) if absent.
	Get(ctx context.Context, token string) (*Token, error)
	// ForOrder returns the token issued for orderID or (nil, nil).
	ForOrder(ctx context.Context, orderID string) (*Token, error)
	// Consume marks the token used at now and returns it, or fails with ErrNotFound,
	// ErrAlreadyUsed or ErrExpired.
	Consume(ctx context.Context, token string, now time.Time) (*Token, error)
}
