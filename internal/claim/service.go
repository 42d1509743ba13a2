package claim

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/boluoing/payflow/internal/aws"
)

const tokenBytes = 32

// Counter records a single occurrence of a named event.
type Counter interface {
	RecordCount(ctx context.Context, metricName string, dimensions map[string]string) error
}

// Validation is the outcome of a non-mutating validity check.
type Validation struct {
	Valid     bool
	OrderID   string
	Reason    Reason
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Service is the claim token API used by the payment flow and the HTTP layer.
type Service struct {
	store   Store
	ttl     time.Duration
	log     *zap.Logger
	metrics Counter
	nowFunc func() time.Time
	random  io.Reader
}

// NewService returns a Service over store. ttl <= 0 means DefaultTTL. metrics may be nil.
func NewService(store Store, ttl time.Duration, log *zap.Logger, metrics Counter) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		store:   store,
		ttl:     ttl,
		log:     log,
		metrics: metrics,
		nowFunc: time.Now,
		random:  rand.Reader,
	}
}

func (s *Service) newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := io.ReadFull(s.random, b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashToken is the digest persisted on the order row in place of the token itself.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Issue returns the token of orderID, minting one if the store has none. Concurrent calls
// for one order all get the same token, whatever its state.
func (s *Service) Issue(ctx context.Context, orderID string) (*Token, error) {
	if orderID == "" {
		return nil, errors.New("issue claim token: empty order id")
	}
	value, err := s.newToken()
	if err != nil {
		return nil, err
	}
	now := s.nowFunc()
	t := Token{
		Token:     value,
		OrderID:   orderID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	stored, created, err := s.store.PutIfAbsent(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("store claim token: %w", err)
	}
	if !created {
		s.log.Debug("claim_token_reused", zap.String("order_id", orderID))
		return stored, nil
	}
	s.count(ctx, aws.MetricClaimTokensIssued)
	s.log.Info("claim_token_issued", zap.String("order_id", orderID), zap.Time("expires_at", stored.ExpiresAt))
	return stored, nil
}

// Validate reports whether token may still be consumed. It never mutates the token.
func (s *Service) Validate(ctx context.Context, token string) (*Validation, error) {
	if token == "" {
		return &Validation{Reason: ReasonMissing}, nil
	}
	t, err := s.store.Get(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("load claim token: %w", err)
	}
	if cerr := t.Check(s.nowFunc()); cerr != nil {
		v := &Validation{Reason: ReasonFor(cerr)}
		if t != nil {
			v.OrderID = t.OrderID
		}
		return v, nil
	}
	return &Validation{
		Valid:     true,
		OrderID:   t.OrderID,
		CreatedAt: t.CreatedAt,
		ExpiresAt: t.ExpiresAt,
	}, nil
}

// Consume marks token used. Errors are ErrNotFound, ErrAlreadyUsed, ErrExpired or a
// wrapped store failure.
func (s *Service) Consume(ctx context.Context, token string) (*Token, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	t, err := s.store.Consume(ctx, token, s.nowFunc())
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyUsed) || errors.Is(err, ErrExpired) {
			return nil, err
		}
		return nil, fmt.Errorf("consume claim token: %w", err)
	}
	s.count(ctx, aws.MetricClaimTokensConsumed)
	s.log.Info("claim_token_consumed", zap.String("order_id", t.OrderID))
	return t, nil
}

// ForOrder returns the token issued for orderID, or (nil, nil).
func (s *Service) ForOrder(ctx context.Context, orderID string) (*Token, error) {
	t, err := s.store.ForOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load claim token for order: %w", err)
	}
	return t, nil
}

func (s *Service) count(ctx context.Context, name string) {
	if s.metrics == nil {
		return
	}
	if err := s.metrics.RecordCount(ctx, name, nil); err != nil {
		s.log.Warn("metric_record_failed", zap.String("metric", name), zap.Error(err))
	}
}
