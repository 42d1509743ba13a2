package claim

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	client, err := NewRedisClient(url)
	if err != nil {
		t.Fatalf("NewRedisClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}
	return NewRedisStore(client, time.Minute)
}

func TestRedisStore_Lifecycle(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)
	orderID := "o-" + uuid.NewString()
	tok := Token{Token: uuid.NewString(), OrderID: orderID, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}

	if _, created, err := store.PutIfAbsent(ctx, tok); err != nil || !created {
		t.Fatalf("PutIfAbsent: created=%v err=%v", created, err)
	}
	dup := Token{Token: uuid.NewString(), OrderID: orderID, CreatedAt: now, ExpiresAt: now.Add(2 * time.Hour)}
	kept, created, err := store.PutIfAbsent(ctx, dup)
	if err != nil || created || kept.Token != tok.Token {
		t.Fatalf("second PutIfAbsent: %+v created=%v err=%v", kept, created, err)
	}
	if got, _ := store.Get(ctx, dup.Token); got != nil {
		t.Fatal("losing token must not be stored")
	}
	got, err := store.Get(ctx, tok.Token)
	if err != nil || got == nil {
		t.Fatalf("Get: %+v %v", got, err)
	}
	if got.OrderID != orderID || !got.ExpiresAt.Equal(tok.ExpiresAt) || got.Used {
		t.Fatalf("unexpected token %+v", got)
	}
	byOrder, err := store.ForOrder(ctx, orderID)
	if err != nil || byOrder == nil || byOrder.Token != tok.Token {
		t.Fatalf("ForOrder: %+v %v", byOrder, err)
	}

	if _, err := store.Consume(ctx, tok.Token, tok.ExpiresAt); !errors.Is(err, ErrExpired) {
		t.Fatalf("consume at expiry: %v", err)
	}
	used, err := store.Consume(ctx, tok.Token, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if !used.Used || used.UsedAt == nil {
		t.Fatalf("unexpected consumed token %+v", used)
	}
	if _, err := store.Consume(ctx, tok.Token, now.Add(2*time.Minute)); !errors.Is(err, ErrAlreadyUsed) {
		t.Fatalf("second consume: %v", err)
	}
	if _, err := store.Consume(ctx, "missing-"+uuid.NewString(), now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing: %v", err)
	}
	if got, err := store.Get(ctx, "missing-"+uuid.NewString()); err != nil || got != nil {
		t.Fatalf("missing get: %+v %v", got, err)
	}
}

func TestRedisStore_ConcurrentIssueOneToken(t *testing.T) {
	store := newRedisStore(t)
	svc := NewService(store, time.Hour, zap.NewNop(), nil)
	ctx := context.Background()
	orderID := "o-" + uuid.NewString()

	const n = 16
	var wg sync.WaitGroup
	tokens := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := svc.Issue(ctx, orderID)
			if err != nil {
				t.Errorf("Issue: %v", err)
				return
			}
			tokens <- tok.Token
		}()
	}
	wg.Wait()
	close(tokens)

	seen := map[string]bool{}
	for tok := range tokens {
		seen[tok] = true
	}
	if len(seen) != 1 {
		t.Fatalf("distinct tokens = %d, want 1", len(seen))
	}
}

func TestRedisStore_SingleWinner(t *testing.T) {
	store := newRedisStore(t)
	svc := NewService(store, time.Hour, zap.NewNop(), nil)
	ctx := context.Background()
	tok, err := svc.Issue(ctx, "o-"+uuid.NewString())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Consume(ctx, tok.Token)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrAlreadyUsed) {
			t.Fatalf("unexpected error %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("wins = %d, want 1", wins)
	}
}
