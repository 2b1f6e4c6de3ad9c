package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/sbtransport/internal/sberr"
	"github.com/danmuck/sbtransport/internal/testutil/testlog"
)

type countingCredential struct {
	calls atomic.Int32
	token func(n int32) (AccessToken, error)
}

func (c *countingCredential) GetToken(_ context.Context, _ string) (AccessToken, error) {
	n := c.calls.Add(1)
	return c.token(n)
}

func newTestCache(cred TokenCredential, now time.Time) *Cache {
	cache := NewCache(cred, "sb://ns/orders")
	cache.now = func() time.Time { return now }
	return cache
}

func TestCacheRefreshBuffer(t *testing.T) {
	testlog.Start(t)

	now := time.Unix(1_700_000_000, 0)
	tests := []struct {
		name      string
		expiresIn time.Duration
		wantCalls int32
	}{
		{name: "outside buffer reuses cached token", expiresIn: 10 * time.Minute, wantCalls: 1},
		{name: "inside buffer refreshes", expiresIn: 4 * time.Minute, wantCalls: 2},
		{name: "exactly at buffer refreshes", expiresIn: RefreshBuffer, wantCalls: 2},
		{name: "expired refreshes", expiresIn: -time.Minute, wantCalls: 2},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cred := &countingCredential{token: func(int32) (AccessToken, error) {
				return AccessToken{Token: "t", ExpiresOn: now.Add(tc.expiresIn)}, nil
			}}
			cache := newTestCache(cred, now)

			if _, err := cache.Token(context.Background()); err != nil {
				t.Fatalf("first token: %v", err)
			}
			if _, err := cache.Token(context.Background()); err != nil {
				t.Fatalf("second token: %v", err)
			}
			if got := cred.calls.Load(); got != tc.wantCalls {
				t.Fatalf("unexpected provider calls: got=%d want=%d", got, tc.wantCalls)
			}
		})
	}
}

func TestCacheEmptyTokenIsAuthenticationFailure(t *testing.T) {
	testlog.Start(t)

	cred := &countingCredential{token: func(int32) (AccessToken, error) {
		return AccessToken{ExpiresOn: time.Now().Add(time.Hour)}, nil
	}}
	_, err := newTestCache(cred, time.Now()).Token(context.Background())
	if !errors.Is(err, sberr.ErrAuthentication) || !errors.Is(err, ErrEmptyToken) {
		t.Fatalf("expected authentication/empty token failure, got %v", err)
	}
}

func TestCacheProviderErrorIsAuthenticationFailure(t *testing.T) {
	testlog.Start(t)

	boom := errors.New("aad down")
	cred := &countingCredential{token: func(int32) (AccessToken, error) {
		return AccessToken{}, boom
	}}
	_, err := newTestCache(cred, time.Now()).Token(context.Background())
	if !errors.Is(err, sberr.ErrAuthentication) || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped authentication failure, got %v", err)
	}
}

func TestCacheCancelledContext(t *testing.T) {
	testlog.Start(t)

	cred := &countingCredential{token: func(int32) (AccessToken, error) {
		return AccessToken{Token: "t", ExpiresOn: time.Now().Add(time.Hour)}, nil
	}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestCache(cred, time.Now()).Token(ctx)
	if !errors.Is(err, sberr.ErrCancelled) {
		t.Fatalf("expected cancelled, got %v", err)
	}
	if cred.calls.Load() != 0 {
		t.Fatalf("provider must not be called after cancellation")
	}
}

func TestCacheConcurrentRefreshLastWriterWins(t *testing.T) {
	testlog.Start(t)

	now := time.Unix(1_700_000_000, 0)
	cred := &countingCredential{token: func(n int32) (AccessToken, error) {
		return AccessToken{Token: "t", ExpiresOn: now.Add(time.Hour + time.Duration(n)*time.Second)}, nil
	}}
	cache := newTestCache(cred, now)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Token(context.Background()); err != nil {
				t.Errorf("token: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := cred.calls.Load(); got < 1 || got > 16 {
		t.Fatalf("unexpected provider calls: %d", got)
	}
	before := cred.calls.Load()
	if _, err := cache.Token(context.Background()); err != nil {
		t.Fatalf("token after race: %v", err)
	}
	if cred.calls.Load() != before {
		t.Fatalf("settled cache must not refresh again")
	}
}

func TestCacheInvalidate(t *testing.T) {
	testlog.Start(t)

	now := time.Now()
	cred := &countingCredential{token: func(int32) (AccessToken, error) {
		return AccessToken{Token: "t", ExpiresOn: now.Add(time.Hour)}, nil
	}}
	cache := newTestCache(cred, now)
	if _, err := cache.Token(context.Background()); err != nil {
		t.Fatalf("token: %v", err)
	}
	cache.Invalidate()
	if _, err := cache.Token(context.Background()); err != nil {
		t.Fatalf("token: %v", err)
	}
	if cred.calls.Load() != 2 {
		t.Fatalf("expected refresh after invalidate, calls=%d", cred.calls.Load())
	}
}
