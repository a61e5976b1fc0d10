package payout_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"WalletLedger/internal/ledger"
	"WalletLedger/internal/payout"
	"WalletLedger/internal/reservation"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gateway struct {
	tokenCalls  atomic.Int32
	payoutCalls atomic.Int32
	revokeFirst atomic.Bool
	status      int

	mu       sync.Mutex
	keys     []string
	payloads []map[string]string
}

func (g *gateway) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		id, secret, ok := r.BasicAuth()
		if !ok || id != "client" || secret != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		n := g.tokenCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("tok-%d", n),
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("POST /v1/payouts", func(w http.ResponseWriter, r *http.Request) {
		g.payoutCalls.Add(1)
		if g.revokeFirst.CompareAndSwap(true, false) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body := map[string]string{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		g.mu.Lock()
		g.keys = append(g.keys, r.Header.Get("Idempotency-Key"))
		g.payloads = append(g.payloads, body)
		g.mu.Unlock()
		if g.status != 0 {
			w.WriteHeader(g.status)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	return mux
}

func newClient(t *testing.T, g *gateway) *payout.Client {
	t.Helper()
	srv := httptest.NewServer(g.handler(t))
	t.Cleanup(srv.Close)
	return payout.NewClient(payout.Config{
		BaseURL:      srv.URL + "/",
		ClientID:     "client",
		ClientSecret: "secret",
		Currency:     "USD",
		Logger:       zerolog.Nop(),
	})
}

func request(amount int64) *reservation.Request {
	return &reservation.Request{
		RequestID:   uuid.New(),
		Kind:        reservation.KindWithdrawal,
		Wallet:      ledger.UserWallet(uuid.New()),
		Amount:      amount,
		Destination: "iban:DE89",
	}
}

func TestClient_DisburseSendsIdempotencyKey(t *testing.T) {
	g := &gateway{}
	c := newClient(t, g)
	r := request(12345)

	require.NoError(t, c.Disburse(context.Background(), r))
	require.NoError(t, c.Disburse(context.Background(), request(100)))

	assert.Equal(t, int32(1), g.tokenCalls.Load(), "token reused across calls")
	require.Len(t, g.keys, 2)
	assert.Equal(t, r.RequestID.String(), g.keys[0])
	assert.Equal(t, "123.45", g.payloads[0]["amount"])
	assert.Equal(t, "USD", g.payloads[0]["currency"])
	assert.Equal(t, "iban:DE89", g.payloads[0]["destination"])
}

func TestClient_RetriesOnceWithFreshToken(t *testing.T) {
	g := &gateway{}
	g.revokeFirst.Store(true)
	c := newClient(t, g)

	require.NoError(t, c.Disburse(context.Background(), request(500)))
	assert.Equal(t, int32(2), g.tokenCalls.Load())
	assert.Equal(t, int32(2), g.payoutCalls.Load())
}

func TestClient_ConflictMeansAlreadyPaid(t *testing.T) {
	g := &gateway{status: http.StatusConflict}
	c := newClient(t, g)
	assert.NoError(t, c.Disburse(context.Background(), request(500)))
}

func TestClient_GatewayErrorSurfaces(t *testing.T) {
	g := &gateway{status: http.StatusBadGateway}
	c := newClient(t, g)
	err := c.Disburse(context.Background(), request(500))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestClient_BadCredentials(t *testing.T) {
	g := &gateway{}
	srv := httptest.NewServer(g.handler(t))
	t.Cleanup(srv.Close)
	c := payout.NewClient(payout.Config{BaseURL: srv.URL, ClientID: "client", ClientSecret: "wrong", Logger: zerolog.Nop()})

	err := c.Disburse(context.Background(), request(500))
	require.Error(t, err)
	assert.Zero(t, g.payoutCalls.Load())
}

var _ reservation.Disburser = (*payout.Client)(nil)

func TestTokenCache_RefreshesNearExpiry(t *testing.T) {
	var calls atomic.Int32
	now := time.Now()
	cache := payout.NewTokenCache(func(context.Context) (payout.Token, error) {
		n := calls.Add(1)
		return payout.Token{Value: fmt.Sprintf("t%d", n), ExpiresAt: now.Add(2 * time.Minute)}, nil
	}, time.Minute)

	v, err := cache.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t1", v)

	v, _ = cache.Get(context.Background())
	assert.Equal(t, "t1", v)

	// Inside the skew window the token counts as expired
	payout.SetClock(cache, func() time.Time { return now.Add(90 * time.Second) })
	v, _ = cache.Get(context.Background())
	assert.Equal(t, "t2", v)

	cache.Invalidate()
	v, _ = cache.Get(context.Background())
	assert.Equal(t, "t3", v)
}

func TestTokenCache_ConcurrentCallersShareRefresh(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	cache := payout.NewTokenCache(func(context.Context) (payout.Token, error) {
		calls.Add(1)
		<-release
		return payout.Token{Value: "shared", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}, 0)

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = cache.Get(context.Background())
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, "shared", r)
	}
}

func TestTokenCache_FetchErrorNotCached(t *testing.T) {
	var calls atomic.Int32
	cache := payout.NewTokenCache(func(context.Context) (payout.Token, error) {
		if calls.Add(1) == 1 {
			return payout.Token{}, fmt.Errorf("gateway down")
		}
		return payout.Token{Value: "ok", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}, 0)

	_, err := cache.Get(context.Background())
	require.Error(t, err)
	v, err := cache.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestTokenCache_CancelledCallerDoesNotFailWaiters(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var fetchErr atomic.Value
	var once sync.Once
	cache := payout.NewTokenCache(func(ctx context.Context) (payout.Token, error) {
		once.Do(func() { close(started) })
		<-release
		if ctx.Err() != nil {
			fetchErr.Store(ctx.Err())
		}
		return payout.Token{Value: "fresh", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}, 0)

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := cache.Get(firstCtx)
		firstErr <- err
	}()
	<-started

	second := make(chan string, 1)
	go func() {
		v, _ := cache.Get(context.Background())
		second <- v
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	assert.Equal(t, "fresh", <-second)
	assert.Nil(t, fetchErr.Load(), "shared fetch saw the first caller's cancellation")
}
