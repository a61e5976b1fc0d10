package payout

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Token is a gateway access token and the instant it stops being valid
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// FetchFunc obtains a fresh token from the gateway
type FetchFunc func(ctx context.Context) (Token, error)

// TokenCache holds one client's access token. A token within skew of its
// expiry is refreshed; concurrent callers wait on a single refresh.
type TokenCache struct {
	fetch FetchFunc
	skew  time.Duration
	now   func() time.Time

	mu    sync.Mutex
	token Token
	group singleflight.Group
}

func NewTokenCache(fetch FetchFunc, skew time.Duration) *TokenCache {
	return &TokenCache{fetch: fetch, skew: skew, now: time.Now}
}

func (c *TokenCache) cached() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token.Value == "" || !c.now().Add(c.skew).Before(c.token.ExpiresAt) {
		return "", false
	}
	return c.token.Value, true
}

// Get returns a valid token, refreshing it if needed. The shared refresh
// outlives any one caller's cancellation; each caller stops waiting on its own ctx.
func (c *TokenCache) Get(ctx context.Context) (string, error) {
	if v, ok := c.cached(); ok {
		return v, nil
	}

	ch := c.group.DoChan("token", func() (any, error) {
		// Another caller may have refreshed while we queued
		if v, ok := c.cached(); ok {
			return v, nil
		}
		t, err := c.fetch(context.WithoutCancel(ctx))
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.token = t
		c.mu.Unlock()
		return t.Value, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return "", r.Err
		}
		return r.Val.(string), nil
	}
}

// Invalidate drops the cached token, e.g. after the gateway rejected it
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = Token{}
	c.mu.Unlock()
}
