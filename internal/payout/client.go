package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"WalletLedger/internal/money"
	"WalletLedger/internal/reservation"

	"github.com/rs/zerolog"
)

var ErrUnauthorized = errors.New("payment gateway rejected credentials")

type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Currency     string
	Timeout      time.Duration
	TokenSkew    time.Duration // Refresh this long before expiry
	Logger       zerolog.Logger
}

// Client disburses paid withdrawals and affiliate payouts through the
// payment gateway. Each client owns its token cache.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	currency     string
	http         *http.Client
	tokens       *TokenCache
	logger       zerolog.Logger
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.TokenSkew == 0 {
		cfg.TokenSkew = time.Minute
	}
	c := &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		currency:     cfg.Currency,
		http:         &http.Client{Timeout: cfg.Timeout},
		logger:       cfg.Logger,
	}
	c.tokens = NewTokenCache(c.fetchToken, cfg.TokenSkew)
	return c
}

func (c *Client) fetchToken(ctx context.Context) (Token, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, err
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("fetch token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Token{}, fmt.Errorf("fetch token: status %d: %s", resp.StatusCode, body)
	}

	var res struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"` // Seconds
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Token{}, fmt.Errorf("decode token: %w", err)
	}
	if res.AccessToken == "" {
		return Token{}, errors.New("fetch token: empty access token")
	}
	return Token{
		Value:     res.AccessToken,
		ExpiresAt: time.Now().Add(time.Duration(res.ExpiresIn) * time.Second),
	}, nil
}

type payoutRequest struct {
	RequestID   string `json:"request_id"`
	Kind        string `json:"kind"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Destination string `json:"destination"`
}

// Disburse implements reservation.Disburser. The request id is sent as the
// idempotency key so retries never pay twice; 409 means already paid.
func (c *Client) Disburse(ctx context.Context, r *reservation.Request) error {
	body, err := json.Marshal(payoutRequest{
		RequestID:   r.RequestID.String(),
		Kind:        string(r.Kind),
		Amount:      money.Format(r.Amount, money.CentsConfig),
		Currency:    c.currency,
		Destination: r.Destination,
	})
	if err != nil {
		return err
	}

	err = c.post(ctx, "/v1/payouts", r.RequestID.String(), body)
	if errors.Is(err, ErrUnauthorized) {
		// Token revoked before its expiry: refresh once
		c.tokens.Invalidate()
		err = c.post(ctx, "/v1/payouts", r.RequestID.String(), body)
	}
	if err != nil {
		return err
	}

	c.logger.Info().
		Str("request_id", r.RequestID.String()).
		Str("owner", r.Wallet.Path()).
		Int64("amount", r.Amount).
		Msg("payout disbursed")
	return nil
}

func (c *Client) post(ctx context.Context, path, idempotencyKey string, body []byte) error {
	token, err := c.tokens.Get(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300, resp.StatusCode == http.StatusConflict:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("post %s: status %d: %s", path, resp.StatusCode, msg)
	}
}
