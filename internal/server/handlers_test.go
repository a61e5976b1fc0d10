package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"WalletLedger/internal/core"
	"WalletLedger/internal/ingestion"
	"WalletLedger/internal/ledger"
	"WalletLedger/internal/observability"
	"WalletLedger/internal/query"
	"WalletLedger/internal/reservation"
	"WalletLedger/internal/rollover"
	"WalletLedger/internal/server"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	srv       *httptest.Server
	processor *core.Processor
	protocol  *reservation.Protocol
	metrics   *observability.Metrics
	user      uuid.UUID
}

func newEnv(t *testing.T) *env {
	t.Helper()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	p := core.NewProcessor(ledger.NewMemoryStore())
	sub := rollover.NewSubledger(p, rollover.Config{Logger: zerolog.Nop()})
	protocol := reservation.NewProtocol(p, reservation.NewMemoryRepository(), nil, reservation.Config{Logger: zerolog.Nop()})
	dispatcher := ingestion.NewDispatcher(p, sub, protocol, ingestion.DispatcherConfig{Logger: zerolog.Nop()})

	health := observability.NewHealthChecker()
	health.SetReady(true)

	handler, err := server.NewHTTPHandler(&server.ServerDeps{
		QueryService:  query.NewQueryService(p.Store()),
		Rollover:      sub,
		Reservations:  protocol,
		AdminIngest:   ingestion.NewAdminIngestService(dispatcher),
		HealthChecker: health,
		Metrics:       metrics,
		Logger:        zerolog.Nop(),
		StartTime:     time.Now(),
	})
	require.NoError(t, err)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	e := &env{srv: srv, processor: p, protocol: protocol, metrics: metrics, user: uuid.New()}
	ctx := context.Background()
	key := ledger.UserWallet(e.user)
	_, err = p.OpenWallet(ctx, key, "USD")
	require.NoError(t, err)
	_, err = p.ApplyBalanceChange(ctx, core.ChangeRequest{
		Wallet: key, Amount: 10000, Type: ledger.TypeDeposit, ReferenceID: core.DepositRef("stripe", "pi_1"),
		Metadata: ledger.DepositMeta{Gateway: "stripe", ExternalID: "pi_1"},
	})
	require.NoError(t, err)
	return e
}

func (e *env) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestBalanceRoute(t *testing.T) {
	e := newEnv(t)

	status, body := e.do(t, http.MethodGet, "/v1/wallets/user/"+e.user.String()+"/balance", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "user", body["scope"])
	assert.Equal(t, float64(10000), body["balance"])
	assert.Equal(t, "100.00", body["balance_display"])

	status, body = e.do(t, http.MethodGet, "/v1/wallets/user/"+uuid.NewString()+"/balance", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NotFound", body["code"])

	status, _ = e.do(t, http.MethodGet, "/v1/wallets/merchant/"+e.user.String()+"/balance", "")
	assert.Equal(t, http.StatusBadRequest, status)

	assert.Equal(t, float64(1), promtest.ToFloat64(e.metrics.QueryRequests.WithLabelValues("balance", "200")))
	assert.Equal(t, float64(1), promtest.ToFloat64(e.metrics.QueryRequests.WithLabelValues("balance", "404")))
}

func TestEntriesRoute(t *testing.T) {
	e := newEnv(t)
	base := "/v1/wallets/user/" + e.user.String() + "/entries"

	status, body := e.do(t, http.MethodGet, base+"?type=DEPOSIT&limit=10", "")
	require.Equal(t, http.StatusOK, status)
	entries := body["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "deposit:stripe:pi_1", entries[0].(map[string]any)["reference_id"])

	status, body = e.do(t, http.MethodGet, base+"?type=JACKPOT", "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "The request is invalid.", body["message"])

	status, _ = e.do(t, http.MethodGet, base+"?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestEligibilityRoute(t *testing.T) {
	e := newEnv(t)

	status, body := e.do(t, http.MethodGet, "/v1/wallets/user/"+e.user.String()+"/eligibility", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["can_withdraw"])

	status, body = e.do(t, http.MethodPost, "/v1/admin/bonuses",
		`{"user_id":"`+e.user.String()+`","reference":"bonus:support:7","amount":"10","multiplier":"5"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "applied", body["outcome"])

	_, body = e.do(t, http.MethodGet, "/v1/wallets/user/"+e.user.String()+"/eligibility", "")
	assert.Equal(t, false, body["can_withdraw"])
	assert.Equal(t, float64(5000), body["rollover_remaining"])
}

func TestRequestLifecycleRoutes(t *testing.T) {
	e := newEnv(t)
	req, err := e.protocol.Create(context.Background(), reservation.CreateInput{
		Kind: reservation.KindWithdrawal, OwnerID: e.user, Amount: 2500,
	})
	require.NoError(t, err)
	base := "/v1/admin/requests/" + req.RequestID.String()

	status, body := e.do(t, http.MethodPost, base+"/approve", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "APPROVED", body["status"])

	status, body = e.do(t, http.MethodPost, base+"/pay", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "PAID", body["status"])
	assert.Equal(t, "25.00", body["amount_display"])

	status, body = e.do(t, http.MethodPost, base+"/reject", `{"reason":"too late"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "FailedPrecondition", body["code"])

	status, _ = e.do(t, http.MethodPost, "/v1/admin/requests/"+uuid.NewString()+"/approve", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = e.do(t, http.MethodPost, "/v1/admin/requests/not-a-uuid/approve", "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = e.do(t, http.MethodGet, "/v1/wallets/user/"+e.user.String()+"/requests", "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["requests"], 1)
}

func TestAdminRoutes(t *testing.T) {
	e := newEnv(t)

	status, body := e.do(t, http.MethodPost, "/v1/admin/deposits",
		`{"user_id":"`+e.user.String()+`","gateway":"stripe","external_id":"pi_2","amount":"12.34"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "applied", body["outcome"])

	_, body = e.do(t, http.MethodGet, "/v1/wallets/user/"+e.user.String()+"/balance", "")
	assert.Equal(t, float64(11234), body["balance"])

	status, _ = e.do(t, http.MethodPost, "/v1/admin/deposits", `{"user_id":"`+e.user.String()+`","amount":"1.234"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = e.do(t, http.MethodGet, "/v1/admin/integrity", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["is_healthy"])
	assert.Equal(t, float64(1), body["checked"])

	status, body = e.do(t, http.MethodGet, "/v1/admin/reconciliation", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["is_consistent"])

	status, body = e.do(t, http.MethodGet, "/v1/admin/status", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["ready"])

	status, _ = e.do(t, http.MethodPost, "/v1/admin/grants/"+uuid.NewString()+"/cancel", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHealthRoutes(t *testing.T) {
	e := newEnv(t)
	resp, err := http.Get(e.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(e.srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
