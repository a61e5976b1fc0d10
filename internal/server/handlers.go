package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"WalletLedger/internal/ledger"
	"WalletLedger/internal/money"
	"WalletLedger/internal/query"
	"WalletLedger/internal/reservation"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
)

type handlers struct {
	deps *ServerDeps
}

// statusRecorder captures the response code for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (h *handlers) instrument(endpoint string, fn runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r, params)

		if m := h.deps.Metrics; m != nil {
			m.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
			m.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

// errorBody is the JSON error shape; messages never carry balances
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// grpcCode maps domain errors onto gRPC codes; the gateway's code table
// then gives the HTTP status
func grpcCode(err error) codes.Code {
	switch {
	case errors.Is(err, reservation.ErrRequestNotFound):
		return codes.NotFound
	case errors.Is(err, reservation.ErrInvalidTransition):
		return codes.FailedPrecondition
	}
	switch ledger.KindOf(err) {
	case ledger.ErrValidation:
		return codes.InvalidArgument
	case ledger.ErrInsufficientFunds, ledger.ErrInsufficientLockedFunds,
		ledger.ErrInsufficientBonus, ledger.ErrInsufficientRollover, ledger.ErrNothingToApply:
		return codes.FailedPrecondition
	case ledger.ErrWalletNotFound, ledger.ErrEntryNotFound, ledger.ErrGrantNotFound:
		return codes.NotFound
	case ledger.ErrDuplicateTransaction:
		return codes.Aborted
	default:
		return codes.Internal
	}
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := grpcCode(err)
	msg := ledger.PublicMessage(err)
	switch {
	case errors.Is(err, reservation.ErrRequestNotFound):
		msg = "The request was not found."
	case errors.Is(err, reservation.ErrInvalidTransition):
		msg = "The request is not in a state that allows this action."
	}
	if code == codes.Internal {
		h.deps.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, runtime.HTTPStatusFromCode(code), errorBody{Code: code.String(), Message: msg})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Code: codes.InvalidArgument.String(), Message: msg})
}

func walletKey(params map[string]string) (ledger.WalletKey, bool) {
	key, err := ledger.ParseWalletKey(params["scope"] + ":" + params["owner_id"])
	return key, err == nil
}

func (h *handlers) getBalance(w http.ResponseWriter, r *http.Request, params map[string]string) {
	key, ok := walletKey(params)
	if !ok {
		badRequest(w, "invalid wallet owner")
		return
	}
	snap, err := h.deps.QueryService.GetBalanceSnapshot(r.Context(), key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handlers) getEligibility(w http.ResponseWriter, r *http.Request, params map[string]string) {
	key, ok := walletKey(params)
	if !ok {
		badRequest(w, "invalid wallet owner")
		return
	}
	el, err := h.deps.Rollover.CheckWithdrawalEligibility(r.Context(), key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, query.EligibilityResponse{
		Owner:             key.Path(),
		CanWithdraw:       el.CanWithdraw,
		RolloverRemaining: el.RolloverRemaining,
	})
}

// listEntries accepts repeated ?type= filters and ?limit=
func (h *handlers) listEntries(w http.ResponseWriter, r *http.Request, params map[string]string) {
	key, ok := walletKey(params)
	if !ok {
		badRequest(w, "invalid wallet owner")
		return
	}
	var filter ledger.EntryFilter
	for _, t := range r.URL.Query()["type"] {
		filter.Types = append(filter.Types, ledger.TransactionType(t))
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit <= 0 || limit > 1000 {
			badRequest(w, "limit must be between 1 and 1000")
			return
		}
		filter.Limit = limit
	}

	entries, err := h.deps.QueryService.ListEntries(r.Context(), key, filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner": key.Path(), "entries": entries})
}

func (h *handlers) listRequests(w http.ResponseWriter, r *http.Request, params map[string]string) {
	key, ok := walletKey(params)
	if !ok {
		badRequest(w, "invalid wallet owner")
		return
	}
	reqs, err := h.deps.Reservations.List(r.Context(), key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]requestResponse, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, newRequestResponse(req))
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner": key.Path(), "requests": out})
}

func (h *handlers) checkIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report, err := h.deps.QueryService.CheckInvariants(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type mismatchResponse struct {
	Owner  string `json:"owner"`
	Locked int64  `json:"locked"`
	Open   int64  `json:"open"`
}

func (h *handlers) reconcile(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	mismatches, err := h.deps.Reservations.Reconcile(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]mismatchResponse, 0, len(mismatches))
	for _, m := range mismatches {
		out = append(out, mismatchResponse{Owner: m.Wallet.Path(), Locked: m.Locked, Open: m.Open})
	}
	writeJSON(w, http.StatusOK, map[string]any{"is_consistent": len(out) == 0, "mismatches": out})
}

func (h *handlers) status(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	ready := h.deps.HealthChecker != nil && h.deps.HealthChecker.IsReady()
	writeJSON(w, http.StatusOK, map[string]any{
		"ready":          ready,
		"uptime_seconds": int64(time.Since(h.deps.StartTime).Seconds()),
	})
}

func requestID(w http.ResponseWriter, params map[string]string) (uuid.UUID, bool) {
	id, err := uuid.Parse(params["request_id"])
	if err != nil {
		badRequest(w, "invalid request id")
		return uuid.Nil, false
	}
	return id, true
}

type reasonBody struct {
	Reason string `json:"reason"`
}

// decode reads an optional JSON body
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (h *handlers) approveRequest(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := requestID(w, params)
	if !ok {
		return
	}
	req, err := h.deps.Reservations.Approve(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRequestResponse(req))
}

func (h *handlers) rejectRequest(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := requestID(w, params)
	if !ok {
		return
	}
	var body reasonBody
	if err := decode(r, &body); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	req, err := h.deps.Reservations.Reject(r.Context(), id, body.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRequestResponse(req))
}

func (h *handlers) payRequest(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := requestID(w, params)
	if !ok {
		return
	}
	req, err := h.deps.Reservations.Pay(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRequestResponse(req))
}

func (h *handlers) cancelGrant(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := uuid.Parse(params["grant_id"])
	if err != nil {
		badRequest(w, "invalid grant id")
		return
	}
	var body reasonBody
	if err := decode(r, &body); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	entry, err := h.deps.Rollover.CancelGrant(r.Context(), id, body.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := map[string]any{"grant_id": id, "cancelled": true}
	if entry != nil {
		resp["forfeit_reference_id"] = entry.ReferenceID
		resp["forfeited_display"] = money.Format(entry.Amount, money.CentsConfig)
	}
	writeJSON(w, http.StatusOK, resp)
}

type depositBody struct {
	UserID     string `json:"user_id"`
	Gateway    string `json:"gateway"`
	ExternalID string `json:"external_id"`
	Amount     string `json:"amount"`
}

func (h *handlers) injectDeposit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var body depositBody
	if err := decode(r, &body); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	userID, err := uuid.Parse(body.UserID)
	if err != nil {
		badRequest(w, "invalid user id")
		return
	}
	amount, err := money.ParseAmount(body.Amount, money.CentsConfig)
	if err != nil {
		badRequest(w, "invalid amount")
		return
	}
	outcome, err := h.deps.AdminIngest.InjectDeposit(r.Context(), userID, body.Gateway, body.ExternalID, amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcome": outcome})
}

type bonusBody struct {
	UserID        string `json:"user_id"`
	Reference     string `json:"reference"`
	Amount        string `json:"amount"`
	Multiplier    string `json:"multiplier"`
	MaxWithdrawal string `json:"max_withdrawal"`
}

func (h *handlers) injectBonus(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var body bonusBody
	if err := decode(r, &body); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	userID, err := uuid.Parse(body.UserID)
	if err != nil {
		badRequest(w, "invalid user id")
		return
	}
	amount, err := money.ParseAmount(body.Amount, money.CentsConfig)
	if err != nil {
		badRequest(w, "invalid amount")
		return
	}
	multiplier, err := decimal.NewFromString(body.Multiplier)
	if err != nil {
		badRequest(w, "invalid multiplier")
		return
	}
	var maxWithdrawal int64
	if body.MaxWithdrawal != "" {
		if maxWithdrawal, err = money.ParseAmount(body.MaxWithdrawal, money.CentsConfig); err != nil {
			badRequest(w, "invalid max withdrawal")
			return
		}
	}
	outcome, err := h.deps.AdminIngest.InjectBonus(r.Context(), userID, body.Reference, amount, multiplier, maxWithdrawal)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcome": outcome})
}

type requestResponse struct {
	RequestID     uuid.UUID `json:"request_id"`
	Kind          string    `json:"kind"`
	Owner         string    `json:"owner"`
	Amount        int64     `json:"amount"`
	AmountDisplay string    `json:"amount_display"`
	Status        string    `json:"status"`
	ReserveRef    string    `json:"reserve_ref"`
	ReleaseRef    string    `json:"release_ref,omitempty"`
	ClearRef      string    `json:"clear_ref,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Auto          bool      `json:"auto"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func newRequestResponse(r *reservation.Request) requestResponse {
	return requestResponse{
		RequestID:     r.RequestID,
		Kind:          string(r.Kind),
		Owner:         r.Wallet.Path(),
		Amount:        r.Amount,
		AmountDisplay: money.Format(r.Amount, money.CentsConfig),
		Status:        string(r.Status),
		ReserveRef:    r.ReserveRef,
		ReleaseRef:    r.ReleaseRef,
		ClearRef:      r.ClearRef,
		Reason:        r.Reason,
		Auto:          r.Auto,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}
