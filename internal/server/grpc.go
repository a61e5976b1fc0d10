package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"WalletLedger/internal/ingestion"
	"WalletLedger/internal/observability"
	"WalletLedger/internal/query"
	"WalletLedger/internal/reservation"
	"WalletLedger/internal/rollover"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// GRPCServer wraps the gRPC server (health, reflection) and the HTTP
// gateway mux serving the wallet query and admin routes.
type GRPCServer struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	grpcAddr     string
	httpAddr     string
	handler      http.Handler
	logger       zerolog.Logger
}

// ServerDeps holds everything the routes call into
type ServerDeps struct {
	QueryService  *query.QueryService
	Rollover      *rollover.Subledger
	Reservations  *reservation.Protocol
	AdminIngest   *ingestion.AdminIngestService
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
	StartTime     time.Time
}

// NewGRPCServer creates the gRPC server and builds the HTTP handler.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) (*GRPCServer, error) {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	handler, err := NewHTTPHandler(deps)
	if err != nil {
		return nil, err
	}

	return &GRPCServer{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		grpcAddr:     grpcAddr,
		httpAddr:     httpAddr,
		handler:      handler,
		logger:       deps.Logger,
	}, nil
}

// SetServing flips the gRPC health status; mirrors readiness
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the HTTP routes (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// NewHTTPHandler registers the wallet routes on a gateway mux and mounts
// the health endpoints next to it.
func NewHTTPHandler(deps *ServerDeps) (http.Handler, error) {
	mux := runtime.NewServeMux()
	h := &handlers{deps: deps}

	routes := []struct {
		method, pattern, endpoint string
		fn                        runtime.HandlerFunc
	}{
		{http.MethodGet, "/v1/wallets/{scope}/{owner_id}/balance", "balance", h.getBalance},
		{http.MethodGet, "/v1/wallets/{scope}/{owner_id}/eligibility", "eligibility", h.getEligibility},
		{http.MethodGet, "/v1/wallets/{scope}/{owner_id}/entries", "entries", h.listEntries},
		{http.MethodGet, "/v1/wallets/{scope}/{owner_id}/requests", "requests", h.listRequests},
		{http.MethodGet, "/v1/admin/integrity", "integrity", h.checkIntegrity},
		{http.MethodGet, "/v1/admin/reconciliation", "reconciliation", h.reconcile},
		{http.MethodGet, "/v1/admin/status", "status", h.status},
		{http.MethodPost, "/v1/admin/requests/{request_id}/approve", "approve", h.approveRequest},
		{http.MethodPost, "/v1/admin/requests/{request_id}/reject", "reject", h.rejectRequest},
		{http.MethodPost, "/v1/admin/requests/{request_id}/pay", "pay", h.payRequest},
		{http.MethodPost, "/v1/admin/grants/{grant_id}/cancel", "cancel_grant", h.cancelGrant},
		{http.MethodPost, "/v1/admin/deposits", "inject_deposit", h.injectDeposit},
		{http.MethodPost, "/v1/admin/bonuses", "inject_bonus", h.injectBonus},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, h.instrument(r.endpoint, r.fn)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if deps.HealthChecker != nil {
		httpMux.HandleFunc("/healthz", deps.HealthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", deps.HealthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok"}`)
		})
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}
