// Package api is the HTTP surface: health and diagnostics, Prometheus
// metrics, the websocket subscription endpoint, and the authenticated
// wallet operations.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/adred-codev/chainwatch/internal/config"
	"github.com/adred-codev/chainwatch/internal/emitter"
	"github.com/adred-codev/chainwatch/internal/monitor"
	"github.com/adred-codev/chainwatch/internal/store"
	"github.com/adred-codev/chainwatch/internal/wallet"
)

// Server hosts every HTTP endpoint of the process.
type Server struct {
	logger      zerolog.Logger
	cfg         *config.Config
	engine      *monitor.Engine
	withdrawals *wallet.Service
	store       *store.Store
	hub         *emitter.Hub
	auth        *Authenticator

	natsHealth func() bool
	httpServer *http.Server
	startedAt  time.Time
	proc       *process.Process
}

// NewServer wires the routes. natsHealth may be nil when no NATS sink
// is configured.
func NewServer(logger zerolog.Logger, cfg *config.Config, engine *monitor.Engine, withdrawals *wallet.Service, st *store.Store, hub *emitter.Hub, natsHealth func() bool) *Server {
	s := &Server{
		logger:      logger.With().Str("component", "api").Logger(),
		cfg:         cfg,
		engine:      engine,
		withdrawals: withdrawals,
		store:       st,
		hub:         hub,
		auth:        NewAuthenticator(cfg.JWTSecret),
		natsHealth:  natsHealth,
		startedAt:   time.Now(),
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = proc
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /diagnostics", s.handleDiagnostics)
	mux.HandleFunc("GET /ws", hub.HandleWS)

	mux.Handle("POST /v1/wallets", s.auth.Middleware(http.HandlerFunc(s.handleRegisterWallet)))
	mux.Handle("GET /v1/activities", s.auth.Middleware(http.HandlerFunc(s.handleActivities)))
	mux.Handle("POST /v1/withdraw", s.auth.Middleware(http.HandlerFunc(s.handleWithdraw)))
	mux.Handle("POST /v1/check/{chainID}", s.auth.Middleware(http.HandlerFunc(s.handleTriggerCheck)))

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket upgrades share this listener
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the routed mux, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Auth exposes the authenticator so the websocket hub can share it.
func (s *Server) Auth() *Authenticator {
	return s.auth
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests, then closes the websocket hub.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.hub.Shutdown()
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"connections":    s.hub.ConnectionCount(),
	}
	if s.natsHealth != nil {
		resp["nats_connected"] = s.natsHealth()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	sys := map[string]any{
		"goroutines": runtime.NumGoroutine(),
	}
	if s.proc != nil {
		if cpu, err := s.proc.CPUPercent(); err == nil {
			sys["cpu_percent"] = cpu
		}
		if mem, err := s.proc.MemoryInfo(); err == nil {
			sys["rss_bytes"] = mem.RSS
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"connections":    s.hub.ConnectionCount(),
		"system":         sys,
		"chains":         s.engine.Diagnostics(),
	})
}

type registerWalletRequest struct {
	ChainID uint64 `json:"chainId"`
}

func (s *Server) handleRegisterWallet(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())
	if claims.Email == "" {
		writeError(w, http.StatusBadRequest, "token missing email claim")
		return
	}

	var req registerWalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	addr, err := wallet.DeriveAddress(claims.UserID, claims.Email, s.cfg.WalletSecret)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", claims.UserID).Msg("address derivation failed")
		writeError(w, http.StatusInternalServerError, "derivation failed")
		return
	}

	added, err := s.engine.RegisterWallet(r.Context(), req.ChainID, addr.Hex(), claims.UserID)
	if err != nil {
		if errors.Is(err, monitor.ErrUnknownChain) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error().Err(err).Str("user_id", claims.UserID).Msg("wallet registration failed")
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"address": addr.Hex(),
		"chainId": req.ChainID,
		"created": added,
	})
}

func (s *Server) handleActivities(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())

	chainID, err := strconv.ParseUint(r.URL.Query().Get("chainId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "chainId query parameter is required")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	row, err := s.store.WalletForUser(r.Context(), chainID, claims.UserID)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"activities": []store.Activity{}})
		return
	}

	activities, err := s.store.ActivitiesForWallet(r.Context(), chainID, row.Address, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("activity query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": activities})
}

type withdrawRequest struct {
	ChainID uint64 `json:"chainId"`
	To      string `json:"to"`
	Amount  string `json:"amount"` // wei, decimal string
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())
	if claims.Email == "" {
		writeError(w, http.StatusBadRequest, "token missing email claim")
		return
	}

	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be a positive decimal wei string")
		return
	}

	res, err := s.withdrawals.Withdraw(r.Context(), claims.UserID, claims.Email, req.ChainID, req.To, amount)
	if err != nil {
		switch {
		case errors.Is(err, wallet.ErrNoWallet),
			errors.Is(err, wallet.ErrUnknownChain),
			errors.Is(err, wallet.ErrSelfTransfer),
			errors.Is(err, wallet.ErrBadDestination),
			errors.Is(err, wallet.ErrInsufficientFunds):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, wallet.ErrReceiptTimeout):
			writeError(w, http.StatusGatewayTimeout, err.Error())
		default:
			s.logger.Error().Err(err).Str("user_id", claims.UserID).Msg("withdrawal failed")
			writeError(w, http.StatusInternalServerError, "withdrawal failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTriggerCheck(w http.ResponseWriter, r *http.Request) {
	chainID, err := strconv.ParseUint(r.PathValue("chainID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chain id")
		return
	}
	if err := s.engine.TriggerCheck(chainID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"triggered": chainID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
