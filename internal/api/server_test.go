package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/chainwatch/internal/config"
	"github.com/adred-codev/chainwatch/internal/emitter"
	"github.com/adred-codev/chainwatch/internal/monitor"
	"github.com/adred-codev/chainwatch/internal/persist"
	"github.com/adred-codev/chainwatch/internal/registry"
	"github.com/adred-codev/chainwatch/internal/rpcgate"
	"github.com/adred-codev/chainwatch/internal/store"
	"github.com/adred-codev/chainwatch/internal/wallet"
)

type noopSink struct{}

func (noopSink) Enqueue(context.Context, persist.Candidate) error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		Addr:         ":0",
		JWTSecret:    "test-jwt-secret",
		WalletSecret: "test-wallet-secret",
		Chains: []config.ChainConfig{
			{ChainID: 8453, RPCURL: "http://127.0.0.1:9", BlockTime: 2 * time.Second},
		},
		MaxConcurrentRPC: 4,
		RPCTimeout:       time.Second,
		ConcurrentBlocks: 2,
		InitialWindow:    200,
		NewWalletWindow:  100,
		MaxRetries:       1,
		RetryBase:        time.Millisecond,
		RetryMax:         time.Millisecond,
		BreakerThreshold: 10,
		BreakerCooldown:  time.Minute,
		PollInterval:     time.Minute,
		CheckInterval:    time.Minute,
		Debounce:         time.Second,
	}
}

func newTestServer(t *testing.T) (*Server, *Authenticator) {
	t.Helper()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := zerolog.Nop()
	cfg := testConfig()
	gate := rpcgate.New(cfg.MaxConcurrentRPC, 0, cfg.RPCTimeout)
	reg := registry.New(logger, st)
	engine := monitor.NewEngine(context.Background(), logger, cfg, gate, reg, noopSink{})
	withdrawals := wallet.NewService(logger, st, noopSink{}, gate, nil, cfg.WalletSecret)
	hub := emitter.NewHub(logger, func(r *http.Request) (string, error) { return "", nil })

	srv := NewServer(logger, cfg, engine, withdrawals, st, hub, nil)
	return srv, srv.Auth()
}

func authedRequest(t *testing.T, auth *Authenticator, method, target string, body any) *http.Request {
	t.Helper()
	token, err := auth.IssueToken(Claims{UserID: "user-1", Email: "alice@example.com"})
	require.NoError(t, err)

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp["status"])
}

func TestDiagnosticsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/diagnostics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Chains []monitor.ChainDiagnostics `json:"chains"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Chains, 1)
	require.Equal(t, uint64(8453), resp.Chains[0].ChainID)
}

func TestAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t)
	for _, target := range []string{"/v1/wallets", "/v1/withdraw", "/v1/check/8453"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, target, bytes.NewBufferString("{}")))
		require.Equal(t, http.StatusUnauthorized, rec.Code, target)
	}
}

func TestAuthRejectsBadToken(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/wallets", bytes.NewBufferString("{}"))
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterWallet(t *testing.T) {
	srv, auth := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authedRequest(t, auth, http.MethodPost, "/v1/wallets",
		map[string]any{"chainId": 8453}))
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Address string `json:"address"`
		Created bool   `json:"created"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Created)

	want, err := wallet.DeriveAddress("user-1", "alice@example.com", "test-wallet-secret")
	require.NoError(t, err)
	require.Equal(t, want.Hex(), resp.Address)

	// Idempotent: second registration reports the same address, not
	// created.
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authedRequest(t, auth, http.MethodPost, "/v1/wallets",
		map[string]any{"chainId": 8453}))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterWalletUnknownChain(t *testing.T) {
	srv, auth := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authedRequest(t, auth, http.MethodPost, "/v1/wallets",
		map[string]any{"chainId": 1}))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWithdrawValidation(t *testing.T) {
	srv, auth := newTestServer(t)

	// Unparseable amount.
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authedRequest(t, auth, http.MethodPost, "/v1/withdraw",
		map[string]any{"chainId": 8453, "to": "0x00000000000000000000000000000000000000dd", "amount": "1.5"}))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Chain without a transaction client.
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authedRequest(t, auth, http.MethodPost, "/v1/withdraw",
		map[string]any{"chainId": 8453, "to": "0x00000000000000000000000000000000000000dd", "amount": "1000"}))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerCheck(t *testing.T) {
	srv, auth := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authedRequest(t, auth, http.MethodPost, "/v1/check/8453", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authedRequest(t, auth, http.MethodPost, "/v1/check/999", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authedRequest(t, auth, http.MethodPost, "/v1/check/abc", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestActivitiesEmptyForNewUser(t *testing.T) {
	srv, auth := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authedRequest(t, auth, http.MethodGet,
		fmt.Sprintf("/v1/activities?chainId=%d", 8453), nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
