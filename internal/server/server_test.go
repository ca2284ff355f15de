package server

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avernet/paylane/internal/config"
	"github.com/avernet/paylane/internal/rail"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubRail struct{}

func (s *stubRail) Transfer(ctx context.Context, to common.Address, amount *big.Int) (*rail.TransferResult, error) {
	return &rail.TransferResult{TxHash: "0xstub"}, nil
}

func (s *stubRail) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*rail.TransferResult, error) {
	return &rail.TransferResult{TxHash: txHash, BlockNumber: 1}, nil
}

func (s *stubRail) Address() string {
	return "0x00000000000000000000000000000000000000aa"
}

func testConfig() *config.Config {
	return &config.Config{
		Port:     "0",
		Env:      "test",
		LogLevel: "error",
		ChainID:  84532,
		Rates:    map[string]config.FeeRates{},
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := New(testConfig(), WithRail(&stubRail{}))
	require.NoError(t, err)
	return srv
}

func TestNew_WiresInMemoryStores(t *testing.T) {
	srv := newTestServer(t)
	assert.Nil(t, srv.db)
	assert.NotNil(t, srv.authority)
	assert.NotNil(t, srv.executor)
	assert.NotNil(t, srv.settleSvc)
	assert.NotNil(t, srv.hub)
	assert.NotNil(t, srv.dispatcher)
}

func TestNew_RelayerAddressMismatch(t *testing.T) {
	cfg := testConfig()
	cfg.RelayerAddress = "0x00000000000000000000000000000000000000bb"
	_, err := New(cfg, WithRail(&stubRail{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

func TestLivenessAndReadiness(t *testing.T) {
	srv := newTestServer(t)

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	// Readiness flips on only once Run has started the pipelines.
	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestPlatformInfo(t *testing.T) {
	srv := newTestServer(t)

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/platform", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Paylane")
	assert.Contains(t, w.Body.String(), (&stubRail{}).Address())
}

func TestOwnerRoutes_RejectMalformedAddress(t *testing.T) {
	srv := newTestServer(t)

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/owners/not-an-address/sessions", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/owners/0x1111111111111111111111111111111111111111/sessions", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminRoutes_RequireSecret(t *testing.T) {
	cfg := testConfig()
	cfg.AdminSecret = "hunter2"
	srv, err := New(cfg, WithRail(&stubRail{}))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/reconciliation", nil))
	assert.Equal(t, http.StatusNotFound, w.Code, "admin routes live under /v1/admin")

	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/reconciliation", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/reconciliation", nil)
	req.Header.Set("X-Admin-Secret", "hunter2")
	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminRoutes_DisabledWithoutSecret(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/reconciliation", nil)
	req.Header.Set("X-Admin-Secret", "anything")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code, "no configured secret means no admin access")
}
