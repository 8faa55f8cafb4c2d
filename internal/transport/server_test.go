package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshforge/fabricd/internal/auth"
	"github.com/meshforge/fabricd/internal/config"
	"github.com/meshforge/fabricd/internal/fabric"
	"github.com/meshforge/fabricd/internal/mailbox"
)

type fakeGossipView struct{}

func (fakeGossipView) Summary() map[string]uint64 { return map[string]uint64{} }
func (fakeGossipView) RecordsNewerThan(theirSummary map[string]uint64) map[string]fabric.NodeRecord {
	return nil
}
func (fakeGossipView) Merge(incoming map[string]fabric.NodeRecord) []string { return nil }
func (fakeGossipView) SelfRecord() fabric.NodeRecord {
	return fabric.NodeRecord{NodeID: "coord-1", Role: fabric.RoleCoordinator}
}

type fakeMailbox struct{}

func (fakeMailbox) PollSince(ctx context.Context, clientID string, afterID uint64) []mailbox.Message {
	return nil
}
func (fakeMailbox) Push(clientID, sender string, payload any) mailbox.Message {
	return mailbox.Message{}
}

type fakeDispatcher struct{}

func (fakeDispatcher) Dispatch(ctx context.Context, callerRole fabric.Role, method string, params json.RawMessage) (any, error) {
	return "ok", nil
}

func generousRateLimit() config.RateLimitConfig {
	return config.RateLimitConfig{RequestsPerMinute: 6000, Burst: 6000}
}

func newTestServer(t *testing.T, authSvc *auth.Service) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewServer(Config{
		Auth:       authSvc,
		Gossip:     fakeGossipView{},
		Mailbox:    fakeMailbox{},
		Dispatcher: fakeDispatcher{},
		RateLimit:  generousRateLimit(),
	})
}

func TestRPCRejectsRevokedTokenWithEnvelopeNot401(t *testing.T) {
	authSvc := auth.NewService(auth.DefaultConfig("test-secret"), nil)
	defer authSvc.Close()

	token, err := authSvc.IssueToken("worker-1", fabric.RoleWorker)
	require.NoError(t, err)
	claims, err := authSvc.Verify(token)
	require.NoError(t, err)
	authSvc.Revoke(claims)

	srv := newTestServer(t, authSvc)

	body := []byte(`{"method":"hash_coordinator/get_job_status","params":{},"id":"req-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var envelope struct {
		Error *rpcErrorBody `json:"error"`
		ID    string        `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NotNil(t, envelope.Error)
	assert.Equal(t, "auth_revoked", envelope.Error.Code)
	assert.Equal(t, "req-1", envelope.ID)
}

func TestRPCWithValidTokenDispatches(t *testing.T) {
	authSvc := auth.NewService(auth.DefaultConfig("test-secret"), nil)
	defer authSvc.Close()

	token, err := authSvc.IssueToken("worker-1", fabric.RoleWorker)
	require.NoError(t, err)

	srv := newTestServer(t, authSvc)

	body := []byte(`{"method":"hash_coordinator/get_job_status","params":{},"id":"req-2"}`)
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var envelope struct {
		Result any    `json:"result"`
		ID     string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "ok", envelope.Result)
}

func TestRPCWithMissingTokenReturnsEnvelopeError(t *testing.T) {
	authSvc := auth.NewService(auth.DefaultConfig("test-secret"), nil)
	defer authSvc.Close()

	srv := newTestServer(t, authSvc)

	body := []byte(`{"method":"hash_coordinator/get_job_status","params":{},"id":"req-3"}`)
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var envelope struct {
		Error *rpcErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NotNil(t, envelope.Error)
	assert.Equal(t, "auth_invalid", envelope.Error.Code)
}

func TestGossipPullIsGetWithSinceVector(t *testing.T) {
	authSvc := auth.NewService(auth.DefaultConfig("test-secret"), nil)
	defer authSvc.Close()

	token, err := authSvc.IssueToken("worker-1", fabric.RoleWorker)
	require.NoError(t, err)

	srv := newTestServer(t, authSvc)

	req := httptest.NewRequest(http.MethodGet, "/gossip/pull?since="+url.QueryEscape(`{"coord-1":3}`), nil)
	req.Header.Set("Authorization", "Bearer "+token)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Summary map[string]uint64 `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotNil(t, resp.Summary)
}

func TestGossipPullRejectsMalformedSinceVector(t *testing.T) {
	authSvc := auth.NewService(auth.DefaultConfig("test-secret"), nil)
	defer authSvc.Close()

	token, err := authSvc.IssueToken("worker-1", fabric.RoleWorker)
	require.NoError(t, err)

	srv := newTestServer(t, authSvc)

	req := httptest.NewRequest(http.MethodGet, "/gossip/pull?since=not-json", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthRequiresNoAuth(t *testing.T) {
	authSvc := auth.NewService(auth.DefaultConfig("test-secret"), nil)
	defer authSvc.Close()

	srv := newTestServer(t, authSvc)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
