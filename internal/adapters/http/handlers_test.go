package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwickert/elicit/internal/config"
	"github.com/mwickert/elicit/internal/relay"
	"github.com/mwickert/elicit/internal/segment"
)

func testRouter() http.Handler {
	cfg := &config.Config{Mode: "release", Secret: "test-secret", PresenceTTL: 30 * time.Second}
	return SetupRouter(context.Background(), cfg, relay.NewHub(cfg.PresenceTTL), segment.NewStore())
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestSegmentIngestRejectsEmptyPayloads(t *testing.T) {
	h := testRouter()
	w := postJSON(t, h, "/api/segment", map[string]any{"imageIndex": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSegmentIngestOverwrites(t *testing.T) {
	h := testRouter()
	body := map[string]any{
		"evaluatorId": "eva",
		"clientId":    "cli",
		"imageIndex":  2,
		"signedUrl":   "https://cdn/2.png?sig",
	}

	var first, second struct {
		OK        bool   `json:"ok"`
		SegmentID string `json:"segmentId"`
	}
	w := postJSON(t, h, "/api/segment", body)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))

	w = postJSON(t, h, "/api/segment", body)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))

	assert.True(t, first.OK)
	assert.Equal(t, "eva_cli_2", first.SegmentID)
	assert.Equal(t, first.SegmentID, second.SegmentID)
}

func TestLoginAssignsRoleByPrefix(t *testing.T) {
	h := testRouter()

	w := postJSON(t, h, "/api/auth/login", map[string]string{"username": "eval-anna", "password": "x"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"evaluator"`)

	w = postJSON(t, h, "/api/auth/login", map[string]string{"username": "bob", "password": "x"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"client"`)

	w = postJSON(t, h, "/api/auth/login", map[string]string{"password": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOnlineClientsEmpty(t *testing.T) {
	h := testRouter()
	req := httptest.NewRequest(http.MethodGet, "/api/clients?transport=relayed", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"clients":[]}`, w.Body.String())
}
