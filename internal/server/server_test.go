package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/nulzo/relay/internal/config"
	"github.com/nulzo/relay/internal/core/domain"
	"github.com/nulzo/relay/internal/llm"
	"github.com/nulzo/relay/internal/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		RunDir:      filepath.Join(dir, "run"),
		LedgerPath:  filepath.Join(dir, "usage.jsonl"),
		ProjectRoot: dir,
		Providers: map[string]domain.ProviderConfig{
			"openai": {
				Name: "openai", Type: "openai",
				Endpoint: "https://api.openai.com/v1",
				Auth:     domain.PlainSecret("sk-secret-value"),
			},
		},
		Server:  config.ServerConfig{Enabled: true, Addr: "127.0.0.1:0"},
		Sources: map[string]string{"providers": config.SourceProject},
	}

	rt, err := router.New(cfg, router.Deps{Providers: map[string]llm.Provider{}})
	require.NoError(t, err)

	return New(cfg, zap.NewNop(), rt)
}

func doGet(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	rec := doGet(t, newTestServer(t), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestConfigViewRedactsSecrets(t *testing.T) {
	rec := doGet(t, newTestServer(t), "/config")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sk-secret-value")
	assert.Contains(t, rec.Body.String(), domain.Redacted)
	assert.Contains(t, rec.Body.String(), config.SourceProject)
}

func TestSpendView(t *testing.T) {
	rec := doGet(t, newTestServer(t), "/spend")
	assert.Equal(t, http.StatusOK, rec.Code)

	var view map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Contains(t, view, "spent_micro_usd")
	assert.Contains(t, view, "by_provider")
}
