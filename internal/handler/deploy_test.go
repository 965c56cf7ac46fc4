package handler

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"appforge/internal/config"
	"appforge/internal/deploy"
	"appforge/internal/provider"
	"appforge/internal/service"

	"github.com/gin-gonic/gin"
)

func TestProviderErrStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{provider.ErrSandboxNotFound, http.StatusNotFound},
		{provider.ErrFileNotFound, http.StatusNotFound},
		{provider.ErrTemplateNotFound, http.StatusNotFound},
		{provider.ErrQuotaExceeded, http.StatusTooManyRequests},
		{provider.ErrProviderUnavailable, http.StatusServiceUnavailable},
		{provider.ErrNotInitialized, http.StatusServiceUnavailable},
		{provider.ErrCommandTimeout, http.StatusGatewayTimeout},
		{fmt.Errorf("something else"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := providerErrStatus(tc.err); got != tc.want {
			t.Errorf("providerErrStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestDeployInvalidFilesReturns400(t *testing.T) {
	gin.SetMode(gin.TestMode)
	// Decoding happens before any provider or repository is touched, so
	// the orchestrator needs neither here.
	orch := service.NewOrchestrator(config.New(), nil, deploy.NewMemoryStore(), nil, nil)
	t.Cleanup(orch.Shutdown)

	r := gin.New()
	h := NewDeployHandler(orch)
	r.POST("/api/projects/:projectId/deploy", h.Deploy)

	body := `{"files":[{"path":"/app/logo.png","content":"not!!base64!!","encoding":"base64"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/projects/p1/deploy", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (body %s)", w.Code, w.Body.String())
	}
}

func TestProviderErrStatusUnwrapsWrapped(t *testing.T) {
	err := &provider.OpError{Provider: "e2b", Op: "create", Err: fmt.Errorf("x: %w", provider.ErrQuotaExceeded)}
	if got := providerErrStatus(fmt.Errorf("provisioning sandbox: %w", err)); got != http.StatusTooManyRequests {
		t.Fatalf("wrapped quota error = %d", got)
	}
}
