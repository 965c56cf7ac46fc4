package handler

import (
	"errors"
	"net/http"

	"appforge/internal/deploy"
	"appforge/internal/model"
	"appforge/internal/provider"
	"appforge/internal/service"

	"github.com/gin-gonic/gin"
)

const (
	maxCPU    = 8
	maxMemMiB = 16384
	maxFiles  = 2000
)

type DeployHandler struct {
	orchestrator *service.Orchestrator
}

func NewDeployHandler(orchestrator *service.Orchestrator) *DeployHandler {
	return &DeployHandler{orchestrator: orchestrator}
}

// Deploy handles POST /projects/:projectId/deploy
func (h *DeployHandler) Deploy(c *gin.Context) {
	projectID := c.Param("projectId")
	if projectID == "" {
		c.JSON(http.StatusBadRequest, model.NewErrorResponse("missing project id", ""))
		return
	}

	var req model.DeployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.NewErrorResponse(err.Error(), ""))
		return
	}
	if len(req.Files) == 0 {
		c.JSON(http.StatusBadRequest, model.NewErrorResponse("no files in request", ""))
		return
	}
	if len(req.Files) > maxFiles {
		c.JSON(http.StatusBadRequest, model.NewErrorResponse("too many files", ""))
		return
	}
	if req.CPU < 0 || req.CPU > maxCPU {
		c.JSON(http.StatusBadRequest, model.NewErrorResponse("invalid cpu count", ""))
		return
	}
	if req.Mem < 0 || req.Mem > maxMemMiB {
		c.JSON(http.StatusBadRequest, model.NewErrorResponse("invalid memory size", ""))
		return
	}

	resp, err := h.orchestrator.Deploy(c.Request.Context(), projectID, req)
	if err != nil {
		if errors.Is(err, deploy.ErrConflict) {
			c.JSON(http.StatusConflict, model.NewErrorResponse("deployment already in progress", ""))
			return
		}
		if errors.Is(err, service.ErrInvalidFiles) {
			c.JSON(http.StatusBadRequest, model.NewErrorResponse(err.Error(), ""))
			return
		}
		c.JSON(providerErrStatus(err), model.NewErrorResponse(err.Error(), ""))
		return
	}
	c.JSON(http.StatusOK, model.NewSuccessResponse("Deployed", resp))
}

// Status handles GET /projects/:projectId/deployment
func (h *DeployHandler) Status(c *gin.Context) {
	projectID := c.Param("projectId")
	view, err := h.orchestrator.Status(c.Request.Context(), projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, model.NewErrorResponse(err.Error(), ""))
		return
	}
	c.JSON(http.StatusOK, model.NewSuccessResponse("Deployment status", view))
}

// Rollback handles POST /projects/:projectId/rollback
func (h *DeployHandler) Rollback(c *gin.Context) {
	projectID := c.Param("projectId")
	if err := h.orchestrator.Rollback(c.Request.Context(), projectID); err != nil {
		if errors.Is(err, deploy.ErrConflict) {
			c.JSON(http.StatusConflict, model.NewErrorResponse("deployment in progress, cannot roll back", ""))
			return
		}
		c.JSON(http.StatusInternalServerError, model.NewErrorResponse(err.Error(), ""))
		return
	}
	c.JSON(http.StatusOK, model.NewSuccessResponse("Rolled back", nil))
}

// providerErrStatus maps sandbox backend errors onto HTTP status codes.
func providerErrStatus(err error) int {
	switch {
	case errors.Is(err, provider.ErrSandboxNotFound),
		errors.Is(err, provider.ErrFileNotFound),
		errors.Is(err, provider.ErrTemplateNotFound):
		return http.StatusNotFound
	case errors.Is(err, provider.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, provider.ErrProviderUnavailable),
		errors.Is(err, provider.ErrNotInitialized):
		return http.StatusServiceUnavailable
	case errors.Is(err, provider.ErrCommandTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
