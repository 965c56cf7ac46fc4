package handler

import (
	"errors"
	"net/http"
	"strconv"

	"appforge/internal/model"
	"appforge/internal/provider"
	"appforge/internal/service"

	"github.com/gin-gonic/gin"
)

type SandboxHandler struct {
	sandboxService *service.SandboxService
}

func NewSandboxHandler(sandboxService *service.SandboxService) *SandboxHandler {
	return &SandboxHandler{sandboxService: sandboxService}
}

// List handles GET /sandboxes
func (h *SandboxHandler) List(c *gin.Context) {
	records, err := h.sandboxService.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, model.NewErrorResponse(err.Error(), ""))
		return
	}
	if records == nil {
		records = []*model.SandboxRecord{}
	}
	c.JSON(http.StatusOK, model.NewSuccessResponseWithMeta("Sandboxes fetched", records, map[string]interface{}{
		"total": len(records),
	}))
}

// Get handles GET /sandboxes/:id
func (h *SandboxHandler) Get(c *gin.Context) {
	rec, err := h.sandboxService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(providerErrStatus(err), model.NewErrorResponse(err.Error(), ""))
		return
	}
	c.JSON(http.StatusOK, model.NewSuccessResponse("Sandbox fetched", rec))
}

// Terminate handles DELETE /sandboxes/:id
func (h *SandboxHandler) Terminate(c *gin.Context) {
	if err := h.sandboxService.Terminate(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(providerErrStatus(err), model.NewErrorResponse(err.Error(), ""))
		return
	}
	c.JSON(http.StatusOK, model.NewSuccessResponse("Sandbox terminated", nil))
}

// Exec handles POST /sandboxes/:id/exec
func (h *SandboxHandler) Exec(c *gin.Context) {
	var req model.ExecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.NewErrorResponse(err.Error(), ""))
		return
	}
	resp, err := h.sandboxService.Exec(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		c.JSON(providerErrStatus(err), model.NewErrorResponse(err.Error(), ""))
		return
	}
	c.JSON(http.StatusOK, model.NewSuccessResponse("Command executed", resp))
}

// WriteFiles handles PUT /sandboxes/:id/files
func (h *SandboxHandler) WriteFiles(c *gin.Context) {
	var req model.WriteFilesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.NewErrorResponse(err.Error(), ""))
		return
	}
	resp, err := h.sandboxService.WriteFiles(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		c.JSON(providerErrStatus(err), model.NewErrorResponse(err.Error(), ""))
		return
	}
	// Partial failures ride in the body with a 207, full success with 200.
	status := http.StatusOK
	if resp.Failed > 0 {
		status = http.StatusMultiStatus
	}
	c.JSON(status, model.NewSuccessResponse("Files written", resp))
}

// ReadFile handles GET /sandboxes/:id/files?path=
func (h *SandboxHandler) ReadFile(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, model.NewErrorResponse("missing path", ""))
		return
	}
	content, err := h.sandboxService.ReadFile(c.Request.Context(), c.Param("id"), path)
	if err != nil {
		if errors.Is(err, provider.ErrFileNotFound) {
			c.JSON(http.StatusNotFound, model.NewErrorResponse("file not found", path))
			return
		}
		c.JSON(providerErrStatus(err), model.NewErrorResponse(err.Error(), ""))
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", content)
}

// ListFiles handles GET /sandboxes/:id/files/list?path=
func (h *SandboxHandler) ListFiles(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		path = "/"
	}
	entries, err := h.sandboxService.ListFiles(c.Request.Context(), c.Param("id"), path)
	if err != nil {
		c.JSON(providerErrStatus(err), model.NewErrorResponse(err.Error(), ""))
		return
	}
	c.JSON(http.StatusOK, model.NewSuccessResponse("Files listed", entries))
}

// DeleteFile handles DELETE /sandboxes/:id/files?path=
func (h *SandboxHandler) DeleteFile(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, model.NewErrorResponse("missing path", ""))
		return
	}
	if err := h.sandboxService.DeleteFile(c.Request.Context(), c.Param("id"), path); err != nil {
		c.JSON(providerErrStatus(err), model.NewErrorResponse(err.Error(), ""))
		return
	}
	c.JSON(http.StatusOK, model.NewSuccessResponse("File deleted", nil))
}

// SetEnv handles PUT /sandboxes/:id/env
func (h *SandboxHandler) SetEnv(c *gin.Context) {
	var req model.SetEnvRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.NewErrorResponse(err.Error(), ""))
		return
	}
	if err := h.sandboxService.SetEnvVars(c.Request.Context(), c.Param("id"), req.EnvVars); err != nil {
		c.JSON(providerErrStatus(err), model.NewErrorResponse(err.Error(), ""))
		return
	}
	c.JSON(http.StatusOK, model.NewSuccessResponse("Environment updated", nil))
}

// KeepAlive handles POST /sandboxes/:id/keepalive
func (h *SandboxHandler) KeepAlive(c *gin.Context) {
	if err := h.sandboxService.KeepAlive(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(providerErrStatus(err), model.NewErrorResponse(err.Error(), ""))
		return
	}
	c.JSON(http.StatusOK, model.NewSuccessResponse("Keepalive sent", nil))
}

// Preview handles GET /sandboxes/:id/preview?port=
func (h *SandboxHandler) Preview(c *gin.Context) {
	port := 0
	if p := c.Query("port"); p != "" {
		v, err := strconv.Atoi(p)
		if err != nil || v <= 0 || v > 65535 {
			c.JSON(http.StatusBadRequest, model.NewErrorResponse("invalid port", p))
			return
		}
		port = v
	}
	resp, err := h.sandboxService.Preview(c.Request.Context(), c.Param("id"), port)
	if err != nil {
		c.JSON(providerErrStatus(err), model.NewErrorResponse(err.Error(), ""))
		return
	}
	c.JSON(http.StatusOK, model.NewSuccessResponse("Preview resolved", resp))
}
