package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/isoforge/isoforge-backend/internal/data/dbctx"
	templaterepo "github.com/isoforge/isoforge-backend/internal/data/repos/templates"
	domain "github.com/isoforge/isoforge-backend/internal/domain/templates"
	"github.com/isoforge/isoforge-backend/internal/http/response"
	"github.com/isoforge/isoforge-backend/internal/platform/ctxutil"
	"github.com/isoforge/isoforge-backend/internal/platform/logger"
	"github.com/isoforge/isoforge-backend/internal/services"
)

type TemplateHandler struct {
	log *logger.Logger
	svc services.TemplateService
}

func NewTemplateHandler(baseLog *logger.Logger, svc services.TemplateService) *TemplateHandler {
	return &TemplateHandler{
		log: baseLog.With("handler", "TemplateHandler"),
		svc: svc,
	}
}

// GET /api/templates/:id
func (h *TemplateHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_template_id", err)
		return
	}
	template, err := h.svc.GetByID(dbctx.New(c.Request.Context()), id)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"template": template})
}

// GET /api/templates
func (h *TemplateHandler) List(c *gin.Context) {
	filter := templaterepo.ListFilter{
		Status:      c.Query("status"),
		ISOStandard: c.Query("iso_standard"),
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			response.RespondError(c, http.StatusBadRequest, "invalid_limit", err)
			return
		}
		filter.Limit = n
	}
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			response.RespondError(c, http.StatusBadRequest, "invalid_offset", err)
			return
		}
		filter.Offset = n
	}

	templates, err := h.svc.List(dbctx.New(c.Request.Context()), filter)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"templates": templates, "count": len(templates)})
}

type updateStructureRequest struct {
	Structure *domain.Structure `json:"template_structure" binding:"required"`
	Notes     string            `json:"notes"`
}

// PATCH /api/templates/:id/structure
func (h *TemplateHandler) UpdateStructure(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_template_id", err)
		return
	}
	var req updateStructureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request_body", err)
		return
	}

	update, err := h.svc.UpdateStructure(dbctx.New(c.Request.Context()), id,
		req.Structure, req.Notes, ctxutil.CreatorID(c.Request.Context()))
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{
		"template":       update.Template,
		"version":        update.VersionNumber,
		"change_summary": update.ChangeSummary,
	})
}

// GET /api/templates/:id/versions
func (h *TemplateHandler) ListVersions(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_template_id", err)
		return
	}
	versions, err := h.svc.ListVersions(dbctx.New(c.Request.Context()), id)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"versions": versions, "count": len(versions)})
}

// GET /api/templates/:id/versions/:n
func (h *TemplateHandler) GetVersion(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_template_id", err)
		return
	}
	n, err := strconv.Atoi(c.Param("n"))
	if err != nil || n < 1 {
		response.RespondError(c, http.StatusBadRequest, "invalid_version_number", err)
		return
	}
	version, err := h.svc.GetVersion(dbctx.New(c.Request.Context()), id, n)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"version": version})
}

// POST /api/templates/:id/versions/:n/restore
func (h *TemplateHandler) Restore(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_template_id", err)
		return
	}
	n, err := strconv.Atoi(c.Param("n"))
	if err != nil || n < 1 {
		response.RespondError(c, http.StatusBadRequest, "invalid_version_number", err)
		return
	}

	update, err := h.svc.Restore(dbctx.New(c.Request.Context()), id, n,
		ctxutil.CreatorID(c.Request.Context()))
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{
		"template":       update.Template,
		"new_version":    update.VersionNumber,
		"change_summary": update.ChangeSummary,
	})
}
