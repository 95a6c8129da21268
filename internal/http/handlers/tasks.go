package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/isoforge/isoforge-backend/internal/data/dbctx"
	taskrepo "github.com/isoforge/isoforge-backend/internal/data/repos/tasks"
	domain "github.com/isoforge/isoforge-backend/internal/domain/tasks"
	"github.com/isoforge/isoforge-backend/internal/http/response"
	"github.com/isoforge/isoforge-backend/internal/platform/ctxutil"
	"github.com/isoforge/isoforge-backend/internal/platform/logger"
	"github.com/isoforge/isoforge-backend/internal/services"
)

type TaskHandler struct {
	log *logger.Logger
	svc services.TaskService
}

func NewTaskHandler(baseLog *logger.Logger, svc services.TaskService) *TaskHandler {
	return &TaskHandler{
		log: baseLog.With("handler", "TaskHandler"),
		svc: svc,
	}
}

type submitCommon struct {
	RelatedID *uuid.UUID `json:"related_id"`
	CreatorID *uuid.UUID `json:"creator_id"`
	TraceID   string     `json:"trace_id"`
	Provider  string     `json:"provider"`
}

type parseSubmitRequest struct {
	submitCommon
	TemplateFileID     *uuid.UUID `json:"template_file_id"`
	FilePath           string     `json:"file_path" binding:"required"`
	OriginalFilename   string     `json:"original_filename" binding:"required"`
	CustomParsingRules string     `json:"custom_parsing_rules"`
	ISOStandard        string     `json:"iso_standard"`
}

type editSubmitRequest struct {
	submitCommon
	TemplateID       *uuid.UUID `json:"template_id" binding:"required"`
	EditInstructions string     `json:"edit_instructions" binding:"required"`
}

type reviewSubmitRequest struct {
	submitCommon
	TemplateID *uuid.UUID `json:"template_id" binding:"required"`
}

// normalizeKind accepts the short route forms and the full task types.
func normalizeKind(raw string) string {
	switch raw {
	case "parse", domain.KindTemplateParse:
		return domain.KindTemplateParse
	case "edit", domain.KindTemplateEdit:
		return domain.KindTemplateEdit
	case "review", domain.KindTemplateReview:
		return domain.KindTemplateReview
	default:
		return ""
	}
}

func submitMessage(kind string, duplicate bool) string {
	if duplicate {
		return "Task already submitted"
	}
	switch kind {
	case domain.KindTemplateEdit:
		return "Template edit started"
	case domain.KindTemplateReview:
		return "Template review started"
	default:
		return "Template parsing started"
	}
}

// POST /api/tasks/:id. The wildcard carries the task kind; the route shares
// its name with the cancel route because gin allows one wildcard per segment.
func (h *TaskHandler) Submit(c *gin.Context) {
	kind := normalizeKind(c.Param("id"))
	if kind == "" {
		response.RespondError(c, http.StatusBadRequest, "invalid_task_kind",
			errors.New("task kind must be parse, edit, or review"))
		return
	}

	in := services.SubmitInput{
		Kind:    kind,
		IdemKey: c.GetHeader("Idempotency-Key"),
	}
	var common submitCommon

	switch kind {
	case domain.KindTemplateParse:
		var req parseSubmitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_request_body", err)
			return
		}
		common = req.submitCommon
		in.TemplateFileID = req.TemplateFileID
		if in.TemplateFileID == nil {
			in.TemplateFileID = req.RelatedID
		}
		in.FilePath = req.FilePath
		in.OriginalFilename = req.OriginalFilename
		in.CustomParsingRules = req.CustomParsingRules
		in.ISOStandard = req.ISOStandard
	case domain.KindTemplateEdit:
		var req editSubmitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_request_body", err)
			return
		}
		common = req.submitCommon
		in.TemplateID = req.TemplateID
		in.EditInstructions = req.EditInstructions
	default:
		var req reviewSubmitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_request_body", err)
			return
		}
		common = req.submitCommon
		in.TemplateID = req.TemplateID
	}

	in.Provider = common.Provider
	in.TraceID = common.TraceID
	if in.TraceID == "" {
		in.TraceID = ctxutil.TraceID(c.Request.Context())
	}
	in.CreatorID = ctxutil.CreatorID(c.Request.Context())
	if in.CreatorID == nil {
		in.CreatorID = common.CreatorID
	}

	sub, err := h.svc.Submit(dbctx.New(c.Request.Context()), in)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"task_id":    sub.Task.ID,
		"status":     sub.Task.Status,
		"message":    submitMessage(kind, sub.Duplicate),
		"created_at": sub.Task.CreatedAt,
		"duplicate":  sub.Duplicate,
	})
}

// GET /api/tasks/:id
func (h *TaskHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_task_id", err)
		return
	}
	task, err := h.svc.Get(dbctx.New(c.Request.Context()), id)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"task": task})
}

// GET /api/tasks
func (h *TaskHandler) List(c *gin.Context) {
	filter := taskrepo.ListFilter{
		Status: c.Query("status"),
		Kind:   normalizeKind(c.Query("kind")),
	}
	if filter.Status != "" && !domain.ValidStatus(filter.Status) {
		response.RespondError(c, http.StatusBadRequest, "invalid_status",
			errors.New("unknown task status "+filter.Status))
		return
	}
	if raw := c.Query("kind"); raw != "" && filter.Kind == "" {
		response.RespondError(c, http.StatusBadRequest, "invalid_task_kind",
			errors.New("unknown task kind "+raw))
		return
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			response.RespondError(c, http.StatusBadRequest, "invalid_limit", errors.New("limit must be a non-negative integer"))
			return
		}
		filter.Limit = n
	}
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			response.RespondError(c, http.StatusBadRequest, "invalid_offset", errors.New("offset must be a non-negative integer"))
			return
		}
		filter.Offset = n
	}
	if raw := c.Query("creator_id"); raw != "" {
		creator, err := uuid.Parse(raw)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_creator_id", err)
			return
		}
		filter.CreatorID = &creator
	}

	tasks, err := h.svc.List(dbctx.New(c.Request.Context()), filter)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"tasks": tasks, "count": len(tasks)})
}

// POST /api/tasks/:id/cancel
func (h *TaskHandler) Cancel(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_task_id", err)
		return
	}
	task, err := h.svc.Cancel(dbctx.New(c.Request.Context()), id)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"task": task, "message": "Task cancelled"})
}

// GET /api/tasks/statistics/overview
func (h *TaskHandler) Statistics(c *gin.Context) {
	stats, err := h.svc.Statistics(dbctx.New(c.Request.Context()))
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"statistics": stats})
}
