package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/isoforge/isoforge-backend/internal/data/dbctx"
	"github.com/isoforge/isoforge-backend/internal/files"
	"github.com/isoforge/isoforge-backend/internal/http/response"
	"github.com/isoforge/isoforge-backend/internal/platform/ctxutil"
	"github.com/isoforge/isoforge-backend/internal/platform/logger"
	"github.com/isoforge/isoforge-backend/internal/services"
)

type FileHandler struct {
	log       *logger.Logger
	store     files.Store
	templates services.TemplateService
}

func NewFileHandler(baseLog *logger.Logger, store files.Store, templates services.TemplateService) *FileHandler {
	return &FileHandler{
		log:       baseLog.With("handler", "FileHandler"),
		store:     store,
		templates: templates,
	}
}

// POST /api/files/upload
func (h *FileHandler) Upload(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "missing_file", err)
		return
	}

	name := filepath.Base(header.Filename)
	if !files.AllowedExtension(name) {
		response.RespondError(c, http.StatusBadRequest, "unsupported_format",
			fmt.Errorf("invalid file format %s, only .docx/.doc supported", filepath.Ext(name)))
		return
	}
	if header.Size > files.MaxDocumentBytes {
		response.RespondError(c, http.StatusRequestEntityTooLarge, "file_too_large",
			fmt.Errorf("file is %.1fMB, maximum is %dMB", float64(header.Size)/(1024*1024), files.MaxDocumentBytes/(1024*1024)))
		return
	}

	src, err := header.Open()
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "file_unreadable", err)
		return
	}
	defer src.Close()

	path, size, err := h.store.Save(c.Request.Context(), name, src)
	if err != nil {
		h.log.Error("Upload store write failed", "original_filename", name, "error", err)
		response.RespondError(c, http.StatusServiceUnavailable, "store_unavailable",
			errors.New("could not store the uploaded file"))
		return
	}

	file, err := h.templates.RegisterUpload(dbctx.New(c.Request.Context()), services.RegisterUploadInput{
		OriginalFilename: name,
		StoragePath:      path,
		SizeBytes:        size,
		ContentType:      files.ContentType(name),
		UploadedBy:       ctxutil.CreatorID(c.Request.Context()),
	})
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}

	h.log.Info("Upload registered",
		"file_id", file.ID,
		"original_filename", name,
		"size_bytes", size,
	)
	c.JSON(http.StatusCreated, gin.H{"file": file})
}

// GET /api/files/:id
func (h *FileHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_file_id", err)
		return
	}
	file, err := h.templates.GetFile(dbctx.New(c.Request.Context()), id)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"file": file})
}
