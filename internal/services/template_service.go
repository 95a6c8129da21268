package services

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/isoforge/isoforge-backend/internal/data/dbctx"
	templaterepo "github.com/isoforge/isoforge-backend/internal/data/repos/templates"
	domain "github.com/isoforge/isoforge-backend/internal/domain/templates"
	"github.com/isoforge/isoforge-backend/internal/platform/errs"
	"github.com/isoforge/isoforge-backend/internal/platform/logger"
)

// CreateTemplateInput carries everything the parse pipeline knows about a
// freshly extracted template.
type CreateTemplateInput struct {
	Name        string
	ISOStandard string
	FileID      *uuid.UUID
	CreatedBy   *uuid.UUID
	Structure   *domain.Structure
}

// RegisterUploadInput records a stored source document.
type RegisterUploadInput struct {
	OriginalFilename string
	StoragePath      string
	SizeBytes        int64
	ContentType      string
	UploadedBy       *uuid.UUID
}

// StructureUpdate reports the version a mutation produced.
type StructureUpdate struct {
	Template      *domain.Template
	VersionNumber int
	ChangeSummary string
}

// TemplateService owns template lifecycle and version history. Every
// mutation runs in one transaction with the template row locked first, so
// concurrent edits serialize and version numbers never collide.
type TemplateService interface {
	CreateInitial(dbc dbctx.Context, in CreateTemplateInput) (*domain.Template, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Template, error)
	List(dbc dbctx.Context, filter templaterepo.ListFilter) ([]*domain.Template, error)
	UpdateStructure(dbc dbctx.Context, id uuid.UUID, structure *domain.Structure, notes string, editedBy *uuid.UUID) (*StructureUpdate, error)
	Restore(dbc dbctx.Context, id uuid.UUID, versionNumber int, restoredBy *uuid.UUID) (*StructureUpdate, error)
	ListVersions(dbc dbctx.Context, id uuid.UUID) ([]*domain.Version, error)
	GetVersion(dbc dbctx.Context, id uuid.UUID, versionNumber int) (*domain.Version, error)
	RegisterUpload(dbc dbctx.Context, in RegisterUploadInput) (*domain.File, error)
	GetFile(dbc dbctx.Context, id uuid.UUID) (*domain.File, error)
}

type templateService struct {
	db   *gorm.DB
	log  *logger.Logger
	repo templaterepo.TemplateRepo
}

func NewTemplateService(db *gorm.DB, baseLog *logger.Logger, repo templaterepo.TemplateRepo) TemplateService {
	return &templateService{
		db:   db,
		log:  baseLog.With("service", "TemplateService"),
		repo: repo,
	}
}

// CreateInitial persists a parsed structure as a draft at version 1 and
// seeds the history with the matching version row. Later edits and restores
// assume the current version is always already in history.
func (s *templateService) CreateInitial(dbc dbctx.Context, in CreateTemplateInput) (*domain.Template, error) {
	if in.Structure == nil {
		return nil, fmt.Errorf("missing structure: %w", errs.ErrInvalidArgument)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = strings.TrimSpace(in.Structure.DocumentTitle)
	}
	if name == "" {
		name = "Untitled Template"
	}

	structureJSON, err := marshalStructure(in.Structure)
	if err != nil {
		return nil, err
	}
	var tags datatypes.JSON
	if in.Structure.Metadata != nil && len(in.Structure.Metadata.SemanticTagsUsed) > 0 {
		b, _ := json.Marshal(in.Structure.Metadata.SemanticTagsUsed)
		tags = datatypes.JSON(b)
	}

	transaction := dbc.Tx
	if transaction == nil {
		transaction = s.db
	}

	t := &domain.Template{
		ID:            uuid.New(),
		Name:          name,
		ISOStandard:   in.ISOStandard,
		FileID:        in.FileID,
		Structure:     structureJSON,
		VersionNumber: 1,
		TotalFixed:    len(in.Structure.FixedSections),
		TotalFillable: len(in.Structure.FillableSections),
		Tags:          tags,
		Status:        domain.StatusDraft,
		CreatedBy:     in.CreatedBy,
	}

	err = transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		inner := dbctx.Context{Ctx: dbc.Ctx, Tx: txx}
		if err := s.repo.Create(inner, t); err != nil {
			return err
		}
		return s.repo.CreateVersion(inner, &domain.Version{
			TemplateID:        t.ID,
			VersionNumber:     1,
			StructureSnapshot: structureJSON,
			ChangeSummary:     "Initial template created from document analysis",
			CreatedBy:         in.CreatedBy,
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("Created template",
		"template_id", t.ID,
		"name", name,
		"fixed_sections", t.TotalFixed,
		"fillable_sections", t.TotalFillable,
	)
	return t, nil
}

func (s *templateService) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Template, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing template id: %w", errs.ErrInvalidArgument)
	}
	return s.repo.GetByID(dbc, id)
}

func (s *templateService) List(dbc dbctx.Context, filter templaterepo.ListFilter) ([]*domain.Template, error) {
	return s.repo.List(dbc, filter)
}

// UpdateStructure replaces the live structure, bumps the version, and
// appends the new snapshot to history. The change summary is derived from
// the structural diff unless the caller already knows better.
func (s *templateService) UpdateStructure(dbc dbctx.Context, id uuid.UUID, structure *domain.Structure, notes string, editedBy *uuid.UUID) (*StructureUpdate, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing template id: %w", errs.ErrInvalidArgument)
	}
	if structure == nil {
		return nil, fmt.Errorf("missing structure: %w", errs.ErrInvalidArgument)
	}
	structureJSON, err := marshalStructure(structure)
	if err != nil {
		return nil, err
	}

	transaction := dbc.Tx
	if transaction == nil {
		transaction = s.db
	}

	var out StructureUpdate
	err = transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		inner := dbctx.Context{Ctx: dbc.Ctx, Tx: txx}
		current, err := s.repo.GetForUpdate(inner, id)
		if err != nil {
			return err
		}

		old, err := unmarshalStructure(current.Structure)
		if err != nil {
			return err
		}
		summary := ChangeSummary(old, structure)
		newVersion := current.VersionNumber + 1

		if err := s.repo.UpdateFields(inner, id, map[string]interface{}{
			"structure":               structureJSON,
			"version_number":          newVersion,
			"total_fixed_sections":    len(structure.FixedSections),
			"total_fillable_sections": len(structure.FillableSections),
			"restored_from_version":   nil,
			"last_edited_at":          gorm.Expr("now()"),
			"last_edited_by":          editedBy,
		}); err != nil {
			return err
		}

		if err := s.repo.CreateVersion(inner, &domain.Version{
			TemplateID:        id,
			VersionNumber:     newVersion,
			StructureSnapshot: structureJSON,
			ChangeSummary:     summary,
			Notes:             notes,
			CreatedBy:         editedBy,
		}); err != nil {
			return err
		}

		current.Structure = structureJSON
		current.VersionNumber = newVersion
		current.TotalFixed = len(structure.FixedSections)
		current.TotalFillable = len(structure.FillableSections)
		current.RestoredFromVersion = nil
		current.LastEditedBy = editedBy
		out = StructureUpdate{Template: current, VersionNumber: newVersion, ChangeSummary: summary}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("Updated template structure",
		"template_id", id,
		"version", out.VersionNumber,
		"change_summary", out.ChangeSummary,
	)
	return &out, nil
}

// Restore copies an historical snapshot forward as a brand new version.
// History stays append-only; nothing is rewritten.
func (s *templateService) Restore(dbc dbctx.Context, id uuid.UUID, versionNumber int, restoredBy *uuid.UUID) (*StructureUpdate, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing template id: %w", errs.ErrInvalidArgument)
	}
	if versionNumber < 1 {
		return nil, fmt.Errorf("invalid version number %d: %w", versionNumber, errs.ErrInvalidArgument)
	}

	transaction := dbc.Tx
	if transaction == nil {
		transaction = s.db
	}

	var out StructureUpdate
	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		inner := dbctx.Context{Ctx: dbc.Ctx, Tx: txx}
		current, err := s.repo.GetForUpdate(inner, id)
		if err != nil {
			return err
		}
		target, err := s.repo.GetVersion(inner, id, versionNumber)
		if err != nil {
			return err
		}

		restored, err := unmarshalStructure(target.StructureSnapshot)
		if err != nil {
			return err
		}
		newVersion := current.VersionNumber + 1
		summary := fmt.Sprintf("Restored from version %d", versionNumber)
		restoredFrom := versionNumber

		if err := s.repo.UpdateFields(inner, id, map[string]interface{}{
			"structure":               target.StructureSnapshot,
			"version_number":          newVersion,
			"total_fixed_sections":    len(restored.FixedSections),
			"total_fillable_sections": len(restored.FillableSections),
			"restored_from_version":   restoredFrom,
			"last_edited_at":          gorm.Expr("now()"),
			"last_edited_by":          restoredBy,
		}); err != nil {
			return err
		}

		if err := s.repo.CreateVersion(inner, &domain.Version{
			TemplateID:          id,
			VersionNumber:       newVersion,
			StructureSnapshot:   target.StructureSnapshot,
			ChangeSummary:       summary,
			RestoredFromVersion: &restoredFrom,
			CreatedBy:           restoredBy,
		}); err != nil {
			return err
		}

		current.Structure = target.StructureSnapshot
		current.VersionNumber = newVersion
		current.TotalFixed = len(restored.FixedSections)
		current.TotalFillable = len(restored.FillableSections)
		current.RestoredFromVersion = &restoredFrom
		current.LastEditedBy = restoredBy
		out = StructureUpdate{Template: current, VersionNumber: newVersion, ChangeSummary: summary}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("Restored template version",
		"template_id", id,
		"restored_from", versionNumber,
		"new_version", out.VersionNumber,
	)
	return &out, nil
}

func (s *templateService) ListVersions(dbc dbctx.Context, id uuid.UUID) ([]*domain.Version, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing template id: %w", errs.ErrInvalidArgument)
	}
	return s.repo.ListVersions(dbc, id)
}

func (s *templateService) GetVersion(dbc dbctx.Context, id uuid.UUID, versionNumber int) (*domain.Version, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing template id: %w", errs.ErrInvalidArgument)
	}
	return s.repo.GetVersion(dbc, id, versionNumber)
}

func (s *templateService) RegisterUpload(dbc dbctx.Context, in RegisterUploadInput) (*domain.File, error) {
	if strings.TrimSpace(in.OriginalFilename) == "" {
		return nil, fmt.Errorf("missing original filename: %w", errs.ErrInvalidArgument)
	}
	if strings.TrimSpace(in.StoragePath) == "" {
		return nil, fmt.Errorf("missing storage path: %w", errs.ErrInvalidArgument)
	}
	f := &domain.File{
		ID:               uuid.New(),
		OriginalFilename: in.OriginalFilename,
		StoragePath:      in.StoragePath,
		SizeBytes:        in.SizeBytes,
		ContentType:      in.ContentType,
		UploadedBy:       in.UploadedBy,
	}
	if err := s.repo.CreateFile(dbc, f); err != nil {
		return nil, err
	}
	s.log.Info("Registered upload", "file_id", f.ID, "original_filename", f.OriginalFilename, "size_bytes", f.SizeBytes)
	return f, nil
}

func (s *templateService) GetFile(dbc dbctx.Context, id uuid.UUID) (*domain.File, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing file id: %w", errs.ErrInvalidArgument)
	}
	return s.repo.GetFile(dbc, id)
}

func marshalStructure(s *domain.Structure) (datatypes.JSON, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal structure: %w", err)
	}
	return datatypes.JSON(b), nil
}

func unmarshalStructure(raw datatypes.JSON) (*domain.Structure, error) {
	var s domain.Structure
	if len(raw) == 0 {
		return &s, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("unmarshal structure: %w", err)
	}
	return &s, nil
}

// ChangeSummary renders a one-line description of what an edit did to a
// structure. Tag movements count totals across sections, so swapping one
// tag for another inside the same section reads as no tag change.
func ChangeSummary(before, after *domain.Structure) string {
	var changes []string

	oldFillable := len(before.FillableSections)
	newFillable := len(after.FillableSections)
	if newFillable > oldFillable {
		changes = append(changes, fmt.Sprintf("Added %d fillable section(s)", newFillable-oldFillable))
	} else if newFillable < oldFillable {
		changes = append(changes, fmt.Sprintf("Removed %d fillable section(s)", oldFillable-newFillable))
	}

	oldFixed := len(before.FixedSections)
	newFixed := len(after.FixedSections)
	if newFixed > oldFixed {
		changes = append(changes, fmt.Sprintf("Added %d fixed section(s)", newFixed-oldFixed))
	} else if newFixed < oldFixed {
		changes = append(changes, fmt.Sprintf("Removed %d fixed section(s)", oldFixed-newFixed))
	}

	oldMandatory := before.MandatoryCount()
	newMandatory := after.MandatoryCount()
	if newMandatory > oldMandatory {
		changes = append(changes, fmt.Sprintf("Marked %d field(s) as mandatory", newMandatory-oldMandatory))
	} else if newMandatory < oldMandatory {
		changes = append(changes, fmt.Sprintf("Unmarked %d mandatory field(s)", oldMandatory-newMandatory))
	}

	oldTags := before.TagCount()
	newTags := after.TagCount()
	if newTags > oldTags {
		changes = append(changes, fmt.Sprintf("Added %d semantic tag(s)", newTags-oldTags))
	} else if newTags < oldTags {
		changes = append(changes, fmt.Sprintf("Removed %d semantic tag(s)", oldTags-newTags))
	}

	if len(changes) == 0 {
		return "Minor edits to template structure"
	}
	return strings.Join(changes, ", ")
}
