package testutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/isoforge/isoforge-backend/internal/domain/providers"
	"github.com/isoforge/isoforge-backend/internal/domain/tasks"
	"github.com/isoforge/isoforge-backend/internal/domain/templates"
)

func SeedTask(tb testing.TB, ctx context.Context, tx *gorm.DB, kind, status string) *tasks.Task {
	tb.Helper()
	row := &tasks.Task{
		ID:     uuid.New(),
		Kind:   kind,
		Status: status,
	}
	if status != tasks.StatusPending {
		now := time.Now().UTC()
		row.StartedAt = &now
	}
	if err := tx.WithContext(ctx).Create(row).Error; err != nil {
		tb.Fatalf("seed task: %v", err)
	}
	return row
}

func SeedProvider(tb testing.TB, ctx context.Context, tx *gorm.DB, name, model string, isDefault bool) *providers.Provider {
	tb.Helper()
	p := &providers.Provider{
		ID:              uuid.New(),
		Name:            name,
		Model:           model,
		MaxTokens:       16384,
		CostPer1KIn:     0.003,
		CostPer1KOut:    0.015,
		Enabled:         true,
		IsDefaultParser: isDefault,
	}
	if err := tx.WithContext(ctx).Create(p).Error; err != nil {
		tb.Fatalf("seed provider: %v", err)
	}
	return p
}

func SeedTemplate(tb testing.TB, ctx context.Context, tx *gorm.DB, name string, structure templates.Structure) *templates.Template {
	tb.Helper()
	b, err := json.Marshal(structure)
	if err != nil {
		tb.Fatalf("encode structure: %v", err)
	}
	raw := datatypes.JSON(b)
	t := &templates.Template{
		ID:            uuid.New(),
		Name:          name,
		ISOStandard:   "ISO 9001:2015",
		Structure:     raw,
		VersionNumber: 1,
		TotalFixed:    len(structure.FixedSections),
		TotalFillable: len(structure.FillableSections),
		Status:        templates.StatusDraft,
		Tags:          datatypes.JSON([]byte("[]")),
	}
	if err := tx.WithContext(ctx).Create(t).Error; err != nil {
		tb.Fatalf("seed template: %v", err)
	}
	v := &templates.Version{
		ID:                uuid.New(),
		TemplateID:        t.ID,
		VersionNumber:     1,
		StructureSnapshot: raw,
		ChangeSummary:     "Initial template created from document analysis",
	}
	if err := tx.WithContext(ctx).Create(v).Error; err != nil {
		tb.Fatalf("seed template version: %v", err)
	}
	return t
}

func SeedFile(tb testing.TB, ctx context.Context, tx *gorm.DB, filename, path string) *templates.File {
	tb.Helper()
	f := &templates.File{
		ID:               uuid.New(),
		OriginalFilename: filename,
		StoragePath:      path,
		SizeBytes:        2048,
		ContentType:      "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	}
	if err := tx.WithContext(ctx).Create(f).Error; err != nil {
		tb.Fatalf("seed file: %v", err)
	}
	return f
}

func PtrUUID(v uuid.UUID) *uuid.UUID { return &v }

func PtrTime(v time.Time) *time.Time { return &v }
