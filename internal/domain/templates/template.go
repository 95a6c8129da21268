package templates

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Template statuses.
const (
	StatusDraft    = "draft"
	StatusApproved = "approved"
	StatusArchived = "archived"
)

type Template struct {
	ID                  uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Name                string         `gorm:"column:name;not null" json:"name"`
	ISOStandard         string         `gorm:"column:iso_standard;index" json:"iso_standard,omitempty"`
	FileID              *uuid.UUID     `gorm:"type:uuid;column:file_id;index" json:"file_id,omitempty"`
	Structure           datatypes.JSON `gorm:"column:structure;type:jsonb" json:"template_structure"`
	VersionNumber       int            `gorm:"column:version_number;not null;default:1" json:"version_number"`
	RestoredFromVersion *int           `gorm:"column:restored_from_version" json:"restored_from_version,omitempty"`
	TotalFixed          int            `gorm:"column:total_fixed_sections;not null;default:0" json:"total_fixed_sections"`
	TotalFillable       int            `gorm:"column:total_fillable_sections;not null;default:0" json:"total_fillable_sections"`
	Tags                datatypes.JSON `gorm:"column:tags;type:jsonb" json:"tags,omitempty"`
	Status              string         `gorm:"column:status;not null;default:'draft';index" json:"status"`
	CreatedBy           *uuid.UUID     `gorm:"type:uuid;column:created_by" json:"created_by,omitempty"`
	LastEditedBy        *uuid.UUID     `gorm:"type:uuid;column:last_edited_by" json:"last_edited_by,omitempty"`
	LastEditedAt        *time.Time     `gorm:"column:last_edited_at" json:"last_edited_at,omitempty"`
	ApprovedAt          *time.Time     `gorm:"column:approved_at" json:"approved_at,omitempty"`
	CreatedAt           time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt           time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (Template) TableName() string { return "templates" }

// Version is one immutable entry in a template's history. Every structure
// the template ever held appears exactly once, keyed by
// (template_id, version_number).
type Version struct {
	ID                  uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	TemplateID          uuid.UUID      `gorm:"type:uuid;column:template_id;not null;uniqueIndex:idx_template_version" json:"template_id"`
	VersionNumber       int            `gorm:"column:version_number;not null;uniqueIndex:idx_template_version" json:"version_number"`
	StructureSnapshot   datatypes.JSON `gorm:"column:structure_snapshot;type:jsonb" json:"template_structure"`
	ChangeSummary       string         `gorm:"column:change_summary" json:"change_summary,omitempty"`
	Notes               string         `gorm:"column:notes" json:"notes,omitempty"`
	RestoredFromVersion *int           `gorm:"column:restored_from_version" json:"restored_from_version,omitempty"`
	CreatedBy           *uuid.UUID     `gorm:"type:uuid;column:created_by" json:"created_by,omitempty"`
	CreatedAt           time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (Version) TableName() string { return "template_versions" }

// File registers an uploaded source document.
type File struct {
	ID               uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	OriginalFilename string     `gorm:"column:original_filename;not null" json:"original_filename"`
	StoragePath      string     `gorm:"column:storage_path;not null" json:"storage_path"`
	SizeBytes        int64      `gorm:"column:size_bytes;not null;default:0" json:"size_bytes"`
	ContentType      string     `gorm:"column:content_type" json:"content_type,omitempty"`
	UploadedBy       *uuid.UUID `gorm:"type:uuid;column:uploaded_by" json:"uploaded_by,omitempty"`
	CreatedAt        time.Time  `gorm:"not null;default:now();index" json:"created_at"`
}

func (File) TableName() string { return "template_files" }
