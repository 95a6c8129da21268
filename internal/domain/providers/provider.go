package providers

import (
	"time"

	"github.com/google/uuid"
)

// Provider is one row of the llm_providers registry. Pricing is USD per
// 1 000 tokens; cost accounting multiplies against actual usage.
type Provider struct {
	ID              uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Name            string    `gorm:"column:name;not null;uniqueIndex" json:"name"`
	Model           string    `gorm:"column:model;not null" json:"model"`
	MaxTokens       int       `gorm:"column:max_tokens;not null;default:16384" json:"max_tokens"`
	CostPer1KIn     float64   `gorm:"column:cost_per_1k_in;not null;default:0" json:"cost_per_1k_in"`
	CostPer1KOut    float64   `gorm:"column:cost_per_1k_out;not null;default:0" json:"cost_per_1k_out"`
	Enabled         bool      `gorm:"column:enabled;not null;default:true" json:"enabled"`
	IsDefaultParser bool      `gorm:"column:is_default_parser;not null;default:false" json:"is_default_parser"`
	CreatedAt       time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt       time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (Provider) TableName() string { return "llm_providers" }
