package app

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/isoforge/isoforge-backend/internal/data/dbctx"
	providerrepo "github.com/isoforge/isoforge-backend/internal/data/repos/providers"
	domain "github.com/isoforge/isoforge-backend/internal/domain/providers"
	"github.com/isoforge/isoforge-backend/internal/platform/envutil"
	"github.com/isoforge/isoforge-backend/internal/platform/logger"
)

//go:embed providers.yaml
var defaultProvidersYAML []byte

type providerSeedFile struct {
	Providers []providerSeedRow `yaml:"providers"`
}

type providerSeedRow struct {
	Name            string  `yaml:"name"`
	Model           string  `yaml:"model"`
	MaxTokens       int     `yaml:"max_tokens"`
	CostPer1KIn     float64 `yaml:"cost_per_1k_in"`
	CostPer1KOut    float64 `yaml:"cost_per_1k_out"`
	Enabled         bool    `yaml:"enabled"`
	IsDefaultParser bool    `yaml:"is_default_parser"`
}

// seedProviders inserts the llm_providers rows that are missing by name.
// The row set comes from the embedded providers.yaml unless
// LLM_PROVIDERS_YAML points at a file on disk. Existing rows are never
// touched; the registry is operator-owned after first boot.
func seedProviders(ctx context.Context, log *logger.Logger, repo providerrepo.ProviderRepo) error {
	raw := defaultProvidersYAML
	if path := envutil.String("LLM_PROVIDERS_YAML", ""); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		raw = b
	}

	var file providerSeedFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse providers yaml: %w", err)
	}
	if len(file.Providers) == 0 {
		return fmt.Errorf("providers yaml has no rows")
	}

	rows := make([]*domain.Provider, 0, len(file.Providers))
	for _, p := range file.Providers {
		if p.Name == "" || p.Model == "" {
			return fmt.Errorf("provider row missing name or model")
		}
		rows = append(rows, &domain.Provider{
			Name:            p.Name,
			Model:           p.Model,
			MaxTokens:       p.MaxTokens,
			CostPer1KIn:     p.CostPer1KIn,
			CostPer1KOut:    p.CostPer1KOut,
			Enabled:         p.Enabled,
			IsDefaultParser: p.IsDefaultParser,
		})
	}

	if err := repo.Seed(dbctx.New(ctx), rows); err != nil {
		return err
	}
	log.Info("LLM providers seeded", "rows", len(rows))
	return nil
}
