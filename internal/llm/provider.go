package llm

import (
	"context"
	"strings"

	"github.com/isoforge/isoforge-backend/internal/domain/providers"
	"github.com/isoforge/isoforge-backend/internal/platform/logger"
	"github.com/isoforge/isoforge-backend/internal/platform/taskerr"
)

// Provider executes a single model call. Implementations are single-shot; the
// gateway owns retries, the breaker, and cost accounting.
type Provider interface {
	Name() string
	Model() string
	Generate(ctx context.Context, req Request) (*ProviderResult, error)
}

// ProviderResult is the raw outcome of one call. Zero token counts mean the
// response carried no usage block; the gateway falls back to an estimate.
type ProviderResult struct {
	Content   string
	TokensIn  int
	TokensOut int
}

// NewProvider builds the concrete client for an llm_providers row.
func NewProvider(log *logger.Logger, rec *providers.Provider) (Provider, error) {
	if rec == nil {
		return nil, taskerr.New(taskerr.ConfigurationError, "no provider record")
	}
	name := strings.ToLower(strings.TrimSpace(rec.Name))
	model := strings.ToLower(strings.TrimSpace(rec.Model))
	switch {
	case strings.Contains(name, "anthropic") || strings.Contains(name, "claude") || strings.HasPrefix(model, "claude"):
		return NewAnthropicProvider(log, rec)
	case strings.Contains(name, "openai") || strings.Contains(name, "gpt") || strings.HasPrefix(model, "gpt"):
		return NewOpenAIProvider(log, rec)
	default:
		return nil, taskerr.Newf(taskerr.ConfigurationError, "no client for provider %q (model %q)", rec.Name, rec.Model)
	}
}
