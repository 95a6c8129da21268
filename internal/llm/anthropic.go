package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/isoforge/isoforge-backend/internal/domain/providers"
	"github.com/isoforge/isoforge-backend/internal/platform/envutil"
	"github.com/isoforge/isoforge-backend/internal/platform/httpx"
	"github.com/isoforge/isoforge-backend/internal/platform/logger"
	"github.com/isoforge/isoforge-backend/internal/platform/taskerr"
)

const anthropicVersion = "2023-06-01"

type anthropicProvider struct {
	log        *logger.Logger
	httpClient *http.Client
	baseURL    string
	apiKey     string
	name       string
	model      string
	maxTokens  int
}

// NewAnthropicProvider builds a Messages API client for one provider row.
func NewAnthropicProvider(log *logger.Logger, rec *providers.Provider) (Provider, error) {
	apiKey := strings.TrimSpace(envutil.String("ANTHROPIC_API_KEY", ""))
	if apiKey == "" {
		return nil, taskerr.New(taskerr.AuthFailed, "missing ANTHROPIC_API_KEY")
	}
	baseURL := strings.TrimRight(envutil.String("ANTHROPIC_BASE_URL", "https://api.anthropic.com"), "/")
	maxTokens := rec.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 16384
	}
	return &anthropicProvider{
		log:        log.With("component", "AnthropicProvider"),
		httpClient: &http.Client{Timeout: envutil.Duration("LLM_TIMEOUT_SECONDS", 180)},
		baseURL:    baseURL,
		apiKey:     apiKey,
		name:       rec.Name,
		model:      rec.Model,
		maxTokens:  maxTokens,
	}, nil
}

func (p *anthropicProvider) Name() string  { return p.name }
func (p *anthropicProvider) Model() string { return p.model }

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *anthropicProvider) Generate(ctx context.Context, req Request) (*ProviderResult, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 || maxTokens > p.maxTokens {
		maxTokens = p.maxTokens
	}
	body := anthropicRequest{
		Model:       p.model,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		System:      req.System,
		Messages:    []anthropicMessage{{Role: "user", Content: req.Prompt}},
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", &buf)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{
			Provider:   "anthropic",
			StatusCode: resp.StatusCode,
			Body:       string(raw),
			RetryAfter: httpx.RetryAfterDuration(resp, 0, 30*time.Second),
		}
	}

	var out anthropicResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, taskerr.Wrap(taskerr.ProviderError, "anthropic response decode failed", err)
	}
	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, taskerr.Newf(taskerr.ProviderError, "anthropic returned no text content (stop_reason %q)", out.StopReason)
	}
	return &ProviderResult{
		Content:   text.String(),
		TokensIn:  out.Usage.InputTokens,
		TokensOut: out.Usage.OutputTokens,
	}, nil
}
