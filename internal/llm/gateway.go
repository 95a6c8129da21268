package llm

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/isoforge/isoforge-backend/internal/domain/providers"
	"github.com/isoforge/isoforge-backend/internal/observability"
	"github.com/isoforge/isoforge-backend/internal/platform/envutil"
	"github.com/isoforge/isoforge-backend/internal/platform/httpx"
	"github.com/isoforge/isoforge-backend/internal/platform/logger"
	"github.com/isoforge/isoforge-backend/internal/platform/taskerr"
	"github.com/isoforge/isoforge-backend/internal/telemetry"
)

// Request is a single prompt for the gateway.
type Request struct {
	Prompt      string
	System      string
	Temperature float64
	MaxTokens   int
	Purpose     string
	TraceID     string
	TaskID      string
	Budget      *Budget
}

// Result is the accounted outcome of one gateway call.
type Result struct {
	Content    string
	TokensIn   int
	TokensOut  int
	DurationMS int64
	CostUSD    float64
	Model      string
	Estimated  bool
}

// Gateway serializes all model traffic for the process behind one semaphore,
// one breaker, and one retry policy.
type Gateway interface {
	Generate(ctx context.Context, req Request) (*Result, error)
	Model() string
}

type Options struct {
	MaxConcurrent int
	MaxRetries    int
	MaxQPS        float64
	Timeout       time.Duration
}

func OptionsFromEnv() Options {
	return Options{
		MaxConcurrent: envutil.Int("LLM_MAX_CONCURRENT_CALLS", 2),
		MaxRetries:    envutil.Int("LLM_MAX_RETRIES", 3),
		MaxQPS:        envutil.Float("LLM_REQUESTS_PER_SECOND", 0),
		Timeout:       envutil.Duration("LLM_TIMEOUT_SECONDS", 180),
	}
}

type gateway struct {
	log        *logger.Logger
	tel        *telemetry.Emitter
	provider   Provider
	costIn     float64
	costOut    float64
	sem        *semaphore.Weighted
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	maxRetries int
	timeout    time.Duration

	// sleep is swapped in tests so retry backoff does not slow the suite.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGateway wires the process-wide call path for one provider row. Pricing
// comes from the row; concurrency and retry policy from opts.
func NewGateway(log *logger.Logger, tel *telemetry.Emitter, provider Provider, rec *providers.Provider, opts Options) Gateway {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 2
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 180 * time.Second
	}
	var limiter *rate.Limiter
	if opts.MaxQPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.MaxQPS), 1)
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "llm-" + provider.Name(),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	var costIn, costOut float64
	if rec != nil {
		costIn = rec.CostPer1KIn
		costOut = rec.CostPer1KOut
	}
	return &gateway{
		log:        log.With("component", "LLMGateway", "provider", provider.Name(), "model", provider.Model()),
		tel:        tel,
		provider:   provider,
		costIn:     costIn,
		costOut:    costOut,
		sem:        semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		limiter:    limiter,
		breaker:    breaker,
		maxRetries: opts.MaxRetries,
		timeout:    opts.Timeout,
		sleep:      sleepCtx,
	}
}

func (g *gateway) Model() string { return g.provider.Model() }

func (g *gateway) Generate(ctx context.Context, req Request) (*Result, error) {
	if req.Budget.Exceeded() {
		return nil, taskerr.Newf(taskerr.QuotaExhausted,
			"task cost $%.4f exceeds budget $%.2f", req.Budget.Spent(), req.Budget.Max())
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, taskerr.Wrap(Classify(err), "llm call aborted waiting for rate limit", err)
		}
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, taskerr.Wrap(Classify(err), "llm call aborted waiting for slot", err)
	}
	defer g.sem.Release(1)

	g.tel.LLMRequest(g.provider.Name(), g.provider.Model(), req.TraceID, req.TaskID, req.Purpose, 0)

	start := time.Now()
	pr, err := g.callWithRetry(ctx, req)
	durationMS := time.Since(start).Milliseconds()
	if err != nil {
		kind := Classify(err)
		g.tel.Error(string(kind), err.Error(), req.TraceID, req.TaskID, map[string]interface{}{
			"provider": g.provider.Name(),
			"purpose":  req.Purpose,
		})
		observability.Current().ObserveLLMRequest(g.provider.Model(), req.Purpose, string(kind), time.Since(start), 0, 0, 0)
		var te *taskerr.Error
		if errors.As(err, &te) {
			return nil, te
		}
		return nil, taskerr.Wrap(kind, "llm call failed", err)
	}

	tokensIn, tokensOut := pr.TokensIn, pr.TokensOut
	estimated := false
	if tokensIn == 0 && tokensOut == 0 {
		tokensIn = estimateTokens(req.System) + estimateTokens(req.Prompt)
		tokensOut = estimateTokens(pr.Content)
		estimated = true
	}
	cost := float64(tokensIn)/1000*g.costIn + float64(tokensOut)/1000*g.costOut
	req.Budget.Add(cost)

	g.tel.LLMResponse(g.provider.Name(), g.provider.Model(), req.TraceID, req.TaskID, durationMS, tokensIn, tokensOut, cost)
	observability.Current().ObserveLLMRequest(g.provider.Model(), req.Purpose, "ok", time.Since(start), tokensIn, tokensOut, cost)

	if req.Budget.Exceeded() {
		return nil, taskerr.Newf(taskerr.QuotaExhausted,
			"task cost $%.4f exceeds budget $%.2f", req.Budget.Spent(), req.Budget.Max())
	}
	return &Result{
		Content:    pr.Content,
		TokensIn:   tokensIn,
		TokensOut:  tokensOut,
		DurationMS: durationMS,
		CostUSD:    cost,
		Model:      g.provider.Model(),
		Estimated:  estimated,
	}, nil
}

func (g *gateway) callWithRetry(ctx context.Context, req Request) (*ProviderResult, error) {
	var lastErr error
	for attempt := 0; attempt < g.maxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		out, err := g.breaker.Execute(func() (interface{}, error) {
			return g.provider.Generate(callCtx, req)
		})
		cancel()
		if err == nil {
			return out.(*ProviderResult), nil
		}
		lastErr = err

		kind := Classify(err)
		if !taskerr.Retryable(kind) || ctx.Err() != nil {
			return nil, err
		}
		if attempt == g.maxRetries-1 {
			break
		}

		wait := httpx.ExpBackoff(attempt, 30*time.Second)
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.RetryAfter > wait {
			wait = httpErr.RetryAfter
		}
		wait = httpx.JitterSleep(wait)
		g.log.Warn("LLM call failed; retrying",
			"attempt", attempt+1,
			"max_retries", g.maxRetries,
			"kind", string(kind),
			"sleep", wait.String(),
			"error", err.Error())
		if err := g.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// estimateTokens approximates usage at 4 runes per token for responses that
// carried no usage block.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	runes := len([]rune(s))
	return int(math.Ceil(float64(runes) / 4.0))
}
