package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/isoforge/isoforge-backend/internal/platform/taskerr"
)

// HTTPError is the typed transport failure returned by providers. It carries
// the status code, the captured body, and any Retry-After hint so the
// gateway's retry loop can honor provider pacing.
type HTTPError struct {
	Provider   string
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s http %d: %s", e.Provider, e.StatusCode, e.Body)
}

func (e *HTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

// Classify maps a provider call failure to a task error kind. Only the four
// transient kinds are retried by the gateway.
func Classify(err error) taskerr.Kind {
	if err == nil {
		return ""
	}

	var te *taskerr.Error
	if errors.As(err, &te) {
		return te.Kind
	}

	// Breaker open means the provider has been failing consistently; treat it
	// like the network being down so retries stop burning attempts.
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return taskerr.NetworkDown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return taskerr.ProviderTimeout
	}
	if errors.Is(err, context.Canceled) {
		return taskerr.Cancelled
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == 429:
			return taskerr.RateLimited
		case httpErr.StatusCode == 401 || httpErr.StatusCode == 403:
			return taskerr.AuthFailed
		case httpErr.StatusCode == 402 || looksLikeQuotaBody(httpErr.Body):
			return taskerr.QuotaExhausted
		case httpErr.StatusCode == 408:
			return taskerr.ProviderTimeout
		default:
			return taskerr.ProviderError
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return taskerr.ProviderTimeout
		}
		return taskerr.NetworkDown
	}

	return taskerr.ProviderError
}

func looksLikeQuotaBody(body string) bool {
	b := strings.ToLower(body)
	return strings.Contains(b, "insufficient_quota") ||
		strings.Contains(b, "quota exceeded") ||
		strings.Contains(b, "billing")
}
