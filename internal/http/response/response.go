package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/isoforge/isoforge-backend/internal/platform/errs"
	"github.com/isoforge/isoforge-backend/internal/platform/taskerr"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

// RespondServiceError maps a service-layer error onto the envelope. Handlers
// use it for anything that crossed the service boundary; request-shape
// problems keep their explicit RespondError calls.
func RespondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errs.ErrInvalidArgument):
		RespondError(c, http.StatusBadRequest, "invalid_argument", err)
	case errors.Is(err, errs.ErrNotFound):
		RespondError(c, http.StatusNotFound, "not_found", err)
	case errors.Is(err, errs.ErrUnauthorized):
		RespondError(c, http.StatusUnauthorized, "unauthorized", err)
	case errors.Is(err, errs.ErrAlreadyTerminal):
		RespondError(c, http.StatusBadRequest, "already_terminal", err)
	case errors.Is(err, errs.ErrStateConflict):
		RespondError(c, http.StatusConflict, "state_conflict", err)
	case errors.Is(err, errs.ErrLogUnavailable):
		RespondError(c, http.StatusServiceUnavailable, "log_unavailable", err)
	case errors.Is(err, errs.ErrStoreUnavailable):
		RespondError(c, http.StatusServiceUnavailable, "store_unavailable", err)
	default:
		switch kind := taskerr.KindOf(err); kind {
		case taskerr.ConfigurationError:
			RespondError(c, http.StatusUnprocessableEntity, string(kind), err)
		case taskerr.ValidationFailed, taskerr.UnsupportedFormat, taskerr.FileTooLarge:
			RespondError(c, http.StatusBadRequest, string(kind), err)
		case taskerr.FileNotFound:
			RespondError(c, http.StatusNotFound, string(kind), err)
		case taskerr.RateLimited, taskerr.QuotaExhausted:
			RespondError(c, http.StatusTooManyRequests, string(kind), err)
		default:
			RespondError(c, http.StatusInternalServerError, "internal_error", err)
		}
	}
}
