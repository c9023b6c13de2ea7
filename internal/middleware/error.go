package middleware

import (
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/GoPolymarket/otcgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/otcgate/internal/pkg/logger"
	"github.com/gin-gonic/gin"
)

// Default waits advertised to clients for retryable failures. A reset lasts
// at least one reconcile pass.
const (
	DefaultTransientRetryAfter = 5 * time.Second
	DefaultResetRetryAfter     = 30 * time.Second
)

// ErrorOption tunes ErrorHandler.
type ErrorOption func(hints map[apperrors.ErrorType]time.Duration)

// WithRetryAfter sets the Retry-After advertised for errors of type t. A
// non-positive d removes the hint.
func WithRetryAfter(t apperrors.ErrorType, d time.Duration) ErrorOption {
	return func(hints map[apperrors.ErrorType]time.Duration) {
		if d <= 0 {
			delete(hints, t)
			return
		}
		hints[t] = d
	}
}

type errorBody struct {
	*apperrors.AppError
	RetryAfterSeconds int `json:"retryAfterSeconds,omitempty"`
}

// ErrorHandler renders the last handler error as {code, message, suggestion}.
// Chain failures a client can wait out also carry Retry-After.
func ErrorHandler(opts ...ErrorOption) gin.HandlerFunc {
	hints := map[apperrors.ErrorType]time.Duration{
		apperrors.ErrChainTransient: DefaultTransientRetryAfter,
		apperrors.ErrChainReset:     DefaultResetRetryAfter,
	}
	for _, opt := range opts {
		opt(hints)
	}

	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err
		var appErr *apperrors.AppError
		if !errors.As(err, &appErr) {
			appErr = apperrors.New(apperrors.ErrInternal, "internal error", err)
		}

		logFields := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"code", appErr.Type,
			"client_ip", c.ClientIP(),
		}

		body := errorBody{AppError: appErr}
		if d, ok := hints[appErr.Type]; ok {
			body.RetryAfterSeconds = int(math.Ceil(d.Seconds()))
			c.Header("Retry-After", strconv.Itoa(body.RetryAfterSeconds))
			logFields = append(logFields, "retry_after_s", body.RetryAfterSeconds)
		}

		if appErr.HTTPStatus >= 500 {
			logger.LogError(c.Request.Context(), appErr, "request failed", logFields...)
		} else {
			logger.Warn(appErr.Message, logFields...)
		}

		c.JSON(appErr.HTTPStatus, body)
	}
}
