package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/GoPolymarket/otcgate/internal/pkg/apperrors"
)

// ReadOnlyMiddleware refuses writes while the coordinator is in maintenance.
// Admin routes stay open so an operator can still reconcile.
func ReadOnlyMiddleware(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !enabled {
			c.Next()
			return
		}

		if strings.HasPrefix(c.FullPath(), "/v1/admin/") {
			c.Next()
			return
		}

		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
		default:
			c.Error(apperrors.New(apperrors.ErrStateConflict, "coordinator is in read-only mode", nil))
			c.Abort()
		}
	}
}
