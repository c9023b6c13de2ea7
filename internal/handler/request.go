package handler

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/GoPolymarket/otcgate/internal/model"
	"github.com/GoPolymarket/otcgate/internal/pkg/apperrors"
)

// bindJSON binds the body and reports INVALID_REQUEST on failure.
func bindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return false
	}
	return true
}

// bindOptionalJSON is for routes where the body may be absent (signed-tx relays).
func bindOptionalJSON(c *gin.Context, req any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	return bindJSON(c, req)
}

func parseAmount(field, raw string) (model.Amount, error) {
	amt, err := model.ParseAmount(raw)
	if err != nil {
		return model.Amount{}, apperrors.NewInvalidRequest(field + ": " + err.Error())
	}
	return amt, nil
}

func parsePositiveAmount(field, raw string) (model.Amount, error) {
	amt, err := parseAmount(field, raw)
	if err != nil {
		return amt, err
	}
	if amt.IsZero() {
		return amt, apperrors.NewInvalidRequest(field + " must be positive")
	}
	return amt, nil
}

func checkBps(field string, v int) error {
	if v < 0 || v > model.MaxBps {
		return apperrors.NewInvalidRequest(fmt.Sprintf("%s must be within [0, %d]", field, model.MaxBps))
	}
	return nil
}

// optBps returns 0 for an unset value.
func optBps(field string, v *int) (int, error) {
	if v == nil {
		return 0, nil
	}
	return *v, checkBps(field, *v)
}

func checkDays(field string, v *int) (int, error) {
	if v == nil {
		return 0, nil
	}
	if *v < 0 {
		return 0, apperrors.NewInvalidRequest(field + " must not be negative")
	}
	return *v, nil
}

// queryList accepts both ?chains[]=a&chains[]=b and ?chains=a,b.
func queryList(c *gin.Context, name string) []string {
	vals := c.QueryArray(name + "[]")
	if len(vals) == 0 {
		if raw := c.Query(name); raw != "" {
			vals = strings.Split(raw, ",")
		}
	}
	out := vals[:0]
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
