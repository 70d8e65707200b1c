// Package apierr maps orchestrator errors onto HTTP errors.
package apierr

import (
	"errors"
	"net/http"

	"github.com/caesium-cloud/pigment/internal/failure"
	"github.com/caesium-cloud/pigment/internal/scheduler"
	"github.com/labstack/echo/v4"
)

// From converts err into an echo HTTP error. Client errors carry the error
// text; server errors keep it internal.
func From(err error) *echo.HTTPError {
	var code int
	switch {
	case errors.Is(err, failure.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, failure.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, failure.ErrSlotBusy), errors.Is(err, failure.ErrTransition):
		code = http.StatusConflict
	case errors.Is(err, scheduler.ErrClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "shutting down").SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
	return echo.NewHTTPError(code, err.Error()).SetInternal(err)
}
