package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/notewise/notewise/internal/faults"
)

// httpError translates the domain error taxonomy into HTTP status codes.
// Anything unrecognized is a 500.
func httpError(err error) *echo.HTTPError {
	switch {
	case faults.IsValidation(err):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, faults.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, faults.ErrJobConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, faults.ErrThrottled):
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	case errors.Is(err, faults.ErrUnavailable):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
