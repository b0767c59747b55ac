package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/ledger"
)

// errorResponse is the JSON body for every error the API returns.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ErrorHandler maps errors to HTTP responses. Classified ledger errors drive
// the status code from their class; everything else falls through to echo's
// HTTPError or a plain 500.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var lerr *ledger.Error
		if errors.As(err, &lerr) {
			status := lerr.Class.HTTPStatus()
			if status >= http.StatusInternalServerError {
				logger.Error().Err(err).Str("class", string(lerr.Class)).Msg("request failed")
			}
			c.JSON(status, errorResponse{
				Error:   string(lerr.Class),
				Message: lerr.Error(),
			})
			return
		}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			c.JSON(he.Code, errorResponse{
				Error:   http.StatusText(he.Code),
				Message: fmt.Sprintf("%v", he.Message),
			})
			return
		}

		logger.Error().Err(err).Msg("unhandled error")
		c.JSON(http.StatusInternalServerError, errorResponse{
			Error:   http.StatusText(http.StatusInternalServerError),
			Message: "internal server error",
		})
	}
}
