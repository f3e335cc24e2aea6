package middleware

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ErrorHandler logs failures that would surface as 5xx and then delegates to
// echo's default handler, which renders {"message": ...} bodies. Errors that
// are not *echo.HTTPError become a bare 500 so internals never reach the caller.
func ErrorHandler(logger zerolog.Logger, e *echo.Echo) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var he *echo.HTTPError
		if !errors.As(err, &he) {
			logger.Error().
				Err(err).
				Str("request_id", requestID(c)).
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Msg("unhandled error")
			err = echo.NewHTTPError(http.StatusInternalServerError, "Server Error")
		} else if he.Code >= http.StatusInternalServerError && he.Internal != nil {
			logger.Error().
				Err(he.Internal).
				Str("request_id", requestID(c)).
				Int("status", he.Code).
				Msg("request failed")
		}

		e.DefaultHTTPErrorHandler(err, c)
	}
}

func requestID(c echo.Context) string {
	rid, _ := c.Get("request_id").(string)
	return rid
}
