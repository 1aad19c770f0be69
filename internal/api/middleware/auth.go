package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// APIKeyAuth validates the Authorization bearer token against the
// configured key using a constant-time comparison. An empty key
// disables the check; the gap is logged once at wire-up so an
// unsecured deployment is at least visible.
func APIKeyAuth(key string, log *slog.Logger) echo.MiddlewareFunc {
	if log == nil {
		log = slog.Default()
	}
	if key == "" {
		log.Warn("no api key configured, admin api is unauthenticated")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if key == "" {
				return next(c)
			}

			header := c.Request().Header.Get(echo.HeaderAuthorization)
			token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
			if token == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			if subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
				log.Warn("rejected api request",
					slog.String("remote_ip", c.RealIP()),
					slog.String("path", c.Request().URL.Path),
				)
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid api key")
			}

			return next(c)
		}
	}
}
