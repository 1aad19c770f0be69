// Package response defines the admin API's JSON envelope and the
// mapping from routing failures to HTTP statuses.
package response

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/shineum/mail-relay/internal/router"
)

// Envelope is the standard response shape.
type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorEnvelope is the failure response shape.
type ErrorEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
}

// PaginatedEnvelope wraps list payloads with paging metadata.
type PaginatedEnvelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
	Meta    Meta `json:"meta"`
}

// Meta carries pagination metadata.
type Meta struct {
	Total    int64 `json:"total"`
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
}

// Success returns a 200 with data.
func Success(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, Envelope{Success: true, Data: data})
}

// SuccessWithMessage returns a 200 with data and a human-readable note.
func SuccessWithMessage(c echo.Context, data any, message string) error {
	return c.JSON(http.StatusOK, Envelope{Success: true, Data: data, Message: message})
}

// Paginated returns a 200 list page with total count.
func Paginated(c echo.Context, data any, total int64, page, pageSize int) error {
	return c.JSON(http.StatusOK, PaginatedEnvelope{
		Success: true,
		Data:    data,
		Meta:    Meta{Total: total, Page: page, PageSize: pageSize},
	})
}

// BadRequest returns a 400 for malformed input.
func BadRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, ErrorEnvelope{Success: false, Error: message})
}

// Unprocessable returns a 422 for requests that are well-formed but
// cannot be honored with the current configuration.
func Unprocessable(c echo.Context, message string) error {
	return c.JSON(http.StatusUnprocessableEntity, ErrorEnvelope{Success: false, Error: message})
}

// InternalError returns a 500.
func InternalError(c echo.Context, message string) error {
	return c.JSON(http.StatusInternalServerError, ErrorEnvelope{Success: false, Error: message})
}

// RouteError translates a routing failure into the matching HTTP status
// with the taxonomy code attached.
func RouteError(c echo.Context, err error) error {
	code := router.CodeOf(err)
	return c.JSON(statusFor(code), ErrorEnvelope{
		Success: false,
		Error:   err.Error(),
		Code:    string(code),
	})
}

func statusFor(code router.Code) int {
	switch code {
	case router.CodeValidation:
		return http.StatusBadRequest
	case router.CodeAuthorization, router.CodeTokenRefresh:
		return http.StatusConflict
	case router.CodeConfiguration:
		return http.StatusUnprocessableEntity
	case router.CodeTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
