package handlers

import (
	"github.com/labstack/echo/v4"

	"github.com/shineum/mail-relay/internal/api/response"
	"github.com/shineum/mail-relay/internal/email"
	"github.com/shineum/mail-relay/internal/router"
)

// SendHandler triggers test deliveries through the router.
type SendHandler struct {
	router *router.Router
}

func NewSendHandler(r *router.Router) *SendHandler {
	return &SendHandler{router: r}
}

type testSendRequest struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

// Test handles POST /api/v1/send/test. The message goes through the
// same routing path as relayed mail but is logged as a test_email.
func (h *SendHandler) Test(c echo.Context) error {
	var req testSendRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, "invalid request body")
	}
	if len(req.To) == 0 {
		return response.BadRequest(c, "to is required")
	}

	subject := req.Subject
	if subject == "" {
		subject = "mail-relay test message"
	}
	body := req.Body
	if body == "" {
		body = "This is a test message from mail-relay. Delivery works."
	}

	msg := &email.Email{To: req.To, Subject: subject, TextBody: body}
	if err := h.router.RouteTest(c.Request().Context(), msg); err != nil {
		return response.RouteError(c, err)
	}
	return response.SuccessWithMessage(c, nil, "test message sent")
}
