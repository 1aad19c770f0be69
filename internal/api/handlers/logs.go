package handlers

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/shineum/mail-relay/internal/api/response"
	"github.com/shineum/mail-relay/internal/auditlog"
)

// maxPageSize caps how many entries a single page may return.
const maxPageSize = 100

// LogsHandler serves the audit log.
type LogsHandler struct {
	store *auditlog.Store
}

func NewLogsHandler(store *auditlog.Store) *LogsHandler {
	return &LogsHandler{store: store}
}

// List handles GET /api/v1/logs. Entries come back newest first unless
// order=asc is given; type, level, transport, q, from and to narrow the
// result.
func (h *LogsHandler) List(c echo.Context) error {
	page := queryInt(c, "page", 1)
	if page < 1 {
		page = 1
	}
	pageSize := queryInt(c, "page_size", auditlog.DefaultPageSize)
	if pageSize < 1 {
		pageSize = auditlog.DefaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	filter := auditlog.Filter{
		Transport: c.QueryParam("transport"),
		Search:    c.QueryParam("q"),
		Ascending: c.QueryParam("order") == "asc",
		Limit:     pageSize,
		Offset:    (page - 1) * pageSize,
	}
	if v := c.QueryParam("type"); v != "" {
		filter.Types = []auditlog.EventType{auditlog.EventType(v)}
	}
	if v := c.QueryParam("level"); v != "" {
		filter.Levels = []auditlog.Level{auditlog.Level(v)}
	}
	if v := c.QueryParam("from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return response.BadRequest(c, "from must be an RFC 3339 timestamp")
		}
		filter.Since = ts
	}
	if v := c.QueryParam("to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return response.BadRequest(c, "to must be an RFC 3339 timestamp")
		}
		filter.Until = ts
	}

	entries, total, err := h.store.Query(c.Request().Context(), filter)
	if err != nil {
		return response.InternalError(c, "failed to query audit log")
	}
	return response.Paginated(c, entries, total, page, pageSize)
}

// Clear handles DELETE /api/v1/logs and removes every entry.
func (h *LogsHandler) Clear(c echo.Context) error {
	removed, err := h.store.ClearAll(c.Request().Context())
	if err != nil {
		return response.InternalError(c, "failed to clear audit log")
	}
	return response.SuccessWithMessage(c,
		map[string]int64{"removed": removed}, "audit log cleared")
}

type pruneRequest struct {
	OlderThanDays int `json:"older_than_days"`
}

// Prune handles POST /api/v1/logs/prune and drops entries older than
// the given number of days.
func (h *LogsHandler) Prune(c echo.Context) error {
	var req pruneRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, "invalid request body")
	}
	if req.OlderThanDays <= 0 {
		return response.BadRequest(c, "older_than_days must be positive")
	}

	removed, err := h.store.Prune(c.Request().Context(), req.OlderThanDays)
	if err != nil {
		return response.InternalError(c, "failed to prune audit log")
	}
	return response.Success(c, map[string]int64{"removed": removed})
}

func queryInt(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
