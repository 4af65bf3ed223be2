package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gersonrivera27/STACKPOS/internal/store"
	"github.com/gersonrivera27/STACKPOS/types"
)

// AuditLogLister reads stored audit rows.
type AuditLogLister interface {
	List(ctx context.Context, filter types.AuditLogFilter) ([]types.AuditLog, error)
}

// AuditHandler exposes the audit trail to managers.
type AuditHandler struct {
	logs   AuditLogLister
	logger *slog.Logger
}

func NewAuditHandler(logs AuditLogLister, logger *slog.Logger) *AuditHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditHandler{logs: logs, logger: logger}
}

// AuditRouter registers audit routes. Callers must already be authenticated.
func AuditRouter(r chi.Router, logs AuditLogLister, logger *slog.Logger) {
	handler := NewAuditHandler(logs, logger)

	r.With(RequireRole(types.RoleAdmin, types.RoleManager)).Get("/logs", handler.ListLogs)
}

type AuditLogListResponse struct {
	Items []types.AuditLog `json:"items"`
	Count int              `json:"count"`
}

func (h *AuditHandler) ListLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	logs, err := h.logs.List(r.Context(), filter)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to list audit logs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list audit logs")
		return
	}
	if logs == nil {
		logs = []types.AuditLog{}
	}
	writeJSON(w, http.StatusOK, AuditLogListResponse{Items: logs, Count: len(logs)})
}

func parseAuditFilter(r *http.Request) (types.AuditLogFilter, error) {
	query := r.URL.Query()
	filter := types.AuditLogFilter{
		Event:    strings.TrimSpace(query.Get("event")),
		Username: strings.TrimSpace(query.Get("username")),
		Limit:    store.DefaultAuditLimit,
	}

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > store.MaxAuditLimit {
			return filter, errInvalidLimit
		}
		filter.Limit = limit
	}
	for name, dst := range map[string]*time.Time{"since": &filter.Since, "until": &filter.Until} {
		raw := query.Get(name)
		if raw == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, errInvalidTime(name)
		}
		*dst = parsed
	}
	return filter, nil
}
