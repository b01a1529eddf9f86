package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/flowpbx/wakeup/internal/calls"
	"github.com/flowpbx/wakeup/internal/database"
	"github.com/flowpbx/wakeup/internal/rcc"
	"github.com/flowpbx/wakeup/internal/wakeup"
)

// envelope is the standard API response wrapper.
// All JSON responses use this format: { "data": ..., "error": ... }
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// writeJSON writes a JSON response with the given status code and data payload.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		slog.Error("failed to encode json error response", "error", err)
	}
}

// maxBodySize caps JSON request bodies.
const maxBodySize = 1 << 20

// readJSON decodes a single JSON object from the request body into dst,
// rejecting unknown fields. It returns a client-facing message, or "" on
// success.
func readJSON(r *http.Request, dst any) string {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		switch {
		case errors.Is(err, io.EOF):
			return "request body must not be empty"
		case errors.As(err, &syntaxErr), errors.Is(err, io.ErrUnexpectedEOF):
			return "malformed json"
		case errors.As(err, &typeErr):
			return fmt.Sprintf("field %s must be %s", typeErr.Field, typeErr.Type)
		case strings.HasPrefix(err.Error(), "json: unknown field "):
			return "unknown field " + strings.TrimPrefix(err.Error(), "json: unknown field ")
		default:
			return "invalid request body"
		}
	}
	if dec.More() {
		return "request body must contain a single json object"
	}
	return ""
}

// Pagination defaults.
const (
	defaultLimit = 20
	maxLimit     = 100
)

// pagination holds parsed limit/offset query parameters.
type pagination struct {
	Limit  int
	Offset int
}

// PaginatedResponse wraps a page of items with the total count.
type PaginatedResponse struct {
	Items  any `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// parsePagination reads limit and offset, clamping limit to maxLimit.
func parsePagination(r *http.Request) (pagination, string) {
	p := pagination{Limit: defaultLimit}
	q := r.URL.Query()

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return p, "limit must be a positive integer"
		}
		p.Limit = min(n, maxLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return p, "offset must be a non-negative integer"
		}
		p.Offset = n
	}
	return p, ""
}

// parseID reads a positive integer URL parameter.
func parseID(r *http.Request, name string) (int64, string) {
	return parsePositiveInt(name, chi.URLParam(r, name))
}

func parsePositiveInt(name, value string) (int64, string) {
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil || id <= 0 {
		return 0, name + " must be a positive integer"
	}
	return id, ""
}

// writeServiceError maps domain and PBX errors onto HTTP statuses. Unknown
// errors are logged and reported as 500 without detail.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var cmdErr *rcc.CommandError
	switch {
	case errors.Is(err, wakeup.ErrAlarmNotFound),
		errors.Is(err, database.ErrNotFound),
		errors.Is(err, calls.ErrNoActiveCall):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, wakeup.ErrRoomNotFound),
		errors.Is(err, wakeup.ErrAudioNotFound),
		errors.Is(err, wakeup.ErrInvalidSnooze):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, wakeup.ErrAlarmNotActive),
		errors.Is(err, wakeup.ErrSnoozeLimit):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, rcc.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "pbx not configured")
	case rcc.IsConnectionError(err):
		s.logger.Warn(op+": pbx unreachable", "error", err)
		writeError(w, http.StatusBadGateway, "pbx unreachable")
	case errors.As(err, &cmdErr):
		s.logger.Warn(op+": pbx command failed", "error", err)
		writeError(w, http.StatusBadGateway, "pbx command failed")
	default:
		s.logger.Error(op+": failed", "error", err, "path", r.URL.Path)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
