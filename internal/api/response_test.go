package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/flowpbx/wakeup/internal/calls"
	"github.com/flowpbx/wakeup/internal/database"
	"github.com/flowpbx/wakeup/internal/rcc"
	"github.com/flowpbx/wakeup/internal/wakeup"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusCreated, map[string]string{"room": "101"})

	if w.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected content-type application/json, got %q", ct)
	}
	if body := w.Body.String(); body != `{"data":{"room":"101"}}`+"\n" {
		t.Errorf("body = %q", body)
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, http.StatusConflict, "alarm not active")

	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", w.Code)
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if env.Error != "alarm not active" || env.Data != nil {
		t.Errorf("envelope = %+v", env)
	}
}

func TestReadJSON(t *testing.T) {
	type dst struct {
		Room    string `json:"room"`
		Minutes int    `json:"minutes"`
	}
	tests := []struct {
		name string
		body string
		want string
	}{
		{"ok", `{"room":"101","minutes":5}`, ""},
		{"empty", ``, "request body must not be empty"},
		{"malformed", `{bad`, "malformed json"},
		{"truncated", `{"room":"101"`, "malformed json"},
		{"unknown field", `{"room":"101","floor":1}`, `unknown field "floor"`},
		{"wrong type", `{"minutes":"five"}`, "field minutes must be int"},
		{"two objects", `{"room":"1"}{"room":"2"}`, "request body must contain a single json object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var d dst
			if got := readJSON(r, &d); got != tt.want {
				t.Errorf("readJSON() = %q, want %q", got, tt.want)
			}
			if tt.want == "" && (d.Room != "101" || d.Minutes != 5) {
				t.Errorf("decoded %+v", d)
			}
		})
	}
}

func TestParsePagination(t *testing.T) {
	tests := []struct {
		query   string
		want    pagination
		wantErr string
	}{
		{"", pagination{Limit: defaultLimit}, ""},
		{"?limit=50&offset=10", pagination{Limit: 50, Offset: 10}, ""},
		{"?limit=500", pagination{Limit: maxLimit}, ""},
		{"?offset=0", pagination{Limit: defaultLimit}, ""},
		{"?limit=abc", pagination{}, "limit must be a positive integer"},
		{"?limit=0", pagination{}, "limit must be a positive integer"},
		{"?limit=-5", pagination{}, "limit must be a positive integer"},
		{"?offset=abc", pagination{}, "offset must be a non-negative integer"},
		{"?offset=-1", pagination{}, "offset must be a non-negative integer"},
	}
	for _, tt := range tests {
		p, errMsg := parsePagination(httptest.NewRequest(http.MethodGet, "/call-logs"+tt.query, nil))
		if errMsg != tt.wantErr {
			t.Errorf("%q: error = %q, want %q", tt.query, errMsg, tt.wantErr)
			continue
		}
		if errMsg == "" && p != tt.want {
			t.Errorf("%q: got %+v, want %+v", tt.query, p, tt.want)
		}
	}
}

func TestWriteServiceError(t *testing.T) {
	s := &Server{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: 7", wakeup.ErrAlarmNotFound), http.StatusNotFound},
		{fmt.Errorf("room: %w", database.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("101: %w", calls.ErrNoActiveCall), http.StatusNotFound},
		{fmt.Errorf("%w: 999", wakeup.ErrRoomNotFound), http.StatusBadRequest},
		{fmt.Errorf("%w: id 3", wakeup.ErrAudioNotFound), http.StatusBadRequest},
		{fmt.Errorf("%w: 7 minutes", wakeup.ErrInvalidSnooze), http.StatusBadRequest},
		{fmt.Errorf("%w: alarm 7 is cancelled", wakeup.ErrAlarmNotActive), http.StatusConflict},
		{fmt.Errorf("%w: 3 of 3", wakeup.ErrSnoozeLimit), http.StatusConflict},
		{rcc.ErrNotConfigured, http.StatusServiceUnavailable},
		{fmt.Errorf("testing connection: %w", rcc.ErrAuth), http.StatusBadGateway},
		{&rcc.ConnectionError{Op: "dial", Err: errors.New("refused")}, http.StatusBadGateway},
		{fmt.Errorf("listing: %w", &rcc.CommandError{Command: "x", ExitStatus: 1}), http.StatusBadGateway},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		s.writeServiceError(w, httptest.NewRequest(http.MethodGet, "/", nil), "test", tt.err)
		if w.Code != tt.want {
			t.Errorf("%v: status = %d, want %d", tt.err, w.Code, tt.want)
		}
	}
}
