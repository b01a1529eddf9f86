package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flowpbx/wakeup/internal/calls"
	"github.com/flowpbx/wakeup/internal/database"
	"github.com/flowpbx/wakeup/internal/database/models"
)

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	active := s.service.ActiveCalls()
	if active == nil {
		active = []calls.Call{}
	}
	writeJSON(w, http.StatusOK, active)
}

// handleHangupCall ends the wake-up call ringing on an extension.
func (s *Server) handleHangupCall(w http.ResponseWriter, r *http.Request) {
	ext := chi.URLParam(r, "ext")
	if errMsg := validateExtension("ext", ext); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	c, err := s.service.HangupCall(r.Context(), ext)
	if err != nil {
		s.writeServiceError(w, r, "hangup call", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type callLogResponse struct {
	ID            int64  `json:"id"`
	AlarmID       int64  `json:"alarm_id"`
	RoomNumber    string `json:"room_number"`
	CallTime      string `json:"call_time"`
	Response      string `json:"response,omitempty"`
	SnoozeMinutes *int   `json:"snooze_minutes,omitempty"`
	Status        string `json:"status"`
}

func toCallLogResponse(c *models.CallLog) callLogResponse {
	return callLogResponse{
		ID:            c.ID,
		AlarmID:       c.AlarmID,
		RoomNumber:    c.RoomNumber,
		CallTime:      c.CallTime.Format(time.RFC3339),
		Response:      c.Response,
		SnoozeMinutes: c.SnoozeMinutes,
		Status:        c.Status,
	}
}

// handleListCallLogs pages through the call log, newest first.
func (s *Server) handleListCallLogs(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	filter := database.CallLogListFilter{
		RoomNumber: r.URL.Query().Get("room"),
		Limit:      pg.Limit,
		Offset:     pg.Offset,
	}
	if v := r.URL.Query().Get("alarm_id"); v != "" {
		id, errMsg := parsePositiveInt("alarm_id", v)
		if errMsg != "" {
			writeError(w, http.StatusBadRequest, errMsg)
			return
		}
		filter.AlarmID = id
	}

	entries, total, err := s.store.CallLogs.List(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, "list call logs", err)
		return
	}
	items := make([]callLogResponse, len(entries))
	for i := range entries {
		items[i] = toCallLogResponse(&entries[i])
	}
	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}
