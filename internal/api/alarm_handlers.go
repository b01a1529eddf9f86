package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/flowpbx/wakeup/internal/api/middleware"
	"github.com/flowpbx/wakeup/internal/calls"
	"github.com/flowpbx/wakeup/internal/database"
	"github.com/flowpbx/wakeup/internal/database/models"
	"github.com/flowpbx/wakeup/internal/wakeup"
)

// alarmRequest is the JSON body for creating an alarm.
type alarmRequest struct {
	RoomNumber     string `json:"room_number"`
	AlarmTime      string `json:"alarm_time"` // RFC 3339
	AudioMessageID *int64 `json:"audio_message_id"`
}

type snoozeRequest struct {
	Minutes int `json:"minutes"`
}

// alarmResponse is the JSON shape of a single alarm.
type alarmResponse struct {
	ID             int64  `json:"id"`
	RoomNumber     string `json:"room_number"`
	AlarmTime      string `json:"alarm_time"`
	AudioMessageID *int64 `json:"audio_message_id"`
	Status         string `json:"status"`
	SnoozeCount    int    `json:"snooze_count"`
	ParentAlarmID  *int64 `json:"parent_alarm_id,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

type alarmStatusResponse struct {
	Alarm      alarmResponse `json:"alarm"`
	ActiveCall *calls.Call   `json:"active_call"`
}

func toAlarmResponse(a *models.Alarm) alarmResponse {
	return alarmResponse{
		ID:             a.ID,
		RoomNumber:     a.RoomNumber,
		AlarmTime:      a.AlarmTime.Format(time.RFC3339),
		AudioMessageID: a.AudioMessageID,
		Status:         string(a.Status),
		SnoozeCount:    a.SnoozeCount,
		ParentAlarmID:  a.ParentAlarmID,
		CreatedAt:      a.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      a.UpdatedAt.Format(time.RFC3339),
	}
}

// parseTimeParam reads an optional RFC 3339 query parameter.
func parseTimeParam(r *http.Request, name string) (time.Time, string) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, ""
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, name + " must be an RFC 3339 timestamp"
	}
	return t, ""
}

// handleListAlarms lists alarms, optionally filtered by room, status and a
// time window.
func (s *Server) handleListAlarms(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := database.AlarmListFilter{
		RoomNumber: q.Get("room"),
		Status:     models.AlarmStatus(q.Get("status")),
		Limit:      maxLimit,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(string(filter.Status)))
		return
	}
	var errMsg string
	if filter.From, errMsg = parseTimeParam(r, "from"); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if filter.To, errMsg = parseTimeParam(r, "to"); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = min(n, maxLimit)
	}

	alarms, err := s.store.Alarms.List(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, "list alarms", err)
		return
	}
	items := make([]alarmResponse, len(alarms))
	for i := range alarms {
		items[i] = toAlarmResponse(&alarms[i])
	}
	writeJSON(w, http.StatusOK, items)
}

// handleCreateAlarm schedules a new wake-up call.
func (s *Server) handleCreateAlarm(w http.ResponseWriter, r *http.Request) {
	var req alarmRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateRoomNumber("room_number", req.RoomNumber); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	at, err := time.Parse(time.RFC3339, req.AlarmTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "alarm_time must be an RFC 3339 timestamp")
		return
	}

	alarm, err := s.service.CreateAlarm(r.Context(), wakeup.CreateAlarmRequest{
		RoomNumber:     req.RoomNumber,
		AlarmTime:      at,
		AudioMessageID: req.AudioMessageID,
	})
	if err != nil {
		s.writeServiceError(w, r, "create alarm", err)
		return
	}
	s.logger.Info("alarm created", "alarm_id", alarm.ID, "room", alarm.RoomNumber,
		"alarm_time", alarm.AlarmTime, "operator", middleware.OperatorFromContext(r.Context()))
	writeJSON(w, http.StatusCreated, toAlarmResponse(alarm))
}

// handleGetAlarm returns an alarm and its ringing call, if any.
func (s *Server) handleGetAlarm(w http.ResponseWriter, r *http.Request) {
	id, errMsg := parseID(r, "id")
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	st, err := s.service.AlarmStatus(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, "get alarm", err)
		return
	}
	writeJSON(w, http.StatusOK, alarmStatusResponse{
		Alarm:      toAlarmResponse(&st.Alarm),
		ActiveCall: st.ActiveCall,
	})
}

// handleSnoozeAlarm postpones an alarm and returns the successor.
func (s *Server) handleSnoozeAlarm(w http.ResponseWriter, r *http.Request) {
	id, errMsg := parseID(r, "id")
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	var req snoozeRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	next, err := s.service.SnoozeAlarm(r.Context(), id, req.Minutes)
	if err != nil {
		s.writeServiceError(w, r, "snooze alarm", err)
		return
	}
	s.logger.Info("alarm snoozed", "alarm_id", id, "next_alarm_id", next.ID,
		"minutes", req.Minutes, "operator", middleware.OperatorFromContext(r.Context()))
	writeJSON(w, http.StatusCreated, toAlarmResponse(next))
}

// handleCancelAlarm cancels an alarm, hanging up its call if it is ringing.
func (s *Server) handleCancelAlarm(w http.ResponseWriter, r *http.Request) {
	id, errMsg := parseID(r, "id")
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if err := s.service.CancelAlarm(r.Context(), id); err != nil {
		s.writeServiceError(w, r, "cancel alarm", err)
		return
	}
	s.logger.Info("alarm cancelled", "alarm_id", id, "operator", middleware.OperatorFromContext(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}
