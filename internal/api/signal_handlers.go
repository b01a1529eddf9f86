package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type signalRequest struct {
	Digit string `json:"digit"`
}

// handlePublishSignal lets an integration outside the dialplan report the
// digit pressed on a call. Only available in redis signal mode.
func (s *Server) handlePublishSignal(w http.ResponseWriter, r *http.Request) {
	if s.signals == nil {
		writeError(w, http.StatusNotFound, "signal publishing requires redis signal mode")
		return
	}
	callID := chi.URLParam(r, "callID")
	if errMsg := validateRequiredStringLen("call_id", callID, 128); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	var req signalRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if !dtmfRe.MatchString(req.Digit) {
		writeError(w, http.StatusBadRequest, "digit must be a single keypad key")
		return
	}

	if err := s.signals.Publish(r.Context(), callID, req.Digit); err != nil {
		s.writeServiceError(w, r, "publish signal", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
