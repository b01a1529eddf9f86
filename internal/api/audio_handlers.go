package api

import (
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/wakeup/internal/database/models"
)

// maxAudioSize caps uploaded prompt files.
const maxAudioSize = 20 << 20

// audioExtensions are the formats Asterisk Playback and Read accept without
// transcoding modules.
var audioExtensions = map[string]bool{
	".wav": true, ".gsm": true, ".ulaw": true, ".alaw": true, ".sln": true,
}

type audioMessageResponse struct {
	ID         int64   `json:"id"`
	Name       string  `json:"name"`
	FilePath   string  `json:"file_path"`
	Duration   float64 `json:"duration"`
	Category   string  `json:"category"`
	Language   string  `json:"language"`
	ActionType string  `json:"action_type"`
	CreatedAt  string  `json:"created_at"`
}

func toAudioMessageResponse(m *models.AudioMessage) audioMessageResponse {
	return audioMessageResponse{
		ID:         m.ID,
		Name:       m.Name,
		FilePath:   m.FilePath,
		Duration:   m.Duration,
		Category:   m.Category,
		Language:   m.Language,
		ActionType: m.ActionType,
		CreatedAt:  m.CreatedAt.Format(time.RFC3339),
	}
}

// audioDir is where uploaded prompts are kept until they are pushed to the
// PBX on first use.
func (s *Server) audioDir() string {
	return filepath.Join(s.cfg.DataDir, "audio")
}

func (s *Server) handleListAudioMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.store.Audio.List(r.Context())
	if err != nil {
		s.writeServiceError(w, r, "list audio messages", err)
		return
	}
	items := make([]audioMessageResponse, len(msgs))
	for i := range msgs {
		items[i] = toAudioMessageResponse(&msgs[i])
	}
	writeJSON(w, http.StatusOK, items)
}

// handleCreateAudioMessage stores an uploaded prompt. The multipart form
// carries the file plus name, language, action_type, category and duration.
func (s *Server) handleCreateAudioMessage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAudioSize+1<<20)
	if err := r.ParseMultipartForm(maxAudioSize); err != nil {
		writeError(w, http.StatusBadRequest, "request must be a multipart form under 20 MB")
		return
	}

	msg := &models.AudioMessage{
		Name:       strings.TrimSpace(r.FormValue("name")),
		Category:   r.FormValue("category"),
		Language:   r.FormValue("language"),
		ActionType: r.FormValue("action_type"),
	}
	if msg.ActionType == "" {
		msg.ActionType = models.ActionWakeUp
	}
	if errMsg := validateRequiredStringLen("name", msg.Name, maxNameLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateStringLen("category", msg.Category, 40); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateLanguage("language", msg.Language); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateActionType("action_type", msg.ActionType); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if v := r.FormValue("duration"); v != "" {
		d, err := strconv.ParseFloat(v, 64)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "duration must be a non-negative number of seconds")
			return
		}
		msg.Duration = d
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !audioExtensions[ext] {
		writeError(w, http.StatusBadRequest, "file must be .wav, .gsm, .ulaw, .alaw or .sln")
		return
	}

	if err := os.MkdirAll(s.audioDir(), 0o750); err != nil {
		s.writeServiceError(w, r, "create audio message", err)
		return
	}
	msg.FilePath = filepath.Join(s.audioDir(), uuid.NewString()+ext)
	if err := saveUpload(msg.FilePath, file); err != nil {
		s.writeServiceError(w, r, "create audio message", err)
		return
	}

	if err := s.store.Audio.Create(r.Context(), msg); err != nil {
		os.Remove(msg.FilePath)
		s.writeServiceError(w, r, "create audio message", err)
		return
	}
	created, err := s.store.Audio.GetByID(r.Context(), msg.ID)
	if err != nil || created == nil {
		s.logger.Error("create audio message: failed to re-fetch", "error", err, "audio_id", msg.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.logger.Info("audio message stored", "audio_id", created.ID, "name", created.Name,
		"action_type", created.ActionType, "language", created.Language)
	writeJSON(w, http.StatusCreated, toAudioMessageResponse(created))
}

func saveUpload(dst string, src io.Reader) error {
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(dst)
		return err
	}
	return f.Close()
}

// handleDeleteAudioMessage removes a prompt. Alarms that referenced it fall
// back to the language default.
func (s *Server) handleDeleteAudioMessage(w http.ResponseWriter, r *http.Request) {
	id, errMsg := parseID(r, "id")
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	msg, err := s.store.Audio.GetByID(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, "delete audio message", err)
		return
	}
	if msg == nil {
		writeError(w, http.StatusNotFound, "audio message not found")
		return
	}
	if err := s.store.Audio.Delete(r.Context(), id); err != nil {
		s.writeServiceError(w, r, "delete audio message", err)
		return
	}

	// Only files we stored ourselves are removed.
	if filepath.Dir(msg.FilePath) == s.audioDir() {
		if err := os.Remove(msg.FilePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("removing audio file failed", "path", msg.FilePath, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
