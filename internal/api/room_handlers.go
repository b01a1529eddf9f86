package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/flowpbx/wakeup/internal/database/models"
)

// roomRequest is the JSON body for creating or updating a room. On update,
// omitted fields keep their value.
type roomRequest struct {
	RoomNumber     *string `json:"room_number"`
	PhoneExtension *string `json:"phone_extension"`
	Description    *string `json:"description"`
	Language       *string `json:"language"`
	Status         *string `json:"status"`
}

type roomResponse struct {
	ID             int64  `json:"id"`
	RoomNumber     string `json:"room_number"`
	PhoneExtension string `json:"phone_extension"`
	DialTarget     string `json:"dial_target"`
	Description    string `json:"description"`
	Language       string `json:"language"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

func toRoomResponse(rm *models.Room) roomResponse {
	return roomResponse{
		ID:             rm.ID,
		RoomNumber:     rm.RoomNumber,
		PhoneExtension: rm.PhoneExtension,
		DialTarget:     rm.DialTarget(),
		Description:    rm.Description,
		Language:       rm.Language,
		Status:         rm.Status,
		CreatedAt:      rm.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      rm.UpdatedAt.Format(time.RFC3339),
	}
}

// applyRoomRequest copies the set fields of req onto rm and validates the
// result.
func applyRoomRequest(rm *models.Room, req roomRequest) string {
	if req.RoomNumber != nil {
		rm.RoomNumber = strings.TrimSpace(*req.RoomNumber)
	}
	if req.PhoneExtension != nil {
		rm.PhoneExtension = strings.TrimSpace(*req.PhoneExtension)
	}
	if req.Description != nil {
		rm.Description = *req.Description
	}
	if req.Language != nil {
		rm.Language = *req.Language
	}
	if req.Status != nil {
		rm.Status = *req.Status
	}

	if errMsg := validateRoomNumber("room_number", rm.RoomNumber); errMsg != "" {
		return errMsg
	}
	if errMsg := validateExtension("phone_extension", rm.PhoneExtension); errMsg != "" {
		return errMsg
	}
	if errMsg := validateStringLen("description", rm.Description, maxNameLen); errMsg != "" {
		return errMsg
	}
	if errMsg := validateLanguage("language", rm.Language); errMsg != "" {
		return errMsg
	}
	return validateStringLen("status", rm.Status, 40)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.store.Rooms.List(r.Context())
	if err != nil {
		s.writeServiceError(w, r, "list rooms", err)
		return
	}
	items := make([]roomResponse, len(rooms))
	for i := range rooms {
		items[i] = toRoomResponse(&rooms[i])
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req roomRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	rm := &models.Room{}
	if errMsg := applyRoomRequest(rm, req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if err := s.store.Rooms.Create(r.Context(), rm); err != nil {
		if isUniqueViolation(err) {
			writeError(w, http.StatusConflict, "room "+rm.RoomNumber+" already exists")
			return
		}
		s.writeServiceError(w, r, "create room", err)
		return
	}
	created, err := s.store.Rooms.GetByID(r.Context(), rm.ID)
	if err != nil || created == nil {
		s.logger.Error("create room: failed to re-fetch", "error", err, "room_id", rm.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, toRoomResponse(created))
}

func (s *Server) handleUpdateRoom(w http.ResponseWriter, r *http.Request) {
	id, errMsg := parseID(r, "id")
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	var req roomRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	rm, err := s.store.Rooms.GetByID(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, "update room", err)
		return
	}
	if rm == nil {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	if errMsg := applyRoomRequest(rm, req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if err := s.store.Rooms.Update(r.Context(), rm); err != nil {
		if isUniqueViolation(err) {
			writeError(w, http.StatusConflict, "room "+rm.RoomNumber+" already exists")
			return
		}
		s.writeServiceError(w, r, "update room", err)
		return
	}
	updated, err := s.store.Rooms.GetByID(r.Context(), id)
	if err != nil || updated == nil {
		s.logger.Error("update room: failed to re-fetch", "error", err, "room_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, toRoomResponse(updated))
}

type importRoomsResponse struct {
	Peers   int            `json:"peers"`
	Created []roomResponse `json:"created"`
	Skipped int            `json:"skipped"`
}

// handleImportRooms creates a room for every numeric PBX endpoint that has
// none yet. Existing rooms are left untouched.
func (s *Server) handleImportRooms(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	peers, err := s.pbx.Peers(ctx)
	if err != nil {
		s.writeServiceError(w, r, "import rooms", err)
		return
	}

	resp := importRoomsResponse{Peers: len(peers), Created: []roomResponse{}}
	for _, p := range peers {
		existing, err := s.store.Rooms.GetByNumber(ctx, p.Extension)
		if err != nil {
			s.writeServiceError(w, r, "import rooms", err)
			return
		}
		if existing != nil {
			resp.Skipped++
			continue
		}
		rm := &models.Room{RoomNumber: p.Extension, Description: "Imported from PBX (" + p.Type + ")"}
		if err := s.store.Rooms.Create(ctx, rm); err != nil {
			s.writeServiceError(w, r, "import rooms", err)
			return
		}
		resp.Created = append(resp.Created, toRoomResponse(rm))
	}

	s.logger.Info("rooms imported from pbx", "peers", resp.Peers, "created", len(resp.Created), "skipped", resp.Skipped)
	writeJSON(w, http.StatusOK, resp)
}
