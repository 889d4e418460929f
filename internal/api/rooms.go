package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/omniforge/collab/internal/crdt"
	"github.com/omniforge/collab/internal/protocol"
	"github.com/omniforge/collab/internal/room"
)

type RoomResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	ActiveUsers  int       `json:"active_users"`
	UpdateCount  int       `json:"update_count,omitempty"`
	VersionCount int       `json:"version_count,omitempty"`

	// Live state, only on single-room lookups.
	Members  []string                   `json:"members,omitempty"`
	Presence []protocol.PresencePayload `json:"presence,omitempty"`
}

type CreateRoomRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 20)

	rooms, err := a.database.ListRooms(r.Context(), limit, offset)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to list rooms")
		return
	}

	activeRooms := a.relay.Rooms().Active()

	response := make([]RoomResponse, len(rooms))
	for i, rec := range rooms {
		response[i] = RoomResponse{
			ID:          rec.ID,
			Name:        rec.Name,
			CreatedAt:   rec.CreatedAt,
			UpdatedAt:   rec.UpdatedAt,
			ActiveUsers: activeRooms[rec.ID],
		}
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms":  response,
		"limit":  limit,
		"offset": offset,
	})
}

func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := protocol.ValidateRoomID(req.ID); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid room ID")
		return
	}

	if err := a.database.CreateRoom(r.Context(), req.ID, req.Name); err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to create room")
		return
	}

	created, err := a.database.GetRoom(r.Context(), req.ID)
	if err != nil || created == nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}

	jsonResponse(w, http.StatusCreated, RoomResponse{
		ID:        created.ID,
		Name:      created.Name,
		CreatedAt: created.CreatedAt,
		UpdatedAt: created.UpdatedAt,
	})
}

// GetRoomHandler merges the stored record with who is in the room right now.
func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	id := roomID(r)

	rec, err := a.database.GetRoom(r.Context(), id)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}
	if rec == nil {
		errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	resp := RoomResponse{
		ID:        rec.ID,
		Name:      rec.Name,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
		Presence:  a.relay.Rooms().PresenceOf(id),
	}
	resp.UpdateCount, _ = a.database.GetUpdateCount(r.Context(), id)
	resp.VersionCount, _ = a.database.GetVersionCount(r.Context(), id)

	for _, m := range a.relay.Rooms().MembersOf(id) {
		resp.Members = append(resp.Members, m.UserID)
	}
	resp.ActiveUsers = len(resp.Members)

	jsonResponse(w, http.StatusOK, resp)
}

// DeleteRoomHandler refuses rooms that are still in use. The in-memory
// replica is evicted first so a pending flush cannot bring the room back.
func (a *API) DeleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	id := roomID(r)

	if err := a.relay.Evict(id); err != nil {
		if errors.Is(err, room.ErrBusy) {
			errorResponse(w, http.StatusConflict, "Room has active members")
			return
		}
		errorResponse(w, http.StatusInternalServerError, "Failed to delete room")
		return
	}

	if err := a.database.DeleteRoom(r.Context(), id); err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to delete room")
		return
	}

	a.log.Info().Str("room_id", id).Msg("room deleted")
	jsonResponse(w, http.StatusOK, map[string]string{"message": "Room deleted"})
}

// RoomTextHandler returns the converged text of a room.
func (a *API) RoomTextHandler(w http.ResponseWriter, r *http.Request) {
	id := roomID(r)
	if err := protocol.ValidateRoomID(id); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid room ID")
		return
	}

	text, err := a.relay.Text(r.Context(), id)
	if err != nil {
		a.log.Error().Err(err).Str("room_id", id).Msg("failed to read room text")
		errorResponse(w, http.StatusInternalServerError, "Failed to load room")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"room_id": id,
		"text":    text,
		"length":  crdt.RuneLen(text),
	})
}

type CommitRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedBy   string `json:"created_by"`
	IsAuto      bool   `json:"is_auto"`
}

// CommitHandler stores the converged text of a room as a new version.
func (a *API) CommitHandler(w http.ResponseWriter, r *http.Request) {
	id := roomID(r)
	if err := protocol.ValidateRoomID(id); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid room ID")
		return
	}

	var req CommitRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			errorResponse(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	text, err := a.relay.Text(r.Context(), id)
	if err != nil {
		a.log.Error().Err(err).Str("room_id", id).Msg("failed to read room text")
		errorResponse(w, http.StatusInternalServerError, "Failed to load room")
		return
	}

	if req.Name == "" {
		req.Name = fmt.Sprintf("Commit %s", time.Now().Format("Jan 2, 3:04 PM"))
	}

	a.saveVersion(w, r, CreateVersionRequest{
		RoomID:      id,
		Name:        req.Name,
		Description: req.Description,
		Content:     text,
		CreatedBy:   req.CreatedBy,
		IsAuto:      req.IsAuto,
	})
}
