package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/omniforge/collab/internal/db"
)

// Auto-saves beyond this many per room are pruned.
const keepAutoVersions = 20

type CreateVersionRequest struct {
	RoomID      string `json:"room_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Content     string `json:"content"`
	CreatedBy   string `json:"created_by"`
	IsAuto      bool   `json:"is_auto"`
}

type VersionResponse struct {
	ID          int64     `json:"id"`
	RoomID      string    `json:"room_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Content     string    `json:"content,omitempty"` // Omit in list view
	ContentHash string    `json:"content_hash"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	IsAuto      bool      `json:"is_auto"`
	// Set when the room is loaded: whether its live text still matches.
	IsCurrent *bool `json:"is_current,omitempty"`
}

func versionResponse(v *db.Version, withContent bool) VersionResponse {
	resp := VersionResponse{
		ID:          v.ID,
		RoomID:      v.RoomID,
		Name:        v.Name,
		Description: v.Description,
		ContentHash: v.ContentHash,
		CreatedBy:   v.CreatedBy,
		CreatedAt:   v.CreatedAt,
		IsAuto:      v.IsAuto,
	}
	if withContent {
		resp.Content = v.Content
	}
	return resp
}

func hashContent(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:8])
}

func versionID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

func (a *API) ListVersionsHandler(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room_id")
	if roomID == "" {
		errorResponse(w, http.StatusBadRequest, "room_id is required")
		return
	}

	limit, offset := pagination(r, 50)

	versions, err := a.database.ListVersions(r.Context(), roomID, limit, offset)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to list versions")
		return
	}

	response := make([]VersionResponse, len(versions))
	for i := range versions {
		response[i] = versionResponse(&versions[i], false)
	}

	total, _ := a.database.GetVersionCount(r.Context(), roomID)

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"versions": response,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

func (a *API) CreateVersionHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.RoomID == "" {
		errorResponse(w, http.StatusBadRequest, "room_id is required")
		return
	}

	if req.Content == "" {
		errorResponse(w, http.StatusBadRequest, "content is required")
		return
	}

	a.saveVersion(w, r, req)
}

// saveVersion stores req, skipping auto-saves identical to the latest version.
func (a *API) saveVersion(w http.ResponseWriter, r *http.Request, req CreateVersionRequest) {
	ctx := r.Context()

	if req.Name == "" {
		if req.IsAuto {
			req.Name = fmt.Sprintf("Auto-save %s", time.Now().Format("Jan 2, 3:04 PM"))
		} else {
			req.Name = fmt.Sprintf("Version %s", time.Now().Format("Jan 2, 3:04 PM"))
		}
	}

	contentHash := hashContent(req.Content)

	if req.IsAuto {
		latest, err := a.database.GetLatestVersion(ctx, req.RoomID)
		if err == nil && latest != nil && latest.ContentHash == contentHash {
			jsonResponse(w, http.StatusOK, versionResponse(latest, false))
			return
		}
	}

	version, err := a.database.CreateVersion(ctx, db.Version{
		RoomID:      req.RoomID,
		Name:        req.Name,
		Description: req.Description,
		Content:     req.Content,
		ContentHash: contentHash,
		CreatedBy:   req.CreatedBy,
		IsAuto:      req.IsAuto,
	})
	if err != nil {
		a.log.Error().Err(err).Str("room_id", req.RoomID).Msg("failed to create version")
		errorResponse(w, http.StatusInternalServerError, "Failed to create version")
		return
	}

	if req.IsAuto {
		if err := a.database.DeleteOldAutoVersions(ctx, req.RoomID, keepAutoVersions); err != nil {
			a.log.Warn().Err(err).Str("room_id", req.RoomID).Msg("failed to clean up old auto versions")
		}
	}

	jsonResponse(w, http.StatusCreated, versionResponse(version, false))
}

// GetVersionHandler retrieves a specific version with full content
func (a *API) GetVersionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := versionID(r)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid version ID")
		return
	}

	version, err := a.database.GetVersion(r.Context(), id)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get version")
		return
	}

	if version == nil {
		errorResponse(w, http.StatusNotFound, "Version not found")
		return
	}

	resp := versionResponse(version, true)
	if rm, ok := a.relay.Rooms().Get(version.RoomID); ok {
		current := rm.Text() == version.Content
		resp.IsCurrent = &current
	}
	jsonResponse(w, http.StatusOK, resp)
}

func (a *API) DeleteVersionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := versionID(r)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid version ID")
		return
	}

	if err := a.database.DeleteVersion(r.Context(), id); err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to delete version")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{"message": "Version deleted"})
}

// DiffVersionsHandler computes a line diff between two versions.
func (a *API) DiffVersionsHandler(w http.ResponseWriter, r *http.Request) {
	fromID, err := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid 'from' version ID")
		return
	}

	toID, err := strconv.ParseInt(r.URL.Query().Get("to"), 10, 64)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid 'to' version ID")
		return
	}

	fromVersion, err := a.database.GetVersion(r.Context(), fromID)
	if err != nil || fromVersion == nil {
		errorResponse(w, http.StatusNotFound, "From version not found")
		return
	}

	toVersion, err := a.database.GetVersion(r.Context(), toID)
	if err != nil || toVersion == nil {
		errorResponse(w, http.StatusNotFound, "To version not found")
		return
	}

	unified, err := unifiedDiff(fromVersion, toVersion)
	if err != nil {
		a.log.Warn().Err(err).Msg("failed to render unified diff")
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"from":    versionResponse(fromVersion, false),
		"to":      versionResponse(toVersion, false),
		"diff":    computeDiff(fromVersion.Content, toVersion.Content),
		"unified": unified,
	})
}

// RestoreVersionHandler replaces the live text of the version's room with
// the version content and records the restore as a new version.
func (a *API) RestoreVersionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := versionID(r)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid version ID")
		return
	}

	version, err := a.database.GetVersion(r.Context(), id)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get version")
		return
	}

	if version == nil {
		errorResponse(w, http.StatusNotFound, "Version not found")
		return
	}

	if err := a.relay.Restore(r.Context(), version.RoomID, version.Content); err != nil {
		a.log.Error().Err(err).Str("room_id", version.RoomID).Int64("version_id", id).Msg("failed to restore room")
		errorResponse(w, http.StatusInternalServerError, "Failed to restore room")
		return
	}

	newVersion, err := a.database.CreateVersion(r.Context(), db.Version{
		RoomID:      version.RoomID,
		Name:        fmt.Sprintf("Restored from: %s", version.Name),
		Description: fmt.Sprintf("Restored to version %d (%s)", version.ID, version.Name),
		Content:     version.Content,
		ContentHash: version.ContentHash,
	})
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to create restore version")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"message":       "Version restored",
		"restored_from": version.ID,
		"new_version":   newVersion.ID,
		"room_id":       version.RoomID,
		"content":       version.Content,
	})
}
