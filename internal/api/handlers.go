// Package api serves the HTTP entry points used by the order-taking and
// voice collaborators, plus operational endpoints.
package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/suyeshs/stonepot-sub001/internal/room"
	"github.com/suyeshs/stonepot-sub001/internal/store"
	"github.com/suyeshs/stonepot-sub001/internal/ws"
	"github.com/suyeshs/stonepot-sub001/pkg/protocol"
)

type API struct {
	registry    *room.Registry
	store       store.Store
	gateway     *ws.Gateway
	logger      *zap.Logger
	publicWSURL string
}

func New(registry *room.Registry, st store.Store, gateway *ws.Gateway, publicWSURL string, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		registry:    registry,
		store:       st,
		gateway:     gateway,
		logger:      logger,
		publicWSURL: publicWSURL,
	}
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Warn("Error encoding JSON response", zap.Error(err))
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

// failure reports err with the status its code maps to.
func (a *API) failure(w http.ResponseWriter, err error) {
	code := protocol.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		a.logger.Error("Request failed", zap.Error(err))
	}
	a.jsonResponse(w, status, map[string]string{
		"error": protocol.MessageOf(err),
		"code":  string(code),
	})
}

func statusFor(code protocol.ErrorCode) int {
	switch code {
	case protocol.CodeNotFound:
		return http.StatusNotFound
	case protocol.CodeForbidden:
		return http.StatusForbidden
	case protocol.CodeInvalidInput:
		return http.StatusBadRequest
	case protocol.CodeRoomClosed, protocol.CodeRoomBusy:
		return http.StatusConflict
	case protocol.CodeSplitInvalid:
		return http.StatusUnprocessableEntity
	case protocol.CodeRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	live := a.registry.Stats()
	stats := map[string]any{
		"active_rooms":       live.Rooms,
		"active_connections": live.Connections,
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
	}
	if a.gateway != nil {
		stats["open_sockets"] = a.gateway.Connections()
	}

	if stored, err := a.store.Stats(r.Context()); err == nil {
		stats["total_rooms"] = stored.Rooms
		stats["finalized_rooms"] = stored.Finalized
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type RoomResponse struct {
	store.Summary
	ActiveConnections int `json:"activeConnections"`
}

type StartRoomResponse struct {
	RoomID     string         `json:"roomId"`
	ConnectURL string         `json:"connectUrl"`
	Room       *protocol.Room `json:"room"`
}

// VoiceItemRequest is an add_item spoken to the voice agent on behalf of a
// participant.
type VoiceItemRequest struct {
	ParticipantID   string `json:"participantId"`
	ParticipantName string `json:"participantName,omitempty"`
	RequestID       string `json:"requestId,omitempty"`
	protocol.AddItemData
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	rooms, err := a.store.List(r.Context(), limit, offset)
	if err != nil {
		a.logger.Error("Failed to list rooms", zap.Error(err))
		a.errorResponse(w, http.StatusInternalServerError, "Failed to list rooms")
		return
	}

	response := make([]RoomResponse, len(rooms))
	for i, summary := range rooms {
		response[i] = RoomResponse{Summary: summary}
		if c, ok := a.registry.Lookup(summary.ID); ok {
			response[i].ActiveConnections = c.Connections()
		}
	}

	a.jsonResponse(w, http.StatusOK, map[string]any{
		"rooms":  response,
		"limit":  limit,
		"offset": offset,
	})
}

func (a *API) StartRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req room.StartParams
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	started, err := a.registry.Start(r.Context(), req)
	if err != nil {
		a.failure(w, err)
		return
	}

	a.jsonResponse(w, http.StatusCreated, StartRoomResponse{
		RoomID:     started.ID,
		ConnectURL: a.connectURL(started.ID),
		Room:       started,
	})
}

func (a *API) connectURL(roomID string) string {
	sep := "?"
	if strings.Contains(a.publicWSURL, "?") {
		sep = "&"
	}
	return a.publicWSURL + sep + "room=" + url.QueryEscape(roomID)
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request, roomID string) {
	snapshot, err := a.registry.Snapshot(r.Context(), roomID)
	if err != nil {
		a.failure(w, err)
		return
	}
	a.jsonResponse(w, http.StatusOK, snapshot)
}

func (a *API) DeleteRoomHandler(w http.ResponseWriter, r *http.Request, roomID string) {
	if err := a.registry.Close(r.Context(), roomID); err != nil {
		a.failure(w, err)
		return
	}
	a.jsonResponse(w, http.StatusOK, map[string]string{"message": "Room deleted"})
}

func (a *API) AddVoiceItemHandler(w http.ResponseWriter, r *http.Request, roomID string) {
	var req VoiceItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	msg, err := protocol.NewClientMessage(protocol.TypeAddItem, req.ParticipantID, req.ParticipantName, req.AddItemData)
	if err != nil {
		a.failure(w, err)
		return
	}
	msg.RequestID = req.RequestID
	if msg.ParticipantID == "" {
		a.errorResponse(w, http.StatusBadRequest, "participantId is required")
		return
	}

	err = a.registry.Do(r.Context(), roomID, func(c *room.Coordinator) error {
		return c.DispatchVoice(r.Context(), msg)
	})
	if err != nil {
		a.failure(w, err)
		return
	}
	snapshot, err := a.registry.Snapshot(r.Context(), roomID)
	if err != nil {
		a.failure(w, err)
		return
	}

	a.logger.Info("Voice item added",
		zap.String("room_id", roomID),
		zap.String("participant_id", req.ParticipantID),
		zap.String("dish", req.DishName))
	a.jsonResponse(w, http.StatusCreated, snapshot)
}

func (a *API) RoomsRouter(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/rooms"), "/")

	// /api/rooms
	if path == "" {
		switch r.Method {
		case http.MethodGet:
			a.ListRoomsHandler(w, r)
		case http.MethodPost:
			a.StartRoomHandler(w, r)
		default:
			a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
		return
	}

	roomID, sub, _ := strings.Cut(path, "/")
	switch {
	// /api/rooms/{id}
	case sub == "" && r.Method == http.MethodGet:
		a.GetRoomHandler(w, r, roomID)
	case sub == "" && r.Method == http.MethodDelete:
		a.DeleteRoomHandler(w, r, roomID)

	// /api/rooms/{id}/items
	case sub == "items" && r.Method == http.MethodPost:
		a.AddVoiceItemHandler(w, r, roomID)

	// /api/rooms/{id}/receipt.xlsx
	case sub == "receipt.xlsx" && r.Method == http.MethodGet:
		a.ReceiptHandler(w, r, roomID)

	case sub == "" || sub == "items" || sub == "receipt.xlsx":
		a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	default:
		a.errorResponse(w, http.StatusNotFound, "Not found")
	}
}
