package syncclient

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/suyeshs/stonepot-sub001/pkg/protocol"
)

// StartRoomRequest opens a room for a circle, owned by the organizer.
type StartRoomRequest struct {
	CircleID           string `json:"circleId"`
	TenantID           string `json:"tenantId"`
	OwnerParticipantID string `json:"ownerParticipantId"`
	OwnerName          string `json:"ownerName,omitempty"`
	OwnerContact       string `json:"ownerContact,omitempty"`
}

type StartRoomResponse struct {
	RoomID     string         `json:"roomId"`
	ConnectURL string         `json:"connectUrl"`
	Room       *protocol.Room `json:"room"`
}

// VoiceItem is an item ordered through the voice agent for a participant.
type VoiceItem struct {
	ParticipantID   string `json:"participantId"`
	ParticipantName string `json:"participantName,omitempty"`
	RequestID       string `json:"requestId,omitempty"`
	protocol.AddItemData
}

// APIError is a non-2xx answer from the rooms API.
type APIError struct {
	Status  int                `json:"-"`
	Code    protocol.ErrorCode `json:"code"`
	Message string             `json:"error"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("rooms api: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("rooms api: %d: %s", e.Status, e.Message)
}

// RoomsClient calls the HTTP entry points used by the order-taking and
// voice collaborators.
type RoomsClient struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

func NewRoomsClient(baseURL string, logger *zap.Logger) *RoomsClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &RoomsClient{httpClient: client, logger: logger}
}

func (c *RoomsClient) StartRoom(ctx context.Context, req StartRoomRequest) (*StartRoomResponse, error) {
	var out StartRoomResponse
	if err := c.do(ctx, "POST", "/api/rooms", req, &out); err != nil {
		return nil, err
	}
	c.logger.Info("Room started", zap.String("room_id", out.RoomID))
	return &out, nil
}

// AddVoiceItem adds an item and returns the room as it is afterwards.
func (c *RoomsClient) AddVoiceItem(ctx context.Context, roomID string, item VoiceItem) (*protocol.Room, error) {
	var out protocol.Room
	if err := c.do(ctx, "POST", "/api/rooms/"+url.PathEscape(roomID)+"/items", item, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RoomsClient) GetRoom(ctx context.Context, roomID string) (*protocol.Room, error) {
	var out protocol.Room
	if err := c.do(ctx, "GET", "/api/rooms/"+url.PathEscape(roomID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RoomsClient) do(ctx context.Context, method, path string, body, result any) error {
	apiErr := &APIError{}
	req := c.httpClient.R().
		SetContext(ctx).
		SetResult(result).
		SetError(apiErr)
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		c.logger.Error("Rooms API call failed", zap.String("path", path), zap.Error(err))
		return fmt.Errorf("call %s %s: %w", method, path, err)
	}
	if resp.IsError() {
		apiErr.Status = resp.StatusCode()
		return apiErr
	}
	return nil
}
