// Package protocol defines the JSON messages exchanged between order room
// clients and the server, and the room snapshot carried inside them.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Represents the type of a sync message
type MessageType string

const (
	// Client -> server
	TypeJoin           MessageType = "join"
	TypeAddItem        MessageType = "add_item"
	TypeRemoveItem     MessageType = "remove_item"
	TypeUpdateQuantity MessageType = "update_quantity"
	TypeUpdateSplit    MessageType = "update_split"
	TypeFinalize       MessageType = "finalize"
	TypeLeave          MessageType = "leave"

	// Server -> client
	TypeSync              MessageType = "sync"
	TypeParticipantJoined MessageType = "participant_joined"
	TypeParticipantLeft   MessageType = "participant_left"
	TypeItemAdded         MessageType = "item_added"
	TypeItemRemoved       MessageType = "item_removed"
	TypeQuantityUpdated   MessageType = "quantity_updated"
	TypeSplitUpdated      MessageType = "split_updated"
	TypeOrderFinalized    MessageType = "order_finalized"
	TypeError             MessageType = "error"
)

// IsClientType reports whether t may be sent by a client.
func IsClientType(t MessageType) bool {
	switch t {
	case TypeJoin, TypeAddItem, TypeRemoveItem, TypeUpdateQuantity,
		TypeUpdateSplit, TypeFinalize, TypeLeave:
		return true
	}
	return false
}

// Mutating reports whether a message of type t changes the order itself.
// Join and leave only touch presence and stay allowed on finalized rooms.
func Mutating(t MessageType) bool {
	return IsClientType(t) && t != TypeJoin && t != TypeLeave
}

// ClientMessage is the envelope for every client -> server frame.
type ClientMessage struct {
	Type            MessageType     `json:"type"`
	ParticipantID   string          `json:"participantId"`
	ParticipantName string          `json:"participantName,omitempty"`
	Timestamp       int64           `json:"timestamp"`
	RequestID       string          `json:"requestId,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// ServerMessage is the envelope for every server -> client frame.
type ServerMessage struct {
	Type            MessageType     `json:"type"`
	ParticipantID   string          `json:"participantId,omitempty"`
	ParticipantName string          `json:"participantName,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
	Timestamp       int64           `json:"timestamp"`
	RequestID       string          `json:"requestId,omitempty"`
}

type JoinData struct {
	ContactRef string `json:"contactRef,omitempty"`
}

type AddItemData struct {
	DishName      string `json:"dishName"`
	DishType      string `json:"dishType,omitempty"`
	Quantity      int    `json:"quantity"`
	UnitPrice     int64  `json:"unitPrice"`
	Customization string `json:"customization,omitempty"`
}

type RemoveItemData struct {
	ItemID string `json:"itemId"`
}

type UpdateQuantityData struct {
	ItemID   string `json:"itemId"`
	Quantity int    `json:"quantity"`
}

type UpdateSplitData struct {
	SplitType     SplitType        `json:"splitType"`
	CustomAmounts map[string]int64 `json:"customAmounts,omitempty"`
}

// EventData is the payload of every broadcast. Room always holds the full
// state after the change; the other fields name its subject.
type EventData struct {
	Room        *Room        `json:"room"`
	Item        *Item        `json:"item,omitempty"`
	ItemID      string       `json:"itemId,omitempty"`
	Participant *Participant `json:"participant,omitempty"`
}

type ErrorData struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Decode parses and validates a client frame. Anything returned without
// error is safe to hand to a room coordinator.
func Decode(raw []byte) (*ClientMessage, error) {
	if len(raw) == 0 {
		return nil, Errorf(CodeInvalidInput, "empty message")
	}

	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, Errorf(CodeInvalidInput, "malformed message: %v", err)
	}
	if !IsClientType(msg.Type) {
		return nil, Errorf(CodeInvalidInput, "unknown message type %q", msg.Type)
	}
	if msg.ParticipantID == "" {
		return nil, Errorf(CodeInvalidInput, "participantId is required")
	}

	if _, err := msg.Payload(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Payload decodes Data into the struct matching the message type. Finalize
// and leave carry no payload and return nil.
func (m *ClientMessage) Payload() (any, error) {
	var target any
	switch m.Type {
	case TypeJoin:
		target = &JoinData{}
	case TypeAddItem:
		target = &AddItemData{}
	case TypeRemoveItem:
		target = &RemoveItemData{}
	case TypeUpdateQuantity:
		target = &UpdateQuantityData{}
	case TypeUpdateSplit:
		target = &UpdateSplitData{}
	case TypeFinalize, TypeLeave:
		return nil, nil
	default:
		return nil, Errorf(CodeInvalidInput, "unknown message type %q", m.Type)
	}

	if len(m.Data) == 0 || string(m.Data) == "null" {
		if m.Type == TypeJoin {
			return target, nil
		}
		return nil, Errorf(CodeInvalidInput, "%s requires data", m.Type)
	}
	if err := json.Unmarshal(m.Data, target); err != nil {
		return nil, Errorf(CodeInvalidInput, "invalid %s data: %v", m.Type, err)
	}
	return target, nil
}

// NewClientMessage builds a client frame with data already encoded.
func NewClientMessage(t MessageType, participantID, name string, data any) (*ClientMessage, error) {
	msg := &ClientMessage{
		Type:            t,
		ParticipantID:   participantID,
		ParticipantName: name,
		Timestamp:       time.Now().UnixMilli(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s data: %w", t, err)
		}
		msg.Data = raw
	}
	return msg, nil
}

// Encode renders a server frame. data is marshalled once so the same bytes
// can be fanned out to every connection.
func Encode(msg ServerMessage, data any) ([]byte, error) {
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s data: %w", msg.Type, err)
		}
		msg.Data = raw
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	return json.Marshal(msg)
}

// EncodeError renders an error frame for err, echoing requestID.
func EncodeError(err error, requestID string) []byte {
	frame, encErr := Encode(ServerMessage{Type: TypeError, RequestID: requestID}, ErrorData{
		Code:    CodeOf(err),
		Message: MessageOf(err),
	})
	if encErr != nil {
		// ErrorData always marshals; keep a static fallback anyway.
		return []byte(`{"type":"error","data":{"code":"internal","message":"internal error"}}`)
	}
	return frame
}
