// Package store defines durable storage for room snapshots. Implementations
// live in the sqlite, redis and memory subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/suyeshs/stonepot-sub001/pkg/protocol"
)

// ErrNotFound is returned when no snapshot exists for a room id.
var ErrNotFound = errors.New("room not found")

// Store persists full room snapshots keyed by room id.
// All implementations must be safe for concurrent use.
type Store interface {
	// Load returns the last saved snapshot or ErrNotFound.
	Load(ctx context.Context, roomID string) (*protocol.Room, error)

	// Save overwrites the snapshot for room.ID.
	Save(ctx context.Context, room *protocol.Room) error

	// Delete removes the snapshot. Deleting a missing room is not an error.
	Delete(ctx context.Context, roomID string) error

	// List returns summaries, most recently updated first.
	List(ctx context.Context, limit, offset int) ([]Summary, error)

	// FinalizedBefore lists rooms finalized strictly before cutoff.
	FinalizedBefore(ctx context.Context, cutoff time.Time) ([]string, error)

	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Summary is the listing view of a stored room.
type Summary struct {
	ID               string          `json:"id"`
	TenantID         string          `json:"tenantId"`
	CircleID         string          `json:"circleId"`
	OwnerID          string          `json:"ownerParticipantId"`
	Status           protocol.Status `json:"status"`
	Total            int64           `json:"total"`
	ItemCount        int             `json:"itemCount"`
	ParticipantCount int             `json:"participantCount"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

type Stats struct {
	Rooms     int `json:"rooms"`
	Finalized int `json:"finalized"`
}

// Summarize builds the listing view of r.
func Summarize(r *protocol.Room) Summary {
	return Summary{
		ID:               r.ID,
		TenantID:         r.TenantID,
		CircleID:         r.CircleID,
		OwnerID:          r.OwnerID,
		Status:           r.Status,
		Total:            r.ComputeTotal(),
		ItemCount:        len(r.Items),
		ParticipantCount: len(r.Participants),
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}
