// Package room owns the authoritative state of shared orders.
//
// Every room id is served by exactly one Coordinator goroutine which applies
// client messages one at a time. Nothing else mutates room state, so there
// are no locks around it; concurrency happens only between rooms.
package room

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/suyeshs/stonepot-sub001/internal/metrics"
	"github.com/suyeshs/stonepot-sub001/internal/split"
)

// ErrStopped is returned by a Coordinator that has hibernated or shut down.
// Callers should resolve the room again through the Registry.
var ErrStopped = errors.New("room coordinator stopped")

// Subscriber is a connection attached to a room. Deliver must not block;
// an error prunes the subscriber as if it had disconnected.
type Subscriber interface {
	ID() string
	Deliver(frame []byte) error
}

// Options tunes coordinators created by a Registry.
type Options struct {
	Calculator split.Calculator
	Logger     *zap.Logger
	Metrics    *metrics.Metrics

	// SaveTimeout bounds a single snapshot write.
	SaveTimeout time.Duration
	// SaveAttempts is how many times a save is tried before the room is
	// left dirty for the background retry.
	SaveAttempts uint
	// RetryInterval is how often a dirty room retries its save.
	RetryInterval time.Duration

	// Now is overridable in tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Calculator.Policy == "" {
		o.Calculator = split.NewCalculator(split.RemainderOwner, split.DefaultTolerance)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.SaveTimeout <= 0 {
		o.SaveTimeout = 5 * time.Second
	}
	if o.SaveAttempts == 0 {
		o.SaveAttempts = 3
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 2 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

var participantNamespace = uuid.MustParse("6f1c7c2e-3b9a-4d55-9a53-5f0f4f7e2a10")

// ParticipantID derives the stable participant id for a contact within a
// tenant. The same contact always maps to the same id.
func ParticipantID(tenantID, contact string) string {
	key := tenantID + ":" + strings.ToLower(strings.TrimSpace(contact))
	return uuid.NewSHA1(participantNamespace, []byte(key)).String()
}
