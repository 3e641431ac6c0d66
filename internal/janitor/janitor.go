// Package janitor runs periodic housekeeping: idle rooms are hibernated and
// finalized rooms past their retention window are deleted.
package janitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/suyeshs/stonepot-sub001/internal/room"
	"github.com/suyeshs/stonepot-sub001/internal/store"
	"github.com/suyeshs/stonepot-sub001/pkg/protocol"
)

type Config struct {
	Interval time.Duration
	// IdleGrace is how long a room must have had no connections before it
	// is evicted from memory.
	IdleGrace time.Duration
	// FinalizedRetention is how long a finalized room stays in storage.
	FinalizedRetention time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:           time.Minute,
		IdleGrace:          5 * time.Minute,
		FinalizedRetention: 24 * time.Hour,
	}
}

type Service struct {
	registry *room.Registry
	store    store.Store
	config   Config
	logger   *zap.Logger
	now      func() time.Time
	stop     chan struct{}
	wg       sync.WaitGroup
}

func New(registry *room.Registry, st store.Store, config Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		registry: registry,
		store:    st,
		config:   config,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("Janitor started",
		zap.Duration("interval", s.config.Interval),
		zap.Duration("idle_grace", s.config.IdleGrace),
		zap.Duration("retention", s.config.FinalizedRetention))
}

func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	s.logger.Info("Janitor stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.config.Interval)
			s.RunOnce(ctx)
			cancel()
		}
	}
}

// Result counts what one pass did.
type Result struct {
	Hibernated int
	Purged     int
}

// RunOnce performs a single housekeeping pass.
func (s *Service) RunOnce(ctx context.Context) Result {
	res := Result{
		Hibernated: s.registry.Sweep(ctx, s.config.IdleGrace),
		Purged:     s.purgeFinalized(ctx),
	}
	if res.Hibernated > 0 || res.Purged > 0 {
		s.logger.Info("Janitor pass",
			zap.Int("hibernated", res.Hibernated),
			zap.Int("purged", res.Purged))
	}
	return res
}

func (s *Service) purgeFinalized(ctx context.Context) int {
	if s.config.FinalizedRetention <= 0 {
		return 0
	}
	ids, err := s.store.FinalizedBefore(ctx, s.now().Add(-s.config.FinalizedRetention))
	if err != nil {
		s.logger.Error("Failed to list finalized rooms", zap.Error(err))
		return 0
	}

	purged := 0
	for _, id := range ids {
		if err := s.purge(ctx, id); err != nil {
			if !protocol.IsCode(err, protocol.CodeRoomBusy) {
				s.logger.Warn("Failed to purge room", zap.String("room_id", id), zap.Error(err))
			}
			continue
		}
		purged++
	}
	return purged
}

// purge deletes a room through the registry, so attached connections keep
// it alive and no concurrent join can bring it back.
func (s *Service) purge(ctx context.Context, id string) error {
	err := s.registry.Close(ctx, id)
	if protocol.IsCode(err, protocol.CodeNotFound) {
		return nil
	}
	return err
}
