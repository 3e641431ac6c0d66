// Package memory is a process-local Store used for development and tests.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/suyeshs/stonepot-sub001/internal/store"
	"github.com/suyeshs/stonepot-sub001/pkg/protocol"
)

type entry struct {
	data      []byte
	summary   store.Summary
	updatedAt time.Time
	finalized *time.Time
}

// Store keeps encoded snapshots so callers never share memory with it.
type Store struct {
	mu    sync.RWMutex
	rooms map[string]entry
}

func New() *Store {
	return &Store{rooms: make(map[string]entry)}
}

func (s *Store) Save(_ context.Context, room *protocol.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return err
	}
	e := entry{data: data, summary: store.Summarize(room), updatedAt: time.Now()}
	if room.FinalizedAt != nil {
		t := *room.FinalizedAt
		e.finalized = &t
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.ID] = e
	return nil
}

func (s *Store) Load(_ context.Context, roomID string) (*protocol.Room, error) {
	s.mu.RLock()
	e, ok := s.rooms[roomID]
	s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}

	var room protocol.Room
	if err := json.Unmarshal(e.data, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *Store) Delete(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
	return nil
}

func (s *Store) List(_ context.Context, limit, offset int) ([]store.Summary, error) {
	s.mu.RLock()
	entries := make([]entry, 0, len(s.rooms))
	for _, e := range s.rooms {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].updatedAt.After(entries[j].updatedAt)
	})

	if offset >= len(entries) {
		return nil, nil
	}
	end := offset + limit
	if end > len(entries) {
		end = len(entries)
	}

	summaries := make([]store.Summary, 0, end-offset)
	for _, e := range entries[offset:end] {
		summaries = append(summaries, e.summary)
	}
	return summaries, nil
}

func (s *Store) FinalizedBefore(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, e := range s.rooms {
		if e.finalized != nil && e.finalized.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) Stats(_ context.Context) (store.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := store.Stats{Rooms: len(s.rooms)}
	for _, e := range s.rooms {
		if e.finalized != nil {
			stats.Finalized++
		}
	}
	return stats, nil
}

func (s *Store) Close() error { return nil }

var _ store.Store = (*Store)(nil)
