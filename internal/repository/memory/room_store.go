package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"consultlink-backend/internal/domain"
	appErrors "consultlink-backend/pkg/errors"
)

// RoomStore tracks room slots for a single service instance
type RoomStore struct {
	mu       sync.Mutex
	capacity int
	rooms    map[uuid.UUID]map[domain.Role]domain.SignalingParticipant
}

// NewRoomStore creates a room store admitting capacity participants per room
func NewRoomStore(capacity int) *RoomStore {
	return &RoomStore{
		capacity: capacity,
		rooms:    make(map[uuid.UUID]map[domain.Role]domain.SignalingParticipant),
	}
}

// Claim admits p unless the room is full or p's role is already held. A
// slot held by the connection p resumes from is handed over to p.
func (s *RoomStore) Claim(_ context.Context, p domain.SignalingParticipant) (*domain.SlotClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.rooms[p.SessionID]
	if room == nil {
		room = make(map[domain.Role]domain.SignalingParticipant)
		s.rooms[p.SessionID] = room
	}

	claim := &domain.SlotClaim{}
	if cur, taken := room[p.Role]; taken {
		if !p.CanReplace(cur) {
			return nil, appErrors.RoomFullError()
		}
		claim.Replaced = &cur
	} else if len(room) >= s.capacity {
		return nil, appErrors.RoomFullError()
	}

	for role, m := range room {
		if role != p.Role {
			m := m
			claim.Other = &m
		}
	}
	room[p.Role] = p

	return claim, nil
}

// Release frees p's slot if it still holds it and reports whether it did
func (s *RoomStore) Release(_ context.Context, p domain.SignalingParticipant) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.rooms[p.SessionID]
	released := false
	if cur, ok := room[p.Role]; ok && cur.ParticipantID == p.ParticipantID {
		delete(room, p.Role)
		released = true
	}
	if len(room) == 0 {
		delete(s.rooms, p.SessionID)
	}
	return released, nil
}

// Count returns the number of occupied slots in a room
func (s *RoomStore) Count(sessionID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms[sessionID])
}
