// Package memory holds in-process repositories used when CockroachDB is disabled.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"consultlink-backend/internal/domain"
)

// ConsultationRepository keeps sessions in a map guarded by a mutex
type ConsultationRepository struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*domain.ConsultationSession
}

// NewConsultationRepository creates an empty repository
func NewConsultationRepository() *ConsultationRepository {
	return &ConsultationRepository{
		sessions: make(map[uuid.UUID]*domain.ConsultationSession),
	}
}

// Create stores a copy of the session
func (r *ConsultationRepository) Create(_ context.Context, s *domain.ConsultationSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *s
	r.sessions[s.SessionID] = &cp
	return nil
}

// GetByID returns a copy of the stored session
func (r *ConsultationRepository) GetByID(_ context.Context, sessionID uuid.UUID) (*domain.ConsultationSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

// ListByDoctor returns copies of a clinician's sessions, newest first
func (r *ConsultationRepository) ListByDoctor(_ context.Context, doctorID uuid.UUID) ([]*domain.ConsultationSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.ConsultationSession
	for _, s := range r.sessions {
		if s.DoctorID == doctorID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Transition applies change only while the stored status equals change.From
func (r *ConsultationRepository) Transition(_ context.Context, sessionID uuid.UUID, change domain.StatusChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if s.Status != change.From {
		return domain.ErrStatusConflict
	}
	change.Apply(s)
	return nil
}

// ExpirePending marks pending sessions past expiry as expired
func (r *ConsultationRepository) ExpirePending(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []uuid.UUID
	for id, s := range r.sessions {
		if s.Status == domain.StatusPending && !now.Before(s.ExpiresAt) {
			s.Status = domain.StatusExpired
			ids = append(ids, id)
		}
	}
	return ids, nil
}
