package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"consultlink-backend/internal/database"
	"consultlink-backend/internal/domain"
	"consultlink-backend/pkg/token"
)

// ErrCacheMiss is returned when no validation record is cached
var ErrCacheMiss = errors.New("join record not cached")

// JoinRecord is the subset of a session the validator needs. The access
// token is stored as a hash only.
type JoinRecord struct {
	SessionID   uuid.UUID            `json:"session_id"`
	Status      domain.SessionStatus `json:"status"`
	DoctorID    uuid.UUID            `json:"doctor_id"`
	DoctorName  string               `json:"doctor_name"`
	Specialty   string               `json:"specialty"`
	PatientName string               `json:"patient_name"`
	TokenHash   string               `json:"token_hash"`
	ExpiresAt   time.Time            `json:"expires_at"`
}

// NewJoinRecord projects a session into a cacheable record
func NewJoinRecord(s *domain.ConsultationSession) *JoinRecord {
	return &JoinRecord{
		SessionID:   s.SessionID,
		Status:      s.Status,
		DoctorID:    s.DoctorID,
		DoctorName:  s.DoctorName,
		Specialty:   s.Specialty,
		PatientName: s.PatientName,
		TokenHash:   token.Hash(s.AccessToken),
		ExpiresAt:   s.ExpiresAt,
	}
}

// Session rebuilds the fields of a session the validator reads. AccessToken
// is left empty; callers compare against TokenHash.
func (r *JoinRecord) Session() *domain.ConsultationSession {
	return &domain.ConsultationSession{
		SessionID:   r.SessionID,
		Status:      r.Status,
		DoctorID:    r.DoctorID,
		DoctorName:  r.DoctorName,
		Specialty:   r.Specialty,
		PatientName: r.PatientName,
		ExpiresAt:   r.ExpiresAt,
	}
}

// JoinCache is a read-through cache of validation records
type JoinCache struct {
	client *database.RedisClient
	ttl    time.Duration
}

// NewJoinCache creates a new JoinCache
func NewJoinCache(client *database.RedisClient, ttl time.Duration) *JoinCache {
	return &JoinCache{client: client, ttl: ttl}
}

func joinKey(sessionID uuid.UUID) string {
	return fmt.Sprintf("consult:join:%s", sessionID)
}

// Get returns the cached record or ErrCacheMiss
func (c *JoinCache) Get(ctx context.Context, sessionID uuid.UUID) (*JoinRecord, error) {
	data, err := c.client.SafeGet(ctx, joinKey(sessionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get join record: %w", err)
	}

	var rec JoinRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal join record: %w", err)
	}

	return &rec, nil
}

// Set caches the record, never past the session's own expiry
func (c *JoinCache) Set(ctx context.Context, rec *JoinRecord) error {
	ttl := c.ttl
	if remaining := time.Until(rec.ExpiresAt); remaining > 0 && remaining < ttl {
		ttl = remaining
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal join record: %w", err)
	}

	if err := c.client.SafeSet(ctx, joinKey(rec.SessionID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache join record: %w", err)
	}

	return nil
}

// Invalidate drops the cached record after a status change
func (c *JoinCache) Invalidate(ctx context.Context, sessionID uuid.UUID) error {
	if err := c.client.SafeDel(ctx, joinKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate join record: %w", err)
	}
	return nil
}
