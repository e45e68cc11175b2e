package consultation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"consultlink-backend/internal/domain"
	"consultlink-backend/internal/repository/redis"
	appErrors "consultlink-backend/pkg/errors"
	"consultlink-backend/pkg/logger"
	"consultlink-backend/pkg/metrics"
	"consultlink-backend/pkg/token"
)

// Validator checks join links and clinician admission. It never changes
// session status.
type Validator struct {
	repo     SessionRepository
	cache    JoinCache
	auditLog AuditLogger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewValidator creates a new join validator. cache, auditLog and m may be nil.
func NewValidator(repo SessionRepository, cache JoinCache, auditLog AuditLogger, m *metrics.Metrics) *Validator {
	return &Validator{
		repo:     repo,
		cache:    cache,
		auditLog: auditLog,
		metrics:  m,
		now:      time.Now,
	}
}

// Validate checks an external participant's join link
func (v *Validator) Validate(ctx context.Context, sessionID uuid.UUID, accessToken string) (*domain.JoinInfo, error) {
	rec, err := v.lookup(ctx, sessionID)
	if err != nil {
		return nil, v.deny(ctx, sessionID, string(domain.RolePatient), accessToken, err)
	}

	if accessToken == "" || !token.Equal(token.Hash(accessToken), rec.TokenHash) {
		return nil, v.deny(ctx, sessionID, string(domain.RolePatient), accessToken,
			appErrors.InvalidTokenError("Invalid access token"))
	}

	if !rec.Session().Joinable(v.now()) {
		return nil, v.deny(ctx, sessionID, string(domain.RolePatient), accessToken,
			appErrors.ExpiredError("This consultation link has expired or is no longer available"))
	}

	v.metrics.RecordJoinValidation("ok")
	return joinInfo(rec), nil
}

// AdmitDoctor confirms doctorID owns a joinable session
func (v *Validator) AdmitDoctor(ctx context.Context, sessionID, doctorID uuid.UUID) (*domain.JoinInfo, error) {
	rec, err := v.lookup(ctx, sessionID)
	if err != nil {
		return nil, v.deny(ctx, sessionID, string(domain.RoleDoctor), "", err)
	}

	if rec.DoctorID != doctorID {
		return nil, v.deny(ctx, sessionID, string(domain.RoleDoctor), "",
			appErrors.ForbiddenError("Consultation belongs to another clinician"))
	}

	if !rec.Session().Joinable(v.now()) {
		return nil, v.deny(ctx, sessionID, string(domain.RoleDoctor), "",
			appErrors.ExpiredError("This consultation has ended or expired"))
	}

	v.metrics.RecordJoinValidation("ok")
	return joinInfo(rec), nil
}

// lookup reads through the cache. A cache failure falls back to the repository.
func (v *Validator) lookup(ctx context.Context, sessionID uuid.UUID) (*redis.JoinRecord, error) {
	if v.cache != nil {
		rec, err := v.cache.Get(ctx, sessionID)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, redis.ErrCacheMiss) {
			logger.Debug("Join cache unavailable, reading repository",
				zap.String("session_id", sessionID.String()), zap.Error(err))
		}
	}

	session, err := v.repo.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil, appErrors.NotFoundError("Consultation session")
		}
		return nil, appErrors.DatabaseError(err)
	}

	rec := redis.NewJoinRecord(session)
	if v.cache != nil {
		if err := v.cache.Set(ctx, rec); err != nil {
			logger.Debug("Failed to cache join record", zap.Error(err))
		}
	}
	return rec, nil
}

// deny records the failure and returns err unchanged
func (v *Validator) deny(ctx context.Context, sessionID uuid.UUID, role, accessToken string, err error) error {
	appErr := appErrors.GetAppError(err)
	v.metrics.RecordJoinValidation(string(appErr.Code))

	if appErr.StatusCode >= 500 || v.auditLog == nil {
		return err
	}

	fingerprint := ""
	if accessToken != "" {
		fingerprint = token.Fingerprint(accessToken)
	}
	if auditErr := v.auditLog.LogJoinDenied(ctx, sessionID, role, string(appErr.Code), fingerprint); auditErr != nil {
		logger.Warn("Failed to write audit event", zap.Error(auditErr))
	}
	return err
}

func joinInfo(rec *redis.JoinRecord) *domain.JoinInfo {
	return &domain.JoinInfo{
		SessionID:   rec.SessionID,
		DoctorName:  rec.DoctorName,
		Specialty:   rec.Specialty,
		PatientName: rec.PatientName,
		ExpiresAt:   rec.ExpiresAt,
	}
}
