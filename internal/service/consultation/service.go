package consultation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"consultlink-backend/internal/domain"
	"consultlink-backend/internal/repository/redis"
	"consultlink-backend/pkg/audit"
	"consultlink-backend/pkg/constants"
	"consultlink-backend/pkg/email"
	appErrors "consultlink-backend/pkg/errors"
	"consultlink-backend/pkg/logger"
	"consultlink-backend/pkg/metrics"
	"consultlink-backend/pkg/sanitize"
	"consultlink-backend/pkg/token"
)

// SessionRepository persists consultation sessions
type SessionRepository interface {
	Create(ctx context.Context, s *domain.ConsultationSession) error
	GetByID(ctx context.Context, sessionID uuid.UUID) (*domain.ConsultationSession, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*domain.ConsultationSession, error)
	Transition(ctx context.Context, sessionID uuid.UUID, change domain.StatusChange) error
	ExpirePending(ctx context.Context, now time.Time) ([]uuid.UUID, error)
}

// JoinCache caches validation records
type JoinCache interface {
	Get(ctx context.Context, sessionID uuid.UUID) (*redis.JoinRecord, error)
	Set(ctx context.Context, rec *redis.JoinRecord) error
	Invalidate(ctx context.Context, sessionID uuid.UUID) error
}

// EmailService interface for sending emails
type EmailService interface {
	SendJoinLink(ctx context.Context, to string, data *email.JoinLinkEmailData) error
}

// AuditLogger records lifecycle and access events
type AuditLogger interface {
	LogLifecycle(ctx context.Context, eventType audit.AuditEventType, sessionID uuid.UUID, userID *uuid.UUID) error
	LogJoinDenied(ctx context.Context, sessionID uuid.UUID, role, errorCode, tokenFingerprint string) error
}

// Service is the session registry: it creates consultations and moves them
// through pending -> active -> completed, or to cancelled/expired.
type Service struct {
	repo          SessionRepository
	cache         JoinCache
	emailService  EmailService
	auditLog      AuditLogger
	metrics       *metrics.Metrics
	publicAppURL  string
	defaultExpiry int
	now           func() time.Time
}

// NewService creates a new consultation service. cache, emailService,
// auditLog and m may be nil.
func NewService(
	repo SessionRepository,
	cache JoinCache,
	emailService EmailService,
	auditLog AuditLogger,
	m *metrics.Metrics,
	publicAppURL string,
	defaultExpiresInHours int,
) *Service {
	if defaultExpiresInHours <= 0 {
		defaultExpiresInHours = constants.DefaultExpiresInHours
	}
	return &Service{
		repo:          repo,
		cache:         cache,
		emailService:  emailService,
		auditLog:      auditLog,
		metrics:       m,
		publicAppURL:  publicAppURL,
		defaultExpiry: defaultExpiresInHours,
		now:           time.Now,
	}
}

// CreateSessionInput contains the data for a new consultation
type CreateSessionInput struct {
	DoctorID        uuid.UUID
	DoctorName      string
	Specialty       string
	PatientName     string
	PatientEmail    string
	PatientRecordID string
	ExpiresInHours  int
}

// CreateSession schedules a new pending consultation with a fresh access token
func (s *Service) CreateSession(ctx context.Context, input *CreateSessionInput) (*domain.SessionView, error) {
	patientName := sanitize.DisplayName(input.PatientName, constants.MaxDisplayNameLength)
	if patientName == "" {
		return nil, appErrors.ValidationError("patient_name is required")
	}

	hours := input.ExpiresInHours
	if hours <= 0 {
		hours = s.defaultExpiry
	}
	if hours > constants.MaxExpiresInHours {
		return nil, appErrors.ValidationError(fmt.Sprintf("expires_in_hours must be at most %d", constants.MaxExpiresInHours))
	}

	patientEmail := ""
	if input.PatientEmail != "" {
		patientEmail = sanitize.SanitizeEmail(input.PatientEmail)
		if len(patientEmail) > constants.MaxEmailLength || !sanitize.ValidateEmailFormat(patientEmail) {
			return nil, appErrors.ValidationError("patient_email is not a valid address")
		}
	}

	accessToken, err := token.Generate(constants.AccessTokenBytes)
	if err != nil {
		return nil, appErrors.InternalError("failed to generate access token")
	}

	now := s.now().UTC()
	session := &domain.ConsultationSession{
		SessionID:       uuid.New(),
		Status:          domain.StatusPending,
		PatientName:     patientName,
		PatientEmail:    patientEmail,
		PatientRecordID: sanitize.RecordID(input.PatientRecordID),
		DoctorID:        input.DoctorID,
		DoctorName:      sanitize.DisplayName(input.DoctorName, constants.MaxDisplayNameLength),
		Specialty:       sanitize.DisplayName(input.Specialty, constants.MaxDisplayNameLength),
		AccessToken:     accessToken,
		CreatedAt:       now,
		ExpiresAt:       now.Add(time.Duration(hours) * time.Hour),
	}

	if err := s.repo.Create(ctx, session); err != nil {
		return nil, appErrors.DatabaseError(err)
	}

	logger.Session(session.SessionID.String()).Info("Consultation created",
		zap.String("doctor_id", session.DoctorID.String()),
		zap.Time("expires_at", session.ExpiresAt))
	s.metrics.RecordTransition(string(domain.StatusPending))
	s.logLifecycle(ctx, audit.EventSessionCreate, session.SessionID, &session.DoctorID)

	view := domain.NewSessionView(session, s.publicAppURL, now)
	if patientEmail != "" {
		s.sendJoinLink(ctx, session, view.SessionLink)
	}

	return view, nil
}

// sendJoinLink is best-effort: a delivery failure never fails creation
func (s *Service) sendJoinLink(ctx context.Context, session *domain.ConsultationSession, link string) {
	if s.emailService == nil {
		return
	}

	err := s.emailService.SendJoinLink(ctx, session.PatientEmail, &email.JoinLinkEmailData{
		PatientName: session.PatientName,
		DoctorName:  session.DoctorName,
		Specialty:   session.Specialty,
		JoinLink:    link,
		ExpiresAt:   session.ExpiresAt,
	})
	if err != nil {
		s.metrics.RecordEmailFailure("join_link")
		logger.Session(session.SessionID.String()).Warn("Failed to send join link email", zap.Error(err))
		return
	}
	s.metrics.RecordEmail("join_link")
}

// ListSessions returns the clinician's sessions, newest first
func (s *Service) ListSessions(ctx context.Context, doctorID uuid.UUID) ([]*domain.SessionView, error) {
	sessions, err := s.repo.ListByDoctor(ctx, doctorID)
	if err != nil {
		return nil, appErrors.DatabaseError(err)
	}

	now := s.now()
	views := make([]*domain.SessionView, 0, len(sessions))
	for _, session := range sessions {
		views = append(views, domain.NewSessionView(session, s.publicAppURL, now))
	}
	return views, nil
}

// GetSession returns one session owned by doctorID
func (s *Service) GetSession(ctx context.Context, sessionID, doctorID uuid.UUID) (*domain.SessionView, error) {
	session, err := s.getOwned(ctx, sessionID, doctorID)
	if err != nil {
		return nil, err
	}
	return domain.NewSessionView(session, s.publicAppURL, s.now()), nil
}

// CancelSession moves a pending session to cancelled
func (s *Service) CancelSession(ctx context.Context, sessionID, doctorID uuid.UUID) (*domain.SessionView, error) {
	session, err := s.getOwned(ctx, sessionID, doctorID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if status := session.EffectiveStatus(now); status != domain.StatusPending {
		return nil, appErrors.InvalidStateError(fmt.Sprintf("cannot cancel a %s consultation", status))
	}

	change := domain.StatusChange{From: domain.StatusPending, To: domain.StatusCancelled}
	if err := s.transition(ctx, sessionID, change); err != nil {
		return nil, err
	}
	change.Apply(session)

	s.logLifecycle(ctx, audit.EventSessionCancel, sessionID, &doctorID)
	return domain.NewSessionView(session, s.publicAppURL, now), nil
}

// EndSession completes an active session, stamping its duration and notes
func (s *Service) EndSession(ctx context.Context, sessionID, doctorID uuid.UUID, notes string) (*domain.SessionView, error) {
	session, err := s.getOwned(ctx, sessionID, doctorID)
	if err != nil {
		return nil, err
	}

	if session.Status != domain.StatusActive {
		return nil, appErrors.InvalidStateError(fmt.Sprintf("cannot end a %s consultation", session.EffectiveStatus(s.now())))
	}

	endedAt := s.now().UTC()
	duration := session.Duration(endedAt)
	cleanNotes := sanitize.Notes(notes, constants.MaxNotesLength)
	change := domain.StatusChange{
		From:            domain.StatusActive,
		To:              domain.StatusCompleted,
		EndedAt:         &endedAt,
		DurationSeconds: &duration,
		Notes:           &cleanNotes,
	}
	if err := s.transition(ctx, sessionID, change); err != nil {
		return nil, err
	}
	change.Apply(session)

	s.metrics.RecordConsultationDuration(time.Duration(duration) * time.Second)
	s.logLifecycle(ctx, audit.EventSessionEnd, sessionID, &doctorID)
	return domain.NewSessionView(session, s.publicAppURL, endedAt), nil
}

// ActivateSession marks the session active when the patient enters the room.
// Already-active sessions are left as they are.
func (s *Service) ActivateSession(ctx context.Context, sessionID uuid.UUID) error {
	session, err := s.get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status == domain.StatusActive {
		return nil
	}

	now := s.now().UTC()
	if status := session.EffectiveStatus(now); status != domain.StatusPending {
		return appErrors.InvalidStateError(fmt.Sprintf("cannot activate a %s consultation", status))
	}

	err = s.transition(ctx, sessionID, domain.StatusChange{
		From:      domain.StatusPending,
		To:        domain.StatusActive,
		StartedAt: &now,
	})
	if appErrors.IsCode(err, appErrors.ErrCodeInvalidState) {
		// lost a race; fine if the winner also activated
		if current, getErr := s.get(ctx, sessionID); getErr == nil && current.Status == domain.StatusActive {
			return nil
		}
	}
	if err != nil {
		return err
	}

	s.logLifecycle(ctx, audit.EventSessionActivate, sessionID, nil)
	return nil
}

// Stats counts the clinician's sessions by effective status
func (s *Service) Stats(ctx context.Context, doctorID uuid.UUID) (*domain.SessionStats, error) {
	sessions, err := s.repo.ListByDoctor(ctx, doctorID)
	if err != nil {
		return nil, appErrors.DatabaseError(err)
	}

	now := s.now()
	y, m, d := now.Date()
	startOfDay := time.Date(y, m, d, 0, 0, 0, 0, now.Location())

	stats := &domain.SessionStats{Total: len(sessions)}
	for _, session := range sessions {
		switch session.EffectiveStatus(now) {
		case domain.StatusActive:
			stats.Active++
		case domain.StatusPending:
			stats.Pending++
		case domain.StatusCompleted:
			if session.EndedAt != nil && !session.EndedAt.Before(startOfDay) {
				stats.CompletedToday++
			}
		}
	}
	return stats, nil
}

// ExpireStale persists the expired status for pending sessions past their
// expiry and returns how many were updated
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	ids, err := s.repo.ExpirePending(ctx, s.now().UTC())
	if err != nil {
		return 0, appErrors.DatabaseError(err)
	}

	for _, id := range ids {
		s.invalidate(ctx, id)
		s.metrics.RecordTransition(string(domain.StatusExpired))
		s.logLifecycle(ctx, audit.EventSessionExpire, id, nil)
	}
	if len(ids) > 0 {
		logger.Info("Expired stale consultations", zap.Int("count", len(ids)))
	}
	return len(ids), nil
}

// RunExpirySweeper calls ExpireStale every interval until ctx is cancelled
func (s *Service) RunExpirySweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ExpireStale(ctx); err != nil {
				logger.Warn("Expiry sweep failed", zap.Error(err))
			}
		}
	}
}

func (s *Service) get(ctx context.Context, sessionID uuid.UUID) (*domain.ConsultationSession, error) {
	session, err := s.repo.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil, appErrors.NotFoundError("Consultation session")
		}
		return nil, appErrors.DatabaseError(err)
	}
	return session, nil
}

// getOwned hides sessions of other clinicians behind NOT_FOUND
func (s *Service) getOwned(ctx context.Context, sessionID, doctorID uuid.UUID) (*domain.ConsultationSession, error) {
	session, err := s.get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.DoctorID != doctorID {
		return nil, appErrors.NotFoundError("Consultation session")
	}
	return session, nil
}

func (s *Service) transition(ctx context.Context, sessionID uuid.UUID, change domain.StatusChange) error {
	if err := s.repo.Transition(ctx, sessionID, change); err != nil {
		switch {
		case errors.Is(err, domain.ErrStatusConflict):
			return appErrors.InvalidStateError("consultation status changed, reload and retry")
		case errors.Is(err, domain.ErrSessionNotFound):
			return appErrors.NotFoundError("Consultation session")
		}
		return appErrors.DatabaseError(err)
	}

	s.invalidate(ctx, sessionID)
	s.metrics.RecordTransition(string(change.To))
	logger.Session(sessionID.String()).Info("Consultation status changed",
		zap.String("from", string(change.From)),
		zap.String("to", string(change.To)))
	return nil
}

func (s *Service) invalidate(ctx context.Context, sessionID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, sessionID); err != nil {
		logger.Session(sessionID.String()).Warn("Failed to invalidate join cache", zap.Error(err))
	}
}

func (s *Service) logLifecycle(ctx context.Context, eventType audit.AuditEventType, sessionID uuid.UUID, userID *uuid.UUID) {
	if s.auditLog == nil {
		return
	}
	if err := s.auditLog.LogLifecycle(ctx, eventType, sessionID, userID); err != nil {
		logger.Warn("Failed to write audit event", zap.String("event_type", string(eventType)), zap.Error(err))
	}
}
