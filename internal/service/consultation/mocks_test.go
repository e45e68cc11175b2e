package consultation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"consultlink-backend/internal/domain"
	"consultlink-backend/internal/repository/redis"
	"consultlink-backend/pkg/audit"
	"consultlink-backend/pkg/email"
)

// MockSessionRepository is a mock implementation of SessionRepository
type MockSessionRepository struct {
	mock.Mock
}

func (m *MockSessionRepository) Create(ctx context.Context, s *domain.ConsultationSession) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockSessionRepository) GetByID(ctx context.Context, sessionID uuid.UUID) (*domain.ConsultationSession, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ConsultationSession), args.Error(1)
}

func (m *MockSessionRepository) ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*domain.ConsultationSession, error) {
	args := m.Called(ctx, doctorID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.ConsultationSession), args.Error(1)
}

func (m *MockSessionRepository) Transition(ctx context.Context, sessionID uuid.UUID, change domain.StatusChange) error {
	args := m.Called(ctx, sessionID, change)
	return args.Error(0)
}

func (m *MockSessionRepository) ExpirePending(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	args := m.Called(ctx, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

// MockJoinCache is a mock implementation of JoinCache
type MockJoinCache struct {
	mock.Mock
}

func (m *MockJoinCache) Get(ctx context.Context, sessionID uuid.UUID) (*redis.JoinRecord, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*redis.JoinRecord), args.Error(1)
}

func (m *MockJoinCache) Set(ctx context.Context, rec *redis.JoinRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockJoinCache) Invalidate(ctx context.Context, sessionID uuid.UUID) error {
	args := m.Called(ctx, sessionID)
	return args.Error(0)
}

// MockEmailService is a mock implementation of EmailService
type MockEmailService struct {
	mock.Mock
}

func (m *MockEmailService) SendJoinLink(ctx context.Context, to string, data *email.JoinLinkEmailData) error {
	args := m.Called(ctx, to, data)
	return args.Error(0)
}

// MockAuditLogger is a mock implementation of AuditLogger
type MockAuditLogger struct {
	mock.Mock
}

func (m *MockAuditLogger) LogLifecycle(ctx context.Context, eventType audit.AuditEventType, sessionID uuid.UUID, userID *uuid.UUID) error {
	args := m.Called(ctx, eventType, sessionID, userID)
	return args.Error(0)
}

func (m *MockAuditLogger) LogJoinDenied(ctx context.Context, sessionID uuid.UUID, role, errorCode, tokenFingerprint string) error {
	args := m.Called(ctx, sessionID, role, errorCode, tokenFingerprint)
	return args.Error(0)
}
