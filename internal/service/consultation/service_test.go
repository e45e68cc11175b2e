package consultation

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"consultlink-backend/internal/domain"
	"consultlink-backend/internal/repository/memory"
	"consultlink-backend/pkg/audit"
	"consultlink-backend/pkg/email"
	appErrors "consultlink-backend/pkg/errors"
)

const appURL = "https://app.consultlink.test"

type fixture struct {
	svc   *Service
	repo  *memory.ConsultationRepository
	clock time.Time
}

func newFixture(t *testing.T, emailService EmailService) *fixture {
	t.Helper()
	f := &fixture{
		repo:  memory.NewConsultationRepository(),
		clock: time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(f.repo, nil, emailService, nil, nil, appURL, 24)
	f.svc.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) create(t *testing.T, doctorID uuid.UUID, hours int) *domain.SessionView {
	t.Helper()
	view, err := f.svc.CreateSession(context.Background(), &CreateSessionInput{
		DoctorID:       doctorID,
		DoctorName:     "Dr. Ana Lima",
		Specialty:      "Cardiology",
		PatientName:    "João Silva",
		ExpiresInHours: hours,
	})
	require.NoError(t, err)
	return view
}

func TestCreateSession_Defaults(t *testing.T) {
	f := newFixture(t, nil)
	doctorID := uuid.New()

	view := f.create(t, doctorID, 0)

	assert.Equal(t, domain.StatusPending, view.Status)
	assert.Equal(t, doctorID, view.DoctorID)
	assert.Equal(t, "João Silva", view.PatientName)
	assert.Equal(t, f.clock.Add(24*time.Hour), view.ExpiresAt)
	assert.NotEmpty(t, view.AccessToken)

	link, err := url.Parse(view.SessionLink)
	require.NoError(t, err)
	assert.Equal(t, "/join/"+view.SessionID.String(), link.Path)
	assert.Equal(t, view.AccessToken, link.Query().Get("token"))

	stored, err := f.repo.GetByID(context.Background(), view.SessionID)
	require.NoError(t, err)
	assert.Equal(t, view.AccessToken, stored.AccessToken)
}

func TestCreateSession_TokensAreUnique(t *testing.T) {
	f := newFixture(t, nil)
	doctorID := uuid.New()

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		tok := f.create(t, doctorID, 1).AccessToken
		assert.False(t, seen[tok])
		seen[tok] = true
	}
}

func TestCreateSession_Validation(t *testing.T) {
	tests := []struct {
		name  string
		input CreateSessionInput
	}{
		{"empty patient name", CreateSessionInput{PatientName: "   "}},
		{"markup only name", CreateSessionInput{PatientName: "<b></b>"}},
		{"expiry above one week", CreateSessionInput{PatientName: "Ana", ExpiresInHours: 169}},
		{"bad email", CreateSessionInput{PatientName: "Ana", PatientEmail: "not-an-email"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			input := tt.input
			input.DoctorID = uuid.New()

			view, err := f.svc.CreateSession(context.Background(), &input)

			assert.Nil(t, view)
			assert.True(t, appErrors.IsCode(err, appErrors.ErrCodeValidation))
		})
	}
}

func TestCreateSession_EmailsJoinLink(t *testing.T) {
	mailer := new(MockEmailService)
	f := newFixture(t, mailer)

	mailer.On("SendJoinLink", mock.Anything, "ana@example.com", mock.MatchedBy(func(d *email.JoinLinkEmailData) bool {
		return d.PatientName == "Ana" && strings.HasPrefix(d.JoinLink, appURL+"/join/")
	})).Return(nil)

	view, err := f.svc.CreateSession(context.Background(), &CreateSessionInput{
		DoctorID:     uuid.New(),
		PatientName:  "Ana",
		PatientEmail: " Ana@Example.com ",
	})

	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", view.PatientEmail)
	mailer.AssertExpectations(t)
}

func TestCreateSession_EmailFailureDoesNotFailCreation(t *testing.T) {
	mailer := new(MockEmailService)
	f := newFixture(t, mailer)
	mailer.On("SendJoinLink", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("smtp down"))

	view, err := f.svc.CreateSession(context.Background(), &CreateSessionInput{
		DoctorID:     uuid.New(),
		PatientName:  "Ana",
		PatientEmail: "ana@example.com",
	})

	require.NoError(t, err)
	assert.NotNil(t, view)
}

func TestCreateSession_RepositoryError(t *testing.T) {
	repo := new(MockSessionRepository)
	svc := NewService(repo, nil, nil, nil, nil, appURL, 24)
	repo.On("Create", mock.Anything, mock.Anything).Return(errors.New("connection refused"))

	_, err := svc.CreateSession(context.Background(), &CreateSessionInput{DoctorID: uuid.New(), PatientName: "Ana"})

	assert.True(t, appErrors.IsCode(err, appErrors.ErrCodeDatabase))
}

func TestCreateSession_AuditsCreation(t *testing.T) {
	auditLog := new(MockAuditLogger)
	repo := memory.NewConsultationRepository()
	svc := NewService(repo, nil, nil, auditLog, nil, appURL, 24)
	doctorID := uuid.New()

	auditLog.On("LogLifecycle", mock.Anything, audit.EventSessionCreate, mock.Anything, &doctorID).Return(nil)

	_, err := svc.CreateSession(context.Background(), &CreateSessionInput{DoctorID: doctorID, PatientName: "Ana"})

	require.NoError(t, err)
	auditLog.AssertExpectations(t)
}

func TestListSessions_ReportsEffectiveStatus(t *testing.T) {
	f := newFixture(t, nil)
	doctorID := uuid.New()
	short := f.create(t, doctorID, 1)
	f.clock = f.clock.Add(time.Minute)
	long := f.create(t, doctorID, 48)
	f.create(t, uuid.New(), 1)

	f.clock = f.clock.Add(2 * time.Hour)
	views, err := f.svc.ListSessions(context.Background(), doctorID)

	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, long.SessionID, views[0].SessionID)
	assert.Equal(t, domain.StatusPending, views[0].Status)
	assert.Equal(t, short.SessionID, views[1].SessionID)
	assert.Equal(t, domain.StatusExpired, views[1].Status)
	assert.NotEmpty(t, views[1].SessionLink)
}

func TestGetSession_OtherDoctorSeesNotFound(t *testing.T) {
	f := newFixture(t, nil)
	view := f.create(t, uuid.New(), 1)

	_, err := f.svc.GetSession(context.Background(), view.SessionID, uuid.New())
	assert.True(t, appErrors.IsCode(err, appErrors.ErrCodeNotFound))

	_, err = f.svc.GetSession(context.Background(), uuid.New(), view.DoctorID)
	assert.True(t, appErrors.IsCode(err, appErrors.ErrCodeNotFound))
}

func TestCancelSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	doctorID := uuid.New()
	view := f.create(t, doctorID, 1)

	cancelled, err := f.svc.CancelSession(ctx, view.SessionID, doctorID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)

	_, err = f.svc.CancelSession(ctx, view.SessionID, doctorID)
	assert.True(t, appErrors.IsCode(err, appErrors.ErrCodeInvalidState))
}

func TestCancelSession_ExpiredPendingIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	doctorID := uuid.New()
	view := f.create(t, doctorID, 1)

	f.clock = f.clock.Add(time.Hour)
	_, err := f.svc.CancelSession(ctx, view.SessionID, doctorID)

	assert.True(t, appErrors.IsCode(err, appErrors.ErrCodeInvalidState))
	stored, err := f.repo.GetByID(ctx, view.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)
}

func TestCancelSession_ConcurrentTransitionLoses(t *testing.T) {
	repo := new(MockSessionRepository)
	svc := NewService(repo, nil, nil, nil, nil, appURL, 24)
	doctorID := uuid.New()
	session := &domain.ConsultationSession{
		SessionID: uuid.New(),
		Status:    domain.StatusPending,
		DoctorID:  doctorID,
		ExpiresAt: time.Now().Add(time.Hour),
	}

	repo.On("GetByID", mock.Anything, session.SessionID).Return(session, nil)
	repo.On("Transition", mock.Anything, session.SessionID, mock.Anything).Return(domain.ErrStatusConflict)

	_, err := svc.CancelSession(context.Background(), session.SessionID, doctorID)

	assert.True(t, appErrors.IsCode(err, appErrors.ErrCodeInvalidState))
}

func TestEndSession_RequiresActive(t *testing.T) {
	f := newFixture(t, nil)
	doctorID := uuid.New()
	view := f.create(t, doctorID, 1)

	_, err := f.svc.EndSession(context.Background(), view.SessionID, doctorID, "")

	assert.True(t, appErrors.IsCode(err, appErrors.ErrCodeInvalidState))
}

func TestEndSession_StampsDurationAndNotes(t *testing.T) {
	ctx := context.Background()
	cache := new(MockJoinCache)
	f := newFixture(t, nil)
	f.svc.cache = cache
	doctorID := uuid.New()
	view := f.create(t, doctorID, 1)

	cache.On("Invalidate", mock.Anything, view.SessionID).Return(nil)

	f.clock = f.clock.Add(5 * time.Minute)
	require.NoError(t, f.svc.ActivateSession(ctx, view.SessionID))

	f.clock = f.clock.Add(12*time.Minute + 30*time.Second)
	ended, err := f.svc.EndSession(ctx, view.SessionID, doctorID, "Follow up in <b>two</b> weeks")

	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, ended.Status)
	require.NotNil(t, ended.DurationSeconds)
	assert.Equal(t, 750, *ended.DurationSeconds)
	assert.Equal(t, "Follow up in two weeks", ended.Notes)
	require.NotNil(t, ended.EndedAt)
	assert.Equal(t, f.clock, *ended.EndedAt)

	// activate + end
	cache.AssertNumberOfCalls(t, "Invalidate", 2)
}

func TestEndSession_FallsBackToCreatedAt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	doctorID := uuid.New()
	view := f.create(t, doctorID, 1)

	// active without a start stamp
	require.NoError(t, f.repo.Transition(ctx, view.SessionID, domain.StatusChange{From: domain.StatusPending, To: domain.StatusActive}))

	f.clock = f.clock.Add(90 * time.Second)
	ended, err := f.svc.EndSession(ctx, view.SessionID, doctorID, "")

	require.NoError(t, err)
	assert.Equal(t, 90, *ended.DurationSeconds)
}

func TestActivateSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	doctorID := uuid.New()
	view := f.create(t, doctorID, 1)

	require.NoError(t, f.svc.ActivateSession(ctx, view.SessionID))
	stored, err := f.repo.GetByID(ctx, view.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, stored.Status)
	require.NotNil(t, stored.StartedAt)
	startedAt := *stored.StartedAt

	f.clock = f.clock.Add(time.Minute)
	require.NoError(t, f.svc.ActivateSession(ctx, view.SessionID))
	stored, err = f.repo.GetByID(ctx, view.SessionID)
	require.NoError(t, err)
	assert.Equal(t, startedAt, *stored.StartedAt)
}

func TestActivateSession_TerminalOrExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	doctorID := uuid.New()

	cancelled := f.create(t, doctorID, 1)
	_, err := f.svc.CancelSession(ctx, cancelled.SessionID, doctorID)
	require.NoError(t, err)
	assert.True(t, appErrors.IsCode(f.svc.ActivateSession(ctx, cancelled.SessionID), appErrors.ErrCodeInvalidState))

	stale := f.create(t, doctorID, 1)
	f.clock = f.clock.Add(2 * time.Hour)
	assert.True(t, appErrors.IsCode(f.svc.ActivateSession(ctx, stale.SessionID), appErrors.ErrCodeInvalidState))

	assert.True(t, appErrors.IsCode(f.svc.ActivateSession(ctx, uuid.New()), appErrors.ErrCodeNotFound))
}

func TestActivateSession_LostRaceToAnotherActivation(t *testing.T) {
	repo := new(MockSessionRepository)
	svc := NewService(repo, nil, nil, nil, nil, appURL, 24)
	id := uuid.New()
	pending := &domain.ConsultationSession{SessionID: id, Status: domain.StatusPending, ExpiresAt: time.Now().Add(time.Hour)}
	active := &domain.ConsultationSession{SessionID: id, Status: domain.StatusActive, ExpiresAt: time.Now().Add(time.Hour)}

	repo.On("GetByID", mock.Anything, id).Return(pending, nil).Once()
	repo.On("Transition", mock.Anything, id, mock.Anything).Return(domain.ErrStatusConflict)
	repo.On("GetByID", mock.Anything, id).Return(active, nil).Once()

	assert.NoError(t, svc.ActivateSession(context.Background(), id))
	repo.AssertExpectations(t)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	doctorID := uuid.New()

	f.create(t, doctorID, 24) // stays pending
	f.create(t, doctorID, 1)  // expires
	activeView := f.create(t, doctorID, 24)
	completedView := f.create(t, doctorID, 24)
	cancelledView := f.create(t, doctorID, 24)
	f.create(t, uuid.New(), 24)

	require.NoError(t, f.svc.ActivateSession(ctx, activeView.SessionID))
	require.NoError(t, f.svc.ActivateSession(ctx, completedView.SessionID))
	_, err := f.svc.EndSession(ctx, completedView.SessionID, doctorID, "")
	require.NoError(t, err)
	_, err = f.svc.CancelSession(ctx, cancelledView.SessionID, doctorID)
	require.NoError(t, err)

	f.clock = f.clock.Add(2 * time.Hour)
	stats, err := f.svc.Stats(ctx, doctorID)

	require.NoError(t, err)
	assert.Equal(t, &domain.SessionStats{Active: 1, Pending: 1, CompletedToday: 1, Total: 5}, stats)

	f.clock = f.clock.Add(24 * time.Hour)
	stats, err = f.svc.Stats(ctx, doctorID)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.CompletedToday)
}

func TestExpireStale(t *testing.T) {
	ctx := context.Background()
	cache := new(MockJoinCache)
	f := newFixture(t, nil)
	f.svc.cache = cache
	doctorID := uuid.New()

	stale := f.create(t, doctorID, 1)
	fresh := f.create(t, doctorID, 24)
	cache.On("Invalidate", mock.Anything, stale.SessionID).Return(nil)

	f.clock = f.clock.Add(90 * time.Minute)
	n, err := f.svc.ExpireStale(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	stored, err := f.repo.GetByID(ctx, stale.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, stored.Status)
	stored, err = f.repo.GetByID(ctx, fresh.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)
	cache.AssertExpectations(t)
}

func TestRunExpirySweeper_StopsOnCancel(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.svc.RunExpirySweeper(ctx, time.Millisecond)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
