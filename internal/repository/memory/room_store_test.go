package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consultlink-backend/internal/domain"
	appErrors "consultlink-backend/pkg/errors"
)

func participant(sessionID uuid.UUID, role domain.Role, id string) domain.SignalingParticipant {
	return domain.SignalingParticipant{ParticipantID: id, SessionID: sessionID, Role: role, DisplayName: id}
}

func TestRoomStore_TwoDistinctRoles(t *testing.T) {
	store := NewRoomStore(2)
	ctx := context.Background()
	sessionID := uuid.New()

	claim, err := store.Claim(ctx, participant(sessionID, domain.RoleDoctor, "d1"))
	require.NoError(t, err)
	assert.Nil(t, claim.Other)
	assert.Nil(t, claim.Replaced)

	claim, err = store.Claim(ctx, participant(sessionID, domain.RolePatient, "p1"))
	require.NoError(t, err)
	require.NotNil(t, claim.Other)
	assert.Equal(t, "d1", claim.Other.ParticipantID)

	_, err = store.Claim(ctx, participant(sessionID, domain.RolePatient, "p2"))
	assert.True(t, appErrors.IsCode(err, appErrors.ErrCodeRoomFull))
	assert.Equal(t, 2, store.Count(sessionID))
}

func TestRoomStore_DuplicateRoleRejected(t *testing.T) {
	store := NewRoomStore(2)
	ctx := context.Background()
	sessionID := uuid.New()

	_, err := store.Claim(ctx, participant(sessionID, domain.RolePatient, "p1"))
	require.NoError(t, err)

	_, err = store.Claim(ctx, participant(sessionID, domain.RolePatient, "p2"))
	assert.True(t, appErrors.IsCode(err, appErrors.ErrCodeRoomFull))
}

func TestRoomStore_ReleaseIgnoresStaleParticipant(t *testing.T) {
	store := NewRoomStore(2)
	ctx := context.Background()
	sessionID := uuid.New()

	_, err := store.Claim(ctx, participant(sessionID, domain.RoleDoctor, "d1"))
	require.NoError(t, err)
	released, err := store.Release(ctx, participant(sessionID, domain.RoleDoctor, "d1"))
	require.NoError(t, err)
	assert.True(t, released)

	_, err = store.Claim(ctx, participant(sessionID, domain.RoleDoctor, "d2"))
	require.NoError(t, err)

	// a late release from the first connection must not evict the second
	released, err = store.Release(ctx, participant(sessionID, domain.RoleDoctor, "d1"))
	require.NoError(t, err)
	assert.False(t, released)
	assert.Equal(t, 1, store.Count(sessionID))
}

func TestRoomStore_ConcurrentClaimsAdmitAtMostTwo(t *testing.T) {
	store := NewRoomStore(2)
	ctx := context.Background()
	sessionID := uuid.New()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 20; i++ {
		role := domain.RoleDoctor
		if i%2 == 1 {
			role = domain.RolePatient
		}
		wg.Add(1)
		go func(i int, role domain.Role) {
			defer wg.Done()
			if _, err := store.Claim(ctx, participant(sessionID, role, fmt.Sprintf("c%d", i))); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i, role)
	}
	wg.Wait()

	assert.Equal(t, 2, admitted)
	assert.Equal(t, 2, store.Count(sessionID))
}

func TestRoomStore_ResumeTakesOverOwnSlot(t *testing.T) {
	store := NewRoomStore(2)
	ctx := context.Background()
	sessionID := uuid.New()

	doctor := participant(sessionID, domain.RoleDoctor, "d1")
	_, err := store.Claim(ctx, doctor)
	require.NoError(t, err)
	stale := participant(sessionID, domain.RolePatient, "p1")
	stale.Identity = "link-hash"
	_, err = store.Claim(ctx, stale)
	require.NoError(t, err)

	tests := []struct {
		name     string
		identity string
		replaces string
	}{
		{"no resume id", "link-hash", ""},
		{"other identity", "other-hash", "p1"},
		{"unknown connection", "link-hash", "p0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := participant(sessionID, domain.RolePatient, "intruder")
			p.Identity, p.Replaces = tt.identity, tt.replaces
			_, err := store.Claim(ctx, p)
			assert.True(t, appErrors.IsCode(err, appErrors.ErrCodeRoomFull))
		})
	}

	resumed := participant(sessionID, domain.RolePatient, "p2")
	resumed.Identity, resumed.Replaces = "link-hash", "p1"
	claim, err := store.Claim(ctx, resumed)
	require.NoError(t, err)
	require.NotNil(t, claim.Replaced)
	assert.Equal(t, "p1", claim.Replaced.ParticipantID)
	require.NotNil(t, claim.Other)
	assert.Equal(t, "d1", claim.Other.ParticipantID)
	assert.Equal(t, 2, store.Count(sessionID))

	released, err := store.Release(ctx, stale)
	require.NoError(t, err)
	assert.False(t, released, "the replaced connection no longer owns the slot")
	assert.Equal(t, 2, store.Count(sessionID))
}
