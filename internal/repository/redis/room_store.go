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
	appErrors "consultlink-backend/pkg/errors"
)

// claimSlot admits a participant into a room hash keyed by role. It returns
// nil when the room is at capacity or the role is held, unless the holder is
// the connection the caller resumes (same identity and participant id).
// Otherwise the first element is the JSON of the member it replaced (empty
// when the slot was free), followed by every member's JSON including the
// caller's.
var claimSlot = redis.NewScript(`
local key = KEYS[1]
local role = ARGV[1]
local replaced = ''
local cur = redis.call('HGET', key, role)
if cur then
	local p = cjson.decode(cur)
	if ARGV[5] == '' or ARGV[6] == '' or p['identity'] ~= ARGV[5] or p['participant_id'] ~= ARGV[6] then
		return false
	end
	replaced = cur
elseif redis.call('HLEN', key) >= tonumber(ARGV[3]) then
	return false
end
redis.call('HSET', key, role, ARGV[2])
redis.call('PEXPIRE', key, ARGV[4])
local out = {replaced}
for _, v in ipairs(redis.call('HVALS', key)) do
	table.insert(out, v)
end
return out
`)

// releaseSlot removes the role's slot only if it still belongs to the given participant.
var releaseSlot = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], ARGV[1])
if not v then
	return 0
end
local p = cjson.decode(v)
if p['participant_id'] ~= ARGV[2] then
	return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
return 1
`)

// RoomStore tracks consultation room slots in Redis so every service
// instance sees the same occupancy
type RoomStore struct {
	client   *database.RedisClient
	capacity int
	ttl      time.Duration
}

// NewRoomStore creates a new RoomStore
func NewRoomStore(client *database.RedisClient, capacity int, ttl time.Duration) *RoomStore {
	return &RoomStore{client: client, capacity: capacity, ttl: ttl}
}

func roomKey(sessionID uuid.UUID) string {
	return fmt.Sprintf("consult:room:%s:slots", sessionID)
}

// Claim atomically admits p and returns the other occupant and the stale
// connection p resumed from, if any
func (s *RoomStore) Claim(ctx context.Context, p domain.SignalingParticipant) (*domain.SlotClaim, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal participant: %w", err)
	}

	vals, err := s.client.SafeRun(ctx, claimSlot,
		[]string{roomKey(p.SessionID)},
		string(p.Role), string(data), s.capacity, s.ttl.Milliseconds(), p.Identity, p.Replaces,
	).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, appErrors.RoomFullError()
		}
		return nil, fmt.Errorf("failed to claim room slot: %w", err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("failed to claim room slot: empty reply")
	}

	claim := &domain.SlotClaim{}
	if vals[0] != "" {
		var replaced domain.SignalingParticipant
		if err := json.Unmarshal([]byte(vals[0]), &replaced); err != nil {
			return nil, fmt.Errorf("failed to unmarshal replaced member: %w", err)
		}
		claim.Replaced = &replaced
	}
	if claim.Other, err = otherMember(vals[1:], p.Role); err != nil {
		return nil, err
	}
	return claim, nil
}

// Release frees p's slot and reports whether p still held it
func (s *RoomStore) Release(ctx context.Context, p domain.SignalingParticipant) (bool, error) {
	n, err := s.client.SafeRun(ctx, releaseSlot,
		[]string{roomKey(p.SessionID)},
		string(p.Role), p.ParticipantID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to release room slot: %w", err)
	}
	return n == 1, nil
}

func otherMember(members []string, self domain.Role) (*domain.SignalingParticipant, error) {
	for _, raw := range members {
		var m domain.SignalingParticipant
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal room member: %w", err)
		}
		if m.Role != self {
			return &m, nil
		}
	}
	return nil, nil
}
