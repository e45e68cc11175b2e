package logger

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	prev := Log
	Log = zap.New(core)
	t.Cleanup(func() { Log = prev })
	return logs
}

func TestInit(t *testing.T) {
	prev := Log
	t.Cleanup(func() { Log = prev })

	require.NoError(t, Init(&Config{Format: "json", Service: "consult-service"}))
	assert.True(t, Log.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, Log.Core().Enabled(zapcore.DebugLevel))

	require.NoError(t, Init(&Config{Level: "debug", Format: "text"}))
	assert.True(t, Log.Core().Enabled(zapcore.DebugLevel))

	assert.Error(t, Init(&Config{Level: "loud"}))
}

func TestParticipant(t *testing.T) {
	logs := observe(t)

	Participant("sess-1", "doctor", zap.Int("attempt", 2)).Info("joined")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, map[string]interface{}{
		"session_id": "sess-1",
		"role":       "doctor",
		"attempt":    int64(2),
	}, entries[0].ContextMap())
}

func TestFromContext(t *testing.T) {
	logs := observe(t)

	FromContext(context.Background()).Info("bare")
	ctx := WithSessionID(WithRequestID(context.Background(), "req-1"), "sess-1")
	FromContext(ctx).Info("tagged")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Empty(t, entries[0].ContextMap())
	assert.Equal(t, map[string]interface{}{"request_id": "req-1", "session_id": "sess-1"}, entries[1].ContextMap())
}

func TestRedactedURI(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"/v1/consultations/join/abc", "/v1/consultations/join/abc"},
		{"/v1/consultations/join/abc?token=s3cret", "/v1/consultations/join/abc?token=REDACTED"},
		{"/ws/signaling?session_id=abc&token=s3cret", "/ws/signaling?session_id=abc&token=REDACTED"},
		{"/x?access_token=jwt&page=2", "/x?access_token=REDACTED&page=2"},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.raw)
		require.NoError(t, err)
		assert.Equal(t, tt.want, RedactedURI(u), tt.raw)
	}
}
