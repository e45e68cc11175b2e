package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalingURL(t *testing.T) {
	tests := []struct {
		api     string
		want    string
		wantErr bool
	}{
		{"http://localhost:8085", "ws://localhost:8085/v1/consultations/ws/signaling", false},
		{"https://api.consultlink.app/", "wss://api.consultlink.app/v1/consultations/ws/signaling", false},
		{"https://edge.example.com/consult", "wss://edge.example.com/consult/v1/consultations/ws/signaling", false},
		{"ftp://example.com", "", true},
	}
	for _, tt := range tests {
		got, err := signalingURL(tt.api)
		if tt.wantErr {
			assert.Error(t, err, tt.api)
			continue
		}
		require.NoError(t, err, tt.api)
		assert.Equal(t, tt.want, got)
	}
}

func TestJoinCmd_ValidatesArguments(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"bad session", []string{"join", "nope"}, "invalid session id"},
		{"bad role", []string{"join", "6f1c2d0e-8a1b-4c55-9a0e-2b4f5a6c7d8e", "--role", "nurse"}, "--role"},
		{"patient without token", []string{"join", "6f1c2d0e-8a1b-4c55-9a0e-2b4f5a6c7d8e"}, "--token"},
		{"doctor without jwt", []string{"join", "6f1c2d0e-8a1b-4c55-9a0e-2b4f5a6c7d8e", "--role", "doctor", "--access-token", ""}, "--access-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newRootCmd()
			cmd.SetArgs(tt.args)
			var out bytes.Buffer
			cmd.SetOut(&out)
			cmd.SetErr(&out)

			err := cmd.Execute()

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestReadCommands(t *testing.T) {
	t.Run("forwards normalized lines", func(t *testing.T) {
		out := make(chan string)
		done := make(chan struct{})
		defer close(done)
		go readCommands(strings.NewReader(" M \nv\n"), out, done)

		assert.Equal(t, "m", <-out)
		assert.Equal(t, "v", <-out)
	})

	t.Run("returns once the call loop is gone", func(t *testing.T) {
		out := make(chan string)
		done := make(chan struct{})
		exited := make(chan struct{})
		go func() {
			readCommands(strings.NewReader("m\nv\nq\n"), out, done)
			close(exited)
		}()

		assert.Equal(t, "m", <-out)
		close(done)

		select {
		case <-exited:
		case <-time.After(time.Second):
			t.Fatal("readCommands blocked after done closed")
		}
	})
}
