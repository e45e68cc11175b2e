package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"consultlink-backend/internal/call"
	"consultlink-backend/internal/domain"
	"consultlink-backend/pkg/logger"
)

type joinOptions struct {
	role      string
	name      string
	token     string
	notes     string
	iceURLs   []string
	noDevices bool
}

func newJoinCmd(opts *globalOptions) *cobra.Command {
	jo := &joinOptions{}

	cmd := &cobra.Command{
		Use:   "join <session-id>",
		Short: "Join a consultation and stay in the call until interrupted",
		Long: "Joins the consultation room, captures the camera and microphone when available and " +
			"negotiates the call. Type m to toggle audio, v to toggle video and q to leave.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid session id: %w", err)
			}
			role := domain.Role(jo.role)
			if !role.Valid() {
				return fmt.Errorf("--role must be doctor or patient")
			}
			switch role {
			case domain.RoleDoctor:
				if err := requireAccessToken(opts); err != nil {
					return err
				}
			case domain.RolePatient:
				if jo.token == "" {
					return fmt.Errorf("--token is required for patients")
				}
			}
			return runJoin(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), opts, jo, sessionID, role)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&jo.role, "role", string(domain.RolePatient), "doctor or patient")
	flags.StringVar(&jo.name, "name", "", "display name shown to the other participant")
	flags.StringVar(&jo.token, "token", "", "join-link access token (patients)")
	flags.StringVar(&jo.notes, "notes", "", "closing notes recorded when a doctor leaves")
	flags.StringSliceVar(&jo.iceURLs, "ice", nil, "STUN/TURN URLs (default: public STUN)")
	flags.BoolVar(&jo.noDevices, "no-devices", false, "join receive-only without opening devices")
	return cmd
}

// signalingURL maps the API base URL onto the WebSocket endpoint
func signalingURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("invalid --api: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid --api scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/consultations/ws/signaling"
	return u.String(), nil
}

func runJoin(parent context.Context, in io.Reader, out io.Writer, opts *globalOptions, jo *joinOptions, sessionID uuid.UUID, role domain.Role) error {
	wsURL, err := signalingURL(opts.apiURL)
	if err != nil {
		return err
	}

	var (
		media  call.MediaSource
		codecs call.MediaEngineConfigurer
	)
	if !jo.noDevices {
		src, err := call.NewDeviceSource()
		if err != nil {
			logger.Warn("Capture unavailable, joining receive-only", zap.Error(err))
		} else {
			media, codecs = src, src
		}
	}

	peers, err := call.NewPionFactory(jo.iceURLs, codecs)
	if err != nil {
		return fmt.Errorf("failed to configure WebRTC: %w", err)
	}

	signaling := call.NewWSSignalClient(call.WSSignalConfig{
		URL:         wsURL,
		SessionID:   sessionID,
		Role:        role,
		Name:        jo.name,
		Token:       jo.token,
		AccessToken: opts.accessToken,
	})

	neg := call.NewNegotiator(call.NegotiatorConfig{
		SessionID: sessionID,
		Role:      role,
		Signal:    signaling,
		Media:     media,
		Peers:     peers,
	})

	var reporter call.SessionReporter
	if role == domain.RoleDoctor {
		reporter = call.NewHTTPSessionReporter(opts.apiURL, opts.accessToken)
	}
	ctrl := call.NewController(sessionID, role, neg, reporter)

	updates := ctrl.Updates()
	if err := ctrl.Start(); err != nil {
		return err
	}

	ctx, stop := signalNotifyContext(parent)
	defer stop()

	done := make(chan struct{})
	defer close(done)
	commands := make(chan string)
	go readCommands(in, commands, done)

	var last call.Snapshot
	for {
		select {
		case snap, ok := <-updates.C:
			if !ok {
				return finish(ctx, out, ctrl, jo.notes, last)
			}
			printSnapshot(out, last, snap)
			last = snap
			if snap.Status == call.StatusEnded || snap.Status == call.StatusError {
				return finish(ctx, out, ctrl, jo.notes, snap)
			}

		case c := <-commands:
			switch c {
			case "m":
				fmt.Fprintf(out, "audio %s\n", onOff(ctrl.ToggleAudio()))
			case "v":
				fmt.Fprintf(out, "video %s\n", onOff(ctrl.ToggleVideo()))
			case "q":
				return finish(context.WithoutCancel(ctx), out, ctrl, jo.notes, last)
			}

		case <-ctx.Done():
			return finish(context.WithoutCancel(ctx), out, ctrl, jo.notes, last)
		}
	}
}

// finish leaves the call. A call that failed is disposed without reporting
// so the consultation stays open for another attempt.
func finish(ctx context.Context, out io.Writer, ctrl *call.Controller, notes string, last call.Snapshot) error {
	if last.Status == call.StatusError {
		ctrl.Dispose()
		return last.Err
	}

	route, err := ctrl.EndCall(ctx, notes)
	fmt.Fprintf(out, "call ended after %s, next: %s\n", call.FormatDuration(ctrl.Snapshot().Duration), route)
	return err
}

func printSnapshot(out io.Writer, prev, snap call.Snapshot) {
	if snap.Status == prev.Status && snap.RemoteName == prev.RemoteName {
		return
	}
	switch snap.Status {
	case call.StatusWaiting:
		if snap.RemoteName != "" {
			fmt.Fprintf(out, "%s joined, connecting...\n", snap.RemoteName)
		} else {
			fmt.Fprintln(out, "waiting for the other participant...")
		}
	case call.StatusConnected:
		fmt.Fprintf(out, "connected to %s\n", snap.RemoteName)
	case call.StatusConnecting:
		fmt.Fprintln(out, "connecting...")
	case call.StatusError:
		fmt.Fprintf(out, "error: %v\n", snap.Err)
	}
}

// readCommands forwards input lines until in is exhausted or done closes.
// A read blocked on in outlives done; the next line then finds it closed.
func readCommands(in io.Reader, out chan<- string, done <-chan struct{}) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case out <- strings.ToLower(strings.TrimSpace(scanner.Text())):
		case <-done:
			return
		}
	}
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func signalNotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
