package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"consultlink-backend/internal/domain"
	"consultlink-backend/pkg/logger"
)

// Status is what the call screen shows
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusWaiting    Status = "waiting"
	StatusConnected  Status = "connected"
	StatusEnded      Status = "ended"
	StatusError      Status = "error"
)

// Routes returned by EndCall
const (
	PatientExitRoute = "/"
	DoctorExitRoute  = "/consultlink"
)

// CallNegotiator is the controller's view of a Negotiator
type CallNegotiator interface {
	Start() error
	Subscribe() *Subscription[Event]
	LocalTracks() []LocalTrack
	End()
}

// SessionReporter records the end of a consultation with the registry
type SessionReporter interface {
	EndSession(ctx context.Context, sessionID uuid.UUID, notes string) error
}

// Snapshot is the controller's state at one instant
type Snapshot struct {
	Status     Status
	RemoteName string
	Duration   time.Duration
	Err        error
}

// Controller turns negotiator events into call screen state: status, the
// remote participant's name and the consultation clock
type Controller struct {
	sessionID uuid.UUID
	role      domain.Role
	neg       CallNegotiator
	reporter  SessionReporter
	now       func() time.Time

	mu         sync.Mutex
	status     Status
	remoteName string
	err        error
	elapsed    time.Duration
	runningAt  time.Time
	running    bool

	updates *fanout[Snapshot]
	sub     *Subscription[Event]
	done    chan struct{}
	once    sync.Once
}

// NewController creates a controller for one call. reporter may be nil for
// patients.
func NewController(sessionID uuid.UUID, role domain.Role, neg CallNegotiator, reporter SessionReporter) *Controller {
	return &Controller{
		sessionID: sessionID,
		role:      role,
		neg:       neg,
		reporter:  reporter,
		now:       time.Now,
		status:    StatusConnecting,
		updates:   newFanout[Snapshot](),
		done:      make(chan struct{}),
	}
}

// Start subscribes to the negotiator and starts it
func (c *Controller) Start() error {
	c.sub = c.neg.Subscribe()
	go c.watch(c.sub)

	if err := c.neg.Start(); err != nil {
		c.sub.Cancel()
		return err
	}
	return nil
}

// Updates streams a snapshot after every state change
func (c *Controller) Updates() *Subscription[Snapshot] {
	return c.updates.subscribe(16)
}

func (c *Controller) watch(sub *Subscription[Event]) {
	defer close(c.done)
	defer c.updates.close()

	for ev := range sub.C {
		c.apply(ev)
	}
}

func (c *Controller) apply(ev Event) {
	c.mu.Lock()
	switch ev.Kind {
	case EventWaiting:
		c.pause()
		c.status = StatusWaiting
	case EventPeerJoined:
		c.remoteName = ev.PeerName
	case EventConnected:
		c.resume()
		c.status = StatusConnected
	case EventPeerLeft:
		c.pause()
		c.status = StatusWaiting
		c.remoteName = ""
	case EventDisconnected:
		c.pause()
		c.status = StatusConnecting
	case EventError:
		if ev.Fatal {
			c.pause()
			c.status = StatusError
			c.err = ev.Err
		}
	case EventClosed:
		c.pause()
		if c.status != StatusError {
			c.status = StatusEnded
		}
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.updates.publish(snap)
}

func (c *Controller) pause() {
	if c.running {
		c.elapsed += c.now().Sub(c.runningAt)
		c.running = false
	}
}

func (c *Controller) resume() {
	if !c.running {
		c.runningAt = c.now()
		c.running = true
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	d := c.elapsed
	if c.running {
		d += c.now().Sub(c.runningAt)
	}
	return Snapshot{Status: c.status, RemoteName: c.remoteName, Duration: d, Err: c.err}
}

// Snapshot returns the current state
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// ToggleAudio flips the first local audio track and returns its new state
func (c *Controller) ToggleAudio() bool {
	return c.toggle(KindAudio)
}

// ToggleVideo flips the first local video track and returns its new state
func (c *Controller) ToggleVideo() bool {
	return c.toggle(KindVideo)
}

func (c *Controller) toggle(kind TrackKind) bool {
	stream := &LocalStream{Tracks: c.neg.LocalTracks()}
	t := stream.First(kind)
	if t == nil {
		return false
	}
	t.SetEnabled(!t.Enabled())
	logger.Session(c.sessionID.String()).Debug("Local track toggled",
		zap.String("kind", string(kind)),
		zap.Bool("enabled", t.Enabled()))
	return t.Enabled()
}

// EndCall tears the call down, reports completion when the doctor ends it
// and returns the route to navigate to. The route is returned even when
// reporting fails.
func (c *Controller) EndCall(ctx context.Context, notes string) (string, error) {
	c.Dispose()

	if c.role != domain.RoleDoctor {
		return PatientExitRoute, nil
	}
	if c.reporter != nil {
		if err := c.reporter.EndSession(ctx, c.sessionID, notes); err != nil {
			return DoctorExitRoute, fmt.Errorf("failed to record consultation end: %w", err)
		}
	}
	return DoctorExitRoute, nil
}

// Dispose tears the call down without reporting
func (c *Controller) Dispose() {
	c.once.Do(func() {
		c.neg.End()
		if c.sub != nil {
			<-c.done
		}
	})
}

// FormatDuration renders d as MM:SS; minutes keep counting past an hour
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}
