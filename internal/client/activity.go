package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/duranu/backend/internal/presence"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatThrottle = 25 * time.Second
	defaultActionThrottle    = 3 * time.Second
	defaultInteractionQuiet  = 5 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
)

// ErrUnknownActivity rejects an activity type outside the allow-list.
var ErrUnknownActivity = errors.New("client: unknown activity type")

var errMissingReporter = errors.New("client: activity reporter is required")

// ActivityReporter sends activity reports to the server.
type ActivityReporter interface {
	ReportActivity(ctx context.Context, roomID int64, activity presence.ActivityType) (ActivityResult, error)
}

// ActivityTrackerConfig describes an activity tracker.
type ActivityTrackerConfig struct {
	Reporter          ActivityReporter
	RoomID            int64
	HeartbeatThrottle time.Duration
	ActionThrottle    time.Duration
	InteractionQuiet  time.Duration
	HeartbeatInterval time.Duration
	// OnNotInRoom runs once when the server no longer knows the caller in the room.
	OnNotInRoom func()
	Clock       func() time.Time
	Logger      *zap.Logger
}

// ActivityTracker reports liveness without flooding the server. A heartbeat is accepted at
// most once per HeartbeatThrottle and any other report at most once per ActionThrottle,
// both measured from the last accepted report of any type.
type ActivityTracker struct {
	reporter          ActivityReporter
	roomID            int64
	heartbeatThrottle time.Duration
	actionThrottle    time.Duration
	interactionQuiet  time.Duration
	heartbeatInterval time.Duration
	onNotInRoom       func()
	clock             func() time.Time
	logger            *zap.Logger

	mu           sync.Mutex
	lastAccepted time.Time
	accepted     bool
	active       bool
	stopped      bool

	interactions chan struct{}
	stop         chan struct{}
	stopOnce     sync.Once
}

// NewActivityTracker applies defaults and builds a tracker.
func NewActivityTracker(cfg ActivityTrackerConfig) (*ActivityTracker, error) {
	if cfg.Reporter == nil {
		return nil, errMissingReporter
	}
	tracker := &ActivityTracker{
		reporter:          cfg.Reporter,
		roomID:            cfg.RoomID,
		heartbeatThrottle: durationOr(cfg.HeartbeatThrottle, defaultHeartbeatThrottle),
		actionThrottle:    durationOr(cfg.ActionThrottle, defaultActionThrottle),
		interactionQuiet:  durationOr(cfg.InteractionQuiet, defaultInteractionQuiet),
		heartbeatInterval: durationOr(cfg.HeartbeatInterval, defaultHeartbeatInterval),
		onNotInRoom:       cfg.OnNotInRoom,
		clock:             cfg.Clock,
		logger:            cfg.Logger,
		interactions:      make(chan struct{}, 1),
		stop:              make(chan struct{}),
	}
	if tracker.clock == nil {
		tracker.clock = time.Now
	}
	if tracker.logger == nil {
		tracker.logger = zap.NewNop()
	}
	return tracker, nil
}

// Record reports one activity unless the throttle window drops it. It returns whether the
// report was accepted. Transport failures are logged and swallowed.
func (t *ActivityTracker) Record(ctx context.Context, raw string) (bool, error) {
	activity, ok := presence.ParseActivityType(raw)
	if !ok {
		return false, ErrUnknownActivity
	}
	if !t.admit(activity) {
		t.logger.Debug("activity throttled", zap.String("activity_type", string(activity)))
		return false, nil
	}

	result, err := t.reporter.ReportActivity(ctx, t.roomID, activity)
	if err != nil {
		t.logger.Warn("activity report failed", zap.String("activity_type", string(activity)), zap.Error(err))
		return true, nil
	}
	if result.NotInRoom() {
		t.logger.Info("activity tracker stopping", zap.Int64("room_id", t.roomID), zap.String("reason", string(result.Status)))
		t.Stop()
		if t.onNotInRoom != nil {
			t.onNotInRoom()
		}
	}
	return true, nil
}

func (t *ActivityTracker) admit(activity presence.ActivityType) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	now := t.clock()
	window := t.actionThrottle
	if activity == presence.ActivityHeartbeat {
		window = t.heartbeatThrottle
	}
	if t.accepted && now.Sub(t.lastAccepted) < window {
		return false
	}
	t.lastAccepted = now
	t.accepted = true
	return true
}

// MarkActive flags the tab as active so the next heartbeat tick reports.
func (t *ActivityTracker) MarkActive() {
	t.mu.Lock()
	t.active = true
	t.mu.Unlock()
}

// Touch records a raw input event. The interaction report follows after a quiet period.
func (t *ActivityTracker) Touch() {
	t.MarkActive()
	select {
	case t.interactions <- struct{}{}:
	default:
	}
}

// Run drives the interaction-coalescing timer and the heartbeat ticker until ctx ends or
// the tracker stops.
func (t *ActivityTracker) Run(ctx context.Context) {
	heartbeat := time.NewTicker(t.heartbeatInterval)
	defer heartbeat.Stop()
	quiet := time.NewTimer(t.interactionQuiet)
	quiet.Stop()
	defer quiet.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-t.interactions:
			quiet.Reset(t.interactionQuiet)
		case <-quiet.C:
			if t.isActive() {
				_, _ = t.Record(ctx, string(presence.ActivityInteraction))
			}
		case <-heartbeat.C:
			if t.consumeActive() {
				_, _ = t.Record(ctx, string(presence.ActivityHeartbeat))
			}
		}
	}
}

func (t *ActivityTracker) isActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *ActivityTracker) consumeActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	active := t.active
	t.active = false
	return active
}

// Stop shuts the tracker down. Later reports are dropped.
func (t *ActivityTracker) Stop() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.stopped = true
		t.mu.Unlock()
		close(t.stop)
	})
}

// Stopped reports whether the tracker has shut down.
func (t *ActivityTracker) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}
