package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var errMissingAPI = errors.New("client: api client is required")

// API is everything a session needs from the server.
type API interface {
	ActivityReporter
	StatusSource
	KnockSource
}

// SessionConfig describes one browser tab's stay in a room.
type SessionConfig struct {
	API    API
	UI     UI
	RoomID int64
	IsHost bool
	Clock  func() time.Time
	Logger *zap.Logger
}

// Session owns the timers of one tab: the activity tracker, the status poller and, for
// hosts, the knock watcher. Sessions share nothing, so several can run side by side.
type Session struct {
	ID       string
	Activity *ActivityTracker
	Status   *StatusPoller
	Knocks   *KnockWatcher

	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession wires the components of one tab.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.API == nil {
		return nil, errMissingAPI
	}
	if cfg.UI == nil {
		return nil, errMissingUI
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("tab_id", id.String()), zap.Int64("room_id", cfg.RoomID))

	session := &Session{ID: id.String(), logger: logger}
	session.Status, err = NewStatusPoller(StatusPollerConfig{
		Source: cfg.API,
		UI:     cfg.UI,
		RoomID: cfg.RoomID,
		Clock:  cfg.Clock,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	session.Activity, err = NewActivityTracker(ActivityTrackerConfig{
		Reporter:    cfg.API,
		RoomID:      cfg.RoomID,
		OnNotInRoom: session.recheck,
		Clock:       cfg.Clock,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	if cfg.IsHost {
		session.Knocks, err = NewKnockWatcher(KnockWatcherConfig{
			Source: cfg.API,
			UI:     cfg.UI,
			RoomID: cfg.RoomID,
			Clock:  cfg.Clock,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
	}
	return session, nil
}

// Start launches every component and reports system_start.
func (s *Session) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.ctx = ctx
	s.spawn(func() { s.Activity.Run(ctx) })
	s.spawn(func() { s.Status.Run(ctx) })
	if s.Knocks != nil {
		s.spawn(func() { s.Knocks.Run(ctx) })
	}
	s.spawn(func() {
		s.Activity.MarkActive()
		if _, err := s.Activity.Record(ctx, "system_start"); err != nil {
			s.logger.Debug("system start report rejected", zap.Error(err))
		}
	})
	s.spawn(func() {
		select {
		case <-ctx.Done():
		case <-s.Status.Exited():
			s.cancel()
		}
	})
}

func (s *Session) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// recheck runs an immediate status poll once the tracker learns the caller left the room.
// The poll shares the session context so a removal countdown it starts outlives the call.
func (s *Session) recheck() {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	s.Status.Check(ctx)
}

// Stop cancels every timer and waits for the components to return. A removal countdown
// already under way is abandoned.
func (s *Session) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.Activity.Stop()
	s.Status.Stop()
	s.wg.Wait()
}
