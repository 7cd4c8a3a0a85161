// Package sweeper runs the periodic liveness pass over room memberships: idle members
// become AFK, long-idle members are disconnected, and the host and teardown cascade
// follows each removal.
package sweeper

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/duranu/backend/internal/rooms"
	"go.uber.org/zap"
)

var (
	errMissingRooms = errors.New("membership store is required")
	// ErrSweepInProgress indicates another sweep holds this process's sweep slot.
	ErrSweepInProgress = errors.New("sweeper: sweep already running")
)

// MembershipStore is the slice of the rooms service the sweep drives.
type MembershipStore interface {
	IdleMemberships(ctx context.Context, idleBefore time.Time) ([]rooms.Membership, error)
	MarkAFK(ctx context.Context, membership rooms.Membership, idleBefore time.Time) (bool, error)
	ExpireMembership(ctx context.Context, membership rooms.Membership, idleBefore, joinedBefore time.Time) (rooms.RemovalOutcome, error)
	PruneOnlineUsers(ctx context.Context, seenBefore time.Time) (int64, error)
}

// KnockExpirer expires knocks nobody answered.
type KnockExpirer interface {
	ExpireStale(ctx context.Context) (int64, error)
}

// EventPurger applies event log retention.
type EventPurger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Timeouts are the thresholds the sweep classifies memberships with.
type Timeouts struct {
	AFK              time.Duration
	MemberDisconnect time.Duration
	HostDisconnect   time.Duration
	JoinGrace        time.Duration
	OnlineGrace      time.Duration
	EventRetention   time.Duration
}

// Config describes the sweep dependencies.
type Config struct {
	Rooms    MembershipStore
	Knocks   KnockExpirer
	Events   EventPurger
	Timeouts Timeouts
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Summary counts what one sweep changed.
type Summary struct {
	UsersMarkedAFK    int   `json:"users_marked_afk"`
	UsersDisconnected int   `json:"users_disconnected"`
	HostsTransferred  int   `json:"hosts_transferred"`
	RoomsDeleted      int   `json:"rooms_deleted"`
	KnocksExpired     int64 `json:"knocks_expired"`
	EventsPurged      int64 `json:"events_purged"`
	OnlineUsersPruned int64 `json:"online_users_pruned"`
	Failures          int   `json:"failures"`
}

// Sweeper evaluates every membership against the liveness thresholds.
type Sweeper struct {
	rooms    MembershipStore
	knocks   KnockExpirer
	events   EventPurger
	timeouts Timeouts
	clock    func() time.Time
	logger   *zap.Logger
	running  sync.Mutex
}

// New builds a sweeper.
func New(cfg Config) (*Sweeper, error) {
	if cfg.Rooms == nil {
		return nil, errMissingRooms
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		rooms:    cfg.Rooms,
		knocks:   cfg.Knocks,
		events:   cfg.Events,
		timeouts: cfg.Timeouts,
		clock:    clock,
		logger:   logger,
	}, nil
}

// TrySweep runs one pass unless another pass is already running in this process.
// Separate processes may still overlap; every write in Sweep is conditional on the
// timestamps it was decided with.
func (s *Sweeper) TrySweep(ctx context.Context) (Summary, error) {
	if !s.running.TryLock() {
		return Summary{}, ErrSweepInProgress
	}
	defer s.running.Unlock()
	return s.Sweep(ctx)
}

// Sweep runs one pass. A failure on one membership is logged and counted; only a failure
// to list candidates aborts the pass.
func (s *Sweeper) Sweep(ctx context.Context) (Summary, error) {
	now := s.clock().UTC()
	var summary Summary

	afkCutoff := now.Add(-s.timeouts.AFK)
	joinCutoff := now.Add(-s.timeouts.JoinGrace)
	idle, err := s.rooms.IdleMemberships(ctx, afkCutoff)
	if err != nil {
		s.logger.Error("sweep listing failed", zap.Error(err))
		return summary, err
	}

	for _, membership := range idle {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		disconnectCutoff := now.Add(-s.disconnectTimeout(membership.IsHost))
		if membership.LastActivity.Before(disconnectCutoff) && membership.JoinedAt.Before(joinCutoff) {
			outcome, err := s.rooms.ExpireMembership(ctx, membership, disconnectCutoff, joinCutoff)
			if err != nil {
				summary.Failures++
				s.logMembershipFailure("disconnect", membership, err)
				continue
			}
			if outcome.Removed {
				summary.UsersDisconnected++
			}
			if outcome.HostTransferred {
				summary.HostsTransferred++
			}
			if outcome.RoomDeleted {
				summary.RoomsDeleted++
			}
			continue
		}
		if membership.IsAFK {
			continue
		}
		marked, err := s.rooms.MarkAFK(ctx, membership, afkCutoff)
		if err != nil {
			summary.Failures++
			s.logMembershipFailure("mark_afk", membership, err)
			continue
		}
		if marked {
			summary.UsersMarkedAFK++
		}
	}

	if s.knocks != nil {
		expired, err := s.knocks.ExpireStale(ctx)
		if err != nil {
			summary.Failures++
			s.logger.Error("knock expiry failed", zap.Error(err))
		}
		summary.KnocksExpired = expired
	}
	if s.events != nil && s.timeouts.EventRetention > 0 {
		purged, err := s.events.Purge(ctx, now.Add(-s.timeouts.EventRetention))
		if err != nil {
			summary.Failures++
			s.logger.Error("event retention failed", zap.Error(err))
		}
		summary.EventsPurged = purged
	}
	onlineCutoff := now.Add(-(s.timeouts.MemberDisconnect + s.timeouts.OnlineGrace))
	pruned, err := s.rooms.PruneOnlineUsers(ctx, onlineCutoff)
	if err != nil {
		summary.Failures++
		s.logger.Error("online users pruning failed", zap.Error(err))
	}
	summary.OnlineUsersPruned = pruned

	s.logger.Info("sweep completed",
		zap.Int("users_marked_afk", summary.UsersMarkedAFK),
		zap.Int("users_disconnected", summary.UsersDisconnected),
		zap.Int("hosts_transferred", summary.HostsTransferred),
		zap.Int("rooms_deleted", summary.RoomsDeleted),
		zap.Int64("knocks_expired", summary.KnocksExpired),
		zap.Int64("events_purged", summary.EventsPurged),
		zap.Int("failures", summary.Failures))
	return summary, nil
}

func (s *Sweeper) disconnectTimeout(isHost bool) time.Duration {
	if isHost {
		return s.timeouts.HostDisconnect
	}
	return s.timeouts.MemberDisconnect
}

func (s *Sweeper) logMembershipFailure(step string, membership rooms.Membership, err error) {
	s.logger.Warn("sweep membership failed",
		zap.String("step", step),
		zap.Int64("membership_id", membership.ID),
		zap.Int64("room_id", membership.RoomID),
		zap.String("user_id", membership.UserIDString),
		zap.Error(err))
}
