package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/duranu/backend/internal/knocks"
	"go.uber.org/zap"
)

const (
	defaultKnockInterval     = 3 * time.Second
	defaultKnockDismissAfter = 45 * time.Second
	defaultKnockSpacing      = 90
)

var errMissingKnockSource = errors.New("client: knock source is required")

// KnockSource lists and settles knocks for a host.
type KnockSource interface {
	PendingKnocks(ctx context.Context, roomID int64) ([]knocks.Request, error)
	RespondKnock(ctx context.Context, roomID, knockID int64, accept bool) error
}

// KnockWatcherConfig describes a knock watcher.
type KnockWatcherConfig struct {
	Source       KnockSource
	UI           UI
	RoomID       int64
	Interval     time.Duration
	DismissAfter time.Duration
	// Spacing is the vertical distance between stacked notifications.
	Spacing int
	Clock   func() time.Time
	Logger  *zap.Logger
}

type shownKnock struct {
	slot    int
	shownAt time.Time
}

// KnockWatcher polls pending knocks for a host and shows one notification per knock. A
// notification dismisses itself after DismissAfter whatever the server state, and a
// dismissed knock is not shown again.
type KnockWatcher struct {
	source       KnockSource
	ui           UI
	roomID       int64
	interval     time.Duration
	dismissAfter time.Duration
	spacing      int
	clock        func() time.Time
	logger       *zap.Logger

	mu        sync.Mutex
	visible   map[int64]shownKnock
	dismissed map[int64]struct{}
}

// NewKnockWatcher applies defaults and builds a watcher.
func NewKnockWatcher(cfg KnockWatcherConfig) (*KnockWatcher, error) {
	if cfg.Source == nil {
		return nil, errMissingKnockSource
	}
	if cfg.UI == nil {
		return nil, errMissingUI
	}
	watcher := &KnockWatcher{
		source:       cfg.Source,
		ui:           cfg.UI,
		roomID:       cfg.RoomID,
		interval:     durationOr(cfg.Interval, defaultKnockInterval),
		dismissAfter: durationOr(cfg.DismissAfter, defaultKnockDismissAfter),
		spacing:      cfg.Spacing,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		visible:      make(map[int64]shownKnock),
		dismissed:    make(map[int64]struct{}),
	}
	if watcher.spacing <= 0 {
		watcher.spacing = defaultKnockSpacing
	}
	if watcher.clock == nil {
		watcher.clock = time.Now
	}
	if watcher.logger == nil {
		watcher.logger = zap.NewNop()
	}
	return watcher, nil
}

// Run polls on the fixed interval until ctx ends.
func (w *KnockWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	w.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Poll fetches pending knocks, shows new ones and dismisses expired or settled ones.
func (w *KnockWatcher) Poll(ctx context.Context) {
	pending, err := w.source.PendingKnocks(ctx, w.roomID)
	if err != nil {
		w.logger.Debug("knock poll failed", zap.Int64("room_id", w.roomID), zap.Error(err))
		w.expire(nil)
		return
	}
	open := make(map[int64]struct{}, len(pending))
	for _, knock := range pending {
		open[knock.ID] = struct{}{}
	}
	w.expire(open)

	now := w.clock()
	for _, knock := range pending {
		w.mu.Lock()
		_, shown := w.visible[knock.ID]
		_, gone := w.dismissed[knock.ID]
		if shown || gone {
			w.mu.Unlock()
			continue
		}
		slot := w.freeSlot()
		w.visible[knock.ID] = shownKnock{slot: slot, shownAt: now}
		w.mu.Unlock()
		w.ui.ShowKnock(knock, slot*w.spacing)
	}
}

// expire dismisses notifications past their lifetime. When open is non-nil, notifications
// for knocks no longer pending go too.
func (w *KnockWatcher) expire(open map[int64]struct{}) {
	now := w.clock()
	var expired []int64
	w.mu.Lock()
	for id, shown := range w.visible {
		_, stillOpen := open[id]
		if now.Sub(shown.shownAt) >= w.dismissAfter || (open != nil && !stillOpen) {
			expired = append(expired, id)
			delete(w.visible, id)
			w.dismissed[id] = struct{}{}
		}
	}
	w.mu.Unlock()
	for _, id := range expired {
		w.ui.DismissKnock(id)
	}
}

// freeSlot returns the lowest stacking slot not in use. Callers hold mu.
func (w *KnockWatcher) freeSlot() int {
	used := make(map[int]struct{}, len(w.visible))
	for _, shown := range w.visible {
		used[shown.slot] = struct{}{}
	}
	slot := 0
	for {
		if _, taken := used[slot]; !taken {
			return slot
		}
		slot++
	}
}

// Respond settles a knock and removes its notification.
func (w *KnockWatcher) Respond(ctx context.Context, knockID int64, accept bool) error {
	if err := w.source.RespondKnock(ctx, w.roomID, knockID, accept); err != nil {
		return err
	}
	w.Dismiss(knockID)
	return nil
}

// Dismiss hides a notification for good.
func (w *KnockWatcher) Dismiss(knockID int64) {
	w.mu.Lock()
	_, shown := w.visible[knockID]
	delete(w.visible, knockID)
	w.dismissed[knockID] = struct{}{}
	w.mu.Unlock()
	if shown {
		w.ui.DismissKnock(knockID)
	}
}
