package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/duranu/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/rooms"
	"go.uber.org/zap"
)

const (
	defaultStatusInterval = 2 * time.Second
	defaultStatusMinGap   = time.Second
	defaultCountdown      = 8 * time.Second
	defaultCountdownTick  = time.Second
	defaultWarnAfter      = 3
	defaultGiveUpAfter    = 5
)

var (
	errMissingStatusSource = errors.New("client: status source is required")
	errMissingUI           = errors.New("client: ui is required")
)

// StatusSource reads the caller's standing and performs the exit cleanup.
type StatusSource interface {
	Status(ctx context.Context, roomID int64) (rooms.StatusReport, error)
	Leave(ctx context.Context, roomID int64) error
}

// StatusPollerConfig describes a status poller.
type StatusPollerConfig struct {
	Source        StatusSource
	UI            UI
	RoomID        int64
	Interval      time.Duration
	MinGap        time.Duration
	Countdown     time.Duration
	CountdownTick time.Duration
	WarnAfter     int
	GiveUpAfter   int
	Clock         func() time.Time
	Logger        *zap.Logger
}

// StatusPoller detects bans, kicks, room deletion and lost membership from the client's
// side and walks the user back to the lounge.
type StatusPoller struct {
	source        StatusSource
	ui            UI
	roomID        int64
	interval      time.Duration
	minGap        time.Duration
	countdown     time.Duration
	countdownTick time.Duration
	warnAfter     int
	giveUpAfter   int
	clock         func() time.Time
	logger        *zap.Logger

	mu          sync.Mutex
	inFlight    bool
	lastCheck   time.Time
	checked     bool
	failures    int
	stopped     bool
	modalShown  bool
	stop        chan struct{}
	acknowledge chan struct{}
	ackOnce     sync.Once
	exited      chan struct{}
	exitOnce    sync.Once
}

// NewStatusPoller applies defaults and builds a poller.
func NewStatusPoller(cfg StatusPollerConfig) (*StatusPoller, error) {
	if cfg.Source == nil {
		return nil, errMissingStatusSource
	}
	if cfg.UI == nil {
		return nil, errMissingUI
	}
	poller := &StatusPoller{
		source:        cfg.Source,
		ui:            cfg.UI,
		roomID:        cfg.RoomID,
		interval:      durationOr(cfg.Interval, defaultStatusInterval),
		minGap:        durationOr(cfg.MinGap, defaultStatusMinGap),
		countdown:     durationOr(cfg.Countdown, defaultCountdown),
		countdownTick: durationOr(cfg.CountdownTick, defaultCountdownTick),
		warnAfter:     cfg.WarnAfter,
		giveUpAfter:   cfg.GiveUpAfter,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		stop:          make(chan struct{}),
		acknowledge:   make(chan struct{}),
		exited:        make(chan struct{}),
	}
	if poller.warnAfter <= 0 {
		poller.warnAfter = defaultWarnAfter
	}
	if poller.giveUpAfter <= 0 {
		poller.giveUpAfter = defaultGiveUpAfter
	}
	if poller.clock == nil {
		poller.clock = time.Now
	}
	if poller.logger == nil {
		poller.logger = zap.NewNop()
	}
	return poller, nil
}

// Run polls on the fixed interval until ctx ends or the poller stops.
func (p *StatusPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

// Check performs one status poll. Calls that overlap an in-flight poll or land within the
// minimum gap of the previous one return false without contacting the server.
func (p *StatusPoller) Check(ctx context.Context) bool {
	if !p.begin() {
		return false
	}
	report, err := p.source.Status(ctx, p.roomID)
	p.finish()
	if err != nil {
		p.recordFailure(ctx, err)
		return true
	}

	p.mu.Lock()
	p.failures = 0
	p.mu.Unlock()

	switch {
	case report.Status.Terminal():
		p.halt()
		p.showRemoval(ctx, report)
	case report.Status == presence.StatusNotInRoom:
		p.halt()
		p.exit("")
	}
	return true
}

func (p *StatusPoller) begin() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || p.inFlight {
		return false
	}
	now := p.clock()
	if p.checked && now.Sub(p.lastCheck) < p.minGap {
		return false
	}
	p.inFlight = true
	p.checked = true
	p.lastCheck = now
	return true
}

func (p *StatusPoller) finish() {
	p.mu.Lock()
	p.inFlight = false
	p.mu.Unlock()
}

func (p *StatusPoller) recordFailure(ctx context.Context, err error) {
	p.mu.Lock()
	p.failures++
	failures := p.failures
	p.mu.Unlock()

	switch {
	case failures >= p.giveUpAfter:
		p.logger.Error("status poll giving up", zap.Int("failures", failures), zap.Error(err))
		p.halt()
		p.exit(NoticeConnectionLost)
	case failures >= p.warnAfter:
		p.logger.Warn("status poll failing", zap.Int("failures", failures), zap.Error(err))
	default:
		p.logger.Debug("status poll failed", zap.Int("failures", failures), zap.Error(err))
	}
}

// showRemoval renders the modal at most once per poller and starts the exit countdown.
func (p *StatusPoller) showRemoval(ctx context.Context, report rooms.StatusReport) {
	p.mu.Lock()
	if p.modalShown {
		p.mu.Unlock()
		return
	}
	p.modalShown = true
	p.mu.Unlock()

	p.ui.ShowRemovalModal(newRemovalNotice(report))
	go p.runCountdown(ctx)
}

func (p *StatusPoller) runCountdown(ctx context.Context) {
	deadline := p.clock().Add(p.countdown)
	remaining := p.countdown
	ticker := time.NewTicker(p.countdownTick)
	defer ticker.Stop()
	p.ui.UpdateCountdown(remaining)
	for remaining > 0 {
		select {
		case <-ctx.Done():
			return
		case <-p.acknowledge:
			remaining = 0
		case <-ticker.C:
			remaining -= p.countdownTick
			if now := p.clock(); deadline.Sub(now) < remaining {
				remaining = deadline.Sub(now)
			}
			if remaining < 0 {
				remaining = 0
			}
			p.ui.UpdateCountdown(remaining)
		}
	}
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultHTTPTimeout)
	defer cancel()
	if err := p.source.Leave(cleanupCtx, p.roomID); err != nil {
		p.logger.Debug("exit cleanup failed", zap.Int64("room_id", p.roomID), zap.Error(err))
	}
	p.exit("")
}

// Acknowledge ends the removal countdown early, as when the user dismisses the modal.
func (p *StatusPoller) Acknowledge() {
	p.ackOnce.Do(func() { close(p.acknowledge) })
}

func (p *StatusPoller) exit(notice string) {
	p.exitOnce.Do(func() {
		p.ui.NavigateToLounge(notice)
		close(p.exited)
	})
}

// Exited is closed once the poller has sent the user back to the lounge.
func (p *StatusPoller) Exited() <-chan struct{} {
	return p.exited
}

func (p *StatusPoller) halt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	close(p.stop)
}

// Stop ends polling without navigating.
func (p *StatusPoller) Stop() {
	p.halt()
}

// Failures reports the current consecutive failure count.
func (p *StatusPoller) Failures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}
