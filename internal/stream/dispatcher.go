// Package stream implements the bounded long-poll loop that feeds each connected client
// the room events after its watermark.
package stream

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/duranu/backend/internal/events"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/knocks"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/rooms"
	"go.uber.org/zap"
)

const (
	defaultBatchSize          = 50
	defaultMessageLimit       = 50
	defaultMaxDuration        = 30 * time.Second
	defaultMaxIterations      = 60
	defaultMaxEmptyIterations = 20
	defaultSoundWindow        = 5 * time.Second

	// Consecutive empty iterations after which the loop switches to the long sleep.
	longSleepAfter = 5
)

var errMissingSources = errors.New("stream: event, room and knock sources are required")

// EventSource reads the event log.
type EventSource interface {
	ListSince(ctx context.Context, scope events.Scope, watermark int64, limit int) ([]events.Event, error)
	LatestID(ctx context.Context, scope events.Scope) (int64, error)
}

// RoomReader supplies the room sub-resources.
type RoomReader interface {
	Room(ctx context.Context, roomID int64) (rooms.Room, error)
	Membership(ctx context.Context, roomID int64, userID string) (rooms.Membership, error)
	ListMembers(ctx context.Context, roomID int64) ([]rooms.Membership, error)
	RecentMessages(ctx context.Context, roomID int64, viewerID string, limit int) ([]rooms.Message, error)
	PrivateMessages(ctx context.Context, userID string, limit int) ([]rooms.Message, error)
}

// KnockReader supplies pending knocks to hosts.
type KnockReader interface {
	ListPending(ctx context.Context, roomID int64, host rooms.Identity) ([]knocks.Request, error)
}

// Sleeps are the adaptive pauses between iterations.
type Sleeps struct {
	Short  time.Duration
	Medium time.Duration
	Long   time.Duration
}

// DefaultSleeps pause briefly after a busy batch and back off while the room is quiet.
var DefaultSleeps = Sleeps{Short: 50 * time.Millisecond, Medium: 150 * time.Millisecond, Long: 300 * time.Millisecond}

// Config describes a dispatcher.
type Config struct {
	Events             EventSource
	Rooms              RoomReader
	Knocks             KnockReader
	Notifier           *events.Notifier
	Thresholds         rooms.Thresholds
	BatchSize          int
	MessageLimit       int
	MaxDuration        time.Duration
	MaxIterations      int
	MaxEmptyIterations int
	Sleeps             Sleeps
	SoundWindow        time.Duration
	Clock              func() time.Time
	Logger             *zap.Logger
}

// Request identifies one stream connection.
type Request struct {
	RoomID       int64
	UserID       string
	LastEventID  int64
	ConnectionID string
}

// Emitter writes one frame to the client. An error ends the loop.
type Emitter func(Frame) error

// Dispatcher serves bounded event streams.
type Dispatcher struct {
	events             EventSource
	rooms              RoomReader
	knocks             KnockReader
	notifier           *events.Notifier
	thresholds         rooms.Thresholds
	batchSize          int
	messageLimit       int
	maxDuration        time.Duration
	maxIterations      int
	maxEmptyIterations int
	sleeps             Sleeps
	soundWindow        time.Duration
	clock              func() time.Time
	logger             *zap.Logger
}

// NewDispatcher applies defaults and builds a dispatcher.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Events == nil || cfg.Rooms == nil || cfg.Knocks == nil {
		return nil, errMissingSources
	}
	dispatcher := &Dispatcher{
		events:             cfg.Events,
		rooms:              cfg.Rooms,
		knocks:             cfg.Knocks,
		notifier:           cfg.Notifier,
		thresholds:         cfg.Thresholds,
		batchSize:          positiveOr(cfg.BatchSize, defaultBatchSize),
		messageLimit:       positiveOr(cfg.MessageLimit, defaultMessageLimit),
		maxDuration:        cfg.MaxDuration,
		maxIterations:      positiveOr(cfg.MaxIterations, defaultMaxIterations),
		maxEmptyIterations: positiveOr(cfg.MaxEmptyIterations, defaultMaxEmptyIterations),
		sleeps:             cfg.Sleeps,
		soundWindow:        cfg.SoundWindow,
		clock:              cfg.Clock,
		logger:             cfg.Logger,
	}
	if dispatcher.maxDuration <= 0 {
		dispatcher.maxDuration = defaultMaxDuration
	}
	if dispatcher.sleeps == (Sleeps{}) {
		dispatcher.sleeps = DefaultSleeps
	}
	if dispatcher.soundWindow <= 0 {
		dispatcher.soundWindow = defaultSoundWindow
	}
	if dispatcher.clock == nil {
		dispatcher.clock = time.Now
	}
	if dispatcher.logger == nil {
		dispatcher.logger = zap.NewNop()
	}
	return dispatcher, nil
}

// Serve runs the loop for one connection. Each iteration emits exactly one room_data or
// heartbeat frame; the loop ends with a reconnect frame once it runs out of iterations,
// time, or activity. A missing membership ends it with reason not_in_room. Emit failures
// and context cancellation end it without a reconnect frame.
func (d *Dispatcher) Serve(ctx context.Context, request Request, emit Emitter) error {
	started := d.clock()
	scope := events.Scope{RoomID: request.RoomID, UserID: request.UserID}
	logger := d.logger.With(
		zap.Int64("room_id", request.RoomID),
		zap.String("user_id", request.UserID),
		zap.String("connection_id", request.ConnectionID))

	var wake <-chan events.Signal
	if d.notifier != nil {
		signals, cancel := d.notifier.Subscribe(ctx, events.RoomKey(request.RoomID), events.UserKey(request.UserID))
		defer cancel()
		wake = signals
	}

	watermark := request.LastEventID
	if watermark <= 0 {
		latest, err := d.events.LatestID(ctx, scope)
		if err != nil {
			logger.Error("stream watermark lookup failed", zap.Error(err))
			return err
		}
		watermark = latest
		frame, membership, err := d.snapshot(ctx, request, watermark, logger)
		switch {
		case errors.Is(err, rooms.ErrNotInRoom):
			return d.reconnect(emit, request, watermark, ReasonNotInRoom)
		case err != nil:
			logger.Warn("stream membership lookup failed", zap.Error(err))
			frame.markUnavailable("inactivity_status")
		default:
			frame.InactivityStatus = d.inactivity(membership, frame.Room)
		}
		if err := emit(frame); err != nil {
			return err
		}
	}

	emptyIterations := 0
	reason := ReasonBudgetReached
	for iteration := 0; iteration < d.maxIterations; iteration++ {
		if ctx.Err() != nil {
			return nil
		}
		if d.clock().Sub(started) >= d.maxDuration {
			break
		}

		membership, err := d.rooms.Membership(ctx, request.RoomID, request.UserID)
		if errors.Is(err, rooms.ErrNotInRoom) {
			return d.reconnect(emit, request, watermark, ReasonNotInRoom)
		}
		frame := Frame{Type: presence.FrameHeartbeat, ConnectionID: request.ConnectionID}
		var member *rooms.Membership
		if err != nil {
			logger.Warn("stream membership lookup failed", zap.Error(err))
			frame.markUnavailable("inactivity_status")
		} else {
			member = &membership
		}

		batch, err := d.events.ListSince(ctx, scope, watermark, d.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("stream event query failed", zap.Error(err))
			frame.markUnavailable("events")
			batch = nil
		}

		var room *rooms.RoomView
		if len(batch) > 0 {
			emptyIterations = 0
			watermark = batch[len(batch)-1].ID
			frame.Type = presence.FrameRoomData
			room = d.populate(ctx, &frame, batch, member, request, logger)
		} else {
			emptyIterations++
		}
		frame.LastEventID = watermark
		if member != nil {
			if room == nil {
				room = d.roomView(ctx, request.RoomID)
			}
			frame.InactivityStatus = d.inactivity(*member, room)
		}
		if err := emit(frame); err != nil {
			return err
		}

		if emptyIterations >= d.maxEmptyIterations {
			reason = ReasonIdle
			break
		}
		if !d.pause(ctx, wake, d.sleepFor(len(batch) > 0, emptyIterations)) {
			return nil
		}
	}
	return d.reconnect(emit, request, watermark, reason)
}

func (d *Dispatcher) snapshot(ctx context.Context, request Request, watermark int64, logger *zap.Logger) (Frame, rooms.Membership, error) {
	frame := Frame{Type: presence.FrameRoomData, ConnectionID: request.ConnectionID, LastEventID: watermark}
	membership, err := d.rooms.Membership(ctx, request.RoomID, request.UserID)
	if err != nil {
		return frame, rooms.Membership{}, err
	}
	d.fetchMessages(ctx, &frame, request, logger)
	d.fetchUsers(ctx, &frame, request, logger)
	d.fetchPrivate(ctx, &frame, request, logger)
	if membership.IsHost {
		d.fetchKnocks(ctx, &frame, request, logger)
	}
	if room, ok := d.fetchRoom(ctx, &frame, request, logger); ok {
		frame.Room = &room
	}
	return frame, membership, nil
}

// populate runs exactly the secondary fetches the batch's event types call for.
func (d *Dispatcher) populate(ctx context.Context, frame *Frame, batch []events.Event, member *rooms.Membership, request Request, logger *zap.Logger) *rooms.RoomView {
	frame.Events = make([]EventView, 0, len(batch))
	present := make(map[events.Type]bool, len(batch))
	for _, event := range batch {
		frame.Events = append(frame.Events, newEventView(event))
		present[event.EventType] = true
	}

	if present[events.TypeMessage] || present[events.TypeWhisper] || present[events.TypeMention] {
		d.fetchMessages(ctx, frame, request, logger)
	}
	if present[events.TypeUserJoin] || present[events.TypeUserLeave] || present[events.TypeUserUpdate] {
		d.fetchUsers(ctx, frame, request, logger)
	}
	if present[events.TypePrivateMessage] {
		d.fetchPrivate(ctx, frame, request, logger)
	}
	if present[events.TypeKnock] && member != nil && member.IsHost {
		d.fetchKnocks(ctx, frame, request, logger)
	}
	var view *rooms.RoomView
	if present[events.TypeRoomUpdate] || present[events.TypeSettingsUpdate] || present[events.TypeYouTubeUpdate] {
		if room, ok := d.fetchRoom(ctx, frame, request, logger); ok {
			view = &room
			if present[events.TypeRoomUpdate] || present[events.TypeSettingsUpdate] {
				frame.Room = view
			}
		}
	}
	frame.SoundEvents = soundEvents(batch, request.UserID, d.clock(), d.soundWindow)
	return view
}

func (d *Dispatcher) fetchMessages(ctx context.Context, frame *Frame, request Request, logger *zap.Logger) {
	messages, err := d.rooms.RecentMessages(ctx, request.RoomID, request.UserID, d.messageLimit)
	if err != nil {
		logger.Warn("stream messages fetch failed", zap.Error(err))
		frame.markUnavailable("messages")
		return
	}
	frame.Messages = messages
}

func (d *Dispatcher) fetchUsers(ctx context.Context, frame *Frame, request Request, logger *zap.Logger) {
	members, err := d.rooms.ListMembers(ctx, request.RoomID)
	if err != nil {
		logger.Warn("stream users fetch failed", zap.Error(err))
		frame.markUnavailable("users")
		return
	}
	frame.Users = members
}

func (d *Dispatcher) fetchPrivate(ctx context.Context, frame *Frame, request Request, logger *zap.Logger) {
	messages, err := d.rooms.PrivateMessages(ctx, request.UserID, d.messageLimit)
	if err != nil {
		logger.Warn("stream private messages fetch failed", zap.Error(err))
		frame.markUnavailable("private_messages")
		return
	}
	frame.PrivateMessages = messages
}

func (d *Dispatcher) fetchKnocks(ctx context.Context, frame *Frame, request Request, logger *zap.Logger) {
	pending, err := d.knocks.ListPending(ctx, request.RoomID, rooms.Identity{UserID: request.UserID})
	if err != nil {
		logger.Warn("stream knocks fetch failed", zap.Error(err))
		frame.markUnavailable("knocks")
		return
	}
	frame.Knocks = pending
}

// fetchRoom loads the room and fills the co-watch state. A deleted room is not an error.
func (d *Dispatcher) fetchRoom(ctx context.Context, frame *Frame, request Request, logger *zap.Logger) (rooms.RoomView, bool) {
	room, err := d.rooms.Room(ctx, request.RoomID)
	if errors.Is(err, rooms.ErrRoomNotFound) {
		return rooms.RoomView{}, false
	}
	if err != nil {
		logger.Warn("stream room fetch failed", zap.Error(err))
		frame.markUnavailable("room")
		return rooms.RoomView{}, false
	}
	if room.YouTubeEnabled {
		state := room.YouTube()
		frame.YouTube = &state
	}
	return room.View(), true
}

func (d *Dispatcher) roomView(ctx context.Context, roomID int64) *rooms.RoomView {
	room, err := d.rooms.Room(ctx, roomID)
	if err != nil {
		return nil
	}
	view := room.View()
	return &view
}

func (d *Dispatcher) inactivity(membership rooms.Membership, room *rooms.RoomView) *InactivityStatus {
	idle := d.clock().Sub(membership.LastActivity)
	if idle < 0 {
		idle = 0
	}
	disconnect := d.thresholds.DisconnectTimeout(membership.IsHost)
	remaining := disconnect - idle
	if remaining < 0 {
		remaining = 0
	}
	status := &InactivityStatus{
		SecondsSinceActivity:     int64(idle / time.Second),
		AFKTimeoutSeconds:        int64(d.thresholds.AFKTimeout / time.Second),
		DisconnectTimeoutSeconds: int64(disconnect / time.Second),
		SecondsUntilDisconnect:   int64(remaining / time.Second),
		IsHost:                   membership.IsHost,
		IsAFK:                    membership.IsAFK,
	}
	if room != nil {
		status.Features = Features{
			YouTubeEnabled: room.YouTubeEnabled,
			AllowKnocking:  room.AllowKnocking,
			HasPassword:    room.HasPassword,
		}
	}
	return status
}

func (d *Dispatcher) sleepFor(hadEvents bool, emptyIterations int) time.Duration {
	switch {
	case hadEvents:
		return d.sleeps.Short
	case emptyIterations >= longSleepAfter:
		return d.sleeps.Long
	default:
		return d.sleeps.Medium
	}
}

// pause waits for the sleep, a wake-up signal, or cancellation. It reports false on
// cancellation.
func (d *Dispatcher) pause(ctx context.Context, wake <-chan events.Signal, duration time.Duration) bool {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-wake:
		return true
	case <-timer.C:
		return true
	}
}

func (d *Dispatcher) reconnect(emit Emitter, request Request, watermark int64, reason string) error {
	return emit(Frame{
		Type:         presence.FrameReconnect,
		ConnectionID: request.ConnectionID,
		LastEventID:  watermark,
		Reason:       reason,
	})
}

func positiveOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}
