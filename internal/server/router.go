package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/duranu/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/knocks"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/rooms"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/stream"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/sweeper"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	userIDContextKey   = "duranu_user_id"
	identityContextKey = "duranu_identity"

	defaultPrivateMessageLimit = 50
	ndjsonContentType          = "application/x-ndjson"
)

var (
	errMissingRoomsService  = errors.New("rooms service dependency required")
	errMissingKnocksService = errors.New("knocks service dependency required")
	errMissingDispatcher    = errors.New("stream dispatcher dependency required")
	errMissingSweeper       = errors.New("sweeper dependency required")
	errMissingSessions      = errors.New("session validator dependency required")
)

// SessionValidator authenticates requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// SweepTrigger runs an on-demand sweep.
type SweepTrigger interface {
	TrySweep(ctx context.Context) (sweeper.Summary, error)
}

// Dependencies are the collaborators the HTTP surface routes to.
type Dependencies struct {
	Rooms       *rooms.Service
	Knocks      *knocks.Service
	Dispatcher  *stream.Dispatcher
	Sweeper     SweepTrigger
	Sessions    SessionValidator
	RateLimiter *RateLimiter
	Logger      *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Rooms == nil {
		return nil, errMissingRoomsService
	}
	if deps.Knocks == nil {
		return nil, errMissingKnocksService
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	if deps.Sweeper == nil {
		return nil, errMissingSweeper
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		rooms:      deps.Rooms,
		knocks:     deps.Knocks,
		dispatcher: deps.Dispatcher,
		sweeper:    deps.Sweeper,
		sessions:   deps.Sessions,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/rooms/:room_id/stream", handler.handleStream)

	limited := protected.Group("/")
	if deps.RateLimiter != nil {
		limited.Use(deps.RateLimiter.Middleware())
	}
	limited.POST("/rooms", handler.handleCreateRoom)
	limited.POST("/rooms/:room_id/join", handler.handleJoin)
	limited.POST("/rooms/:room_id/leave", handler.handleLeave)
	limited.POST("/rooms/:room_id/activity", handler.handleActivity)
	limited.GET("/rooms/:room_id/status", handler.handleStatus)
	limited.GET("/rooms/:room_id/members", handler.handleMembers)
	limited.POST("/rooms/:room_id/messages", handler.handleSendMessage)
	limited.POST("/rooms/:room_id/kick", handler.handleKick)
	limited.POST("/rooms/:room_id/ban", handler.handleBan)
	limited.POST("/rooms/:room_id/youtube", handler.handleYouTube)
	limited.POST("/rooms/:room_id/settings", handler.handleSettings)
	limited.GET("/rooms/:room_id/knocks", handler.handleListKnocks)
	limited.POST("/rooms/:room_id/knocks", handler.handleCreateKnock)
	limited.POST("/rooms/:room_id/knocks/respond", handler.handleRespondKnock)
	limited.GET("/rooms/:room_id/knocks/:knock_id", handler.handleGetKnock)
	limited.POST("/private-messages", handler.handlePrivateMessage)
	limited.GET("/private-messages", handler.handleListPrivateMessages)
	limited.GET("/presence/online", handler.handleOnlineUsers)
	limited.POST("/presence/sweep", handler.handleSweep)

	return router, nil
}

// corsMiddleware echoes the caller's origin so browsers send the session cookie.
func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	rooms      *rooms.Service
	knocks     *knocks.Service
	dispatcher *stream.Dispatcher
	sweeper    SweepTrigger
	sessions   SessionValidator
	logger     *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingSessionToken):
		case errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("token validation failed", zap.Error(err))
		default:
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		respondFailure(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Set(identityContextKey, claims.Identity(c.ClientIP()))
	c.Next()
}

func identityFrom(c *gin.Context) rooms.Identity {
	value, _ := c.Get(identityContextKey)
	identity, _ := value.(rooms.Identity)
	return identity
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		respondFailure(c, http.StatusBadRequest, "invalid_"+name)
		return 0, false
	}
	return id, true
}

func bindJSON(c *gin.Context, target any) bool {
	if err := c.ShouldBindJSON(target); err != nil {
		respondFailure(c, http.StatusBadRequest, "invalid_request")
		return false
	}
	return true
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	respondSuccess(c, nil)
}

type createRoomPayload struct {
	Name           string `json:"name"`
	Description    string `json:"description"`
	Password       string `json:"password"`
	AllowKnocking  bool   `json:"allow_knocking"`
	YouTubeEnabled bool   `json:"youtube_enabled"`
}

func (h *httpHandler) handleCreateRoom(c *gin.Context) {
	var request createRoomPayload
	if !bindJSON(c, &request) {
		return
	}
	room, membership, err := h.rooms.CreateRoom(c.Request.Context(), identityFrom(c), rooms.CreateRoomInput{
		Name:           request.Name,
		Description:    request.Description,
		Password:       request.Password,
		AllowKnocking:  request.AllowKnocking,
		YouTubeEnabled: request.YouTubeEnabled,
	})
	if err != nil {
		h.respondError(c, "create_room", err)
		return
	}
	respondSuccess(c, gin.H{"room": room.View(), "membership": membership})
}

type joinPayload struct {
	Password string `json:"password"`
}

func (h *httpHandler) handleJoin(c *gin.Context) {
	roomID, ok := pathID(c, "room_id")
	if !ok {
		return
	}
	var request joinPayload
	if c.Request.ContentLength != 0 && !bindJSON(c, &request) {
		return
	}
	result, err := h.rooms.Join(c.Request.Context(), roomID, identityFrom(c), request.Password)
	if err != nil {
		h.respondError(c, "join", err)
		return
	}
	respondSuccess(c, gin.H{
		"room":           result.Room.View(),
		"membership":     result.Membership,
		"already_member": result.AlreadyMember,
		"used_key":       result.UsedKey,
	})
}

func removalFields(outcome rooms.RemovalOutcome) gin.H {
	return gin.H{
		"removed":          outcome.Removed,
		"host_transferred": outcome.HostTransferred,
		"room_deleted":     outcome.RoomDeleted,
		"new_host_user_id": outcome.NewHostUserID,
	}
}

func (h *httpHandler) handleLeave(c *gin.Context) {
	roomID, ok := pathID(c, "room_id")
	if !ok {
		return
	}
	outcome, err := h.rooms.Leave(c.Request.Context(), roomID, identityFrom(c))
	if err != nil {
		h.respondError(c, "leave", err)
		return
	}
	respondSuccess(c, removalFields(outcome))
}

type activityPayload struct {
	ActivityType string `json:"activity_type"`
}

// handleActivity answers not_in_room as an application status so trackers stop without
// treating it as a transport failure.
func (h *httpHandler) handleActivity(c *gin.Context) {
	roomID, ok := pathID(c, "room_id")
	if !ok {
		return
	}
	var request activityPayload
	if !bindJSON(c, &request) {
		return
	}
	recordedAt, err := h.rooms.RecordActivity(c.Request.Context(), roomID, identityFrom(c), request.ActivityType)
	if errors.Is(err, rooms.ErrNotInRoom) {
		c.JSON(http.StatusOK, gin.H{"status": presence.StatusNotInRoom, "message": "not_in_room"})
		return
	}
	if err != nil {
		h.respondError(c, "activity", err)
		return
	}
	respondSuccess(c, gin.H{"timestamp": recordedAt})
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	roomID, ok := pathID(c, "room_id")
	if !ok {
		return
	}
	report, err := h.rooms.Status(c.Request.Context(), roomID, c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, "status", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *httpHandler) handleMembers(c *gin.Context) {
	roomID, ok := pathID(c, "room_id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := h.rooms.Membership(ctx, roomID, c.GetString(userIDContextKey)); err != nil {
		h.respondError(c, "members", err)
		return
	}
	members, err := h.rooms.ListMembers(ctx, roomID)
	if err != nil {
		h.respondError(c, "members", err)
		return
	}
	respondSuccess(c, gin.H{"users": members})
}

type messagePayload struct {
	Message   string `json:"message"`
	WhisperTo string `json:"whisper_to"`
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	roomID, ok := pathID(c, "room_id")
	if !ok {
		return
	}
	var request messagePayload
	if !bindJSON(c, &request) {
		return
	}
	message, err := h.rooms.SendMessage(c.Request.Context(), roomID, identityFrom(c), request.Message, request.WhisperTo)
	if err != nil {
		h.respondError(c, "send_message", err)
		return
	}
	respondSuccess(c, gin.H{"message": message})
}

type moderationPayload struct {
	UserID          string `json:"user_id"`
	Reason          string `json:"reason"`
	DurationMinutes int    `json:"duration_minutes"`
}

func (h *httpHandler) handleKick(c *gin.Context) {
	roomID, ok := pathID(c, "room_id")
	if !ok {
		return
	}
	var request moderationPayload
	if !bindJSON(c, &request) || !requireUserID(c, request.UserID) {
		return
	}
	outcome, err := h.rooms.Kick(c.Request.Context(), roomID, identityFrom(c), request.UserID, request.Reason)
	if err != nil {
		h.respondError(c, "kick", err)
		return
	}
	respondSuccess(c, removalFields(outcome))
}

func (h *httpHandler) handleBan(c *gin.Context) {
	roomID, ok := pathID(c, "room_id")
	if !ok {
		return
	}
	var request moderationPayload
	if !bindJSON(c, &request) || !requireUserID(c, request.UserID) {
		return
	}
	if request.DurationMinutes < 0 {
		respondFailure(c, http.StatusBadRequest, "invalid_duration")
		return
	}
	duration := time.Duration(request.DurationMinutes) * time.Minute
	outcome, err := h.rooms.Ban(c.Request.Context(), roomID, identityFrom(c), request.UserID, request.Reason, duration)
	if err != nil {
		h.respondError(c, "ban", err)
		return
	}
	respondSuccess(c, removalFields(outcome))
}

func requireUserID(c *gin.Context, userID string) bool {
	if strings.TrimSpace(userID) == "" {
		respondFailure(c, http.StatusBadRequest, "user_id_required")
		return false
	}
	return true
}

type youTubePayload struct {
	VideoID         string  `json:"video_id"`
	PositionSeconds float64 `json:"position_s"`
	Playing         bool    `json:"playing"`
}

func (h *httpHandler) handleYouTube(c *gin.Context) {
	roomID, ok := pathID(c, "room_id")
	if !ok {
		return
	}
	var request youTubePayload
	if !bindJSON(c, &request) {
		return
	}
	state, err := h.rooms.UpdateYouTube(c.Request.Context(), roomID, identityFrom(c), rooms.YouTubeState{
		VideoID:         request.VideoID,
		PositionSeconds: request.PositionSeconds,
		Playing:         request.Playing,
	})
	if err != nil {
		h.respondError(c, "youtube", err)
		return
	}
	respondSuccess(c, gin.H{"youtube": state})
}

type settingsPayload struct {
	Description    *string `json:"description"`
	Password       *string `json:"password"`
	AllowKnocking  *bool   `json:"allow_knocking"`
	YouTubeEnabled *bool   `json:"youtube_enabled"`
}

func (h *httpHandler) handleSettings(c *gin.Context) {
	roomID, ok := pathID(c, "room_id")
	if !ok {
		return
	}
	var request settingsPayload
	if !bindJSON(c, &request) {
		return
	}
	room, err := h.rooms.UpdateSettings(c.Request.Context(), roomID, identityFrom(c), rooms.SettingsUpdate{
		Description:    request.Description,
		Password:       request.Password,
		AllowKnocking:  request.AllowKnocking,
		YouTubeEnabled: request.YouTubeEnabled,
	})
	if err != nil {
		h.respondError(c, "settings", err)
		return
	}
	respondSuccess(c, gin.H{"room": room.View()})
}

func (h *httpHandler) handleListKnocks(c *gin.Context) {
	roomID, ok := pathID(c, "room_id")
	if !ok {
		return
	}
	pending, err := h.knocks.ListPending(c.Request.Context(), roomID, identityFrom(c))
	if err != nil {
		h.respondError(c, "list_knocks", err)
		return
	}
	respondSuccess(c, gin.H{"knocks": pending})
}

func (h *httpHandler) handleCreateKnock(c *gin.Context) {
	roomID, ok := pathID(c, "room_id")
	if !ok {
		return
	}
	knock, created, err := h.knocks.Create(c.Request.Context(), roomID, identityFrom(c))
	if err != nil {
		h.respondError(c, "create_knock", err)
		return
	}
	respondSuccess(c, gin.H{"knock": knock, "created": created})
}

type knockResponsePayload struct {
	KnockID  int64  `json:"knock_id"`
	Response string `json:"response"`
}

func (h *httpHandler) handleRespondKnock(c *gin.Context) {
	roomID, ok := pathID(c, "room_id")
	if !ok {
		return
	}
	var request knockResponsePayload
	if !bindJSON(c, &request) {
		return
	}
	var accept bool
	switch strings.ToLower(strings.TrimSpace(request.Response)) {
	case string(knocks.StatusAccepted):
		accept = true
	case string(knocks.StatusDenied):
		accept = false
	default:
		respondFailure(c, http.StatusBadRequest, "invalid_response")
		return
	}
	ctx := c.Request.Context()
	caller := identityFrom(c)
	knock, err := h.knocks.Get(ctx, request.KnockID, caller)
	if err == nil && knock.RoomID != roomID {
		err = knocks.ErrKnockNotFound
	}
	if err != nil {
		h.respondError(c, "respond_knock", err)
		return
	}
	knock, key, err := h.knocks.Respond(ctx, request.KnockID, caller, accept)
	if err != nil {
		h.respondError(c, "respond_knock", err)
		return
	}
	fields := gin.H{"knock": knock, "message": "knock_" + string(knock.Status)}
	if key != nil {
		fields["key_expires_at"] = key.ExpiresAt
	}
	respondSuccess(c, fields)
}

func (h *httpHandler) handleGetKnock(c *gin.Context) {
	roomID, ok := pathID(c, "room_id")
	if !ok {
		return
	}
	knockID, ok := pathID(c, "knock_id")
	if !ok {
		return
	}
	knock, err := h.knocks.Get(c.Request.Context(), knockID, identityFrom(c))
	if err == nil && knock.RoomID != roomID {
		err = knocks.ErrKnockNotFound
	}
	if err != nil {
		h.respondError(c, "get_knock", err)
		return
	}
	respondSuccess(c, gin.H{"knock": knock})
}

type privateMessagePayload struct {
	RecipientUserID string `json:"recipient_user_id"`
	Message         string `json:"message"`
}

func (h *httpHandler) handlePrivateMessage(c *gin.Context) {
	var request privateMessagePayload
	if !bindJSON(c, &request) || !requireUserID(c, request.RecipientUserID) {
		return
	}
	message, err := h.rooms.SendPrivateMessage(c.Request.Context(), identityFrom(c), request.RecipientUserID, request.Message)
	if err != nil {
		h.respondError(c, "private_message", err)
		return
	}
	respondSuccess(c, gin.H{"message": message})
}

func (h *httpHandler) handleListPrivateMessages(c *gin.Context) {
	messages, err := h.rooms.PrivateMessages(c.Request.Context(), c.GetString(userIDContextKey), defaultPrivateMessageLimit)
	if err != nil {
		h.respondError(c, "private_messages", err)
		return
	}
	respondSuccess(c, gin.H{"messages": messages})
}

func (h *httpHandler) handleOnlineUsers(c *gin.Context) {
	users, err := h.rooms.ListOnlineUsers(c.Request.Context())
	if err != nil {
		h.respondError(c, "online_users", err)
		return
	}
	respondSuccess(c, gin.H{"users": users})
}

func (h *httpHandler) handleSweep(c *gin.Context) {
	if !identityFrom(c).Staff() {
		respondFailure(c, http.StatusForbidden, "staff_required")
		return
	}
	summary, err := h.sweeper.TrySweep(c.Request.Context())
	if err != nil {
		h.respondError(c, "sweep", err)
		return
	}
	respondSuccess(c, gin.H{"summary": summary})
}

// handleStream serves one bounded NDJSON long-poll. Frames are flushed as they are
// produced; the final frame is always a reconnect unless the client went away.
func (h *httpHandler) handleStream(c *gin.Context) {
	roomID, ok := pathID(c, "room_id")
	if !ok {
		return
	}
	var lastEventID int64
	if raw := c.Query("last_event_id"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			respondFailure(c, http.StatusBadRequest, "invalid_last_event_id")
			return
		}
		lastEventID = parsed
	}
	connectionID, err := uuid.NewV7()
	if err != nil {
		h.respondError(c, "stream", err)
		return
	}

	c.Header("Content-Type", ndjsonContentType)
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	encoder := json.NewEncoder(c.Writer)
	emit := func(frame stream.Frame) error {
		if err := encoder.Encode(frame); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	}
	request := stream.Request{
		RoomID:       roomID,
		UserID:       c.GetString(userIDContextKey),
		LastEventID:  lastEventID,
		ConnectionID: connectionID.String(),
	}
	if err := h.dispatcher.Serve(c.Request.Context(), request, emit); err != nil {
		if !c.Writer.Written() {
			c.Writer.Header().Del("Content-Type")
			h.respondError(c, "stream", err)
			return
		}
		h.logger.Warn("stream ended early",
			zap.Int64("room_id", roomID),
			zap.String("connection_id", request.ConnectionID),
			zap.Error(err))
	}
}
