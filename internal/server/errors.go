package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/duranu/backend/internal/knocks"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/rooms"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/sweeper"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

type errorMapping struct {
	target  error
	status  int
	message string
}

var errorMappings = []errorMapping{
	{rooms.ErrRoomNotFound, http.StatusNotFound, "room_not_found"},
	{rooms.ErrNotInRoom, http.StatusForbidden, "not_in_room"},
	{rooms.ErrNotHost, http.StatusForbidden, "host_required"},
	{rooms.ErrBanned, http.StatusForbidden, "banned"},
	{rooms.ErrPasswordRequired, http.StatusUnauthorized, "password_required"},
	{rooms.ErrInvalidPassword, http.StatusUnauthorized, "invalid_password"},
	{rooms.ErrKnockRequired, http.StatusUnauthorized, "knock_required"},
	{rooms.ErrInvalidActivityType, http.StatusBadRequest, "invalid_activity_type"},
	{rooms.ErrEmptyMessage, http.StatusBadRequest, "empty_message"},
	{rooms.ErrMessageTooLong, http.StatusBadRequest, "message_too_long"},
	{rooms.ErrRecipientNotFound, http.StatusNotFound, "recipient_not_found"},
	{rooms.ErrCannotTargetSelf, http.StatusBadRequest, "cannot_target_self"},
	{rooms.ErrInvalidRoomName, http.StatusBadRequest, "invalid_room_name"},
	{rooms.ErrFeatureDisabled, http.StatusConflict, "feature_disabled"},
	{rooms.ErrInvalidYouTubeState, http.StatusBadRequest, "invalid_youtube_state"},
	{knocks.ErrKnockNotFound, http.StatusNotFound, "knock_not_found"},
	{knocks.ErrKnockAlreadyHandled, http.StatusConflict, "knock_already_handled"},
	{knocks.ErrKnockExpired, http.StatusConflict, "knock_expired"},
	{knocks.ErrKnockNotNeeded, http.StatusConflict, "knock_not_needed"},
	{knocks.ErrKnockingDisabled, http.StatusConflict, "knocking_disabled"},
	{knocks.ErrAlreadyMember, http.StatusConflict, "already_member"},
	{knocks.ErrKeyAlreadyGranted, http.StatusConflict, "key_already_granted"},
	{sweeper.ErrSweepInProgress, http.StatusConflict, "sweep_in_progress"},
}

func respondSuccess(c *gin.Context, fields gin.H) {
	body := gin.H{"status": statusSuccess}
	for key, value := range fields {
		body[key] = value
	}
	c.JSON(http.StatusOK, body)
}

func respondFailure(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"status": statusError, "message": message})
}

// respondError maps domain failures onto the envelope. Unknown failures are logged and
// reported without detail.
func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			respondFailure(c, mapping.status, mapping.message)
			return
		}
	}
	h.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
	respondFailure(c, http.StatusInternalServerError, "internal_error")
}
