package rooms

import (
	"errors"
	"fmt"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingEvents   = errors.New("event log is required")

	// ErrRoomNotFound indicates the room does not exist (or was deleted).
	ErrRoomNotFound = errors.New("rooms: room not found")
	// ErrNotInRoom indicates the caller (or target) has no membership in the room.
	ErrNotInRoom = errors.New("rooms: not in room")
	// ErrNotHost indicates the caller lacks host or staff capability for the room.
	ErrNotHost = errors.New("rooms: host capability required")
	// ErrBanned indicates an active ban for the caller.
	ErrBanned = errors.New("rooms: banned from room")
	// ErrPasswordRequired indicates entry needs the room password.
	ErrPasswordRequired = errors.New("rooms: password required")
	// ErrInvalidPassword indicates the supplied password did not match.
	ErrInvalidPassword = errors.New("rooms: invalid password")
	// ErrKnockRequired indicates entry needs a password or an accepted knock.
	ErrKnockRequired = errors.New("rooms: password or knock required")
	// ErrInvalidActivityType indicates an activity type outside the allow-list.
	ErrInvalidActivityType = errors.New("rooms: invalid activity type")
	// ErrEmptyMessage indicates a message with no content after sanitizing.
	ErrEmptyMessage = errors.New("rooms: empty message")
	// ErrMessageTooLong indicates a message above the length cap.
	ErrMessageTooLong = errors.New("rooms: message too long")
	// ErrRecipientNotFound indicates a whisper or private message target is absent.
	ErrRecipientNotFound = errors.New("rooms: recipient not found")
	// ErrCannotTargetSelf indicates a moderation action aimed at the caller.
	ErrCannotTargetSelf = errors.New("rooms: cannot target self")
	// ErrInvalidRoomName indicates an empty or oversized room name.
	ErrInvalidRoomName = errors.New("rooms: invalid room name")
	// ErrFeatureDisabled indicates the room has the requested feature switched off.
	ErrFeatureDisabled = errors.New("rooms: feature disabled")
	// ErrInvalidYouTubeState indicates an unusable sync-state payload.
	ErrInvalidYouTubeState = errors.New("rooms: invalid youtube state")
)

// ServiceError carries a dotted operation.reason code and the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
