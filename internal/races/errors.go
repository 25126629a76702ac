package races

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrIllegalAction reports that the actor may not perform the action in the room's current state.
	ErrIllegalAction = errors.New("races: illegal action")
	// ErrVersionConflict reports that another mutation committed after the room was read.
	ErrVersionConflict = errors.New("races: version conflict")
	// ErrInvariantViolation reports a request that would break a room or entrant invariant.
	ErrInvariantViolation = errors.New("races: invariant violation")
	// ErrDependencyFailure reports a failed collaborator call made after a commit.
	ErrDependencyFailure = errors.New("races: dependency failure")
	// ErrNotFound reports an unknown category, room, entrant, or message.
	ErrNotFound = errors.New("races: not found")
	// ErrInvalidRequest reports malformed input. It is a client-side invariant violation.
	ErrInvalidRequest = fmt.Errorf("%w: invalid request", ErrInvariantViolation)
	// ErrRoomLimit reports that a regular user already has a room open.
	ErrRoomLimit = fmt.Errorf("%w: you can only have one open race room at a time", ErrIllegalAction)

	errMissingDatabase  = errors.New("database handle is required")
	errMissingDirectory = errors.New("category directory is required")
	noOpLogger          = zap.NewNop()
)

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

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "races.service.new"
	opCreateRoom      = "races.create_room"
	opPerformAction   = "races.perform_action"
	opEditRoom        = "races.edit_room"
	opPostMessage     = "races.post_message"
	opDeleteMessage   = "races.delete_message"
	opSnapshot        = "races.snapshot"
	opChatLog         = "races.chat_log"
	opListRooms       = "races.list_rooms"
	opCountdown       = "races.countdown"
	opRecoverPending  = "races.recover_countdowns"
	opRatingTrigger   = "races.rating_trigger"
	opViewerActions   = "races.viewer_actions"
	opPublishSnapshot = "races.publish_snapshot"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// reasonFor maps a taxonomy error onto the reason segment of a service error code.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrVersionConflict):
		return "version_conflict"
	case errors.Is(err, ErrIllegalAction):
		return "illegal_action"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	default:
		return "storage_failed"
	}
}
