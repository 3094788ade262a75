package message

import "errors"

// Sentinel errors for the message service layer.
var (
	ErrGroupNotFound    = errors.New("group not found")
	ErrGroupInactive    = errors.New("group is not active")
	ErrMessageNotFound  = errors.New("message not found")
	ErrNotCancellable   = errors.New("message is not in a cancellable state")
	ErrNoActiveProfile  = errors.New("no active profile available")
	ErrPastScheduleTime = errors.New("scheduled_at must be in the future")
)
