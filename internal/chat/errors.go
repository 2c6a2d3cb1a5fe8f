package chat

import (
	"errors"
	"fmt"
)

var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrForbidden            = errors.New("not part of this conversation")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrTransientStore       = errors.New("message store unavailable")
	ErrInvalidCursor        = errors.New("invalid cursor")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrTransport            = errors.New("transport error")

	// ErrSenderNotParticipant is a more specific ErrForbidden.
	ErrSenderNotParticipant = fmt.Errorf("%w: sender is not a participant", ErrForbidden)
)

// transient wraps an infrastructure failure so callers can tell it apart
// from domain errors with errors.Is(err, ErrTransientStore).
func transient(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrTransientStore, op, err)
}
