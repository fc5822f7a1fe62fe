package session

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

var (
	ErrInvalidJoinRequest  = errors.New("invalid_join_request")
	ErrUnknownConnection   = errors.New("unknown_connection")
	ErrDuplicateConnection = errors.New("duplicate_connection")
	ErrAlreadyInRoom       = errors.New("already_in_room")
	ErrNotJoined           = errors.New("not_joined")
	ErrNotActive           = errors.New("not_active")
	ErrRoomMismatch        = errors.New("room_mismatch")
	ErrConnectionClosed    = errors.New("connection_closed")
	ErrSlowConsumer        = errors.New("slow_consumer")
)

// BroadcastError reports recipients that could not be reached. Delivery to the
// other recipients of the same event has already happened when it is returned.
type BroadcastError struct {
	Event  string
	Failed []string
	Err    error
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("broadcast %s: %d recipient(s) failed [%s]: %v",
		e.Event, len(e.Failed), strings.Join(e.Failed, ","), e.Err)
}

func (e *BroadcastError) Unwrap() []error { return multierr.Errors(e.Err) }

// Code maps an error to the stable machine code sent in error frames.
func Code(err error) string {
	for _, known := range []error{
		ErrInvalidJoinRequest, ErrUnknownConnection, ErrDuplicateConnection,
		ErrAlreadyInRoom, ErrNotJoined, ErrNotActive, ErrRoomMismatch,
		ErrConnectionClosed,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "internal_error"
}
