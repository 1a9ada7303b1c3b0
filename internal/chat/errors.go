package chat

import (
	"chatline/internal/protocol"
	"context"
	"errors"
	"fmt"
)

var (
	ErrUnauthenticated  = errors.New("identity cannot be resolved")
	ErrNotFriend        = errors.New("recipient is not a friend")
	ErrNotMember        = errors.New("not a group member")
	ErrNotFound         = errors.New("not found")
	ErrForbidden        = errors.New("forbidden")
	ErrDuplicateRequest = errors.New("pending friend request already exists")
	ErrAlreadyFriends   = errors.New("already friends")
	ErrSelfRequest      = errors.New("cannot send friend request to yourself")
	ErrInvalidBody      = errors.New("message must have exactly one of text and image reference")
)

// PersistenceError reports a failed or timed out store call.
// Operations failing with it have not broadcast anything.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return fmt.Sprintf("%s: store timeout", e.Op)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistence(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

// ErrorCode maps err to a protocol error code
func ErrorCode(err error) string {
	var pe *PersistenceError
	switch {
	case errors.As(err, &pe):
		return protocol.ErrorCodePersistence
	case errors.Is(err, protocol.ErrInvalidMessage), errors.Is(err, ErrInvalidBody):
		return protocol.ErrorCodeInvalidMessage
	case errors.Is(err, ErrUnauthenticated):
		return protocol.ErrorCodeUnauthenticated
	case errors.Is(err, ErrNotFriend):
		return protocol.ErrorCodeNotFriend
	case errors.Is(err, ErrNotMember):
		return protocol.ErrorCodeNotMember
	case errors.Is(err, ErrNotFound):
		return protocol.ErrorCodeNotFound
	case errors.Is(err, ErrForbidden):
		return protocol.ErrorCodeForbidden
	case errors.Is(err, ErrDuplicateRequest):
		return protocol.ErrorCodeDuplicate
	case errors.Is(err, ErrAlreadyFriends):
		return protocol.ErrorCodeAlreadyFriends
	case errors.Is(err, ErrSelfRequest):
		return protocol.ErrorCodeSelfRequest
	default:
		return protocol.ErrorCodeInternal
	}
}
