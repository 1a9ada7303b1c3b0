package chat

import (
	"chatline/internal/protocol"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		code string
	}{
		{ErrUnauthenticated, protocol.ErrorCodeUnauthenticated},
		{ErrNotFriend, protocol.ErrorCodeNotFriend},
		{ErrNotMember, protocol.ErrorCodeNotMember},
		{fmt.Errorf("load: %w", ErrNotFound), protocol.ErrorCodeNotFound},
		{ErrForbidden, protocol.ErrorCodeForbidden},
		{ErrDuplicateRequest, protocol.ErrorCodeDuplicate},
		{ErrAlreadyFriends, protocol.ErrorCodeAlreadyFriends},
		{ErrSelfRequest, protocol.ErrorCodeSelfRequest},
		{ErrInvalidBody, protocol.ErrorCodeInvalidMessage},
		{&protocol.DecodeError{Reason: "bad"}, protocol.ErrorCodeInvalidMessage},
		{persistence("op", errors.New("boom")), protocol.ErrorCodePersistence},
		{errors.New("boom"), protocol.ErrorCodeInternal},
	}
	for _, tt := range tests {
		require.Equal(t, tt.code, ErrorCode(tt.err), tt.err.Error())
	}
}

func TestPersistenceErrorMessage(t *testing.T) {
	t.Parallel()

	err := persistence("create message", context.DeadlineExceeded)
	require.Equal(t, "create message: store timeout", err.Error())
	require.True(t, errors.Is(err, context.DeadlineExceeded))

	err = persistence("create message", errors.New("conn refused"))
	require.Equal(t, "create message: conn refused", err.Error())
}
