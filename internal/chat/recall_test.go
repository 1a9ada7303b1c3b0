package chat

import (
	"chatline/internal/protocol"
	mytesting "chatline/internal/testing"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecallDirect(t *testing.T) {
	t.Parallel()

	h := bootstrap(t)
	a, b, c := h.user(), h.user(), h.user()
	h.befriend(a, b)
	h.befriend(a, c)
	sa, sb, sc := h.connect(a), h.connect(b), h.connect(c)

	m, err := h.svc.SendDirect(context.Background(), sa, b.ID, Body{Text: "oops"})
	require.NoError(t, err)
	for _, s := range []*Session{sa, sb, sc} {
		frames(s)
	}

	require.NoError(t, h.svc.Recall(context.Background(), sa, m.ID))

	for _, s := range []*Session{sa, sb} {
		got := frames(s)
		require.Equal(t, []string{protocol.TypeMessageRecalled}, mytesting.EventTypes(got))
		require.Equal(t, m.ID, data(t, got[0]).GetInt64("messageId"))
	}
	require.Empty(t, frames(sc))

	page, err := h.svc.LoadHistory(context.Background(), sb, Conversation{Kind: protocol.KindFriend, ID: a.ID}, 0, 0)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.True(t, page[0].Recalled)
	require.Empty(t, ToProtocol(page[0]).Text)
}

func TestRecallIdempotent(t *testing.T) {
	t.Parallel()

	h := bootstrap(t)
	a, b := h.user(), h.user()
	h.befriend(a, b)
	sa, sb := h.connect(a), h.connect(b)

	m, err := h.svc.SendDirect(context.Background(), sa, b.ID, Body{Text: "oops"})
	require.NoError(t, err)

	require.NoError(t, h.svc.Recall(context.Background(), sa, m.ID))
	frames(sb)

	require.NoError(t, h.svc.Recall(context.Background(), sa, m.ID))
	require.Empty(t, frames(sb))

	stored, err := h.store.MessageByID(context.Background(), m.ID)
	require.NoError(t, err)
	require.True(t, stored.Recalled)
}

func TestRecallForbidden(t *testing.T) {
	t.Parallel()

	h := bootstrap(t)
	a, b := h.user(), h.user()
	h.befriend(a, b)
	sa, sb := h.connect(a), h.connect(b)

	m, err := h.svc.SendDirect(context.Background(), sa, b.ID, Body{Text: "mine"})
	require.NoError(t, err)
	frames(sa)

	err = h.svc.Recall(context.Background(), sb, m.ID)
	require.True(t, errors.Is(err, ErrForbidden))
	require.Equal(t, protocol.ErrorCodeForbidden, ErrorCode(err))
	require.Empty(t, frames(sa))

	stored, err := h.store.MessageByID(context.Background(), m.ID)
	require.NoError(t, err)
	require.False(t, stored.Recalled)
}

func TestRecallNotFound(t *testing.T) {
	t.Parallel()

	h := bootstrap(t)
	sa := h.connect(h.user())

	require.True(t, errors.Is(h.svc.Recall(context.Background(), sa, 12345), ErrNotFound))
}

func TestRecallGroup(t *testing.T) {
	t.Parallel()

	h := bootstrap(t)
	a, b, outsider := h.user(), h.user(), h.user()
	g := h.group(a, b)
	sa, sb, so := h.connect(a), h.connect(b), h.connect(outsider)

	m, err := h.svc.SendGroup(context.Background(), sb, g.ID, Body{ImageRef: "/img/cat.png"})
	require.NoError(t, err)
	frames(sa)
	frames(sb)

	require.NoError(t, h.svc.Recall(context.Background(), sb, m.ID))
	require.Equal(t, []string{protocol.TypeMessageRecalled}, types(sa))
	require.Equal(t, []string{protocol.TypeMessageRecalled}, types(sb))
	require.Empty(t, frames(so))
}

func TestRecallPersistenceFailure(t *testing.T) {
	t.Parallel()

	h := bootstrap(t)
	a, b := h.user(), h.user()
	h.befriend(a, b)
	sa, sb := h.connect(a), h.connect(b)

	m, err := h.svc.SendDirect(context.Background(), sa, b.ID, Body{Text: "oops"})
	require.NoError(t, err)
	frames(sb)

	h.store.SetFail(errors.New("disk full"))
	err = h.svc.Recall(context.Background(), sa, m.ID)
	require.Equal(t, protocol.ErrorCodePersistence, ErrorCode(err))
	require.Empty(t, frames(sb))
}
