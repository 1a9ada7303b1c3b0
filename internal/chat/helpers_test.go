package chat

import (
	"chatline/internal/storage"
	mytesting "chatline/internal/testing"
	"chatline/internal/testing/memstore"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
)

const quiet = 20 * time.Millisecond

type harness struct {
	t     *testing.T
	store *memstore.Store
	svc   *Service
}

func bootstrap(t *testing.T, opts ...Option) *harness {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	store := memstore.New()
	registry := NewRegistry(logger.Sugar(), 64)

	return &harness{
		t:     t,
		store: store,
		svc:   NewService(logger.Sugar(), store, registry, opts...),
	}
}

func (h *harness) user() storage.User {
	u, err := h.store.CreateUser(context.Background(), mytesting.RandString(), "/avatars/"+mytesting.RandString()+".png")
	require.NoError(h.t, err)
	return u
}

func (h *harness) befriend(a, b storage.User) {
	ctx := context.Background()
	_, err := h.store.CreateFriendRequest(ctx, a.ID, b.ID)
	require.NoError(h.t, err)
	require.NoError(h.t, h.store.AcceptFriendRequest(ctx, a.ID, b.ID))
}

func (h *harness) group(owner storage.User, members ...storage.User) storage.Group {
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	g, err := h.store.CreateGroup(context.Background(), mytesting.RandString(), owner.ID, ids)
	require.NoError(h.t, err)
	return g
}

func (h *harness) connect(u storage.User) *Session {
	sess, err := h.svc.Connect(context.Background(), u.ID)
	require.NoError(h.t, err)
	return sess
}

// frames drains everything queued for sess so far
func frames(sess *Session) [][]byte {
	return mytesting.Drain(sess.Outbound(), quiet)
}

func types(sess *Session) []string {
	return mytesting.EventTypes(frames(sess))
}

func data(t *testing.T, frame []byte) *fastjson.Value {
	v := mytesting.Field(frame, "data")
	require.NotNil(t, v, string(frame))
	return v
}
