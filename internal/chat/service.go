// Package chat implements presence-aware message fan-out and friend-graph synchronization
// on top of a durable store and the in-process session Registry.
package chat

import (
	"chatline/internal/protocol"
	"chatline/internal/storage"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Store is the durable state consumed by Service; *storage.Store implements it
type Store interface {
	CreateUser(ctx context.Context, username, avatarRef string) (storage.User, error)
	UserByID(ctx context.Context, id int64) (storage.User, error)
	UserByCode(ctx context.Context, code string) (storage.User, error)

	FriendIDs(ctx context.Context, user int64) ([]int64, error)
	Friends(ctx context.Context, user int64) ([]storage.User, error)
	AreFriends(ctx context.Context, a, b int64) (bool, error)

	CreateGroup(ctx context.Context, name string, owner int64, members []int64) (storage.Group, error)
	GroupMembers(ctx context.Context, group int64) ([]int64, error)
	GroupIDsByMember(ctx context.Context, user int64) ([]int64, error)

	CreateMessage(ctx context.Context, nm storage.NewMessage) (storage.Message, error)
	MessageByID(ctx context.Context, id int64) (storage.Message, error)
	History(ctx context.Context, q storage.HistoryQuery) ([]storage.Message, error)
	RecallMessage(ctx context.Context, id int64) (bool, error)
	MarkRead(ctx context.Context, reader, peer int64) (int64, error)

	CreateFriendRequest(ctx context.Context, requester, target int64) (storage.FriendRequest, error)
	PendingFriendRequest(ctx context.Context, requester, target int64) (storage.FriendRequest, error)
	PendingFriendRequestsTo(ctx context.Context, target int64) ([]storage.FriendRequest, error)
	AcceptFriendRequest(ctx context.Context, requester, target int64) error
	DeclineFriendRequest(ctx context.Context, requester, target int64) error
}

const identityLockStripes = 64

type Option interface {
	apply(*config)
}

type optionFunc func(c *config)

func (f optionFunc) apply(c *config) { f(c) }

type config struct {
	storeTimeout    time.Duration
	historyLimit    int
	maxHistoryLimit int
	maxTextLength   int
}

// StoreTimeout bounds every store call
func StoreTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.storeTimeout = d
	})
}

// HistoryLimits sets default and maximum history page size
func HistoryLimits(def, max int) Option {
	return optionFunc(func(c *config) {
		c.historyLimit = def
		c.maxHistoryLimit = max
	})
}

// MaxTextLength limits text message length in bytes
func MaxTextLength(n int) Option {
	return optionFunc(func(c *config) {
		c.maxTextLength = n
	})
}

// Service routes requests of live sessions to the store and fans events out through the Registry
type Service struct {
	logger   *zap.SugaredLogger
	store    Store
	registry *Registry
	cfg      config

	// serializes connect/disconnect and friend cache updates of one identity
	// so presence transitions are announced in order
	identityLocks [identityLockStripes]sync.Mutex
}

func NewService(logger *zap.SugaredLogger, store Store, registry *Registry, opts ...Option) *Service {
	cfg := config{
		storeTimeout:    5 * time.Second,
		historyLimit:    20,
		maxHistoryLimit: 100,
		maxTextLength:   4096,
	}
	for _, opt := range opts {
		opt.apply(&cfg)
	}

	return &Service{
		logger:   logger,
		store:    store,
		registry: registry,
		cfg:      cfg,
	}
}

func (s *Service) Registry() *Registry {
	return s.registry
}

func stripe(id int64) int64 {
	i := id % identityLockStripes
	if i < 0 {
		i = -i
	}
	return i
}

func (s *Service) identityLock(id int64) *sync.Mutex {
	return &s.identityLocks[stripe(id)]
}

// lockPair locks the identity locks of a and b in stripe order and returns the unlock func
func (s *Service) lockPair(a, b int64) func() {
	first, second := s.identityLock(a), s.identityLock(b)
	if first == second {
		first.Lock()
		return first.Unlock
	}
	if stripe(a) > stripe(b) {
		first, second = second, first
	}
	first.Lock()
	second.Lock()
	return func() {
		second.Unlock()
		first.Unlock()
	}
}

func (s *Service) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.storeTimeout)
}

// Connect resolves identity, registers a session and announces presence if it is the first one
func (s *Service) Connect(ctx context.Context, identity int64) (*Session, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	user, err := s.store.UserByID(ctx, identity)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotExist) {
			return nil, ErrUnauthenticated
		}
		return nil, persistence("load user", err)
	}

	// snapshots are read under the identity lock: a friendship accepted meanwhile either
	// lands in them or updates the registered session afterwards
	lock := s.identityLock(identity)
	lock.Lock()
	defer lock.Unlock()

	friends, err := s.store.FriendIDs(ctx, identity)
	if err != nil {
		return nil, persistence("load friends", err)
	}

	groups, err := s.store.GroupIDsByMember(ctx, identity)
	if err != nil {
		return nil, persistence("load groups", err)
	}

	sess, first := s.registry.Register(Identity{ID: user.ID, Name: user.Username, AvatarRef: user.AvatarRef}, friends, groups)
	if first {
		s.announceOnline(sess)
	}

	s.logger.Infof("User (id: %d) connected with session %s", identity, sess.ID)

	return sess, nil
}

// Disconnect unregisters session and announces offline when it was the last one.
// Calling it more than once is harmless.
func (s *Service) Disconnect(sess *Session) {
	lock := s.identityLock(sess.Identity.ID)
	lock.Lock()
	defer lock.Unlock()

	last, removed := s.registry.Unregister(sess)
	if !removed {
		return
	}
	if last {
		s.announceOffline(sess)
	}

	s.logger.Infof("User (id: %d) disconnected session %s", sess.Identity.ID, sess.ID)
}

// Reply sends event to one session only; a gone session is silently skipped
func (s *Service) Reply(sess *Session, requestID string, ev protocol.Event) bool {
	data, err := protocol.Encode(requestID, ev)
	if err != nil {
		s.logger.Errorf("Encoding %s event: %v", ev.EventType(), err)
		return false
	}
	return s.registry.SendTo(sess, data)
}

// publish encodes event once and queues it on every session of channels
func (s *Service) publish(ev protocol.Event, channels ...string) int {
	data, err := protocol.Encode("", ev)
	if err != nil {
		s.logger.Errorf("Encoding %s event: %v", ev.EventType(), err)
		return 0
	}
	n := s.registry.Publish(data, channels...)
	s.logger.Debugf("Published %s to %d channels, %d sessions reached", ev.EventType(), len(channels), n)
	return n
}

func personalChannels(ids []int64) []string {
	channels := make([]string, 0, len(ids))
	for _, id := range ids {
		channels = append(channels, PersonalChannel(id))
	}
	return channels
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
