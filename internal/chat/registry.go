package chat

import (
	"sort"
	"strconv"
	"sync"

	"github.com/rs/xid"
	"go.uber.org/zap"
)

// Identity is the authenticated owner of a session
type Identity struct {
	ID        int64
	Name      string
	AvatarRef string
}

// Session is one live connection of an identity.
// Its outbound queue is closed by Registry.Unregister.
type Session struct {
	ID       string
	Identity Identity

	send     chan []byte
	kick     chan struct{}
	kickOnce sync.Once

	mu      sync.RWMutex
	friends map[int64]struct{}

	// guarded by Registry.mu
	channels map[string]struct{}
	closed   bool
}

// Outbound returns queue of encoded frames to write to the connection
func (s *Session) Outbound() <-chan []byte {
	return s.send
}

// Kicked is closed when the registry wants the connection dropped
// (slow consumer or server shutdown)
func (s *Session) Kicked() <-chan struct{} {
	return s.kick
}

func (s *Session) kickOut() {
	s.kickOnce.Do(func() { close(s.kick) })
}

// IsFriend checks cached friend set
func (s *Session) IsFriend(id int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.friends[id]
	return ok
}

// Friends returns sorted snapshot of cached friend set
func (s *Session) Friends() []int64 {
	s.mu.RLock()
	ids := make([]int64, 0, len(s.friends))
	for id := range s.friends {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Session) addFriend(id int64) {
	s.mu.Lock()
	s.friends[id] = struct{}{}
	s.mu.Unlock()
}

// PersonalChannel returns name of the channel every session of identity joins
func PersonalChannel(identity int64) string {
	return "user:" + strconv.FormatInt(identity, 10)
}

// GroupChannel returns name of the channel joined by online members of group.
// Group messages and recalls are fanned out through personal channels of members read at
// send time, so the group channel only records which live sessions belong to the group.
func GroupChannel(group int64) string {
	return "group:" + strconv.FormatInt(group, 10)
}

// Registry tracks live sessions, their channel memberships and open session count per identity
type Registry struct {
	logger     *zap.SugaredLogger
	bufferSize int

	mu         sync.RWMutex
	sessions   map[string]*Session
	channels   map[string]map[*Session]struct{}
	identities map[int64]map[*Session]struct{}
}

// NewRegistry returns empty Registry; bufferSize bounds each session outbound queue
func NewRegistry(logger *zap.SugaredLogger, bufferSize int) *Registry {
	return &Registry{
		logger:     logger,
		bufferSize: bufferSize,
		sessions:   make(map[string]*Session),
		channels:   make(map[string]map[*Session]struct{}),
		identities: make(map[int64]map[*Session]struct{}),
	}
}

// Register creates session joined to the personal channel of identity and to a channel per group.
// first reports whether no other session of identity was open.
func (r *Registry) Register(identity Identity, friends, groups []int64) (s *Session, first bool) {
	s = &Session{
		ID:       xid.New().String(),
		Identity: identity,
		send:     make(chan []byte, r.bufferSize),
		kick:     make(chan struct{}),
		friends:  make(map[int64]struct{}, len(friends)),
		channels: make(map[string]struct{}, len(groups)+1),
	}
	for _, f := range friends {
		s.friends[f] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[s.ID] = s
	r.joinLocked(s, PersonalChannel(identity.ID))
	for _, g := range groups {
		r.joinLocked(s, GroupChannel(g))
	}

	open, ok := r.identities[identity.ID]
	if !ok {
		open = make(map[*Session]struct{})
		r.identities[identity.ID] = open
	}
	first = len(open) == 0
	open[s] = struct{}{}

	r.logger.Debugf("Session %s registered for user (id: %d), %d open", s.ID, identity.ID, len(open))

	return s, first
}

// Unregister removes session from every channel and closes its outbound queue.
// It is idempotent: removed is false when the session was already gone.
// last reports whether it was the final open session of its identity.
func (r *Registry) Unregister(s *Session) (last, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.closed {
		return false, false
	}
	s.closed = true

	delete(r.sessions, s.ID)
	for ch := range s.channels {
		members := r.channels[ch]
		delete(members, s)
		if len(members) == 0 {
			delete(r.channels, ch)
		}
	}
	s.channels = nil

	open := r.identities[s.Identity.ID]
	delete(open, s)
	if len(open) == 0 {
		delete(r.identities, s.Identity.ID)
		last = true
	}

	close(s.send)
	s.kickOut()

	r.logger.Debugf("Session %s unregistered for user (id: %d), %d open", s.ID, s.Identity.ID, len(open))

	return last, true
}

// UpdateFriendCache adds friend to every live session of identity and returns how many were updated
func (r *Registry) UpdateFriendCache(identity, friend int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	for s := range r.identities[identity] {
		s.addFriend(friend)
	}
	return len(r.identities[identity])
}

// JoinChannel joins every live session of identity to channel
func (r *Registry) JoinChannel(identity int64, channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	for s := range r.identities[identity] {
		r.joinLocked(s, channel)
	}
	return len(r.identities[identity])
}

func (r *Registry) joinLocked(s *Session, channel string) {
	members, ok := r.channels[channel]
	if !ok {
		members = make(map[*Session]struct{})
		r.channels[channel] = members
	}
	members[s] = struct{}{}
	s.channels[channel] = struct{}{}
}

// Publish queues data for every session joined to any of channels, once per session.
// Channels without members are skipped; it returns number of sessions reached.
func (r *Registry) Publish(data []byte, channels ...string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reached := make(map[*Session]struct{})
	for _, ch := range channels {
		for s := range r.channels[ch] {
			if _, ok := reached[s]; ok {
				continue
			}
			reached[s] = struct{}{}
			r.deliverLocked(s, data)
		}
	}
	return len(reached)
}

// SendTo queues data for a single session; false if the session is gone
func (r *Registry) SendTo(s *Session, data []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s.closed {
		return false
	}
	return r.deliverLocked(s, data)
}

// deliverLocked never blocks: a full queue drops the frame and kicks the slow session
func (r *Registry) deliverLocked(s *Session, data []byte) bool {
	select {
	case s.send <- data:
		return true
	default:
		r.logger.Warnf("Session %s of user (id: %d) outbound queue is full, dropping connection", s.ID, s.Identity.ID)
		s.kickOut()
		return false
	}
}

// Channels returns sorted channel names joined by s
func (r *Registry) Channels(s *Session) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// IsOnline reports whether identity has at least one live session
func (r *Registry) IsOnline(identity int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.identities[identity]) > 0
}

// SessionCount returns the number of live sessions
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// OnlineCount returns the number of identities with live sessions
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.identities)
}

// CloseAll asks every live connection to terminate
func (r *Registry) CloseAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.sessions {
		s.kickOut()
	}
}
