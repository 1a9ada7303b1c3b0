// Package memstore is an in-memory stand-in for storage.Store used by tests.
// It reproduces the store's sentinel errors, ordering and pending-pair uniqueness.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"chatline/internal/storage"
)

type friendKey struct{ user, friend int64 }

type Store struct {
	mu sync.Mutex

	fail  error
	delay time.Duration
	// Tick is added to the clock for every created row; zero produces equal timestamps
	Tick time.Duration

	now      time.Time
	nextID   int64
	users    map[int64]storage.User
	friends  map[friendKey]struct{}
	groups   map[int64]storage.Group
	messages map[int64]storage.Message
	requests []storage.FriendRequest
}

func New() *Store {
	return &Store{
		Tick:     time.Millisecond,
		now:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		users:    make(map[int64]storage.User),
		friends:  make(map[friendKey]struct{}),
		groups:   make(map[int64]storage.Group),
		messages: make(map[int64]storage.Message),
	}
}

// enter waits the configured delay, reports the configured failure and locks the store
func (s *Store) enter(ctx context.Context) error {
	s.mu.Lock()
	delay, fail := s.delay, s.fail
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail != nil {
		return fail
	}
	s.mu.Lock()
	return nil
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *Store) tick() time.Time {
	s.now = s.now.Add(s.Tick)
	return s.now
}

func (s *Store) CreateUser(ctx context.Context, username, avatarRef string) (storage.User, error) {
	if err := s.enter(ctx); err != nil {
		return storage.User{}, err
	}
	defer s.mu.Unlock()

	id := s.id()
	u := storage.User{ID: id, Username: username, AvatarRef: avatarRef, Code: fmt.Sprintf("U%08X", id), CreatedAt: s.tick()}
	s.users[id] = u
	return u, nil
}

func (s *Store) UserByID(ctx context.Context, id int64) (storage.User, error) {
	if err := s.enter(ctx); err != nil {
		return storage.User{}, err
	}
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return storage.User{}, storage.ErrUserNotExist
	}
	return u, nil
}

func (s *Store) UserByCode(ctx context.Context, code string) (storage.User, error) {
	if err := s.enter(ctx); err != nil {
		return storage.User{}, err
	}
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Code == code {
			return u, nil
		}
	}
	return storage.User{}, storage.ErrUserNotExist
}

func (s *Store) FriendIDs(ctx context.Context, user int64) ([]int64, error) {
	if err := s.enter(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	ids := []int64{}
	for k := range s.friends {
		if k.user == user {
			ids = append(ids, k.friend)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) Friends(ctx context.Context, user int64) ([]storage.User, error) {
	ids, err := s.FriendIDs(ctx, user)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]storage.User, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.users[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *Store) AreFriends(ctx context.Context, a, b int64) (bool, error) {
	if err := s.enter(ctx); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	_, ok := s.friends[friendKey{a, b}]
	return ok, nil
}

func (s *Store) CreateGroup(ctx context.Context, name string, owner int64, members []int64) (storage.Group, error) {
	if err := s.enter(ctx); err != nil {
		return storage.Group{}, err
	}
	defer s.mu.Unlock()

	if _, ok := s.users[owner]; !ok {
		return storage.Group{}, storage.ErrUserNotExist
	}

	g := storage.Group{ID: s.id(), Name: name, OwnerID: owner, AvatarRef: "/default-group.png", CreatedAt: s.tick()}
	seen := map[int64]bool{}
	for _, m := range append([]int64{owner}, members...) {
		if _, ok := s.users[m]; !ok {
			return storage.Group{}, storage.ErrGroupBadUsers
		}
		if !seen[m] {
			seen[m] = true
			g.Members = append(g.Members, m)
		}
	}
	s.groups[g.ID] = g
	return g, nil
}

// SetGroupMembers replaces membership, standing in for the external group CRUD
func (s *Store) SetGroupMembers(group int64, members []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.groups[group]
	g.Members = append([]int64(nil), members...)
	s.groups[group] = g
}

func (s *Store) GroupMembers(ctx context.Context, group int64) ([]int64, error) {
	if err := s.enter(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	g, ok := s.groups[group]
	if !ok {
		return nil, storage.ErrGroupNotExist
	}
	members := append([]int64{}, g.Members...)
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members, nil
}

func (s *Store) GroupIDsByMember(ctx context.Context, user int64) ([]int64, error) {
	if err := s.enter(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	ids := []int64{}
	for _, g := range s.groups {
		for _, m := range g.Members {
			if m == user {
				ids = append(ids, g.ID)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) CreateMessage(ctx context.Context, nm storage.NewMessage) (storage.Message, error) {
	if err := s.enter(ctx); err != nil {
		return storage.Message{}, err
	}
	defer s.mu.Unlock()

	if (nm.RecipientID == 0) == (nm.GroupID == 0) || (nm.Text == "") == (nm.ImageRef == "") {
		return storage.Message{}, storage.ErrMessageMalformed
	}
	if _, ok := s.users[nm.SenderID]; !ok {
		return storage.Message{}, storage.ErrUserNotExist
	}
	if _, ok := s.users[nm.RecipientID]; nm.RecipientID != 0 && !ok {
		return storage.Message{}, storage.ErrMessageBadTarget
	}
	if _, ok := s.groups[nm.GroupID]; nm.GroupID != 0 && !ok {
		return storage.Message{}, storage.ErrMessageBadTarget
	}

	m := storage.Message{
		ID:          s.id(),
		SenderID:    nm.SenderID,
		RecipientID: nm.RecipientID,
		GroupID:     nm.GroupID,
		Text:        nm.Text,
		ImageRef:    nm.ImageRef,
		CreatedAt:   s.tick(),
	}
	s.messages[m.ID] = m
	return m, nil
}

func (s *Store) MessageByID(ctx context.Context, id int64) (storage.Message, error) {
	if err := s.enter(ctx); err != nil {
		return storage.Message{}, err
	}
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return storage.Message{}, storage.ErrMessageNotExist
	}
	return m, nil
}

func (s *Store) History(ctx context.Context, q storage.HistoryQuery) ([]storage.Message, error) {
	if err := s.enter(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	page := []storage.Message{}
	for _, m := range s.messages {
		if q.GroupID != 0 {
			if m.GroupID != q.GroupID {
				continue
			}
		} else if m.RecipientID == 0 ||
			!((m.SenderID == q.OwnerID && m.RecipientID == q.PeerID) || (m.SenderID == q.PeerID && m.RecipientID == q.OwnerID)) {
			continue
		}
		if q.BeforeID != 0 && !older(m, q.BeforeTime, q.BeforeID) {
			continue
		}
		sender := s.users[m.SenderID]
		m.SenderName, m.SenderAvatar = sender.Username, sender.AvatarRef
		page = append(page, m)
	}

	sort.Slice(page, func(i, j int) bool { return older(page[j], page[i].CreatedAt, page[i].ID) })
	if len(page) > q.Limit {
		page = page[:q.Limit]
	}
	return page, nil
}

// older reports (m.CreatedAt, m.ID) < (t, id)
func older(m storage.Message, t time.Time, id int64) bool {
	if !m.CreatedAt.Equal(t) {
		return m.CreatedAt.Before(t)
	}
	return m.ID < id
}

func (s *Store) RecallMessage(ctx context.Context, id int64) (bool, error) {
	if err := s.enter(ctx); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok || m.Recalled {
		return false, nil
	}
	m.Recalled = true
	s.messages[id] = m
	return true, nil
}

func (s *Store) MarkRead(ctx context.Context, reader, peer int64) (int64, error) {
	if err := s.enter(ctx); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	var n int64
	for id, m := range s.messages {
		if m.SenderID == peer && m.RecipientID == reader && !m.Read {
			m.Read = true
			s.messages[id] = m
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateFriendRequest(ctx context.Context, requester, target int64) (storage.FriendRequest, error) {
	if err := s.enter(ctx); err != nil {
		return storage.FriendRequest{}, err
	}
	defer s.mu.Unlock()

	if _, ok := s.users[requester]; !ok {
		return storage.FriendRequest{}, storage.ErrUserNotExist
	}
	if _, ok := s.users[target]; !ok {
		return storage.FriendRequest{}, storage.ErrUserNotExist
	}
	for _, fr := range s.requests {
		samePair := (fr.RequesterID == requester && fr.TargetID == target) || (fr.RequesterID == target && fr.TargetID == requester)
		if samePair && fr.Status == storage.FriendRequestPending {
			return storage.FriendRequest{}, storage.ErrFriendRequestExists
		}
	}

	now := s.tick()
	fr := storage.FriendRequest{ID: s.id(), RequesterID: requester, TargetID: target, Status: storage.FriendRequestPending, CreatedAt: now, UpdatedAt: now}
	s.requests = append(s.requests, fr)
	return fr, nil
}

func (s *Store) pendingIndex(requester, target int64) int {
	for i, fr := range s.requests {
		if fr.RequesterID == requester && fr.TargetID == target && fr.Status == storage.FriendRequestPending {
			return i
		}
	}
	return -1
}

func (s *Store) PendingFriendRequest(ctx context.Context, requester, target int64) (storage.FriendRequest, error) {
	if err := s.enter(ctx); err != nil {
		return storage.FriendRequest{}, err
	}
	defer s.mu.Unlock()

	i := s.pendingIndex(requester, target)
	if i < 0 {
		return storage.FriendRequest{}, storage.ErrFriendRequestNotExist
	}
	return s.requests[i], nil
}

func (s *Store) PendingFriendRequestsTo(ctx context.Context, target int64) ([]storage.FriendRequest, error) {
	if err := s.enter(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	out := []storage.FriendRequest{}
	for _, fr := range s.requests {
		if fr.TargetID == target && fr.Status == storage.FriendRequestPending {
			fr.Requester = s.users[fr.RequesterID]
			out = append(out, fr)
		}
	}
	return out, nil
}

func (s *Store) AcceptFriendRequest(ctx context.Context, requester, target int64) error {
	if err := s.enter(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()

	i := s.pendingIndex(requester, target)
	if i < 0 {
		return storage.ErrFriendRequestNotExist
	}
	s.requests[i].Status = storage.FriendRequestAccepted
	s.requests[i].UpdatedAt = s.tick()
	s.friends[friendKey{requester, target}] = struct{}{}
	s.friends[friendKey{target, requester}] = struct{}{}
	return nil
}

func (s *Store) DeclineFriendRequest(ctx context.Context, requester, target int64) error {
	if err := s.enter(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()

	i := s.pendingIndex(requester, target)
	if i < 0 {
		return storage.ErrFriendRequestNotExist
	}
	s.requests[i].Status = storage.FriendRequestDeclined
	s.requests[i].UpdatedAt = s.tick()
	return nil
}

// Requests returns a copy of every friend request ever filed
func (s *Store) Requests() []storage.FriendRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.FriendRequest(nil), s.requests...)
}

// SetFail makes every following call return err; nil restores normal operation
func (s *Store) SetFail(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

// SetDelay makes every following call wait d first
func (s *Store) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}
