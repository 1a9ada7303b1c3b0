package chat

import (
	"chatline/internal/protocol"
	"chatline/internal/storage"
	"context"
	"errors"
	"strings"
)

// CreateRequest files pending friend request from requester to the user owning code
// and notifies the target if online
func (s *Service) CreateRequest(ctx context.Context, requester int64, code string) (storage.FriendRequest, error) {
	code = normalizeCode(code)
	if code == "" {
		return storage.FriendRequest{}, ErrNotFound
	}

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	from, err := s.store.UserByID(ctx, requester)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotExist) {
			return storage.FriendRequest{}, ErrUnauthenticated
		}
		return storage.FriendRequest{}, persistence("load requester", err)
	}

	to, err := s.store.UserByCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotExist) {
			return storage.FriendRequest{}, ErrNotFound
		}
		return storage.FriendRequest{}, persistence("load target", err)
	}
	if to.ID == from.ID {
		return storage.FriendRequest{}, ErrSelfRequest
	}

	friends, err := s.store.AreFriends(ctx, from.ID, to.ID)
	if err != nil {
		return storage.FriendRequest{}, persistence("check friendship", err)
	}
	if friends {
		return storage.FriendRequest{}, ErrAlreadyFriends
	}

	fr, err := s.store.CreateFriendRequest(ctx, from.ID, to.ID)
	if err != nil {
		if errors.Is(err, storage.ErrFriendRequestExists) {
			return storage.FriendRequest{}, ErrDuplicateRequest
		}
		return storage.FriendRequest{}, persistence("create friend request", err)
	}

	s.logger.Infof("User (id: %d) sent friend request to user (id: %d)", from.ID, to.ID)

	s.publish(protocol.NewFriendRequest{
		IdentityID:  from.ID,
		DisplayName: from.Username,
		AvatarRef:   from.AvatarRef,
	}, PersonalChannel(to.ID))

	return fr, nil
}

// Respond resolves the pending request requester -> target.
// Accepting creates both friendship edges in one store transaction, then updates the friend cache
// of every live session of both users and pushes new-friend to both.
func (s *Service) Respond(ctx context.Context, requester, target int64, accept bool) error {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	if _, err := s.store.PendingFriendRequest(ctx, requester, target); err != nil {
		if errors.Is(err, storage.ErrFriendRequestNotExist) {
			return ErrNotFound
		}
		return persistence("load friend request", err)
	}

	if !accept {
		if err := s.store.DeclineFriendRequest(ctx, requester, target); err != nil {
			if errors.Is(err, storage.ErrFriendRequestNotExist) {
				return ErrNotFound
			}
			return persistence("decline friend request", err)
		}
		s.logger.Infof("User (id: %d) declined friend request of user (id: %d)", target, requester)
		return nil
	}

	// profiles are loaded before the commit so nothing after it can fail
	a, err := s.store.UserByID(ctx, requester)
	if err != nil {
		return s.userErr("load requester", err)
	}
	b, err := s.store.UserByID(ctx, target)
	if err != nil {
		return s.userErr("load target", err)
	}

	if err := s.store.AcceptFriendRequest(ctx, requester, target); err != nil {
		if errors.Is(err, storage.ErrFriendRequestNotExist) {
			return ErrNotFound
		}
		return persistence("accept friend request", err)
	}

	s.logger.Infof("User (id: %d) accepted friend request of user (id: %d)", target, requester)

	unlock := s.lockPair(a.ID, b.ID)
	s.registry.UpdateFriendCache(a.ID, b.ID)
	s.registry.UpdateFriendCache(b.ID, a.ID)
	unlock()

	s.publish(newFriend(b, s.registry.IsOnline(b.ID)), PersonalChannel(a.ID))
	s.publish(newFriend(a, s.registry.IsOnline(a.ID)), PersonalChannel(b.ID))

	return nil
}

// PendingRequests lists incoming pending requests of target with requester profiles
func (s *Service) PendingRequests(ctx context.Context, target int64) ([]storage.FriendRequest, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	requests, err := s.store.PendingFriendRequestsTo(ctx, target)
	if err != nil {
		return nil, persistence("load friend requests", err)
	}
	return requests, nil
}

// FindUser previews the user owning code before a friend request is sent to them
func (s *Service) FindUser(ctx context.Context, caller int64, code string) (storage.User, error) {
	code = normalizeCode(code)
	if code == "" {
		return storage.User{}, ErrNotFound
	}

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	u, err := s.store.UserByCode(ctx, code)
	if err != nil {
		return storage.User{}, s.userErr("load user by code", err)
	}
	if u.ID == caller {
		return storage.User{}, ErrSelfRequest
	}
	return u, nil
}

// normalizeCode makes lookup codes case and whitespace insensitive
func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (s *Service) userErr(op string, err error) error {
	if errors.Is(err, storage.ErrUserNotExist) {
		return ErrNotFound
	}
	return persistence(op, err)
}

func newFriend(u storage.User, online bool) protocol.NewFriend {
	return protocol.NewFriend{
		IdentityID:  u.ID,
		DisplayName: u.Username,
		AvatarRef:   u.AvatarRef,
		Online:      online,
	}
}
