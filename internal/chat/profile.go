package chat

import (
	"chatline/internal/storage"
	"context"
)

type FriendStatus struct {
	storage.User
	Online bool `json:"online"`
}

type Profile struct {
	User    storage.User   `json:"user"`
	Friends []FriendStatus `json:"friends"`
}

// CreateUser bootstraps an identity with a fresh friend code
func (s *Service) CreateUser(ctx context.Context, username, avatarRef string) (storage.User, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	u, err := s.store.CreateUser(ctx, username, avatarRef)
	if err != nil {
		return storage.User{}, persistence("create user", err)
	}

	s.logger.Infof("User (id: %d) created with code %s", u.ID, u.Code)

	return u, nil
}

// Profile returns identity profile with friends annotated by live presence
func (s *Service) Profile(ctx context.Context, identity int64) (Profile, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	u, err := s.store.UserByID(ctx, identity)
	if err != nil {
		return Profile{}, s.userErr("load user", err)
	}

	friends, err := s.store.Friends(ctx, identity)
	if err != nil {
		return Profile{}, persistence("load friends", err)
	}

	p := Profile{User: u, Friends: make([]FriendStatus, 0, len(friends))}
	for _, f := range friends {
		p.Friends = append(p.Friends, FriendStatus{User: f, Online: s.registry.IsOnline(f.ID)})
	}
	return p, nil
}

// CreateGroup stores a group and joins online members to its channel
func (s *Service) CreateGroup(ctx context.Context, owner int64, name string, members []int64) (storage.Group, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	g, err := s.store.CreateGroup(ctx, name, owner, members)
	if err != nil {
		switch err {
		case storage.ErrUserNotExist, storage.ErrGroupBadUsers:
			return storage.Group{}, ErrNotFound
		default:
			return storage.Group{}, persistence("create group", err)
		}
	}

	channel := GroupChannel(g.ID)
	for _, m := range g.Members {
		s.registry.JoinChannel(m, channel)
	}

	s.logger.Infof("User (id: %d) created group %d with %d members", owner, g.ID, len(g.Members))

	return g, nil
}
