package chat

import (
	"chatline/internal/protocol"
	"chatline/internal/storage"
	"context"
	"errors"
	"fmt"
)

// Body is the content of a message: exactly one of Text and ImageRef
type Body struct {
	Text     string
	ImageRef string
}

func (b Body) validate(maxText int) error {
	if (b.Text == "") == (b.ImageRef == "") {
		return ErrInvalidBody
	}
	if len(b.Text) > maxText {
		return fmt.Errorf("%w: text longer than %d bytes", ErrInvalidBody, maxText)
	}
	return nil
}

// SendDirect persists message to a friend, then pushes it to the personal channels
// of the sender (other devices) and the recipient. Nothing else receives it.
func (s *Service) SendDirect(ctx context.Context, sess *Session, recipient int64, body Body) (storage.Message, error) {
	if err := body.validate(s.cfg.maxTextLength); err != nil {
		return storage.Message{}, err
	}

	if !sess.IsFriend(recipient) {
		ok, err := s.confirmFriend(ctx, sess, recipient)
		if err != nil {
			return storage.Message{}, err
		}
		if !ok {
			return storage.Message{}, ErrNotFriend
		}
	}

	sctx, cancel := s.storeContext(ctx)
	defer cancel()

	m, err := s.store.CreateMessage(sctx, storage.NewMessage{
		SenderID:    sess.Identity.ID,
		RecipientID: recipient,
		Text:        body.Text,
		ImageRef:    body.ImageRef,
	})
	if err != nil {
		if errors.Is(err, storage.ErrMessageBadTarget) {
			return storage.Message{}, ErrNotFound
		}
		return storage.Message{}, persistence("create message", err)
	}

	s.publish(protocol.MessageDelivered{Message: liveMessage(m, sess.Identity)},
		PersonalChannel(sess.Identity.ID), PersonalChannel(recipient))

	return m, nil
}

// confirmFriend consults the durable friend graph when the session cache misses,
// repairing the cache of every session of the sender when the edge exists
func (s *Service) confirmFriend(ctx context.Context, sess *Session, friend int64) (bool, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	ok, err := s.store.AreFriends(ctx, sess.Identity.ID, friend)
	if err != nil {
		return false, persistence("check friendship", err)
	}
	if ok {
		s.logger.Debugf("Friend cache of user (id: %d) missed friend (id: %d), repairing", sess.Identity.ID, friend)
		s.registry.UpdateFriendCache(sess.Identity.ID, friend)
	}
	return ok, nil
}

// SendGroup checks membership against the store, persists message and pushes it to the personal
// channel of every member read at send time, the sender included
func (s *Service) SendGroup(ctx context.Context, sess *Session, group int64, body Body) (storage.Message, error) {
	if err := body.validate(s.cfg.maxTextLength); err != nil {
		return storage.Message{}, err
	}

	sctx, cancel := s.storeContext(ctx)
	defer cancel()

	members, err := s.groupMembers(sctx, group)
	if err != nil {
		return storage.Message{}, err
	}
	if !containsID(members, sess.Identity.ID) {
		return storage.Message{}, ErrNotMember
	}

	m, err := s.store.CreateMessage(sctx, storage.NewMessage{
		SenderID: sess.Identity.ID,
		GroupID:  group,
		Text:     body.Text,
		ImageRef: body.ImageRef,
	})
	if err != nil {
		if errors.Is(err, storage.ErrMessageBadTarget) {
			return storage.Message{}, ErrNotFound
		}
		return storage.Message{}, persistence("create message", err)
	}

	s.publish(protocol.MessageDelivered{Message: liveMessage(m, sess.Identity)}, personalChannels(members)...)

	return m, nil
}

func (s *Service) groupMembers(ctx context.Context, group int64) ([]int64, error) {
	members, err := s.store.GroupMembers(ctx, group)
	if err != nil {
		if errors.Is(err, storage.ErrGroupNotExist) {
			return nil, ErrNotFound
		}
		return nil, persistence("load group members", err)
	}
	return members, nil
}

// ToProtocol converts stored message to its wire form, hiding the body of a recalled one
func ToProtocol(m storage.Message) protocol.Message {
	pm := protocol.Message{
		ID:           m.ID,
		SenderID:     m.SenderID,
		RecipientID:  m.RecipientID,
		GroupID:      m.GroupID,
		Text:         m.Text,
		ImageRef:     m.ImageRef,
		CreatedAt:    m.CreatedAt,
		Read:         m.Read,
		Recalled:     m.Recalled,
		SenderName:   m.SenderName,
		SenderAvatar: m.SenderAvatar,
	}
	if pm.Recalled {
		pm.Text, pm.ImageRef = "", ""
	}
	return pm
}

func liveMessage(m storage.Message, sender Identity) protocol.Message {
	m.SenderName, m.SenderAvatar = sender.Name, sender.AvatarRef
	return ToProtocol(m)
}
