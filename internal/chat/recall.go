package chat

import (
	"chatline/internal/protocol"
	"chatline/internal/storage"
	"context"
	"errors"
)

// Recall marks own message retracted and tells only the conversation participants.
// Recalling an already recalled message succeeds without a second notice.
func (s *Service) Recall(ctx context.Context, sess *Session, id int64) error {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	m, err := s.store.MessageByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrMessageNotExist) {
			return ErrNotFound
		}
		return persistence("load message", err)
	}
	if m.SenderID != sess.Identity.ID {
		return ErrForbidden
	}
	if m.Recalled {
		return nil
	}

	var channels []string
	if m.GroupID != 0 {
		members, err := s.groupMembers(ctx, m.GroupID)
		if err != nil {
			return err
		}
		channels = personalChannels(members)
	} else {
		channels = []string{PersonalChannel(m.SenderID), PersonalChannel(m.RecipientID)}
	}

	changed, err := s.store.RecallMessage(ctx, id)
	if err != nil {
		return persistence("recall message", err)
	}
	if !changed {
		return nil
	}

	s.publish(protocol.MessageRecalled{MessageID: id}, channels...)

	return nil
}
