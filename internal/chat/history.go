package chat

import (
	"chatline/internal/protocol"
	"chatline/internal/storage"
	"context"
	"errors"
	"fmt"
)

// Conversation identifies a direct conversation with a peer or a group
type Conversation struct {
	Kind string
	ID   int64
}

// LoadHistory returns up to limit messages older than cursor (zero for the latest page) in ascending order.
// Paging is stable: the cursor is compared by (created_at, id) so messages arriving later never shift pages.
func (s *Service) LoadHistory(ctx context.Context, sess *Session, conv Conversation, cursor int64, limit int) ([]storage.Message, error) {
	switch {
	case limit <= 0:
		limit = s.cfg.historyLimit
	case limit > s.cfg.maxHistoryLimit:
		limit = s.cfg.maxHistoryLimit
	}

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	q := storage.HistoryQuery{OwnerID: sess.Identity.ID, Limit: limit}
	switch conv.Kind {
	case protocol.KindFriend:
		q.PeerID = conv.ID
	case protocol.KindGroup:
		members, err := s.groupMembers(ctx, conv.ID)
		if err != nil {
			return nil, err
		}
		if !containsID(members, sess.Identity.ID) {
			return nil, ErrNotMember
		}
		q.GroupID = conv.ID
	default:
		return nil, fmt.Errorf("%w: unknown conversation kind %q", protocol.ErrInvalidMessage, conv.Kind)
	}

	if cursor != 0 {
		c, err := s.store.MessageByID(ctx, cursor)
		if err != nil {
			if errors.Is(err, storage.ErrMessageNotExist) {
				return nil, ErrNotFound
			}
			return nil, persistence("load cursor", err)
		}
		if !inConversation(c, sess.Identity.ID, conv) {
			return nil, ErrNotFound
		}
		q.BeforeTime, q.BeforeID = c.CreatedAt, c.ID
	}

	page, err := s.store.History(ctx, q)
	if err != nil {
		return nil, persistence("load history", err)
	}

	// newest first from the store, ascending for the caller
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

func inConversation(m storage.Message, owner int64, conv Conversation) bool {
	if conv.Kind == protocol.KindGroup {
		return m.GroupID == conv.ID
	}
	if m.RecipientID == 0 {
		return false
	}
	return (m.SenderID == owner && m.RecipientID == conv.ID) || (m.SenderID == conv.ID && m.RecipientID == owner)
}
