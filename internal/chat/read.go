package chat

import (
	"chatline/internal/protocol"
	"context"
)

// MarkRead flags unread messages from peer to the session owner as read
// and lets both sides know how many were marked
func (s *Service) MarkRead(ctx context.Context, sess *Session, peer int64) (int64, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	n, err := s.store.MarkRead(ctx, sess.Identity.ID, peer)
	if err != nil {
		return 0, persistence("mark read", err)
	}
	if n > 0 {
		s.publish(protocol.MessagesRead{ReaderID: sess.Identity.ID, PeerID: peer, Count: n},
			PersonalChannel(sess.Identity.ID), PersonalChannel(peer))
	}
	return n, nil
}
