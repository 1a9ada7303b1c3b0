package chat

import "chatline/internal/protocol"

// Presence is reference counted per identity: online is announced when the first session
// registers and offline when the last one closes. Callers hold the identity lock.

func (s *Service) announceOnline(sess *Session) {
	friends := sess.Friends()
	if len(friends) == 0 {
		return
	}
	s.publish(protocol.PresenceOnline{IdentityID: sess.Identity.ID}, personalChannels(friends)...)
}

// announceOffline uses the friend cache at teardown, so friends accepted during the session are told too
func (s *Service) announceOffline(sess *Session) {
	friends := sess.Friends()
	if len(friends) == 0 {
		return
	}
	s.publish(protocol.PresenceOffline{IdentityID: sess.Identity.ID}, personalChannels(friends)...)
}
