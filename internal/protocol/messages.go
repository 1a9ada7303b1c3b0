// Package protocol defines the websocket event protocol between chat clients and the server.
// Every frame is an envelope {"type": ..., "requestId": ..., "data": {...}} discriminated by type.
package protocol

import (
	"encoding/json"
	"time"
)

// Event types from client to server
const (
	TypeLoadHistory = "load-history"
	TypeSendDirect  = "send-direct"
	TypeSendGroup   = "send-group"
	TypeRecall      = "recall"
	TypeMarkRead    = "mark-read"
)

// Event types from server to client
const (
	TypeHistoryPage      = "history-page"
	TypeMessageDelivered = "message-delivered"
	TypeMessageRecalled  = "message-recalled"
	TypeMessagesRead     = "messages-read"
	TypePresenceOnline   = "presence-online"
	TypePresenceOffline  = "presence-offline"
	TypeNewFriend        = "new-friend"
	TypeNewFriendRequest = "new-friend-request"
	TypeError            = "error"
)

// Conversation kinds used by load-history
const (
	KindFriend = "friend"
	KindGroup  = "group"
)

// Error codes
const (
	ErrorCodeInvalidMessage  = "invalid_message"
	ErrorCodeUnauthenticated = "unauthenticated"
	ErrorCodeNotFriend       = "not_friend"
	ErrorCodeNotMember       = "not_member"
	ErrorCodeNotFound        = "not_found"
	ErrorCodeForbidden       = "forbidden"
	ErrorCodeDuplicate       = "duplicate_request"
	ErrorCodeAlreadyFriends  = "already_friends"
	ErrorCodeSelfRequest     = "self_request"
	ErrorCodePersistence     = "persistence"
	ErrorCodeInternal        = "internal_error"
)

// Event is implemented by every server to client payload
type Event interface {
	EventType() string
}

// Envelope is the wire frame
type Envelope struct {
	Type      string      `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	Data      interface{} `json:"data"`
}

// Message is a chat message as seen by clients.
// SenderName and SenderAvatar reflect the sender profile at the time the event was built.
type Message struct {
	ID           int64     `json:"id"`
	SenderID     int64     `json:"senderId"`
	RecipientID  int64     `json:"recipientId,omitempty"`
	GroupID      int64     `json:"groupId,omitempty"`
	Text         string    `json:"text,omitempty"`
	ImageRef     string    `json:"imageRef,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	Read         bool      `json:"read"`
	Recalled     bool      `json:"recalled"`
	SenderName   string    `json:"senderName,omitempty"`
	SenderAvatar string    `json:"senderAvatar,omitempty"`
}

type MessageDelivered struct {
	Message
}

func (MessageDelivered) EventType() string { return TypeMessageDelivered }

// HistoryPage carries messages in ascending time order
type HistoryPage struct {
	Messages []Message `json:"messages"`
}

func (HistoryPage) EventType() string { return TypeHistoryPage }

type MessageRecalled struct {
	MessageID int64 `json:"messageId"`
}

func (MessageRecalled) EventType() string { return TypeMessageRecalled }

type MessagesRead struct {
	ReaderID int64 `json:"readerId"`
	PeerID   int64 `json:"peerId"`
	Count    int64 `json:"count"`
}

func (MessagesRead) EventType() string { return TypeMessagesRead }

type PresenceOnline struct {
	IdentityID int64 `json:"identityId"`
}

func (PresenceOnline) EventType() string { return TypePresenceOnline }

type PresenceOffline struct {
	IdentityID int64 `json:"identityId"`
}

func (PresenceOffline) EventType() string { return TypePresenceOffline }

type NewFriend struct {
	IdentityID  int64  `json:"identityId"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef"`
	Online      bool   `json:"online"`
}

func (NewFriend) EventType() string { return TypeNewFriend }

type NewFriendRequest struct {
	IdentityID  int64  `json:"identityId"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef"`
}

func (NewFriendRequest) EventType() string { return TypeNewFriendRequest }

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (Error) EventType() string { return TypeError }

// Encode wraps ev into an envelope and marshals it
func Encode(requestID string, ev Event) ([]byte, error) {
	return json.Marshal(Envelope{
		Type:      ev.EventType(),
		RequestID: requestID,
		Data:      ev,
	})
}
