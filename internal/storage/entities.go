package storage

import "time"

type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	AvatarRef string    `json:"avatar_ref"`
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"created_at"`
}

type Group struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	OwnerID   int64     `json:"owner_id"`
	AvatarRef string    `json:"avatar_ref"`
	Members   []int64   `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a persisted direct or group message.
// Exactly one of RecipientID and GroupID is non-zero, exactly one of Text and ImageRef is non-empty.
// SenderName and SenderAvatar are filled only by history queries.
type Message struct {
	ID           int64
	SenderID     int64
	RecipientID  int64
	GroupID      int64
	Text         string
	ImageRef     string
	CreatedAt    time.Time
	Read         bool
	Recalled     bool
	SenderName   string
	SenderAvatar string
}

type NewMessage struct {
	SenderID    int64
	RecipientID int64
	GroupID     int64
	Text        string
	ImageRef    string
}

type FriendRequestStatus string

const (
	FriendRequestPending  FriendRequestStatus = "pending"
	FriendRequestAccepted FriendRequestStatus = "accepted"
	FriendRequestDeclined FriendRequestStatus = "declined"
)

type FriendRequest struct {
	ID          int64               `json:"id"`
	RequesterID int64               `json:"requester_id"`
	TargetID    int64               `json:"target_id"`
	Status      FriendRequestStatus `json:"status"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	// Requester is populated by PendingFriendRequestsTo
	Requester User `json:"requester"`
}

// HistoryQuery selects one page of a conversation, newest first.
// Either PeerID (direct conversation of OwnerID with PeerID) or GroupID is set.
// A non-zero BeforeID restricts the page to messages older than (BeforeTime, BeforeID).
type HistoryQuery struct {
	OwnerID    int64
	PeerID     int64
	GroupID    int64
	BeforeTime time.Time
	BeforeID   int64
	Limit      int
}
