package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
)

const acceptAttempts = 5

// FriendIDs returns ids of all user friends
func (s *Store) FriendIDs(ctx context.Context, user int64) ([]int64, error) {
	var friends pgtype.Int8Array
	sql := "select array_agg(friend_id order by friend_id) from friendships where user_id = $1"
	if err := s.db.QueryRow(ctx, sql, user).Scan(&friends); err != nil {
		return nil, err
	}

	return int8ArrayToIDs(friends)
}

// Friends returns profiles of all user friends ordered by username
func (s *Store) Friends(ctx context.Context, user int64) ([]User, error) {
	sql := `select users.id, users.username, users.avatar_ref, users.user_code, users.created_at
			  from friendships
			  join users
			    on users.id = friendships.friend_id
			 where friendships.user_id = $1
			 order by users.username, users.id`

	rows, err := s.db.Query(ctx, sql, user)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	friends := []User{}
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.AvatarRef, &u.Code, &u.CreatedAt); err != nil {
			return nil, err
		}
		friends = append(friends, u)
	}

	return friends, rows.Err()
}

// AreFriends reports whether friendship edge from a to b exists
func (s *Store) AreFriends(ctx context.Context, a, b int64) (bool, error) {
	var ok bool
	sql := "select exists(select 1 from friendships where user_id = $1 and friend_id = $2)"
	err := s.db.QueryRow(ctx, sql, a, b).Scan(&ok)
	return ok, err
}

// CreateFriendRequest persists pending request.
// The partial unique index on the unordered pair rejects a second pending request in either direction.
func (s *Store) CreateFriendRequest(ctx context.Context, requester, target int64) (FriendRequest, error) {
	s.logger.Debugf("Creating friend request from user (id: %d) to user (id: %d)", requester, target)

	fr := FriendRequest{RequesterID: requester, TargetID: target, Status: FriendRequestPending}
	now := time.Now()
	sql := `insert into friend_requests (requester_id, target_id, status, created_at, updated_at)
			values ($1, $2, $3, $4, $4)
			returning id, created_at, updated_at`
	err := s.db.QueryRow(ctx, sql, requester, target, string(FriendRequestPending), now).Scan(&fr.ID, &fr.CreatedAt, &fr.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgerrcode.UniqueViolation:
				return FriendRequest{}, ErrFriendRequestExists
			case pgerrcode.ForeignKeyViolation:
				return FriendRequest{}, ErrUserNotExist
			}
		}
		return FriendRequest{}, err
	}

	return fr, nil
}

// PendingFriendRequest returns pending request in exactly this direction
func (s *Store) PendingFriendRequest(ctx context.Context, requester, target int64) (FriendRequest, error) {
	var (
		fr     FriendRequest
		status string
	)
	sql := `select id, requester_id, target_id, status, created_at, updated_at
			  from friend_requests
			 where requester_id = $1 and target_id = $2 and status = 'pending'`
	err := s.db.QueryRow(ctx, sql, requester, target).Scan(&fr.ID, &fr.RequesterID, &fr.TargetID, &status, &fr.CreatedAt, &fr.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FriendRequest{}, ErrFriendRequestNotExist
		}
		return FriendRequest{}, err
	}
	fr.Status = FriendRequestStatus(status)

	return fr, nil
}

// PendingFriendRequestsTo returns incoming pending requests with requester profiles, oldest first
func (s *Store) PendingFriendRequestsTo(ctx context.Context, target int64) ([]FriendRequest, error) {
	sql := `select friend_requests.id,
				   friend_requests.requester_id,
				   friend_requests.target_id,
				   friend_requests.created_at,
				   friend_requests.updated_at,
				   users.username,
				   users.avatar_ref,
				   users.user_code,
				   users.created_at
			  from friend_requests
			  join users
			    on users.id = friend_requests.requester_id
			 where friend_requests.target_id = $1 and friend_requests.status = 'pending'
			 order by friend_requests.created_at, friend_requests.id`

	rows, err := s.db.Query(ctx, sql, target)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	requests := []FriendRequest{}
	for rows.Next() {
		fr := FriendRequest{Status: FriendRequestPending}
		err := rows.Scan(&fr.ID, &fr.RequesterID, &fr.TargetID, &fr.CreatedAt, &fr.UpdatedAt,
			&fr.Requester.Username, &fr.Requester.AvatarRef, &fr.Requester.Code, &fr.Requester.CreatedAt)
		if err != nil {
			return nil, err
		}
		fr.Requester.ID = fr.RequesterID
		requests = append(requests, fr)
	}

	return requests, rows.Err()
}

// AcceptFriendRequest marks pending request accepted and creates both friendship edges
// in one serializable transaction. Serialization failures and deadlocks are retried.
func (s *Store) AcceptFriendRequest(ctx context.Context, requester, target int64) error {
	var err error
	for attempt := 1; attempt <= acceptAttempts; attempt++ {
		err = s.acceptFriendRequest(ctx, requester, target)
		if err == nil || !isTransient(err) {
			return err
		}
		s.logger.Warnf("Accepting friend request (%d -> %d) failed on attempt %d: %v", requester, target, attempt, err)
	}
	return err
}

func (s *Store) acceptFriendRequest(ctx context.Context, requester, target int64) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer tx.Rollback(context.Background())

	now := time.Now()
	sql := `update friend_requests
			   set status = 'accepted', updated_at = $3
			 where requester_id = $1 and target_id = $2 and status = 'pending'`
	tag, err := tx.Exec(ctx, sql, requester, target, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrFriendRequestNotExist
	}

	sql = `insert into friendships (user_id, friend_id, created_at)
		   values ($1, $2, $3), ($2, $1, $3)
		   on conflict do nothing`
	if _, err = tx.Exec(ctx, sql, requester, target, now); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return err
	}

	s.logger.Debugf("User (id: %d) and user (id: %d) are friends now", requester, target)

	return nil
}

// DeclineFriendRequest marks pending request declined
func (s *Store) DeclineFriendRequest(ctx context.Context, requester, target int64) error {
	sql := `update friend_requests
			   set status = 'declined', updated_at = $3
			 where requester_id = $1 and target_id = $2 and status = 'pending'`
	tag, err := s.db.Exec(ctx, sql, requester, target, time.Now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrFriendRequestNotExist
	}
	return nil
}

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
}
