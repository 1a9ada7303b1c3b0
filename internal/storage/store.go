package storage

import (
	"chatline/internal/storage/zapadapter"
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"
)

var (
	ErrUserNotExist          = errors.New("user does not exist")
	ErrGroupNotExist         = errors.New("group does not exist")
	ErrGroupBadUsers         = errors.New("bad users list")
	ErrMessageNotExist       = errors.New("message does not exist")
	ErrMessageBadTarget      = errors.New("bad message target")
	ErrMessageMalformed      = errors.New("message must have exactly one target and exactly one body")
	ErrFriendRequestExists   = errors.New("pending friend request already exists")
	ErrFriendRequestNotExist = errors.New("pending friend request does not exist")
)

const userCodeAttempts = 3

// Store defines fields used in db interaction processes
type Store struct {
	logger *zap.SugaredLogger
	db     *pgxpool.Pool
}

// New sets provided zap.Logger via zapadapter to pgxpool.Pool and returns instance of Store struct
func New(ctx context.Context, logger *zap.SugaredLogger, cfg Config, opts ...Option) (*Store, error) {
	config, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, err
	}
	config.ConnConfig.Logger = zapadapter.NewLogger(logger.Desugar())

	for _, opt := range opts {
		opt.apply(config)
	}

	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	return &Store{
		logger: logger,
		db:     pool,
	}, nil
}

// Close closes all pooled connections
func (s *Store) Close() {
	s.db.Close()
}

// newUserCode returns lookup code like U1A2B3C4D
func newUserCode() string {
	return "U" + strings.ToUpper(uuid.New().String()[:8])
}

// CreateUser creates user with a freshly generated lookup code.
// A code collision is retried with another code.
func (s *Store) CreateUser(ctx context.Context, username, avatarRef string) (User, error) {
	s.logger.Debugf("Creating user (%s)", username)

	u := User{Username: username, AvatarRef: avatarRef}
	sql := "insert into users (username, avatar_ref, user_code, created_at) values ($1, $2, $3, $4) returning id, created_at"

	var err error
	for i := 0; i < userCodeAttempts; i++ {
		u.Code = newUserCode()
		err = s.db.QueryRow(ctx, sql, username, avatarRef, u.Code, time.Now()).Scan(&u.ID, &u.CreatedAt)
		if err == nil {
			s.logger.Debugf("Created user (%s) with id %d", username, u.ID)
			return u, nil
		}

		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != pgerrcode.UniqueViolation {
			return User{}, err
		}
		s.logger.Warnf("User code %s collided, regenerating", u.Code)
	}

	return User{}, err
}

// UserByID returns user by its id
func (s *Store) UserByID(ctx context.Context, id int64) (User, error) {
	sql := "select id, username, avatar_ref, user_code, created_at from users where id = $1"
	return s.scanUser(s.db.QueryRow(ctx, sql, id))
}

// UserByCode returns user by its lookup code
func (s *Store) UserByCode(ctx context.Context, code string) (User, error) {
	sql := "select id, username, avatar_ref, user_code, created_at from users where user_code = $1"
	return s.scanUser(s.db.QueryRow(ctx, sql, code))
}

func (s *Store) scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.AvatarRef, &u.Code, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotExist
		}
		return User{}, err
	}
	return u, nil
}

// CreateGroup performs two-step transaction to create group
// (1. insert group record; 2. bulk insert on "group_members" table).
// Owner is always a member.
func (s *Store) CreateGroup(ctx context.Context, name string, owner int64, members []int64) (Group, error) {
	s.logger.Debugf("Creating group (%s) owned by user (id: %d) with members (%v)", name, owner, members)

	g := Group{Name: name, OwnerID: owner, AvatarRef: defaultGroupAvatar, Members: uniqueIDs(append([]int64{owner}, members...))}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Group{}, err
	}
	// error handling can be omitted for rollback according docs
	defer tx.Rollback(context.Background())

	sql := "insert into groups (name, owner_id, avatar_ref, created_at) values ($1, $2, $3, $4) returning id, created_at"
	err = tx.QueryRow(ctx, sql, name, owner, g.AvatarRef, time.Now()).Scan(&g.ID, &g.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return Group{}, ErrUserNotExist
		}
		return Group{}, err
	}

	rows := make([]memberRow, 0, len(g.Members))
	for _, m := range g.Members {
		rows = append(rows, memberRow{groupID: g.ID, userID: m})
	}

	_, err = tx.CopyFrom(ctx, pgx.Identifier{"group_members"}, []string{"group_id", "user_id"}, copyFromMembers(rows))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return Group{}, ErrGroupBadUsers
		}
		return Group{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return Group{}, err
	}

	s.logger.Debugf("Created group (%s) with id %d", name, g.ID)

	return g, nil
}

// GroupMembers returns ids of the current group members
func (s *Store) GroupMembers(ctx context.Context, group int64) ([]int64, error) {
	var members pgtype.Int8Array
	sql := `select array_agg(group_members.user_id order by group_members.user_id)
			  from groups
			  left join group_members
			    on group_members.group_id = groups.id
			 where groups.id = $1
			 group by groups.id`
	err := s.db.QueryRow(ctx, sql, group).Scan(&members)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGroupNotExist
		}
		return nil, err
	}

	return int8ArrayToIDs(members)
}

// GroupIDsByMember returns ids of all groups the user belongs to
func (s *Store) GroupIDsByMember(ctx context.Context, user int64) ([]int64, error) {
	var groups pgtype.Int8Array
	sql := "select array_agg(group_id order by group_id) from group_members where user_id = $1"
	if err := s.db.QueryRow(ctx, sql, user).Scan(&groups); err != nil {
		return nil, err
	}

	return int8ArrayToIDs(groups)
}

// int8ArrayToIDs converts aggregated array, NULL and NULL elements become empty
func int8ArrayToIDs(arr pgtype.Int8Array) ([]int64, error) {
	if arr.Status != pgtype.Present {
		return []int64{}, nil
	}

	ids := make([]int64, 0, len(arr.Elements))
	for _, e := range arr.Elements {
		if e.Status == pgtype.Present {
			ids = append(ids, e.Int)
		}
	}
	return ids, nil
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
