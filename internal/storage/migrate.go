package storage

import (
	"context"
	"fmt"
)

const defaultGroupAvatar = "/default-group.png"

var migrations = []string{
	`create table if not exists users (
		id         bigserial primary key,
		username   text not null,
		avatar_ref text not null default '',
		user_code  text not null unique,
		created_at timestamptz not null default now()
	)`,
	`create table if not exists friendships (
		user_id    bigint not null references users (id) on delete cascade,
		friend_id  bigint not null references users (id) on delete cascade,
		created_at timestamptz not null default now(),
		primary key (user_id, friend_id),
		check (user_id <> friend_id)
	)`,
	`create table if not exists friend_requests (
		id           bigserial primary key,
		requester_id bigint not null references users (id) on delete cascade,
		target_id    bigint not null references users (id) on delete cascade,
		status       text not null default 'pending' check (status in ('pending', 'accepted', 'declined')),
		created_at   timestamptz not null default now(),
		updated_at   timestamptz not null default now(),
		check (requester_id <> target_id)
	)`,
	`create unique index if not exists friend_requests_pending_pair
		on friend_requests (least(requester_id, target_id), greatest(requester_id, target_id))
		where status = 'pending'`,
	`create table if not exists groups (
		id         bigserial primary key,
		name       text not null,
		owner_id   bigint not null references users (id),
		avatar_ref text not null default '` + defaultGroupAvatar + `',
		created_at timestamptz not null default now()
	)`,
	`create table if not exists group_members (
		group_id bigint not null references groups (id) on delete cascade,
		user_id  bigint not null references users (id) on delete cascade,
		primary key (group_id, user_id)
	)`,
	`create index if not exists group_members_user on group_members (user_id)`,
	`create table if not exists messages (
		id           bigserial primary key,
		sender_id    bigint not null references users (id),
		recipient_id bigint references users (id),
		group_id     bigint references groups (id) on delete cascade,
		text         text,
		image_ref    text,
		created_at   timestamptz not null default now(),
		read         boolean not null default false,
		recalled     boolean not null default false,
		constraint messages_one_target check ((recipient_id is null) <> (group_id is null)),
		constraint messages_one_body check ((text is null) <> (image_ref is null))
	)`,
	`create index if not exists messages_direct
		on messages (least(sender_id, recipient_id), greatest(sender_id, recipient_id), created_at desc, id desc)
		where recipient_id is not null`,
	`create index if not exists messages_group on messages (group_id, created_at desc, id desc)
		where group_id is not null`,
}

// Migrate creates the schema if it does not exist yet
func (s *Store) Migrate(ctx context.Context) error {
	for i, m := range migrations {
		if _, err := s.db.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	s.logger.Debugf("Applied %d migrations", len(migrations))
	return nil
}
