package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
)

const messageColumns = `messages.id,
				  messages.sender_id,
				  messages.recipient_id,
				  messages.group_id,
				  messages.text,
				  messages.image_ref,
				  messages.created_at,
				  messages.read,
				  messages.recalled`

// CreateMessage persists new message and returns it with assigned id and creation time
func (s *Store) CreateMessage(ctx context.Context, nm NewMessage) (Message, error) {
	s.logger.Debugf("Creating message from user (id: %d) to user (id: %d) / group (id: %d)", nm.SenderID, nm.RecipientID, nm.GroupID)

	m := Message{
		SenderID:    nm.SenderID,
		RecipientID: nm.RecipientID,
		GroupID:     nm.GroupID,
		Text:        nm.Text,
		ImageRef:    nm.ImageRef,
	}

	sql := `insert into messages (sender_id, recipient_id, group_id, text, image_ref, created_at)
			values ($1, $2, $3, $4, $5, $6)
			returning id, created_at`
	err := s.db.QueryRow(ctx, sql,
		nm.SenderID, nullInt8(nm.RecipientID), nullInt8(nm.GroupID),
		nullText(nm.Text), nullText(nm.ImageRef), time.Now(),
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgerrcode.ForeignKeyViolation:
				switch pgErr.ConstraintName {
				case "messages_sender_id_fkey":
					return Message{}, ErrUserNotExist
				case "messages_recipient_id_fkey", "messages_group_id_fkey":
					return Message{}, ErrMessageBadTarget
				}
			case pgerrcode.CheckViolation:
				return Message{}, ErrMessageMalformed
			}
		}
		return Message{}, err
	}

	s.logger.Debugf("Created message with id %d", m.ID)

	return m, nil
}

// MessageByID returns message without sender profile fields
func (s *Store) MessageByID(ctx context.Context, id int64) (Message, error) {
	sql := "select " + messageColumns + " from messages where messages.id = $1"

	m, err := scanMessage(s.db.QueryRow(ctx, sql, id), false)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrMessageNotExist
		}
		return Message{}, err
	}
	return m, nil
}

// History returns one page of conversation messages sorted from latest to earliest.
// Sender name and avatar are joined at read time.
func (s *Store) History(ctx context.Context, q HistoryQuery) ([]Message, error) {
	s.logger.Debugf("Retrieving history page %+v", q)

	var (
		where string
		args  []interface{}
	)
	if q.GroupID != 0 {
		where = "messages.group_id = $1"
		args = []interface{}{q.GroupID}
	} else {
		where = `messages.recipient_id is not null
			   and least(messages.sender_id, messages.recipient_id) = least($1::bigint, $2::bigint)
			   and greatest(messages.sender_id, messages.recipient_id) = greatest($1::bigint, $2::bigint)`
		args = []interface{}{q.OwnerID, q.PeerID}
	}

	if q.BeforeID != 0 {
		where += fmt.Sprintf(" and (messages.created_at, messages.id) < ($%d::timestamptz, $%d::bigint)", len(args)+1, len(args)+2)
		args = append(args, q.BeforeTime, q.BeforeID)
	}
	args = append(args, q.Limit)

	sql := fmt.Sprintf(`select %s,
				  users.username,
				  users.avatar_ref
			 from messages
			 join users
			   on users.id = messages.sender_id
			where %s
			order by messages.created_at desc, messages.id desc
			limit $%d`, messageColumns, where, len(args))

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	messages := make([]Message, 0, q.Limit)
	for rows.Next() {
		m, err := scanMessage(rows, true)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	s.logger.Debugf("Retrieved %d messages", len(messages))

	return messages, nil
}

// RecallMessage sets recalled flag and reports whether the flag changed
func (s *Store) RecallMessage(ctx context.Context, id int64) (bool, error) {
	tag, err := s.db.Exec(ctx, "update messages set recalled = true where id = $1 and not recalled", id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkRead marks every unread direct message from peer to reader as read and returns affected count
func (s *Store) MarkRead(ctx context.Context, reader, peer int64) (int64, error) {
	sql := "update messages set read = true where sender_id = $1 and recipient_id = $2 and not read"
	tag, err := s.db.Exec(ctx, sql, peer, reader)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanMessage(row pgx.Row, withSender bool) (Message, error) {
	var (
		m              Message
		recipient, grp pgtype.Int8
		text, imageRef pgtype.Text
	)

	dest := []interface{}{&m.ID, &m.SenderID, &recipient, &grp, &text, &imageRef, &m.CreatedAt, &m.Read, &m.Recalled}
	if withSender {
		dest = append(dest, &m.SenderName, &m.SenderAvatar)
	}

	if err := row.Scan(dest...); err != nil {
		return Message{}, err
	}

	if recipient.Status == pgtype.Present {
		m.RecipientID = recipient.Int
	}
	if grp.Status == pgtype.Present {
		m.GroupID = grp.Int
	}
	if text.Status == pgtype.Present {
		m.Text = text.String
	}
	if imageRef.Status == pgtype.Present {
		m.ImageRef = imageRef.String
	}
	return m, nil
}

func nullInt8(v int64) pgtype.Int8 {
	if v == 0 {
		return pgtype.Int8{Status: pgtype.Null}
	}
	return pgtype.Int8{Int: v, Status: pgtype.Present}
}

func nullText(v string) pgtype.Text {
	if v == "" {
		return pgtype.Text{Status: pgtype.Null}
	}
	return pgtype.Text{String: v, Status: pgtype.Present}
}
