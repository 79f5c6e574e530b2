package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

const mailboxColumns = "id, sender, recipient, title, body, status, urgent, created_at, viewed_at, thread_id, reply_to_message_id, dedupe_key, metadata, response_waiting, waiting_responder, waiting_since"

// SendMessage inserts a mailbox message. If DedupeKey is set and a row
// already exists for (sender, recipient, dedupeKey), the pre-existing row
// is returned instead of an error — the race-safe idempotency §4.6 asks
// for.
func (s *Store) SendMessage(m MailboxMessage) (*MailboxMessage, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Status == "" {
		m.Status = MailboxStatusUnread
	}

	res, err := s.db.Exec(`
		INSERT INTO mailbox_messages (sender, recipient, title, body, status, urgent, created_at, thread_id, reply_to_message_id, dedupe_key, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(sender, recipient, dedupe_key) DO NOTHING
	`, m.Sender, m.Recipient, m.Title, m.Body, m.Status, boolToInt(m.Urgent), formatTime(m.CreatedAt),
		nullStr(m.ThreadID), nullInt64(m.ReplyToMessageID), nullStr(m.DedupeKey), nullStr(m.Metadata))
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	n, _ := res.RowsAffected()
	if n == 0 && m.DedupeKey != "" {
		existing, err := s.getMessageByDedupe(m.Sender, m.Recipient, m.DedupeKey)
		if err != nil {
			return nil, fmt.Errorf("lookup existing message: %w", err)
		}
		return existing, nil
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get inserted id: %w", err)
	}
	m.ID = id
	return &m, nil
}

func (s *Store) getMessageByDedupe(sender, recipient, dedupeKey string) (*MailboxMessage, error) {
	row := s.db.QueryRow(`SELECT `+mailboxColumns+` FROM mailbox_messages WHERE sender = ? AND recipient = ? AND dedupe_key = ?`, sender, recipient, dedupeKey)
	return scanMailboxMessage(row)
}

// GetMessage retrieves a message by id.
func (s *Store) GetMessage(id int64) (*MailboxMessage, error) {
	row := s.db.QueryRow(`SELECT `+mailboxColumns+` FROM mailbox_messages WHERE id = ?`, id)
	return scanMailboxMessage(row)
}

// ListMessagesPage is a page of mailbox messages.
type ListMessagesPage struct {
	Messages   []*MailboxMessage
	Total      int
	NextCursor string
}

// ListMessages returns recipient's messages filtered by status, ordered
// per §4.6: unread lists urgent-first then createdAt ascending; otherwise
// createdAt descending. cursor is the last-seen id from the prior page.
func (s *Store) ListMessages(recipient, status string, limit int, cursor int64) (*ListMessagesPage, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM mailbox_messages WHERE recipient = ?`
	args := []any{recipient}
	if status != "" {
		countQuery += ` AND status = ?`
		args = append(args, status)
	}
	if err := s.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}

	query := `SELECT ` + mailboxColumns + ` FROM mailbox_messages WHERE recipient = ?`
	qargs := []any{recipient}
	if status != "" {
		query += ` AND status = ?`
		qargs = append(qargs, status)
	}
	if status == MailboxStatusUnread {
		if cursor != 0 {
			query += ` AND id > ?`
			qargs = append(qargs, cursor)
		}
		query += ` ORDER BY urgent DESC, created_at ASC`
	} else {
		if cursor != 0 {
			query += ` AND id < ?`
			qargs = append(qargs, cursor)
		}
		query += ` ORDER BY created_at DESC`
	}
	query += ` LIMIT ?`
	qargs = append(qargs, limit+1)

	rows, err := s.db.Query(query, qargs...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*MailboxMessage
	for rows.Next() {
		m, err := scanMailboxMessageRow(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &ListMessagesPage{Total: total}
	if len(msgs) > limit {
		page.NextCursor = strconv.FormatInt(msgs[limit-1].ID, 10)
		msgs = msgs[:limit]
	}
	page.Messages = msgs
	return page, nil
}

// AckMessage transitions a message unread -> read.
func (s *Store) AckMessage(id int64, now time.Time) error {
	_, err := s.db.Exec(`
		UPDATE mailbox_messages
		SET status = ?, viewed_at = COALESCE(viewed_at, ?)
		WHERE id = ?
	`, MailboxStatusRead, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("ack message: %w", err)
	}
	return nil
}

// MarkPending sets the pending-response fields on a message.
func (s *Store) MarkPending(id int64, responder string, now time.Time) error {
	_, err := s.db.Exec(`
		UPDATE mailbox_messages SET response_waiting = 1, waiting_responder = ?, waiting_since = ?
		WHERE id = ?
	`, responder, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("mark pending: %w", err)
	}
	return nil
}

// ClearPending resets the pending-response fields on a message.
func (s *Store) ClearPending(id int64) error {
	_, err := s.db.Exec(`
		UPDATE mailbox_messages SET response_waiting = 0, waiting_responder = NULL, waiting_since = NULL
		WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("clear pending: %w", err)
	}
	return nil
}

// ListMyPending returns messages where responder has an open commitment.
func (s *Store) ListMyPending(responder string) ([]*MailboxMessage, error) {
	rows, err := s.db.Query(`
		SELECT `+mailboxColumns+` FROM mailbox_messages
		WHERE response_waiting = 1 AND waiting_responder = ?
		ORDER BY waiting_since ASC
	`, responder)
	if err != nil {
		return nil, fmt.Errorf("list my pending: %w", err)
	}
	defer rows.Close()
	return scanMailboxMessages(rows)
}

// ListWaitingOnOthers returns messages sender is waiting for a reply to.
func (s *Store) ListWaitingOnOthers(sender string) ([]*MailboxMessage, error) {
	rows, err := s.db.Query(`
		SELECT `+mailboxColumns+` FROM mailbox_messages
		WHERE response_waiting = 1 AND sender = ?
		ORDER BY waiting_since ASC
	`, sender)
	if err != nil {
		return nil, fmt.Errorf("list waiting on others: %w", err)
	}
	defer rows.Close()
	return scanMailboxMessages(rows)
}

func scanMailboxMessages(rows *sql.Rows) ([]*MailboxMessage, error) {
	var msgs []*MailboxMessage
	for rows.Next() {
		m, err := scanMailboxMessageRow(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func scanMailboxMessage(row *sql.Row) (*MailboxMessage, error) {
	return scanMailboxMessageScanner(row)
}

func scanMailboxMessageRow(rows *sql.Rows) (*MailboxMessage, error) {
	return scanMailboxMessageScanner(rows)
}

func scanMailboxMessageScanner(sc scanner) (*MailboxMessage, error) {
	var m MailboxMessage
	var body, viewedAt, threadID, dedupeKey, metadata, waitingResponder, waitingSince sql.NullString
	var replyTo sql.NullInt64
	var urgent, responseWaiting int
	var createdAt string

	err := sc.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Title, &body, &m.Status, &urgent, &createdAt,
		&viewedAt, &threadID, &replyTo, &dedupeKey, &metadata, &responseWaiting, &waitingResponder, &waitingSince)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}

	m.Body = body.String
	m.Urgent = urgent != 0
	m.CreatedAt = parseTime(createdAt)
	m.ViewedAt = parseNullTime(viewedAt)
	m.ThreadID = threadID.String
	if replyTo.Valid {
		v := replyTo.Int64
		m.ReplyToMessageID = &v
	}
	m.DedupeKey = dedupeKey.String
	m.Metadata = metadata.String
	m.ResponseWaiting = responseWaiting != 0
	m.WaitingResponder = waitingResponder.String
	m.WaitingSince = parseNullTime(waitingSince)
	return &m, nil
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
