package store

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// GetOrCreateDM returns the one existing DM channel between a and b,
// creating it if none exists. A DM is uniquely identified by its set of
// exactly two members.
func (s *Store) GetOrCreateDM(a, b string, now time.Time) (*ChatChannel, error) {
	members := []string{a, b}
	sort.Strings(members)

	row := s.db.QueryRow(`
		SELECT cc.id FROM chat_channels cc
		WHERE cc.kind = 'dm'
		  AND (SELECT COUNT(*) FROM chat_members m WHERE m.channel_id = cc.id) = 2
		  AND EXISTS (SELECT 1 FROM chat_members m WHERE m.channel_id = cc.id AND m.identity = ?)
		  AND EXISTS (SELECT 1 FROM chat_members m WHERE m.channel_id = cc.id AND m.identity = ?)
	`, members[0], members[1])

	var id string
	err := row.Scan(&id)
	if err == nil {
		return s.GetChannel(id)
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("lookup dm: %w", err)
	}

	return s.createChannel(ChatKindDM, members, now)
}

// CreateGroupChannel creates a group channel with the given members.
func (s *Store) CreateGroupChannel(members []string, now time.Time) (*ChatChannel, error) {
	return s.createChannel(ChatKindGroup, members, now)
}

func (s *Store) createChannel(kind string, members []string, now time.Time) (*ChatChannel, error) {
	id, _ := uuid.NewV7()
	ch := &ChatChannel{ID: id.String(), Kind: kind, CreatedAt: now}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO chat_channels (id, kind, created_at) VALUES (?, ?, ?)`, ch.ID, ch.Kind, formatTime(now)); err != nil {
		return nil, fmt.Errorf("insert channel: %w", err)
	}
	for _, m := range members {
		if _, err := tx.Exec(`INSERT INTO chat_members (channel_id, identity) VALUES (?, ?)`, ch.ID, m); err != nil {
			return nil, fmt.Errorf("insert member: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ch, nil
}

// GetChannel retrieves a channel by id.
func (s *Store) GetChannel(id string) (*ChatChannel, error) {
	var ch ChatChannel
	var createdAt string
	err := s.db.QueryRow(`SELECT id, kind, created_at FROM chat_channels WHERE id = ?`, id).Scan(&ch.ID, &ch.Kind, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}
	ch.CreatedAt = parseTime(createdAt)
	return &ch, nil
}

// ListChannelsFor returns every channel identity is a member of.
func (s *Store) ListChannelsFor(identity string) ([]*ChatChannel, error) {
	rows, err := s.db.Query(`
		SELECT cc.id, cc.kind, cc.created_at FROM chat_channels cc
		JOIN chat_members m ON m.channel_id = cc.id
		WHERE m.identity = ?
		ORDER BY cc.created_at DESC
	`, identity)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var channels []*ChatChannel
	for rows.Next() {
		var ch ChatChannel
		var createdAt string
		if err := rows.Scan(&ch.ID, &ch.Kind, &createdAt); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		ch.CreatedAt = parseTime(createdAt)
		channels = append(channels, &ch)
	}
	return channels, rows.Err()
}

// ChannelMembers returns the identities belonging to a channel.
func (s *Store) ChannelMembers(channelID string) ([]*ChatMember, error) {
	rows, err := s.db.Query(`SELECT channel_id, identity, last_read_at FROM chat_members WHERE channel_id = ?`, channelID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []*ChatMember
	for rows.Next() {
		var m ChatMember
		var lastReadAt sql.NullString
		if err := rows.Scan(&m.ChannelID, &m.Identity, &lastReadAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		m.LastReadAt = parseNullTime(lastReadAt)
		members = append(members, &m)
	}
	return members, rows.Err()
}

// PostChatMessage inserts a message into a channel.
func (s *Store) PostChatMessage(channelID, sender, body string, now time.Time) (*ChatMessage, error) {
	res, err := s.db.Exec(`INSERT INTO chat_messages (channel_id, sender, body, created_at) VALUES (?, ?, ?, ?)`,
		channelID, sender, body, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("post chat message: %w", err)
	}
	id, _ := res.LastInsertId()
	return &ChatMessage{ID: id, ChannelID: channelID, Sender: sender, Body: body, CreatedAt: now}, nil
}

// ListChatMessages returns the most recent messages in a channel, oldest
// first, capped to limit.
func (s *Store) ListChatMessages(channelID string, limit int) ([]*ChatMessage, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, channel_id, sender, body, created_at FROM (
			SELECT id, channel_id, sender, body, created_at FROM chat_messages
			WHERE channel_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	var msgs []*ChatMessage
	for rows.Next() {
		var m ChatMessage
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.Sender, &m.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		m.CreatedAt = parseTime(createdAt)
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// MarkChannelRead sets lastReadAt for identity in channel.
func (s *Store) MarkChannelRead(channelID, identity string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE chat_members SET last_read_at = ? WHERE channel_id = ? AND identity = ?`,
		formatTime(now), channelID, identity)
	if err != nil {
		return fmt.Errorf("mark channel read: %w", err)
	}
	return nil
}

// UnreadCount returns the number of messages after identity's lastReadAt.
func (s *Store) UnreadCount(channelID, identity string) (int, error) {
	var lastReadAt sql.NullString
	err := s.db.QueryRow(`SELECT last_read_at FROM chat_members WHERE channel_id = ? AND identity = ?`, channelID, identity).Scan(&lastReadAt)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lookup member: %w", err)
	}

	var count int
	if !lastReadAt.Valid {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM chat_messages WHERE channel_id = ?`, channelID).Scan(&count)
	} else {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM chat_messages WHERE channel_id = ? AND created_at > ?`, channelID, lastReadAt.String).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}
