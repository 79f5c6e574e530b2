package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// notebook content is stored zstd-compressed; pages are edited far more
// often than read in full, and the CRDT document text compresses well.
var (
	notebookEncoder, _ = zstd.NewWriter(nil)
	notebookDecoder, _ = zstd.NewReader(nil)
)

func compressContent(content string) []byte {
	return notebookEncoder.EncodeAll([]byte(content), nil)
}

func decompressContent(blob []byte) (string, error) {
	if len(blob) == 0 {
		return "", nil
	}
	out, err := notebookDecoder.DecodeAll(blob, nil)
	if err != nil {
		return "", fmt.Errorf("decompress notebook content: %w", err)
	}
	return string(out), nil
}

const notebookColumns = "id, title, content, created_by, tagged_users, tags, locked, locked_by, expires_at, review_at, archived_at, created_at, updated_at"

// CreateNotebookPage inserts a new page.
func (s *Store) CreateNotebookPage(p NotebookPage) (*NotebookPage, error) {
	if p.ID == "" {
		id, _ := uuid.NewV7()
		p.ID = id.String()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	_, err := s.db.Exec(`
		INSERT INTO notebook_pages (id, title, content, created_by, tagged_users, tags, locked, locked_by, expires_at, review_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Title, compressContent(p.Content), p.CreatedBy, nullStr(strings.Join(p.TaggedUsers, ",")),
		nullStr(strings.Join(p.Tags, ",")), boolToInt(p.Locked), nullStr(p.LockedBy),
		formatNullTime(p.ExpiresAt), formatNullTime(p.ReviewAt), formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("create notebook page: %w", err)
	}
	return &p, nil
}

// GetNotebookPage retrieves a page and decompresses its content.
func (s *Store) GetNotebookPage(id string) (*NotebookPage, error) {
	row := s.db.QueryRow(`SELECT `+notebookColumns+` FROM notebook_pages WHERE id = ?`, id)
	return scanNotebookPage(row)
}

// ListNotebookPages returns non-archived pages, most recently updated first.
func (s *Store) ListNotebookPages() ([]*NotebookPage, error) {
	rows, err := s.db.Query(`SELECT ` + notebookColumns + ` FROM notebook_pages WHERE archived_at IS NULL ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list notebook pages: %w", err)
	}
	defer rows.Close()

	var out []*NotebookPage
	for rows.Next() {
		p, err := scanNotebookPageRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateNotebookPageContent persists the latest converged document text.
// Called from the debounced save path; does not touch metadata fields.
func (s *Store) UpdateNotebookPageContent(id, content string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE notebook_pages SET content = ?, updated_at = ? WHERE id = ?`,
		compressContent(content), formatTime(now), id)
	if err != nil {
		return fmt.Errorf("update notebook content: %w", err)
	}
	return nil
}

// UpdateNotebookPageMeta updates the REST-editable metadata fields. Callers
// own the racy-overwrite tradeoff described for the PATCH endpoint: this
// does not merge against concurrent WebSocket edits to content.
func (s *Store) UpdateNotebookPageMeta(p NotebookPage, now time.Time) error {
	_, err := s.db.Exec(`
		UPDATE notebook_pages SET title=?, tagged_users=?, tags=?, locked=?, locked_by=?, expires_at=?, review_at=?, updated_at=?
		WHERE id = ?
	`, p.Title, nullStr(strings.Join(p.TaggedUsers, ",")), nullStr(strings.Join(p.Tags, ",")),
		boolToInt(p.Locked), nullStr(p.LockedBy), formatNullTime(p.ExpiresAt), formatNullTime(p.ReviewAt), formatTime(now), p.ID)
	if err != nil {
		return fmt.Errorf("update notebook meta: %w", err)
	}
	return nil
}

// ArchiveNotebookPage soft-deletes a page.
func (s *Store) ArchiveNotebookPage(id string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE notebook_pages SET archived_at = ? WHERE id = ?`, formatTime(now), id)
	return err
}

func scanNotebookPage(row *sql.Row) (*NotebookPage, error)     { return scanNotebookPageScanner(row) }
func scanNotebookPageRow(rows *sql.Rows) (*NotebookPage, error) { return scanNotebookPageScanner(rows) }

func scanNotebookPageScanner(sc scanner) (*NotebookPage, error) {
	var p NotebookPage
	var content []byte
	var taggedUsers, tags, lockedBy, expiresAt, reviewAt, archivedAt sql.NullString
	var locked int
	var createdAt, updatedAt string

	err := sc.Scan(&p.ID, &p.Title, &content, &p.CreatedBy, &taggedUsers, &tags, &locked, &lockedBy,
		&expiresAt, &reviewAt, &archivedAt, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan notebook page: %w", err)
	}

	text, err := decompressContent(content)
	if err != nil {
		return nil, err
	}
	p.Content = text
	if taggedUsers.Valid && taggedUsers.String != "" {
		p.TaggedUsers = strings.Split(taggedUsers.String, ",")
	}
	if tags.Valid && tags.String != "" {
		p.Tags = strings.Split(tags.String, ",")
	}
	p.Locked = locked != 0
	p.LockedBy = lockedBy.String
	p.ExpiresAt = parseNullTime(expiresAt)
	p.ReviewAt = parseNullTime(reviewAt)
	p.ArchivedAt = parseNullTime(archivedAt)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}
