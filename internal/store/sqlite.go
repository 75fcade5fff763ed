package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"mailrelay/internal/apperr"
	"mailrelay/internal/model"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// SQLite is the single-file store used for local runs and tests. Times are
// stored as unix milliseconds.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers, so the conditional update
	// never races inside SQLite.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	return &SQLite{db: db, now: time.Now}, nil
}

func (s *SQLite) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return apperr.Storage("migrate", err)
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() {
	_ = s.db.Close()
}

func (s *SQLite) stamp() int64 {
	return s.now().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func (s *SQLite) FindUser(ctx context.Context, mailbox string) (*model.MailboxUser, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT mailbox_address, refresh_credential, last_seen_sequence, account_email, created_at, updated_at
		FROM mailbox_users
		WHERE mailbox_address = ?
	`, model.NormalizeAddress(mailbox))

	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperr.Storage("find user", err)
	}
	return u, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*model.MailboxUser, error) {
	var u model.MailboxUser
	var seq, created, updated int64
	if err := row.Scan(&u.MailboxAddress, &u.RefreshCredential, &seq, &u.AccountEmail, &created, &updated); err != nil {
		return nil, err
	}
	u.LastSeenSequence = uint64(seq)
	u.CreatedAt = fromMillis(created)
	u.UpdatedAt = fromMillis(updated)
	return &u, nil
}

func (s *SQLite) AdvanceWatermark(ctx context.Context, mailbox string, seq uint64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mailbox_users
		SET last_seen_sequence = ?, updated_at = ?
		WHERE mailbox_address = ? AND last_seen_sequence < ?
	`, int64(seq), s.stamp(), model.NormalizeAddress(mailbox), int64(seq))
	if err != nil {
		return false, apperr.Storage("advance watermark", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Storage("advance watermark", err)
	}
	return n == 1, nil
}

func (s *SQLite) UpsertUser(ctx context.Context, u *model.MailboxUser) error {
	now := s.stamp()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mailbox_users (mailbox_address, refresh_credential, account_email, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (mailbox_address) DO UPDATE SET
			refresh_credential = excluded.refresh_credential,
			account_email = COALESCE(NULLIF(excluded.account_email, ''), mailbox_users.account_email),
			updated_at = excluded.updated_at
	`, model.NormalizeAddress(u.MailboxAddress), u.RefreshCredential, u.AccountEmail, now, now)
	if err != nil {
		return apperr.Storage("upsert user", err)
	}
	return nil
}

func (s *SQLite) ListSubscribable(ctx context.Context) ([]model.MailboxUser, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mailbox_address, refresh_credential, last_seen_sequence, account_email, created_at, updated_at
		FROM mailbox_users
		WHERE refresh_credential <> ''
		ORDER BY mailbox_address
	`)
	if err != nil {
		return nil, apperr.Storage("list users", err)
	}
	defer rows.Close()

	var users []model.MailboxUser
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, apperr.Storage("list users", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("list users", err)
	}
	return users, nil
}

// UpsertRecord tries a plain insert first; when the hash already exists only
// the summary and modification time are rewritten.
func (s *SQLite) UpsertRecord(ctx context.Context, r *model.EnrichedRecord) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, apperr.Storage("upsert record", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.stamp()
	var eventAt sql.NullInt64
	if r.EventDateTime != nil {
		eventAt = sql.NullInt64{Int64: r.EventDateTime.UnixMilli(), Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO collected_messages (
			content_hash, from_address, to_address, subject, content, content_summary,
			account_email, needs_action, event_planned, event_title, event_description,
			event_datetime, created_at, modified_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (content_hash) DO NOTHING
	`, r.ContentHash, r.From, r.To, r.Subject, r.Content, r.ContentSummary,
		r.AccountEmail, r.NeedsAction, r.EventPlanned, r.EventTitle, r.EventDescription,
		eventAt, now, now)
	if err != nil {
		return false, apperr.Storage("upsert record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Storage("upsert record", err)
	}

	inserted := n == 1
	if !inserted {
		_, err = tx.ExecContext(ctx, `
			UPDATE collected_messages
			SET content_summary = ?, modified_at = ?
			WHERE content_hash = ?
		`, r.ContentSummary, now, r.ContentHash)
		if err != nil {
			return false, apperr.Storage("upsert record", err)
		}
	}

	var created, modified int64
	err = tx.QueryRowContext(ctx,
		`SELECT created_at, modified_at FROM collected_messages WHERE content_hash = ?`,
		r.ContentHash,
	).Scan(&created, &modified)
	if err != nil {
		return false, apperr.Storage("upsert record", err)
	}

	if err := tx.Commit(); err != nil {
		return false, apperr.Storage("upsert record", err)
	}
	r.CreatedAt = fromMillis(created)
	r.ModifiedAt = fromMillis(modified)
	return inserted, nil
}

func (s *SQLite) GetRecord(ctx context.Context, contentHash string) (*model.EnrichedRecord, error) {
	var r model.EnrichedRecord
	var eventAt sql.NullInt64
	var created, modified int64
	err := s.db.QueryRowContext(ctx, `
		SELECT content_hash, from_address, to_address, subject, content, content_summary,
		       account_email, needs_action, event_planned, event_title, event_description,
		       event_datetime, created_at, modified_at
		FROM collected_messages
		WHERE content_hash = ?
	`, contentHash).Scan(
		&r.ContentHash,
		&r.From,
		&r.To,
		&r.Subject,
		&r.Content,
		&r.ContentSummary,
		&r.AccountEmail,
		&r.NeedsAction,
		&r.EventPlanned,
		&r.EventTitle,
		&r.EventDescription,
		&eventAt,
		&created,
		&modified,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperr.Storage("get record", err)
	}
	if eventAt.Valid {
		t := fromMillis(eventAt.Int64)
		r.EventDateTime = &t
	}
	r.CreatedAt = fromMillis(created)
	r.ModifiedAt = fromMillis(modified)
	return &r, nil
}
