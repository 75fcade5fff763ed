package store

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailrelay/internal/apperr"
	"mailrelay/internal/model"
)

//go:embed schema_postgres.sql
var postgresSchema string

// Postgres is the production store. Every call acquires its own pooled
// connection.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{db: pool}
}

func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return apperr.Storage("migrate", err)
	}
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Postgres) Close() {
	s.db.Close()
}

func (s *Postgres) FindUser(ctx context.Context, mailbox string) (*model.MailboxUser, error) {
	query := `
        SELECT mailbox_address, refresh_credential, last_seen_sequence, account_email, created_at, updated_at
        FROM mailbox_users
        WHERE mailbox_address = $1
    `
	var u model.MailboxUser
	var seq int64
	err := s.db.QueryRow(ctx, query, model.NormalizeAddress(mailbox)).Scan(
		&u.MailboxAddress,
		&u.RefreshCredential,
		&seq,
		&u.AccountEmail,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperr.Storage("find user", err)
	}
	u.LastSeenSequence = uint64(seq)
	return &u, nil
}

func (s *Postgres) AdvanceWatermark(ctx context.Context, mailbox string, seq uint64) (bool, error) {
	query := `
        UPDATE mailbox_users
        SET last_seen_sequence = $2, updated_at = NOW()
        WHERE mailbox_address = $1 AND last_seen_sequence < $2
    `
	tag, err := s.db.Exec(ctx, query, model.NormalizeAddress(mailbox), int64(seq))
	if err != nil {
		return false, apperr.Storage("advance watermark", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) UpsertUser(ctx context.Context, u *model.MailboxUser) error {
	query := `
        INSERT INTO mailbox_users (mailbox_address, refresh_credential, account_email, created_at, updated_at)
        VALUES ($1, $2, $3, NOW(), NOW())
        ON CONFLICT (mailbox_address) DO UPDATE SET
            refresh_credential = EXCLUDED.refresh_credential,
            account_email = COALESCE(NULLIF(EXCLUDED.account_email, ''), mailbox_users.account_email),
            updated_at = NOW()
    `
	_, err := s.db.Exec(ctx, query, model.NormalizeAddress(u.MailboxAddress), u.RefreshCredential, u.AccountEmail)
	if err != nil {
		return apperr.Storage("upsert user", err)
	}
	return nil
}

func (s *Postgres) ListSubscribable(ctx context.Context) ([]model.MailboxUser, error) {
	query := `
        SELECT mailbox_address, refresh_credential, last_seen_sequence, account_email, created_at, updated_at
        FROM mailbox_users
        WHERE refresh_credential <> ''
        ORDER BY mailbox_address
    `
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, apperr.Storage("list users", err)
	}
	defer rows.Close()

	var users []model.MailboxUser
	for rows.Next() {
		var u model.MailboxUser
		var seq int64
		if err := rows.Scan(&u.MailboxAddress, &u.RefreshCredential, &seq, &u.AccountEmail, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, apperr.Storage("list users", err)
		}
		u.LastSeenSequence = uint64(seq)
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("list users", err)
	}
	return users, nil
}

func (s *Postgres) UpsertRecord(ctx context.Context, r *model.EnrichedRecord) (bool, error) {
	// xmax is zero only for a row this statement inserted.
	query := `
        INSERT INTO collected_messages (
            content_hash, from_address, to_address, subject, content, content_summary,
            account_email, needs_action, event_planned, event_title, event_description,
            event_datetime, created_at, modified_at
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
        ON CONFLICT (content_hash) DO UPDATE SET
            content_summary = EXCLUDED.content_summary,
            modified_at = NOW()
        RETURNING (xmax = 0), created_at, modified_at
    `
	var inserted bool
	err := s.db.QueryRow(ctx, query,
		r.ContentHash,
		r.From,
		r.To,
		r.Subject,
		r.Content,
		r.ContentSummary,
		r.AccountEmail,
		r.NeedsAction,
		r.EventPlanned,
		r.EventTitle,
		r.EventDescription,
		r.EventDateTime,
	).Scan(&inserted, &r.CreatedAt, &r.ModifiedAt)
	if err != nil {
		return false, apperr.Storage("upsert record", err)
	}
	return inserted, nil
}

func (s *Postgres) GetRecord(ctx context.Context, contentHash string) (*model.EnrichedRecord, error) {
	query := `
        SELECT content_hash, from_address, to_address, subject, content, content_summary,
               account_email, needs_action, event_planned, event_title, event_description,
               event_datetime, created_at, modified_at
        FROM collected_messages
        WHERE content_hash = $1
    `
	var r model.EnrichedRecord
	var eventAt *time.Time
	err := s.db.QueryRow(ctx, query, contentHash).Scan(
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
		&r.CreatedAt,
		&r.ModifiedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperr.Storage("get record", err)
	}
	r.EventDateTime = eventAt
	return &r, nil
}
