// Package store persists mailbox users and enriched records.
package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"mailrelay/internal/model"
	"mailrelay/pkg/config"
	"mailrelay/pkg/db"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

type Store interface {
	// FindUser returns ErrNotFound for unknown mailboxes.
	FindUser(ctx context.Context, mailbox string) (*model.MailboxUser, error)
	// AdvanceWatermark sets the watermark to seq only if it is currently
	// lower, and reports whether it did. Concurrent callers with the same
	// seq see exactly one true.
	AdvanceWatermark(ctx context.Context, mailbox string, seq uint64) (bool, error)
	// UpsertUser links a mailbox or replaces its credential. The watermark
	// of an existing user is left untouched.
	UpsertUser(ctx context.Context, user *model.MailboxUser) error
	// ListSubscribable returns users with a non-empty refresh credential.
	ListSubscribable(ctx context.Context) ([]model.MailboxUser, error)

	// UpsertRecord inserts rec or, when its content hash exists, refreshes the
	// summary and modification time. inserted is true for a new row.
	UpsertRecord(ctx context.Context, rec *model.EnrichedRecord) (inserted bool, err error)
	GetRecord(ctx context.Context, contentHash string) (*model.EnrichedRecord, error)

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()
}

// Open connects to the configured driver and returns the matching store.
func Open(ctx context.Context, cfg config.DBConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "postgres":
		pool, err := db.NewConnection(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return NewPostgres(pool), nil
	case "sqlite":
		logger.Info("Opening SQLite database", zap.String("path", cfg.Path))
		return OpenSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", cfg.Driver)
	}
}
