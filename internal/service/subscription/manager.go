// Package subscription keeps the Gmail push subscriptions of linked
// mailboxes alive.
package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailrelay/internal/config"
	"mailrelay/internal/gmail"
	"mailrelay/internal/model"
	"mailrelay/internal/store"
	"mailrelay/pkg/metrics"
	"mailrelay/pkg/otel"
)

type Manager struct {
	store       store.Store
	connector   gmail.Connector
	request     gmail.WatchRequest
	interval    time.Duration
	concurrency int
	logger      *zap.Logger
}

func NewManager(st store.Store, connector gmail.Connector, google config.GoogleConfig, renewal config.RenewalConfig, logger *zap.Logger) *Manager {
	concurrency := renewal.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	interval := renewal.Interval
	if interval <= 0 {
		interval = 7 * 24 * time.Hour
	}
	labels := google.Labels
	if len(labels) == 0 {
		labels = config.DefaultWatchLabels
	}
	return &Manager{
		store:     st,
		connector: connector,
		request: gmail.WatchRequest{
			Topic:        google.Topic,
			Labels:       labels,
			FilterAction: google.LabelFilterAction,
		},
		interval:    interval,
		concurrency: concurrency,
		logger:      logger,
	}
}

// SubscribeOne (re)creates the push subscription of one user.
func (m *Manager) SubscribeOne(ctx context.Context, user model.MailboxUser) (*gmail.WatchResult, error) {
	ctx, span := otel.StartSpan(ctx, "subscription.SubscribeOne")
	defer span.End()

	log := m.logger.With(zap.String("mailbox", user.MailboxAddress))

	mb, err := m.connector.Connect(ctx, user.MailboxAddress, user.RefreshCredential)
	if err == nil {
		var res *gmail.WatchResult
		res, err = mb.Watch(ctx, m.request)
		if err == nil {
			metrics.IncrementWatchRenewal("success")
			log.Info("Push subscription renewed",
				zap.Uint64("history_id", res.HistoryID),
				zap.Time("expiration", res.Expiration),
			)
			return res, nil
		}
	}

	span.RecordError(err)
	metrics.IncrementWatchRenewal("failed")
	log.Error("Failed to renew push subscription", zap.Error(err))
	return nil, fmt.Errorf("subscribe %s: %w", user.MailboxAddress, err)
}

// SubscribeAll renews every user with a stored credential through a bounded
// pool. One user's failure does not stop the others; all failures are
// returned combined.
func (m *Manager) SubscribeAll(ctx context.Context) error {
	users, err := m.store.ListSubscribable(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}

	m.logger.Info("Renewing push subscriptions",
		zap.Int("users", len(users)),
		zap.Int("concurrency", m.concurrency),
	)

	var (
		mu     sync.Mutex
		errs   error
		failed int
	)
	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for _, u := range users {
		g.Go(func() error {
			if _, err := m.SubscribeOne(ctx, u); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				failed++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Info("Push subscription renewal finished",
		zap.Int("users", len(users)),
		zap.Int("succeeded", len(users)-failed),
		zap.Int("failed", failed),
	)
	return errs
}

// Link stores (or replaces) the credential of a mailbox and subscribes it.
func (m *Manager) Link(ctx context.Context, mailbox, refreshToken, accountEmail string) (*gmail.WatchResult, error) {
	user := model.MailboxUser{
		MailboxAddress:    model.NormalizeAddress(mailbox),
		RefreshCredential: refreshToken,
		AccountEmail:      accountEmail,
	}
	if err := m.store.UpsertUser(ctx, &user); err != nil {
		return nil, fmt.Errorf("save user: %w", err)
	}
	return m.SubscribeOne(ctx, user)
}

// Run renews all subscriptions immediately and then every interval until
// ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if err := m.SubscribeAll(ctx); err != nil {
			m.logger.Warn("Renewal pass finished with errors", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			m.logger.Info("Renewal scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}
