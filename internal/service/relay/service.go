// Package relay implements the notification gate and the pipeline behind it:
// fetch the newest message, enrich it, persist it and forward new records.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	mqcontracts "mailrelay/contracts/mq"
	"mailrelay/internal/enrich"
	"mailrelay/internal/gmail"
	"mailrelay/internal/model"
	"mailrelay/internal/store"
	"mailrelay/pkg/logger"
	"mailrelay/pkg/metrics"
	"mailrelay/pkg/otel"
	"mailrelay/pkg/trace"
	"mailrelay/pkg/util"
)

// Outcome is the result of a notification that did not fail. Every outcome
// is answered with HTTP 200.
type Outcome string

const (
	OutcomeProcessed      Outcome = "processed"
	OutcomeStale          Outcome = "stale"
	OutcomeUnknownMailbox Outcome = "unknown_mailbox"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeNoMessage      Outcome = "no_message"
	OutcomeSelfSent       Outcome = "self_sent"
	OutcomeIncomplete     Outcome = "incomplete"
)

const dedupScope = "notification"

type Enricher interface {
	Enrich(ctx context.Context, body string) (*enrich.Result, error)
}

// Notifier hands a newly stored record to the backend forwarder.
type Notifier interface {
	Notify(ctx context.Context, payload *mqcontracts.MailEnrichedPayload) error
}

type Service struct {
	store     store.Store
	connector gmail.Connector
	enricher  Enricher
	notifier  Notifier
	deduper   *util.Deduper
	logger    *zap.Logger
}

// NewService wires the gate. notifier and deduper may be nil.
func NewService(
	st store.Store,
	connector gmail.Connector,
	enricher Enricher,
	notifier Notifier,
	deduper *util.Deduper,
	logger *zap.Logger,
) *Service {
	return &Service{
		store:     st,
		connector: connector,
		enricher:  enricher,
		notifier:  notifier,
		deduper:   deduper,
		logger:    logger,
	}
}

// HandleNotification runs one push notification through the gate. An error
// means a genuine failure; when it happens after the watermark advanced, the
// watermark stays advanced.
func (s *Service) HandleNotification(ctx context.Context, n model.InboundNotification) (Outcome, error) {
	ctx, span := otel.StartSpan(ctx, "relay.HandleNotification")
	defer span.End()
	span.SetAttributes(
		attribute.String("mailbox", n.MailboxAddress),
		attribute.Int64("history_id", int64(n.SequenceNumber)),
	)

	log := logger.WithTrace(ctx, s.logger).With(
		zap.String("mailbox", n.MailboxAddress),
		zap.Uint64("history_id", n.SequenceNumber),
	)

	outcome, err := s.handle(ctx, n, log)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.IncrementNotification("error")
		log.Error("Notification failed", zap.Error(err))
		return "", err
	}

	span.SetAttributes(attribute.String("outcome", string(outcome)))
	metrics.IncrementNotification(string(outcome))
	log.Info("Notification handled", zap.String("outcome", string(outcome)))
	return outcome, nil
}

func (s *Service) handle(ctx context.Context, n model.InboundNotification, log *zap.Logger) (Outcome, error) {
	mailbox := model.NormalizeAddress(n.MailboxAddress)
	dedupID := mailbox + ":" + strconv.FormatUint(n.SequenceNumber, 10)

	// --------------------------
	// Step 1: fast-path dedup
	// --------------------------
	if !s.deduper.AcquireOnce(ctx, dedupScope, dedupID) {
		return OutcomeDuplicate, nil
	}

	// --------------------------
	// Step 2: lookup user
	// --------------------------
	user, err := s.store.FindUser(ctx, mailbox)
	if errors.Is(err, store.ErrNotFound) {
		return OutcomeUnknownMailbox, nil
	}
	if err != nil {
		s.deduper.Release(ctx, dedupScope, dedupID)
		return "", fmt.Errorf("find user: %w", err)
	}

	// --------------------------
	// Step 3: advance watermark
	// --------------------------
	advanced, err := s.store.AdvanceWatermark(ctx, mailbox, n.SequenceNumber)
	if err != nil {
		s.deduper.Release(ctx, dedupScope, dedupID)
		return "", fmt.Errorf("advance watermark: %w", err)
	}
	if !advanced {
		log.Debug("Stale notification", zap.Uint64("watermark", user.LastSeenSequence))
		return OutcomeStale, nil
	}

	// --------------------------
	// Step 4: fetch newest message
	// --------------------------
	msg, err := s.fetch(ctx, user)
	if err != nil {
		return "", err
	}
	if msg == nil {
		return OutcomeNoMessage, nil
	}

	// --------------------------
	// Step 5: self-sent guard
	// --------------------------
	if gmail.SameAddress(msg.From, user.MailboxAddress) {
		log.Info("Skipping self-sent message", zap.String("message_id", msg.ID))
		return OutcomeSelfSent, nil
	}

	// --------------------------
	// Step 6: completeness
	// --------------------------
	if !msg.Complete() {
		log.Info("Skipping incomplete message", zap.String("message_id", msg.ID))
		return OutcomeIncomplete, nil
	}

	// --------------------------
	// Step 7: enrich, persist, forward
	// --------------------------
	res, err := s.enrich(ctx, msg.BodyText)
	if err != nil {
		return "", err
	}
	if res.Summary == "" {
		log.Warn("Completion returned an empty summary", zap.String("message_id", msg.ID))
		return OutcomeIncomplete, nil
	}

	rec := buildRecord(msg, user, res)
	inserted, err := s.persist(ctx, rec)
	if err != nil {
		return "", err
	}
	log.Info("Record stored",
		zap.String("content_hash", rec.ContentHash),
		zap.Bool("inserted", inserted),
	)

	if inserted {
		s.forward(ctx, rec, user, n.SequenceNumber, log)
	}
	return OutcomeProcessed, nil
}

func (s *Service) fetch(ctx context.Context, user *model.MailboxUser) (*model.FetchedMessage, error) {
	ctx, span := otel.StartSpan(ctx, "relay.fetch")
	defer span.End()

	mb, err := s.connector.Connect(ctx, user.MailboxAddress, user.RefreshCredential)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}
	msg, err := mb.LatestMessage(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("fetch latest message: %w", err)
	}
	return msg, nil
}

func (s *Service) enrich(ctx context.Context, body string) (*enrich.Result, error) {
	ctx, span := otel.StartSpan(ctx, "relay.enrich")
	defer span.End()

	res, err := s.enricher.Enrich(ctx, body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("enrich: %w", err)
	}
	return res, nil
}

func (s *Service) persist(ctx context.Context, rec *model.EnrichedRecord) (bool, error) {
	ctx, span := otel.StartSpan(ctx, "relay.persist")
	defer span.End()

	inserted, err := s.store.UpsertRecord(ctx, rec)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("upsert record: %w", err)
	}
	return inserted, nil
}

// forward never fails the notification: the record is already stored.
func (s *Service) forward(ctx context.Context, rec *model.EnrichedRecord, user *model.MailboxUser, seq uint64, log *zap.Logger) {
	if s.notifier == nil {
		return
	}
	ctx, span := otel.StartSpan(ctx, "relay.forward")
	defer span.End()

	payload := &mqcontracts.MailEnrichedPayload{
		ContentHash:      rec.ContentHash,
		From:             rec.From,
		To:               rec.To,
		Subject:          rec.Subject,
		Content:          rec.Content,
		ContentSummary:   rec.ContentSummary,
		AccountEmail:     rec.AccountEmail,
		MailboxAddress:   user.MailboxAddress,
		NeedsAction:      rec.NeedsAction,
		EventPlanned:     rec.EventPlanned,
		EventTitle:       rec.EventTitle,
		EventDescription: rec.EventDescription,
		EventDateTime:    rec.EventDateTime,
		HistoryID:        seq,
		TraceID:          trace.FromContext(ctx),
	}
	if err := s.notifier.Notify(ctx, payload); err != nil {
		span.RecordError(err)
		log.Warn("Failed to forward record", zap.String("content_hash", rec.ContentHash), zap.Error(err))
	}
}

func buildRecord(msg *model.FetchedMessage, user *model.MailboxUser, res *enrich.Result) *model.EnrichedRecord {
	rec := &model.EnrichedRecord{
		ContentHash:    model.ContentFingerprint(msg.From, msg.To, msg.Subject, msg.BodyText),
		From:           msg.From,
		To:             msg.To,
		Subject:        msg.Subject,
		Content:        msg.BodyText,
		ContentSummary: res.Summary,
		AccountEmail:   user.AccountEmail,
		NeedsAction:    res.NeedsAction,
		EventPlanned:   res.Event.Planned,
	}
	if rec.AccountEmail == "" {
		rec.AccountEmail = user.MailboxAddress
	}
	if res.Event.Planned {
		at := res.Event.DateTime.UTC().Truncate(time.Minute)
		rec.EventTitle = res.Event.Title
		rec.EventDescription = res.Event.Description
		rec.EventDateTime = &at
	}
	return rec
}
