package relay

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nalgeon/be"
	"go.uber.org/zap"

	mqcontracts "mailrelay/contracts/mq"
	"mailrelay/internal/apperr"
	"mailrelay/internal/enrich"
	"mailrelay/internal/gmail"
	"mailrelay/internal/model"
	"mailrelay/internal/store"
)

type fakeMailbox struct {
	msg     *model.FetchedMessage
	err     error
	fetches *atomic.Int32
}

func (m *fakeMailbox) Watch(ctx context.Context, req gmail.WatchRequest) (*gmail.WatchResult, error) {
	return &gmail.WatchResult{}, nil
}

func (m *fakeMailbox) LatestMessage(ctx context.Context) (*model.FetchedMessage, error) {
	m.fetches.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	if m.msg == nil {
		return nil, nil
	}
	cp := *m.msg
	return &cp, nil
}

func (m *fakeMailbox) MessageContent(ctx context.Context, id string) (string, error) {
	return m.msg.BodyText, nil
}

type fakeConnector struct {
	mailbox *fakeMailbox
	err     error
}

func (c *fakeConnector) Connect(ctx context.Context, mailbox, refreshToken string) (gmail.Mailbox, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.mailbox, nil
}

type fakeEnricher struct {
	calls atomic.Int32
	res   *enrich.Result
	err   error
}

func (e *fakeEnricher) Enrich(ctx context.Context, body string) (*enrich.Result, error) {
	e.calls.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	return e.res, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	payloads []*mqcontracts.MailEnrichedPayload
	err      error
}

func (n *fakeNotifier) Notify(ctx context.Context, p *mqcontracts.MailEnrichedPayload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, p)
	return n.err
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.payloads)
}

type fixture struct {
	svc      *Service
	store    store.Store
	mailbox  *fakeMailbox
	enricher *fakeEnricher
	notifier *fakeNotifier
	fetches  *atomic.Int32
}

func inboundMessage() *model.FetchedMessage {
	return &model.FetchedMessage{
		ID:          "m1",
		From:        `"Alice" <alice@x.com>`,
		To:          "u@x.com",
		Subject:     "Planning",
		BodyText:    `Can we meet 2024-03-08 at 14:00? path C:\tmp "quoted"`,
		ReceivedVia: "u@x.com",
	}
}

func newFixture(t *testing.T, watermark uint64) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "relay.db"))
	be.Err(t, err, nil)
	t.Cleanup(st.Close)
	be.Err(t, st.Migrate(ctx), nil)

	be.Err(t, st.UpsertUser(ctx, &model.MailboxUser{MailboxAddress: "u@x.com", RefreshCredential: "rt", AccountEmail: "owner@x.com"}), nil)
	if watermark > 0 {
		_, err := st.AdvanceWatermark(ctx, "u@x.com", watermark)
		be.Err(t, err, nil)
	}

	fetches := &atomic.Int32{}
	mb := &fakeMailbox{msg: inboundMessage(), fetches: fetches}
	event := time.Date(2024, 3, 8, 14, 0, 0, 0, time.UTC)
	en := &fakeEnricher{res: &enrich.Result{
		Summary:     "Alice asks to meet on Friday.",
		NeedsAction: true,
		Event:       enrich.Event{Planned: true, DateTime: event, Title: "Meeting", Description: "Planning meeting"},
	}}
	nt := &fakeNotifier{}

	svc := NewService(st, &fakeConnector{mailbox: mb}, en, nt, nil, zap.NewNop())
	return &fixture{svc: svc, store: st, mailbox: mb, enricher: en, notifier: nt, fetches: fetches}
}

func (f *fixture) watermark(t *testing.T) uint64 {
	t.Helper()
	u, err := f.store.FindUser(context.Background(), "u@x.com")
	be.Err(t, err, nil)
	return u.LastSeenSequence
}

func notification(mailbox string, seq uint64) model.InboundNotification {
	return model.InboundNotification{MailboxAddress: mailbox, SequenceNumber: seq}
}

// A newer history id advances the watermark and runs the pipeline once.
func TestHandleNotification_Advance(t *testing.T) {
	f := newFixture(t, 100)

	outcome, err := f.svc.HandleNotification(context.Background(), notification("u@x.com", 105))
	be.Err(t, err, nil)
	be.Equal(t, outcome, OutcomeProcessed)
	be.Equal(t, f.watermark(t), uint64(105))
	be.Equal(t, f.fetches.Load(), int32(1))
	be.Equal(t, f.enricher.calls.Load(), int32(1))
	be.Equal(t, f.notifier.count(), 1)

	msg := inboundMessage()
	rec, err := f.store.GetRecord(context.Background(), model.ContentFingerprint(msg.From, msg.To, msg.Subject, msg.BodyText))
	be.Err(t, err, nil)
	be.Equal(t, rec.Content, msg.BodyText)
	be.Equal(t, rec.ContentSummary, "Alice asks to meet on Friday.")
	be.Equal(t, rec.AccountEmail, "owner@x.com")
	be.Equal(t, rec.EventTitle, "Meeting")

	p := f.notifier.payloads[0]
	be.Equal(t, p.ContentHash, rec.ContentHash)
	be.Equal(t, p.HistoryID, uint64(105))
	be.Equal(t, p.MailboxAddress, "u@x.com")
}

// Nothing at or below the watermark fetches, enriches or writes.
func TestHandleNotification_Stale(t *testing.T) {
	f := newFixture(t, 105)

	for _, seq := range []uint64{105, 104, 1} {
		outcome, err := f.svc.HandleNotification(context.Background(), notification("u@x.com", seq))
		be.Err(t, err, nil)
		be.Equal(t, outcome, OutcomeStale)
	}
	be.Equal(t, f.watermark(t), uint64(105))
	be.Equal(t, f.fetches.Load(), int32(0))
	be.Equal(t, f.enricher.calls.Load(), int32(0))
	be.Equal(t, f.notifier.count(), 0)
}

// Notifications for mailboxes nobody linked are acknowledged and dropped.
func TestHandleNotification_UnknownMailbox(t *testing.T) {
	f := newFixture(t, 100)

	outcome, err := f.svc.HandleNotification(context.Background(), notification("ghost@x.com", 500))
	be.Err(t, err, nil)
	be.Equal(t, outcome, OutcomeUnknownMailbox)
	be.Equal(t, f.fetches.Load(), int32(0))
	be.Equal(t, f.watermark(t), uint64(100))
}

// A message missing a subject advances the watermark but is not stored.
func TestHandleNotification_Incomplete(t *testing.T) {
	f := newFixture(t, 100)
	f.mailbox.msg.Subject = ""

	outcome, err := f.svc.HandleNotification(context.Background(), notification("u@x.com", 101))
	be.Err(t, err, nil)
	be.Equal(t, outcome, OutcomeIncomplete)
	be.Equal(t, f.enricher.calls.Load(), int32(0))
	be.Equal(t, f.notifier.count(), 0)
	be.Equal(t, f.watermark(t), uint64(101))
}

// A completion timeout fails the call, keeps the watermark advanced and
// stores nothing.
func TestHandleNotification_EnrichmentTimeout(t *testing.T) {
	f := newFixture(t, 100)
	f.enricher.err = apperr.Transient("completion event", context.DeadlineExceeded)

	_, err := f.svc.HandleNotification(context.Background(), notification("u@x.com", 105))
	be.Err(t, err, context.DeadlineExceeded)
	be.Equal(t, apperr.KindOf(err), apperr.KindTransient)
	be.Equal(t, f.watermark(t), uint64(105))
	be.Equal(t, f.notifier.count(), 0)

	msg := inboundMessage()
	_, err = f.store.GetRecord(context.Background(), model.ContentFingerprint(msg.From, msg.To, msg.Subject, msg.BodyText))
	be.Err(t, err, store.ErrNotFound)

	// redelivery of the same notification is now stale
	outcome, err := f.svc.HandleNotification(context.Background(), notification("u@x.com", 105))
	be.Err(t, err, nil)
	be.Equal(t, outcome, OutcomeStale)
}

func TestHandleNotification_SelfSent(t *testing.T) {
	f := newFixture(t, 100)
	f.mailbox.msg.From = "Me Myself <U@X.com>"

	outcome, err := f.svc.HandleNotification(context.Background(), notification("u@x.com", 101))
	be.Err(t, err, nil)
	be.Equal(t, outcome, OutcomeSelfSent)
	be.Equal(t, f.enricher.calls.Load(), int32(0))
	be.Equal(t, f.notifier.count(), 0)
}

func TestHandleNotification_NoMessage(t *testing.T) {
	f := newFixture(t, 100)
	f.mailbox.msg = nil

	outcome, err := f.svc.HandleNotification(context.Background(), notification("u@x.com", 101))
	be.Err(t, err, nil)
	be.Equal(t, outcome, OutcomeNoMessage)
	be.Equal(t, f.watermark(t), uint64(101))
}

func TestHandleNotification_CredentialFailure(t *testing.T) {
	f := newFixture(t, 100)
	f.svc.connector = &fakeConnector{err: apperr.Credential("resolve u@x.com", gmail.ErrMissingRefreshToken)}

	_, err := f.svc.HandleNotification(context.Background(), notification("u@x.com", 101))
	be.Equal(t, apperr.KindOf(err), apperr.KindCredential)
	be.Equal(t, f.watermark(t), uint64(101))
}

// The same message reached through two history ids is stored once and
// forwarded once; the second run only refreshes the summary.
func TestHandleNotification_SameMessageTwice(t *testing.T) {
	f := newFixture(t, 100)

	_, err := f.svc.HandleNotification(context.Background(), notification("u@x.com", 101))
	be.Err(t, err, nil)
	f.enricher.res.Summary = "Updated summary."
	outcome, err := f.svc.HandleNotification(context.Background(), notification("u@x.com", 102))
	be.Err(t, err, nil)
	be.Equal(t, outcome, OutcomeProcessed)
	be.Equal(t, f.notifier.count(), 1)

	msg := inboundMessage()
	rec, err := f.store.GetRecord(context.Background(), model.ContentFingerprint(msg.From, msg.To, msg.Subject, msg.BodyText))
	be.Err(t, err, nil)
	be.Equal(t, rec.ContentSummary, "Updated summary.")
}

func TestHandleNotification_ConcurrentRedelivery(t *testing.T) {
	f := newFixture(t, 100)

	outcomes := make([]Outcome, 8)
	var wg sync.WaitGroup
	for i := range outcomes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.svc.HandleNotification(context.Background(), notification("u@x.com", 105))
			if err == nil {
				outcomes[i] = out
			}
		}()
	}
	wg.Wait()

	processed := 0
	for _, o := range outcomes {
		switch o {
		case OutcomeProcessed:
			processed++
		case OutcomeStale:
		default:
			t.Fatalf("unexpected outcome %q", o)
		}
	}
	be.Equal(t, processed, 1)
	be.Equal(t, f.fetches.Load(), int32(1))
	be.Equal(t, f.notifier.count(), 1)
	be.Equal(t, f.watermark(t), uint64(105))
}

func TestHandleNotification_ForwardFailureDoesNotFail(t *testing.T) {
	f := newFixture(t, 100)
	f.notifier.err = errors.New("backend down")

	outcome, err := f.svc.HandleNotification(context.Background(), notification("u@x.com", 101))
	be.Err(t, err, nil)
	be.Equal(t, outcome, OutcomeProcessed)
}
