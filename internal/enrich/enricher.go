// Package enrich derives a summary, an action flag and event details from a
// message body with a chat completion model.
package enrich

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
)

const (
	CallSummary      = "summary"
	CallAction       = "action_needed"
	CallEvent        = "event"
	CallEventTime    = "event_datetime"
	CallEventDetails = "event_details"

	DefaultEventTitle       = "Untitled event"
	DefaultEventDescription = "No description"
)

// Event is the outcome of event classification. DateTime, Title and
// Description are only meaningful when Planned is set.
type Event struct {
	Planned     bool
	DateTime    time.Time
	Title       string
	Description string
}

type Result struct {
	Summary     string
	NeedsAction bool
	Event       Event
}

type Enricher struct {
	completer    Completer
	maxBodyChars int
	now          func() time.Time
}

type Option func(*Enricher)

// WithClock replaces time.Now as the fallback event time.
func WithClock(now func() time.Time) Option {
	return func(e *Enricher) { e.now = now }
}

// WithMaxBodyChars truncates bodies longer than n runes before prompting.
func WithMaxBodyChars(n int) Option {
	return func(e *Enricher) { e.maxBodyChars = n }
}

func New(completer Completer, opts ...Option) *Enricher {
	e := &Enricher{completer: completer, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enrich runs the three classifications concurrently. The first failure
// cancels the others and is returned.
func (e *Enricher) Enrich(ctx context.Context, body string) (*Result, error) {
	body = e.truncate(body)

	var res Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		summary, err := e.Summarize(gctx, body)
		res.Summary = summary
		return err
	})
	g.Go(func() error {
		needsAction, err := e.ClassifyActionNeeded(gctx, body)
		res.NeedsAction = needsAction
		return err
	})
	g.Go(func() error {
		event, err := e.ClassifyEvent(gctx, body)
		res.Event = event
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &res, nil
}

func (e *Enricher) Summarize(ctx context.Context, body string) (string, error) {
	return e.completer.Complete(ctx, CallSummary, fmt.Sprintf(summaryPrompt, body))
}

// ClassifyActionNeeded reports whether the message asks the reader to do
// something. An answer that is neither yes nor no counts as no.
func (e *Enricher) ClassifyActionNeeded(ctx context.Context, body string) (bool, error) {
	answer, err := e.completer.Complete(ctx, CallAction, fmt.Sprintf(actionPrompt, body))
	if err != nil {
		return false, err
	}
	yes, _ := ParseYesNo(answer)
	return yes, nil
}

// ClassifyEvent asks whether the message references a scheduled event and,
// if so, extracts its time and title/description with two more calls.
// Unparseable extractions fall back to the current time and placeholder text.
func (e *Enricher) ClassifyEvent(ctx context.Context, body string) (Event, error) {
	answer, err := e.completer.Complete(ctx, CallEvent, fmt.Sprintf(eventPrompt, body))
	if err != nil {
		return Event{}, err
	}
	if yes, _ := ParseYesNo(answer); !yes {
		return Event{}, nil
	}

	event := Event{Planned: true}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		answer, err := e.completer.Complete(gctx, CallEventTime, fmt.Sprintf(eventTimePrompt, body))
		if err != nil {
			return err
		}
		if dt, ok := ParseEventDateTime(answer); ok {
			event.DateTime = dt
		} else {
			event.DateTime = e.now().UTC().Truncate(time.Minute)
		}
		return nil
	})
	g.Go(func() error {
		answer, err := e.completer.Complete(gctx, CallEventDetails, fmt.Sprintf(eventDetailsPrompt, body))
		if err != nil {
			return err
		}
		event.Title, event.Description = DefaultEventTitle, DefaultEventDescription
		if title, ok := ParseTitle(answer); ok {
			event.Title = title
		}
		if desc, ok := ParseDescription(answer); ok {
			event.Description = desc
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Event{}, err
	}
	return event, nil
}

func (e *Enricher) truncate(body string) string {
	if e.maxBodyChars <= 0 || utf8.RuneCountInString(body) <= e.maxBodyChars {
		return body
	}
	runes := []rune(body)
	return string(runes[:e.maxBodyChars])
}
