package mq

import "time"

// RoutingKeyMailEnriched is published once per newly persisted record.
const RoutingKeyMailEnriched = "mail.enriched"

// MailEnrichedPayload is the body of a mail.enriched event and the JSON
// document forwarded to the low-code backend.
type MailEnrichedPayload struct {
	ContentHash      string     `json:"content_hash"`
	From             string     `json:"from"`
	To               string     `json:"to"`
	Subject          string     `json:"subject"`
	Content          string     `json:"content"`
	ContentSummary   string     `json:"content_summary"`
	AccountEmail     string     `json:"account_email,omitempty"`
	MailboxAddress   string     `json:"mailbox_address"`
	NeedsAction      bool       `json:"needs_action"`
	EventPlanned     bool       `json:"event_planned"`
	EventTitle       string     `json:"event_title,omitempty"`
	EventDescription string     `json:"event_description,omitempty"`
	EventDateTime    *time.Time `json:"event_datetime,omitempty"`
	HistoryID        uint64     `json:"history_id"`
	TraceID          string     `json:"trace_id,omitempty"`
}
