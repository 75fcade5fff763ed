package model

import (
	"strings"
	"time"
)

// MailboxUser is a linked mailbox. LastSeenSequence is the watermark: the
// highest push history ID already handled for the mailbox.
type MailboxUser struct {
	MailboxAddress    string
	RefreshCredential string
	LastSeenSequence  uint64
	AccountEmail      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// InboundNotification is one decoded push delivery.
type InboundNotification struct {
	MailboxAddress string
	SequenceNumber uint64
	PushMessageID  string
	RawPayload     []byte
}

// NormalizeAddress is the canonical form of a mailbox address used as a key.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
