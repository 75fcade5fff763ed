package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// FetchedMessage is the newest message of a mailbox as read from the provider.
type FetchedMessage struct {
	ID          string
	From        string
	To          string
	Subject     string
	BodyText    string
	ReceivedVia string
}

// Complete reports whether every field needed for persistence is present.
func (m *FetchedMessage) Complete() bool {
	return m.From != "" && m.To != "" && m.Subject != "" && m.BodyText != ""
}

// EnrichedRecord is the persisted output of the pipeline.
type EnrichedRecord struct {
	ContentHash      string
	From             string
	To               string
	Subject          string
	Content          string
	ContentSummary   string
	AccountEmail     string
	NeedsAction      bool
	EventPlanned     bool
	EventTitle       string
	EventDescription string
	EventDateTime    *time.Time
	CreatedAt        time.Time
	ModifiedAt       time.Time
}

// ContentFingerprint is the natural key of an EnrichedRecord: SHA-256 over the
// NUL-separated from, to, subject and content.
func ContentFingerprint(from, to, subject, content string) string {
	h := sha256.New()
	for _, part := range []string{from, to, subject, content} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
