package relay

import (
	"encoding/base64"
	"testing"

	"github.com/nalgeon/be"

	"mailrelay/internal/apperr"
)

func pushBody(data string) []byte {
	return []byte(`{"message":{"data":"` + base64.StdEncoding.EncodeToString([]byte(data)) +
		`","messageId":"m-1"},"subscription":"projects/p/subscriptions/s"}`)
}

func TestParsePush(t *testing.T) {
	n, err := ParsePush(pushBody(`{"emailAddress":"U@x.com","historyId":105}`))
	be.Err(t, err, nil)
	be.Equal(t, n.MailboxAddress, "u@x.com")
	be.Equal(t, n.SequenceNumber, uint64(105))
	be.Equal(t, n.PushMessageID, "m-1")
	be.Equal(t, string(n.RawPayload), `{"emailAddress":"U@x.com","historyId":105}`)
}

func TestParsePush_QuotedHistoryID(t *testing.T) {
	n, err := ParsePush(pushBody(`{"emailAddress":"u@x.com","historyId":"9007199254740993"}`))
	be.Err(t, err, nil)
	be.Equal(t, n.SequenceNumber, uint64(9007199254740993))
}

func TestParsePush_URLSafeUnpadded(t *testing.T) {
	data := base64.RawURLEncoding.EncodeToString([]byte(`{"emailAddress":"u@x.com","historyId":7}`))
	n, err := ParsePush([]byte(`{"message":{"data":"` + data + `"}}`))
	be.Err(t, err, nil)
	be.Equal(t, n.SequenceNumber, uint64(7))
}

func TestParsePush_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{"not json", []byte(`hello`)},
		{"no data", []byte(`{"message":{}}`)},
		{"bad base64", []byte(`{"message":{"data":"%%%"}}`)},
		{"data not json", pushBody(`nope`)},
		{"no mailbox", pushBody(`{"historyId":1}`)},
		{"no history", pushBody(`{"emailAddress":"u@x.com"}`)},
		{"negative history", pushBody(`{"emailAddress":"u@x.com","historyId":-1}`)},
		{"fractional history", pushBody(`{"emailAddress":"u@x.com","historyId":1.5}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePush(tt.body)
			be.True(t, err != nil)
			be.Equal(t, apperr.KindOf(err), apperr.KindParse)
		})
	}
}
