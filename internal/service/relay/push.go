package relay

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"mailrelay/internal/apperr"
	"mailrelay/internal/model"
)

var (
	ErrEmptyPushData  = errors.New("push message has no data")
	ErrMissingMailbox = errors.New("push data has no emailAddress")
	ErrMissingHistory = errors.New("push data has no historyId")
)

// PushEnvelope is the body Cloud Pub/Sub POSTs to a push endpoint.
type PushEnvelope struct {
	Message struct {
		Data        string `json:"data"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime,omitempty"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// pushData is the decoded message data Gmail publishes. historyId arrives as
// a JSON number; a quoted number is accepted too.
type pushData struct {
	EmailAddress string      `json:"emailAddress"`
	HistoryID    json.Number `json:"historyId"`
}

// ParsePush decodes a Pub/Sub push body into a notification. Every failure
// is a parse error.
func ParsePush(body []byte) (model.InboundNotification, error) {
	var env PushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return model.InboundNotification{}, apperr.Parse("decode push envelope", err)
	}
	if env.Message.Data == "" {
		return model.InboundNotification{}, apperr.Parse("decode push envelope", ErrEmptyPushData)
	}

	raw, err := decodeData(env.Message.Data)
	if err != nil {
		return model.InboundNotification{}, apperr.Parse("decode push data", err)
	}

	var data pushData
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return model.InboundNotification{}, apperr.Parse("decode push data", err)
	}
	if strings.TrimSpace(data.EmailAddress) == "" {
		return model.InboundNotification{}, apperr.Parse("decode push data", ErrMissingMailbox)
	}
	if data.HistoryID == "" {
		return model.InboundNotification{}, apperr.Parse("decode push data", ErrMissingHistory)
	}
	seq, err := strconv.ParseUint(data.HistoryID.String(), 10, 64)
	if err != nil {
		return model.InboundNotification{}, apperr.Parse("decode push data", err)
	}

	return model.InboundNotification{
		MailboxAddress: model.NormalizeAddress(data.EmailAddress),
		SequenceNumber: seq,
		PushMessageID:  env.Message.MessageID,
		RawPayload:     raw,
	}, nil
}

// decodeData accepts standard or URL-safe base64, padded or not.
func decodeData(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	if strings.ContainsAny(s, "-_") {
		return base64.RawURLEncoding.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}
