// Package gmail wraps the Gmail v1 API calls the relay makes: push
// subscription and reading the newest message.
package gmail

import (
	"context"
	"strings"
	"time"

	gmailapi "google.golang.org/api/gmail/v1"

	"mailrelay/internal/apperr"
	"mailrelay/internal/model"
)

const me = "me"

// Mailbox is the per-user surface used by the relay services.
type Mailbox interface {
	Watch(ctx context.Context, req WatchRequest) (*WatchResult, error)
	LatestMessage(ctx context.Context) (*model.FetchedMessage, error)
	MessageContent(ctx context.Context, id string) (string, error)
}

// Connector opens a Mailbox for a stored credential.
type Connector interface {
	Connect(ctx context.Context, mailbox, refreshToken string) (Mailbox, error)
}

type WatchRequest struct {
	Topic        string
	Labels       []string
	FilterAction string
}

// WatchResult is the provider's answer to users.watch.
type WatchResult struct {
	HistoryID  uint64
	Expiration time.Time
}

type Client struct {
	svc     *gmailapi.Service
	mailbox string
}

func NewClient(svc *gmailapi.Service, mailbox string) *Client {
	return &Client{svc: svc, mailbox: mailbox}
}

// Watch (re)creates the push subscription of the mailbox.
func (c *Client) Watch(ctx context.Context, req WatchRequest) (*WatchResult, error) {
	resp, err := c.svc.Users.Watch(me, &gmailapi.WatchRequest{
		TopicName:         req.Topic,
		LabelIds:          req.Labels,
		LabelFilterAction: req.FilterAction,
	}).Context(ctx).Do()
	if err != nil {
		return nil, apperr.Wrap("gmail watch", err)
	}

	res := &WatchResult{HistoryID: resp.HistoryId}
	if resp.Expiration > 0 {
		res.Expiration = time.UnixMilli(resp.Expiration).UTC()
	}
	return res, nil
}

// LatestMessage returns the newest message of the mailbox, or nil when the
// mailbox is empty.
func (c *Client) LatestMessage(ctx context.Context) (*model.FetchedMessage, error) {
	list, err := c.svc.Users.Messages.List(me).MaxResults(1).Context(ctx).Do()
	if err != nil {
		return nil, apperr.Wrap("gmail list messages", err)
	}
	if len(list.Messages) == 0 || list.Messages[0] == nil {
		return nil, nil
	}

	msg, err := c.svc.Users.Messages.Get(me, list.Messages[0].Id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, apperr.Wrap("gmail get message", err)
	}
	return c.toFetched(msg)
}

// MessageContent returns the extracted body text of one message.
func (c *Client) MessageContent(ctx context.Context, id string) (string, error) {
	msg, err := c.svc.Users.Messages.Get(me, id).Format("full").Context(ctx).Do()
	if err != nil {
		return "", apperr.Wrap("gmail get message", err)
	}
	return ExtractBody(msg.Payload)
}

func (c *Client) toFetched(msg *gmailapi.Message) (*model.FetchedMessage, error) {
	body, err := ExtractBody(msg.Payload)
	if err != nil {
		return nil, err
	}

	var headers []*gmailapi.MessagePartHeader
	if msg.Payload != nil {
		headers = msg.Payload.Headers
	}
	return &model.FetchedMessage{
		ID:          msg.Id,
		From:        header(headers, "From"),
		To:          header(headers, "To"),
		Subject:     header(headers, "Subject"),
		BodyText:    body,
		ReceivedVia: c.mailbox,
	}, nil
}

func header(headers []*gmailapi.MessagePartHeader, name string) string {
	for _, h := range headers {
		if h != nil && strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}
