package gmail

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"mailrelay/internal/apperr"
	"mailrelay/internal/config"
)

// ErrMissingRefreshToken is returned by Resolve for users without a stored credential.
var ErrMissingRefreshToken = errors.New("refresh token is empty")

// Resolver turns a stored refresh token into an authenticated Gmail client.
// Nothing is cached: every call builds a fresh token source.
type Resolver struct {
	oauth   *oauth2.Config
	timeout time.Duration
	opts    []option.ClientOption
}

// NewResolver builds a resolver for the configured OAuth client. Extra options
// are appended to every Gmail service it creates.
func NewResolver(cfg config.GoogleConfig, opts ...option.ClientOption) *Resolver {
	return &Resolver{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Endpoint:     google.Endpoint,
			Scopes:       []string{gmailapi.GmailReadonlyScope},
		},
		timeout: cfg.RequestTimeout,
		opts:    opts,
	}
}

// Resolve returns a client for mailbox. A refresh token the provider rejects is
// only detected on the first API call, where it surfaces as a credential error.
func (r *Resolver) Resolve(ctx context.Context, mailbox, refreshToken string) (*Client, error) {
	if refreshToken == "" {
		return nil, apperr.Credential("resolve "+mailbox, ErrMissingRefreshToken)
	}

	ts := r.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	httpClient := &http.Client{
		Transport: &oauth2.Transport{Source: ts},
		Timeout:   r.timeout,
	}

	opts := append([]option.ClientOption{option.WithHTTPClient(httpClient)}, r.opts...)
	svc, err := gmailapi.NewService(ctx, opts...)
	if err != nil {
		return nil, apperr.Wrap("create gmail service", err)
	}
	return NewClient(svc, mailbox), nil
}

// Connect is Resolve behind the Mailbox interface.
func (r *Resolver) Connect(ctx context.Context, mailbox, refreshToken string) (Mailbox, error) {
	c, err := r.Resolve(ctx, mailbox, refreshToken)
	if err != nil {
		return nil, err
	}
	return c, nil
}
