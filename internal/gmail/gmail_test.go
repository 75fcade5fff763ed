package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nalgeon/be"
	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"mailrelay/internal/apperr"
	"mailrelay/internal/config"
)

func b64(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// fakeGmail serves the subset of the Gmail API the client calls.
type fakeGmail struct {
	messages []map[string]any

	mu         sync.Mutex
	watchBody  map[string]any
	authHeader string
	maxResults string
}

func (f *fakeGmail) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.authHeader = r.Header.Get("Authorization")
	path := r.URL.Path
	switch {
	case strings.HasSuffix(path, "/users/me/watch"):
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &f.watchBody)
		writeJSON(w, map[string]any{"historyId": "4242", "expiration": "1700000000000"})
	case strings.HasSuffix(path, "/users/me/messages"):
		f.maxResults = r.URL.Query().Get("maxResults")
		var refs []map[string]any
		if len(f.messages) > 0 {
			refs = append(refs, map[string]any{"id": f.messages[0]["id"]})
		}
		writeJSON(w, map[string]any{"messages": refs})
	case strings.Contains(path, "/users/me/messages/"):
		id := path[strings.LastIndex(path, "/")+1:]
		for _, m := range f.messages {
			if m["id"] == id {
				writeJSON(w, m)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]any{"error": map[string]any{"code": 404, "message": "not found"}})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestClient(t *testing.T, f *fakeGmail) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	svc, err := gmailapi.NewService(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	be.Err(t, err, nil)
	return NewClient(svc, "me@example.com")
}

func multipartMessage(id string) map[string]any {
	return map[string]any{
		"id": id,
		"payload": map[string]any{
			"mimeType": "multipart/mixed",
			"headers": []map[string]string{
				{"name": "From", "value": `"Alice" <alice@example.com>`},
				{"name": "To", "value": "me@example.com"},
				{"name": "Subject", "value": "Lunch"},
			},
			"parts": []map[string]any{
				{
					"mimeType": "multipart/alternative",
					"parts": []map[string]any{
						{"mimeType": "text/plain", "body": map[string]any{"data": b64(`Lunch at "noon"? C:\path`)}},
						{"mimeType": "text/html", "body": map[string]any{"data": b64("<p>Lunch</p>")}},
					},
				},
				{"mimeType": "text/plain", "filename": "notes.txt", "body": map[string]any{"attachmentId": "a1"}},
			},
		},
	}
}

func TestClient_LatestMessage(t *testing.T) {
	f := &fakeGmail{messages: []map[string]any{multipartMessage("m1")}}
	c := newTestClient(t, f)

	msg, err := c.LatestMessage(context.Background())
	be.Err(t, err, nil)
	f.mu.Lock()
	be.Equal(t, f.maxResults, "1")
	f.mu.Unlock()
	be.Equal(t, msg.ID, "m1")
	be.Equal(t, msg.From, `"Alice" <alice@example.com>`)
	be.Equal(t, msg.To, "me@example.com")
	be.Equal(t, msg.Subject, "Lunch")
	be.Equal(t, msg.BodyText, `Lunch at "noon"? C:\path`)
	be.Equal(t, msg.ReceivedVia, "me@example.com")
	be.True(t, msg.Complete())
}

func TestClient_LatestMessage_Empty(t *testing.T) {
	c := newTestClient(t, &fakeGmail{})

	msg, err := c.LatestMessage(context.Background())
	be.Err(t, err, nil)
	be.True(t, msg == nil)
}

func TestClient_MessageContent(t *testing.T) {
	c := newTestClient(t, &fakeGmail{messages: []map[string]any{multipartMessage("m1")}})

	body, err := c.MessageContent(context.Background(), "m1")
	be.Err(t, err, nil)
	be.Equal(t, body, `Lunch at "noon"? C:\path`)

	_, err = c.MessageContent(context.Background(), "missing")
	be.True(t, err != nil)
}

func TestClient_Watch(t *testing.T) {
	f := &fakeGmail{}
	c := newTestClient(t, f)

	res, err := c.Watch(context.Background(), WatchRequest{
		Topic:        "projects/p/topics/gmail",
		Labels:       []string{"UNREAD"},
		FilterAction: "include",
	})
	be.Err(t, err, nil)
	be.Equal(t, res.HistoryID, uint64(4242))
	be.Equal(t, res.Expiration, time.UnixMilli(1700000000000).UTC())
	f.mu.Lock()
	defer f.mu.Unlock()
	be.Equal(t, f.watchBody["topicName"], any("projects/p/topics/gmail"))
	be.Equal(t, f.watchBody["labelFilterAction"], any("include"))
}

func TestResolver_EmptyToken(t *testing.T) {
	r := NewResolver(config.GoogleConfig{ClientID: "id", ClientSecret: "secret"})

	_, err := r.Resolve(context.Background(), "me@example.com", "")
	be.Err(t, err, ErrMissingRefreshToken)
	be.Equal(t, apperr.KindOf(err), apperr.KindCredential)
}

func newResolverWithTokenServer(t *testing.T, tokenHandler http.HandlerFunc, f *fakeGmail) *Resolver {
	t.Helper()
	tokenSrv := httptest.NewServer(tokenHandler)
	t.Cleanup(tokenSrv.Close)
	apiSrv := httptest.NewServer(f)
	t.Cleanup(apiSrv.Close)

	r := NewResolver(config.GoogleConfig{ClientID: "id", ClientSecret: "secret", RequestTimeout: 5 * time.Second},
		option.WithEndpoint(apiSrv.URL+"/"))
	r.oauth.Endpoint = oauth2.Endpoint{TokenURL: tokenSrv.URL, AuthStyle: oauth2.AuthStyleInParams}
	return r
}

func TestResolver_RefreshesAccessToken(t *testing.T) {
	f := &fakeGmail{messages: []map[string]any{multipartMessage("m1")}}
	r := newResolverWithTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("refresh_token") != "refresh-1" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"invalid_grant"}`)
			return
		}
		writeJSON(w, map[string]any{"access_token": "access-1", "token_type": "Bearer", "expires_in": 3600})
	}, f)

	mb, err := r.Connect(context.Background(), "me@example.com", "refresh-1")
	be.Err(t, err, nil)

	msg, err := mb.LatestMessage(context.Background())
	be.Err(t, err, nil)
	be.Equal(t, msg.ID, "m1")
	f.mu.Lock()
	defer f.mu.Unlock()
	be.Equal(t, f.authHeader, "Bearer access-1")
}

func TestResolver_RevokedToken(t *testing.T) {
	r := newResolverWithTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`)
	}, &fakeGmail{})

	c, err := r.Resolve(context.Background(), "me@example.com", "revoked")
	be.Err(t, err, nil)

	_, err = c.LatestMessage(context.Background())
	be.True(t, err != nil)
	be.Equal(t, apperr.KindOf(err), apperr.KindCredential)
}

func TestResolver_TokenEndpointOutage(t *testing.T) {
	r := newResolverWithTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":"backend_error"}`)
	}, &fakeGmail{})

	c, err := r.Resolve(context.Background(), "me@example.com", "refresh-1")
	be.Err(t, err, nil)

	_, err = c.LatestMessage(context.Background())
	be.True(t, err != nil)
	be.Equal(t, apperr.KindOf(err), apperr.KindTransient)
	be.True(t, apperr.IsRetryable(err))
}

func TestExtractBody(t *testing.T) {
	tests := []struct {
		name    string
		payload *gmailapi.MessagePart
		want    string
	}{
		{
			name:    "top-level body",
			payload: &gmailapi.MessagePart{MimeType: "text/plain", Body: &gmailapi.MessagePartBody{Data: b64("plain")}},
			want:    "plain",
		},
		{
			name:    "padded base64url",
			payload: &gmailapi.MessagePart{Body: &gmailapi.MessagePartBody{Data: base64.URLEncoding.EncodeToString([]byte("ab?"))}},
			want:    "ab?",
		},
		{
			name: "html when no plain part",
			payload: &gmailapi.MessagePart{
				MimeType: "multipart/alternative",
				Parts: []*gmailapi.MessagePart{
					{MimeType: "image/png", Body: &gmailapi.MessagePartBody{Data: b64("png")}},
					{MimeType: "text/html", Body: &gmailapi.MessagePartBody{Data: b64("<b>hi</b>")}},
				},
			},
			want: "<b>hi</b>",
		},
		{
			name: "attachments skipped, falls back to top-level",
			payload: &gmailapi.MessagePart{
				Body: &gmailapi.MessagePartBody{Data: b64("fallback")},
				Parts: []*gmailapi.MessagePart{
					{MimeType: "text/plain", Filename: "a.txt", Body: &gmailapi.MessagePartBody{Data: b64("attached")}},
				},
			},
			want: "fallback",
		},
		{name: "nil payload", payload: nil, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractBody(tt.payload)
			be.Err(t, err, nil)
			be.Equal(t, got, tt.want)
		})
	}
}

func TestExtractBody_BadEncoding(t *testing.T) {
	_, err := ExtractBody(&gmailapi.MessagePart{Body: &gmailapi.MessagePartBody{Data: "!!!"}})
	be.Equal(t, apperr.KindOf(err), apperr.KindParse)
}

func TestAddressOf(t *testing.T) {
	be.Equal(t, AddressOf(`"Alice Smith" <Alice@Example.com>`), "Alice@Example.com")
	be.Equal(t, AddressOf("bob@example.com"), "bob@example.com")
	be.Equal(t, AddressOf("Broken <carol@example.com"), "Broken <carol@example.com")
	be.True(t, SameAddress("Me <ME@example.com>", "me@example.com"))
	be.True(t, !SameAddress("Alice <alice@example.com>", "me@example.com"))
}
