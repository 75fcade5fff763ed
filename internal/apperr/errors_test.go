package apperr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/nalgeon/be"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

func TestClassify(t *testing.T) {
	var syntaxErr error
	{
		var v map[string]any
		syntaxErr = json.Unmarshal([]byte("{"), &v)
	}

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"oauth retrieve", fmt.Errorf("watch: %w", &oauth2.RetrieveError{ErrorCode: "invalid_grant"}), KindCredential},
		{"token endpoint 503", &oauth2.RetrieveError{Response: &http.Response{StatusCode: 503}, ErrorCode: "backend_error"}, KindTransient},
		{"token endpoint 429", fmt.Errorf("list: %w", &oauth2.RetrieveError{Response: &http.Response{StatusCode: 429}}), KindTransient},
		{"token endpoint 400", &oauth2.RetrieveError{Response: &http.Response{StatusCode: 400}, ErrorCode: "invalid_request"}, KindCredential},
		{"invalid grant on 5xx", &oauth2.RetrieveError{Response: &http.Response{StatusCode: 500}, ErrorCode: "invalid_grant"}, KindCredential},
		{"google 401", &googleapi.Error{Code: 401}, KindCredential},
		{"google 429", &googleapi.Error{Code: 429}, KindTransient},
		{"google 503", &googleapi.Error{Code: 503}, KindTransient},
		{"google 404", &googleapi.Error{Code: 404}, KindUnknown},
		{"json", syntaxErr, KindParse},
		{"postgres", &pgconn.PgError{Code: "08006"}, KindStorage},
		{"breaker open", gobreaker.ErrOpenState, KindTransient},
		{"deadline", fmt.Errorf("summarize: %w", context.DeadlineExceeded), KindTransient},
		{"invalid grant text", errors.New(`oauth2: "invalid_grant" "Token has been expired or revoked."`), KindCredential},
		{"other", errors.New("boom"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			be.Equal(t, Classify(tt.err), tt.want)
		})
	}
}

func TestWrapKeepsExistingKind(t *testing.T) {
	inner := Parse("decode webhook", errors.New("bad base64"))
	wrapped := Wrap("handle", fmt.Errorf("outer: %w", inner))

	be.Equal(t, KindOf(wrapped), KindParse)
	be.True(t, !IsRetryable(wrapped))
	be.Equal(t, Wrap("op", nil), nil)
}

func TestIsRetryable(t *testing.T) {
	be.True(t, IsRetryable(Transient("summarize", context.DeadlineExceeded)))
	be.True(t, IsRetryable(Storage("advance watermark", errors.New("conn reset"))))
	be.True(t, !IsRetryable(Credential("resolve", errors.New("empty refresh token"))))
}

func TestErrorMessage(t *testing.T) {
	err := Credential("resolve credential", errors.New("empty refresh token"))
	be.Equal(t, err.Error(), "resolve credential: empty refresh token")
	be.True(t, errors.Is(Transient("x", context.DeadlineExceeded), context.DeadlineExceeded))
}
