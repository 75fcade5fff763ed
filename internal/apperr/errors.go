// Package apperr defines the relay's error taxonomy.
package apperr

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

type Kind int

const (
	KindUnknown Kind = iota
	// KindCredential: refresh token expired or revoked; needs user re-auth.
	KindCredential
	// KindTransient: network, timeout or rate limit at the mailbox or completion API.
	KindTransient
	// KindParse: malformed webhook payload or unusable completion output.
	KindParse
	// KindStorage: database connection or query failure.
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindCredential:
		return "credential_error"
	case KindTransient:
		return "provider_transient_error"
	case KindParse:
		return "parse_error"
	case KindStorage:
		return "storage_error"
	default:
		return "unknown_error"
	}
}

// Error tags an underlying error with a Kind and the failing operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Credential(op string, err error) error { return &Error{Kind: KindCredential, Op: op, Err: err} }
func Transient(op string, err error) error  { return &Error{Kind: KindTransient, Op: op, Err: err} }
func Parse(op string, err error) error      { return &Error{Kind: KindParse, Op: op, Err: err} }
func Storage(op string, err error) error    { return &Error{Kind: KindStorage, Op: op, Err: err} }

// Wrap tags err with the kind Classify infers. Already tagged errors and nil
// are returned unchanged.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return err
	}
	return &Error{Kind: Classify(err), Op: op, Err: err}
}

// KindOf returns the Kind of the outermost tagged error, or Classify(err).
func KindOf(err error) Kind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return Classify(err)
}

// IsRetryable reports whether retrying the same call may succeed.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindStorage:
		return true
	default:
		return false
	}
}

// Classify infers a Kind for errors coming from libraries.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return classifyTokenError(retrieveErr)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized:
			return KindCredential
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500:
			return KindTransient
		}
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return KindParse
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) || errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
		return KindStorage
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return KindTransient
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return KindTransient
	}

	if strings.Contains(err.Error(), "invalid_grant") {
		return KindCredential
	}

	return KindUnknown
}

// classifyTokenError separates a rejected refresh credential from a token
// endpoint outage.
func classifyTokenError(e *oauth2.RetrieveError) Kind {
	switch e.ErrorCode {
	case "invalid_grant", "invalid_client", "unauthorized_client":
		return KindCredential
	}
	if e.Response == nil {
		return KindCredential
	}
	switch code := e.Response.StatusCode; {
	case code == http.StatusTooManyRequests || code >= 500:
		return KindTransient
	default:
		return KindCredential
	}
}
