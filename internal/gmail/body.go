package gmail

import (
	"encoding/base64"
	"strings"

	"github.com/emersion/go-message/mail"
	gmailapi "google.golang.org/api/gmail/v1"

	"mailrelay/internal/apperr"
)

// ExtractBody picks the first non-attachment text/plain or text/html part,
// searching nested multiparts depth-first, and falls back to the top-level
// body. The decoded text is returned unmodified.
func ExtractBody(payload *gmailapi.MessagePart) (string, error) {
	if payload == nil {
		return "", nil
	}
	if part := findTextPart(payload.Parts); part != nil {
		return decodeBody(part.Body)
	}
	return decodeBody(payload.Body)
}

func findTextPart(parts []*gmailapi.MessagePart) *gmailapi.MessagePart {
	for _, part := range parts {
		if part == nil {
			continue
		}
		if part.Filename == "" && isText(part.MimeType) && part.Body != nil && part.Body.Data != "" {
			return part
		}
		if found := findTextPart(part.Parts); found != nil {
			return found
		}
	}
	return nil
}

func isText(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return mimeType == "text/plain" || mimeType == "text/html"
}

// decodeBody accepts base64url with or without padding.
func decodeBody(body *gmailapi.MessagePartBody) (string, error) {
	if body == nil || body.Data == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(body.Data, "="))
	if err != nil {
		return "", apperr.Parse("decode message body", err)
	}
	return string(raw), nil
}

// AddressOf returns the bare address of a From/To header value such as
// `"Jane" <jane@example.com>`. Unparseable values fall back to the text
// between angle brackets, or the trimmed value.
func AddressOf(headerValue string) string {
	if addr, err := mail.ParseAddress(headerValue); err == nil {
		return addr.Address
	}
	v := strings.TrimSpace(headerValue)
	if i := strings.LastIndex(v, "<"); i >= 0 {
		if j := strings.Index(v[i:], ">"); j > 0 {
			return strings.TrimSpace(v[i+1 : i+j])
		}
	}
	return v
}

// SameAddress compares two header values by their bare address, ignoring case.
func SameAddress(a, b string) bool {
	return strings.EqualFold(AddressOf(a), AddressOf(b))
}
