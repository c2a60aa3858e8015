// Package signature verifies inbound webhook signatures.
//
// Two independent schemes are supported: the platform scheme used by
// ElevenLabs webhooks ("t=<unix>,v0=<hex hmac-sha256>") and the request
// scheme used by Twilio ("X-Twilio-Signature: base64(hmac-sha1)"). Both are
// pure functions: a rejection is terminal for the request it was computed on.
package signature

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultTolerance is the freshness window for platform webhooks.
const DefaultTolerance = 30 * time.Minute

var (
	ErrNoSecret         = errors.New("signing secret not configured")
	ErrMissingHeader    = errors.New("missing signature header")
	ErrMissingTimestamp = errors.New("missing timestamp")
	ErrMissingDigest    = errors.New("missing signature")
	ErrExpired          = errors.New("request expired")
	ErrDigestMismatch   = errors.New("request unauthorized")
)

// VerifyPlatform validates an ElevenLabs-Signature header against the raw
// request body. A zero tolerance means DefaultTolerance.
func VerifyPlatform(secret, header string, body []byte, now time.Time, tolerance time.Duration) error {
	if secret == "" {
		return ErrNoSecret
	}
	if strings.TrimSpace(header) == "" {
		return ErrMissingHeader
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	var timestamp, digest string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v0":
			digest = value
		}
	}
	if timestamp == "" {
		return ErrMissingTimestamp
	}
	if digest == "" {
		return ErrMissingDigest
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrMissingTimestamp
	}
	if now.Sub(time.Unix(ts, 0)) > tolerance {
		return ErrExpired
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp + "." + string(body)))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(digest))) {
		return ErrDigestMismatch
	}
	return nil
}

// SignPlatform produces a header value for body at the given time. It is the
// inverse of VerifyPlatform and is used by tests and local tooling.
func SignPlatform(secret string, body []byte, at time.Time) string {
	timestamp := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp + "." + string(body)))
	return "t=" + timestamp + ",v0=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyTelephony validates an X-Twilio-Signature value. Form parameters take
// part in the signed string only for form-encoded POST requests.
func VerifyTelephony(authToken, fullURL, method, contentType string, form url.Values, header string) error {
	if authToken == "" {
		return ErrNoSecret
	}
	if strings.TrimSpace(header) == "" {
		return ErrMissingHeader
	}

	provided, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return ErrDigestMismatch
	}

	expected := telephonyDigest(authToken, fullURL, signedParams(method, contentType, form))
	if !hmac.Equal(expected, provided) {
		return ErrDigestMismatch
	}
	return nil
}

// SignTelephony computes the X-Twilio-Signature for a request.
func SignTelephony(authToken, fullURL, method, contentType string, form url.Values) string {
	return base64.StdEncoding.EncodeToString(
		telephonyDigest(authToken, fullURL, signedParams(method, contentType, form)))
}

func signedParams(method, contentType string, form url.Values) url.Values {
	if method != http.MethodPost {
		return nil
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/x-www-form-urlencoded" {
		return nil
	}
	return form
}

func telephonyDigest(authToken, fullURL string, params url.Values) []byte {
	var b strings.Builder
	b.WriteString(fullURL)

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		values := append([]string(nil), params[k]...)
		sort.Strings(values)
		for _, v := range values {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	_, _ = mac.Write([]byte(b.String()))
	return mac.Sum(nil)
}

// StatusCode maps a verification error to the HTTP status returned to the caller.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNoSecret):
		return http.StatusInternalServerError
	case errors.Is(err, ErrMissingHeader), errors.Is(err, ErrMissingTimestamp), errors.Is(err, ErrMissingDigest):
		return http.StatusBadRequest
	case errors.Is(err, ErrExpired):
		return http.StatusForbidden
	default:
		return http.StatusUnauthorized
	}
}
