package signature

import (
	"net/http"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "wsec_test"

var testBody = []byte(`{"type":"post_call_transcription","data":{"conversation_id":"conv_1"}}`)

func TestVerifyPlatform_Valid(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	header := SignPlatform(testSecret, testBody, now.Add(-10*time.Second))

	require.NoError(t, VerifyPlatform(testSecret, header, testBody, now, 0))
}

func TestVerifyPlatform_ExpiredEvenWithCorrectDigest(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	header := SignPlatform(testSecret, testBody, now.Add(-1900*time.Second))

	err := VerifyPlatform(testSecret, header, testBody, now, 0)
	assert.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, "request expired", err.Error())
	assert.Equal(t, http.StatusForbidden, StatusCode(err))
}

func TestVerifyPlatform_WindowBoundary(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	atEdge := SignPlatform(testSecret, testBody, now.Add(-1800*time.Second))
	assert.NoError(t, VerifyPlatform(testSecret, atEdge, testBody, now, 0))

	pastEdge := SignPlatform(testSecret, testBody, now.Add(-1801*time.Second))
	assert.ErrorIs(t, VerifyPlatform(testSecret, pastEdge, testBody, now, 0), ErrExpired)
}

func TestVerifyPlatform_WrongSecret(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	header := SignPlatform("some-other-secret", testBody, now)

	err := VerifyPlatform(testSecret, header, testBody, now, 0)
	assert.ErrorIs(t, err, ErrDigestMismatch)
	assert.Equal(t, "request unauthorized", err.Error())
	assert.Equal(t, http.StatusUnauthorized, StatusCode(err))
}

func TestVerifyPlatform_TamperedBody(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	header := SignPlatform(testSecret, testBody, now)

	err := VerifyPlatform(testSecret, header, []byte(`{"tampered":true}`), now, 0)
	assert.ErrorIs(t, err, ErrDigestMismatch)
}

func TestVerifyPlatform_MalformedHeaders(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)

	tests := []struct {
		name   string
		header string
		want   error
	}{
		{"missing header", "", ErrMissingHeader},
		{"missing timestamp", "v0=abcdef", ErrMissingTimestamp},
		{"non-numeric timestamp", "t=soon,v0=abcdef", ErrMissingTimestamp},
		{"missing digest", "t=" + ts, ErrMissingDigest},
		{"empty digest", "t=" + ts + ",v0=", ErrMissingDigest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyPlatform(testSecret, tt.header, testBody, now, 0)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, http.StatusBadRequest, StatusCode(err))
		})
	}
}

func TestVerifyPlatform_NoSecret(t *testing.T) {
	err := VerifyPlatform("", "t=1,v0=aa", testBody, time.Now(), 0)
	assert.ErrorIs(t, err, ErrNoSecret)
	assert.Equal(t, http.StatusInternalServerError, StatusCode(err))
}

func TestVerifyTelephony_FormPost(t *testing.T) {
	form := url.Values{
		"CallSid":    {"CA1"},
		"CallStatus": {"no-answer"},
		"From":       {"+15550001"},
	}
	fullURL := "https://example.ngrok.app/events/call"
	ct := "application/x-www-form-urlencoded"
	sig := SignTelephony("authtoken", fullURL, http.MethodPost, ct, form)

	require.NoError(t, VerifyTelephony("authtoken", fullURL, http.MethodPost, ct, form, sig))

	form.Set("CallStatus", "completed")
	assert.ErrorIs(t, VerifyTelephony("authtoken", fullURL, http.MethodPost, ct, form, sig), ErrDigestMismatch)
}

func TestVerifyTelephony_ParamOrderIndependent(t *testing.T) {
	fullURL := "https://example.ngrok.app/amd"
	ct := "application/x-www-form-urlencoded; charset=utf-8"
	a := url.Values{"B": {"2"}, "A": {"1"}}
	b := url.Values{"A": {"1"}, "B": {"2"}}

	assert.Equal(t,
		SignTelephony("tok", fullURL, http.MethodPost, ct, a),
		SignTelephony("tok", fullURL, http.MethodPost, ct, b))
}

func TestVerifyTelephony_NonFormContentIgnoresParams(t *testing.T) {
	fullURL := "https://example.ngrok.app/inbound-call?x=1"
	sig := SignTelephony("tok", fullURL, http.MethodPost, "application/json", nil)

	// Parameters are not part of the signed string for JSON bodies.
	form := url.Values{"CallSid": {"CA1"}}
	assert.NoError(t, VerifyTelephony("tok", fullURL, http.MethodPost, "application/json", form, sig))
}

func TestVerifyTelephony_Rejections(t *testing.T) {
	assert.ErrorIs(t, VerifyTelephony("", "u", http.MethodPost, "", nil, "x"), ErrNoSecret)
	assert.ErrorIs(t, VerifyTelephony("tok", "u", http.MethodPost, "", nil, ""), ErrMissingHeader)
	assert.ErrorIs(t, VerifyTelephony("tok", "u", http.MethodPost, "", nil, "not base64!"), ErrDigestMismatch)
}
