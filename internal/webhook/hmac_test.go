package webhook

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"git.fleetops.dev/dispatch/golang/convoy/internal/config"
	"github.com/stretchr/testify/require"
)

const testSecret = "wsec_test"

func TestSignBodyFormat(t *testing.T) {
	signature := SignBody(testSecret, 1700000000, []byte(`{"call_id":"EL_1_100"}`))

	require.True(t, strings.HasPrefix(signature, "t=1700000000,v0="))
	require.Len(t, strings.TrimPrefix(signature, "t=1700000000,v0="), 64)
}

func TestVerifySignatureRoundTrip(t *testing.T) {
	body := []byte(`{"call_id":"EL_1_100","speaker":"agent","message":"hello"}`)
	now := time.Now()

	header := SignBody(testSecret, now.Unix(), body)

	require.True(t, VerifySignature(testSecret, header, body, now))
}

func TestVerifySignatureTamperedBody(t *testing.T) {
	now := time.Now()
	header := SignBody(testSecret, now.Unix(), []byte(`{"amount":1}`))

	require.False(t, VerifySignature(testSecret, header, []byte(`{"amount":9999}`), now))
}

func TestVerifySignatureWrongSecret(t *testing.T) {
	body := []byte(`{}`)
	now := time.Now()

	header := SignBody("other-secret", now.Unix(), body)

	require.False(t, VerifySignature(testSecret, header, body, now))
}

func TestVerifySignatureStaleTimestamp(t *testing.T) {
	body := []byte(`{}`)
	now := time.Now()
	tolerance := time.Duration(config.Conf.WebhookToleranceMinutes) * time.Minute

	stale := now.Add(-tolerance - time.Minute).Unix()
	header := SignBody(testSecret, stale, body)

	require.False(t, VerifySignature(testSecret, header, body, now))

	future := now.Add(tolerance + time.Minute).Unix()
	header = SignBody(testSecret, future, body)

	require.False(t, VerifySignature(testSecret, header, body, now))
}

func TestVerifySignatureMalformedHeader(t *testing.T) {
	body := []byte(`{}`)
	now := time.Now()

	for _, header := range []string{
		"",
		"garbage",
		"t=abc,v0=deadbeef",
		"t=1700000000",
		"v0=deadbeef",
	} {
		require.False(t, VerifySignature(testSecret, header, body, now), "header=%q", header)
	}
}

func TestRequireSignatureMiddleware(t *testing.T) {
	body := `{"call_id":"EL_1_100"}`

	var seenBody string

	protected := RequireSignature(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		seenBody = string(payload)

		w.WriteHeader(http.StatusOK)
	}))

	signed := httptest.NewRequest(http.MethodPost, "/webhooks/transcription", strings.NewReader(body))
	signed.Header.Set(signatureHeader, SignBody(config.Conf.WebhookHMACSecret, time.Now().Unix(), []byte(body)))

	recorder := httptest.NewRecorder()
	protected.ServeHTTP(recorder, signed)

	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, body, seenBody, "middleware must re-buffer the body for the handler")

	unsigned := httptest.NewRequest(http.MethodPost, "/webhooks/transcription", strings.NewReader(body))

	recorder = httptest.NewRecorder()
	protected.ServeHTTP(recorder, unsigned)

	require.Equal(t, http.StatusUnauthorized, recorder.Code)
}
