package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"git.fleetops.dev/dispatch/golang/convoy/internal/config"
	"git.fleetops.dev/dispatch/golang/convoy/internal/logging"
	"go.uber.org/zap"
)

const signatureHeader = "ElevenLabs-Signature"

// SignBody produces the signature value the vendor sends: a unix timestamp
// and an HMAC-SHA256 over "<timestamp>.<body>".
func SignBody(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.", timestamp)))
	mac.Write(body)

	return fmt.Sprintf("t=%d,v0=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

// VerifySignature checks the header against the body. The timestamp must be
// within the configured tolerance so captured requests cannot be replayed
// later.
func VerifySignature(secret, header string, body []byte, now time.Time) bool {
	var (
		timestamp int64
		signature string
	)

	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(part, "=")
		if !found {
			return false
		}

		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return false
			}

			timestamp = parsed
		case "v0":
			signature = value
		}
	}

	if timestamp == 0 || signature == "" {
		return false
	}

	tolerance := time.Duration(config.Conf.WebhookToleranceMinutes) * time.Minute
	age := now.Sub(time.Unix(timestamp, 0))

	if age > tolerance || age < -tolerance {
		return false
	}

	expected := SignBody(secret, timestamp, body)

	return hmac.Equal([]byte(expected), []byte(fmt.Sprintf("t=%d,v0=%s", timestamp, signature)))
}

// RequireSignature authenticates both public webhook endpoints with the same
// scheme. The body is re-buffered so downstream handlers can read it again.
func RequireSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read request body", nil)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))

		header := r.Header.Get(signatureHeader)
		if !VerifySignature(config.Conf.WebhookHMACSecret, header, body, time.Now()) {
			logging.Logger.Warn("[RequireSignature] Rejected webhook request",
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
			)

			writeError(w, http.StatusUnauthorized, "invalid webhook signature", nil)

			return
		}

		next.ServeHTTP(w, r)
	})
}
