package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// SignatureHeader carries the HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Relay-Signature"

const signaturePrefix = "sha256="

// Sign returns the header value for body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature rejects requests whose body does not match the
// X-Relay-Signature header. Bodies larger than maxBytes are rejected with 413.
// The body is restored for the next handler.
func VerifySignature(secret []byte, maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get(SignatureHeader)
			if !strings.HasPrefix(presented, signaturePrefix) {
				jsonError(w, http.StatusUnauthorized, "missing signature")
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					jsonError(w, http.StatusRequestEntityTooLarge, "request body too large")
					return
				}
				jsonError(w, http.StatusBadRequest, "failed to read request body")
				return
			}

			expected := Sign(secret, body)
			if !hmac.Equal([]byte(expected), []byte(presented)) {
				slog.Warn("Rejected webhook with invalid signature", "ip", r.RemoteAddr)
				jsonError(w, http.StatusUnauthorized, "invalid signature")
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
