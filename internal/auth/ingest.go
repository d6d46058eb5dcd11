package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	headerIngestTimestamp = "X-Ingest-Timestamp"
	headerIngestSignature = "X-Ingest-Signature"
)

// IngestAuthMiddleware validates HMAC signatures on notification callbacks.
// A zero-value secret disables the check.
type IngestAuthMiddleware struct {
	Secret  []byte
	MaxSkew time.Duration
	MaxBody int64
}

// NewIngestAuthMiddleware constructs ingest auth middleware.
func NewIngestAuthMiddleware(secret []byte, maxSkew time.Duration, maxBody int64) *IngestAuthMiddleware {
	return &IngestAuthMiddleware{Secret: secret, MaxSkew: maxSkew, MaxBody: maxBody}
}

// Wrap enforces ingest signature validation.
func (m *IngestAuthMiddleware) Wrap(next http.Handler) http.Handler {
	if m == nil || len(m.Secret) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timestamp := strings.TrimSpace(r.Header.Get(headerIngestTimestamp))
		signature := strings.TrimSpace(r.Header.Get(headerIngestSignature))
		if timestamp == "" || signature == "" {
			http.Error(w, "missing ingest signature", http.StatusUnauthorized)
			return
		}
		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			http.Error(w, "invalid ingest timestamp", http.StatusUnauthorized)
			return
		}
		skew := time.Since(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if m.MaxSkew > 0 && skew > m.MaxSkew {
			http.Error(w, "ingest signature expired", http.StatusUnauthorized)
			return
		}

		reader := io.Reader(r.Body)
		if m.MaxBody > 0 {
			reader = io.LimitReader(r.Body, m.MaxBody+1)
		}
		body, err := io.ReadAll(reader)
		if err != nil {
			http.Error(w, "read body error", http.StatusBadRequest)
			return
		}
		_ = r.Body.Close()
		if m.MaxBody > 0 && int64(len(body)) > m.MaxBody {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}

		if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(SignIngest(m.Secret, timestamp, body))) {
			http.Error(w, "invalid ingest signature", http.StatusUnauthorized)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

// SignIngest computes the hex HMAC-SHA256 over "timestamp\nbody".
func SignIngest(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
