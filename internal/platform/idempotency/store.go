// Package idempotency makes callback delivery safe to retry. PSPs redeliver
// payment callbacks until they see a 2xx, so every delivery carries an
// idempotency key; the first delivery runs the handler and stores its
// response, retries replay the stored response byte for byte.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Status is the lifecycle state of a stored callback delivery.
type Status string

const (
	// DefaultTTL bounds how long completed deliveries are replayable.
	DefaultTTL = 24 * time.Hour
	// StatusPending marks a delivery whose handler is still running.
	StatusPending Status = "pending"
	// StatusCompleted marks a delivery whose response is stored.
	StatusCompleted Status = "completed"
)

// ReservationState is the verdict on an incoming delivery.
type ReservationState int

const (
	// ReservationStateNew: first time this key is seen, run the handler.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted: replay the stored response.
	ReservationStateCompleted
	// ReservationStatePending: a concurrent delivery holds the key.
	ReservationStatePending
)

// Reservation is the outcome of reserving a delivery key.
type Reservation struct {
	State  ReservationState
	Record Record
}

// Record is the persisted state of one callback delivery.
type Record struct {
	Key             string
	Fingerprint     string
	Status          Status
	ResponseStatus  int
	ResponseHeaders map[string][]string
	ResponseBody    []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
}

// Response is the handler output stored for replay.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store persists delivery reservations and their responses.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key, fingerprint string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrFingerprintMismatch means the key was reused for a different request
// body or path, which is a sender bug rather than a retry.
var ErrFingerprintMismatch = errors.New("idempotency: key reserved for different request fingerprint")

// recordID derives the document id from the delivery key. Keys are free-form
// sender strings, so they are hashed rather than used as ids directly.
func recordID(key string) string {
	return sha256Hex([]byte(strings.TrimSpace(key)))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// storableHeaders drops hop-by-hop headers before persisting a response.
func storableHeaders(header http.Header) map[string][]string {
	if len(header) == 0 {
		return nil
	}

	filtered := make(map[string][]string, len(header))
	for name, values := range header {
		canonical := http.CanonicalHeaderKey(name)
		switch strings.ToLower(canonical) {
		case "content-length", "date", "connection", "keep-alive", "proxy-authenticate", "proxy-authorization", "te", "trailers", "transfer-encoding", "upgrade":
			continue
		}
		filtered[canonical] = append([]string(nil), values...)
	}
	if len(filtered) == 0 {
		return nil
	}
	return filtered
}

func headersFromRecord(values map[string][]string) http.Header {
	header := make(http.Header, len(values))
	for name, vals := range values {
		header[name] = append([]string(nil), vals...)
	}
	return header
}
