package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultNonceHeader     = "X-Signature-Nonce"

	defaultClockSkew = 5 * time.Minute
	defaultNonceTTL  = 5 * time.Minute
)

// SecretProvider resolves the shared signing secret for a payment callback
// sender.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretResolver maps an incoming callback request to the name of the secret
// that should have signed it. A false return means the sender is unknown.
type SecretResolver func(*http.Request) (string, bool)

// NonceStore remembers callback nonces until their expiry so a captured
// payment callback cannot be replayed inside the timestamp window.
type NonceStore interface {
	// UseNonce records the nonce under the scope. False means the nonce was
	// already seen.
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// InMemoryNonceStore is the single-instance nonce registry. Replay protection
// is per process; a multi-replica deployment would back this with Firestore.
type InMemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time
}

func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{nonces: make(map[string]time.Time)}
}

// UseNonce records the nonce until expiry, rejecting duplicates until then.
func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}

	key := scope + "::" + nonce

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for k, exp := range s.nonces {
		if exp.Before(now) {
			delete(s.nonces, k)
		}
	}

	if expiry.Before(now) {
		return false, errors.New("auth: nonce expiry is in the past")
	}

	if existing, ok := s.nonces[key]; ok && existing.After(now) {
		return false, nil
	}

	s.nonces[key] = expiry
	return true, nil
}

// CallbackVerifier authenticates signed payment callbacks and internal event
// posts. The sender signs METHOD, path, timestamp, nonce and the body hash
// with a shared secret; verification checks the signature, bounds the
// timestamp, and burns the nonce.
type CallbackVerifier struct {
	secrets SecretProvider
	nonces  NonceStore

	logger Logger
	now    func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string

	clockSkew time.Duration
	nonceTTL  time.Duration

	secretCache sync.Map
}

// CallbackOption customises the verifier.
type CallbackOption func(*CallbackVerifier)

// NewCallbackVerifier builds a verifier over the given secret provider and
// nonce store.
func NewCallbackVerifier(secrets SecretProvider, nonces NonceStore, opts ...CallbackOption) *CallbackVerifier {
	v := &CallbackVerifier{
		secrets:         secrets,
		nonces:          nonces,
		logger:          log.Default(),
		now:             time.Now,
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		nonceHeader:     defaultNonceHeader,
		clockSkew:       defaultClockSkew,
		nonceTTL:        defaultNonceTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// WithCallbackLogger overrides the verifier logger.
func WithCallbackLogger(logger Logger) CallbackOption {
	return func(v *CallbackVerifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithCallbackClock injects a clock for tests.
func WithCallbackClock(now func() time.Time) CallbackOption {
	return func(v *CallbackVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithSignatureHeaders overrides the signature, timestamp and nonce header
// names.
func WithSignatureHeaders(signature, timestamp, nonce string) CallbackOption {
	return func(v *CallbackVerifier) {
		if signature != "" {
			v.signatureHeader = signature
		}
		if timestamp != "" {
			v.timestampHeader = timestamp
		}
		if nonce != "" {
			v.nonceHeader = nonce
		}
	}
}

// WithClockSkew bounds how far a callback timestamp may drift from now.
func WithClockSkew(d time.Duration) CallbackOption {
	return func(v *CallbackVerifier) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

// WithNonceTTL sets how long burned nonces are retained.
func WithNonceTTL(d time.Duration) CallbackOption {
	return func(v *CallbackVerifier) {
		if d > 0 {
			v.nonceTTL = d
		}
	}
}

// CallbackSignature is the verified signature context handlers can read.
type CallbackSignature struct {
	SecretName string
	Timestamp  time.Time
	Nonce      string
}

type signatureContextKey struct{}

// SignatureFromContext returns the verified callback signature, if the
// request passed through RequireSignature.
func SignatureFromContext(ctx context.Context) (CallbackSignature, bool) {
	sig, ok := ctx.Value(signatureContextKey{}).(CallbackSignature)
	return sig, ok
}

// signatureError carries the HTTP response for a failed verification.
type signatureError struct {
	status  int
	code    string
	message string
}

// RequireSignature gates callback routes. The resolver picks the signing
// secret from the request path; unknown senders are rejected before any
// crypto runs.
func (v *CallbackVerifier) RequireSignature(resolve SecretResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if resolve == nil {
				respondAuthError(w, http.StatusServiceUnavailable, "verification_unavailable", "callback secret resolver not configured")
				return
			}
			secretName, ok := resolve(r)
			if !ok || strings.TrimSpace(secretName) == "" {
				respondAuthError(w, http.StatusUnauthorized, "unknown_provider", "callback sender not recognised")
				return
			}

			sig, vErr := v.verify(r, strings.TrimSpace(secretName))
			if vErr != nil {
				respondAuthError(w, vErr.status, vErr.code, vErr.message)
				return
			}

			ctx := context.WithValue(r.Context(), signatureContextKey{}, sig)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (v *CallbackVerifier) verify(r *http.Request, secretName string) (CallbackSignature, *signatureError) {
	ctx := r.Context()

	secret, err := v.loadSecret(ctx, secretName)
	if err != nil {
		if v.logger != nil {
			v.logger.Printf("auth: callback secret lookup failed: %v", err)
		}
		return CallbackSignature{}, &signatureError{http.StatusServiceUnavailable, "verification_unavailable", "signing secret unavailable"}
	}

	signatureValue := strings.TrimSpace(r.Header.Get(v.signatureHeader))
	if signatureValue == "" {
		return CallbackSignature{}, &signatureError{http.StatusUnauthorized, "signature_missing", "signature header missing"}
	}

	timestampValue := strings.TrimSpace(r.Header.Get(v.timestampHeader))
	if timestampValue == "" {
		return CallbackSignature{}, &signatureError{http.StatusUnauthorized, "timestamp_missing", "signature timestamp missing"}
	}
	timestamp, err := parseSignatureTimestamp(timestampValue)
	if err != nil {
		return CallbackSignature{}, &signatureError{http.StatusUnauthorized, "timestamp_invalid", "signature timestamp invalid"}
	}
	if skew := v.now().Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
		return CallbackSignature{}, &signatureError{http.StatusUnauthorized, "timestamp_skew", "signature timestamp outside allowed window"}
	}

	nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
	if nonce == "" {
		return CallbackSignature{}, &signatureError{http.StatusUnauthorized, "nonce_missing", "signature nonce missing"}
	}

	body, err := readAndRestoreBody(r)
	if err != nil {
		return CallbackSignature{}, &signatureError{http.StatusBadRequest, "invalid_body", "unable to read body for signature verification"}
	}

	provided, err := decodeSignature(signatureValue)
	if err != nil {
		return CallbackSignature{}, &signatureError{http.StatusUnauthorized, "signature_invalid", "signature encoding invalid"}
	}
	expected := computeSignature(secret, canonicalPayload(r, body, timestampValue, nonce))
	if !hmac.Equal(provided, expected) {
		return CallbackSignature{}, &signatureError{http.StatusUnauthorized, "signature_mismatch", "signature verification failed"}
	}

	// The nonce burns only after the signature checks out, so an attacker
	// cannot exhaust nonces with unsigned requests.
	if v.nonces == nil {
		return CallbackSignature{}, &signatureError{http.StatusServiceUnavailable, "verification_unavailable", "nonce store unavailable"}
	}
	ttl := timestamp.Add(v.nonceTTL)
	if ttl.Before(v.now()) {
		ttl = v.now().Add(v.nonceTTL)
	}
	stored, err := v.nonces.UseNonce(ctx, secretName, nonce, ttl)
	if err != nil {
		if v.logger != nil {
			v.logger.Printf("auth: nonce store error: %v", err)
		}
		return CallbackSignature{}, &signatureError{http.StatusServiceUnavailable, "verification_unavailable", "nonce storage error"}
	}
	if !stored {
		return CallbackSignature{}, &signatureError{http.StatusUnauthorized, "nonce_replay", "duplicate signature nonce"}
	}

	return CallbackSignature{SecretName: secretName, Timestamp: timestamp, Nonce: nonce}, nil
}

func (v *CallbackVerifier) loadSecret(ctx context.Context, name string) ([]byte, error) {
	if v == nil || v.secrets == nil {
		return nil, errors.New("auth: secret provider not configured")
	}

	if cached, ok := v.secretCache.Load(name); ok {
		if secret, ok := cached.([]byte); ok && len(secret) > 0 {
			return secret, nil
		}
	}

	raw, err := v.secrets.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}
	secret := []byte(raw)
	if len(secret) == 0 {
		return nil, errors.New("auth: secret is empty")
	}

	v.secretCache.Store(name, secret)
	return secret, nil
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	buf, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

func decodeSignature(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("auth: empty signature")
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be base64 or hex encoded")
}

// parseSignatureTimestamp accepts RFC3339 or unix seconds; PSP callback
// senders differ on the format.
func parseSignatureTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("auth: timestamp empty")
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}

// canonicalPayload is what both sides sign: method, escaped path, timestamp,
// nonce and the hex body hash, newline joined.
func canonicalPayload(r *http.Request, body []byte, timestamp, nonce string) []byte {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	hash := sha256.Sum256(body)
	return []byte(strings.Join([]string{
		strings.ToUpper(r.Method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(hash[:]),
	}, "\n"))
}

func computeSignature(secret, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(payload)
	return mac.Sum(nil)
}
