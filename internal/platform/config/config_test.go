package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	env := map[string]string{
		"ORDERS_FIRESTORE_PROJECT_ID": "lumamart-dev",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.PubSub.ProjectID != "lumamart-dev" {
		t.Errorf("expected pubsub project to default to firestore project, got %s", cfg.PubSub.ProjectID)
	}
	if cfg.PubSub.SideEffectTopic != defaultSideEffectTopic {
		t.Errorf("unexpected default side-effect topic: %s", cfg.PubSub.SideEffectTopic)
	}
	if cfg.IDGen.Partition != 0 {
		t.Errorf("expected default partition 0, got %d", cfg.IDGen.Partition)
	}
	if cfg.Sweeper.Interval != defaultSweepInterval {
		t.Errorf("unexpected default sweep interval: %s", cfg.Sweeper.Interval)
	}
	if cfg.Sweeper.UnpaidTimeout != 30*time.Minute {
		t.Errorf("unexpected default unpaid timeout: %s", cfg.Sweeper.UnpaidTimeout)
	}
	if cfg.Sweeper.ShippedAutoComplete != 7*24*time.Hour {
		t.Errorf("unexpected default shipped auto-complete window: %s", cfg.Sweeper.ShippedAutoComplete)
	}
	if cfg.Security.Environment != "local" {
		t.Errorf("expected default security environment local, got %s", cfg.Security.Environment)
	}
	if cfg.Security.UserHeader != defaultUserHeader {
		t.Errorf("expected default user header, got %s", cfg.Security.UserHeader)
	}
	if cfg.Security.HMAC.SignatureHeader != defaultHMACSignatureHeader {
		t.Errorf("expected default signature header, got %s", cfg.Security.HMAC.SignatureHeader)
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader {
		t.Errorf("expected default idempotency header, got %s", cfg.Idempotency.Header)
	}
	if cfg.Idempotency.TTL != defaultIdempotencyTTL {
		t.Errorf("unexpected default idempotency ttl: %s", cfg.Idempotency.TTL)
	}
	if cfg.Idempotency.CleanupInterval != defaultIdempotencyInterval {
		t.Errorf("unexpected default cleanup interval: %s", cfg.Idempotency.CleanupInterval)
	}
	if cfg.Idempotency.CleanupBatchSize != defaultIdempotencyBatchSize {
		t.Errorf("unexpected default cleanup batch size: %d", cfg.Idempotency.CleanupBatchSize)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"ORDERS_SERVER_PORT":                    "9090",
		"ORDERS_SERVER_READ_TIMEOUT":            "20s",
		"ORDERS_SERVER_WRITE_TIMEOUT":           "25s",
		"ORDERS_SERVER_IDLE_TIMEOUT":            "2m",
		"ORDERS_FIRESTORE_PROJECT_ID":           "lumamart-prod",
		"ORDERS_PUBSUB_PROJECT_ID":              "lumamart-events",
		"ORDERS_PUBSUB_SIDE_EFFECT_TOPIC":       "order-effects-prod",
		"ORDERS_PSP_STRIPE_API_KEY":             "secret://stripe/api",
		"ORDERS_PSP_STRIPE_WEBHOOK_SECRET":      "secret://stripe/webhook",
		"ORDERS_IDGEN_PARTITION":                "42",
		"ORDERS_SWEEP_INTERVAL":                 "30s",
		"ORDERS_SWEEP_UNPAID_TIMEOUT":           "45m",
		"ORDERS_SWEEP_SHIPPED_AUTOCOMPLETE":     "336h",
		"ORDERS_SWEEP_BATCH_SIZE":               "250",
		"ORDERS_SECURITY_ENVIRONMENT":           "prod",
		"ORDERS_SECURITY_USER_HEADER":           "X-Gateway-User",
		"ORDERS_SECURITY_HMAC_SECRETS":          "payments/stripe=secret://hmac/stripe,coin-ledger=ledger-secret",
		"ORDERS_SECURITY_HMAC_HEADER_SIGNATURE": "X-Custom-Signature",
		"ORDERS_SECURITY_HMAC_CLOCK_SKEW":       "3m",
		"ORDERS_SECURITY_HMAC_NONCE_TTL":        "10m",
		"ORDERS_IDEMPOTENCY_HEADER":             "X-Idem-Key",
		"ORDERS_IDEMPOTENCY_TTL":                "48h",
		"ORDERS_IDEMPOTENCY_CLEANUP_INTERVAL":   "30m",
		"ORDERS_IDEMPOTENCY_CLEANUP_BATCH":      "500",
	}

	secrets := map[string]string{
		"secret://stripe/api":     "stripe-key",
		"secret://stripe/webhook": "stripe-webhook",
		"secret://hmac/stripe":    "stripe-hmac",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("unexpected idle timeout: %s", cfg.Server.IdleTimeout)
	}
	if cfg.PSP.StripeAPIKey != "stripe-key" {
		t.Errorf("expected resolved stripe api key, got %s", cfg.PSP.StripeAPIKey)
	}
	if cfg.PSP.StripeWebhookSecret != "stripe-webhook" {
		t.Errorf("expected resolved stripe webhook secret, got %s", cfg.PSP.StripeWebhookSecret)
	}
	if cfg.PubSub.ProjectID != "lumamart-events" {
		t.Errorf("expected explicit pubsub project, got %s", cfg.PubSub.ProjectID)
	}
	if cfg.PubSub.SideEffectTopic != "order-effects-prod" {
		t.Errorf("unexpected side-effect topic %s", cfg.PubSub.SideEffectTopic)
	}
	if cfg.IDGen.Partition != 42 {
		t.Errorf("expected partition 42, got %d", cfg.IDGen.Partition)
	}
	if cfg.Sweeper.Interval != 30*time.Second {
		t.Errorf("unexpected sweep interval %s", cfg.Sweeper.Interval)
	}
	if cfg.Sweeper.UnpaidTimeout != 45*time.Minute {
		t.Errorf("unexpected unpaid timeout %s", cfg.Sweeper.UnpaidTimeout)
	}
	if cfg.Sweeper.ShippedAutoComplete != 336*time.Hour {
		t.Errorf("unexpected shipped auto-complete window %s", cfg.Sweeper.ShippedAutoComplete)
	}
	if cfg.Sweeper.BatchSize != 250 {
		t.Errorf("unexpected sweep batch size %d", cfg.Sweeper.BatchSize)
	}
	if cfg.Security.Environment != "prod" {
		t.Errorf("expected security environment prod, got %s", cfg.Security.Environment)
	}
	if cfg.Security.UserHeader != "X-Gateway-User" {
		t.Errorf("unexpected user header %s", cfg.Security.UserHeader)
	}
	if cfg.Security.HMAC.Secrets["payments/stripe"] != "stripe-hmac" {
		t.Errorf("expected resolved stripe hmac secret, got %s", cfg.Security.HMAC.Secrets["payments/stripe"])
	}
	if cfg.Security.HMAC.Secrets["coin-ledger"] != "ledger-secret" {
		t.Errorf("expected coin-ledger secret fallback, got %s", cfg.Security.HMAC.Secrets["coin-ledger"])
	}
	if cfg.Security.HMAC.SignatureHeader != "X-Custom-Signature" {
		t.Errorf("unexpected signature header %s", cfg.Security.HMAC.SignatureHeader)
	}
	if cfg.Security.HMAC.ClockSkew != 3*time.Minute {
		t.Errorf("unexpected clock skew %s", cfg.Security.HMAC.ClockSkew)
	}
	if cfg.Security.HMAC.NonceTTL != 10*time.Minute {
		t.Errorf("unexpected nonce ttl %s", cfg.Security.HMAC.NonceTTL)
	}
	if cfg.Idempotency.Header != "X-Idem-Key" {
		t.Errorf("unexpected idempotency header %s", cfg.Idempotency.Header)
	}
	if cfg.Idempotency.TTL != 48*time.Hour {
		t.Errorf("unexpected idempotency ttl %s", cfg.Idempotency.TTL)
	}
	if cfg.Idempotency.CleanupInterval != 30*time.Minute {
		t.Errorf("unexpected cleanup interval %s", cfg.Idempotency.CleanupInterval)
	}
	if cfg.Idempotency.CleanupBatchSize != 500 {
		t.Errorf("unexpected cleanup batch size %d", cfg.Idempotency.CleanupBatchSize)
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "ORDERS_SERVER_PORT=7070\nORDERS_FIRESTORE_PROJECT_ID=lumamart-dot\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from dotenv 7070, got %s", cfg.Server.Port)
	}
	if cfg.Firestore.ProjectID != "lumamart-dot" {
		t.Errorf("expected firestore project from dotenv, got %s", cfg.Firestore.ProjectID)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
}

func TestLoadRejectsOversizedPartition(t *testing.T) {
	env := map[string]string{
		"ORDERS_FIRESTORE_PROJECT_ID": "lumamart-dev",
		"ORDERS_IDGEN_PARTITION":      "1024",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected validation error for partition out of range, got nil")
	}
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := map[string]string{
		"ORDERS_FIRESTORE_PROJECT_ID": "lumamart-dev",
		"ORDERS_PSP_STRIPE_API_KEY":   "secret://missing",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected secret resolution error, got nil")
	}
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("unexpected secret ref %s", secretErr.Ref)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "ORDERS_FIRESTORE_PROJECT_ID=dot-project\nORDERS_SECRET_FALLBACK_FILE=.dot.local\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	t.Setenv("ORDERS_FIRESTORE_PROJECT_ID", "os-project")
	t.Setenv("ORDERS_SECRET_PROJECT_IDS", "prod=project-prod")

	overrides := map[string]string{
		"ORDERS_FIRESTORE_PROJECT_ID": "override-project",
		"ORDERS_SECRET_VERSION_PINS":  "secret://stripe/api=5",
	}

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(overrides))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}

	if got := values["ORDERS_FIRESTORE_PROJECT_ID"]; got != "override-project" {
		t.Fatalf("expected override project, got %s", got)
	}
	if got := values["ORDERS_SECRET_FALLBACK_FILE"]; got != ".dot.local" {
		t.Fatalf("expected dotenv fallback file, got %s", got)
	}
	if got := values["ORDERS_SECRET_PROJECT_IDS"]; got != "prod=project-prod" {
		t.Fatalf("expected system env project map, got %s", got)
	}
	if got := values["ORDERS_SECRET_VERSION_PINS"]; got != "secret://stripe/api=5" {
		t.Fatalf("expected override version pin, got %s", got)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	env := map[string]string{
		"ORDERS_FIRESTORE_PROJECT_ID": "lumamart-dev",
	}

	_, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("PSP.StripeAPIKey"),
	)
	if err == nil {
		t.Fatal("expected missing secrets error, got nil")
	}
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %T", err)
	}
	expectedRedacted := redactSecretName("PSP.StripeAPIKey")
	if got := missing.RedactedNames(); len(got) != 1 || got[0] != expectedRedacted {
		t.Fatalf("unexpected redacted names %v", got)
	}
}

func TestLoadMissingRequiredSecretsPanic(t *testing.T) {
	env := map[string]string{
		"ORDERS_FIRESTORE_PROJECT_ID": "lumamart-dev",
	}

	defer func() {
		rec := recover()
		if rec == nil {
			t.Fatal("expected panic when required secrets missing")
		}
		missing, ok := rec.(*MissingSecretsError)
		if !ok {
			t.Fatalf("expected MissingSecretsError panic, got %T", rec)
		}
		if len(missing.Names()) != 1 || missing.Names()[0] != "PSP.StripeAPIKey" {
			t.Fatalf("unexpected missing secrets %v", missing.Names())
		}
	}()

	Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("PSP.StripeAPIKey"),
		WithPanicOnMissingSecrets(),
	)
}

func TestLoadSupportsLegacySecretScheme(t *testing.T) {
	env := map[string]string{
		"ORDERS_FIRESTORE_PROJECT_ID":      "lumamart-dev",
		"ORDERS_PSP_STRIPE_WEBHOOK_SECRET": "sm://stripe/webhook",
	}

	secrets := map[string]string{
		"secret://stripe/webhook": "legacy-secret",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errors.New("not found")}
	})

	cfg, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithSecretResolver(resolver),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.PSP.StripeWebhookSecret != "legacy-secret" {
		t.Fatalf("expected legacy secret, got %s", cfg.PSP.StripeWebhookSecret)
	}
}
