//go:build integration

package firestore_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	pconfig "github.com/lumamart/orders/internal/platform/config"
	pfirestore "github.com/lumamart/orders/internal/platform/firestore"
)

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

type balanceDoc struct {
	UserID  string `firestore:"userId"`
	Balance int64  `firestore:"balance"`
}

func TestProviderAndCollectionIntegration(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}

	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	defer stopContainer(containerID)

	waitForEndpoint(t, endpoint, 30*time.Second)

	cfg := pconfig.FirestoreConfig{
		ProjectID:    "test-project",
		EmulatorHost: endpoint,
	}

	provider := pfirestore.NewProvider(cfg)
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	client, err := provider.Client(ctx)
	if err != nil {
		t.Fatalf("expected firestore client, got error: %v", err)
	}
	if client == nil {
		t.Fatalf("provider returned nil client")
	}

	coll := pfirestore.NewCollection[balanceDoc](provider, "balances")

	ref, err := coll.Doc(ctx, "usr_alpha")
	if err != nil {
		t.Fatalf("doc ref failed: %v", err)
	}
	if _, err := ref.Create(ctx, balanceDoc{UserID: "usr_alpha", Balance: 100}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	doc, err := coll.Get(ctx, "usr_alpha")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if doc.ID != "usr_alpha" || doc.Data.Balance != 100 {
		t.Fatalf("unexpected document: %#v", doc)
	}
	if doc.UpdateTime.IsZero() {
		t.Fatalf("expected update time to be set")
	}

	// Duplicate create must classify as a conflict, like a replayed insert.
	if _, err := ref.Create(ctx, balanceDoc{UserID: "usr_alpha"}); err == nil {
		t.Fatalf("expected duplicate create to fail")
	} else {
		wrapped := pfirestore.WrapError("balances.create", err)
		var cls interface{ IsConflict() bool }
		if !errors.As(wrapped, &cls) || !cls.IsConflict() {
			t.Fatalf("expected conflict classification, got %v", wrapped)
		}
	}

	if _, err := coll.Get(ctx, "usr_missing"); err == nil {
		t.Fatalf("expected not found error")
	} else {
		var cls interface{ IsNotFound() bool }
		if !errors.As(err, &cls) || !cls.IsNotFound() {
			t.Fatalf("expected not found classification, got %v", err)
		}
	}

	// Read-modify-write through the transaction path used by status updates.
	if err := provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc balanceDoc
		if err := snap.DataTo(&doc); err != nil {
			return err
		}
		doc.Balance += 50
		return tx.Set(ref, doc)
	}); err != nil {
		t.Fatalf("transaction failed: %v", err)
	}

	doc, err = coll.Get(ctx, "usr_alpha")
	if err != nil {
		t.Fatalf("get after transaction failed: %v", err)
	}
	if doc.Data.Balance != 150 {
		t.Fatalf("expected balance 150 after txn, got %d", doc.Data.Balance)
	}

	docs, err := coll.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("balance", ">", int64(0))
	})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(docs) != 1 || docs[0].Data.UserID != "usr_alpha" {
		t.Fatalf("unexpected query result: %#v", docs)
	}

	cancelCtx, cancelTxn := context.WithCancel(context.Background())
	cancelTxn()
	if err := provider.RunTransaction(cancelCtx, func(ctx context.Context, tx *firestore.Transaction) error {
		return nil
	}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled error, got %v", err)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	addr, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer addr.Close()
	return addr.Addr().(*net.TCPAddr).Port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	args := []string{
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	}

	cmd := exec.Command("docker", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned empty container id")
	}
	// Shorten the ID to match docker CLI behaviour for stop/remove commands.
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "stop", id)
	_ = cmd.Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		lastErr = err
		time.Sleep(250 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = errors.New("timeout waiting for endpoint")
	}
	t.Fatalf("emulator did not become ready: %v", lastErr)
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		t.Skip("docker daemon unavailable: " + err.Error())
	}
}
