package wallet

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"strings"
	"testing"

	"bodasure/internal/repo"
)

func newTestService(t *testing.T, secret string) (*Service, *repo.Memory) {
	t.Helper()
	store := repo.NewMemory()
	svc, err := New(store, secret, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return svc, store
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	svc, _ := newTestService(t, "round-trip-secret")

	plaintext := []byte("the private key bytes")
	blob, err := svc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	got, err := svc.Decrypt(blob)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("round trip mismatch: %q", got)
	}

	// A fresh nonce per call means two blobs of the same plaintext differ.
	second, err := svc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if blob == second {
		t.Fatal("expected distinct ciphertexts for repeated encryption")
	}
}

func TestDecryptFailsClosedOnTamper(t *testing.T) {
	svc, _ := newTestService(t, "tamper-secret")

	blob, err := svc.Encrypt([]byte("secret material"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		t.Fatalf("decode blob: %v", err)
	}
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	if _, err := svc.Decrypt(tampered); err != ErrDecryptFailed {
		t.Fatalf("expected ErrDecryptFailed, got %v", err)
	}
}

func TestDecryptFailsClosedOnWrongKey(t *testing.T) {
	svc, _ := newTestService(t, "first-secret")
	other, _ := newTestService(t, "second-secret")

	blob, err := svc.Encrypt([]byte("secret material"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := other.Decrypt(blob); err != ErrDecryptFailed {
		t.Fatalf("expected ErrDecryptFailed, got %v", err)
	}
}

func TestCreateProducesAddressAndEncryptedKey(t *testing.T) {
	svc, _ := newTestService(t, "create-secret")

	keys, err := svc.Create()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(keys.Address, "0x") || len(keys.Address) != 42 {
		t.Fatalf("unexpected address format: %s", keys.Address)
	}
	if keys.EncryptedKey == "" {
		t.Fatal("expected encrypted key material")
	}
	if _, err := svc.Decrypt(keys.EncryptedKey); err != nil {
		t.Fatalf("encrypted key must decrypt with the service key: %v", err)
	}
}

func TestEnsureWalletIdempotent(t *testing.T) {
	svc, store := newTestService(t, "ensure-secret")
	ctx := context.Background()

	user, err := store.UpsertUserByPhone(ctx, repo.UserProfile{Phone: "254712000003"})
	if err != nil {
		t.Fatalf("upsert user: %v", err)
	}

	first, err := svc.EnsureWallet(ctx, user.ID)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	second, err := svc.EnsureWallet(ctx, user.ID)
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if first.ID != second.ID || first.Address != second.Address {
		t.Fatalf("wallet was not reused: %s vs %s", first.Address, second.Address)
	}
}

func TestNewRequiresSecret(t *testing.T) {
	store := repo.NewMemory()
	if _, err := New(store, "", slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
