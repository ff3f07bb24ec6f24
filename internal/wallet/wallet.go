package wallet

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	"bodasure/internal/repo"
)

// ErrDecryptFailed indicates the ciphertext was tampered with or encrypted
// under a different key. Callers must treat this as fatal for the operation.
var ErrDecryptFailed = errors.New("wallet: decrypt failed")

// Service generates custodial key pairs and protects private keys with
// AES-GCM envelope encryption. The encryption key is derived once at
// construction from the configured secret.
type Service struct {
	store  repo.Store
	logger *slog.Logger
	aead   cipher.AEAD
}

// New derives the process encryption key from secret and builds the service.
func New(store repo.Store, secret string, logger *slog.Logger) (*Service, error) {
	if secret == "" {
		return nil, errors.New("wallet secret is required")
	}

	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("bodasure-wallet-v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive wallet key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	return &Service{
		store:  store,
		logger: logger.With("component", "wallet"),
		aead:   aead,
	}, nil
}

// Keys holds a freshly generated custodial key pair. The plaintext private
// key never leaves Create.
type Keys struct {
	Address      string
	EncryptedKey string
}

// Create generates a new ed25519 key pair and returns the public address plus
// the encrypted private key blob.
func (s *Service) Create() (*Keys, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	encrypted, err := s.Encrypt(priv)
	if err != nil {
		return nil, err
	}

	return &Keys{
		Address:      deriveAddress(pub),
		EncryptedKey: encrypted,
	}, nil
}

// Encrypt seals plaintext under the process key with a random nonce per call.
func (s *Service) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt. It fails closed on tamper or
// wrong key rather than returning garbage.
func (s *Service) Decrypt(blob string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	if len(sealed) < s.aead.NonceSize() {
		return nil, ErrDecryptFailed
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// EnsureWallet returns the user's existing wallet or creates and persists one.
// It never overwrites an existing wallet.
func (s *Service) EnsureWallet(ctx context.Context, userID string) (*repo.Wallet, error) {
	existing, err := s.store.GetWalletByUserID(ctx, userID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	keys, err := s.Create()
	if err != nil {
		return nil, err
	}

	created, err := s.store.InsertWallet(ctx, repo.Wallet{
		UserID:       userID,
		Address:      keys.Address,
		EncryptedKey: keys.EncryptedKey,
	})
	if err != nil {
		// A concurrent EnsureWallet may have won the unique constraint race.
		if w, getErr := s.store.GetWalletByUserID(ctx, userID); getErr == nil {
			return w, nil
		}
		return nil, err
	}

	if err := s.store.SetWalletID(ctx, userID, created.ID); err != nil {
		s.logger.Warn("failed linking wallet to user", "user_id", userID, "error", err)
	}

	s.logger.Info("custodial wallet created", "user_id", userID, "address", created.Address)
	return created, nil
}

func deriveAddress(pub ed25519.PublicKey) string {
	sum := sha3.Sum256(pub)
	return "0x" + hex.EncodeToString(sum[12:])
}
