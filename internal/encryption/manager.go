package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"behavior-guard/internal/config"
	"behavior-guard/internal/util"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrNoSealingKey     = errors.New("no KMS key or local key configured")
)

// Unwrapped data keys are cached for reads only; every Seal uses a fresh key.
const (
	keyCacheSize = 1024
	keyCacheTTL  = 15 * time.Minute
)

// Payload versions.
const (
	VersionKMS   = "kms-v1"
	VersionLocal = "local-v1"
	VersionPlain = "plain"
)

// KMSAPI is the subset of the KMS client used for envelope encryption.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, in *kms.GenerateDataKeyInput, opts ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, in *kms.DecryptInput, opts ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// SealedPayload is a profile payload at rest. The user id is bound as
// additional authenticated data so a payload cannot be replayed onto another
// user's row.
type SealedPayload struct {
	Value        string    `json:"value"`
	EncryptedDEK string    `json:"encrypted_dek,omitempty"`
	KeyID        string    `json:"key_id,omitempty"`
	Version      string    `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
}

type DataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
}

// EncryptionManager seals behavioral payloads with per-payload data keys.
// With KMS enabled the data key is wrapped by KMS; otherwise it is wrapped by
// the configured local master key. Without either, payloads are stored plain,
// which production refuses.
type EncryptionManager struct {
	kmsClient KMSAPI
	kmsKeyID  string
	localKey  []byte
	keyCache  *expirable.LRU[string, []byte] // wrapped DEK -> plaintext DEK
}

func NewEncryptionManager(cfg *config.Config, kmsClient KMSAPI) (*EncryptionManager, error) {
	em := &EncryptionManager{
		keyCache: expirable.NewLRU[string, []byte](keyCacheSize, nil, keyCacheTTL),
	}
	if cfg.KMS.Enabled {
		if kmsClient == nil {
			return nil, fmt.Errorf("kms enabled but no client configured")
		}
		em.kmsClient = kmsClient
		em.kmsKeyID = cfg.KMS.KeyID
		return em, nil
	}

	if cfg.KMS.LocalKey != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.KMS.LocalKey)
		if err != nil {
			return nil, fmt.Errorf("decoding kms.local_key: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("kms.local_key must be 32 bytes, got %d", len(key))
		}
		em.localKey = key
		return em, nil
	}

	if cfg.IsProduction() {
		return nil, fmt.Errorf("profile payload sealing is required in production: %w", ErrNoSealingKey)
	}
	util.Warn("Profile payload sealing disabled, no KMS key or local key configured")
	return em, nil
}

// Enabled reports whether payloads are encrypted at rest.
func (em *EncryptionManager) Enabled() bool {
	return em.kmsClient != nil || em.localKey != nil
}

// GenerateDataKey generates a new data encryption key using KMS or the local master key
func (em *EncryptionManager) GenerateDataKey(ctx context.Context) (*DataKey, error) {
	if em.kmsClient != nil {
		result, err := em.kmsClient.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
			KeyId:   aws.String(em.kmsKeyID),
			KeySpec: types.DataKeySpecAes256,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to generate data key: %w", err)
		}
		return &DataKey{
			Plaintext:  result.Plaintext,
			Ciphertext: result.CiphertextBlob,
			KeyID:      em.kmsKeyID,
		}, nil
	}

	key := make([]byte, 32) // AES-256
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	wrapped, err := seal(em.localKey, key, nil)
	if err != nil {
		return nil, err
	}
	return &DataKey{Plaintext: key, Ciphertext: wrapped, KeyID: "local"}, nil
}

// Seal encrypts plaintext for userID.
func (em *EncryptionManager) Seal(ctx context.Context, userID string, plaintext []byte) (*SealedPayload, error) {
	now := time.Now().UTC()
	if !em.Enabled() {
		return &SealedPayload{
			Value:     base64.StdEncoding.EncodeToString(plaintext),
			Version:   VersionPlain,
			CreatedAt: now,
		}, nil
	}

	dataKey, err := em.GenerateDataKey(ctx)
	if err != nil {
		return nil, err
	}

	ciphertext, err := seal(dataKey.Plaintext, plaintext, []byte(userID))
	if err != nil {
		return nil, err
	}

	wrapped := base64.StdEncoding.EncodeToString(dataKey.Ciphertext)

	version := VersionLocal
	if em.kmsClient != nil {
		version = VersionKMS
	}
	return &SealedPayload{
		Value:        base64.StdEncoding.EncodeToString(ciphertext),
		EncryptedDEK: wrapped,
		KeyID:        dataKey.KeyID,
		Version:      version,
		CreatedAt:    now,
	}, nil
}

// Open decrypts a payload sealed for userID.
func (em *EncryptionManager) Open(ctx context.Context, userID string, p *SealedPayload) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(p.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}
	if p.Version == VersionPlain {
		return raw, nil
	}

	dek, err := em.dataKey(ctx, p)
	if err != nil {
		return nil, err
	}
	return open(dek, raw, []byte(userID))
}

func (em *EncryptionManager) dataKey(ctx context.Context, p *SealedPayload) ([]byte, error) {
	if dek, ok := em.keyCache.Get(p.EncryptedDEK); ok {
		return dek, nil
	}

	wrapped, err := base64.StdEncoding.DecodeString(p.EncryptedDEK)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
	}

	var dek []byte
	switch p.Version {
	case VersionKMS:
		if em.kmsClient == nil {
			return nil, fmt.Errorf("%w: payload sealed with KMS but KMS is disabled", ErrDecryptionFailed)
		}
		result, err := em.kmsClient.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: wrapped})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decrypt DEK: %v", ErrDecryptionFailed, err)
		}
		dek = result.Plaintext
	case VersionLocal:
		if em.localKey == nil {
			return nil, fmt.Errorf("%w: payload sealed locally but no local key configured", ErrDecryptionFailed)
		}
		dek, err = open(em.localKey, wrapped, nil)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown payload version %q", ErrDecryptionFailed, p.Version)
	}

	em.keyCache.Add(p.EncryptedDEK, dek)
	util.Debug("Data key unwrapped", zap.String("key_id", p.KeyID), zap.String("version", p.Version))
	return dek, nil
}

// ClearCache drops every cached data key.
func (em *EncryptionManager) ClearCache() {
	em.keyCache.Purge()
}

func seal(key, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

func open(key, ciphertext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
