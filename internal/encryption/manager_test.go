package encryption

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"behavior-guard/internal/config"
)

// fakeKMS wraps data keys with a fixed in-memory master key.
type fakeKMS struct {
	master   []byte
	decrypts int
	failNext bool
}

func (f *fakeKMS) GenerateDataKey(_ context.Context, _ *kms.GenerateDataKeyInput, _ ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error) {
	if f.failNext {
		return nil, errors.New("kms unavailable")
	}
	key := make([]byte, 32)
	_, _ = rand.Read(key)
	wrapped, err := seal(f.master, key, nil)
	if err != nil {
		return nil, err
	}
	return &kms.GenerateDataKeyOutput{Plaintext: key, CiphertextBlob: wrapped}, nil
}

func (f *fakeKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	f.decrypts++
	key, err := open(f.master, in.CiphertextBlob, nil)
	if err != nil {
		return nil, err
	}
	return &kms.DecryptOutput{Plaintext: key}, nil
}

func localKeyConfig(t *testing.T) *config.Config {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	cfg := config.Defaults()
	cfg.KMS.LocalKey = base64.StdEncoding.EncodeToString(key)
	return cfg
}

func TestSealOpen_LocalKey(t *testing.T) {
	em, err := NewEncryptionManager(localKeyConfig(t), nil)
	require.NoError(t, err)
	require.True(t, em.Enabled())

	payload := []byte(`{"typingSpeed":312}`)
	sealed, err := em.Seal(context.Background(), "user-1", payload)
	require.NoError(t, err)
	assert.Equal(t, VersionLocal, sealed.Version)
	assert.NotContains(t, sealed.Value, "typingSpeed")

	em.ClearCache()
	got, err := em.Open(context.Background(), "user-1", sealed)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestOpen_RejectsOtherUser(t *testing.T) {
	em, err := NewEncryptionManager(localKeyConfig(t), nil)
	require.NoError(t, err)

	sealed, err := em.Seal(context.Background(), "user-1", []byte("baseline"))
	require.NoError(t, err)

	_, err = em.Open(context.Background(), "user-2", sealed)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestSealOpen_KMS(t *testing.T) {
	master := make([]byte, 32)
	_, _ = rand.Read(master)
	fake := &fakeKMS{master: master}

	cfg := config.Defaults()
	cfg.KMS.Enabled = true
	cfg.KMS.KeyID = "alias/behavior-guard"

	em, err := NewEncryptionManager(cfg, fake)
	require.NoError(t, err)

	sealed, err := em.Seal(context.Background(), "user-1", []byte("profile"))
	require.NoError(t, err)
	assert.Equal(t, VersionKMS, sealed.Version)
	assert.Equal(t, "alias/behavior-guard", sealed.KeyID)

	got, err := em.Open(context.Background(), "user-1", sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("profile"), got)
	assert.Equal(t, 1, fake.decrypts)

	// Cached data key: no second KMS round trip.
	_, err = em.Open(context.Background(), "user-1", sealed)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.decrypts)

	em.ClearCache()
	_, err = em.Open(context.Background(), "user-1", sealed)
	require.NoError(t, err)
	assert.Equal(t, 2, fake.decrypts)

	fake.failNext = true
	_, err = em.Seal(context.Background(), "user-1", []byte("x"))
	assert.Error(t, err)
}

func TestSealOpen_Plain(t *testing.T) {
	em, err := NewEncryptionManager(config.Defaults(), nil)
	require.NoError(t, err)
	assert.False(t, em.Enabled())

	sealed, err := em.Seal(context.Background(), "u", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, VersionPlain, sealed.Version)

	got, err := em.Open(context.Background(), "u", sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestNewEncryptionManager_BadLocalKey(t *testing.T) {
	cfg := config.Defaults()
	cfg.KMS.LocalKey = base64.StdEncoding.EncodeToString([]byte("short"))
	_, err := NewEncryptionManager(cfg, nil)
	assert.Error(t, err)

	cfg = config.Defaults()
	cfg.KMS.Enabled = true
	_, err = NewEncryptionManager(cfg, nil)
	assert.Error(t, err)
}

func TestKeyCache_Bounded(t *testing.T) {
	em, err := NewEncryptionManager(localKeyConfig(t), nil)
	require.NoError(t, err)
	ctx := context.Background()

	sealed := make([]*SealedPayload, 0, keyCacheSize+10)
	for i := 0; i < keyCacheSize+10; i++ {
		p, err := em.Seal(ctx, "user-1", []byte("profile"))
		require.NoError(t, err)
		sealed = append(sealed, p)
	}
	assert.Zero(t, em.keyCache.Len(), "writes do not populate the cache")

	for _, p := range sealed {
		_, err := em.Open(ctx, "user-1", p)
		require.NoError(t, err)
	}
	assert.Equal(t, keyCacheSize, em.keyCache.Len())
}

func TestNewEncryptionManager_ProductionRequiresKey(t *testing.T) {
	cfg := config.Defaults()
	cfg.Environment = "production"
	_, err := NewEncryptionManager(cfg, nil)
	assert.ErrorIs(t, err, ErrNoSealingKey)

	cfg = localKeyConfig(t)
	cfg.Environment = "production"
	em, err := NewEncryptionManager(cfg, nil)
	require.NoError(t, err)
	assert.True(t, em.Enabled())

	cfg = config.Defaults()
	cfg.Environment = "development"
	em, err = NewEncryptionManager(cfg, nil)
	require.NoError(t, err)
	assert.False(t, em.Enabled())
}
