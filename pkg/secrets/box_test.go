package secrets

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBox_SealOpen(t *testing.T) {
	box, err := NewBox([]byte("test-master-secret-value"))
	require.NoError(t, err)

	sealed, err := box.Seal("u1", []byte("sk-live-abcdef"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "sk-live", "plaintext must not leak into the blob")

	plain, err := box.Open("u1", sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk-live-abcdef", string(plain))
}

func TestBox_NonceIsRandom(t *testing.T) {
	box, err := NewBox([]byte("test-master-secret-value"))
	require.NoError(t, err)

	s1, err := box.Seal("u1", []byte("same"))
	require.NoError(t, err)
	s2, err := box.Seal("u1", []byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, s1, s2, "same plaintext must not produce the same blob")
}

func TestBox_OpenFailures(t *testing.T) {
	box, err := NewBox([]byte("test-master-secret-value"))
	require.NoError(t, err)

	sealed, err := box.Seal("u1", []byte("sk-live-abcdef"))
	require.NoError(t, err)

	t.Run("wrong user", func(t *testing.T) {
		_, err := box.Open("u2", sealed)
		assert.ErrorIs(t, err, ErrDecrypt, "blob replayed across users must not open")
	})

	t.Run("tampered ciphertext", func(t *testing.T) {
		tampered := append([]byte(nil), sealed...)
		tampered[len(tampered)-1] ^= 0xff
		_, err := box.Open("u1", tampered)
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("truncated blob", func(t *testing.T) {
		_, err := box.Open("u1", sealed[:10])
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("different master", func(t *testing.T) {
		other, err := NewBox([]byte("another-master-secret-value"))
		require.NoError(t, err)
		_, err = other.Open("u1", sealed)
		assert.ErrorIs(t, err, ErrDecrypt)
	})
}

func TestBox_LongPlaintext(t *testing.T) {
	box, err := NewBox([]byte("test-master-secret-value"))
	require.NoError(t, err)

	long := strings.Repeat("k", 4096)
	sealed, err := box.Seal("u1", []byte(long))
	require.NoError(t, err)

	plain, err := box.Open("u1", sealed)
	require.NoError(t, err)
	assert.Equal(t, long, string(plain))
}

func TestNewBox_EmptyMaster(t *testing.T) {
	_, err := NewBox(nil)
	assert.Error(t, err)
}
