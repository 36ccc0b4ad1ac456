package archive

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	sizes := []int{0, 1, 4096, defaultChunkSize, defaultChunkSize + 17, 2*defaultChunkSize + 3}

	for _, size := range sizes {
		payload := make([]byte, size)
		_, err := rand.Read(payload)
		require.NoError(t, err)

		var sealed bytes.Buffer
		require.NoError(t, Encrypt(&sealed, bytes.NewReader(payload), "correct horse"))
		if size > 0 {
			assert.NotContains(t, sealed.String(), string(payload[:min(size, 64)]))
		}

		var opened bytes.Buffer
		require.NoError(t, Decrypt(&opened, bytes.NewReader(sealed.Bytes()), "correct horse"), "size %d", size)
		assert.Equal(t, size, opened.Len(), "size %d", size)
		assert.True(t, bytes.Equal(payload, opened.Bytes()), "size %d", size)
	}
}

func TestDecrypt_WrongPassphrase(t *testing.T) {
	var sealed bytes.Buffer
	require.NoError(t, Encrypt(&sealed, bytes.NewReader([]byte("secret dump")), "right"))

	err := Decrypt(&bytes.Buffer{}, bytes.NewReader(sealed.Bytes()), "wrong")
	assert.ErrorIs(t, err, ErrBadPassphrase)
}

func TestDecrypt_Truncated(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), defaultChunkSize+10)
	var sealed bytes.Buffer
	require.NoError(t, Encrypt(&sealed, bytes.NewReader(payload), "pw"))

	// Drop the final chunk entirely.
	cut := sealed.Bytes()[:len(encryptionMagic)+saltSize+4+1+12+4+defaultChunkSize+16]
	err := Decrypt(&bytes.Buffer{}, bytes.NewReader(cut), "pw")
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecrypt_NotEncrypted(t *testing.T) {
	err := Decrypt(&bytes.Buffer{}, bytes.NewReader([]byte("plain tar data, no header")), "pw")
	assert.ErrorIs(t, err, ErrNotEncrypted)
}

func TestEncrypt_EmptyPassphrase(t *testing.T) {
	assert.Error(t, Encrypt(&bytes.Buffer{}, bytes.NewReader(nil), ""))
}

func TestEncryptFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "backup.tgz")
	require.NoError(t, os.WriteFile(src, []byte("archive bytes"), 0o600))

	dst := src + EncryptedExtension
	require.NoError(t, EncryptFile(src, dst, "pw"))

	// The destination is created exclusively.
	assert.Error(t, EncryptFile(src, dst, "pw"))

	plain := filepath.Join(dir, "restored.tgz")
	require.NoError(t, DecryptFile(dst, plain, "pw"))
	got, err := os.ReadFile(plain)
	require.NoError(t, err)
	assert.Equal(t, "archive bytes", string(got))

	bad := filepath.Join(dir, "bad.tgz")
	assert.ErrorIs(t, DecryptFile(dst, bad, "nope"), ErrBadPassphrase)
	_, err = os.Stat(bad)
	assert.True(t, os.IsNotExist(err), "failed output is removed")
}
