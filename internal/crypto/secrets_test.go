package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	blob, err := EncryptSecret("super-secret-api-key", "hunter2")
	require.NoError(t, err)

	got, err := DecryptSecret(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "super-secret-api-key", got)
}

func TestDecryptWithWrongPasswordFails(t *testing.T) {
	blob, err := EncryptSecret("super-secret-api-key", "hunter2")
	require.NoError(t, err)

	_, err = DecryptSecret(blob, "wrong")
	assert.Error(t, err)
}

func TestLoadSecretFile(t *testing.T) {
	blob, err := EncryptSecret("file-backed-secret", "pw")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "secret.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	got, err := LoadSecretFile(path, "pw")
	require.NoError(t, err)
	assert.Equal(t, "file-backed-secret", got)
}

func TestWriteSecretFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.json")
	require.NoError(t, WriteSecretFile(path, "provisioned-key", "pw"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := LoadSecretFile(path, "pw")
	require.NoError(t, err)
	assert.Equal(t, "provisioned-key", got)
}

func TestEncryptRejectsEmptyInputs(t *testing.T) {
	_, err := EncryptSecret("", "pw")
	assert.Error(t, err)

	_, err = EncryptSecret("secret", "")
	assert.Error(t, err)
}
