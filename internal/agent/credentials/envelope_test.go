package credentials

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity/trinity/internal/common/config"
	"github.com/trinity/trinity/internal/common/logger"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	codec, err := NewCodec(testKey(t))
	require.NoError(t, err)

	files := map[string][]byte{
		".env":      []byte("GITHUB_TOKEN=abc123\n"),
		".mcp.json": []byte(`{"mcpServers":{}}`),
	}

	envJSON, err := codec.Encrypt(files)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(envJSON, &env))
	assert.Equal(t, 1, env.Version)
	assert.Equal(t, "AES-256-GCM", env.Algorithm)
	assert.NotEmpty(t, env.Nonce)
	assert.NotContains(t, string(envJSON), "GITHUB_TOKEN")

	got, err := codec.Decrypt(envJSON)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, bytes.Equal(files[".env"], got[".env"]))
	assert.True(t, bytes.Equal(files[".mcp.json"], got[".mcp.json"]))
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	codec, err := NewCodec(testKey(t))
	require.NoError(t, err)

	files := map[string][]byte{".env": []byte("X=1")}
	a, err := codec.Encrypt(files)
	require.NoError(t, err)
	b, err := codec.Encrypt(files)
	require.NoError(t, err)
	assert.NotEqual(t, string(a), string(b))
}

func TestDecryptWrongKey(t *testing.T) {
	codec, err := NewCodec(testKey(t))
	require.NoError(t, err)
	other, err := NewCodec(testKey(t))
	require.NoError(t, err)

	envJSON, err := codec.Encrypt(map[string][]byte{".env": []byte("X=1")})
	require.NoError(t, err)

	_, err = other.Decrypt(envJSON)
	assert.ErrorIs(t, err, ErrWrongKeyOrTampered)
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	codec, err := NewCodec(testKey(t))
	require.NoError(t, err)

	envJSON, err := codec.Encrypt(map[string][]byte{".env": []byte("X=1")})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(envJSON, &env))
	// Flip a character in the ciphertext body.
	raw := []byte(env.Ciphertext)
	if raw[0] == 'A' {
		raw[0] = 'B'
	} else {
		raw[0] = 'A'
	}
	env.Ciphertext = string(raw)
	tampered, err := json.Marshal(env)
	require.NoError(t, err)

	_, err = codec.Decrypt(tampered)
	assert.ErrorIs(t, err, ErrWrongKeyOrTampered)
}

func TestDecryptUnsupportedFormat(t *testing.T) {
	codec, err := NewCodec(testKey(t))
	require.NoError(t, err)

	envJSON, err := codec.Encrypt(map[string][]byte{".env": []byte("X=1")})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(envJSON, &env))
	env.Version = 2
	bumped, err := json.Marshal(env)
	require.NoError(t, err)

	_, err = codec.Decrypt(bumped)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = codec.Decrypt([]byte("not json"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestNewCodecRejectsBadKeyLength(t *testing.T) {
	_, err := NewCodec([]byte("short"))
	assert.Error(t, err)
}

func TestNewCodecFromConfig(t *testing.T) {
	log := logger.Default()

	t.Run("hex key", func(t *testing.T) {
		codec, err := NewCodecFromConfig(config.CredentialsConfig{
			EncryptionKey: hex.EncodeToString(testKey(t)),
		}, log)
		require.NoError(t, err)
		assert.NotNil(t, codec)
	})

	t.Run("invalid hex", func(t *testing.T) {
		_, err := NewCodecFromConfig(config.CredentialsConfig{
			EncryptionKey: "zz-not-hex",
		}, log)
		assert.Error(t, err)
	})

	t.Run("missing key required", func(t *testing.T) {
		_, err := NewCodecFromConfig(config.CredentialsConfig{RequireKey: true}, log)
		assert.Error(t, err)
	})

	t.Run("missing key generates", func(t *testing.T) {
		codec, err := NewCodecFromConfig(config.CredentialsConfig{}, log)
		require.NoError(t, err)
		assert.NotNil(t, codec)
	})
}
