// Package credentials implements the authenticated-encryption envelope for
// agent credential files. The envelope is written to the agent workspace as
// .credentials.enc and survives container rebuilds; the key never leaves the
// control plane.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// EnvelopeFile is the filename written in the agent workspace.
	EnvelopeFile = ".credentials.enc"

	envelopeVersion   = 1
	envelopeAlgorithm = "AES-256-GCM"
	keySize           = 32
	nonceSize         = 12
)

// ErrWrongKeyOrTampered is returned when the AEAD tag does not verify.
var ErrWrongKeyOrTampered = errors.New("wrong key or tampered envelope")

// ErrUnsupportedFormat is returned when the envelope version or algorithm
// is not one this build understands.
var ErrUnsupportedFormat = errors.New("unsupported envelope format")

// Envelope is the at-rest JSON structure of an encrypted credential set.
type Envelope struct {
	Version    int    `json:"version"`
	Algorithm  string `json:"algorithm"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Codec encrypts and decrypts credential file maps with a fixed key.
type Codec struct {
	key []byte
}

// NewCodec creates a codec. The key must be exactly 32 bytes.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("credential key must be %d bytes, got %d", keySize, len(key))
	}
	k := make([]byte, keySize)
	copy(k, key)
	return &Codec{key: k}, nil
}

// Encrypt seals a map of relative paths to file bodies into an envelope.
// The nonce is freshly random per call; encrypting the same map twice
// yields different envelopes.
func (c *Codec) Encrypt(files map[string][]byte) ([]byte, error) {
	plaintext, err := json.Marshal(files)
	if err != nil {
		return nil, fmt.Errorf("marshal credential files: %w", err)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	env := Envelope{
		Version:    envelopeVersion,
		Algorithm:  envelopeAlgorithm,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}
	return json.Marshal(env)
}

// Decrypt opens an envelope back into the path to body map.
func (c *Codec) Decrypt(envelopeJSON []byte) (map[string][]byte, error) {
	var env Envelope
	if err := json.Unmarshal(envelopeJSON, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	if env.Version != envelopeVersion || env.Algorithm != envelopeAlgorithm {
		return nil, fmt.Errorf("%w: version=%d algorithm=%q", ErrUnsupportedFormat, env.Version, env.Algorithm)
	}

	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonce) != nonceSize {
		return nil, fmt.Errorf("%w: bad nonce", ErrUnsupportedFormat)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext", ErrUnsupportedFormat)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrWrongKeyOrTampered
	}

	var files map[string][]byte
	if err := json.Unmarshal(plaintext, &files); err != nil {
		return nil, fmt.Errorf("unmarshal credential files: %w", err)
	}
	return files, nil
}
