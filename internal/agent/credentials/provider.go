package credentials

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/trinity/trinity/internal/common/config"
	"github.com/trinity/trinity/internal/common/logger"
)

// NewCodecFromConfig builds the envelope codec from configuration.
//
// The key comes from CREDENTIAL_ENCRYPTION_KEY as 64 hex characters. When the
// key is absent the behavior depends on the require_key policy: with it set
// the process refuses to start; without it a random per-process key is
// generated, which means envelopes written by this process cannot be opened
// after a restart.
func NewCodecFromConfig(cfg config.CredentialsConfig, log *logger.Logger) (*Codec, error) {
	if cfg.EncryptionKey != "" {
		key, err := hex.DecodeString(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("CREDENTIAL_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(key) != keySize {
			return nil, fmt.Errorf("CREDENTIAL_ENCRYPTION_KEY must decode to %d bytes, got %d", keySize, len(key))
		}
		return NewCodec(key)
	}

	if cfg.RequireKey {
		return nil, fmt.Errorf("CREDENTIAL_ENCRYPTION_KEY is required but not set")
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate credential key: %w", err)
	}
	log.Warn("CREDENTIAL_ENCRYPTION_KEY not set, using a random per-process key; credential envelopes will not survive a restart")
	return NewCodec(key)
}
