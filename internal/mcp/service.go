package mcp

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/logger"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

const (
	// TokenPrefix marks every minted token.
	TokenPrefix = "trinity_mcp_"

	// tokenBytes gives 256 bits of entropy after the prefix.
	tokenBytes = 32

	// displayPrefixLen is how much of the token is kept for display.
	displayPrefixLen = len(TokenPrefix) + 8
)

// Service mints, validates, and revokes MCP keys.
type Service struct {
	store  Store
	logger *logger.Logger
}

// NewService creates an MCP key service.
func NewService(store Store, log *logger.Logger) *Service {
	return &Service{store: store, logger: log.WithFields(zap.String("component", "mcp_keys"))}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return TokenPrefix + hex.EncodeToString(buf), nil
}

// Mint issues a new key. The plaintext token is returned once and never
// stored; subsequent reads only see the hash and display prefix.
func (s *Service) Mint(ctx context.Context, owner, agentName string, scope v1.MCPKeyScope) (*v1.MintMCPKeyResponse, error) {
	if owner == "" {
		return nil, apperrors.ValidationError("owner", "must not be empty")
	}
	if scope == "" {
		scope = v1.MCPScopeUser
	}
	if scope != v1.MCPScopeUser && scope != v1.MCPScopeSystem {
		return nil, apperrors.ValidationError("scope", fmt.Sprintf("unknown scope %q", scope))
	}

	token, err := generateToken()
	if err != nil {
		return nil, apperrors.InternalError("mint mcp key", err)
	}

	record := &keyRecord{
		TokenHash:   hashToken(token),
		TokenPrefix: token[:displayPrefixLen],
		Owner:       owner,
		Scope:       string(scope),
	}
	if agentName != "" {
		record.AgentName = sql.NullString{String: agentName, Valid: true}
	}

	if err := s.store.Create(ctx, record); err != nil {
		return nil, apperrors.InternalError("store mcp key", err)
	}

	s.logger.Info("minted mcp key",
		zap.String("key_id", record.ID),
		zap.String("owner", owner),
		zap.String("agent_name", agentName),
		zap.String("scope", string(scope)),
	)
	return &v1.MintMCPKeyResponse{Key: *record.toAPI(), Token: token}, nil
}

// Validate resolves a bearer token to its (user, agent, scope) triple.
// Unknown, malformed, and revoked tokens all validate to false without
// distinguishing why.
func (s *Service) Validate(ctx context.Context, token string) (*v1.ValidateMCPKeyResponse, error) {
	token = strings.TrimSpace(token)
	if !strings.HasPrefix(token, TokenPrefix) {
		return &v1.ValidateMCPKeyResponse{Valid: false}, nil
	}

	record, err := s.store.GetByHash(ctx, hashToken(token))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &v1.ValidateMCPKeyResponse{Valid: false}, nil
		}
		return nil, apperrors.InternalError("validate mcp key", err)
	}
	if record.Revoked {
		return &v1.ValidateMCPKeyResponse{Valid: false}, nil
	}

	resp := &v1.ValidateMCPKeyResponse{
		Valid: true,
		User:  record.Owner,
		Scope: v1.MCPKeyScope(record.Scope),
	}
	if record.AgentName.Valid {
		resp.AgentName = record.AgentName.String
	}
	return resp, nil
}

// List returns the metadata of all keys owned by a user.
func (s *Service) List(ctx context.Context, owner string) ([]*v1.MCPKey, error) {
	records, err := s.store.ListByOwner(ctx, owner)
	if err != nil {
		return nil, apperrors.InternalError("list mcp keys", err)
	}
	keys := make([]*v1.MCPKey, len(records))
	for i, r := range records {
		keys[i] = r.toAPI()
	}
	return keys, nil
}

// Revoke marks a key revoked. Only the owner may revoke it.
func (s *Service) Revoke(ctx context.Context, owner, id string) error {
	record, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("mcp key", id)
		}
		return apperrors.InternalError("get mcp key", err)
	}
	if record.Owner != owner {
		return apperrors.Forbidden("mcp key belongs to another user")
	}
	if err := s.store.Revoke(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("mcp key", id)
		}
		return apperrors.InternalError("revoke mcp key", err)
	}
	s.logger.Info("revoked mcp key", zap.String("key_id", id), zap.String("owner", owner))
	return nil
}

// DeleteForAgent removes all keys scoped to an agent. Called by the
// lifecycle delete pipeline.
func (s *Service) DeleteForAgent(ctx context.Context, agentName string) error {
	if err := s.store.DeleteByAgent(ctx, agentName); err != nil {
		return apperrors.InternalError("delete agent mcp keys", err)
	}
	return nil
}

// EnsureSystemKey returns an existing unrevoked system-scoped key for the
// agent or mints one. The token is only non-empty when freshly minted.
func (s *Service) EnsureSystemKey(ctx context.Context, owner, agentName string) (*v1.MintMCPKeyResponse, bool, error) {
	record, err := s.store.FindSystemKey(ctx, agentName)
	if err == nil {
		return &v1.MintMCPKeyResponse{Key: *record.toAPI()}, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, apperrors.InternalError("find system mcp key", err)
	}

	minted, err := s.Mint(ctx, owner, agentName, v1.MCPScopeSystem)
	if err != nil {
		return nil, false, err
	}
	return minted, true, nil
}
