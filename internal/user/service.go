package user

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/trinity/trinity/internal/common/config"
	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/logger"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

const defaultTokenDuration = 24 * time.Hour

// Service manages accounts and issues JWTs for them.
type Service struct {
	store         *Store
	secret        []byte
	tokenDuration time.Duration
	logger        *logger.Logger
}

// NewService creates the account service. An empty JWT secret is rejected
// at boot rather than silently issuing forgeable tokens.
func NewService(store *Store, cfg config.AuthConfig, log *logger.Logger) (*Service, error) {
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("auth.jwtSecret must be configured")
	}
	duration := defaultTokenDuration
	if cfg.TokenDuration > 0 {
		duration = time.Duration(cfg.TokenDuration) * time.Second
	}
	return &Service{
		store:         store,
		secret:        []byte(cfg.JWTSecret),
		tokenDuration: duration,
		logger:        log.WithFields(zap.String("component", "user-service")),
	}, nil
}

// Register creates an account with a bcrypt-hashed password.
func (s *Service) Register(ctx context.Context, req *v1.CreateUserRequest) (*v1.User, error) {
	username := strings.TrimSpace(strings.ToLower(req.Username))
	if username == "" {
		return nil, apperrors.ValidationError("username", "must not be empty")
	}
	if len(req.Password) < 8 {
		return nil, apperrors.ValidationError("password", "must be at least 8 characters")
	}

	if _, err := s.store.GetByUsername(ctx, username); err == nil {
		return nil, apperrors.Conflict(fmt.Sprintf("user %q already exists", username))
	} else if err != sql.ErrNoRows {
		return nil, apperrors.InternalError("lookup user", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperrors.InternalError("hash password", err)
	}

	rec := &userRecord{
		Username:     username,
		Email:        req.Email,
		PasswordHash: string(hash),
		IsAdmin:      req.IsAdmin,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, apperrors.InternalError("create user", err)
	}

	s.logger.Info("user registered", zap.String("username", username), zap.Bool("admin", rec.IsAdmin))
	return rec.toAPI(), nil
}

// Authenticate checks the password and issues a signed token. Unknown users
// and wrong passwords are indistinguishable to the caller.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*v1.TokenResponse, error) {
	rec, err := s.store.GetByUsername(ctx, strings.TrimSpace(strings.ToLower(username)))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.Unauthorized("invalid credentials")
		}
		return nil, apperrors.InternalError("lookup user", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(password)) != nil {
		return nil, apperrors.Unauthorized("invalid credentials")
	}

	expiresAt := time.Now().Add(s.tokenDuration).UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   rec.Username,
		"admin": rec.IsAdmin,
		"iat":   time.Now().Unix(),
		"exp":   expiresAt.Unix(),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return nil, apperrors.InternalError("sign token", err)
	}

	return &v1.TokenResponse{
		AccessToken: signed,
		TokenType:   "bearer",
		ExpiresAt:   expiresAt,
	}, nil
}

// Identity is the verified subject of a token.
type Identity struct {
	Username string
	IsAdmin  bool
}

// ParseToken verifies a JWT and returns the identity it carries.
func (s *Service) ParseToken(tokenString string) (*Identity, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, apperrors.Unauthorized("invalid or expired token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, apperrors.Unauthorized("invalid token claims")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, apperrors.Unauthorized("token has no subject")
	}
	admin, _ := claims["admin"].(bool)
	return &Identity{Username: sub, IsAdmin: admin}, nil
}

// Get returns one account.
func (s *Service) Get(ctx context.Context, username string) (*v1.User, error) {
	rec, err := s.store.GetByUsername(ctx, username)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NotFound("user", username)
		}
		return nil, apperrors.InternalError("get user", err)
	}
	return rec.toAPI(), nil
}

// List returns all accounts.
func (s *Service) List(ctx context.Context) ([]*v1.User, error) {
	recs, err := s.store.List(ctx)
	if err != nil {
		return nil, apperrors.InternalError("list users", err)
	}
	users := make([]*v1.User, 0, len(recs))
	for _, rec := range recs {
		users = append(users, rec.toAPI())
	}
	return users, nil
}

// EnsureBootstrapAdmin creates the initial admin when the user table is
// empty so a fresh deployment can log in at all.
func (s *Service) EnsureBootstrapAdmin(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return nil
	}
	n, err := s.store.Count(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err = s.Register(ctx, &v1.CreateUserRequest{
		Username: username,
		Password: password,
		IsAdmin:  true,
	})
	if err != nil {
		return err
	}
	s.logger.Info("bootstrap admin created", zap.String("username", username))
	return nil
}
