// Package auth issues and verifies credentials for the HTTP surface:
// bcrypt password hashes, short-lived HS256 access tokens and rotating
// refresh tokens whose digests are kept in the store.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/basket/taskboard/internal/audit"
	"github.com/basket/taskboard/internal/persistence"
	"github.com/basket/taskboard/internal/shared"
	"github.com/google/uuid"
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
	DefaultBcryptCost = 12
)

var (
	ErrSetupCompleted     = errors.New("setup already completed")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrTokenExpired       = errors.New("token expired")
	ErrInvalidToken       = errors.New("invalid token")
	ErrRefreshNotFound    = errors.New("refresh token not found or expired")
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailTaken         = persistence.ErrEmailTaken
	ErrSelfDelete         = errors.New("cannot delete your own account")
)

// Claims is the JWT body of both token kinds. Refresh tokens carry a jti.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Session is what setup, login and refresh hand back to the caller.
type Session struct {
	User   *persistence.User `json:"user"`
	Tokens Tokens            `json:"tokens"`
}

type Config struct {
	Store  *persistence.Store
	Logger *slog.Logger
	// Empty secrets are replaced with random per-process values.
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	BcryptCost    int
	Now           func() time.Time
}

type Service struct {
	store         *persistence.Store
	logger        *slog.Logger
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	cost          int
	now           func() time.Time
}

func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")
	s := &Service{
		store:      cfg.Store,
		logger:     logger,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		cost:       cfg.BcryptCost,
		now:        cfg.Now,
	}
	if s.accessTTL <= 0 {
		s.accessTTL = DefaultAccessTTL
	}
	if s.refreshTTL <= 0 {
		s.refreshTTL = DefaultRefreshTTL
	}
	if s.cost == 0 {
		s.cost = DefaultBcryptCost
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.accessSecret = secretOrRandom(logger, "jwt_secret", cfg.AccessSecret)
	s.refreshSecret = secretOrRandom(logger, "refresh_secret", cfg.RefreshSecret)
	return s
}

func secretOrRandom(logger *slog.Logger, name, configured string) []byte {
	if configured != "" {
		return []byte(configured)
	}
	logger.Warn("auth secret not configured; using random secret, tokens will not survive a restart", "secret", name)
	return []byte(uuid.NewString() + uuid.NewString())
}

func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// HashPassword returns the bcrypt hash of password at the configured cost.
func (s *Service) HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(b), nil
}

func tokenDigest(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return []byte(hex.EncodeToString(sum[:]))
}

func (s *Service) sign(u *persistence.User, secret []byte, ttl time.Duration, jti string) (string, error) {
	now := s.now()
	claims := Claims{
		Email: u.Email,
		Role:  u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        jti,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// issue mints a token pair and stores the refresh digest.
func (s *Service) issue(ctx context.Context, u *persistence.User) (Tokens, error) {
	access, err := s.sign(u, s.accessSecret, s.accessTTL, "")
	if err != nil {
		return Tokens{}, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := s.sign(u, s.refreshSecret, s.refreshTTL, uuid.NewString())
	if err != nil {
		return Tokens{}, fmt.Errorf("sign refresh token: %w", err)
	}
	digest, err := bcrypt.GenerateFromPassword(tokenDigest(refresh), s.cost)
	if err != nil {
		return Tokens{}, fmt.Errorf("hash refresh token: %w", err)
	}
	now := s.clock()
	if err := s.store.InsertRefreshToken(ctx, persistence.RefreshToken{
		ID:        uuid.NewString(),
		UserID:    u.ID,
		TokenHash: string(digest),
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
	}); err != nil {
		return Tokens{}, err
	}
	return Tokens{AccessToken: access, RefreshToken: refresh}, nil
}

func (s *Service) parse(token string, secret []byte) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrTokenExpired
	}
	if err != nil || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyAccess checks an access token and returns the principal it names.
func (s *Service) VerifyAccess(token string) (shared.Actor, error) {
	claims, err := s.parse(token, s.accessSecret)
	if err != nil {
		return shared.Actor{}, err
	}
	return shared.Actor{UserID: claims.Subject, Email: claims.Email, Role: claims.Role}, nil
}

// SetupRequired reports whether no account exists yet.
func (s *Service) SetupRequired(ctx context.Context) (bool, error) {
	n, err := s.store.CountUsers(ctx)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// SetupAdmin creates the first account as admin and signs it in.
func (s *Service) SetupAdmin(ctx context.Context, in Credentials) (*Session, error) {
	required, err := s.SetupRequired(ctx)
	if err != nil {
		return nil, err
	}
	if !required {
		return nil, ErrSetupCompleted
	}
	u, err := s.createUser(ctx, in.Email, in.Password, persistence.RoleAdmin)
	if err != nil {
		return nil, err
	}
	tokens, err := s.issue(ctx, u)
	if err != nil {
		return nil, err
	}
	audit.Record(ctx, audit.DecisionAllow, "auth.setup", "initial admin created", "", u.Email)
	s.logger.Info("initial admin created", "user_id", u.ID)
	return &Session{User: u, Tokens: tokens}, nil
}

// Login checks credentials. Unknown email and wrong password both yield
// ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, in Credentials) (*Session, error) {
	u, err := s.store.GetUserByEmail(ctx, in.Email)
	if errors.Is(err, persistence.ErrNotFound) {
		audit.Record(ctx, audit.DecisionDeny, "auth.login", "unknown email", "", in.Email)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(in.Password)) != nil {
		audit.Record(ctx, audit.DecisionDeny, "auth.login", "wrong password", "", in.Email)
		return nil, ErrInvalidCredentials
	}
	tokens, err := s.issue(ctx, u)
	if err != nil {
		return nil, err
	}
	audit.Record(ctx, audit.DecisionAllow, "auth.login", "password accepted", "", in.Email)
	return &Session{User: u, Tokens: tokens}, nil
}

// findRefresh returns the stored row whose digest matches token.
func (s *Service) findRefresh(ctx context.Context, userID, token string, activeAt *time.Time) (*persistence.RefreshToken, error) {
	rows, err := s.store.ListRefreshTokens(ctx, userID, activeAt)
	if err != nil {
		return nil, err
	}
	digest := tokenDigest(token)
	for i := range rows {
		if bcrypt.CompareHashAndPassword([]byte(rows[i].TokenHash), digest) == nil {
			return &rows[i], nil
		}
	}
	return nil, nil
}

// Refresh exchanges a refresh token for a new pair. The presented token is
// consumed; replaying it fails with ErrRefreshNotFound.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	claims, err := s.parse(refreshToken, s.refreshSecret)
	if err != nil {
		return nil, err
	}
	u, err := s.store.GetUser(ctx, claims.Subject)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	now := s.clock()
	row, err := s.findRefresh(ctx, u.ID, refreshToken, &now)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrRefreshNotFound
	}
	consumed, err := s.store.DeleteRefreshToken(ctx, row.ID)
	if err != nil {
		return nil, err
	}
	if !consumed {
		return nil, ErrRefreshNotFound
	}
	tokens, err := s.issue(ctx, u)
	if err != nil {
		return nil, err
	}
	return &Session{User: u, Tokens: tokens}, nil
}

// Revoke deletes the stored row for refreshToken if it belongs to userID.
func (s *Service) Revoke(ctx context.Context, userID, refreshToken string) error {
	row, err := s.findRefresh(ctx, userID, refreshToken, nil)
	if err != nil || row == nil {
		return err
	}
	_, err = s.store.DeleteRefreshToken(ctx, row.ID)
	return err
}

// RevokeAll deletes every refresh token of the user.
func (s *Service) RevokeAll(ctx context.Context, userID string) error {
	_, err := s.store.DeleteUserRefreshTokens(ctx, userID)
	return err
}

// CleanupExpired removes refresh tokens past their expiry.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpiredRefreshTokens(ctx, s.clock())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("expired refresh tokens removed", "count", n)
	}
	return n, nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header value.
func BearerToken(header string) string {
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
