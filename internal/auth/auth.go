// Package auth issues and verifies bearer tokens and keeps the user
// directory that backs them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/H1yori233/innoweaver/internal/capability"
	"github.com/H1yori233/innoweaver/internal/logger"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

// Common errors
var (
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUnknownUser        = errors.New("user not found")
	ErrMissingToken       = errors.New("missing bearer token")
)

// Identity is the caller behind a verified token
type Identity struct {
	UserID      string
	Email       string
	UserType    string
	Credentials capability.Credentials
}

// User is a directory entry
type User struct {
	ID        string
	Email     string
	Password  string
	UserType  string
	APIKey    string
	APIURL    string
	ModelName string
}

// Config holds Service settings
type Config struct {
	SecretKey   string
	TokenExpiry time.Duration
	KeyPrefix   string
	BcryptCost  int
	Logger      *logger.Logger
	Now         func() time.Time
}

// Service verifies tokens and resolves them against the user directory
type Service struct {
	client redis.Cmdable
	secret []byte
	expiry time.Duration
	prefix string
	cost   int
	now    func() time.Time
	logger *logger.Logger
}

// NewService creates an auth service over a Redis-backed directory
func NewService(client redis.Cmdable, cfg Config) (*Service, error) {
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("auth secret key cannot be empty")
	}
	if cfg.TokenExpiry <= 0 {
		cfg.TokenExpiry = 7 * 24 * time.Hour
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "innoweaver:user:"
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	return &Service{
		client: client,
		secret: []byte(cfg.SecretKey),
		expiry: cfg.TokenExpiry,
		prefix: cfg.KeyPrefix,
		cost:   cfg.BcryptCost,
		now:    cfg.Now,
		logger: cfg.Logger.WithComponent("auth"),
	}, nil
}

type claims struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	UserType string `json:"user_type"`
	jwt.RegisteredClaims
}

// Issue signs a token for u
func (s *Service) Issue(u User) (string, error) {
	now := s.now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		UserID:   u.ID,
		Email:    u.Email,
		UserType: u.UserType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
	})
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (s *Service) parse(token string) (*claims, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.Email == "" || c.UserID == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return &c, nil
}

// Resolve verifies token and loads the caller's current profile
func (s *Service) Resolve(ctx context.Context, token string) (Identity, error) {
	c, err := s.parse(token)
	if err != nil {
		return Identity{}, err
	}

	u, err := s.GetUser(ctx, c.Email)
	if err != nil {
		return Identity{}, err
	}
	if u.ID != c.UserID {
		return Identity{}, fmt.Errorf("%w: subject mismatch", ErrInvalidToken)
	}
	return u.identity(), nil
}

// UserID returns the verified user id in token without touching the
// directory, or "" when the token is not valid
func (s *Service) UserID(token string) string {
	c, err := s.parse(token)
	if err != nil {
		return ""
	}
	return c.UserID
}

// Login checks a password and returns a fresh token
func (s *Service) Login(ctx context.Context, email, password string) (string, Identity, error) {
	email = normalizeEmail(email)
	hash, err := s.client.HGet(ctx, s.key(email), "password_hash").Result()
	if err == redis.Nil {
		s.logger.Info("Login for unknown user", logger.Fields{"email": email})
		return "", Identity{}, ErrInvalidCredentials
	}
	if err != nil {
		return "", Identity{}, fmt.Errorf("failed to load user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		s.logger.Info("Login with wrong password", logger.Fields{"email": email})
		return "", Identity{}, ErrInvalidCredentials
	}

	u, err := s.GetUser(ctx, email)
	if err != nil {
		return "", Identity{}, err
	}
	token, err := s.Issue(u)
	if err != nil {
		return "", Identity{}, err
	}
	return token, u.identity(), nil
}

// PutUser creates or replaces a directory entry. Password is hashed.
func (s *Service) PutUser(ctx context.Context, u User) error {
	u.Email = normalizeEmail(u.Email)
	if u.Email == "" || u.ID == "" {
		return fmt.Errorf("user id and email are required")
	}
	if u.Password == "" {
		return fmt.Errorf("password is required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), s.cost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	err = s.client.HSet(ctx, s.key(u.Email), map[string]interface{}{
		"id":            u.ID,
		"email":         u.Email,
		"password_hash": string(hash),
		"user_type":     u.UserType,
		"api_key":       u.APIKey,
		"api_url":       u.APIURL,
		"model_name":    u.ModelName,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to store user: %w", err)
	}
	return nil
}

// GetUser loads a directory entry without its password hash
func (s *Service) GetUser(ctx context.Context, email string) (User, error) {
	fields, err := s.client.HGetAll(ctx, s.key(normalizeEmail(email))).Result()
	if err != nil {
		return User{}, fmt.Errorf("failed to load user: %w", err)
	}
	if len(fields) == 0 {
		return User{}, ErrUnknownUser
	}
	return User{
		ID:        fields["id"],
		Email:     fields["email"],
		UserType:  fields["user_type"],
		APIKey:    fields["api_key"],
		APIURL:    fields["api_url"],
		ModelName: fields["model_name"],
	}, nil
}

// SetAPICredentials updates the completion endpoint a user calls with.
// Empty url or model leave the stored value unchanged.
func (s *Service) SetAPICredentials(ctx context.Context, email, apiKey, apiURL, model string) error {
	key := s.key(normalizeEmail(email))
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to load user: %w", err)
	}
	if n == 0 {
		return ErrUnknownUser
	}

	fields := map[string]interface{}{"api_key": apiKey}
	if apiURL != "" {
		fields["api_url"] = apiURL
	}
	if model != "" {
		fields["model_name"] = model
	}
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

func (s *Service) key(email string) string {
	return s.prefix + email
}

func (u User) identity() Identity {
	return Identity{
		UserID:   u.ID,
		Email:    u.Email,
		UserType: u.UserType,
		Credentials: capability.Credentials{
			APIKey:  u.APIKey,
			BaseURL: u.APIURL,
			Model:   u.ModelName,
		},
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// BearerToken extracts the token from an Authorization header
func BearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", ErrMissingToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

type contextKey struct{}

// WithIdentity stores id in ctx
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by WithIdentity
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
