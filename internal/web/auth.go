package web

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goodtune/greengpt/internal/storage"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultTokenExpiration is the default lifetime of a login.
	DefaultTokenExpiration = 24 * time.Hour

	// DefaultSessionCacheSize bounds the number of live sessions.
	DefaultSessionCacheSize = 1024

	// BcryptCost is the cost factor for bcrypt password hashing.
	BcryptCost = 12
)

var (
	// ErrInvalidCredentials is returned when login credentials are invalid.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken is returned when a JWT token is invalid.
	ErrInvalidToken = errors.New("invalid token")

	// ErrSessionNotFound is returned when a session is not found.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired is returned when a session has expired.
	ErrSessionExpired = errors.New("session expired")
)

// Claims are the JWT claims of a logged-in user.
type Claims struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Session is a live login. A token is only honoured while its session is in
// the cache, so logging out or eviction revokes it.
type Session struct {
	ID           string
	UserID       string
	Username     string
	CreatedAt    time.Time
	LastActivity time.Time
	ExpiresAt    time.Time
}

// AuthService handles authentication and session management.
type AuthService struct {
	store           storage.UserStore
	jwtSecret       []byte
	tokenExpiration time.Duration
	sessions        *lru.Cache[string, Session]
	now             func() time.Time
	logger          zerolog.Logger
}

// NewAuthService creates a new authentication service. An empty jwtSecret is
// replaced by a random one, which invalidates tokens on restart.
func NewAuthService(store storage.UserStore, jwtSecret string, tokenExpiration time.Duration, cacheSize int, logger zerolog.Logger) (*AuthService, error) {
	if tokenExpiration <= 0 {
		tokenExpiration = DefaultTokenExpiration
	}
	if cacheSize <= 0 {
		cacheSize = DefaultSessionCacheSize
	}

	logger = logger.With().Str("component", "auth").Logger()

	secret := []byte(jwtSecret)
	if len(secret) == 0 {
		random, err := randomHex(32)
		if err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
		secret = []byte(random)
		logger.Warn().Msg("No web.jwt_secret configured, using a random secret; logins will not survive a restart")
	}

	cache, err := lru.New[string, Session](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}

	return &AuthService{
		store:           store,
		jwtSecret:       secret,
		tokenExpiration: tokenExpiration,
		sessions:        cache,
		now:             time.Now,
		logger:          logger,
	}, nil
}

// HashPassword hashes a password using bcrypt.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword verifies a password against a hash.
func VerifyPassword(password, hash string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// Login authenticates a user and creates a new session.
func (s *AuthService) Login(ctx context.Context, username, password string) (*Session, string, error) {
	user, err := s.store.Get(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", fmt.Errorf("get user: %w", err)
	}

	if err := VerifyPassword(password, user.PasswordHash); err != nil {
		return nil, "", ErrInvalidCredentials
	}

	now := s.now()
	if err := s.store.UpdateLastLogin(ctx, username, now); err != nil {
		// Not fatal for the login itself
		s.logger.Warn().Err(err).Str("username", username).Msg("Failed to update last login")
	}

	sessionID, err := randomHex(32)
	if err != nil {
		return nil, "", fmt.Errorf("generate session ID: %w", err)
	}

	session := Session{
		ID:           sessionID,
		UserID:       user.ID,
		Username:     user.Username,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(s.tokenExpiration),
	}

	token, err := s.GenerateToken(session)
	if err != nil {
		return nil, "", fmt.Errorf("generate token: %w", err)
	}

	if s.sessions.Add(sessionID, session) {
		s.logger.Debug().Msg("Session cache full, evicted oldest session")
	}

	return &session, token, nil
}

// Logout removes a session.
func (s *AuthService) Logout(sessionID string) error {
	if !s.sessions.Remove(sessionID) {
		return ErrSessionNotFound
	}
	return nil
}

// GenerateToken signs a JWT for session.
func (s *AuthService) GenerateToken(session Session) (string, error) {
	claims := &Claims{
		UserID:    session.UserID,
		Username:  session.Username,
		SessionID: session.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(session.CreatedAt),
			NotBefore: jwt.NewNumericDate(session.CreatedAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	return signedToken, nil
}

// ValidateToken validates a JWT token and returns the claims.
func (s *AuthService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// Authenticate validates a token and the session it names, and refreshes
// the session's last activity.
func (s *AuthService) Authenticate(tokenString string) (*Session, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}

	session, err := s.GetSession(claims.SessionID)
	if err != nil {
		return nil, err
	}
	if session.UserID != claims.UserID {
		return nil, ErrInvalidToken
	}

	session.LastActivity = s.now()
	// Do not resurrect a session removed since the lookup
	if s.sessions.Contains(session.ID) {
		s.sessions.Add(session.ID, *session)
	}

	return session, nil
}

// GetSession retrieves a live session by ID.
func (s *AuthService) GetSession(sessionID string) (*Session, error) {
	session, ok := s.sessions.Get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}

	if s.now().After(session.ExpiresAt) {
		s.sessions.Remove(sessionID)
		return nil, ErrSessionExpired
	}

	return &session, nil
}

// CleanupExpiredSessions removes expired sessions.
func (s *AuthService) CleanupExpiredSessions() int {
	now := s.now()
	count := 0

	for _, id := range s.sessions.Keys() {
		session, ok := s.sessions.Peek(id)
		if ok && now.After(session.ExpiresAt) {
			s.sessions.Remove(id)
			count++
		}
	}

	return count
}

// ActiveSessions returns the number of cached sessions.
func (s *AuthService) ActiveSessions() int {
	return s.sessions.Len()
}

// ChangePassword changes a user's password.
func (s *AuthService) ChangePassword(ctx context.Context, username, oldPassword, newPassword string) error {
	user, err := s.store.Get(ctx, username)
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}

	if err := VerifyPassword(oldPassword, user.PasswordHash); err != nil {
		return ErrInvalidCredentials
	}

	newHash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash new password: %w", err)
	}

	user.PasswordHash = newHash
	user.UpdatedAt = s.now()

	if err := s.store.Upsert(ctx, *user); err != nil {
		return fmt.Errorf("update user: %w", err)
	}

	return nil
}

// StartSessionCleanup periodically drops expired sessions until ctx is done.
func (s *AuthService) StartSessionCleanup(ctx context.Context, interval time.Duration) {
	if interval == 0 {
		interval = 15 * time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if count := s.CleanupExpiredSessions(); count > 0 {
					s.logger.Info().Int("count", count).Msg("Cleaned up expired sessions")
				}
			}
		}
	}()
}

func randomHex(n int) (string, error) {
	bytes := make([]byte, n)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
