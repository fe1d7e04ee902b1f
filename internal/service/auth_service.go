package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/store"
)

// Common auth errors.
var (
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenInvalid   = errors.New("invalid token")
	ErrDeviceMismatch = errors.New("attempt is bound to another device")
)

// TokenType distinguishes candidate vs proctor tokens.
type TokenType string

const (
	TokenTypeCandidate TokenType = "candidate"
	TokenTypeProctor   TokenType = "proctor"
)

// AllTests grants a proctor every test.
const AllTests = "*"

// Claims extends JWT standard claims with app-specific fields.
type Claims struct {
	jwt.RegisteredClaims
	TokenType TokenType `json:"token_type"`
	AttemptID string    `json:"attempt_id,omitempty"` // Candidate only
	TestID    string    `json:"test_id,omitempty"`    // Candidate only
	TestIDs   []string  `json:"test_ids,omitempty"`   // Proctor only
}

// CanMonitor reports whether a proctor token covers testID.
func (c *Claims) CanMonitor(testID string) bool {
	for _, id := range c.TestIDs {
		if id == AllTests || id == testID {
			return true
		}
	}
	return false
}

// AuthService issues and validates tokens and pins attempts to one device.
type AuthService struct {
	cfg *config.Config
	st  store.Store
	now func() time.Time
}

// NewAuthService creates a new AuthService.
func NewAuthService(cfg *config.Config, st store.Store) *AuthService {
	return &AuthService{cfg: cfg, st: st, now: time.Now}
}

// GenerateCandidateToken creates a JWT scoped to a single attempt.
func (s *AuthService) GenerateCandidateToken(attemptID, testID string) (string, error) {
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   attemptID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.JWTExpiry)),
		},
		TokenType: TokenTypeCandidate,
		AttemptID: attemptID,
		TestID:    testID,
	}
	return s.sign(claims)
}

// GenerateProctorToken creates a JWT allowed to monitor testIDs.
func (s *AuthService) GenerateProctorToken(proctorID string, testIDs []string) (string, error) {
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   proctorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.JWTExpiry)),
		},
		TokenType: TokenTypeProctor,
		TestIDs:   testIDs,
	}
	return s.sign(claims)
}

func (s *AuthService) sign(claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (s *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.TokenType == TokenTypeCandidate && claims.AttemptID == "" {
		return nil, fmt.Errorf("%w: missing attempt", ErrTokenInvalid)
	}
	return claims, nil
}

// BindDevice pins attemptID to the token id that first opens it. The same
// token may reconnect any number of times; a different token is rejected
// until a proctor resets the binding.
func (s *AuthService) BindDevice(ctx context.Context, attemptID, jti string) error {
	key := config.CacheKey.AttemptDeviceKey(attemptID)
	ok, err := s.st.SetNX(ctx, key, []byte(jti))
	if err != nil {
		return fmt.Errorf("bind device: %w", err)
	}
	if ok {
		return nil
	}
	stored, err := s.st.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("check device: %w", err)
	}
	if string(stored) != jti {
		return ErrDeviceMismatch
	}
	return nil
}

// ResetDevice removes an attempt's device binding, allowing a new token in.
func (s *AuthService) ResetDevice(ctx context.Context, attemptID string) error {
	return s.st.Delete(ctx, config.CacheKey.AttemptDeviceKey(attemptID))
}
