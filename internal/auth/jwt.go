package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
)

// SignalingAudience marks tokens minted for the signaling WebSocket only.
const SignalingAudience = "signaling"

// Claims holds JWT claims including user ID and role. SessionID is set on
// signaling tokens and scopes the token to one live class.
type Claims struct {
	UserID      uuid.UUID `json:"user_id"`
	Email       string    `json:"email"`
	Role        string    `json:"role"`
	DisplayName string    `json:"display_name,omitempty"`
	SessionID   uuid.UUID `json:"session_id,omitempty"`
	jwt.RegisteredClaims
}

// JWTService handles token generation and validation.
type JWTService struct {
	secret          []byte
	expireHours     int
	signalingExpire time.Duration
}

// NewJWTService creates a JWT service.
func NewJWTService(secret string, expireHours, signalingExpireMinutes int) *JWTService {
	return &JWTService{
		secret:          []byte(secret),
		expireHours:     expireHours,
		signalingExpire: time.Duration(signalingExpireMinutes) * time.Minute,
	}
}

// Generate creates a new login JWT for the user.
func (s *JWTService) Generate(userID uuid.UUID, email, username, role string) (string, error) {
	claims := Claims{
		UserID:      userID,
		Email:       email,
		Role:        role,
		DisplayName: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Duration(s.expireHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// GenerateSignalingToken creates a short-lived token scoped to one session,
// returned by the REST join endpoint and consumed by the signaling WebSocket.
func (s *JWTService) GenerateSignalingToken(userID uuid.UUID, displayName, role string, sessionID uuid.UUID) (string, error) {
	claims := Claims{
		UserID:      userID,
		Role:        role,
		DisplayName: displayName,
		SessionID:   sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{SignalingAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.signalingExpire)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and validates a JWT, returning claims or error.
func (s *JWTService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateSignaling validates a signaling token and checks its audience.
func (s *JWTService) ValidateSignaling(tokenString string) (*Claims, error) {
	claims, err := s.Validate(tokenString)
	if err != nil {
		return nil, err
	}
	for _, aud := range claims.Audience {
		if aud == SignalingAudience {
			return claims, nil
		}
	}
	return nil, ErrInvalidToken
}
