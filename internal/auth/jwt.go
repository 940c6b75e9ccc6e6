// Package auth resolves handshake and API credentials into identities.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"legalchat/pkg/interfaces"
	"legalchat/pkg/types"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrMissingToken = errors.New("token is required")
)

// Claims represents the JWT claims issued by the marketplace login service
type Claims struct {
	jwt.RegisteredClaims
	UserID      string `json:"user_id"`
	Role        string `json:"role"`
	DisplayName string `json:"display_name"`
}

// Manager verifies and issues HS256 tokens
type Manager struct {
	secret []byte
	issuer string
}

var _ interfaces.TokenResolver = (*Manager)(nil)

// NewManager creates a JWT manager sharing secret with the issuing service
func NewManager(secret, issuer string) *Manager {
	return &Manager{
		secret: []byte(secret),
		issuer: issuer,
	}
}

// GenerateToken signs a token for identity valid for ttl
func (m *Manager) GenerateToken(identity types.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   identity.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID:      identity.UserID,
		Role:        identity.Role,
		DisplayName: identity.DisplayName,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// ValidateToken validates a token and returns claims
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	}, opts...)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// ResolveToken maps a token to a verified identity. Every failure wraps
// types.ErrAuthentication.
func (m *Manager) ResolveToken(_ context.Context, tokenString string) (types.Identity, error) {
	claims, err := m.ValidateToken(tokenString)
	if err != nil {
		return types.Identity{}, fmt.Errorf("%w: %v", types.ErrAuthentication, err)
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if !types.IsValidUserID(userID) {
		return types.Identity{}, fmt.Errorf("%w: %v", types.ErrAuthentication, types.ErrInvalidUserID)
	}
	if !types.IsValidRole(claims.Role) {
		return types.Identity{}, fmt.Errorf("%w: %v", types.ErrAuthentication, types.ErrInvalidRole)
	}

	return types.Identity{
		UserID:      userID,
		Role:        claims.Role,
		DisplayName: claims.DisplayName,
	}, nil
}
