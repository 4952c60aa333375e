package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

type TokenType string

const (
	Access  TokenType = "access"
	Refresh TokenType = "refresh"
)

const (
	DefaultAccessTTL  = time.Hour
	DefaultRefreshTTL = 12 * time.Hour
	issuer            = "ts-license"
)

// Subject identifies the admin a token is minted for.
type Subject struct {
	AdminID   string
	Username  string
	Role      string
	SessionID string
}

type Claims struct {
	AdminID   string    `json:"sub"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	SessionID string    `json:"sid"`
	TokenType TokenType `json:"token_type"`
	jwt.RegisteredClaims
}

type Manager struct {
	signingKey []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewManager(signingKey string) *Manager {
	return &Manager{signingKey: []byte(signingKey), accessTTL: DefaultAccessTTL, refreshTTL: DefaultRefreshTTL}
}

// WithTTL overrides token lifetimes; zero keeps the default.
func (m *Manager) WithTTL(access, refresh time.Duration) *Manager {
	if access > 0 {
		m.accessTTL = access
	}
	if refresh > 0 {
		m.refreshTTL = refresh
	}
	return m
}

func (m *Manager) AccessTTL() time.Duration { return m.accessTTL }

func (m *Manager) GenerateAccessToken(s Subject) (string, error) {
	return m.generateToken(s, Access, m.accessTTL)
}

func (m *Manager) GenerateRefreshToken(s Subject) (string, error) {
	return m.generateToken(s, Refresh, m.refreshTTL)
}

func (m *Manager) generateToken(s Subject, tokenType TokenType, duration time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		AdminID:   s.AdminID,
		Username:  s.Username,
		Role:      s.Role,
		SessionID: s.SessionID,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(), // jti
			Subject:   s.AdminID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = "v1"

	return token.SignedString(m.signingKey)
}

func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.signingKey, nil
	}, jwt.WithIssuer(issuer))

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}
