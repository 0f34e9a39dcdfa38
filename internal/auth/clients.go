package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// ClientClaims are the JWT claims issued to control-plane clients.
type ClientClaims struct {
	ClientID string `json:"cid"`
	jwt.RegisteredClaims
}

// ClientAuth authenticates control-plane callers of the dispatch API and
// issues them short-lived JWTs. Client secrets are configured as bcrypt
// hashes.
type ClientAuth struct {
	jwtSecret []byte
	jwtExpiry time.Duration
	clients   map[string]string // client id -> bcrypt secret hash
}

// NewClientAuth creates a client authenticator.
func NewClientAuth(jwtSecret string, jwtExpiry time.Duration, clients map[string]string) *ClientAuth {
	return &ClientAuth{
		jwtSecret: []byte(jwtSecret),
		jwtExpiry: jwtExpiry,
		clients:   clients,
	}
}

// Login verifies the client secret and returns a signed JWT.
func (a *ClientAuth) Login(clientID, secret string) (string, error) {
	hash, ok := a.clients[clientID]
	if !ok {
		// Burn a comparison anyway so unknown ids cost the same as bad
		// secrets.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000"), []byte(secret))
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return "", ErrInvalidCredentials
	}

	now := time.Now()
	claims := ClientClaims{
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.jwtExpiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses a JWT and returns the client id it was issued to.
func (a *ClientAuth) ValidateToken(tokenStr string) (string, error) {
	claims := &ClientClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil {
		return "", err
	}
	if !token.Valid || claims.ClientID == "" {
		return "", ErrInvalidCredentials
	}
	return claims.ClientID, nil
}

// HashClientSecret bcrypt-hashes a client secret for storage in the config
// file.
func HashClientSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(hash), nil
}
