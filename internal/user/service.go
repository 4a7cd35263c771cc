package user

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Service resolves sender identities and validates portal chat tokens.
// Authentication itself lives in the portal's auth service; this only
// verifies the tokens it mints.
type Service struct {
	repo      *Repository
	jwtSecret string
}

type ChatClaims struct {
	SenderID    string `json:"sid"`
	DisplayName string `json:"name"`
	jwt.RegisteredClaims
}

func NewService(repo *Repository, secret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: secret,
	}
}

// Lookup resolves a sender id to its directory identity. Used when a
// message is composed outside a live connection.
func (s *Service) Lookup(ctx context.Context, senderID string) (*User, error) {
	return s.repo.GetByID(ctx, senderID)
}

// Remember upserts the identity presented on a successful handshake.
func (s *Service) Remember(ctx context.Context, u *User) error {
	return s.repo.Upsert(ctx, u)
}

// IssueToken mints a chat token for a portal user. The portal backend
// calls this after its own authentication succeeds.
func (s *Service) IssueToken(senderID, displayName string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, ChatClaims{
		SenderID:    senderID,
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "portal-chat",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		},
	})

	return token.SignedString([]byte(s.jwtSecret))
}

func (s *Service) ValidateToken(tokenString string) (string, string, error) {
	claims := &ChatClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		return "", "", err
	}
	if !token.Valid || claims.SenderID == "" {
		return "", "", errors.New("invalid token")
	}

	return claims.SenderID, claims.DisplayName, nil
}
