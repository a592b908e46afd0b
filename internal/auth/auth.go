// Package auth handles login and session tokens. A client logs in over
// HTTP with username/password and receives a JWT, which it then presents
// in the Authorization header of the websocket handshake. Failed or
// absent handshake auth yields an anonymous connection, not a hard
// failure: operations requiring auth fail per-call instead.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/bitonic-cjp/bl4p-server/internal/db"
)

// Service handles user authentication
type Service struct {
	DB       *db.DB
	secret   []byte
	tokenTTL time.Duration
}

// NewService creates a new auth service signing tokens with secret
func NewService(database *db.DB, secret []byte) *Service {
	return &Service{
		DB:       database,
		secret:   secret,
		tokenTTL: 24 * time.Hour,
	}
}

// Login verifies credentials and generates a JWT
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	acct, err := s.DB.GetAccountByUsername(ctx, username)
	if err != nil {
		return "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)); err != nil {
		return "", err
	}

	return s.IssueToken(acct.ID, acct.Username)
}

// IssueToken generates a signed JWT for a user
func (s *Service) IssueToken(userID int64, username string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  userID,
		"username": username,
		"exp":      time.Now().Add(s.tokenTTL).Unix(),
	})
	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", err
	}
	return tokenString, nil
}

// UserIDFromToken extracts the user ID from a JWT
func (s *Service) UserIDFromToken(tokenString string) (int64, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return 0, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return 0, fmt.Errorf("invalid token")
	}
	userID, ok := claims["user_id"].(float64)
	if !ok {
		return 0, fmt.Errorf("token has no user_id claim")
	}
	return int64(userID), nil
}
