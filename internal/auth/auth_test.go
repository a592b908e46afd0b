package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	s := NewService(nil, []byte("test-secret"))

	token, err := s.IssueToken(6, "sender6")
	require.NoError(t, err)

	userID, err := s.UserIDFromToken(token)
	require.NoError(t, err)
	assert.Equal(t, int64(6), userID)
}

func TestTokenWrongSecret(t *testing.T) {
	s := NewService(nil, []byte("test-secret"))
	token, err := s.IssueToken(6, "sender6")
	require.NoError(t, err)

	other := NewService(nil, []byte("other-secret"))
	_, err = other.UserIDFromToken(token)
	assert.Error(t, err)
}

func TestTokenGarbage(t *testing.T) {
	s := NewService(nil, []byte("test-secret"))
	_, err := s.UserIDFromToken("not-a-token")
	assert.Error(t, err)
}

func TestTokenExpired(t *testing.T) {
	s := NewService(nil, []byte("test-secret"))
	s.tokenTTL = -time.Hour

	token, err := s.IssueToken(6, "sender6")
	require.NoError(t, err)

	_, err = s.UserIDFromToken(token)
	assert.Error(t, err)
}

// Tokens signed with "none" must never verify, whatever their claims.
func TestTokenRejectsUnsignedAlgorithm(t *testing.T) {
	s := NewService(nil, []byte("test-secret"))

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"user_id":  float64(6),
		"username": "sender6",
		"exp":      time.Now().Add(time.Hour).Unix(),
	})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = s.UserIDFromToken(token)
	assert.Error(t, err)
}

func TestTokenMissingUserIDClaim(t *testing.T) {
	s := NewService(nil, []byte("test-secret"))

	bare := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"username": "sender6",
		"exp":      time.Now().Add(time.Hour).Unix(),
	})
	token, err := bare.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = s.UserIDFromToken(token)
	assert.Error(t, err)
}
