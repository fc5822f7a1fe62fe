package utils

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// RoomTokenClaims pins a connection to one room and display name.
type RoomTokenClaims struct {
	RoomId   string `json:"roomId"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// RoomTokenValidator checks HMAC-signed room tokens. A validator built with an
// empty secret is disabled and accepts every connection.
type RoomTokenValidator struct {
	secret []byte
}

func NewRoomTokenValidator(secret string) *RoomTokenValidator {
	return &RoomTokenValidator{secret: []byte(secret)}
}

func (v *RoomTokenValidator) Enabled() bool { return v != nil && len(v.secret) > 0 }

// ValidateRoomToken validates a JWT token and returns the claims
func (v *RoomTokenValidator) ValidateRoomToken(tokenString string) (*RoomTokenClaims, error) {
	if !v.Enabled() {
		return nil, errors.New("room tokens are not configured")
	}
	token, err := jwt.ParseWithClaims(tokenString, &RoomTokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*RoomTokenClaims)
	if !ok || claims.RoomId == "" {
		return nil, errors.New("room token missing roomId")
	}
	return claims, nil
}

// IssueRoomToken signs claims with the validator's secret (used by tooling and tests).
func (v *RoomTokenValidator) IssueRoomToken(claims RoomTokenClaims) (string, error) {
	if !v.Enabled() {
		return "", errors.New("room tokens are not configured")
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, &claims).SignedString(v.secret)
}

// ExtractTokenFromHeader extracts the token from the Authorization header
func ExtractTokenFromHeader(authHeader string) (string, error) {
	if authHeader == "" {
		return "", errors.New("authorization header missing")
	}

	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || token == "" {
		return "", errors.New("invalid authorization header format")
	}
	return token, nil
}
