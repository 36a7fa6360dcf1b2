package utils

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"trello-project/microservices/task-view-service/models"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims is what the identity provider puts in the bearer token. UID falls back
// to the registered subject.
type Claims struct {
	UID   string `json:"uid,omitempty"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) Viewer() models.Viewer {
	uid := c.UID
	if uid == "" {
		uid = c.Subject
	}
	return models.Viewer{ID: uid, Email: c.Email, DisplayName: c.Name}
}

func GenerateToken(secret []byte, viewer models.Viewer, ttl time.Duration) (string, error) {
	claims := &Claims{
		UID:   viewer.ID,
		Email: viewer.Email,
		Name:  viewer.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   viewer.ID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateToken checks signature and expiry and requires a user id in the claims.
func ValidateToken(tokenStr string, secret []byte) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Viewer().ID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}
	return claims, nil
}

// BearerToken strips the "Bearer " prefix. It returns "" when the header has no token.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < len("Bearer ") || !strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("Bearer "):])
}
