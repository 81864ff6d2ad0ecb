package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/pocketledger/budget/internal/remote"
)

const ownerKey = "owner"

// IssueToken signs a bearer token whose subject is owner. A zero ttl
// issues a token that never expires.
func IssueToken(secret []byte, owner string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("jwt secret is empty")
	}
	if owner == "" {
		return "", errors.New("owner is required")
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": owner,
		"iat": now.Unix(),
	}
	if ttl != 0 {
		claims["exp"] = now.Add(ttl).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, remote.ErrorResponse{Error: msg})
}

// authMiddleware validates the bearer token and stores its subject.
func authMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abort(c, http.StatusUnauthorized, "authentication required")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			abort(c, http.StatusUnauthorized, "invalid token format")
			return
		}

		token, err := jwt.Parse(parts[1], func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return secret, nil
		})
		if err != nil || !token.Valid {
			abort(c, http.StatusUnauthorized, "invalid token")
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			abort(c, http.StatusUnauthorized, "invalid token claims")
			return
		}
		owner, ok := claims["sub"].(string)
		if !ok || owner == "" {
			abort(c, http.StatusUnauthorized, "invalid subject in token")
			return
		}

		c.Set(ownerKey, owner)
		c.Next()
	}
}

// requireOwner rejects access to another owner's collection.
func requireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Param("owner") != c.GetString(ownerKey) {
			abort(c, http.StatusForbidden, "token does not grant access to this collection")
			return
		}
		c.Next()
	}
}
