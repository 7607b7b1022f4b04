package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const sessionContextKey = "SessionID"

// SessionClaims bind an API token to one custody unlock. Tokens of earlier
// unlocks are rejected once a new session starts or the old one signs out.
type SessionClaims struct {
	SessionID string `json:"sid"`
	L2Address string `json:"l2"`
	jwt.RegisteredClaims
}

func generateToken(sessionID, l1Address, l2Address, secret string, expiresAt time.Time) (string, error) {
	claims := SessionClaims{
		SessionID: sessionID,
		L2Address: l2Address,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   l1Address,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func parseToken(tokenStr, secret string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*SessionClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token claims")
}

// bearerToken reads the Authorization header, or the token query parameter
// for websocket upgrades that cannot set headers.
func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if t := c.Query("token"); t != "" {
			return t, true
		}
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

// AuthMiddleware enforces JWT auth for protected routes. current returns the
// live session id, empty when nobody is signed in.
func AuthMiddleware(secret string, current func() string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "MISSING_TOKEN",
				"error": "missing or malformed Authorization header",
			})
			return
		}
		claims, err := parseToken(raw, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "INVALID_TOKEN",
				"error": "invalid or expired token",
			})
			return
		}
		if live := current(); live == "" || live != claims.SessionID {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "SESSION_REVOKED",
				"error": "session ended, unlock again",
			})
			return
		}
		c.Set(sessionContextKey, claims.SessionID)
		c.Next()
	}
}

// CurrentSessionID returns the authenticated session id from context.
func CurrentSessionID(c *gin.Context) string {
	return c.GetString(sessionContextKey)
}
