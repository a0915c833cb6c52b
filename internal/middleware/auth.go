package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"planboard/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Claims carried by planboard API tokens.
type Claims struct {
	UserID uint     `json:"user_id,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for userID valid for ttl (no expiry when
// ttl <= 0).
func IssueToken(secret string, userID uint, roles []string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if userID > 0 {
		claims.Subject = strconv.FormatUint(uint64(userID), 10)
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken verifies signature and time claims of an HS256 token.
func ParseToken(token, secret string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuedAt())
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// Auth enforces Authorization: Bearer <jwt> when cfg.JWT.Enabled. On success
// "user_id" and "roles" are set on the gin context.
func Auth(cfg *config.Config) gin.HandlerFunc {
	if cfg == nil || !cfg.JWT.Enabled {
		return func(c *gin.Context) { c.Next() }
	}
	secret := cfg.JWT.Secret
	return func(c *gin.Context) {
		ah := c.GetHeader("Authorization")
		if len(ah) < len("Bearer ") || !strings.EqualFold(ah[:len("Bearer ")], "bearer ") {
			unauthorized(c, "missing bearer token")
			return
		}
		token := strings.TrimSpace(ah[len("Bearer "):])
		if token == "" || secret == "" {
			unauthorized(c, "invalid token or server misconfig")
			return
		}
		claims, err := ParseToken(token, secret)
		if err != nil {
			unauthorized(c, err.Error())
			return
		}
		if claims.UserID > 0 {
			c.Set("user_id", claims.UserID)
		} else if claims.Subject != "" {
			c.Set("user_id_raw", claims.Subject)
		}
		if len(claims.Roles) > 0 {
			c.Set("roles", claims.Roles)
		}
		c.Next()
	}
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "Unauthorized",
		"message": msg,
	})
}
