package middleware

import (
	"errors"
	"net/http"
	"strings"

	"sipi/internal/api/auth"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Context keys set by AuthMiddleware.
const (
	KeyReviewer = "reviewer"
	KeyRole     = "role"
)

const defaultRole = "reviewer"

var (
	errNoCredentials = errors.New("missing authorization")
	errBadScheme     = errors.New("authorization must be a bearer token")
	errBadToken      = errors.New("invalid token")
	errNoSubject     = errors.New("token has no reviewer")
)

// AuthMiddleware 校验 HS256 令牌，把审核员邮箱（sub）与角色写入上下文。
// 失败统一返回 401 {"error": ...}。
func AuthMiddleware(jwtSecret string) gin.HandlerFunc {
	key := []byte(jwtSecret)
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	return func(c *gin.Context) {
		claims, err := reviewerClaims(parser, key, c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		role := strings.ToLower(strings.TrimSpace(claims.Role))
		if role == "" {
			role = defaultRole
		}
		c.Set(KeyReviewer, claims.Subject)
		c.Set(KeyRole, role)
		c.Next()
	}
}

func reviewerClaims(parser *jwt.Parser, key []byte, header string) (*auth.Claims, error) {
	if header == "" {
		return nil, errNoCredentials
	}
	scheme, raw, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(raw) == "" {
		return nil, errBadScheme
	}

	claims := new(auth.Claims)
	token, err := parser.ParseWithClaims(strings.TrimSpace(raw), claims, func(*jwt.Token) (interface{}, error) {
		return key, nil
	})
	if err != nil || !token.Valid {
		return nil, errBadToken
	}
	if claims.Subject == "" {
		return nil, errNoSubject
	}
	return claims, nil
}
