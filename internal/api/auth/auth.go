// Package auth 提供审核员登录与 JWT 签发。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"sipi/internal/model"
	"sipi/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Claims 审核员令牌。Subject 为审核员邮箱，用作重复边的审核人标识。
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Handler 提供登录接口。
type Handler struct {
	users     store.Users
	jwtSecret []byte
	ttl       time.Duration
	logger    *slog.Logger
}

// NewHandler 创建 Auth Handler；ttl 为 0 时令牌有效期 24 小时。
func NewHandler(users store.Users, jwtSecret string, ttl time.Duration, logger *slog.Logger) *Handler {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Handler{
		users:     users,
		jwtSecret: []byte(jwtSecret),
		ttl:       ttl,
		logger:    logger,
	}
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// Login 校验审核员并返回 JWT。
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	email := normalizeEmail(req.Email)

	user, err := h.users.GetUserByEmail(c.Request.Context(), email)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) && h.logger != nil {
			h.logger.Error("query user failed", slog.String("email", email), slog.String("error", err.Error()))
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := h.IssueToken(user.Email, user.Role)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("sign token failed", slog.String("email", email), slog.String("error", err.Error()))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign token failed"})
		return
	}

	if h.logger != nil {
		h.logger.Info("reviewer logged in", slog.String("email", email), slog.String("role", user.Role))
	}
	c.JSON(http.StatusOK, tokenResponse{Token: token})
}

// IssueToken 签发 HS256 令牌。
func (h *Handler) IssueToken(email, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			ExpiresAt: jwt.NewNumericDate(now.Add(h.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Role: role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.jwtSecret)
}

// SeedAdmin 确保配置中的审核员账号存在；password 为空时跳过。已存在时不修改。
func SeedAdmin(ctx context.Context, users store.Users, email, password string) (bool, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return false, nil
	}
	if _, err := users.GetUserByEmail(ctx, email); err == nil {
		return false, nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return false, fmt.Errorf("query admin: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return false, fmt.Errorf("hash password: %w", err)
	}
	u := &model.User{Email: email, Password: string(hash), Role: "admin"}
	if err := users.CreateUser(ctx, u); err != nil {
		if errors.Is(err, model.ErrConflict) {
			return false, nil
		}
		return false, fmt.Errorf("create admin: %w", err)
	}
	return true, nil
}

func normalizeEmail(s string) string {
	return strings.TrimSpace(strings.ToLower(s))
}
