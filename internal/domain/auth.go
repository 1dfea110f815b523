package domain

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Роль кассира без полномочий подписи.
const RoleCashier = "cashier"

type CustomClaims struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Role   string `json:"role"` // "cashier" или имя уровня: "manager", "admin"...
	jwt.RegisteredClaims
}

// ValidRole - кассир или уровень, способный утверждать.
func ValidRole(role string) bool {
	if role == RoleCashier {
		return true
	}
	tier, err := ParseTier(role)
	return err == nil && tier.Valid()
}

// Tier - уровень вызывающего; для кассира TierNone.
func (c *CustomClaims) Tier() ApprovalTier {
	tier, err := ParseTier(c.Role)
	if err != nil {
		return TierNone
	}
	return tier
}

// Secure Token Issuing
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"` // Никогда не отправляем на фронт
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
