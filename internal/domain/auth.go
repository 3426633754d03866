package domain

import "github.com/golang-jwt/jwt/v5"

// Operator — человек, принимающий решения по заявкам через Console API
type Operator struct {
	ID           string          `json:"id"`
	Username     string          `json:"username"`
	PasswordHash string          `json:"-"`
	Scopes       map[string]bool `json:"scopes"` // Напр. {"approvals:decide": true}
}

// CustomClaims — полезная нагрузка RS256 токена консоли
type CustomClaims struct {
	OperatorID string          `json:"operator_id"`
	Scopes     map[string]bool `json:"scopes"`
	jwt.RegisteredClaims
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}
