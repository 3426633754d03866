package service

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/guardian-gate/internal/domain"
	"golang.org/x/crypto/bcrypt"
)

type OperatorProvider interface {
	GetOperatorByUsername(ctx context.Context, username string) (*domain.Operator, error)
}

type AuthService struct {
	repo       OperatorProvider
	privateKey *rsa.PrivateKey
}

func NewAuthService(repo OperatorProvider, privateKey *rsa.PrivateKey) *AuthService {
	return &AuthService{
		repo:       repo,
		privateKey: privateKey,
	}
}

func (s *AuthService) GenerateToken(ctx context.Context, username, password string) (*domain.TokenResponse, error) {
	// 1. Аутентификация (Источник правды — Postgres)
	op, err := s.repo.GetOperatorByUsername(ctx, username)
	if err != nil || op == nil {
		return nil, errors.New("invalid credentials")
	}

	// 2. Проверка пароля (используем bcrypt)
	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return nil, errors.New("invalid credentials")
	}

	// 3. Формирование Claims (Scopes берем из прав оператора в БД)
	expiresAt := time.Now().Add(time.Hour * 24)
	claims := &domain.CustomClaims{
		OperatorID: op.ID,
		Scopes:     op.Scopes, // Напр. map[string]bool{"approvals": true}
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "guardian-console",
			Subject:   op.ID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	// 4. Подпись токена ЗАКРЫТЫМ КЛЮЧОМ (RS256)
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signedToken, err := token.SignedString(s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &domain.TokenResponse{
		AccessToken: signedToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(time.Until(expiresAt).Seconds()),
	}, nil
}
