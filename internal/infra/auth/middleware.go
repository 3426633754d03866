package auth

import (
	"context"
	"net/http"

	"github.com/xela07ax/guardian-gate/internal/domain"
	"go.uber.org/zap"
)

// Тип ключа контекста (избегаем коллизий со сторонними пакетами)
type ctxKey string

const (
	operatorIDKey ctxKey = "operator_id"
	scopesKey     ctxKey = "operator_scopes"
)

// TokenValidator — интерфейс, который реализует связка BaseValidator + AuthService
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.CustomClaims, error)
}

func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			// Прокидываем данные в контекст
			ctx := context.WithValue(r.Context(), scopesKey, claims.Scopes)
			ctx = context.WithValue(ctx, operatorIDKey, claims.OperatorID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OperatorID достает ID авторизованного оператора из контекста
func OperatorID(ctx context.Context) string {
	if id, ok := ctx.Value(operatorIDKey).(string); ok {
		return id
	}
	return ""
}

// HasScope проверяет наличие права у авторизованного оператора
func HasScope(ctx context.Context, scope string) bool {
	if scopes, ok := ctx.Value(scopesKey).(map[string]bool); ok {
		return scopes[scope]
	}
	return false
}
