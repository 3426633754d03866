package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/guardian-gate/internal/domain"
)

// GetOperatorByUsername — логин консоли. Отсутствие оператора — это (nil, nil):
// различие "нет такого" и "база легла" важно для кода ответа.
func (r *AgentRepo) GetOperatorByUsername(ctx context.Context, username string) (*domain.Operator, error) {
	query := `
		SELECT id, username, password_hash, scopes
		FROM operators WHERE username = $1`

	op := &domain.Operator{}
	err := r.pool.QueryRow(ctx, query, username).Scan(
		&op.ID, &op.Username, &op.PasswordHash, &op.Scopes,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return op, nil
}
