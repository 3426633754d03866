package postgres

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/guardian-gate/internal/domain"
)

// AgentRepo — хранилище конфигов агентов (источник правды для реестра)
type AgentRepo struct {
	pool *pgxpool.Pool
}

func NewAgentRepo(pool *pgxpool.Pool) *AgentRepo {
	return &AgentRepo{pool: pool}
}

// NewPool собирает пул соединений с лимитами из конфига
func NewPool(ctx context.Context, url string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("postgres: invalid connection url: %w", err)
	}
	cfg.MaxConns = maxConns
	cfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: pool init failed: %w", err)
	}
	return pool, nil
}

// Ping проверяет доступность базы при старте
func (r *AgentRepo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

const agentColumns = `agent_id, owner, value_threshold::text, gas_threshold::text,
	second_factor_enabled, totp_secret, notify_chat_id, created_at, updated_at`

// GetAgent возвращает конфиг или domain.ErrNotRegistered
func (r *AgentRepo) GetAgent(ctx context.Context, agentID string) (*domain.AgentConfig, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE agent_id = $1`

	cfg, err := scanAgent(r.pool.QueryRow(ctx, query, agentID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("agent %s: %w", agentID, domain.ErrNotRegistered)
		}
		return nil, fmt.Errorf("postgres: get agent: %w", err)
	}
	return cfg, nil
}

// CreateAgent ставит агента на учет
func (r *AgentRepo) CreateAgent(ctx context.Context, cfg *domain.AgentConfig) error {
	query := `
		INSERT INTO agents (agent_id, owner, value_threshold, gas_threshold,
		                    second_factor_enabled, totp_secret, notify_chat_id)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6, $7)`

	_, err := r.pool.Exec(ctx, query,
		cfg.AgentID, cfg.Owner,
		cfg.ValueThreshold.String(), cfg.GasThreshold.String(),
		cfg.SecondFactorEnabled, cfg.TOTPSecret, cfg.NotifyChatID,
	)
	if err != nil {
		return fmt.Errorf("postgres: create agent: %w", err)
	}
	return nil
}

// UpdateThresholds меняет пороги. Строки валидируются в NUMERIC на стороне БД.
func (r *AgentRepo) UpdateThresholds(ctx context.Context, agentID, valueThreshold, gasThreshold string) error {
	// Защита от мусора до похода в базу
	if _, ok := new(big.Int).SetString(valueThreshold, 10); !ok {
		return fmt.Errorf("%w: value threshold is not a base-unit integer", domain.ErrInvalidRequest)
	}
	if _, ok := new(big.Int).SetString(gasThreshold, 10); !ok {
		return fmt.Errorf("%w: gas threshold is not a base-unit integer", domain.ErrInvalidRequest)
	}

	query := `
		UPDATE agents SET value_threshold = $1::numeric, gas_threshold = $2::numeric, updated_at = NOW()
		WHERE agent_id = $3`

	result, err := r.pool.Exec(ctx, query, valueThreshold, gasThreshold, agentID)
	if err != nil {
		return fmt.Errorf("postgres: update thresholds: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("agent %s: %w", agentID, domain.ErrNotRegistered)
	}
	return nil
}

// SetSecondFactor включает/выключает TOTP и фиксирует секрет
func (r *AgentRepo) SetSecondFactor(ctx context.Context, agentID string, enabled bool, secret string) error {
	query := `
		UPDATE agents SET second_factor_enabled = $1, totp_secret = $2, updated_at = NOW()
		WHERE agent_id = $3`

	result, err := r.pool.Exec(ctx, query, enabled, secret, agentID)
	if err != nil {
		return fmt.Errorf("postgres: set second factor: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("agent %s: %w", agentID, domain.ErrNotRegistered)
	}
	return nil
}

// DeleteAgent снимает агента с учета
func (r *AgentRepo) DeleteAgent(ctx context.Context, agentID string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM agents WHERE agent_id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("postgres: delete agent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("agent %s: %w", agentID, domain.ErrNotRegistered)
	}
	return nil
}

// ListByOwner возвращает агентов одного оператора
func (r *AgentRepo) ListByOwner(ctx context.Context, owner string) ([]*domain.AgentConfig, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE owner = $1 ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("postgres: list agents: %w", err)
	}
	defer rows.Close()

	// Пустой слайс, чтобы в JSON был [] вместо null
	results := make([]*domain.AgentConfig, 0)
	for rows.Next() {
		cfg, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan agent: %w", err)
		}
		results = append(results, cfg)
	}

	// Проверка на ошибки итерации (стандарт качества pgx)
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

// ListAgentIDs — только ID, для прогрева warmup-кэша
func (r *AgentRepo) ListAgentIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT agent_id FROM agents`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list agent ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan agent id: %w", err)
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return ids, nil
}

// rowScanner покрывает и pgx.Row, и pgx.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*domain.AgentConfig, error) {
	var (
		cfg         domain.AgentConfig
		valueStr    string
		gasStr      string
		createdAt   time.Time
		updatedAt   time.Time
	)

	err := row.Scan(
		&cfg.AgentID, &cfg.Owner, &valueStr, &gasStr,
		&cfg.SecondFactorEnabled, &cfg.TOTPSecret, &cfg.NotifyChatID,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	// NUMERIC приходит текстом и парсится в big.Int без потери точности
	value, ok := new(big.Int).SetString(valueStr, 10)
	if !ok {
		return nil, fmt.Errorf("corrupted value threshold: %q", valueStr)
	}
	gas, ok := new(big.Int).SetString(gasStr, 10)
	if !ok {
		return nil, fmt.Errorf("corrupted gas threshold: %q", gasStr)
	}

	cfg.ValueThreshold = value
	cfg.GasThreshold = gas
	cfg.CreatedAt = createdAt
	cfg.UpdatedAt = updatedAt
	return &cfg, nil
}
