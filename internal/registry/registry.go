package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/guardian-gate/internal/domain"
	"github.com/xela07ax/guardian-gate/internal/infra"
	"go.uber.org/zap"
)

/*
Файл registry.go — реестр конфигов агентов (пороги, второй фактор, адресат
уведомлений).

Источник правды — Postgres, но Hot Path арбитража ходит только в L1 (RAM)
кэш: поход в базу на каждую транзакцию агента — это лишние миллисекунды
в пути, где решение должно приниматься синхронно. Инвалидация кэша —
широковещательный сигнал в Redis, чтобы все реплики шлюза сбросили
устаревший конфиг одновременно.
*/

// Repository описывает требования реестра к хранилищу
type Repository interface {
	GetAgent(ctx context.Context, agentID string) (*domain.AgentConfig, error)
	CreateAgent(ctx context.Context, cfg *domain.AgentConfig) error
	UpdateThresholds(ctx context.Context, agentID, valueThreshold, gasThreshold string) error
	SetSecondFactor(ctx context.Context, agentID string, enabled bool, secret string) error
	DeleteAgent(ctx context.Context, agentID string) error
	ListByOwner(ctx context.Context, owner string) ([]*domain.AgentConfig, error)
	ListAgentIDs(ctx context.Context) ([]string, error)
}

type Registry struct {
	mu    sync.RWMutex
	cache map[string]*domain.AgentConfig

	repo   Repository
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRegistry(repo Repository, rdb *redis.Client, logger *zap.Logger) *Registry {
	return &Registry{
		cache:  make(map[string]*domain.AgentConfig),
		repo:   repo,
		rdb:    rdb,
		logger: logger.Named("registry"),
	}
}

// Get возвращает конфиг агента: сначала L1, затем БД.
// Конфиг для читателя read-only: мутации идут только через методы реестра.
func (r *Registry) Get(ctx context.Context, agentID string) (*domain.AgentConfig, error) {
	r.mu.RLock()
	cfg, ok := r.cache[agentID]
	r.mu.RUnlock()
	if ok {
		return cfg, nil
	}

	cfg, err := r.repo.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[agentID] = cfg
	r.mu.Unlock()
	return cfg, nil
}

// Register ставит агента на учет с дефолтными порогами
func (r *Registry) Register(ctx context.Context, agentID, owner string, chatID int64) (*domain.AgentConfig, error) {
	if _, err := r.Get(ctx, agentID); err == nil {
		return nil, fmt.Errorf("agent %s is already registered", agentID)
	}

	cfg := domain.NewAgentConfig(agentID, owner, chatID)
	if err := r.repo.CreateAgent(ctx, cfg); err != nil {
		return nil, fmt.Errorf("registry: create agent: %w", err)
	}

	// L2: множество зарегистрированных для быстрых проверок других реплик
	if err := r.rdb.SAdd(ctx, infra.RedisKeyRegisteredAgents, agentID).Err(); err != nil {
		r.logger.Warn("failed to add agent to redis set", zap.Error(err))
	}

	r.mu.Lock()
	r.cache[agentID] = cfg
	r.mu.Unlock()

	r.logger.Info("agent registered",
		zap.String("agent_id", agentID), zap.String("owner", owner))
	return cfg, nil
}

// UpdateThresholds меняет пороги и рассылает инвалидацию.
// Заявки, уже висящие в ожидании, это не трогает: они были оценены по
// снимку на момент подачи.
func (r *Registry) UpdateThresholds(ctx context.Context, agentID, valueThreshold, gasThreshold string) error {
	if err := r.repo.UpdateThresholds(ctx, agentID, valueThreshold, gasThreshold); err != nil {
		return err
	}
	return r.invalidate(ctx, agentID, "thresholds-update")
}

// SetSecondFactor включает/выключает TOTP. При включении secret обязателен.
func (r *Registry) SetSecondFactor(ctx context.Context, agentID string, enabled bool, secret string) error {
	if enabled && secret == "" {
		return fmt.Errorf("registry: second factor requires a secret")
	}
	if !enabled {
		secret = ""
	}
	if err := r.repo.SetSecondFactor(ctx, agentID, enabled, secret); err != nil {
		return err
	}
	return r.invalidate(ctx, agentID, "second-factor-toggle")
}

// Delete снимает агента с учета
func (r *Registry) Delete(ctx context.Context, agentID string) error {
	if err := r.repo.DeleteAgent(ctx, agentID); err != nil {
		return err
	}
	if err := r.rdb.SRem(ctx, infra.RedisKeyRegisteredAgents, agentID).Err(); err != nil {
		r.logger.Warn("failed to remove agent from redis set", zap.Error(err))
	}
	return r.invalidate(ctx, agentID, "delete")
}

// ListByOwner возвращает агентов оператора (меню бота /agents)
func (r *Registry) ListByOwner(ctx context.Context, owner string) ([]*domain.AgentConfig, error) {
	return r.repo.ListByOwner(ctx, owner)
}

// invalidate выбрасывает конфиг из локального кэша и сигналит остальным
func (r *Registry) invalidate(ctx context.Context, agentID, action string) error {
	r.mu.Lock()
	delete(r.cache, agentID)
	r.mu.Unlock()

	if err := r.rdb.Publish(ctx, infra.RedisChanConfigUpdate, agentID).Err(); err != nil {
		// Сигнал не критичен: остальные реплики дочитают из БД по TTL промаха
		r.logger.Warn("config invalidation signal failed",
			zap.String("agent_id", agentID),
			zap.String("action", action),
			zap.Error(err))
	}
	return nil
}

// StartListener подписывается на сигналы инвалидации от других реплик
func (r *Registry) StartListener(ctx context.Context) {
	pubsub := r.rdb.Subscribe(ctx, infra.RedisChanConfigUpdate)
	defer pubsub.Close()

	ch := pubsub.Channel()
	r.logger.Info("config invalidation listener started")

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.mu.Lock()
			if msg.Payload == "*" {
				r.cache = make(map[string]*domain.AgentConfig)
			} else {
				delete(r.cache, msg.Payload)
			}
			r.mu.Unlock()

		case <-ctx.Done():
			r.logger.Info("config invalidation listener stopping by context...")
			return
		}
	}
}
