package registry

import (
	"context"
	"time"

	"github.com/xela07ax/guardian-gate/internal/infra"
	"go.uber.org/zap"
)

// Warmup прогревает L2 (Redis) множество зарегистрированных агентов из БД.
// Распределенная блокировка (SetNX) гарантирует, что при одновременном
// старте нескольких реплик заливку делает только одна.
func (r *Registry) Warmup(ctx context.Context) error {
	ids, err := r.repo.ListAgentIDs(ctx)
	if err != nil {
		return err
	}

	ok, err := r.rdb.SetNX(ctx, infra.RedisKeyLockAgentsWarmup, "processing", 30*time.Second).Result()
	if err != nil || !ok {
		return nil // Либо ошибка сети, либо другой инстанс уже греет кэш
	}

	count, err := r.rdb.SCard(ctx, infra.RedisKeyRegisteredAgents).Result()
	if err != nil {
		count = 0
		r.logger.Warn("could not check Redis set size, proceeding with warm-up", zap.Error(err))
	}

	// Если Redis пуст, а данные в БД есть — заливаем
	if count == 0 && len(ids) > 0 {
		r.logger.Info("Redis cache is empty, performing warm-up from DB...",
			zap.Int("count", len(ids)))

		pipe := r.rdb.Pipeline()
		for _, id := range ids {
			pipe.SAdd(ctx, infra.RedisKeyRegisteredAgents, id)
		}
		_, err = pipe.Exec(ctx)
		return err
	}

	return nil
}
