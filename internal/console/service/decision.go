package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/guardian-gate/internal/domain"
	"github.com/xela07ax/guardian-gate/internal/infra"
	"go.uber.org/zap"
)

// LocalArbiter — арбитр текущей реплики
type LocalArbiter interface {
	SubmitDecision(ctx context.Context, requestID string, approve bool, code, reviewerID string) error
}

// DecisionService маршрутизирует решение оператора: сначала локальный арбитр,
// при промахе сигнал уходит в Redis канал для остальных реплик.
type DecisionService struct {
	arbiter LocalArbiter
	rdb     *redis.Client
	logger  *zap.Logger
}

func NewDecisionService(arbiter LocalArbiter, rdb *redis.Client, logger *zap.Logger) *DecisionService {
	return &DecisionService{
		arbiter: arbiter,
		rdb:     rdb,
		logger:  logger,
	}
}

func (s *DecisionService) Decide(ctx context.Context, requestID string, approve bool, code, reviewerID string) error {
	err := s.arbiter.SubmitDecision(ctx, requestID, approve, code, reviewerID)
	if err == nil {
		return nil
	}

	// Запрос живет в памяти одной реплики. Если локально его нет,
	// транслируем сигнал через Redis (доставит DecisionListener той реплики).
	if errors.Is(err, domain.ErrNotFound) && s.rdb != nil {
		verb := "reject"
		if approve {
			verb = "approve"
		}
		payload := fmt.Sprintf("%s:%s", requestID, verb)
		if code != "" {
			payload = fmt.Sprintf("%s:%s", payload, code)
		}
		if pubErr := s.rdb.Publish(ctx, infra.RedisChanDecisions, payload).Err(); pubErr != nil {
			s.logger.Error("Decision broadcast failed",
				zap.String("request_id", requestID),
				zap.Error(pubErr))
			return err
		}
		s.logger.Info("Decision broadcast to peers",
			zap.String("request_id", requestID),
			zap.String("verb", verb))
		return nil
	}

	return err
}
