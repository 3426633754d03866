package arbiter

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/guardian-gate/internal/infra"
	"go.uber.org/zap"
)

// DecisionListener подписывается на Redis и применяет решения, принятые
// вне этого процесса (другая реплика консоли, админский тул).
// Формат сообщения: "<request_id>:<approve|reject>[:<totp_code>]"
type DecisionListener struct {
	rdb     *redis.Client
	arbiter *Arbiter
	logger  *zap.Logger
}

func NewDecisionListener(rdb *redis.Client, arb *Arbiter, logger *zap.Logger) *DecisionListener {
	return &DecisionListener{
		rdb:     rdb,
		arbiter: arb,
		logger:  logger.Named("decision-listener"),
	}
}

// Start слушает канал решений до отмены контекста
func (l *DecisionListener) Start(ctx context.Context) {
	pubsub := l.rdb.Subscribe(ctx, infra.RedisChanDecisions)
	defer pubsub.Close()

	ch := pubsub.Channel()
	l.logger.Info("decision listener started", zap.String("channel", infra.RedisChanDecisions))

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				l.logger.Warn("decision channel closed")
				return
			}
			l.processSignal(ctx, msg.Payload)

		case <-ctx.Done():
			l.logger.Info("decision listener stopping by context...")
			return
		}
	}
}

func (l *DecisionListener) processSignal(ctx context.Context, payload string) {
	parts := strings.SplitN(payload, ":", 3)
	if len(parts) < 2 {
		l.logger.Warn("malformed decision signal", zap.String("payload", payload))
		return
	}

	requestID, verb := parts[0], parts[1]
	code := ""
	if len(parts) == 3 {
		code = parts[2]
	}

	approve := verb == "approve"
	if !approve && verb != "reject" {
		l.logger.Warn("unknown decision verb", zap.String("payload", payload))
		return
	}

	// Неизвестные и уже закрытые заявки — штатный no-op: сигнал
	// широковещательный, заявка могла жить в другой реплике
	if err := l.arbiter.SubmitDecision(ctx, requestID, approve, code, "remote-console"); err != nil {
		l.logger.Debug("remote decision not applied",
			zap.String("request_id", requestID), zap.Error(err))
	}
}
