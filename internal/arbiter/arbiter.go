package arbiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/guardian-gate/internal/audit"
	"github.com/xela07ax/guardian-gate/internal/domain"
	"github.com/xela07ax/guardian-gate/internal/policy"
	"go.uber.org/zap"
)

/*
Файл arbiter.go — оркестратор жизненного цикла заявки:
оценка порогов -> (опционально) уведомление оператора -> ожидание -> исход.

Ожидание устроено как гонка трех событий: done-канал заявки (решение
оператора или sweep), таймер окна ожидания и контекст вызывающего. Любой
из путей завершает заявку через один и тот же атомарный Resolve стора,
поэтому исход всегда ровно один, а проигравшие — no-op.
*/

// ConfigProvider выдает актуальный конфиг агента из реестра
type ConfigProvider interface {
	Get(ctx context.Context, agentID string) (*domain.AgentConfig, error)
}

// Notifier доставляет оператору запрос на подтверждение (fire-and-forget).
// ID заявки зашит в callback, чтобы ответ вернулся ровно к этой заявке.
type Notifier interface {
	Prompt(ctx context.Context, chatID int64, req domain.ApprovalRequest, needsCode bool) error
}

// CodeVerifier проверяет одноразовый код второго фактора.
// Любая ошибка проверки трактуется как невалидный код (fail-closed).
type CodeVerifier interface {
	Verify(secret, code string) bool
}

type Arbiter struct {
	store    *PendingStore
	registry ConfigProvider
	notifier Notifier
	verifier CodeVerifier
	auditor  audit.Auditor
	metrics  *Metrics
	logger   *zap.Logger

	timeout time.Duration // Окно ожидания решения (по умолчанию 300s)
}

func NewArbiter(
	store *PendingStore,
	registry ConfigProvider,
	notifier Notifier,
	verifier CodeVerifier,
	auditor audit.Auditor,
	metrics *Metrics,
	logger *zap.Logger,
	timeout time.Duration,
) *Arbiter {
	return &Arbiter{
		store:    store,
		registry: registry,
		notifier: notifier,
		verifier: verifier,
		auditor:  auditor,
		metrics:  metrics,
		logger:   logger.Named("arbiter"),
		timeout:  timeout,
	}
}

// Decide — синхронная точка входа для агента. Возвращается только с
// терминальным вердиктом: мгновенный апрув, решение оператора или таймаут.
func (a *Arbiter) Decide(ctx context.Context, agentID string, tx domain.TxSnapshot) (domain.DecisionResult, error) {
	start := time.Now()
	a.metrics.TotalRequests.WithLabelValues(agentID).Inc()

	// Конфиг перечитывается на каждое решение, но проверка пойдет по
	// снимку транзакции: дрейф порогов в полете нас не касается.
	cfg, err := a.registry.Get(ctx, agentID)
	if err != nil {
		// Незарегистрированный агент: отказ до создания какой-либо записи
		return domain.DecisionResult{}, fmt.Errorf("config lookup for agent %s: %w", agentID, err)
	}

	verdict := policy.Evaluate(tx, cfg)
	if !verdict.NeedsApproval {
		a.metrics.Outcomes.WithLabelValues("auto_approved").Inc()
		a.auditor.Log(audit.DecisionEvent{
			ID:         uuid.New().String(),
			AgentID:    agentID,
			TxTo:       tx.To,
			TxValue:    tx.Value.String(),
			TxGasPrice: tx.GasPrice.String(),
			Status:     "AUTO_APPROVED",
			Timestamp:  start,
		})
		return domain.DecisionResult{Approved: true}, nil
	}

	// Порог превышен: подвешиваем агента до решения человека
	req := a.store.Create(agentID, tx)
	a.metrics.PendingApprovals.Inc()
	defer a.metrics.PendingApprovals.Dec()

	a.logger.Info("approval required, suspending caller",
		zap.String("request_id", req.ID),
		zap.String("agent_id", agentID),
		zap.String("tx", tx.Summary()),
		zap.Bool("second_factor", verdict.NeedsSecondFactor))

	// Уведомление не блокирует ожидание: если канал лег, заявка всё равно
	// разрешится по таймауту, а ретраи внутри Notifier еще могут дойти.
	go func() {
		nCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		if err := a.notifier.Prompt(nCtx, cfg.NotifyChatID, req, verdict.NeedsSecondFactor); err != nil {
			a.metrics.NotifyFailures.Inc()
			a.logger.Error("operator prompt delivery failed",
				zap.String("request_id", req.ID), zap.Error(err))
		}
	}()

	return a.await(ctx, req.ID, agentID, start)
}

// await блокирует вызывающего до терминального перехода заявки
func (a *Arbiter) await(ctx context.Context, requestID, agentID string, start time.Time) (domain.DecisionResult, error) {
	done, err := a.store.Done(requestID)
	if err != nil {
		return domain.DecisionResult{}, err
	}

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()

	select {
	case <-done:
		// Решение оператора или sweep — статус уже терминальный

	case <-timer.C:
		// Локальный таймер пришел раньше sweep'а. Проигрыш гонки с
		// конкурентным решением — легальный no-op.
		if err := a.store.Resolve(requestID, domain.StatusExpired, nil, domain.ReasonTimeout); err != nil &&
			!errors.Is(err, domain.ErrAlreadyResolved) {
			a.logger.Warn("timeout resolve failed", zap.String("request_id", requestID), zap.Error(err))
		}

	case <-ctx.Done():
		// Агент отвалился сам: закрываем заявку, чтобы позднее решение
		// оператора не повисло апрувом без получателя
		if err := a.store.Resolve(requestID, domain.StatusExpired, nil, domain.ReasonCancelled); err != nil &&
			!errors.Is(err, domain.ErrAlreadyResolved) {
			a.logger.Warn("cancel resolve failed", zap.String("request_id", requestID), zap.Error(err))
		}
	}

	final, err := a.store.Get(requestID)
	if err != nil {
		// Запись успел подобрать sweep — трактуем как таймаут (fail-closed)
		final = domain.ApprovalRequest{ID: requestID, AgentID: agentID,
			Status: domain.StatusExpired, Reason: domain.ReasonTimeout}
	}
	a.store.Remove(requestID)

	duration := time.Since(start)
	a.metrics.DecisionDuration.WithLabelValues(agentID, string(final.Status)).Observe(duration.Seconds())
	a.logDecision(final, duration)

	switch final.Status {
	case domain.StatusApproved:
		a.metrics.Outcomes.WithLabelValues("approved").Inc()
		return domain.DecisionResult{Approved: true}, nil
	case domain.StatusRejected:
		a.metrics.Outcomes.WithLabelValues("rejected").Inc()
		reason := final.Reason
		if reason == "" {
			reason = domain.ReasonRejected
		}
		return domain.DecisionResult{Approved: false, Reason: reason}, nil
	default:
		a.metrics.Outcomes.WithLabelValues("expired").Inc()
		return domain.DecisionResult{Approved: false, Reason: domain.ReasonTimeout}, nil
	}
}

// SubmitDecision — входная точка решения оператора. Общая для REST-ручки,
// telegram-колбэка и слушателя Redis. Решение по неизвестной или уже
// закрытой заявке — идемпотентный no-op, а не сбой.
func (a *Arbiter) SubmitDecision(ctx context.Context, requestID string, approve bool, code, reviewerID string) error {
	req, err := a.store.Get(requestID)
	if err != nil {
		a.logger.Info("decision for unknown approval ignored",
			zap.String("request_id", requestID), zap.String("reviewer", reviewerID))
		return err
	}
	if req.Status != domain.StatusPending {
		return domain.ErrAlreadyResolved
	}

	cfg, err := a.registry.Get(ctx, req.AgentID)
	if err != nil {
		// Агента сняли с учета, пока заявка висела — закрываем отказом
		_ = a.store.Resolve(requestID, domain.StatusRejected, &reviewerID, domain.ReasonNotRegistered)
		return err
	}

	// Второй фактор: без валидного кода решение не засчитывается ни в одну
	// сторону, заявка закрывается отказом. Никогда не «переспрашиваем» до
	// бесконечности и никогда не трактуем битый код как апрув.
	if cfg.SecondFactorEnabled {
		if code == "" || !a.verifier.Verify(cfg.TOTPSecret, code) {
			a.metrics.SecondFactorFailures.Inc()
			if rerr := a.store.Resolve(requestID, domain.StatusRejected, &reviewerID, domain.ReasonSecondFactor); rerr != nil {
				return rerr
			}
			a.logger.Warn("second factor check failed, request rejected",
				zap.String("request_id", requestID), zap.String("reviewer", reviewerID))
			return domain.ErrSecondFactorInvalid
		}
	}

	outcome := domain.StatusRejected
	reason := domain.ReasonRejected
	if approve {
		outcome = domain.StatusApproved
		reason = ""
	}

	if err := a.store.Resolve(requestID, outcome, &reviewerID, reason); err != nil {
		if errors.Is(err, domain.ErrAlreadyResolved) {
			a.logger.Info("late decision lost the race, ignored",
				zap.String("request_id", requestID))
		}
		return err
	}

	a.logger.Info("operator decision applied",
		zap.String("request_id", requestID),
		zap.String("reviewer", reviewerID),
		zap.Bool("approved", approve))
	return nil
}

// Status отдает текущее состояние заявки (для консольной ручки)
func (a *Arbiter) Status(requestID string) (domain.ApprovalRequest, error) {
	return a.store.Get(requestID)
}

func (a *Arbiter) logDecision(req domain.ApprovalRequest, duration time.Duration) {
	reviewer := ""
	if req.ReviewerID != nil {
		reviewer = *req.ReviewerID
	}

	event := audit.DecisionEvent{
		ID:         uuid.New().String(),
		RequestID:  req.ID,
		AgentID:    req.AgentID,
		Status:     string(req.Status),
		Reason:     req.Reason,
		ReviewerID: reviewer,
		Timestamp:  time.Now(),
		DurationMs: duration.Milliseconds(),
	}
	if req.Tx.Value != nil {
		event.TxTo = req.Tx.To
		event.TxValue = req.Tx.Value.String()
		event.TxGasPrice = req.Tx.GasPrice.String()
	}
	a.auditor.Log(event)
}
