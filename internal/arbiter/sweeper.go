package arbiter

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper — фоновая зачистка протухших заявок. Страхует два случая:
// заявка, чей локальный таймер еще не дотикал (sweep может прийти первым),
// и осиротевшие записи, чей ожидающий давно отвалился.
type Sweeper struct {
	store    *PendingStore
	metrics  *Metrics
	logger   *zap.Logger
	timeout  time.Duration // Окно жизни PENDING заявки
	interval time.Duration // Период тика, не более 60s
}

func NewSweeper(store *PendingStore, metrics *Metrics, logger *zap.Logger, timeout, interval time.Duration) *Sweeper {
	if interval > time.Minute {
		interval = time.Minute
	}
	return &Sweeper{
		store:    store,
		metrics:  metrics,
		logger:   logger.Named("sweeper"),
		timeout:  timeout,
		interval: interval,
	}
}

// Start крутит sweep до отмены контекста
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("expiry sweeper started",
		zap.Duration("timeout", s.timeout),
		zap.Duration("interval", s.interval))

	for {
		select {
		case <-ticker.C:
			// Retention = один интервал: ожидающему хватает, чтобы
			// забрать терминальный статус до удаления записи
			if n := s.store.SweepExpired(time.Now(), s.timeout, s.interval); n > 0 {
				s.metrics.Outcomes.WithLabelValues("swept").Add(float64(n))
				s.logger.Info("expired pending approvals", zap.Int("count", n))
			}

		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopping by context...")
			return
		}
	}
}
