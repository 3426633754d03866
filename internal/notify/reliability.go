package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Reliability оборачивает исходящие вызовы чат-платформы в связку
// Rate Limiter + Circuit Breaker + Retries. Сбой доставки не досрочно
// валит ожидание заявки — она всё равно разрешится по таймауту, поэтому
// здесь можно позволить себе несколько повторов.
type Reliability struct {
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func NewReliability(name string, limit float64, burst int) *Reliability {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Если более 5 ошибок подряд — открываемся (блокируем трафик)
			return counts.ConsecutiveFailures > 5
		},
	})

	return &Reliability{
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(limit), burst),
	}
}

// Do прогоняет операцию через лимитер, предохранитель и ретраи
func (w *Reliability) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	// 1. Rate Limiter (лимиты Telegram API)
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit exceeded: %w", err)
	}

	// 2. Circuit Breaker
	_, err := w.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(3),
			retry.DelayType(retry.BackOffDelay),
		)

		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return fn(tCtx)
		})

		return nil, retryErr
	})

	return err
}
