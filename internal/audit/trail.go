package audit

/*
Файл trail.go реализует след решений (Decision Trail) — асинхронную запись
исходов арбитража в хранилище.

- Non-blocking Logging: события уходят в буферизованный канал, задержки
  записи в БД не влияют на время ответа агенту.
- Batching: накопление в памяти и пакетная вставка по таймеру или при
  достижении лимита (100 событий).
- Drain Pattern: при остановке сервиса канал запирается, воркер вычитывает
  остаток и делает финальный flush — терминальные исходы не теряются.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// StorageInterface определяет, куда физически будут сохраняться события
type StorageInterface interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []DecisionEvent) error
}

type Auditor interface {
	Log(event DecisionEvent)
}

type Trail struct {
	ch     chan DecisionEvent // Буфер для асинхронности
	repo   StorageInterface
	logger *zap.Logger
	wg     sync.WaitGroup

	// Атомарный флаг (0 - открыт, 1 - закрыт): защита от Log после Stop
	isClosed int32
}

func NewTrail(repo StorageInterface, logger *zap.Logger) *Trail {
	return &Trail{
		ch:     make(chan DecisionEvent, 10000),
		repo:   repo,
		logger: logger.With(zap.String("mod", "audit-trail")),
	}
}

func (t *Trail) Start() {
	t.wg.Add(1)
	go t.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет
func (t *Trail) Stop() {
	atomic.StoreInt32(&t.isClosed, 1)

	// Даем крошечную паузу, чтобы текущие Log успели проскочить
	time.Sleep(10 * time.Millisecond)

	t.logger.Info("stopping decision trail: closing channel and flushing buffer...")
	close(t.ch)
	t.wg.Wait()
	t.logger.Info("decision trail stopped gracefully")
}

func (t *Trail) Log(event DecisionEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if atomic.LoadInt32(&t.isClosed) == 1 {
		t.logger.Warn("decision event dropped: trail is stopping", zap.String("id", event.ID))
		return
	}

	// Load Shedding: при переполнении буфера событие уходит хотя бы в лог
	select {
	case t.ch <- event:
	default:
		t.logger.Error("audit_buffer_overflow",
			zap.String("agent_id", event.AgentID),
			zap.String("request_id", event.RequestID),
			zap.String("status", event.Status),
		)
	}
}

func (t *Trail) worker() {
	defer t.wg.Done()

	batch := make([]DecisionEvent, 0, 100)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			// Background: основной контекст на shutdown уже может быть закрыт
			if err := t.repo.WriteBatch(context.Background(), batch); err != nil {
				t.logger.Error("audit flush failed", zap.Error(err))
			}
			batch = batch[:0]
		}
	}

	for {
		select {
		case event, ok := <-t.ch:
			if !ok {
				// Канал закрыт в Stop(): вычитали остаток — финальный сброс
				flush()
				t.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
