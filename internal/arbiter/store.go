package arbiter

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/guardian-gate/internal/domain"
	"go.uber.org/zap"
)

/*
Файл store.go реализует таблицу висящих заявок (Pending-Approval Store).

Это единственный разделяемый мутабельный ресурс ядра. На одной записи
сходятся три независимых источника событий: ожидающий HTTP-вызов агента,
решение оператора из чата/консоли и фоновый sweep. Поэтому переход
PENDING -> терминальный статус делается строго под мьютексом и ровно один
раз — кто первым прошел Resolve, тот и определил исход, остальные получают
ErrAlreadyResolved и обязаны трактовать его как no-op.

Ожидание построено на done-канале записи: он закрывается в момент
терминального перехода, и заблокированный арбитр просыпается без поллинга.
*/

// waitRecord связывает заявку с каналом пробуждения ее ожидающего
type waitRecord struct {
	req  *domain.ApprovalRequest
	done chan struct{} // закрывается ровно один раз — при терминальном переходе
}

type PendingStore struct {
	mu      sync.Mutex
	records map[string]*waitRecord
	logger  *zap.Logger

	// Подменяется в тестах для контроля времени
	now func() time.Time
}

func NewPendingStore(logger *zap.Logger) *PendingStore {
	return &PendingStore{
		records: make(map[string]*waitRecord),
		logger:  logger.Named("pending-store"),
		now:     time.Now,
	}
}

// Create регистрирует новую заявку в статусе PENDING и возвращает ее снимок.
// UUID гарантирует уникальность ID даже при создании в один тик часов.
func (s *PendingStore) Create(agentID string, tx domain.TxSnapshot) domain.ApprovalRequest {
	now := s.now()
	req := &domain.ApprovalRequest{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Tx:        tx,
		Status:    domain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.records[req.ID] = &waitRecord{req: req, done: make(chan struct{})}
	s.mu.Unlock()

	return *req
}

// Get возвращает копию заявки. Наружу не отдаем указатель на живую запись,
// чтобы никто не мог мутировать статус в обход Resolve.
func (s *PendingStore) Get(id string) (domain.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return domain.ApprovalRequest{}, domain.ErrNotFound
	}
	return *rec.req, nil
}

// Done возвращает канал пробуждения заявки
func (s *PendingStore) Done(id string) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return rec.done, nil
}

// Resolve атомарно переводит заявку PENDING -> outcome.
// Возвращает различимые ошибки: ErrNotFound, ErrAlreadyResolved,
// ErrInvalidTransition — чтобы проигравший гонку не задвоил уведомление.
func (s *PendingStore) Resolve(id string, outcome domain.ApprovalStatus, reviewerID *string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return domain.ErrNotFound
	}

	if err := rec.req.CanTransitionTo(outcome); err != nil {
		return err
	}

	rec.req.Status = outcome
	rec.req.ReviewerID = reviewerID
	rec.req.Reason = reason
	rec.req.UpdatedAt = s.now()

	// Будим ожидающего. Закрытие здесь безопасно: терминальный переход
	// в рамках CanTransitionTo возможен только один раз.
	close(rec.done)
	return nil
}

// Remove удаляет заявку из таблицы. Висящую (PENDING) запись удалить нельзя —
// она еще в окне ожидания и обязана остаться достижимой для решения.
func (s *PendingStore) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.req.Status == domain.StatusPending {
		return
	}
	delete(s.records, id)
}

// SweepExpired переводит все протухшие PENDING заявки в EXPIRED и возвращает
// их количество. Переход наблюдаем: сначала терминальный статус и пробуждение
// ожидающего, и только потом — удаление. Конкурентное решение оператора
// найдет запись уже терминальной, а не молча исчезнувшей.
//
// Терминальные записи, которые никто не забрал (ожидающий отвалился раньше),
// удаляются после retention-паузы.
func (s *PendingStore) SweepExpired(now time.Time, timeout, retention time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := 0
	for id, rec := range s.records {
		if rec.req.Expired(now, timeout) {
			rec.req.Status = domain.StatusExpired
			rec.req.Reason = domain.ReasonTimeout
			rec.req.UpdatedAt = now
			close(rec.done)
			expired++
			continue
		}

		// Осиротевшие терминальные записи
		if rec.req.Status.IsTerminal() && now.Sub(rec.req.UpdatedAt) > retention {
			s.logger.Debug("removing orphaned terminal approval",
				zap.String("id", id),
				zap.String("status", string(rec.req.Status)))
			delete(s.records, id)
		}
	}

	return expired
}

// Len — текущее количество записей (для метрик)
func (s *PendingStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
