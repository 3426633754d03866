package arbiter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/xela07ax/guardian-gate/internal/audit"
	"github.com/xela07ax/guardian-gate/internal/domain"
	"go.uber.org/zap"
)

// --- Подставные зависимости ---

type fakeRegistry struct {
	mu      sync.Mutex
	configs map[string]*domain.AgentConfig
}

func newFakeRegistry(cfgs ...*domain.AgentConfig) *fakeRegistry {
	r := &fakeRegistry{configs: make(map[string]*domain.AgentConfig)}
	for _, c := range cfgs {
		r.configs[c.AgentID] = c
	}
	return r
}

func (r *fakeRegistry) Get(_ context.Context, agentID string) (*domain.AgentConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[agentID]
	if !ok {
		return nil, domain.ErrNotRegistered
	}
	return cfg, nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	prompts []domain.ApprovalRequest
	fail    bool

	// Закрывается при первом Prompt, чтобы тест дождался уведомления
	delivered chan struct{}
	once      sync.Once
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{delivered: make(chan struct{})}
}

func (n *fakeNotifier) Prompt(_ context.Context, _ int64, req domain.ApprovalRequest, _ bool) error {
	n.mu.Lock()
	n.prompts = append(n.prompts, req)
	n.mu.Unlock()
	n.once.Do(func() { close(n.delivered) })
	if n.fail {
		return errors.New("chat unreachable")
	}
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.prompts)
}

type fakeVerifier struct {
	valid string // Единственный код, который считается верным
}

func (v *fakeVerifier) Verify(_, code string) bool { return code == v.valid }

type fakeAuditor struct {
	mu     sync.Mutex
	events []audit.DecisionEvent
}

func (a *fakeAuditor) Log(e audit.DecisionEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

func (a *fakeAuditor) byStatus(status string) []audit.DecisionEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []audit.DecisionEvent
	for _, e := range a.events {
		if e.Status == status {
			out = append(out, e)
		}
	}
	return out
}

// --- Сборка тестового арбитра ---

func bigInt(s string) *big.Int {
	n, _ := new(big.Int).SetString(s, 10)
	return n
}

func testConfig(agentID string, secondFactor bool) *domain.AgentConfig {
	return &domain.AgentConfig{
		AgentID:             agentID,
		Owner:               "owner-1",
		ValueThreshold:      bigInt("1000000"),
		GasThreshold:        bigInt("100"),
		SecondFactorEnabled: secondFactor,
		TOTPSecret:          "JBSWY3DPEHPK3PXP",
		NotifyChatID:        42,
	}
}

type arbiterFixture struct {
	arb      *Arbiter
	store    *PendingStore
	registry *fakeRegistry
	notifier *fakeNotifier
	auditor  *fakeAuditor
}

func newFixture(t *testing.T, timeout time.Duration, cfgs ...*domain.AgentConfig) *arbiterFixture {
	t.Helper()
	f := &arbiterFixture{
		store:    NewPendingStore(zap.NewNop()),
		registry: newFakeRegistry(cfgs...),
		notifier: newFakeNotifier(),
		auditor:  &fakeAuditor{},
	}
	f.arb = NewArbiter(f.store, f.registry, f.notifier, &fakeVerifier{valid: "123456"},
		f.auditor, NewMetrics(nil), zap.NewNop(), timeout)
	return f
}

func overTx(t *testing.T) domain.TxSnapshot {
	t.Helper()
	tx, err := domain.NewTxSnapshot("0x3333333333333333333333333333333333333333", "5000000", "10")
	if err != nil {
		t.Fatal(err)
	}
	return tx
}

func underTx(t *testing.T) domain.TxSnapshot {
	t.Helper()
	tx, err := domain.NewTxSnapshot("0x3333333333333333333333333333333333333333", "100", "10")
	if err != nil {
		t.Fatal(err)
	}
	return tx
}

// --- Тесты ---

func TestDecideAutoApprovesBelowThreshold(t *testing.T) {
	f := newFixture(t, time.Second, testConfig("agent-1", false))

	res, err := f.arb.Decide(context.Background(), "agent-1", underTx(t))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if !res.Approved {
		t.Error("sub-threshold transaction must auto-approve")
	}
	if f.notifier.count() != 0 {
		t.Error("auto-approve must not notify the operator")
	}
	if f.store.Len() != 0 {
		t.Error("auto-approve must not create a pending record")
	}
	if len(f.auditor.byStatus("AUTO_APPROVED")) != 1 {
		t.Error("auto-approve must be audited")
	}
}

func TestDecideUnknownAgentFailsFast(t *testing.T) {
	f := newFixture(t, time.Second)

	_, err := f.arb.Decide(context.Background(), "ghost", overTx(t))
	if !errors.Is(err, domain.ErrNotRegistered) {
		t.Fatalf("err = %v, want ErrNotRegistered", err)
	}
	if f.store.Len() != 0 {
		t.Error("unknown agent must not create a pending record")
	}
}

func TestDecideApprovedByOperator(t *testing.T) {
	f := newFixture(t, 5*time.Second, testConfig("agent-1", false))

	type outcome struct {
		res domain.DecisionResult
		err error
	}
	resCh := make(chan outcome, 1)
	go func() {
		res, err := f.arb.Decide(context.Background(), "agent-1", overTx(t))
		resCh <- outcome{res, err}
	}()

	// Ждем, пока уведомление уйдет (заявка уже в сторе)
	select {
	case <-f.notifier.delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("prompt never delivered")
	}

	f.notifier.mu.Lock()
	reqID := f.notifier.prompts[0].ID
	f.notifier.mu.Unlock()

	if err := f.arb.SubmitDecision(context.Background(), reqID, true, "", "op-1"); err != nil {
		t.Fatalf("SubmitDecision: %v", err)
	}

	got := <-resCh
	if got.err != nil {
		t.Fatalf("Decide: %v", got.err)
	}
	if !got.res.Approved {
		t.Errorf("res = %+v, want approved", got.res)
	}
	if f.store.Len() != 0 {
		t.Error("resolved record must be removed after the waiter returns")
	}
}

func TestDecideRejectedByOperator(t *testing.T) {
	f := newFixture(t, 5*time.Second, testConfig("agent-1", false))

	resCh := make(chan domain.DecisionResult, 1)
	go func() {
		res, _ := f.arb.Decide(context.Background(), "agent-1", overTx(t))
		resCh <- res
	}()

	<-f.notifier.delivered
	f.notifier.mu.Lock()
	reqID := f.notifier.prompts[0].ID
	f.notifier.mu.Unlock()

	if err := f.arb.SubmitDecision(context.Background(), reqID, false, "", "op-1"); err != nil {
		t.Fatalf("SubmitDecision: %v", err)
	}

	res := <-resCh
	if res.Approved {
		t.Error("rejected request reported as approved")
	}
	if res.Reason != domain.ReasonRejected {
		t.Errorf("reason = %q, want %q", res.Reason, domain.ReasonRejected)
	}
}

func TestDecideTimesOutWithoutDecision(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond, testConfig("agent-1", false))

	start := time.Now()
	res, err := f.arb.Decide(context.Background(), "agent-1", overTx(t))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if res.Approved {
		t.Error("timeout must resolve to rejection (fail-closed)")
	}
	if res.Reason != domain.ReasonTimeout {
		t.Errorf("reason = %q, want %q", res.Reason, domain.ReasonTimeout)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("waiter hung for %v after timeout", elapsed)
	}
}

func TestDecideCallerCancellation(t *testing.T) {
	f := newFixture(t, 5*time.Second, testConfig("agent-1", false))

	ctx, cancel := context.WithCancel(context.Background())
	resCh := make(chan domain.DecisionResult, 1)
	go func() {
		res, _ := f.arb.Decide(ctx, "agent-1", overTx(t))
		resCh <- res
	}()

	<-f.notifier.delivered
	cancel()

	res := <-resCh
	if res.Approved {
		t.Error("cancelled request reported as approved")
	}
}

func TestDecideNotifierFailureStillTimesOut(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond, testConfig("agent-1", false))
	f.notifier.fail = true

	res, err := f.arb.Decide(context.Background(), "agent-1", overTx(t))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if res.Approved || res.Reason != domain.ReasonTimeout {
		t.Errorf("res = %+v, want timeout rejection", res)
	}
}

func TestSubmitDecisionSecondFactor(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		wantErr  error
		approved bool
	}{
		{name: "valid code approves", code: "123456", approved: true},
		{name: "wrong code rejects", code: "000000", wantErr: domain.ErrSecondFactorInvalid},
		{name: "missing code rejects", code: "", wantErr: domain.ErrSecondFactorInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 5*time.Second, testConfig("agent-1", true))

			resCh := make(chan domain.DecisionResult, 1)
			go func() {
				res, _ := f.arb.Decide(context.Background(), "agent-1", overTx(t))
				resCh <- res
			}()

			<-f.notifier.delivered
			f.notifier.mu.Lock()
			reqID := f.notifier.prompts[0].ID
			f.notifier.mu.Unlock()

			err := f.arb.SubmitDecision(context.Background(), reqID, true, tt.code, "op-1")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("SubmitDecision err = %v, want %v", err, tt.wantErr)
			}

			res := <-resCh
			if res.Approved != tt.approved {
				t.Errorf("Approved = %v, want %v", res.Approved, tt.approved)
			}
			if !tt.approved && res.Reason != domain.ReasonSecondFactor {
				t.Errorf("reason = %q, want %q", res.Reason, domain.ReasonSecondFactor)
			}
		})
	}
}

func TestSubmitDecisionIdempotency(t *testing.T) {
	f := newFixture(t, 5*time.Second, testConfig("agent-1", false))

	resCh := make(chan domain.DecisionResult, 1)
	go func() {
		res, _ := f.arb.Decide(context.Background(), "agent-1", overTx(t))
		resCh <- res
	}()

	<-f.notifier.delivered
	f.notifier.mu.Lock()
	reqID := f.notifier.prompts[0].ID
	f.notifier.mu.Unlock()

	if err := f.arb.SubmitDecision(context.Background(), reqID, false, "", "op-1"); err != nil {
		t.Fatalf("first decision: %v", err)
	}

	// Повторное решение по закрытой заявке — различимый no-op
	err := f.arb.SubmitDecision(context.Background(), reqID, true, "", "op-2")
	if !errors.Is(err, domain.ErrAlreadyResolved) {
		t.Errorf("second decision err = %v, want ErrAlreadyResolved", err)
	}

	res := <-resCh
	if res.Approved {
		t.Error("first decision (reject) must win")
	}

	// Решение по несуществующей заявке
	err = f.arb.SubmitDecision(context.Background(), "no-such-id", true, "", "op-1")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown id err = %v, want ErrNotFound", err)
	}
}

func TestConcurrentRequestsResolveIndependently(t *testing.T) {
	// Несколько заявок висят одновременно: решение по одной не должно
	// задеть остальные (корреляция по ID).
	f := newFixture(t, 5*time.Second,
		testConfig("agent-1", false), testConfig("agent-2", false))

	const waiters = 8
	results := make([]domain.DecisionResult, waiters)
	var wg sync.WaitGroup

	for i := 0; i < waiters; i++ {
		wg.Add(1)
		agent := fmt.Sprintf("agent-%d", i%2+1)
		go func(idx int, agentID string) {
			defer wg.Done()
			res, err := f.arb.Decide(context.Background(), agentID, overTx(t))
			if err != nil {
				t.Errorf("Decide(%s): %v", agentID, err)
				return
			}
			results[idx] = res
		}(i, agent)
	}

	// Дожидаемся, пока все заявки повиснут
	deadline := time.After(2 * time.Second)
	for f.notifier.count() < waiters {
		select {
		case <-deadline:
			t.Fatalf("only %d of %d prompts delivered", f.notifier.count(), waiters)
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Четные апрувим, нечетные отклоняем — в порядке доставки уведомлений
	f.notifier.mu.Lock()
	ids := make([]string, waiters)
	for i, p := range f.notifier.prompts {
		ids[i] = p.ID
	}
	f.notifier.mu.Unlock()

	for i, id := range ids {
		if err := f.arb.SubmitDecision(context.Background(), id, i%2 == 0, "", "op-1"); err != nil {
			t.Fatalf("SubmitDecision(%s): %v", id, err)
		}
	}
	wg.Wait()

	approved := 0
	for _, r := range results {
		if r.Approved {
			approved++
		}
	}
	if approved != waiters/2 {
		t.Errorf("approved = %d, want %d", approved, waiters/2)
	}
	if f.store.Len() != 0 {
		t.Errorf("store not drained, Len() = %d", f.store.Len())
	}
}
