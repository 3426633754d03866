package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/guardian-gate/internal/console/handler"
	"github.com/xela07ax/guardian-gate/internal/domain"
	"github.com/xela07ax/guardian-gate/internal/infra"
	"go.uber.org/zap"
)

// --- Фейковые зависимости ---

type fakeArbitration struct {
	decideResult domain.DecisionResult
	decideErr    error
	statusReq    domain.ApprovalRequest
	statusErr    error
}

func (f *fakeArbitration) Decide(_ context.Context, _ string, _ domain.TxSnapshot) (domain.DecisionResult, error) {
	return f.decideResult, f.decideErr
}

func (f *fakeArbitration) Status(_ string) (domain.ApprovalRequest, error) {
	return f.statusReq, f.statusErr
}

type fakeDecisions struct {
	err      error
	lastCall struct {
		requestID string
		approve   bool
		code      string
		reviewer  string
	}
}

func (f *fakeDecisions) Decide(_ context.Context, requestID string, approve bool, code, reviewerID string) error {
	f.lastCall.requestID = requestID
	f.lastCall.approve = approve
	f.lastCall.code = code
	f.lastCall.reviewer = reviewerID
	return f.err
}

type fakeAgents struct {
	agents map[string]*domain.AgentConfig
}

func (f *fakeAgents) Register(_ context.Context, agentID, owner string, chatID int64) (*domain.AgentConfig, error) {
	if _, ok := f.agents[agentID]; ok {
		return nil, fmt.Errorf("agent %s is already registered", agentID)
	}
	cfg := domain.NewAgentConfig(agentID, owner, chatID)
	f.agents[agentID] = cfg
	return cfg, nil
}

func (f *fakeAgents) Get(_ context.Context, agentID string) (*domain.AgentConfig, error) {
	cfg, ok := f.agents[agentID]
	if !ok {
		return nil, domain.ErrNotRegistered
	}
	return cfg, nil
}

func (f *fakeAgents) ListByOwner(_ context.Context, owner string) ([]*domain.AgentConfig, error) {
	var out []*domain.AgentConfig
	for _, cfg := range f.agents {
		if cfg.Owner == owner {
			out = append(out, cfg)
		}
	}
	return out, nil
}

func (f *fakeAgents) UpdateThresholds(_ context.Context, agentID, _, _ string) error {
	if _, ok := f.agents[agentID]; !ok {
		return domain.ErrNotRegistered
	}
	return nil
}

func (f *fakeAgents) SetSecondFactor(_ context.Context, agentID string, _ bool, _ string) error {
	if _, ok := f.agents[agentID]; !ok {
		return domain.ErrNotRegistered
	}
	return nil
}

func (f *fakeAgents) Delete(_ context.Context, agentID string) error {
	if _, ok := f.agents[agentID]; !ok {
		return domain.ErrNotRegistered
	}
	delete(f.agents, agentID)
	return nil
}

type fakeIssuer struct{}

func (f *fakeIssuer) GenerateToken(_ context.Context, username, password string) (*domain.TokenResponse, error) {
	if username == "admin" && password == "secret" {
		return &domain.TokenResponse{AccessToken: "valid-token", TokenType: "Bearer", ExpiresIn: 3600}, nil
	}
	return nil, errors.New("invalid credentials")
}

// fakeValidator принимает единственный токен "valid-token"
type fakeValidator struct{}

func (f *fakeValidator) VerifyToken(tokenStr string) (*domain.CustomClaims, error) {
	if tokenStr != "valid-token" {
		return nil, errors.New("token is malformed")
	}
	return &domain.CustomClaims{
		OperatorID: "op-1",
		Scopes:     map[string]bool{"approvals": true},
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}, nil
}

// --- Сборка тестового сервера ---

type fixture struct {
	srv  *httptest.Server
	arb  *fakeArbitration
	dec  *fakeDecisions
	regs *fakeAgents
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		arb:  &fakeArbitration{},
		dec:  &fakeDecisions{},
		regs: &fakeAgents{agents: make(map[string]*domain.AgentConfig)},
	}

	cfg := &infra.Config{}
	cfg.Server.RateLimit = 1000
	cfg.Server.RateBurst = 1000
	cfg.Server.Port = 0

	console := NewConsoleServer(
		cfg,
		zap.NewNop(),
		&fakeValidator{},
		handler.NewAuthHandler(&fakeIssuer{}),
		handler.NewAgentHandler(f.regs),
		handler.NewApprovalHandler(f.arb, f.dec),
	)
	f.srv = httptest.NewServer(console.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func approvalBody(agentID, value, gas string) map[string]interface{} {
	return map[string]interface{}{
		"agent_id": agentID,
		"transaction": map[string]string{
			"to":        "0x5555555555555555555555555555555555555555",
			"value":     value,
			"gas_price": gas,
		},
	}
}

// --- Тесты ---

func TestRequestApproval(t *testing.T) {
	f := newFixture(t)
	f.arb.decideResult = domain.DecisionResult{Approved: true}

	resp := f.do(t, http.MethodPost, "/v1/approvals/request", "", approvalBody("agent-1", "100", "10"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var res domain.DecisionResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if !res.Approved {
		t.Error("expected approved verdict")
	}
}

func TestRequestApprovalRejection(t *testing.T) {
	f := newFixture(t)
	f.arb.decideResult = domain.DecisionResult{Approved: false, Reason: domain.ReasonTimeout}

	resp := f.do(t, http.MethodPost, "/v1/approvals/request", "", approvalBody("agent-1", "100", "10"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (rejection is a valid outcome, not an HTTP error)", resp.StatusCode)
	}
	var res domain.DecisionResult
	_ = json.NewDecoder(resp.Body).Decode(&res)
	if res.Approved || res.Reason != domain.ReasonTimeout {
		t.Errorf("res = %+v", res)
	}
}

func TestRequestApprovalValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body map[string]interface{}
		want int
	}{
		{"missing agent_id", approvalBody("", "100", "10"), http.StatusBadRequest},
		{"negative value", approvalBody("agent-1", "-5", "10"), http.StatusBadRequest},
		{"non-numeric value", approvalBody("agent-1", "1.5e18", "10"), http.StatusBadRequest},
		{"empty gas", approvalBody("agent-1", "100", ""), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/v1/approvals/request", "", tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestRequestApprovalUnknownAgent(t *testing.T) {
	f := newFixture(t)
	f.arb.decideErr = fmt.Errorf("config lookup: %w", domain.ErrNotRegistered)

	resp := f.do(t, http.MethodPost, "/v1/approvals/request", "", approvalBody("ghost", "100", "10"))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	f := newFixture(t)

	paths := []struct{ method, path string }{
		{http.MethodGet, "/v1/approvals/some-id"},
		{http.MethodPost, "/v1/approvals/some-id/decide"},
		{http.MethodGet, "/v1/agents?owner=x"},
		{http.MethodPost, "/v1/agents"},
	}
	for _, p := range paths {
		resp := f.do(t, p.method, p.path, "", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s %s without token: status = %d, want 401", p.method, p.path, resp.StatusCode)
		}
		resp = f.do(t, p.method, p.path, "garbage", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s %s with bad token: status = %d, want 401", p.method, p.path, resp.StatusCode)
		}
	}
}

func TestDecideOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		decErr error
		want   int
	}{
		{"accepted", nil, http.StatusNoContent},
		{"invalid second factor", domain.ErrSecondFactorInvalid, http.StatusForbidden},
		{"already resolved", domain.ErrAlreadyResolved, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.dec.err = tt.decErr

			resp := f.do(t, http.MethodPost, "/v1/approvals/req-1/decide", "valid-token",
				map[string]interface{}{"approved": true, "code": "123456"})
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if f.dec.lastCall.requestID != "req-1" {
				t.Errorf("requestID = %q", f.dec.lastCall.requestID)
			}
			// Ревьюер берется из токена, не из тела запроса
			if f.dec.lastCall.reviewer != "op-1" {
				t.Errorf("reviewer = %q, want op-1", f.dec.lastCall.reviewer)
			}
		})
	}
}

func TestGetApprovalDetails(t *testing.T) {
	f := newFixture(t)
	f.arb.statusReq = domain.ApprovalRequest{ID: "req-1", AgentID: "agent-1", Status: domain.StatusPending}

	resp := f.do(t, http.MethodGet, "/v1/approvals/req-1", "valid-token", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	f.arb.statusErr = domain.ErrNotFound
	resp = f.do(t, http.MethodGet, "/v1/approvals/gone", "valid-token", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestLogin(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/auth/token", "",
		map[string]string{"username": "admin", "password": "secret"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var tok domain.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken == "" || tok.TokenType != "Bearer" {
		t.Errorf("token = %+v", tok)
	}

	resp = f.do(t, http.MethodPost, "/auth/token", "",
		map[string]string{"username": "admin", "password": "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAgentLifecycle(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/agents", "valid-token",
		map[string]interface{}{"agent_id": "0xaaa", "owner": "op-1", "notify_chat_id": 42})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d, want 201", resp.StatusCode)
	}
	var view map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if _, leaked := view["totp_secret"]; leaked {
		t.Error("TOTP secret leaked in the agent view")
	}
	if view["value_threshold"] != domain.DefaultValueThreshold.String() {
		t.Errorf("value_threshold = %v", view["value_threshold"])
	}

	resp = f.do(t, http.MethodGet, "/v1/agents/0xaaa", "valid-token", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get status = %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPut, "/v1/agents/0xaaa/thresholds", "valid-token",
		map[string]string{"value_threshold": "5000", "gas_threshold": "100"})
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("thresholds status = %d, want 204", resp.StatusCode)
	}

	resp = f.do(t, http.MethodDelete, "/v1/agents/0xaaa", "valid-token", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/v1/agents/0xaaa", "valid-token", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", resp.StatusCode)
	}
}

func TestRequestApprovalRateLimit(t *testing.T) {
	f := &fixture{
		arb:  &fakeArbitration{decideResult: domain.DecisionResult{Approved: true}},
		dec:  &fakeDecisions{},
		regs: &fakeAgents{agents: make(map[string]*domain.AgentConfig)},
	}
	cfg := &infra.Config{}
	cfg.Server.RateLimit = 1
	cfg.Server.RateBurst = 2

	console := NewConsoleServer(cfg, zap.NewNop(), &fakeValidator{},
		handler.NewAuthHandler(&fakeIssuer{}),
		handler.NewAgentHandler(f.regs),
		handler.NewApprovalHandler(f.arb, f.dec))
	f.srv = httptest.NewServer(console.Handler())
	t.Cleanup(f.srv.Close)

	limited := false
	for i := 0; i < 5; i++ {
		resp := f.do(t, http.MethodPost, "/v1/approvals/request", "", approvalBody("agent-1", "1", "1"))
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
		}
	}
	if !limited {
		t.Error("burst of requests was never rate limited")
	}
}
