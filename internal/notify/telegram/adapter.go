package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/xela07ax/guardian-gate/internal/domain"
	"github.com/xela07ax/guardian-gate/internal/notify"
	"go.uber.org/zap"
)

/*
Файл adapter.go — Telegram-канал уведомлений и управления.

Исходящая половина: запрос на подтверждение с inline-кнопками
Approve/Reject, в callback_data которых зашит ID заявки — ответ оператора
всегда возвращается ровно к той заявке, по которой он нажал кнопку.

Входящая половина: коды второго фактора и подтверждение настройки 2FA
принимаются ТОЛЬКО как reply на конкретное сообщение-приглашение
(ForceReply). Корреляция идет по (chat_id, message_id) приглашения, поэтому
два одновременно висящих запроса в одном чате не перепутают ответы, а
посторонний текст в чате просто игнорируется.
*/

// DecisionSink принимает решения оператора (реализуется арбитром)
type DecisionSink interface {
	SubmitDecision(ctx context.Context, requestID string, approve bool, code, reviewerID string) error
}

// Registry — операции реестра, доступные из меню бота
type Registry interface {
	Register(ctx context.Context, agentID, owner string, chatID int64) (*domain.AgentConfig, error)
	ListByOwner(ctx context.Context, owner string) ([]*domain.AgentConfig, error)
	UpdateThresholds(ctx context.Context, agentID, valueThreshold, gasThreshold string) error
	SetSecondFactor(ctx context.Context, agentID string, enabled bool, secret string) error
	Get(ctx context.Context, agentID string) (*domain.AgentConfig, error)
}

// SecretSource — генерация и проверка TOTP секретов для настройки 2FA
type SecretSource interface {
	GenerateSecret(agentID string) (secret, url string, err error)
	Verify(secret, code string) bool
}

// QRRenderer превращает otpauth URL в PNG
type QRRenderer func(url string) ([]byte, error)

var addressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Сколько живут незавершенные диалоги (ожидание кода, настройка 2FA)
const replyTTL = 15 * time.Minute

type replyKind int

const (
	replyDecisionCode replyKind = iota // Ждем TOTP код к решению по заявке
	replySetupCode                     // Ждем первый код при настройке 2FA
)

type replyKey struct {
	chatID    int64
	messageID int
}

type pendingReply struct {
	kind      replyKind
	requestID string // Для replyDecisionCode
	approve   bool
	agentID   string // Для replySetupCode
	secret    string
	createdAt time.Time
}

type promptState struct {
	needsCode bool
	createdAt time.Time
}

type Adapter struct {
	client   BotClient
	sink     DecisionSink
	registry Registry
	secrets  SecretSource
	renderQR QRRenderer
	guard    *notify.Reliability
	logger   *zap.Logger

	mu      sync.Mutex
	prompts map[string]promptState // request_id -> нужен ли код к решению
	replies map[replyKey]pendingReply
}

// New собирает адаптер поверх реального Telegram-бота (long polling)
func New(
	token string,
	sink DecisionSink,
	registry Registry,
	secrets SecretSource,
	renderQR QRRenderer,
	guard *notify.Reliability,
	logger *zap.Logger,
) (*Adapter, error) {
	a := newAdapter(sink, registry, secrets, renderQR, guard, logger)

	b, err := bot.New(token, bot.WithDefaultHandler(a.handleMessage))
	if err != nil {
		return nil, fmt.Errorf("telegram: bot init failed: %w", err)
	}
	a.client = newRealBotClient(b)
	a.registerHandlers()
	return a, nil
}

// NewWithClient — сборка с подставным клиентом (тесты)
func NewWithClient(
	client BotClient,
	sink DecisionSink,
	registry Registry,
	secrets SecretSource,
	renderQR QRRenderer,
	guard *notify.Reliability,
	logger *zap.Logger,
) *Adapter {
	a := newAdapter(sink, registry, secrets, renderQR, guard, logger)
	a.client = client
	a.registerHandlers()
	return a
}

func newAdapter(
	sink DecisionSink,
	registry Registry,
	secrets SecretSource,
	renderQR QRRenderer,
	guard *notify.Reliability,
	logger *zap.Logger,
) *Adapter {
	return &Adapter{
		sink:     sink,
		registry: registry,
		secrets:  secrets,
		renderQR: renderQR,
		guard:    guard,
		logger:   logger.Named("telegram"),
		prompts:  make(map[string]promptState),
		replies:  make(map[replyKey]pendingReply),
	}
}

func (a *Adapter) registerHandlers() {
	a.client.RegisterHandler(bot.HandlerTypeCallbackQueryData, "approve_", bot.MatchTypePrefix, a.handleDecisionCallback)
	a.client.RegisterHandler(bot.HandlerTypeCallbackQueryData, "reject_", bot.MatchTypePrefix, a.handleDecisionCallback)
	a.client.RegisterHandler(bot.HandlerTypeMessageText, "/start", bot.MatchTypePrefix, a.handleStart)
	a.client.RegisterHandler(bot.HandlerTypeMessageText, "/help", bot.MatchTypePrefix, a.handleHelp)
	a.client.RegisterHandler(bot.HandlerTypeMessageText, "/register", bot.MatchTypePrefix, a.handleRegister)
	a.client.RegisterHandler(bot.HandlerTypeMessageText, "/agents", bot.MatchTypePrefix, a.handleAgents)
	a.client.RegisterHandler(bot.HandlerTypeMessageText, "/threshold", bot.MatchTypePrefix, a.handleThreshold)
	a.client.RegisterHandler(bot.HandlerTypeMessageText, "/enable2fa", bot.MatchTypePrefix, a.handleEnable2FA)
	a.client.RegisterHandler(bot.HandlerTypeMessageText, "/disable2fa", bot.MatchTypePrefix, a.handleDisable2FA)
}

// Start запускает long polling до отмены контекста
func (a *Adapter) Start(ctx context.Context) {
	a.logger.Info("telegram channel started")
	a.client.Start(ctx)
}

// Prompt реализует контракт Notifier: отправляет оператору запрос на
// подтверждение с кнопками, размеченными ID заявки.
func (a *Adapter) Prompt(ctx context.Context, chatID int64, req domain.ApprovalRequest, needsCode bool) error {
	a.mu.Lock()
	a.prompts[req.ID] = promptState{needsCode: needsCode, createdAt: time.Now()}
	a.purgeStaleLocked()
	a.mu.Unlock()

	text := fmt.Sprintf(
		"🚨 *High value transaction detected*\n\n"+
			"*Agent:* `%s`\n"+
			"*To:* `%s`\n"+
			"*Value:* %s wei\n"+
			"*Gas price:* %s wei\n\n"+
			"Approve this transaction?",
		req.AgentID, req.Tx.To, req.Tx.Value, req.Tx.GasPrice)

	return a.guard.Do(ctx, func(ctx context.Context) error {
		_, err := a.client.SendMessage(ctx, &bot.SendMessageParams{
			ChatID:    chatID,
			Text:      text,
			ParseMode: models.ParseModeMarkdown,
			ReplyMarkup: models.InlineKeyboardMarkup{
				InlineKeyboard: [][]models.InlineKeyboardButton{{
					{Text: "✅ Approve", CallbackData: "approve_" + req.ID},
					{Text: "❌ Reject", CallbackData: "reject_" + req.ID},
				}},
			},
		})
		return err
	})
}

// handleDecisionCallback — оператор нажал Approve/Reject
func (a *Adapter) handleDecisionCallback(ctx context.Context, _ *bot.Bot, update *models.Update) {
	cq := update.CallbackQuery
	if cq == nil || cq.Message.Message == nil {
		return
	}

	// Гасим "часики" на кнопке в любом случае
	_, _ = a.client.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{CallbackQueryID: cq.ID})

	approve := strings.HasPrefix(cq.Data, "approve_")
	requestID := strings.TrimPrefix(strings.TrimPrefix(cq.Data, "approve_"), "reject_")
	chatID := cq.Message.Message.Chat.ID
	reviewer := reviewerName(&cq.From)

	a.mu.Lock()
	state, known := a.prompts[requestID]
	a.mu.Unlock()

	if known && state.needsCode {
		// Второй фактор: решение провизорное, ждем код строго как reply
		a.askForCode(ctx, chatID, requestID, approve)
		return
	}

	a.applyDecision(ctx, chatID, requestID, approve, "", reviewer)
}

// askForCode отправляет приглашение и запоминает корреляцию по message_id
func (a *Adapter) askForCode(ctx context.Context, chatID int64, requestID string, approve bool) {
	var sent *models.Message
	err := a.guard.Do(ctx, func(ctx context.Context) error {
		var sendErr error
		sent, sendErr = a.client.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: chatID,
			Text: fmt.Sprintf("🔐 *2FA required*\n\nReply to THIS message with your 6-digit code for request `%s`.",
				shortID(requestID)),
			ParseMode:   models.ParseModeMarkdown,
			ReplyMarkup: models.ForceReply{ForceReply: true},
		})
		return sendErr
	})
	if err != nil || sent == nil {
		a.logger.Error("failed to send 2FA prompt", zap.String("request_id", requestID), zap.Error(err))
		return
	}

	a.mu.Lock()
	a.replies[replyKey{chatID: chatID, messageID: sent.ID}] = pendingReply{
		kind:      replyDecisionCode,
		requestID: requestID,
		approve:   approve,
		createdAt: time.Now(),
	}
	a.mu.Unlock()
}

// handleMessage — default handler: сюда падает весь свободный текст.
// Интересны только reply на наши приглашения; остальное молча игнорируем,
// чтобы болтовня в чате не была случайно съедена как код.
func (a *Adapter) handleMessage(ctx context.Context, _ *bot.Bot, update *models.Update) {
	msg := update.Message
	if msg == nil || msg.ReplyToMessage == nil {
		return
	}

	key := replyKey{chatID: msg.Chat.ID, messageID: msg.ReplyToMessage.ID}

	a.mu.Lock()
	pending, ok := a.replies[key]
	if ok {
		delete(a.replies, key)
	}
	a.mu.Unlock()
	if !ok {
		return
	}

	code := strings.TrimSpace(msg.Text)
	switch pending.kind {
	case replyDecisionCode:
		a.applyDecision(ctx, msg.Chat.ID, pending.requestID, pending.approve, code, reviewerName(msg.From))
	case replySetupCode:
		a.finishSetup2FA(ctx, msg.Chat.ID, pending, code)
	}
}

// applyDecision проводит решение через арбитра и отчитывается в чат
func (a *Adapter) applyDecision(ctx context.Context, chatID int64, requestID string, approve bool, code, reviewer string) {
	a.mu.Lock()
	delete(a.prompts, requestID)
	a.mu.Unlock()

	err := a.sink.SubmitDecision(ctx, requestID, approve, code, reviewer)

	var text string
	switch {
	case err == nil && approve:
		text = "✅ Transaction approved"
	case err == nil:
		text = "❌ Transaction rejected"
	case isSecondFactorErr(err):
		text = "❌ Invalid 2FA code. Transaction rejected."
	default:
		// Заявка протухла или уже закрыта другим путем — no-op, не ошибка
		text = "⌛ This approval request has expired or was already processed."
	}

	a.send(ctx, chatID, text)
}

func (a *Adapter) handleStart(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	a.send(ctx, update.Message.Chat.ID,
		"🤖 *Guardian Gate*\n\n"+
			"This bot guards your transacting agents:\n"+
			"• value and gas price thresholds\n"+
			"• approval prompts for risky transactions\n"+
			"• optional TOTP second factor\n\n"+
			"Start with /register, see /help for all commands.")
}

func (a *Adapter) handleHelp(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	a.send(ctx, update.Message.Chat.ID,
		"*Commands:*\n"+
			"/register `<address>` — register an agent\n"+
			"/agents — list your agents\n"+
			"/threshold `<address> <value_wei> <gas_wei>` — update thresholds\n"+
			"/enable2fa `<address>` — set up the TOTP second factor\n"+
			"/disable2fa `<address>` — remove the second factor\n"+
			"/help — this message")
}

func (a *Adapter) handleRegister(ctx context.Context, _ *bot.Bot, update *models.Update) {
	msg := update.Message
	if msg == nil {
		return
	}

	args := commandArgs(msg.Text)
	if len(args) != 1 {
		a.send(ctx, msg.Chat.ID,
			"*How to register:*\n`/register 0x742d35Cc6634C0532925a3b844Bc454e4438f44e`")
		return
	}

	address := args[0]
	if !addressRe.MatchString(address) {
		a.send(ctx, msg.Chat.ID, "*Error:* invalid agent address")
		return
	}

	owner := strconv.FormatInt(msg.Chat.ID, 10)
	cfg, err := a.registry.Register(ctx, address, owner, msg.Chat.ID)
	if err != nil {
		a.send(ctx, msg.Chat.ID, "*Error:* "+err.Error())
		return
	}

	a.send(ctx, msg.Chat.ID, fmt.Sprintf(
		"✅ *Agent registered*\n\n*Address:* `%s`\n*Value threshold:* %s wei\n*Gas threshold:* %s wei\n\n"+
			"Tune it with /threshold, protect it with /enable2fa.",
		cfg.AgentID, cfg.ValueThreshold, cfg.GasThreshold))
}

func (a *Adapter) handleAgents(ctx context.Context, _ *bot.Bot, update *models.Update) {
	msg := update.Message
	if msg == nil {
		return
	}

	owner := strconv.FormatInt(msg.Chat.ID, 10)
	agents, err := a.registry.ListByOwner(ctx, owner)
	if err != nil {
		a.send(ctx, msg.Chat.ID, "*Error:* "+err.Error())
		return
	}
	if len(agents) == 0 {
		a.send(ctx, msg.Chat.ID, "You haven't registered any agents yet.\nUse /register to add one.")
		return
	}

	var b strings.Builder
	b.WriteString("*Your registered agents:*\n\n")
	for _, cfg := range agents {
		twofa := "❌"
		if cfg.SecondFactorEnabled {
			twofa = "✅"
		}
		fmt.Fprintf(&b, "*Agent:* `%s`\n├ Value threshold: %s wei\n├ Gas threshold: %s wei\n└ 2FA: %s\n\n",
			cfg.AgentID, cfg.ValueThreshold, cfg.GasThreshold, twofa)
	}
	a.send(ctx, msg.Chat.ID, b.String())
}

func (a *Adapter) handleThreshold(ctx context.Context, _ *bot.Bot, update *models.Update) {
	msg := update.Message
	if msg == nil {
		return
	}

	args := commandArgs(msg.Text)
	if len(args) != 3 {
		a.send(ctx, msg.Chat.ID, "*Usage:* `/threshold <address> <value_wei> <gas_wei>`")
		return
	}

	cfg, err := a.ownedAgent(ctx, args[0], msg.Chat.ID)
	if err != nil {
		a.send(ctx, msg.Chat.ID, "*Error:* "+err.Error())
		return
	}

	if err := a.registry.UpdateThresholds(ctx, cfg.AgentID, args[1], args[2]); err != nil {
		a.send(ctx, msg.Chat.ID, "*Error:* "+err.Error())
		return
	}
	a.send(ctx, msg.Chat.ID, fmt.Sprintf(
		"✅ Thresholds updated: value %s wei, gas %s wei", args[1], args[2]))
}

func (a *Adapter) handleEnable2FA(ctx context.Context, _ *bot.Bot, update *models.Update) {
	msg := update.Message
	if msg == nil {
		return
	}

	args := commandArgs(msg.Text)
	if len(args) != 1 {
		a.send(ctx, msg.Chat.ID, "*Usage:* `/enable2fa <address>`")
		return
	}

	cfg, err := a.ownedAgent(ctx, args[0], msg.Chat.ID)
	if err != nil {
		a.send(ctx, msg.Chat.ID, "*Error:* "+err.Error())
		return
	}

	secret, url, err := a.secrets.GenerateSecret(cfg.AgentID)
	if err != nil {
		a.logger.Error("TOTP secret generation failed", zap.Error(err))
		a.send(ctx, msg.Chat.ID, "*Error:* could not generate a secret, try again later")
		return
	}

	if png, qrErr := a.renderQR(url); qrErr == nil {
		_ = a.guard.Do(ctx, func(ctx context.Context) error {
			_, sendErr := a.client.SendPhoto(ctx, &bot.SendPhotoParams{
				ChatID:  msg.Chat.ID,
				Photo:   &models.InputFileUpload{Filename: "totp.png", Data: bytes.NewReader(png)},
				Caption: "1️⃣ Scan this QR code with your authenticator app",
			})
			return sendErr
		})
	}

	var sent *models.Message
	err = a.guard.Do(ctx, func(ctx context.Context) error {
		var sendErr error
		sent, sendErr = a.client.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: msg.Chat.ID,
			Text: fmt.Sprintf("2️⃣ Or enter this key manually:\n`%s`\n\n"+
				"Reply to THIS message with the 6-digit code to confirm setup.", secret),
			ParseMode:   models.ParseModeMarkdown,
			ReplyMarkup: models.ForceReply{ForceReply: true},
		})
		return sendErr
	})
	if err != nil || sent == nil {
		a.logger.Error("failed to send 2FA setup prompt", zap.Error(err))
		return
	}

	a.mu.Lock()
	a.replies[replyKey{chatID: msg.Chat.ID, messageID: sent.ID}] = pendingReply{
		kind:      replySetupCode,
		agentID:   cfg.AgentID,
		secret:    secret,
		createdAt: time.Now(),
	}
	a.mu.Unlock()
}

// finishSetup2FA включает второй фактор только после валидного первого кода
func (a *Adapter) finishSetup2FA(ctx context.Context, chatID int64, pending pendingReply, code string) {
	if !a.secrets.Verify(pending.secret, code) {
		a.send(ctx, chatID, "❌ Invalid code. 2FA was NOT enabled, run /enable2fa again.")
		return
	}

	if err := a.registry.SetSecondFactor(ctx, pending.agentID, true, pending.secret); err != nil {
		a.send(ctx, chatID, "*Error:* "+err.Error())
		return
	}
	a.send(ctx, chatID, "✅ 2FA setup successful! Approvals for this agent now require a code.")
}

func (a *Adapter) handleDisable2FA(ctx context.Context, _ *bot.Bot, update *models.Update) {
	msg := update.Message
	if msg == nil {
		return
	}

	args := commandArgs(msg.Text)
	if len(args) != 1 {
		a.send(ctx, msg.Chat.ID, "*Usage:* `/disable2fa <address>`")
		return
	}

	cfg, err := a.ownedAgent(ctx, args[0], msg.Chat.ID)
	if err != nil {
		a.send(ctx, msg.Chat.ID, "*Error:* "+err.Error())
		return
	}

	if err := a.registry.SetSecondFactor(ctx, cfg.AgentID, false, ""); err != nil {
		a.send(ctx, msg.Chat.ID, "*Error:* "+err.Error())
		return
	}
	a.send(ctx, msg.Chat.ID, "✅ 2FA removed")
}

// ownedAgent достает конфиг и проверяет, что команда пришла от владельца
func (a *Adapter) ownedAgent(ctx context.Context, agentID string, chatID int64) (*domain.AgentConfig, error) {
	cfg, err := a.registry.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if cfg.NotifyChatID != chatID {
		return nil, fmt.Errorf("agent %s is registered to another user", shortAddr(agentID))
	}
	return cfg, nil
}

func (a *Adapter) send(ctx context.Context, chatID int64, text string) {
	err := a.guard.Do(ctx, func(ctx context.Context) error {
		_, sendErr := a.client.SendMessage(ctx, &bot.SendMessageParams{
			ChatID:    chatID,
			Text:      text,
			ParseMode: models.ParseModeMarkdown,
		})
		return sendErr
	})
	if err != nil {
		a.logger.Error("telegram send failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

// purgeStaleLocked чистит брошенные диалоги. Вызывается под a.mu.
func (a *Adapter) purgeStaleLocked() {
	cutoff := time.Now().Add(-replyTTL)
	for id, p := range a.prompts {
		if p.createdAt.Before(cutoff) {
			delete(a.prompts, id)
		}
	}
	for key, p := range a.replies {
		if p.createdAt.Before(cutoff) {
			delete(a.replies, key)
		}
	}
}

func commandArgs(text string) []string {
	fields := strings.Fields(text)
	if len(fields) <= 1 {
		return nil
	}
	return fields[1:]
}

func reviewerName(u *models.User) string {
	if u == nil {
		return "operator"
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	return strconv.FormatInt(u.ID, 10)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func shortAddr(addr string) string {
	if len(addr) > 10 {
		return addr[:6] + "..." + addr[len(addr)-4:]
	}
	return addr
}

func isSecondFactorErr(err error) bool {
	return errors.Is(err, domain.ErrSecondFactorInvalid)
}
