package notify

import (
	"context"

	"github.com/xela07ax/guardian-gate/internal/domain"
	"go.uber.org/zap"
)

// LogNotifier — заглушка канала уведомлений на случай отключенного бота.
// Заявка оседает в логах, решение придет через Console API или по таймауту.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notify-log")}
}

func (n *LogNotifier) Prompt(_ context.Context, chatID int64, req domain.ApprovalRequest, needsCode bool) error {
	n.logger.Warn("Chat channel disabled, approval waits for console decision",
		zap.String("request_id", req.ID),
		zap.String("agent_id", req.AgentID),
		zap.Int64("chat_id", chatID),
		zap.String("tx", req.Tx.Summary()),
		zap.Bool("second_factor", needsCode))
	return nil
}
