package postgres

/*
Файл decision_repo.go — приемник следа решений (Decision Trail).
Пишется пачками из audit.Trail: одна INSERT на пачку вместо roundtrip
на каждое событие.
*/

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres
	"github.com/xela07ax/guardian-gate/internal/audit"
)

type DecisionRepo struct {
	db *sql.DB
}

func NewDecisionRepo(connString string) *DecisionRepo {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		// В main соединение проверяется через Ping
		log.Fatal(err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &DecisionRepo{db: db}
}

// Ping проверяет доступность базы при старте
func (r *DecisionRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// WriteBatch сохраняет пачку событий одним запросом
func (r *DecisionRepo) WriteBatch(ctx context.Context, events []audit.DecisionEvent) error {
	if len(events) == 0 {
		return nil
	}

	// Количество колонок в таблице decision_log
	numFields := 11
	placeholderStr := ""
	vals := make([]interface{}, 0, len(events)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range events {
		p := i * numFields
		placeholderStr += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d),",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9, p+10, p+11)

		vals = append(vals,
			e.ID, e.RequestID, e.AgentID,
			e.TxTo, e.TxValue, e.TxGasPrice,
			e.Status, e.Reason, e.ReviewerID, e.DurationMs, e.Timestamp,
		)
	}

	query := fmt.Sprintf(
		"INSERT INTO decision_log (id, request_id, agent_id, tx_to, tx_value, tx_gas_price, status, reason, reviewer_id, duration_ms, timestamp) VALUES %s",
		strings.TrimSuffix(placeholderStr, ","),
	)

	_, err := r.db.ExecContext(ctx, query, vals...)
	return err
}
