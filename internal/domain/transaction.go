package domain

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

/*
Файл transaction.go описывает снимок транзакции (TxSnapshot).

Value и GasPrice приходят от агента строками в базовых единицах (wei),
потому что on-chain величины не помещаются ни в int64, ни тем более в float64.
Парсим их ровно один раз на границе и дальше работаем только с big.Int —
никакой потери точности в середине пайплайна быть не должно.
*/

type TxSnapshot struct {
	To       string   `json:"to"`
	Value    *big.Int `json:"-"`
	GasPrice *big.Int `json:"-"`
}

// NewTxSnapshot валидирует сырые строки и фиксирует снимок.
// Любое отсутствующее или нечисловое поле — это ErrInvalidRequest.
func NewTxSnapshot(to, value, gasPrice string) (TxSnapshot, error) {
	if strings.TrimSpace(to) == "" {
		return TxSnapshot{}, fmt.Errorf("%w: destination is required", ErrInvalidRequest)
	}

	v, err := parseBaseUnits(value, "value")
	if err != nil {
		return TxSnapshot{}, err
	}
	g, err := parseBaseUnits(gasPrice, "gas_price")
	if err != nil {
		return TxSnapshot{}, err
	}

	return TxSnapshot{To: to, Value: v, GasPrice: g}, nil
}

func parseBaseUnits(raw, field string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: %s is required", ErrInvalidRequest, field)
	}

	n, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a base-unit integer", ErrInvalidRequest, field)
	}
	if n.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s must be non-negative", ErrInvalidRequest, field)
	}
	return n, nil
}

// txSnapshotJSON — проводной формат: числа сериализуются строками
type txSnapshotJSON struct {
	To       string `json:"to"`
	Value    string `json:"value"`
	GasPrice string `json:"gas_price"`
}

func (t TxSnapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(txSnapshotJSON{
		To:       t.To,
		Value:    t.Value.String(),
		GasPrice: t.GasPrice.String(),
	})
}

func (t *TxSnapshot) UnmarshalJSON(data []byte) error {
	var raw txSnapshotJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	snap, err := NewTxSnapshot(raw.To, raw.Value, raw.GasPrice)
	if err != nil {
		return err
	}
	*t = snap
	return nil
}

// Summary — человекочитаемое описание для уведомления оператору
func (t TxSnapshot) Summary() string {
	return fmt.Sprintf("to=%s value=%s wei gas_price=%s wei", t.To, t.Value, t.GasPrice)
}
