package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/slotmatrix/internal/domain"
	"github.com/shopspring/decimal"
)

// GetReserve devuelve la reserva hacia tier; saldo cero si aún no existe.
func (t *Tx) GetReserve(ctx context.Context, participantID string, program domain.Program, tier int) (domain.ReserveBalance, error) {
	r := domain.ReserveBalance{ParticipantID: participantID, Program: program, Tier: tier, Balance: decimal.Zero}

	var raw, updatedAt string
	err := t.tx.QueryRowContext(ctx,
		`SELECT balance, updated_at FROM reserves WHERE participant_id=? AND program=? AND tier=?`,
		participantID, string(program), tier,
	).Scan(&raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return r, nil
	}
	if err != nil {
		return r, fmt.Errorf("storage.GetReserve: %w", err)
	}
	if r.Balance, err = parseDecimal(raw); err != nil {
		return r, err
	}
	r.UpdatedAt = parseTime(updatedAt)
	return r, nil
}

// AdjustReserve suma delta (negativo para consumir) y devuelve el saldo nuevo.
// La fila se crea con la primera contribución; at es el updated_at.
func (t *Tx) AdjustReserve(ctx context.Context, participantID string, program domain.Program, tier int, delta decimal.Decimal, at time.Time) (domain.ReserveBalance, error) {
	r, err := t.GetReserve(ctx, participantID, program, tier)
	if err != nil {
		return r, err
	}
	r.Balance = r.Balance.Add(delta)
	if r.Balance.IsNegative() {
		return r, fmt.Errorf("storage.AdjustReserve %s: balance would go negative (%s)", r.Account(), r.Balance)
	}
	r.UpdatedAt = at.UTC()

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO reserves (participant_id, program, tier, balance, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(participant_id, program, tier) DO UPDATE SET
			balance    = excluded.balance,
			updated_at = excluded.updated_at`,
		participantID, string(program), tier, r.Balance.String(), fmtTime(r.UpdatedAt),
	)
	if err != nil {
		return r, fmt.Errorf("storage.AdjustReserve: %w", err)
	}
	return r, nil
}
