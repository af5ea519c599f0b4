package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/alejandrodnm/slotmatrix/internal/domain"
	"github.com/shopspring/decimal"
)

// AppendEntries guarda entries en orden. Cada una mueve el saldo de su cuenta
// y registra el saldo resultante.
func (t *Tx) AppendEntries(ctx context.Context, entries []domain.LedgerEntry) ([]domain.LedgerEntry, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	stmt, err := t.tx.PrepareContext(ctx, `
		INSERT INTO ledger_entries
			(account, amount, currency, reason, level, resulting_balance, correlation_id, program, tier, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("storage.AppendEntries: prepare: %w", err)
	}
	defer stmt.Close()

	out := make([]domain.LedgerEntry, 0, len(entries))
	for _, e := range entries {
		balance, err := t.Balance(ctx, e.Account, e.Currency)
		if err != nil {
			return nil, err
		}
		e.ResultingBalance = balance.Add(e.Amount)

		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO balances (account, currency, balance) VALUES (?, ?, ?)
			ON CONFLICT(account, currency) DO UPDATE SET balance = excluded.balance`,
			e.Account, e.Currency, e.ResultingBalance.String(),
		); err != nil {
			return nil, fmt.Errorf("storage.AppendEntries: balance %s: %w", e.Account, err)
		}

		res, err := stmt.ExecContext(ctx,
			e.Account, e.Amount.String(), e.Currency, string(e.Reason), e.Level,
			e.ResultingBalance.String(), e.CorrelationID, string(e.Program), e.Tier, fmtTime(e.CreatedAt),
		)
		if err != nil {
			return nil, fmt.Errorf("storage.AppendEntries: insert %s: %w", e.Account, err)
		}
		if e.ID, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("storage.AppendEntries: id: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// EntriesByCorrelation devuelve los postings de un fee event en orden de escritura.
func (t *Tx) EntriesByCorrelation(ctx context.Context, correlationID string) ([]domain.LedgerEntry, error) {
	return t.queryEntries(ctx, `WHERE correlation_id=? ORDER BY id`, correlationID)
}

// EntriesByAccount devuelve los postings de una cuenta en orden de escritura.
func (t *Tx) EntriesByAccount(ctx context.Context, account string) ([]domain.LedgerEntry, error) {
	return t.queryEntries(ctx, `WHERE account=? ORDER BY id`, account)
}

// Balance devuelve el saldo corriente de account; cero si no tiene.
func (t *Tx) Balance(ctx context.Context, account, currency string) (decimal.Decimal, error) {
	var raw string
	err := t.tx.QueryRowContext(ctx,
		`SELECT balance FROM balances WHERE account=? AND currency=?`, account, currency).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("storage.Balance %s: %w", account, err)
	}
	return parseDecimal(raw)
}

func (t *Tx) queryEntries(ctx context.Context, where string, args ...any) ([]domain.LedgerEntry, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, account, amount, currency, reason, level, resulting_balance,
		       correlation_id, program, tier, created_at
		FROM ledger_entries `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.queryEntries: %w", err)
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var amount, balance, reason, program, createdAt string
		if err := rows.Scan(&e.ID, &e.Account, &amount, &e.Currency, &reason, &e.Level,
			&balance, &e.CorrelationID, &program, &e.Tier, &createdAt); err != nil {
			return nil, fmt.Errorf("storage.queryEntries: scan: %w", err)
		}
		if e.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		if e.ResultingBalance, err = parseDecimal(balance); err != nil {
			return nil, err
		}
		e.Reason = domain.Reason(reason)
		e.Program = domain.Program(program)
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
