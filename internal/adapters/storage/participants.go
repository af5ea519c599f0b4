package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/alejandrodnm/slotmatrix/internal/domain"
)

// GetParticipant carga un participante con su tier activo más alto por programa.
func (t *Tx) GetParticipant(ctx context.Context, id string) (domain.Participant, error) {
	var p domain.Participant
	var registeredAt string
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, referral_parent, registered_at FROM participants WHERE id=?`, id,
	).Scan(&p.ID, &p.ReferralParent, &registeredAt)
	if err != nil {
		return domain.Participant{}, notFound(err, fmt.Sprintf("storage.GetParticipant %q", id))
	}
	p.RegisteredAt = parseTime(registeredAt)
	p.ActiveTiers = make(map[domain.Program]int)

	rows, err := t.tx.QueryContext(ctx,
		`SELECT program, MAX(tier) FROM activations WHERE participant_id=? GROUP BY program`, id)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("storage.GetParticipant: tiers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var program string
		var tier int
		if err := rows.Scan(&program, &tier); err != nil {
			return domain.Participant{}, fmt.Errorf("storage.GetParticipant: scan tier: %w", err)
		}
		p.ActiveTiers[domain.Program(program)] = tier
	}
	return p, rows.Err()
}

// SaveParticipant inserta un participante. El referidor de una fila existente
// nunca se reescribe.
func (t *Tx) SaveParticipant(ctx context.Context, p domain.Participant) error {
	var existing string
	err := t.tx.QueryRowContext(ctx,
		`SELECT referral_parent FROM participants WHERE id=?`, p.ID).Scan(&existing)
	if err == nil {
		if existing != p.ReferralParent {
			return fmt.Errorf("storage.SaveParticipant %q: %w", p.ID, domain.ErrReferralParentImmutable)
		}
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("storage.SaveParticipant %q: %w", p.ID, err)
	}
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO participants (id, referral_parent, registered_at) VALUES (?, ?, ?)`,
		p.ID, p.ReferralParent, fmtTime(p.RegisteredAt),
	); err != nil {
		return fmt.Errorf("storage.SaveParticipant %q: %w", p.ID, err)
	}
	return nil
}

// IsActive indica si el participante tiene tier en program.
func (t *Tx) IsActive(ctx context.Context, participantID string, program domain.Program, tier int) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM activations WHERE participant_id=? AND program=? AND tier=?`,
		participantID, string(program), tier,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("storage.IsActive: %w", err)
	}
	return n > 0, nil
}

// Activate registra la activación de un tier. Activar dos veces es un error.
func (t *Tx) Activate(ctx context.Context, a domain.Activation) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO activations (participant_id, program, tier, event_id, activated_at) VALUES (?, ?, ?, ?, ?)`,
		a.ParticipantID, string(a.Program), a.Tier, a.EventID, fmtTime(a.ActivatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("storage.Activate %s %s/%d: already active: %w",
				a.ParticipantID, a.Program, a.Tier, domain.ErrInvalidFeeEvent)
		}
		return fmt.Errorf("storage.Activate: %w", err)
	}
	return nil
}

// RecordFeeEvent registra el id de un evento aceptado.
func (t *Tx) RecordFeeEvent(ctx context.Context, ev domain.FeeEvent) error {
	source := ev.Source
	if source == "" {
		source = domain.SourcePayment
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO fee_events
			(id, program, tier, amount, currency, payer, referral_parent, source, cascade_depth, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Program), ev.Tier, ev.Amount.String(), ev.Currency, ev.Payer,
		ev.ReferralParent, string(source), ev.CascadeDepth, fmtTime(ev.OccurredAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("storage.RecordFeeEvent %q: %w", ev.ID, domain.ErrDuplicateFeeEvent)
		}
		return fmt.Errorf("storage.RecordFeeEvent: %w", err)
	}
	return nil
}
