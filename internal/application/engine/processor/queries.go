package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/alejandrodnm/slotmatrix/internal/application/engine/tree"
	"github.com/alejandrodnm/slotmatrix/internal/domain"
	"github.com/alejandrodnm/slotmatrix/internal/ports"
	"github.com/shopspring/decimal"
)

// Placements devuelve todos los registros de participantID en (programa, tier),
// del recycle más antiguo al más nuevo.
func (p *Processor) Placements(ctx context.Context, participantID string, program domain.Program, tier int) ([]domain.PlacementRecord, error) {
	var out []domain.PlacementRecord
	err := p.store.View(ctx, func(tx ports.Tx) error {
		var err error
		out, err = tx.ListPlacements(ctx, participantID, program, tier)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("processor.Placements: %w", err)
	}
	return out, nil
}

// defaultSubtreeDepth limita el reporte de árboles que nunca se completan.
const defaultSubtreeDepth = 4

// Subtree devuelve los descendientes de un registro hasta depth niveles. Con
// depth <= 0 usa la profundidad de completado del programa.
func (p *Processor) Subtree(ctx context.Context, key domain.PlacementKey, depth int) (domain.PlacementRecord, []domain.SnapshotOccupant, error) {
	if depth <= 0 {
		table, ok := p.cfg.Tables.Get(key.Program)
		if !ok {
			return domain.PlacementRecord{}, nil, fmt.Errorf("processor.Subtree: unknown program %q", key.Program)
		}
		depth = table.Geometry.CompletionDepth
		if !table.Geometry.Completes() {
			depth = defaultSubtreeDepth
		}
	}

	var (
		root     domain.PlacementRecord
		children []domain.SnapshotOccupant
	)
	err := p.store.View(ctx, func(tx ports.Tx) error {
		var err error
		root, err = tx.GetPlacement(ctx, key)
		if err != nil {
			return err
		}
		children, err = tree.Subtree(ctx, tx, root, depth)
		return err
	})
	if err != nil {
		return domain.PlacementRecord{}, nil, fmt.Errorf("processor.Subtree: %w", err)
	}
	return root, children, nil
}

// Snapshot devuelve el árbol congelado de un registro completado.
func (p *Processor) Snapshot(ctx context.Context, key domain.PlacementKey) (domain.TreeSnapshot, error) {
	var snap domain.TreeSnapshot
	err := p.store.View(ctx, func(tx ports.Tx) error {
		var err error
		snap, err = tx.GetSnapshot(ctx, key)
		return err
	})
	if err != nil {
		return domain.TreeSnapshot{}, fmt.Errorf("processor.Snapshot: %w", err)
	}
	return snap, nil
}

// ReserveStatus informa de la reserva que financia tier y de si ya cubre el coste.
func (p *Processor) ReserveStatus(ctx context.Context, participantID string, program domain.Program, tier int) (domain.ReserveStatus, error) {
	table, ok := p.cfg.Tables.Get(program)
	if !ok {
		return domain.ReserveStatus{}, fmt.Errorf("processor.ReserveStatus: unknown program %q", program)
	}
	cost, ok := table.Cost(tier)
	if !ok {
		return domain.ReserveStatus{}, fmt.Errorf("processor.ReserveStatus: program %s has no tier %d", program, tier)
	}

	var st domain.ReserveStatus
	err := p.store.View(ctx, func(tx ports.Tx) error {
		reserve, err := tx.GetReserve(ctx, participantID, program, tier)
		if err != nil {
			return err
		}
		active, err := tx.IsActive(ctx, participantID, program, tier)
		if err != nil {
			return err
		}
		st = domain.ReserveStatus{
			Reserve:   reserve,
			NextCost:  cost,
			Shortfall: decimal.Max(cost.Sub(reserve.Balance), decimal.Zero),
			Active:    active,
			Eligible:  !active && reserve.Balance.GreaterThanOrEqual(cost),
		}
		if tier > 1 {
			job, err := tx.GetCascade(ctx, participantID, program, tier-1, tier)
			switch {
			case err == nil:
				st.Pending = &job
			case !errors.Is(err, domain.ErrNotFound):
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.ReserveStatus{}, fmt.Errorf("processor.ReserveStatus: %w", err)
	}
	return st, nil
}

// Entries devuelve los postings de un fee event en orden de escritura.
func (p *Processor) Entries(ctx context.Context, correlationID string) ([]domain.LedgerEntry, error) {
	var out []domain.LedgerEntry
	err := p.store.View(ctx, func(tx ports.Tx) error {
		var err error
		out, err = tx.EntriesByCorrelation(ctx, correlationID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("processor.Entries: %w", err)
	}
	return out, nil
}

// AccountEntries devuelve los postings de una cuenta en orden de escritura.
func (p *Processor) AccountEntries(ctx context.Context, account string) ([]domain.LedgerEntry, error) {
	var out []domain.LedgerEntry
	err := p.store.View(ctx, func(tx ports.Tx) error {
		var err error
		out, err = tx.EntriesByAccount(ctx, account)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("processor.AccountEntries: %w", err)
	}
	return out, nil
}

// Balance devuelve el saldo de account en la moneda del motor.
func (p *Processor) Balance(ctx context.Context, account string) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := p.store.View(ctx, func(tx ports.Tx) error {
		var err error
		out, err = tx.Balance(ctx, account, p.cfg.Currency)
		return err
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("processor.Balance: %w", err)
	}
	return out, nil
}

// Participant devuelve un participante registrado con sus tiers activos.
func (p *Processor) Participant(ctx context.Context, id string) (domain.Participant, error) {
	var out domain.Participant
	err := p.store.View(ctx, func(tx ports.Tx) error {
		var err error
		out, err = tx.GetParticipant(ctx, id)
		return err
	})
	if err != nil {
		return domain.Participant{}, fmt.Errorf("processor.Participant: %w", err)
	}
	return out, nil
}

// Cascades lista los trabajos en status, más antiguos primero.
func (p *Processor) Cascades(ctx context.Context, status domain.CascadeStatus, limit int) ([]domain.CascadeJob, error) {
	var out []domain.CascadeJob
	err := p.store.View(ctx, func(tx ports.Tx) error {
		var err error
		out, err = tx.ListCascades(ctx, status, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("processor.Cascades: %w", err)
	}
	return out, nil
}
