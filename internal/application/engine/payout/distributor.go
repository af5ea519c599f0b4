// Package payout reparte los fee events en postings del ledger por la cadena
// de referidos y por la cadena del árbol.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/slotmatrix/internal/application/engine"
	"github.com/alejandrodnm/slotmatrix/internal/domain"
	"github.com/alejandrodnm/slotmatrix/internal/ports"
)

const defaultPrecision = 2

// Config reúne los ajustes de distribución.
type Config struct {
	Tables       domain.Tables
	FallbackPool string // recibe la parte del pool, las redirecciones y el redondeo
	Precision    int32  // decimales por parte
}

// Distributor es el distribuidor de comisiones.
type Distributor struct {
	cfg  Config
	pool string
}

var _ engine.Distributor = (*Distributor)(nil)

// New crea un Distributor.
func New(cfg Config) *Distributor {
	if cfg.Precision <= 0 {
		cfg.Precision = defaultPrecision
	}
	return &Distributor{cfg: cfg, pool: domain.PoolAccount(cfg.FallbackPool)}
}

// Distribute devuelve los postings de ev. rec es la colocación del pagador en
// el (programa, tier) del evento; sus padres en el árbol cobran los niveles.
// Los postings siempre suman ev.Amount.
func (d *Distributor) Distribute(ctx context.Context, tx ports.Tx, ev domain.FeeEvent, rec domain.PlacementRecord) ([]domain.LedgerEntry, error) {
	table, ok := d.cfg.Tables.Get(ev.Program)
	if !ok {
		return nil, fmt.Errorf("payout.Distribute: unknown program %q", ev.Program)
	}
	commission := table.CommissionFor(ev.Tier)
	shares := domain.SplitFee(ev.Amount, commission, d.cfg.Precision)

	referrers, err := d.referralChain(ctx, tx, ev.ReferralParent, len(commission.ReferralShares))
	if err != nil {
		return nil, fmt.Errorf("payout.Distribute: %w", err)
	}
	levels, err := d.levelChain(ctx, tx, rec, len(commission.LevelShares))
	if err != nil {
		return nil, fmt.Errorf("payout.Distribute: %w", err)
	}

	entries := make([]domain.LedgerEntry, 0, len(shares))
	post := func(account string, reason domain.Reason, level int, s domain.Share) {
		if s.Amount.IsZero() {
			return
		}
		entries = append(entries, domain.LedgerEntry{
			Account:       account,
			Amount:        s.Amount,
			Currency:      ev.Currency,
			Reason:        reason,
			Level:         level,
			CorrelationID: ev.ID,
			Program:       ev.Program,
			Tier:          ev.Tier,
			CreatedAt:     ev.OccurredAt,
		})
	}

	for _, s := range shares {
		switch s.Kind {
		case domain.ShareReferral:
			if id := referrers[s.Index-1]; id != "" {
				post(domain.WalletAccount(id), domain.ReasonReferral, s.Index, s)
			} else {
				post(d.pool, domain.ReasonReferralRedirect, s.Index, s)
			}
		case domain.ShareLevel:
			if id := levels[s.Index-1]; id != "" {
				post(domain.WalletAccount(id), domain.ReasonLevel, s.Index, s)
			} else {
				post(d.pool, domain.ReasonLevelRedirect, s.Index, s)
			}
		case domain.SharePool:
			post(d.pool, domain.ReasonPool, 0, s)
		case domain.ShareRounding:
			post(d.pool, domain.ReasonRounding, 0, s)
		}
	}

	if total := domain.DistributionTotal(entries); !total.Equal(ev.Amount) {
		return nil, fmt.Errorf("payout.Distribute: event %s: postings sum %s, fee %s: %w",
			ev.ID, total, ev.Amount, domain.ErrDistributionImbalance)
	}
	return entries, nil
}

// referralChain devuelve hasta n referidores empezando por first. Un
// ancestro ausente deja el hueco vacío; el ingreso por referido nunca depende
// de la activación ni de la posición en el árbol.
func (d *Distributor) referralChain(ctx context.Context, tx ports.Tx, first string, n int) ([]string, error) {
	chain := make([]string, n)
	cur := first
	for i := 0; i < n && cur != ""; i++ {
		chain[i] = cur
		if i == n-1 {
			break
		}
		p, err := tx.GetParticipant(ctx, cur)
		if errors.Is(err, domain.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("referral ancestor %s: %w", cur, err)
		}
		cur = p.ReferralParent
	}
	return chain, nil
}

// levelChain sube n registros padre sobre rec. Un ancestro sin el tier deja
// el hueco vacío y su parte va al pool.
func (d *Distributor) levelChain(ctx context.Context, tx ports.Tx, rec domain.PlacementRecord, n int) ([]string, error) {
	chain := make([]string, n)
	cur := rec
	for i := 0; i < n; i++ {
		ref, ok := cur.ParentNode()
		if !ok {
			break
		}
		parent, err := tx.GetPlacement(ctx, domain.PlacementKey{
			ParticipantID: ref.ParticipantID,
			Program:       rec.Key.Program,
			Tier:          rec.Key.Tier,
			RecycleIndex:  ref.RecycleIndex,
		})
		if err != nil {
			return nil, fmt.Errorf("level %d above %s: %w", i+1, rec.Key, err)
		}
		active, err := tx.IsActive(ctx, parent.Key.ParticipantID, rec.Key.Program, rec.Key.Tier)
		if err != nil {
			return nil, err
		}
		if active {
			chain[i] = parent.Key.ParticipantID
		} else {
			slog.Debug("payout: level ancestor inactive, redirecting",
				"ancestor", parent.Key.ParticipantID,
				"level", i+1,
				"program", rec.Key.Program,
				"tier", rec.Key.Tier,
			)
		}
		cur = parent
	}
	return chain, nil
}
