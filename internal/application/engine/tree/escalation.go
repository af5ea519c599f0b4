package tree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/slotmatrix/internal/domain"
	"github.com/alejandrodnm/slotmatrix/internal/ports"
)

// resolveSeed elige el registro cuyo árbol se escanea. Se usa el referidor si
// tiene el tier; si no, se sube por la cadena de referidos como mucho
// MaxEscalationDepth niveles y, si nadie califica, se usa la raíz de respaldo.
// Los ancestros saltados no se revisitan en esta colocación.
func (p *Placer) resolveSeed(ctx context.Context, tx ports.Tx, referralParent string, program domain.Program, tier int, g domain.Geometry) (domain.PlacementRecord, domain.Escalation, error) {
	if g.Serial {
		seed, err := p.rootRecord(ctx, tx, program, tier)
		return seed, domain.EscalationPool, err
	}

	candidate := referralParent
	for level := 1; level <= MaxEscalationDepth && candidate != ""; level++ {
		active, err := tx.IsActive(ctx, candidate, program, tier)
		if err != nil {
			return domain.PlacementRecord{}, "", err
		}
		if active {
			seed, err := tx.CurrentPlacement(ctx, candidate, program, tier)
			if err != nil {
				return domain.PlacementRecord{}, "", fmt.Errorf("seed %s: %w", candidate, err)
			}
			escalation := domain.EscalationNone
			if level > 1 {
				escalation = domain.EscalationAncestor
				slog.Debug("tree: escalated past inactive ancestors",
					"referral_parent", referralParent,
					"seed", candidate,
					"levels", level-1,
					"program", program,
					"tier", tier,
				)
			}
			return seed, escalation, nil
		}

		ancestor, err := tx.GetParticipant(ctx, candidate)
		if errors.Is(err, domain.ErrNotFound) {
			break
		}
		if err != nil {
			return domain.PlacementRecord{}, "", err
		}
		candidate = ancestor.ReferralParent
	}

	slog.Info("tree: no eligible ancestor, placing under fallback root",
		"referral_parent", referralParent,
		"root", p.cfg.RootParticipant,
		"program", program,
		"tier", tier,
	)
	seed, err := p.rootRecord(ctx, tx, program, tier)
	return seed, domain.EscalationFallbackRoot, err
}

func (p *Placer) rootRecord(ctx context.Context, tx ports.Tx, program domain.Program, tier int) (domain.PlacementRecord, error) {
	seed, err := tx.CurrentPlacement(ctx, p.cfg.RootParticipant, program, tier)
	if err != nil {
		return domain.PlacementRecord{}, fmt.Errorf("fallback root %q: %w", p.cfg.RootParticipant, err)
	}
	return seed, nil
}
