package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/alejandrodnm/slotmatrix/config"
	"github.com/alejandrodnm/slotmatrix/internal/adapters/notify"
	"github.com/alejandrodnm/slotmatrix/internal/application/engine/processor"
	"github.com/alejandrodnm/slotmatrix/internal/domain"
)

type reportRequest struct {
	participant string
	program     string
	tier        int
	recycle     int // -1 = el registro actual
}

// runReport imprime el estado de un participante y, si se pide, uno de sus árboles.
func runReport(ctx context.Context, cfg *config.Config, proc *processor.Processor, console *notify.Console, req reportRequest) error {
	if req.participant == "" {
		req.participant = cfg.Engine.RootParticipant
	}
	tables, err := cfg.Tables()
	if err != nil {
		return err
	}

	p, err := proc.Participant(ctx, req.participant)
	if err != nil {
		return err
	}

	report := notify.ParticipantReport{Participant: p, Currency: cfg.Engine.Currency}
	for _, program := range domain.Programs {
		table, ok := tables.Get(program)
		if !ok {
			continue
		}
		active := p.ActiveTier(program)
		for tier := 1; tier <= active; tier++ {
			recs, err := proc.Placements(ctx, p.ID, program, tier)
			if err != nil {
				return err
			}
			report.Placements = append(report.Placements, recs...)
		}
		if next := active + 1; active > 0 && table.HasTier(next) {
			st, err := proc.ReserveStatus(ctx, p.ID, program, next)
			if err != nil {
				return err
			}
			report.Reserves = append(report.Reserves, st)
		}
	}

	wallet := domain.WalletAccount(p.ID)
	if report.Entries, err = proc.AccountEntries(ctx, wallet); err != nil {
		return err
	}
	if report.Balance, err = proc.Balance(ctx, wallet); err != nil {
		return err
	}
	console.PrintParticipantReport(report)

	if req.program != "" {
		if err := printTree(ctx, proc, console, p.ID, domain.Program(req.program), req.tier, req.recycle); err != nil {
			return err
		}
	}

	for _, status := range []domain.CascadeStatus{domain.CascadeFailed, domain.CascadeFlagged} {
		jobs, err := proc.Cascades(ctx, status, 50)
		if err != nil {
			return err
		}
		console.PrintCascades(string(status), jobs)
	}
	for _, status := range []domain.CascadeStatus{domain.CascadePending, domain.CascadeFailed, domain.CascadeFlagged} {
		jobs, err := proc.Recycles(ctx, status, 50)
		if err != nil {
			return err
		}
		console.PrintRecycles(string(status), jobs)
	}
	return nil
}

func printTree(ctx context.Context, proc *processor.Processor, console *notify.Console, participant string, program domain.Program, tier, recycle int) error {
	recs, err := proc.Placements(ctx, participant, program, tier)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return fmt.Errorf("%s has no placement in %s tier %d: %w", participant, program, tier, domain.ErrNotFound)
	}

	key := recs[len(recs)-1].Key
	if recycle >= 0 {
		key.RecycleIndex = recycle
	}

	root, occupants, err := proc.Subtree(ctx, key, 0)
	if err != nil {
		return err
	}
	console.PrintSubtree(root, occupants)

	if !root.Completed {
		return nil
	}
	snap, err := proc.Snapshot(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	console.PrintSnapshot(snap)
	return nil
}
