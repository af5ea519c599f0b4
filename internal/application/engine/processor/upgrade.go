package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/slotmatrix/internal/application/engine"
	"github.com/alejandrodnm/slotmatrix/internal/application/engine/cascade"
	"github.com/alejandrodnm/slotmatrix/internal/domain"
	"github.com/alejandrodnm/slotmatrix/internal/ports"
	"golang.org/x/sync/errgroup"
)

const maxDrainRounds = 1024

// CascadeResult es el resultado de un trabajo de upgrade.
type CascadeResult struct {
	Job     domain.CascadeJob
	Upgrade *Result              // nil si el trabajo se saltó o quedó flagged
	Funding []domain.LedgerEntry // débito de la reserva y postings del sobrante
}

// RunCascade ejecuta un upgrade en cola en su propia transacción. Un fallo
// nunca toca el evento que lo encoló: el trabajo queda FAILED y el sweep lo
// reintenta.
func (p *Processor) RunCascade(ctx context.Context, job domain.CascadeJob) (CascadeResult, error) {
	var out CascadeResult
	err := p.store.WithTx(ctx, func(tx ports.Tx) error {
		var err error
		out, err = p.runCascade(ctx, tx, job)
		return err
	})
	if err != nil {
		p.failCascade(ctx, job, err)
		return CascadeResult{}, fmt.Errorf("processor.RunCascade %s: %w", job.Key(), err)
	}
	if out.Upgrade != nil {
		p.publish(ctx, append(append([]domain.LedgerEntry{}, out.Funding...), out.Upgrade.Entries...))
	}
	return out, nil
}

func (p *Processor) runCascade(ctx context.Context, tx ports.Tx, job domain.CascadeJob) (CascadeResult, error) {
	current, err := tx.GetCascade(ctx, job.ParticipantID, job.Program, job.FromTier, job.ToTier)
	if err != nil {
		return CascadeResult{}, err
	}
	out := CascadeResult{Job: current}
	if current.Status == domain.CascadeDone || current.Status == domain.CascadeFlagged {
		return out, nil
	}
	now := p.now()

	if current.Depth > p.cascade.MaxDepth() {
		out.Job = p.cascade.Flag(current, now)
		return out, tx.UpdateCascade(ctx, out.Job)
	}

	owner, err := tx.GetParticipant(ctx, current.ParticipantID)
	if err != nil {
		return CascadeResult{}, err
	}

	active, err := tx.IsActive(ctx, current.ParticipantID, current.Program, current.ToTier)
	if err != nil {
		return CascadeResult{}, err
	}
	if active {
		// Tier comprado por otra vía; la reserva solo puede seguir adelante.
		return p.settleStale(ctx, tx, current, now)
	}

	ev, err := p.cascade.UpgradeEvent(current, owner, now)
	if err != nil {
		return CascadeResult{}, err
	}
	funding, next, err := p.cascade.Consume(ctx, tx, current, ev.ID, now)
	if err != nil {
		return CascadeResult{}, err
	}
	upgrade, err := p.apply(ctx, tx, ev)
	if err != nil {
		return CascadeResult{}, err
	}
	if next != nil {
		upgrade.Cascades = append(upgrade.Cascades, *next)
	}
	stored, err := tx.AppendEntries(ctx, funding)
	if err != nil {
		return CascadeResult{}, err
	}

	current.Status = domain.CascadeDone
	current.Attempts++
	current.LastError = ""
	current.EventID = ev.ID
	current.UpdatedAt = now
	if err := tx.UpdateCascade(ctx, current); err != nil {
		return CascadeResult{}, err
	}
	engine.CascadeJobsTotal.WithLabelValues(current.Program.String(), string(current.Status)).Inc()
	slog.Info("cascade: upgrade applied",
		"participant", current.ParticipantID,
		"program", current.Program,
		"to_tier", current.ToTier,
		"depth", current.Depth,
		"event", ev.ID,
		"tree_parent", upgrade.Placement.TreeParent,
		"queued", len(upgrade.Cascades),
	)

	out.Job = current
	out.Upgrade = &upgrade
	out.Funding = stored
	return out, nil
}

// settleStale vacía la reserva de un trabajo cuyo tier destino ya está
// activo, según la política de sobrante.
func (p *Processor) settleStale(ctx context.Context, tx ports.Tx, job domain.CascadeJob, now time.Time) (CascadeResult, error) {
	reserve, err := tx.GetReserve(ctx, job.ParticipantID, job.Program, job.ToTier)
	if err != nil {
		return CascadeResult{}, err
	}
	var stored []domain.LedgerEntry
	if reserve.Balance.IsPositive() {
		entries, _, err := p.cascade.Settle(ctx, tx, job, reserve.Balance, cascade.EventID(job), now)
		if err != nil {
			return CascadeResult{}, err
		}
		if stored, err = tx.AppendEntries(ctx, entries); err != nil {
			return CascadeResult{}, err
		}
	}
	job.Status = domain.CascadeDone
	job.Attempts++
	job.LastError = "target tier already active"
	job.UpdatedAt = now
	if err := tx.UpdateCascade(ctx, job); err != nil {
		return CascadeResult{}, err
	}
	engine.CascadeJobsTotal.WithLabelValues(job.Program.String(), string(job.Status)).Inc()
	slog.Info("cascade: target tier already active, reserve settled",
		"participant", job.ParticipantID,
		"program", job.Program,
		"to_tier", job.ToTier,
		"amount", reserve.Balance,
	)
	return CascadeResult{Job: job, Funding: stored}, nil
}

// failCascade registra err en el trabajo en una transacción aparte. Tras
// MaxAttempts el trabajo queda flagged para revisión.
func (p *Processor) failCascade(ctx context.Context, job domain.CascadeJob, cause error) {
	err := p.store.WithTx(ctx, func(tx ports.Tx) error {
		current, err := tx.GetCascade(ctx, job.ParticipantID, job.Program, job.FromTier, job.ToTier)
		if err != nil {
			return err
		}
		current.Attempts++
		current.LastError = engine.TruncateStr(cause.Error(), 500)
		current.UpdatedAt = p.now()
		current.Status = domain.CascadeFailed
		if current.Attempts >= p.cfg.MaxAttempts || errors.Is(cause, domain.ErrCascadeReentrancyLimit) {
			current.Status = domain.CascadeFlagged
		}
		engine.CascadeJobsTotal.WithLabelValues(current.Program.String(), string(current.Status)).Inc()
		return tx.UpdateCascade(ctx, current)
	})
	if err != nil {
		slog.Error("cascade: could not record job failure", "job", job.Key(), "cause", cause, "err", err)
		return
	}
	slog.Warn("cascade: upgrade failed", "job", job.Key(), "attempt", job.Attempts+1, "err", cause)
}

// DrainCascades ejecuta reciclajes diferidos y upgrades pendientes hasta que
// no queda ninguno. Lo que encolan los propios trabajos se recoge en la
// ronda siguiente. Devuelve cuántos trabajos se procesaron.
func (p *Processor) DrainCascades(ctx context.Context) (int, error) {
	total := 0
	for round := 0; round < maxDrainRounds; round++ {
		r, err := p.runRecycles(ctx, domain.CascadePending)
		total += r
		if err != nil {
			return total, err
		}
		n, err := p.runBatch(ctx, domain.CascadePending)
		total += n
		if err != nil || r+n == 0 {
			return total, err
		}
	}
	slog.Warn("cascade: drain stopped with jobs still pending", "rounds", maxDrainRounds, "processed", total)
	return total, nil
}

// RetryFailed reintenta una vez los reciclajes y upgrades FAILED.
func (p *Processor) RetryFailed(ctx context.Context) (int, error) {
	r, err := p.runRecycles(ctx, domain.CascadeFailed)
	if err != nil {
		return r, err
	}
	n, err := p.runBatch(ctx, domain.CascadeFailed)
	return r + n, err
}

func (p *Processor) runBatch(ctx context.Context, status domain.CascadeStatus) (int, error) {
	var jobs []domain.CascadeJob
	err := p.store.View(ctx, func(tx ports.Tx) error {
		var err error
		jobs, err = tx.ListCascades(ctx, status, p.cfg.CascadeBatch)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("processor: list %s cascades: %w", status, err)
	}
	if status == domain.CascadePending {
		engine.CascadeJobsPending.Set(float64(len(jobs)))
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			if _, err := p.RunCascade(gctx, job); err != nil && gctx.Err() != nil {
				return gctx.Err()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return len(jobs), err
	}
	return len(jobs), nil
}
