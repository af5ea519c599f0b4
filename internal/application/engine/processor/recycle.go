package processor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/slotmatrix/internal/application/engine"
	"github.com/alejandrodnm/slotmatrix/internal/domain"
	"github.com/alejandrodnm/slotmatrix/internal/ports"
)

// RecycleResult es el resultado de un reciclaje diferido.
type RecycleResult struct {
	Job      domain.RecycleJob
	Recycles []domain.RecycleOutcome
	Deferred []domain.PlacementKey // árboles que volvieron a quedar en cola
}

// RunRecycle completa un árbol diferido en su propia transacción. El evento
// que lo llenó ya está confirmado; un fallo solo marca el trabajo FAILED.
func (p *Processor) RunRecycle(ctx context.Context, job domain.RecycleJob) (RecycleResult, error) {
	var out RecycleResult
	err := p.store.WithTx(ctx, func(tx ports.Tx) error {
		current, err := tx.GetRecycle(ctx, job.Key)
		if err != nil {
			return err
		}
		out.Job = current
		if current.Status == domain.CascadeDone || current.Status == domain.CascadeFlagged {
			return nil
		}

		now := p.now()
		res, err := p.placer.Complete(ctx, tx, current, now)
		if err != nil {
			return err
		}
		current.Status = domain.CascadeDone
		current.Attempts++
		current.LastError = ""
		current.UpdatedAt = now
		if err := tx.UpdateRecycle(ctx, current); err != nil {
			return err
		}
		out = RecycleResult{Job: current, Recycles: res.Recycles, Deferred: res.Deferred}
		return nil
	})
	if err != nil {
		p.failRecycle(ctx, job, err)
		return RecycleResult{}, fmt.Errorf("processor.RunRecycle %s: %w", job.Key, err)
	}
	if out.Job.Status == domain.CascadeDone && len(out.Recycles) > 0 {
		engine.RecycleJobsTotal.WithLabelValues(job.Key.Program.String(), "done").Inc()
		slog.Info("recycle: deferred completion applied",
			"record", job.Key.String(),
			"event", job.TriggerEventID,
			"recycles", len(out.Recycles),
			"deferred", len(out.Deferred),
		)
	}
	return out, nil
}

// failRecycle registra el error en una transacción aparte; tras MaxAttempts
// el trabajo queda FLAGGED para revisión.
func (p *Processor) failRecycle(ctx context.Context, job domain.RecycleJob, cause error) {
	var status domain.CascadeStatus
	err := p.store.WithTx(ctx, func(tx ports.Tx) error {
		current, err := tx.GetRecycle(ctx, job.Key)
		if err != nil {
			return err
		}
		current.Attempts++
		current.LastError = engine.TruncateStr(cause.Error(), 500)
		current.UpdatedAt = p.now()
		current.Status = domain.CascadeFailed
		if current.Attempts >= p.cfg.MaxAttempts {
			current.Status = domain.CascadeFlagged
		}
		status = current.Status
		return tx.UpdateRecycle(ctx, current)
	})
	if err != nil {
		slog.Error("recycle: could not record job failure", "record", job.Key.String(), "cause", cause, "err", err)
		return
	}
	engine.RecycleJobsTotal.WithLabelValues(job.Key.Program.String(), string(status)).Inc()
	slog.Warn("recycle: deferred completion failed", "record", job.Key.String(), "status", status, "err", cause)
}

// runRecycles ejecuta en orden los reciclajes en status. Van en serie: cada
// uno puede llenar el árbol del siguiente.
func (p *Processor) runRecycles(ctx context.Context, status domain.CascadeStatus) (int, error) {
	var jobs []domain.RecycleJob
	err := p.store.View(ctx, func(tx ports.Tx) error {
		var err error
		jobs, err = tx.ListRecycles(ctx, status, p.cfg.CascadeBatch)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("processor: list %s recycles: %w", status, err)
	}
	for i, job := range jobs {
		if _, err := p.RunRecycle(ctx, job); err != nil && ctx.Err() != nil {
			return i, ctx.Err()
		}
	}
	return len(jobs), nil
}

// Recycles lista los reciclajes diferidos en status, más antiguos primero.
func (p *Processor) Recycles(ctx context.Context, status domain.CascadeStatus, limit int) ([]domain.RecycleJob, error) {
	var out []domain.RecycleJob
	err := p.store.View(ctx, func(tx ports.Tx) error {
		var err error
		out, err = tx.ListRecycles(ctx, status, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("processor.Recycles: %w", err)
	}
	return out, nil
}
