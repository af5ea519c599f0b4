package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/slotmatrix/internal/domain"
	"github.com/robfig/cron/v3"
)

// Sweeper ejecuta las tareas periódicas: drenar reciclajes diferidos y
// upgrades pendientes, y revisar los fallidos y flagged.
type Sweeper struct {
	Cron *cron.Cron
	proc *Processor
	ctx  context.Context
}

// NewSweeper crea un Sweeper. Los specs usan el formato de seis campos (con segundos).
func NewSweeper(ctx context.Context, proc *Processor) *Sweeper {
	return &Sweeper{
		Cron: cron.New(cron.WithSeconds()),
		proc: proc,
		ctx:  ctx,
	}
}

// Register añade las tareas de drenado y revisión.
func (s *Sweeper) Register(drainSpec, reviewSpec string) error {
	if _, err := s.Cron.AddFunc(drainSpec, s.drain); err != nil {
		return fmt.Errorf("register cascade drain: %w", err)
	}
	if _, err := s.Cron.AddFunc(reviewSpec, s.review); err != nil {
		return fmt.Errorf("register cascade review: %w", err)
	}
	return nil
}

// Start arranca el scheduler.
func (s *Sweeper) Start() {
	s.Cron.Start()
	slog.Info("sweeper: started", "tasks", len(s.Cron.Entries()))
}

// Stop detiene el scheduler y espera a la tarea en curso.
func (s *Sweeper) Stop() {
	<-s.Cron.Stop().Done()
	slog.Info("sweeper: stopped")
}

func (s *Sweeper) drain() {
	n, err := s.proc.DrainCascades(s.ctx)
	if err != nil {
		slog.Error("sweeper: cascade drain failed", "processed", n, "err", err)
		return
	}
	if n > 0 {
		slog.Info("sweeper: cascades drained", "processed", n)
	}
}

func (s *Sweeper) review() {
	retried, err := s.proc.RetryFailed(s.ctx)
	if err != nil {
		slog.Error("sweeper: failed-cascade retry failed", "err", err)
	}
	flagged, err := s.proc.Cascades(s.ctx, domain.CascadeFlagged, 0)
	if err != nil {
		slog.Error("sweeper: list flagged cascades", "err", err)
		return
	}
	for _, job := range flagged {
		slog.Warn("sweeper: cascade needs review",
			"participant", job.ParticipantID,
			"program", job.Program,
			"from_tier", job.FromTier,
			"to_tier", job.ToTier,
			"depth", job.Depth,
			"attempts", job.Attempts,
			"last_error", job.LastError,
		)
	}
	recycles, err := s.proc.Recycles(s.ctx, domain.CascadeFlagged, 0)
	if err != nil {
		slog.Error("sweeper: list flagged recycles", "err", err)
		return
	}
	for _, job := range recycles {
		slog.Warn("sweeper: deferred recycle needs review",
			"record", job.Key.String(),
			"event", job.TriggerEventID,
			"attempts", job.Attempts,
			"last_error", job.LastError,
		)
	}
	slog.Info("sweeper: review done", "retried", retried, "flagged", len(flagged)+len(recycles))
}

// PollCascades drena el trabajo pendiente cada interval hasta que ctx termina.
// Es la vía de baja latencia; el drenado por cron es la red de seguridad.
func (p *Processor) PollCascades(ctx context.Context, interval time.Duration) {
	ticker := p.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if n, err := p.DrainCascades(ctx); err != nil {
				slog.Warn("processor: cascade poll failed", "processed", n, "err", err)
			}
		}
	}
}
