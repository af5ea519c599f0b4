// Package cascade es la cascada de auto-upgrade: los fees pagados desde
// posiciones designadas llenan la reserva del dueño para el tier siguiente y
// una reserva cubierta se convierte en un trabajo de upgrade en cola.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/slotmatrix/internal/application/engine"
	"github.com/alejandrodnm/slotmatrix/internal/domain"
	"github.com/alejandrodnm/slotmatrix/internal/ports"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const defaultMaxDepth = 16

// eventNamespace genera los ids de los upgrades financiados por reserva; un
// trabajo reintentado emite siempre el mismo id.
var eventNamespace = uuid.MustParse("6f1c9d1e-3b8a-4c52-9a57-2d0f4e61b7a3")

// Config reúne los ajustes de la cascada.
type Config struct {
	Tables    domain.Tables
	MaxDepth  int // los trabajos más profundos se marcan FLAGGED en vez de ejecutarse
	Overshoot domain.OvershootPolicy
	Currency  string
}

// Cascade decide los aportes a reservas y su consumo. El upgrade en sí
// (colocación y distribución) lo conduce el processor.
type Cascade struct {
	cfg Config
}

// New crea una Cascade.
func New(cfg Config) *Cascade {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaultMaxDepth
	}
	if cfg.Overshoot == "" {
		cfg.Overshoot = domain.OvershootCarryOver
	}
	return &Cascade{cfg: cfg}
}

// MaxDepth devuelve el límite de profundidad configurado.
func (c *Cascade) MaxDepth() int { return c.cfg.MaxDepth }

// Contribution es un fee desviado a una reserva en vez del distribuidor.
type Contribution struct {
	Owner   string
	Reserve domain.ReserveBalance
	Entries []domain.LedgerEntry
	Job     *domain.CascadeJob // presente si el aporte cubrió la reserva y se encoló un trabajo
}

// Beneficiary devuelve el dueño cuya reserva alimenta rec, si lo hay.
//
//	binary: rec cuelga directamente del dueño.
//	matrix: rec es el hijo central de uno de los hijos directos del dueño.
//
// El dueño aún no debe tener tier+1 y tier+1 debe existir.
func (c *Cascade) Beneficiary(ctx context.Context, tx ports.Tx, rec domain.PlacementRecord) (string, bool, error) {
	table, ok := c.cfg.Tables.Get(rec.Key.Program)
	if !ok || !table.HasTier(rec.Key.Tier+1) {
		return "", false, nil
	}

	var owner string
	switch rec.Key.Program {
	case domain.ProgramBinary:
		owner = rec.TreeParent
	case domain.ProgramMatrix:
		if rec.Position != domain.PositionCenter {
			return "", false, nil
		}
		ref, ok := rec.ParentNode()
		if !ok {
			return "", false, nil
		}
		parent, err := tx.GetPlacement(ctx, domain.PlacementKey{
			ParticipantID: ref.ParticipantID,
			Program:       rec.Key.Program,
			Tier:          rec.Key.Tier,
			RecycleIndex:  ref.RecycleIndex,
		})
		if err != nil {
			return "", false, fmt.Errorf("cascade.Beneficiary: %w", err)
		}
		owner = parent.TreeParent
	default:
		return "", false, nil
	}
	if owner == "" {
		return "", false, nil
	}

	active, err := tx.IsActive(ctx, owner, rec.Key.Program, rec.Key.Tier+1)
	if err != nil {
		return "", false, fmt.Errorf("cascade.Beneficiary: %w", err)
	}
	return owner, !active, nil
}

// Credit suma el fee completo de ev a la reserva de owner para ev.Tier+1.
// Cuando la reserva alcanza el coste se encola un trabajo en la misma
// transacción; nunca corre antes de que el disparador confirme.
func (c *Cascade) Credit(ctx context.Context, tx ports.Tx, ev domain.FeeEvent, owner string) (Contribution, error) {
	target := ev.Tier + 1
	reserve, err := tx.AdjustReserve(ctx, owner, ev.Program, target, ev.Amount, ev.OccurredAt)
	if err != nil {
		return Contribution{}, fmt.Errorf("cascade.Credit: %w", err)
	}

	out := Contribution{
		Owner:   owner,
		Reserve: reserve,
		Entries: []domain.LedgerEntry{{
			Account:       reserve.Account(),
			Amount:        ev.Amount,
			Currency:      ev.Currency,
			Reason:        domain.ReasonReserveCredit,
			Level:         1,
			CorrelationID: ev.ID,
			Program:       ev.Program,
			Tier:          ev.Tier,
			CreatedAt:     ev.OccurredAt,
		}},
	}

	job, err := c.enqueueIfFunded(ctx, tx, reserve, ev.Tier, ev.CascadeDepth+1, ev.ID, ev.OccurredAt)
	if err != nil {
		return Contribution{}, fmt.Errorf("cascade.Credit: %w", err)
	}
	out.Job = job

	slog.Debug("cascade: reserve credited",
		"owner", owner,
		"program", ev.Program,
		"target_tier", target,
		"amount", ev.Amount,
		"balance", reserve.Balance,
	)
	return out, nil
}

// enqueueIfFunded encola el upgrade from->reserve.Tier cuando la reserva
// cubre su coste. Un trabajo existente con la misma clave no se toca.
func (c *Cascade) enqueueIfFunded(ctx context.Context, tx ports.Tx, reserve domain.ReserveBalance, from, depth int, trigger string, at time.Time) (*domain.CascadeJob, error) {
	table, ok := c.cfg.Tables.Get(reserve.Program)
	if !ok {
		return nil, fmt.Errorf("unknown program %q", reserve.Program)
	}
	cost, ok := table.Cost(reserve.Tier)
	if !ok || reserve.Balance.LessThan(cost) {
		return nil, nil
	}

	job := domain.CascadeJob{
		ParticipantID:  reserve.ParticipantID,
		Program:        reserve.Program,
		FromTier:       from,
		ToTier:         reserve.Tier,
		Depth:          depth,
		TriggerEventID: trigger,
		Status:         domain.CascadePending,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	created, err := tx.EnqueueCascade(ctx, job)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, nil
	}
	slog.Info("cascade: upgrade queued",
		"participant", job.ParticipantID,
		"program", job.Program,
		"from_tier", job.FromTier,
		"to_tier", job.ToTier,
		"depth", job.Depth,
		"trigger", trigger,
	)
	return &job, nil
}

// UpgradeEvent construye el fee event financiado por reserva de job. Su id
// sale de la clave del trabajo.
func (c *Cascade) UpgradeEvent(job domain.CascadeJob, owner domain.Participant, at time.Time) (domain.FeeEvent, error) {
	table, ok := c.cfg.Tables.Get(job.Program)
	if !ok {
		return domain.FeeEvent{}, fmt.Errorf("cascade.UpgradeEvent: unknown program %q", job.Program)
	}
	cost, ok := table.Cost(job.ToTier)
	if !ok {
		return domain.FeeEvent{}, fmt.Errorf("cascade.UpgradeEvent: program %s has no tier %d", job.Program, job.ToTier)
	}
	return domain.FeeEvent{
		ID:             EventID(job),
		Program:        job.Program,
		Tier:           job.ToTier,
		Amount:         cost,
		Currency:       c.cfg.Currency,
		Payer:          job.ParticipantID,
		ReferralParent: owner.ReferralParent,
		Source:         domain.SourceReserve,
		CascadeDepth:   job.Depth,
		OccurredAt:     at,
	}, nil
}

// EventID es el id determinista del fee event de job.
func EventID(job domain.CascadeJob) string {
	return uuid.NewSHA1(eventNamespace, []byte(job.Key())).String()
}

// ErrReserveShort se devuelve cuando un trabajo corre contra una reserva que
// ya no cubre el upgrade.
var ErrReserveShort = errors.New("reserve below upgrade cost")

// Consume descuenta de la reserva el coste de job.ToTier y liquida el
// sobrante según la política de overshoot. La reserva termina en cero.
// Los postings devueltos son de financiación, fuera de la suma distribuida.
func (c *Cascade) Consume(ctx context.Context, tx ports.Tx, job domain.CascadeJob, correlation string, at time.Time) ([]domain.LedgerEntry, *domain.CascadeJob, error) {
	table, ok := c.cfg.Tables.Get(job.Program)
	if !ok {
		return nil, nil, fmt.Errorf("cascade.Consume: unknown program %q", job.Program)
	}
	cost, ok := table.Cost(job.ToTier)
	if !ok {
		return nil, nil, fmt.Errorf("cascade.Consume: program %s has no tier %d", job.Program, job.ToTier)
	}
	reserve, err := tx.GetReserve(ctx, job.ParticipantID, job.Program, job.ToTier)
	if err != nil {
		return nil, nil, fmt.Errorf("cascade.Consume: %w", err)
	}
	if reserve.Balance.LessThan(cost) {
		return nil, nil, fmt.Errorf("cascade.Consume: %s has %s, needs %s: %w",
			reserve.Account(), reserve.Balance, cost, ErrReserveShort)
	}

	if _, err := tx.AdjustReserve(ctx, job.ParticipantID, job.Program, job.ToTier, cost.Neg(), at); err != nil {
		return nil, nil, fmt.Errorf("cascade.Consume: %w", err)
	}
	entries := []domain.LedgerEntry{c.posting(reserve.Account(), cost.Neg(), domain.ReasonReserveDebit, job, correlation, at)}

	remainder := reserve.Balance.Sub(cost)
	if remainder.IsZero() {
		return entries, nil, nil
	}
	more, next, err := c.Settle(ctx, tx, job, remainder, correlation, at)
	if err != nil {
		return nil, nil, fmt.Errorf("cascade.Consume: %w", err)
	}
	return append(entries, more...), next, nil
}

// Settle vacía amount de la reserva de job.ToTier. carry_over lo pasa a la
// reserva del tier siguiente (encolando ese upgrade si queda cubierto);
// release, o un tier inexistente, lo paga al wallet del dueño.
func (c *Cascade) Settle(ctx context.Context, tx ports.Tx, job domain.CascadeJob, amount decimal.Decimal, correlation string, at time.Time) ([]domain.LedgerEntry, *domain.CascadeJob, error) {
	from := domain.ReserveAccount(job.ParticipantID, job.Program, job.ToTier)
	if _, err := tx.AdjustReserve(ctx, job.ParticipantID, job.Program, job.ToTier, amount.Neg(), at); err != nil {
		return nil, nil, err
	}

	table, _ := c.cfg.Tables.Get(job.Program)
	if c.cfg.Overshoot == domain.OvershootCarryOver && table.HasTier(job.ToTier+1) {
		next, err := tx.AdjustReserve(ctx, job.ParticipantID, job.Program, job.ToTier+1, amount, at)
		if err != nil {
			return nil, nil, err
		}
		entries := []domain.LedgerEntry{
			c.posting(from, amount.Neg(), domain.ReasonReserveCarry, job, correlation, at),
			c.posting(next.Account(), amount, domain.ReasonReserveCarry, job, correlation, at),
		}
		slog.Info("cascade: reserve remainder carried over",
			"participant", job.ParticipantID,
			"program", job.Program,
			"to_tier", job.ToTier+1,
			"amount", amount,
			"balance", next.Balance,
		)
		queued, err := c.enqueueIfFunded(ctx, tx, next, job.ToTier, job.Depth+1, correlation, at)
		if err != nil {
			return nil, nil, err
		}
		return entries, queued, nil
	}

	entries := []domain.LedgerEntry{
		c.posting(from, amount.Neg(), domain.ReasonReserveRelease, job, correlation, at),
		c.posting(domain.WalletAccount(job.ParticipantID), amount, domain.ReasonReserveRelease, job, correlation, at),
	}
	slog.Info("cascade: reserve remainder released",
		"participant", job.ParticipantID,
		"program", job.Program,
		"tier", job.ToTier,
		"amount", amount,
	)
	return entries, nil, nil
}

// Flag marca job por superar el límite de profundidad. Nunca se ejecuta.
func (c *Cascade) Flag(job domain.CascadeJob, at time.Time) domain.CascadeJob {
	job.Status = domain.CascadeFlagged
	job.LastError = fmt.Sprintf("depth %d exceeds %d: %v", job.Depth, c.cfg.MaxDepth, domain.ErrCascadeReentrancyLimit)
	job.UpdatedAt = at
	engine.CascadeJobsTotal.WithLabelValues(job.Program.String(), string(job.Status)).Inc()
	slog.Warn("cascade: depth bound exceeded, job flagged for review",
		"participant", job.ParticipantID,
		"program", job.Program,
		"from_tier", job.FromTier,
		"to_tier", job.ToTier,
		"depth", job.Depth,
		"max_depth", c.cfg.MaxDepth,
	)
	return job
}

func (c *Cascade) posting(account string, amount decimal.Decimal, reason domain.Reason, job domain.CascadeJob, correlation string, at time.Time) domain.LedgerEntry {
	return domain.LedgerEntry{
		Account:       account,
		Amount:        amount,
		Currency:      c.cfg.Currency,
		Reason:        reason,
		CorrelationID: correlation,
		Program:       job.Program,
		Tier:          job.ToTier,
		CreatedAt:     at,
	}
}
