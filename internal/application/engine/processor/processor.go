// Package processor orquesta los fee events: colocación, distribución de
// comisiones, aportes a reservas y la cascada de upgrades en segundo plano.
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
	"github.com/jonboulle/clockwork"
)

const (
	defaultWorkers      = 4
	defaultCascadeBatch = 64
	defaultMaxAttempts  = 5
)

// Config reúne los ajustes de orquestación.
type Config struct {
	Tables          domain.Tables
	RootParticipant string
	Currency        string
	Workers         int     // workers concurrentes de fee events y cascadas
	IntakeRate      float64 // fee events por segundo, 0 = sin límite
	CascadeBatch    int     // trabajos leídos por ronda de drenado
	MaxAttempts     int     // reintentos de un trabajo antes de marcarlo FLAGGED
}

// Processor es la interfaz de envío de fee events y de consultas del
// motor.
type Processor struct {
	store       ports.Store
	directory   ports.Directory
	sink        ports.LedgerSink
	placer      engine.Placer
	distributor engine.Distributor
	cascade     *cascade.Cascade
	clock       clockwork.Clock
	cfg         Config
}

// New crea un Processor. sink puede ser nil.
func New(
	store ports.Store,
	directory ports.Directory,
	sink ports.LedgerSink,
	placer engine.Placer,
	distributor engine.Distributor,
	casc *cascade.Cascade,
	clock clockwork.Clock,
	cfg Config,
) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.CascadeBatch <= 0 {
		cfg.CascadeBatch = defaultCascadeBatch
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Processor{
		store:       store,
		directory:   directory,
		sink:        sink,
		placer:      placer,
		distributor: distributor,
		cascade:     casc,
		clock:       clock,
		cfg:         cfg,
	}
}

// Result es lo que produjo un fee event.
type Result struct {
	Event     domain.FeeEvent
	Placement domain.PlacementRecord
	Recycles  []domain.RecycleOutcome
	Deferred  []domain.PlacementKey // árboles llenos cuyo reciclaje quedó en cola
	Entries   []domain.LedgerEntry
	Cascades  []domain.CascadeJob // upgrades encolados por este evento
	Reserve   *domain.ReserveBalance
}

// Bootstrap siembra el participante raíz: todos los tiers de todos los
// programas activos y un registro sin padre por (programa, tier). Se puede
// llamar en cada arranque.
func (p *Processor) Bootstrap(ctx context.Context) error {
	root := p.cfg.RootParticipant
	if root == "" {
		return errors.New("processor.Bootstrap: root participant not configured")
	}
	now := p.now()

	return p.store.WithTx(ctx, func(tx ports.Tx) error {
		if err := tx.SaveParticipant(ctx, domain.Participant{ID: root, RegisteredAt: now}); err != nil {
			return fmt.Errorf("processor.Bootstrap: %w", err)
		}
		for _, program := range domain.Programs {
			table, ok := p.cfg.Tables.Get(program)
			if !ok {
				continue
			}
			for tier := 1; tier <= table.Tiers(); tier++ {
				active, err := tx.IsActive(ctx, root, program, tier)
				if err != nil {
					return fmt.Errorf("processor.Bootstrap: %w", err)
				}
				if !active {
					if err := tx.Activate(ctx, domain.Activation{
						ParticipantID: root, Program: program, Tier: tier, ActivatedAt: now,
					}); err != nil {
						return fmt.Errorf("processor.Bootstrap: %w", err)
					}
				}

				_, err = tx.CurrentPlacement(ctx, root, program, tier)
				if err == nil {
					continue
				}
				if !errors.Is(err, domain.ErrNotFound) {
					return fmt.Errorf("processor.Bootstrap: %w", err)
				}
				if err := tx.ClaimPosition(ctx, domain.PlacementRecord{
					Key:       domain.PlacementKey{ParticipantID: root, Program: program, Tier: tier},
					Position:  domain.RootPosition,
					CreatedAt: now,
				}); err != nil {
					return fmt.Errorf("processor.Bootstrap: seed %s %s/%d: %w", root, program, tier, err)
				}
			}
		}
		slog.Info("processor: root seeded", "root", root)
		return nil
	})
}

// Register crea un participante bajo referralParent. El referidor queda
// fijo para siempre: registrarse de nuevo con otro falla con
// domain.ErrReferralParentImmutable.
func (p *Processor) Register(ctx context.Context, id, referralParent string) (domain.Participant, error) {
	if id == "" {
		return domain.Participant{}, errors.New("processor.Register: empty participant id")
	}
	if referralParent == "" && id != p.cfg.RootParticipant {
		return domain.Participant{}, fmt.Errorf("processor.Register: %s: referral parent required", id)
	}
	if referralParent == id {
		return domain.Participant{}, fmt.Errorf("processor.Register: %s cannot refer itself", id)
	}

	var out domain.Participant
	err := p.store.WithTx(ctx, func(tx ports.Tx) error {
		if referralParent != "" {
			if _, err := tx.GetParticipant(ctx, referralParent); err != nil {
				return fmt.Errorf("referral parent %s: %w", referralParent, err)
			}
		}
		if err := tx.SaveParticipant(ctx, domain.Participant{
			ID:             id,
			ReferralParent: referralParent,
			RegisteredAt:   p.now(),
		}); err != nil {
			return err
		}
		var err error
		out, err = tx.GetParticipant(ctx, id)
		return err
	})
	if err != nil {
		return domain.Participant{}, fmt.Errorf("processor.Register: %w", err)
	}
	return out, nil
}

// Submit acepta un fee event verificado por pagos y lo procesa en una
// transacción: o se confirman todos los postings o ninguno. Los upgrades
// que dispara se encolan, no se ejecutan.
func (p *Processor) Submit(ctx context.Context, ev domain.FeeEvent) (Result, error) {
	start := p.clock.Now()
	if ev.Source == "" {
		ev.Source = domain.SourcePayment
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = p.now()
	}

	res, err := p.submit(ctx, ev)
	outcome := "ok"
	switch {
	case errors.Is(err, domain.ErrDuplicateFeeEvent):
		outcome = "duplicate"
	case errors.Is(err, domain.ErrInvalidFeeEvent):
		outcome = "invalid"
	case err != nil:
		outcome = "error"
	}
	engine.FeeEventsTotal.WithLabelValues(ev.Program.String(), string(ev.Source), outcome).Inc()
	engine.FeeEventDuration.WithLabelValues(ev.Program.String()).Observe(p.clock.Since(start).Seconds())
	if err != nil {
		slog.Warn("processor: fee event rejected",
			"event", ev.ID,
			"payer", ev.Payer,
			"program", ev.Program,
			"tier", ev.Tier,
			"err", err,
		)
		return Result{}, err
	}

	p.publish(ctx, res.Entries)
	slog.Info("processor: fee event applied",
		"event", ev.ID,
		"payer", ev.Payer,
		"program", ev.Program,
		"tier", ev.Tier,
		"amount", ev.Amount,
		"tree_parent", res.Placement.TreeParent,
		"spillover", res.Placement.IsSpillover,
		"entries", len(res.Entries),
		"recycles", len(res.Recycles),
		"cascades", len(res.Cascades),
	)
	return res, nil
}

func (p *Processor) submit(ctx context.Context, ev domain.FeeEvent) (Result, error) {
	if err := ev.Validate(); err != nil {
		return Result{}, fmt.Errorf("processor.Submit: %w", err)
	}
	if ev.Source != domain.SourcePayment {
		return Result{}, fmt.Errorf("processor.Submit: %w: source %q is internal", domain.ErrInvalidFeeEvent, ev.Source)
	}

	payer, err := p.directory.Resolve(ctx, ev.Payer)
	if errors.Is(err, domain.ErrNotFound) {
		return Result{}, fmt.Errorf("processor.Submit: %w: payer %s not registered", domain.ErrInvalidFeeEvent, ev.Payer)
	}
	if err != nil {
		return Result{}, fmt.Errorf("processor.Submit: resolve payer: %w", err)
	}
	if ev.ReferralParent == "" {
		ev.ReferralParent = payer.ReferralParent
	}
	if ev.ReferralParent != payer.ReferralParent {
		return Result{}, fmt.Errorf("processor.Submit: %w: referral parent %q, registered %q",
			domain.ErrInvalidFeeEvent, ev.ReferralParent, payer.ReferralParent)
	}

	var res Result
	err = p.store.WithTx(ctx, func(tx ports.Tx) error {
		var err error
		res, err = p.apply(ctx, tx, ev)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("processor.Submit: %w", err)
	}
	return res, nil
}

// apply es la unidad de trabajo de un fee event dentro de tx: registro,
// comprobaciones de activación, colocación y un aporte a reserva o una distribución.
func (p *Processor) apply(ctx context.Context, tx ports.Tx, ev domain.FeeEvent) (Result, error) {
	res := Result{Event: ev}

	if err := tx.RecordFeeEvent(ctx, ev); err != nil {
		return res, err
	}
	if err := p.checkActivation(ctx, tx, ev); err != nil {
		return res, err
	}
	if err := tx.Activate(ctx, domain.Activation{
		ParticipantID: ev.Payer,
		Program:       ev.Program,
		Tier:          ev.Tier,
		EventID:       ev.ID,
		ActivatedAt:   ev.OccurredAt,
	}); err != nil {
		return res, err
	}

	placed, err := p.placer.Place(ctx, tx, engine.PlaceRequest{
		ParticipantID:  ev.Payer,
		ReferralParent: ev.ReferralParent,
		Program:        ev.Program,
		Tier:           ev.Tier,
		EventID:        ev.ID,
		At:             ev.OccurredAt,
	})
	if err != nil {
		return res, err
	}
	res.Placement = placed.Record
	res.Recycles = placed.Recycles
	res.Deferred = placed.Deferred

	var entries []domain.LedgerEntry
	owner, contributes, err := p.cascade.Beneficiary(ctx, tx, placed.Record)
	if err != nil {
		return res, err
	}
	if contributes {
		c, err := p.cascade.Credit(ctx, tx, ev, owner)
		if err != nil {
			return res, err
		}
		entries = c.Entries
		res.Reserve = &c.Reserve
		if c.Job != nil {
			res.Cascades = append(res.Cascades, *c.Job)
		}
	} else {
		entries, err = p.distributor.Distribute(ctx, tx, ev, placed.Record)
		if err != nil {
			return res, err
		}
	}

	if !domain.DistributionTotal(entries).Equal(ev.Amount) {
		return res, fmt.Errorf("event %s: %w", ev.ID, domain.ErrDistributionImbalance)
	}
	stored, err := tx.AppendEntries(ctx, entries)
	if err != nil {
		return res, err
	}
	res.Entries = stored
	return res, nil
}

// checkActivation rechaza eventos que no cuadran con las tablas de tiers o
// con el estado del participante. Si falla, no se ha escrito nada.
func (p *Processor) checkActivation(ctx context.Context, tx ports.Tx, ev domain.FeeEvent) error {
	table, ok := p.cfg.Tables.Get(ev.Program)
	if !ok {
		return fmt.Errorf("%w: unknown program %q", domain.ErrInvalidFeeEvent, ev.Program)
	}
	cost, ok := table.Cost(ev.Tier)
	if !ok {
		return fmt.Errorf("%w: program %s has no tier %d", domain.ErrInvalidFeeEvent, ev.Program, ev.Tier)
	}
	if !ev.Amount.Equal(cost) {
		return fmt.Errorf("%w: amount %s, tier %d costs %s", domain.ErrInvalidFeeEvent, ev.Amount, ev.Tier, cost)
	}
	if p.cfg.Currency != "" && ev.Currency != p.cfg.Currency {
		return fmt.Errorf("%w: currency %s, expected %s", domain.ErrInvalidFeeEvent, ev.Currency, p.cfg.Currency)
	}

	active, err := tx.IsActive(ctx, ev.Payer, ev.Program, ev.Tier)
	if err != nil {
		return err
	}
	if active {
		return fmt.Errorf("%w: %s already holds %s tier %d", domain.ErrInvalidFeeEvent, ev.Payer, ev.Program, ev.Tier)
	}
	if ev.Tier > 1 {
		prev, err := tx.IsActive(ctx, ev.Payer, ev.Program, ev.Tier-1)
		if err != nil {
			return err
		}
		if !prev {
			return fmt.Errorf("%w: %s must hold %s tier %d first", domain.ErrInvalidFeeEvent, ev.Payer, ev.Program, ev.Tier-1)
		}
	}
	return nil
}

func (p *Processor) publish(ctx context.Context, entries []domain.LedgerEntry) {
	for _, e := range entries {
		engine.LedgerEntriesTotal.WithLabelValues(string(e.Reason)).Inc()
	}
	if p.sink == nil || len(entries) == 0 {
		return
	}
	if err := p.sink.Publish(ctx, entries); err != nil {
		slog.Warn("processor: ledger sink publish failed",
			"correlation", entries[0].CorrelationID,
			"entries", len(entries),
			"err", err,
		)
	}
}

func (p *Processor) now() time.Time { return p.clock.Now().UTC() }
