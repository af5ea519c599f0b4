package tree

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/slotmatrix/internal/application/engine"
	"github.com/alejandrodnm/slotmatrix/internal/domain"
	"github.com/alejandrodnm/slotmatrix/internal/ports"
)

// settle cuenta cada registro de pending como ocupante de sus ancestros
// dentro de la profundidad de completado y recicla los árboles que se llenan
// (full trae los ya llenos). Las re-entradas también son ocupantes, así que
// la cola se drena hasta vaciarse. Tras MaxRecycleChain reciclajes los
// árboles que se llenan se encolan en recycle_jobs: la colocación se confirma
// igual y el drenado termina el trabajo en otra transacción.
func (p *Placer) settle(ctx context.Context, tx ports.Tx, pending, full []domain.PlacementRecord, g domain.Geometry, eventID string, at time.Time) ([]domain.RecycleOutcome, []domain.PlacementKey, error) {
	var (
		outcomes []domain.RecycleOutcome
		deferred []domain.PlacementKey
	)
	for len(pending) > 0 || len(full) > 0 {
		if len(full) == 0 {
			rec := pending[0]
			pending = pending[1:]
			completed, err := p.countOccupant(ctx, tx, rec, g)
			if err != nil {
				return nil, nil, err
			}
			full = append(full, completed...)
			continue
		}

		anc := full[0]
		full = full[1:]
		if len(outcomes) >= p.cfg.MaxRecycleChain {
			if err := p.deferRecycle(ctx, tx, anc, eventID, at); err != nil {
				return nil, nil, err
			}
			deferred = append(deferred, anc.Key)
			continue
		}
		outcome, err := p.recycle(ctx, tx, anc, g, eventID, at)
		if err != nil {
			return nil, nil, err
		}
		outcomes = append(outcomes, outcome)
		pending = append(pending, outcome.Reentry)
	}
	return outcomes, deferred, nil
}

func (p *Placer) deferRecycle(ctx context.Context, tx ports.Tx, anc domain.PlacementRecord, eventID string, at time.Time) error {
	created, err := tx.EnqueueRecycle(ctx, domain.RecycleJob{
		Key:            anc.Key,
		TriggerEventID: eventID,
		Status:         domain.CascadePending,
		CreatedAt:      at,
		UpdatedAt:      at,
	})
	if err != nil {
		return fmt.Errorf("defer recycle %s: %w", anc.Key, err)
	}
	if created {
		engine.RecycleJobsTotal.WithLabelValues(anc.Key.Program.String(), "queued").Inc()
		slog.Warn("tree: recycle chain limit reached, completion deferred",
			"record", anc.Key.String(),
			"event", eventID,
			"limit", p.cfg.MaxRecycleChain,
		)
	}
	return nil
}

// Complete recicla el registro de un RecycleJob y liquida la cadena que
// dispare, con un presupuesto nuevo de MaxRecycleChain. Un registro ya
// completado no hace nada.
func (p *Placer) Complete(ctx context.Context, tx ports.Tx, job domain.RecycleJob, at time.Time) (engine.PlaceResult, error) {
	table, ok := p.cfg.Tables.Get(job.Key.Program)
	if !ok {
		return engine.PlaceResult{}, fmt.Errorf("tree.Complete: unknown program %q", job.Key.Program)
	}
	g := table.Geometry

	rec, err := tx.GetPlacement(ctx, job.Key)
	if err != nil {
		return engine.PlaceResult{}, fmt.Errorf("tree.Complete: %w", err)
	}
	res := engine.PlaceResult{Record: rec}
	if rec.Completed {
		return res, nil
	}
	if !g.Completes() || rec.Occupants < g.Capacity() {
		return engine.PlaceResult{}, fmt.Errorf("tree.Complete %s: %d of %d occupants", rec.Key, rec.Occupants, g.Capacity())
	}

	res.Recycles, res.Deferred, err = p.settle(ctx, tx, nil, []domain.PlacementRecord{rec}, g, job.TriggerEventID, at)
	if err != nil {
		return engine.PlaceResult{}, fmt.Errorf("tree.Complete: %w", err)
	}
	return res, nil
}

// countOccupant sube hasta CompletionDepth ancestros de rec incrementando su
// contador de ocupantes. Devuelve los que acaban de llenarse.
func (p *Placer) countOccupant(ctx context.Context, tx ports.Tx, rec domain.PlacementRecord, g domain.Geometry) ([]domain.PlacementRecord, error) {
	capacity := g.Capacity()
	var full []domain.PlacementRecord

	cur := rec
	for d := 1; d <= g.CompletionDepth; d++ {
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
			return nil, fmt.Errorf("ancestor of %s: %w", cur.Key, err)
		}
		n, err := tx.AddOccupant(ctx, parent.Key)
		if err != nil {
			return nil, err
		}
		parent.Occupants = n
		if n == capacity && !parent.Completed {
			full = append(full, parent)
		}
		cur = parent
	}
	return full, nil
}

// recycle congela el árbol de anc y re-entra a su dueño con recycle_index+1.
func (p *Placer) recycle(ctx context.Context, tx ports.Tx, anc domain.PlacementRecord, g domain.Geometry, eventID string, at time.Time) (domain.RecycleOutcome, error) {
	occupants, err := Subtree(ctx, tx, anc, g.CompletionDepth)
	if err != nil {
		return domain.RecycleOutcome{}, fmt.Errorf("recycle %s: %w", anc.Key, err)
	}
	snap := domain.TreeSnapshot{
		Key:         anc.Key,
		Occupants:   occupants,
		CompletedAt: at,
		EventID:     eventID,
	}
	if err := tx.SaveSnapshot(ctx, snap); err != nil {
		return domain.RecycleOutcome{}, err
	}
	if err := tx.MarkCompleted(ctx, anc.Key); err != nil {
		return domain.RecycleOutcome{}, err
	}

	owner, err := tx.GetParticipant(ctx, anc.Key.ParticipantID)
	if err != nil {
		return domain.RecycleOutcome{}, fmt.Errorf("recycle %s: %w", anc.Key, err)
	}
	current, err := tx.CurrentPlacement(ctx, owner.ID, anc.Key.Program, anc.Key.Tier)
	if err != nil {
		return domain.RecycleOutcome{}, fmt.Errorf("recycle %s: %w", anc.Key, err)
	}
	key := anc.Key
	key.RecycleIndex = current.Key.RecycleIndex + 1

	var reentry domain.PlacementRecord
	if owner.ID == p.cfg.RootParticipant || owner.IsRoot() {
		reentry = domain.PlacementRecord{
			Key:       key,
			Position:  domain.RootPosition,
			CreatedAt: at,
		}
		if err := tx.ClaimPosition(ctx, reentry); err != nil {
			return domain.RecycleOutcome{}, fmt.Errorf("recycle %s: %w", anc.Key, err)
		}
	} else {
		seed, escalation, err := p.resolveSeed(ctx, tx, owner.ReferralParent, key.Program, key.Tier, g)
		if err != nil {
			return domain.RecycleOutcome{}, fmt.Errorf("recycle %s: %w", anc.Key, err)
		}
		reentry, err = p.claim(ctx, tx, claimRequest{
			key:            key,
			referralParent: owner.ReferralParent,
			seed:           seed,
			escalation:     escalation,
			geometry:       g,
			at:             at,
		})
		if err != nil {
			return domain.RecycleOutcome{}, fmt.Errorf("recycle %s: %w", anc.Key, err)
		}
	}

	engine.RecyclesTotal.WithLabelValues(key.Program.String()).Inc()
	slog.Info("tree: tree completed, owner re-entered",
		"participant", owner.ID,
		"program", key.Program,
		"tier", key.Tier,
		"recycle_index", key.RecycleIndex,
		"occupants", len(occupants),
		"tree_parent", reentry.TreeParent,
	)
	return domain.RecycleOutcome{Snapshot: snap, Reentry: reentry}, nil
}

// Subtree lista los registros bajo root hasta depth niveles, por niveles y de
// izquierda a derecha. La profundidad de cada ocupante es relativa a root.
func Subtree(ctx context.Context, tx ports.Tx, root domain.PlacementRecord, depth int) ([]domain.SnapshotOccupant, error) {
	type item struct {
		rec domain.PlacementRecord
		rel int
	}
	var out []domain.SnapshotOccupant
	queue := []item{{rec: root}}
	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		if it.rel == depth {
			continue
		}
		children, err := tx.Children(ctx, root.Key.Program, root.Key.Tier, it.rec.Node())
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			out = append(out, domain.SnapshotOccupant{
				ParticipantID: c.Key.ParticipantID,
				RecycleIndex:  c.Key.RecycleIndex,
				Depth:         it.rel + 1,
				Position:      c.Position,
				ParentID:      it.rec.Key.ParticipantID,
				ParentRecycle: it.rec.Key.RecycleIndex,
			})
			queue = append(queue, item{rec: c, rel: it.rel + 1})
		}
	}
	return out, nil
}
