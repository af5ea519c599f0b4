package tree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/alejandrodnm/slotmatrix/internal/application/engine"
	"github.com/alejandrodnm/slotmatrix/internal/domain"
	"github.com/alejandrodnm/slotmatrix/internal/ports"
)

const (
	// MaxEscalationDepth acota la subida por la cadena de referidos.
	MaxEscalationDepth = 60

	maxClaimAttempts       = 8
	defaultMaxRecycleChain = 32
)

// Config reúne los ajustes de colocación.
type Config struct {
	Tables          domain.Tables
	RootParticipant string // raíz de respaldo cuando se agota la escalada
	MaxRecycleChain int    // reciclajes por transacción; los siguientes se difieren a recycle_jobs
}

// Placer es el motor de colocación en árboles más el resolver de reciclaje y
// sweepover. No guarda estado: cada decisión lee la tx que recibe.
type Placer struct {
	cfg Config
}

var _ engine.Placer = (*Placer)(nil)

// New crea un Placer.
func New(cfg Config) *Placer {
	if cfg.MaxRecycleChain <= 0 {
		cfg.MaxRecycleChain = defaultMaxRecycleChain
	}
	return &Placer{cfg: cfg}
}

// Place coloca req.ParticipantID en su primer registro (recycle 0) de
// (programa, tier) y, si el programa se completa, liquida cada árbol que
// el nuevo ocupante llena.
func (p *Placer) Place(ctx context.Context, tx ports.Tx, req engine.PlaceRequest) (engine.PlaceResult, error) {
	table, ok := p.cfg.Tables.Get(req.Program)
	if !ok {
		return engine.PlaceResult{}, fmt.Errorf("tree.Place: unknown program %q", req.Program)
	}

	seed, escalation, err := p.resolveSeed(ctx, tx, req.ReferralParent, req.Program, req.Tier, table.Geometry)
	if err != nil {
		return engine.PlaceResult{}, fmt.Errorf("tree.Place: %w", err)
	}

	rec, err := p.claim(ctx, tx, claimRequest{
		key: domain.PlacementKey{
			ParticipantID: req.ParticipantID,
			Program:       req.Program,
			Tier:          req.Tier,
		},
		referralParent: req.ReferralParent,
		seed:           seed,
		escalation:     escalation,
		geometry:       table.Geometry,
		at:             req.At,
	})
	if err != nil {
		return engine.PlaceResult{}, fmt.Errorf("tree.Place: %w", err)
	}

	res := engine.PlaceResult{Record: rec}
	if !table.Geometry.Completes() {
		return res, nil
	}
	res.Recycles, res.Deferred, err = p.settle(ctx, tx, []domain.PlacementRecord{rec}, nil, table.Geometry, req.EventID, req.At)
	if err != nil {
		return engine.PlaceResult{}, fmt.Errorf("tree.Place: %w", err)
	}
	return res, nil
}

type claimRequest struct {
	key            domain.PlacementKey
	referralParent string
	seed           domain.PlacementRecord
	escalation     domain.Escalation
	geometry       domain.Geometry
	at             time.Time
}

// claim ejecuta el scan-and-claim. Un claim perdido es un PlacementConflict y
// el scan se repite sobre el estado más reciente.
func (p *Placer) claim(ctx context.Context, tx ports.Tx, req claimRequest) (domain.PlacementRecord, error) {
	for attempt := 1; attempt <= maxClaimAttempts; attempt++ {
		parent, pos, err := scan(ctx, tx, req.key.Program, req.key.Tier, req.seed, req.geometry)
		if err != nil {
			return domain.PlacementRecord{}, err
		}

		rec := domain.PlacementRecord{
			Key:               req.key,
			ReferralParent:    req.referralParent,
			TreeParent:        parent.Key.ParticipantID,
			TreeParentRecycle: parent.Key.RecycleIndex,
			Position:          pos,
			Depth:             parent.Depth + 1,
			Escalation:        req.escalation,
			ScanSeed:          req.seed.Key.ParticipantID,
			CreatedAt:         req.at,
		}
		if rec.TreeParent != req.referralParent {
			rec.IsSpillover = true
			rec.SpilloverOrigin = req.referralParent
		}

		err = tx.ClaimPosition(ctx, rec)
		if errors.Is(err, domain.ErrPlacementConflict) {
			engine.PlacementConflictsTotal.WithLabelValues(req.key.Program.String()).Inc()
			slog.Debug("tree: position taken, rescanning",
				"participant", req.key.ParticipantID,
				"tree_parent", rec.TreeParent,
				"position", pos,
				"attempt", attempt,
			)
			continue
		}
		if err != nil {
			return domain.PlacementRecord{}, err
		}

		engine.PlacementsTotal.WithLabelValues(
			req.key.Program.String(), string(req.escalation), strconv.FormatBool(rec.IsSpillover),
		).Inc()
		if rec.IsSpillover {
			slog.Debug("tree: spillover placement",
				"participant", rec.Key.ParticipantID,
				"program", rec.Key.Program,
				"tier", rec.Key.Tier,
				"referral_parent", rec.ReferralParent,
				"tree_parent", rec.TreeParent,
				"depth", rec.Depth,
			)
		}
		return rec, nil
	}
	return domain.PlacementRecord{}, fmt.Errorf("claim %s: %w after %d attempts",
		req.key, domain.ErrPlacementConflict, maxClaimAttempts)
}

// scan es la búsqueda en anchura de la primera posición libre bajo seed.
// Las posiciones de cada candidato se revisan en el orden fijo izquierda →
// derecha y los hijos de candidatos llenos se encolan. El nivel frontera
// siempre tiene huecos, así que el scan termina.
func scan(ctx context.Context, tx ports.Tx, program domain.Program, tier int, seed domain.PlacementRecord, g domain.Geometry) (domain.PlacementRecord, int, error) {
	queue := []domain.PlacementRecord{seed}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return domain.PlacementRecord{}, 0, err
		}
		cand := queue[0]
		queue = queue[1:]

		children, err := tx.Children(ctx, program, tier, cand.Node())
		if err != nil {
			return domain.PlacementRecord{}, 0, err
		}
		taken := make(map[int]bool, len(children))
		for _, c := range children {
			taken[c.Position] = true
		}
		for _, pos := range g.Positions() {
			if !taken[pos] {
				return cand, pos, nil
			}
		}
		queue = append(queue, children...)
	}
	return domain.PlacementRecord{}, 0, fmt.Errorf("scan from %s: no open position", seed.Key)
}
