package storage

// placement.go — índice de colocación por (programa, tier).
//
// Lookups:
//   - por (participante, programa, tier)         → CurrentPlacement / ListPlacements
//   - por (tree_parent, programa, tier)          → Children (usa placements_slot)

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/alejandrodnm/slotmatrix/internal/domain"
)

const placementColumns = `
	participant_id, program, tier, recycle_index, referral_parent, tree_parent,
	tree_parent_recycle, position, depth, is_spillover, spillover_origin,
	escalation, scan_seed, occupants, completed, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlacement(row rowScanner) (domain.PlacementRecord, error) {
	var r domain.PlacementRecord
	var program, escalation, createdAt string
	var spill, completed int
	err := row.Scan(
		&r.Key.ParticipantID, &program, &r.Key.Tier, &r.Key.RecycleIndex,
		&r.ReferralParent, &r.TreeParent, &r.TreeParentRecycle, &r.Position, &r.Depth,
		&spill, &r.SpilloverOrigin, &escalation, &r.ScanSeed, &r.Occupants, &completed, &createdAt,
	)
	if err != nil {
		return domain.PlacementRecord{}, err
	}
	r.Key.Program = domain.Program(program)
	r.Escalation = domain.Escalation(escalation)
	r.IsSpillover = spill == 1
	r.Completed = completed == 1
	r.CreatedAt = parseTime(createdAt)
	return r, nil
}

func (t *Tx) queryPlacements(ctx context.Context, where string, args ...any) ([]domain.PlacementRecord, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+placementColumns+` FROM placements `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PlacementRecord
	for rows.Next() {
		r, err := scanPlacement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CurrentPlacement devuelve el registro en curso (recycle index más alto).
func (t *Tx) CurrentPlacement(ctx context.Context, participantID string, program domain.Program, tier int) (domain.PlacementRecord, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+placementColumns+` FROM placements
		WHERE participant_id=? AND program=? AND tier=?
		ORDER BY recycle_index DESC LIMIT 1`,
		participantID, string(program), tier)
	r, err := scanPlacement(row)
	if err != nil {
		return domain.PlacementRecord{}, notFound(err,
			fmt.Sprintf("storage.CurrentPlacement %s %s/%d", participantID, program, tier))
	}
	return r, nil
}

// GetPlacement devuelve exactamente un registro.
func (t *Tx) GetPlacement(ctx context.Context, key domain.PlacementKey) (domain.PlacementRecord, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+placementColumns+` FROM placements
		WHERE participant_id=? AND program=? AND tier=? AND recycle_index=?`,
		key.ParticipantID, string(key.Program), key.Tier, key.RecycleIndex)
	r, err := scanPlacement(row)
	if err != nil {
		return domain.PlacementRecord{}, notFound(err, "storage.GetPlacement "+key.String())
	}
	return r, nil
}

// ListPlacements devuelve cada recycle index de un participante, del más antiguo al más nuevo.
func (t *Tx) ListPlacements(ctx context.Context, participantID string, program domain.Program, tier int) ([]domain.PlacementRecord, error) {
	out, err := t.queryPlacements(ctx,
		`WHERE participant_id=? AND program=? AND tier=? ORDER BY recycle_index`,
		participantID, string(program), tier)
	if err != nil {
		return nil, fmt.Errorf("storage.ListPlacements: %w", err)
	}
	return out, nil
}

// Children devuelve los registros bajo parent por posición.
func (t *Tx) Children(ctx context.Context, program domain.Program, tier int, parent domain.NodeRef) ([]domain.PlacementRecord, error) {
	out, err := t.queryPlacements(ctx,
		`WHERE program=? AND tier=? AND tree_parent=? AND tree_parent_recycle=? ORDER BY position`,
		string(program), tier, parent.ParticipantID, parent.RecycleIndex)
	if err != nil {
		return nil, fmt.Errorf("storage.Children: %w", err)
	}
	return out, nil
}

// ClaimPosition inserta rec. El índice único de slot convierte el insert en
// un compare-and-swap: una posición ocupada devuelve domain.ErrPlacementConflict.
func (t *Tx) ClaimPosition(ctx context.Context, r domain.PlacementRecord) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO placements (`+placementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Key.ParticipantID, string(r.Key.Program), r.Key.Tier, r.Key.RecycleIndex,
		r.ReferralParent, r.TreeParent, r.TreeParentRecycle, r.Position, r.Depth,
		boolToInt(r.IsSpillover), r.SpilloverOrigin, string(r.Escalation), r.ScanSeed,
		r.Occupants, boolToInt(r.Completed), fmtTime(r.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("storage.ClaimPosition %s: %w", r.Key, domain.ErrPlacementConflict)
		}
		return fmt.Errorf("storage.ClaimPosition %s: %w", r.Key, err)
	}
	return nil
}

// AddOccupant incrementa el contador de ocupantes de key.
func (t *Tx) AddOccupant(ctx context.Context, key domain.PlacementKey) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `
		UPDATE placements SET occupants = occupants + 1
		WHERE participant_id=? AND program=? AND tier=? AND recycle_index=?
		RETURNING occupants`,
		key.ParticipantID, string(key.Program), key.Tier, key.RecycleIndex,
	).Scan(&n)
	if err != nil {
		return 0, notFound(err, "storage.AddOccupant "+key.String())
	}
	return n, nil
}

// MarkCompleted marca un registro cuyo árbol ya tiene snapshot.
func (t *Tx) MarkCompleted(ctx context.Context, key domain.PlacementKey) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE placements SET completed = 1
		WHERE participant_id=? AND program=? AND tier=? AND recycle_index=?`,
		key.ParticipantID, string(key.Program), key.Tier, key.RecycleIndex)
	if err != nil {
		return fmt.Errorf("storage.MarkCompleted: %w", err)
	}
	return nil
}

// SaveSnapshot guarda un árbol completado una sola vez. Un segundo guardado falla.
func (t *Tx) SaveSnapshot(ctx context.Context, snap domain.TreeSnapshot) error {
	data, err := json.Marshal(snap.Occupants)
	if err != nil {
		return fmt.Errorf("storage.SaveSnapshot: encode: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO snapshots (participant_id, program, tier, recycle_index, occupants, event_id, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.Key.ParticipantID, string(snap.Key.Program), snap.Key.Tier, snap.Key.RecycleIndex,
		string(data), snap.EventID, fmtTime(snap.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("storage.SaveSnapshot %s: %w", snap.Key, err)
	}
	return nil
}

// GetSnapshot devuelve la disposición congelada de ocupantes de key.
func (t *Tx) GetSnapshot(ctx context.Context, key domain.PlacementKey) (domain.TreeSnapshot, error) {
	var data, eventID, completedAt string
	err := t.tx.QueryRowContext(ctx, `
		SELECT occupants, event_id, completed_at FROM snapshots
		WHERE participant_id=? AND program=? AND tier=? AND recycle_index=?`,
		key.ParticipantID, string(key.Program), key.Tier, key.RecycleIndex,
	).Scan(&data, &eventID, &completedAt)
	if err != nil {
		return domain.TreeSnapshot{}, notFound(err, "storage.GetSnapshot "+key.String())
	}

	snap := domain.TreeSnapshot{Key: key, EventID: eventID, CompletedAt: parseTime(completedAt)}
	if err := json.Unmarshal([]byte(data), &snap.Occupants); err != nil {
		return domain.TreeSnapshot{}, fmt.Errorf("storage.GetSnapshot: decode: %w", err)
	}
	return snap, nil
}

// CountSnapshots devuelve cuántos árboles de (programa, tier) se completaron.
func (t *Tx) CountSnapshots(ctx context.Context, program domain.Program, tier int) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM snapshots WHERE program=? AND tier=?`, string(program), tier).Scan(&n)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("storage.CountSnapshots: %w", err)
	}
	return n, nil
}
