package storage

import (
	"context"
	"fmt"

	"github.com/alejandrodnm/slotmatrix/internal/domain"
)

const cascadeColumns = `
	participant_id, program, from_tier, to_tier, depth, trigger_event_id,
	status, attempts, last_error, event_id, created_at, updated_at`

func scanCascade(row rowScanner) (domain.CascadeJob, error) {
	var j domain.CascadeJob
	var program, status, createdAt, updatedAt string
	err := row.Scan(&j.ParticipantID, &program, &j.FromTier, &j.ToTier, &j.Depth, &j.TriggerEventID,
		&status, &j.Attempts, &j.LastError, &j.EventID, &createdAt, &updatedAt)
	if err != nil {
		return domain.CascadeJob{}, err
	}
	j.Program = domain.Program(program)
	j.Status = domain.CascadeStatus(status)
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return j, nil
}

// EnqueueCascade inserta un trabajo una sola vez por (participante, programa, from, to).
func (t *Tx) EnqueueCascade(ctx context.Context, j domain.CascadeJob) (bool, error) {
	if j.Status == "" {
		j.Status = domain.CascadePending
	}
	res, err := t.tx.ExecContext(ctx, `INSERT OR IGNORE INTO cascade_jobs (`+cascadeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ParticipantID, string(j.Program), j.FromTier, j.ToTier, j.Depth, j.TriggerEventID,
		string(j.Status), j.Attempts, j.LastError, j.EventID, fmtTime(j.CreatedAt), fmtTime(j.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("storage.EnqueueCascade %s: %w", j.Key(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage.EnqueueCascade: rows: %w", err)
	}
	return n == 1, nil
}

// GetCascade carga un trabajo por su clave.
func (t *Tx) GetCascade(ctx context.Context, participantID string, program domain.Program, fromTier, toTier int) (domain.CascadeJob, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+cascadeColumns+` FROM cascade_jobs
		WHERE participant_id=? AND program=? AND from_tier=? AND to_tier=?`,
		participantID, string(program), fromTier, toTier)
	j, err := scanCascade(row)
	if err != nil {
		return domain.CascadeJob{}, notFound(err,
			fmt.Sprintf("storage.GetCascade %s|%s|%d|%d", participantID, program, fromTier, toTier))
	}
	return j, nil
}

// UpdateCascade persiste los campos mutables de un trabajo.
func (t *Tx) UpdateCascade(ctx context.Context, j domain.CascadeJob) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE cascade_jobs SET status=?, attempts=?, last_error=?, event_id=?, updated_at=?
		WHERE participant_id=? AND program=? AND from_tier=? AND to_tier=?`,
		string(j.Status), j.Attempts, j.LastError, j.EventID, fmtTime(j.UpdatedAt),
		j.ParticipantID, string(j.Program), j.FromTier, j.ToTier)
	if err != nil {
		return fmt.Errorf("storage.UpdateCascade %s: %w", j.Key(), err)
	}
	return nil
}

// ListCascades devuelve los trabajos en status, más antiguos primero. limit <= 0 = todos.
func (t *Tx) ListCascades(ctx context.Context, status domain.CascadeStatus, limit int) ([]domain.CascadeJob, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := t.tx.QueryContext(ctx, `SELECT `+cascadeColumns+` FROM cascade_jobs
		WHERE status=? ORDER BY created_at, depth, rowid LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("storage.ListCascades: %w", err)
	}
	defer rows.Close()

	var out []domain.CascadeJob
	for rows.Next() {
		j, err := scanCascade(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ListCascades: scan: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

const recycleColumns = `
	participant_id, program, tier, recycle_index, trigger_event_id,
	status, attempts, last_error, created_at, updated_at`

func scanRecycle(row rowScanner) (domain.RecycleJob, error) {
	var j domain.RecycleJob
	var program, status, createdAt, updatedAt string
	err := row.Scan(&j.Key.ParticipantID, &program, &j.Key.Tier, &j.Key.RecycleIndex, &j.TriggerEventID,
		&status, &j.Attempts, &j.LastError, &createdAt, &updatedAt)
	if err != nil {
		return domain.RecycleJob{}, err
	}
	j.Key.Program = domain.Program(program)
	j.Status = domain.CascadeStatus(status)
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return j, nil
}

// EnqueueRecycle inserta un reciclaje diferido una sola vez por registro.
func (t *Tx) EnqueueRecycle(ctx context.Context, j domain.RecycleJob) (bool, error) {
	if j.Status == "" {
		j.Status = domain.CascadePending
	}
	res, err := t.tx.ExecContext(ctx, `INSERT OR IGNORE INTO recycle_jobs (`+recycleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.Key.ParticipantID, string(j.Key.Program), j.Key.Tier, j.Key.RecycleIndex, j.TriggerEventID,
		string(j.Status), j.Attempts, j.LastError, fmtTime(j.CreatedAt), fmtTime(j.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("storage.EnqueueRecycle %s: %w", j.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage.EnqueueRecycle: rows: %w", err)
	}
	return n == 1, nil
}

// GetRecycle carga el reciclaje diferido de un registro.
func (t *Tx) GetRecycle(ctx context.Context, key domain.PlacementKey) (domain.RecycleJob, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+recycleColumns+` FROM recycle_jobs
		WHERE participant_id=? AND program=? AND tier=? AND recycle_index=?`,
		key.ParticipantID, string(key.Program), key.Tier, key.RecycleIndex)
	j, err := scanRecycle(row)
	if err != nil {
		return domain.RecycleJob{}, notFound(err, "storage.GetRecycle "+key.String())
	}
	return j, nil
}

// UpdateRecycle persiste los campos mutables.
func (t *Tx) UpdateRecycle(ctx context.Context, j domain.RecycleJob) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE recycle_jobs SET status=?, attempts=?, last_error=?, updated_at=?
		WHERE participant_id=? AND program=? AND tier=? AND recycle_index=?`,
		string(j.Status), j.Attempts, j.LastError, fmtTime(j.UpdatedAt),
		j.Key.ParticipantID, string(j.Key.Program), j.Key.Tier, j.Key.RecycleIndex)
	if err != nil {
		return fmt.Errorf("storage.UpdateRecycle %s: %w", j.Key, err)
	}
	return nil
}

// ListRecycles devuelve los reciclajes en status, más antiguos primero. limit <= 0 = todos.
func (t *Tx) ListRecycles(ctx context.Context, status domain.CascadeStatus, limit int) ([]domain.RecycleJob, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := t.tx.QueryContext(ctx, `SELECT `+recycleColumns+` FROM recycle_jobs
		WHERE status=? ORDER BY created_at, rowid LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("storage.ListRecycles: %w", err)
	}
	defer rows.Close()

	var out []domain.RecycleJob
	for rows.Next() {
		j, err := scanRecycle(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ListRecycles: scan: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
