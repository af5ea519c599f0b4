package storage

// sqlite.go — estado persistente del motor de colocación y comisiones.
//
// Estrategia:
//   - Una sola conexión (SQLite es single-writer): cada WithTx es una
//     transacción serializada, así que el scan-and-claim del BFS y la
//     distribución de un evento se confirman juntos o no se confirman.
//   - `placements`: un registro por (participante, programa, tier, recycle).
//     El índice único `placements_slot` es el compare-and-swap del claim:
//     dos joins nunca obtienen la misma posición.
//   - `ledger_entries`: append-only. `balances` guarda el saldo corriente
//     para rellenar resulting_balance.
//   - `cascade_jobs` y `recycle_jobs`: trabajo diferido que el drenado
//     ejecuta en transacciones propias.
//   - Importes como TEXT decimal (shopspring), nunca REAL.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/slotmatrix/internal/domain"
	"github.com/alejandrodnm/slotmatrix/internal/ports"
	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS participants (
    id              TEXT PRIMARY KEY,
    referral_parent TEXT NOT NULL DEFAULT '',
    registered_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS activations (
    participant_id TEXT    NOT NULL,
    program        TEXT    NOT NULL,
    tier           INTEGER NOT NULL,
    event_id       TEXT    NOT NULL DEFAULT '',
    activated_at   TEXT    NOT NULL,
    PRIMARY KEY (participant_id, program, tier)
);

-- Diario de eventos aceptados: un id solo se distribuye una vez
CREATE TABLE IF NOT EXISTS fee_events (
    id              TEXT PRIMARY KEY,
    program         TEXT    NOT NULL,
    tier            INTEGER NOT NULL,
    amount          TEXT    NOT NULL,
    currency        TEXT    NOT NULL,
    payer           TEXT    NOT NULL,
    referral_parent TEXT    NOT NULL DEFAULT '',
    source          TEXT    NOT NULL DEFAULT 'payment',
    cascade_depth   INTEGER NOT NULL DEFAULT 0,
    occurred_at     TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS placements (
    participant_id      TEXT    NOT NULL,
    program             TEXT    NOT NULL,
    tier                INTEGER NOT NULL,
    recycle_index       INTEGER NOT NULL,
    referral_parent     TEXT    NOT NULL DEFAULT '',
    tree_parent         TEXT    NOT NULL DEFAULT '',
    tree_parent_recycle INTEGER NOT NULL DEFAULT 0,
    position            INTEGER NOT NULL,
    depth               INTEGER NOT NULL,
    is_spillover        INTEGER NOT NULL DEFAULT 0,
    spillover_origin    TEXT    NOT NULL DEFAULT '',
    escalation          TEXT    NOT NULL DEFAULT '',
    scan_seed           TEXT    NOT NULL DEFAULT '',
    occupants           INTEGER NOT NULL DEFAULT 0,
    completed           INTEGER NOT NULL DEFAULT 0,
    created_at          TEXT    NOT NULL,
    PRIMARY KEY (participant_id, program, tier, recycle_index)
);

-- Una posición por registro padre; las raíces no ocupan posición
CREATE UNIQUE INDEX IF NOT EXISTS placements_slot
    ON placements(program, tier, tree_parent, tree_parent_recycle, position)
    WHERE tree_parent <> '';

CREATE TABLE IF NOT EXISTS snapshots (
    participant_id TEXT    NOT NULL,
    program        TEXT    NOT NULL,
    tier           INTEGER NOT NULL,
    recycle_index  INTEGER NOT NULL,
    occupants      TEXT    NOT NULL,
    event_id       TEXT    NOT NULL DEFAULT '',
    completed_at   TEXT    NOT NULL,
    PRIMARY KEY (participant_id, program, tier, recycle_index)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    account           TEXT    NOT NULL,
    amount            TEXT    NOT NULL,
    currency          TEXT    NOT NULL,
    reason            TEXT    NOT NULL,
    level             INTEGER NOT NULL DEFAULT 0,
    resulting_balance TEXT    NOT NULL,
    correlation_id    TEXT    NOT NULL,
    program           TEXT    NOT NULL DEFAULT '',
    tier              INTEGER NOT NULL DEFAULT 0,
    created_at        TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS ledger_correlation ON ledger_entries(correlation_id);
CREATE INDEX IF NOT EXISTS ledger_account     ON ledger_entries(account);

CREATE TABLE IF NOT EXISTS balances (
    account  TEXT NOT NULL,
    currency TEXT NOT NULL,
    balance  TEXT NOT NULL,
    PRIMARY KEY (account, currency)
);

CREATE TABLE IF NOT EXISTS reserves (
    participant_id TEXT    NOT NULL,
    program        TEXT    NOT NULL,
    tier           INTEGER NOT NULL,
    balance        TEXT    NOT NULL,
    updated_at     TEXT    NOT NULL,
    PRIMARY KEY (participant_id, program, tier)
);

CREATE TABLE IF NOT EXISTS cascade_jobs (
    participant_id   TEXT    NOT NULL,
    program          TEXT    NOT NULL,
    from_tier        INTEGER NOT NULL,
    to_tier          INTEGER NOT NULL,
    depth            INTEGER NOT NULL DEFAULT 0,
    trigger_event_id TEXT    NOT NULL DEFAULT '',
    status           TEXT    NOT NULL DEFAULT 'PENDING',
    attempts         INTEGER NOT NULL DEFAULT 0,
    last_error       TEXT    NOT NULL DEFAULT '',
    event_id         TEXT    NOT NULL DEFAULT '',
    created_at       TEXT    NOT NULL,
    updated_at       TEXT    NOT NULL,
    PRIMARY KEY (participant_id, program, from_tier, to_tier)
);

CREATE INDEX IF NOT EXISTS cascade_status ON cascade_jobs(status, created_at);

-- Árboles llenos cuyo reciclaje se difirió al superar el límite de la cadena
CREATE TABLE IF NOT EXISTS recycle_jobs (
    participant_id   TEXT    NOT NULL,
    program          TEXT    NOT NULL,
    tier             INTEGER NOT NULL,
    recycle_index    INTEGER NOT NULL,
    trigger_event_id TEXT    NOT NULL DEFAULT '',
    status           TEXT    NOT NULL DEFAULT 'PENDING',
    attempts         INTEGER NOT NULL DEFAULT 0,
    last_error       TEXT    NOT NULL DEFAULT '',
    created_at       TEXT    NOT NULL,
    updated_at       TEXT    NOT NULL,
    PRIMARY KEY (participant_id, program, tier, recycle_index)
);

CREATE INDEX IF NOT EXISTS recycle_status ON recycle_jobs(status, created_at);
`

// SQLiteStorage implementa ports.Store y ports.Directory usando SQLite (pure Go, sin CGo).
type SQLiteStorage struct {
	db *sql.DB
}

var (
	_ ports.Store     = (*SQLiteStorage)(nil)
	_ ports.Directory = (*SQLiteStorage)(nil)
	_ ports.Tx        = (*Tx)(nil)
)

// NewSQLiteStorage abre (o crea) la base de datos en la ruta dada y aplica el schema.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer; también serializa los claims
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// WithTx ejecuta fn en una transacción. Si fn falla, todo se revierte.
func (s *SQLiteStorage) WithTx(ctx context.Context, fn func(tx ports.Tx) error) error {
	return s.run(ctx, false, fn)
}

// View ejecuta fn en una transacción que siempre se revierte.
func (s *SQLiteStorage) View(ctx context.Context, fn func(tx ports.Tx) error) error {
	return s.run(ctx, true, fn)
}

func (s *SQLiteStorage) run(ctx context.Context, readOnly bool, fn func(tx ports.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		return err
	}
	if readOnly {
		return nil
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

// Resolve implementa ports.Directory sobre la tabla participants.
// No debe llamarse dentro de WithTx: la única conexión está ocupada.
func (s *SQLiteStorage) Resolve(ctx context.Context, participantID string) (domain.Participant, error) {
	var p domain.Participant
	err := s.View(ctx, func(tx ports.Tx) error {
		var err error
		p, err = tx.GetParticipant(ctx, participantID)
		return err
	})
	return p, err
}

// Close cierra la conexión a la base de datos.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Tx es la vista transaccional; implementa ports.Tx.
type Tx struct {
	tx *sql.Tx
}

// --- helpers internos ---

const timeLayout = time.RFC3339Nano

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return d, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation detecta el fallo del compare-and-swap de una posición.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}
