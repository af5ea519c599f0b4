package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/slotmatrix/internal/domain"
	"github.com/shopspring/decimal"
)

// Store es el estado persistido del motor. Cada decisión de colocación y cada
// distribución corre dentro de WithTx; los reportes leen con View.
type Store interface {
	// WithTx ejecuta fn en una transacción de escritura serializada. Si fn
	// devuelve error se revierte todo lo escrito a través de tx.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// View ejecuta fn en una transacción de solo lectura.
	View(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}

// Tx es la vista transaccional del store.
type Tx interface {
	ParticipantStore
	PlacementIndex
	LedgerStore
	ReserveStore
	CascadeQueue
	RecycleQueue
}

// ParticipantStore guarda identidades y activaciones de tier.
type ParticipantStore interface {
	GetParticipant(ctx context.Context, id string) (domain.Participant, error)
	SaveParticipant(ctx context.Context, p domain.Participant) error
	IsActive(ctx context.Context, participantID string, program domain.Program, tier int) (bool, error)
	Activate(ctx context.Context, a domain.Activation) error

	// RecordFeeEvent registra el id de un evento; devuelve
	// domain.ErrDuplicateFeeEvent si ya estaba registrado.
	RecordFeeEvent(ctx context.Context, ev domain.FeeEvent) error
}

// PlacementIndex es el almacenamiento de árboles por (programa, tier).
type PlacementIndex interface {
	// CurrentPlacement devuelve el registro con el recycle index más alto.
	CurrentPlacement(ctx context.Context, participantID string, program domain.Program, tier int) (domain.PlacementRecord, error)
	GetPlacement(ctx context.Context, key domain.PlacementKey) (domain.PlacementRecord, error)
	ListPlacements(ctx context.Context, participantID string, program domain.Program, tier int) ([]domain.PlacementRecord, error)

	// Children devuelve los registros colgados de parent, por posición.
	Children(ctx context.Context, program domain.Program, tier int, parent domain.NodeRef) ([]domain.PlacementRecord, error)

	// ClaimPosition inserta rec si su (tree parent, posición) sigue libre.
	// Una posición ocupada devuelve domain.ErrPlacementConflict.
	ClaimPosition(ctx context.Context, rec domain.PlacementRecord) error

	// AddOccupant incrementa el contador de ocupantes de key y devuelve el valor nuevo.
	AddOccupant(ctx context.Context, key domain.PlacementKey) (int, error)
	MarkCompleted(ctx context.Context, key domain.PlacementKey) error

	SaveSnapshot(ctx context.Context, snap domain.TreeSnapshot) error
	GetSnapshot(ctx context.Context, key domain.PlacementKey) (domain.TreeSnapshot, error)
	CountSnapshots(ctx context.Context, program domain.Program, tier int) (int, error)
}

// LedgerStore es el log append-only de postings.
type LedgerStore interface {
	// AppendEntries guarda entries rellenando ID y ResultingBalance.
	AppendEntries(ctx context.Context, entries []domain.LedgerEntry) ([]domain.LedgerEntry, error)
	EntriesByCorrelation(ctx context.Context, correlationID string) ([]domain.LedgerEntry, error)
	EntriesByAccount(ctx context.Context, account string) ([]domain.LedgerEntry, error)
	Balance(ctx context.Context, account, currency string) (decimal.Decimal, error)
}

// ReserveStore guarda las reservas de upgrade.
type ReserveStore interface {
	GetReserve(ctx context.Context, participantID string, program domain.Program, tier int) (domain.ReserveBalance, error)
	AdjustReserve(ctx context.Context, participantID string, program domain.Program, tier int, delta decimal.Decimal, at time.Time) (domain.ReserveBalance, error)
}

// CascadeQueue persiste los trabajos de auto-upgrade.
type CascadeQueue interface {
	// EnqueueCascade inserta job salvo que su clave exista; indica si es nuevo.
	EnqueueCascade(ctx context.Context, job domain.CascadeJob) (bool, error)
	GetCascade(ctx context.Context, participantID string, program domain.Program, fromTier, toTier int) (domain.CascadeJob, error)
	UpdateCascade(ctx context.Context, job domain.CascadeJob) error
	ListCascades(ctx context.Context, status domain.CascadeStatus, limit int) ([]domain.CascadeJob, error)
}

// RecycleQueue persiste los reciclajes diferidos.
type RecycleQueue interface {
	// EnqueueRecycle inserta job salvo que el registro ya tenga uno; indica si es nuevo.
	EnqueueRecycle(ctx context.Context, job domain.RecycleJob) (bool, error)
	GetRecycle(ctx context.Context, key domain.PlacementKey) (domain.RecycleJob, error)
	UpdateRecycle(ctx context.Context, job domain.RecycleJob) error
	ListRecycles(ctx context.Context, status domain.CascadeStatus, limit int) ([]domain.RecycleJob, error)
}
