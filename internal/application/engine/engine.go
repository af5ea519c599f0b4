package engine

import (
	"context"
	"time"

	"github.com/alejandrodnm/slotmatrix/internal/domain"
	"github.com/alejandrodnm/slotmatrix/internal/ports"
)

// Placer es la interfaz mínima que el processor necesita del motor de colocación.
// Desacopla processor de *tree.Placer concreto.
type Placer interface {
	Place(ctx context.Context, tx ports.Tx, req PlaceRequest) (PlaceResult, error)

	// Complete recicla un árbol lleno cuyo reciclaje quedó diferido.
	Complete(ctx context.Context, tx ports.Tx, job domain.RecycleJob, at time.Time) (PlaceResult, error)
}

// Distributor reparte un fee event en postings del ledger.
type Distributor interface {
	Distribute(ctx context.Context, tx ports.Tx, ev domain.FeeEvent, rec domain.PlacementRecord) ([]domain.LedgerEntry, error)
}

// PlaceRequest pide una primera colocación en (programa, tier).
type PlaceRequest struct {
	ParticipantID  string
	ReferralParent string
	Program        domain.Program
	Tier           int
	EventID        string
	At             time.Time
}

// PlaceResult es el registro nuevo más cada árbol que completó por el camino.
// Deferred son los árboles llenos que quedaron en cola al agotar la cadena.
type PlaceResult struct {
	Record   domain.PlacementRecord
	Recycles []domain.RecycleOutcome
	Deferred []domain.PlacementKey
}

// TruncateStr trunca un string a maxLen caracteres añadiendo "..." si es necesario.
func TruncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
