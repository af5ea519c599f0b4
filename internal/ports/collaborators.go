package ports

import (
	"context"

	"github.com/alejandrodnm/slotmatrix/internal/domain"
)

// Directory resuelve participantes y su referidor (servicio de identidad).
type Directory interface {
	Resolve(ctx context.Context, participantID string) (domain.Participant, error)
}

// LedgerSink recibe los postings confirmados para que el servicio de wallets
// concilie. Se llama tras el commit; un error nunca revierte la distribución.
type LedgerSink interface {
	Publish(ctx context.Context, entries []domain.LedgerEntry) error
}
