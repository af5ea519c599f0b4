package domain

import (
	"fmt"
	"time"
)

// CascadeStatus es el ciclo de vida de un trabajo en cola (upgrade o reciclaje diferido).
type CascadeStatus string

const (
	CascadePending CascadeStatus = "PENDING"
	CascadeDone    CascadeStatus = "DONE"
	CascadeFailed  CascadeStatus = "FAILED"  // lo reintenta el sweep
	CascadeFlagged CascadeStatus = "FLAGGED" // límite superado, requiere revisión
)

// CascadeJob es un auto-upgrade pendiente. Uno por
// (participante, programa, from_tier, to_tier).
type CascadeJob struct {
	ParticipantID  string
	Program        Program
	FromTier       int
	ToTier         int
	Depth          int
	TriggerEventID string
	Status         CascadeStatus
	Attempts       int
	LastError      string
	EventID        string // fee event emitido al ejecutarse
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Key es la clave de idempotencia del trabajo.
func (j CascadeJob) Key() string {
	return fmt.Sprintf("%s|%s|%d|%d", j.ParticipantID, j.Program, j.FromTier, j.ToTier)
}

// RecycleJob es un árbol que alcanzó su capacidad cuando la cadena de
// reciclajes de un evento ya había llegado a su límite. El registro queda
// lleno y sin completar hasta que el drenado lo recicla en su propia transacción.
type RecycleJob struct {
	Key            PlacementKey
	TriggerEventID string // evento cuya colocación llenó el árbol
	Status         CascadeStatus
	Attempts       int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
