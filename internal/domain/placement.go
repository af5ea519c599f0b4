package domain

import (
	"fmt"
	"time"
)

// PlacementKey identifica exactamente un registro de colocación.
type PlacementKey struct {
	ParticipantID string
	Program       Program
	Tier          int
	RecycleIndex  int
}

func (k PlacementKey) String() string {
	return fmt.Sprintf("%s/%s/%d/%d", k.ParticipantID, k.Program, k.Tier, k.RecycleIndex)
}

// NodeRef identifica un registro dentro del árbol de (programa, tier).
type NodeRef struct {
	ParticipantID string
	RecycleIndex  int
}

// Escalation indica cómo se eligió la semilla del scan.
type Escalation string

const (
	EscalationNone         Escalation = ""              // el referidor calificaba
	EscalationAncestor     Escalation = "ancestor"      // calificaba un ancestro más arriba
	EscalationFallbackRoot Escalation = "fallback_root" // ningún ancestro calificó dentro del límite
	EscalationPool         Escalation = "pool"          // programa serial, se escanea desde la raíz del pool
)

// RootPosition marca un registro sin padre.
const RootPosition = -1

// PlacementRecord es un ocupante del árbol de un tier. ReferralParent se copia
// del participante y no cambia; TreeParent es de dónde cuelga de verdad el
// registro y puede cambiar en cada recycle index.
type PlacementRecord struct {
	Key               PlacementKey
	ReferralParent    string
	TreeParent        string
	TreeParentRecycle int
	Position          int
	Depth             int
	IsSpillover       bool
	SpilloverOrigin   string
	Escalation        Escalation
	ScanSeed          string // participante cuyo registro sembró el scan
	Occupants         int    // ocupantes bajo este registro dentro de la profundidad de completado
	Completed         bool
	CreatedAt         time.Time
}

// Node devuelve la referencia de árbol del registro.
func (r PlacementRecord) Node() NodeRef {
	return NodeRef{ParticipantID: r.Key.ParticipantID, RecycleIndex: r.Key.RecycleIndex}
}

// IsTreeRoot indica si el registro no tiene padre en el árbol.
func (r PlacementRecord) IsTreeRoot() bool { return r.TreeParent == "" }

// ParentNode devuelve la referencia al padre; false para las raíces.
func (r PlacementRecord) ParentNode() (NodeRef, bool) {
	if r.IsTreeRoot() {
		return NodeRef{}, false
	}
	return NodeRef{ParticipantID: r.TreeParent, RecycleIndex: r.TreeParentRecycle}, true
}

// SnapshotOccupant es una entrada de un árbol congelado. Depth es relativa a
// la raíz del snapshot (1..CompletionDepth).
type SnapshotOccupant struct {
	ParticipantID string `json:"participant_id"`
	RecycleIndex  int    `json:"recycle_index"`
	Depth         int    `json:"depth"`
	Position      int    `json:"position"`
	ParentID      string `json:"parent_id"`
	ParentRecycle int    `json:"parent_recycle"`
}

// TreeSnapshot es la captura inmutable de un árbol completado.
type TreeSnapshot struct {
	Key         PlacementKey
	Occupants   []SnapshotOccupant
	CompletedAt time.Time
	EventID     string // fee event cuya colocación completó el árbol
}

// RecycleOutcome es un árbol completado y el registro de re-entrada de su dueño.
type RecycleOutcome struct {
	Snapshot TreeSnapshot
	Reentry  PlacementRecord
}
