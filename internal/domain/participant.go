package domain

import "time"

// Participant es un miembro registrado. ReferralParent se fija al registrarse.
type Participant struct {
	ID             string
	ReferralParent string // vacío solo para el participante raíz
	RegisteredAt   time.Time
	ActiveTiers    map[Program]int // tier activo más alto por programa
}

// IsRoot indica si p no tiene referidor.
func (p Participant) IsRoot() bool { return p.ReferralParent == "" }

// ActiveTier devuelve el tier activo más alto en program, 0 si no hay.
func (p Participant) ActiveTier(program Program) int {
	return p.ActiveTiers[program]
}

// Activation registra que un participante tiene un tier.
type Activation struct {
	ParticipantID string
	Program       Program
	Tier          int
	EventID       string
	ActivatedAt   time.Time
}
