package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OvershootPolicy decide qué pasa con una reserva por encima del coste del tier.
type OvershootPolicy string

const (
	// OvershootCarryOver pasa el sobrante a la reserva del tier siguiente.
	OvershootCarryOver OvershootPolicy = "carry_over"
	// OvershootRelease paga el sobrante al wallet del dueño.
	OvershootRelease OvershootPolicy = "release"
)

// ParseOvershootPolicy valida un valor de config.
func ParseOvershootPolicy(s string) (OvershootPolicy, error) {
	switch OvershootPolicy(s) {
	case OvershootCarryOver, OvershootRelease:
		return OvershootPolicy(s), nil
	}
	return "", fmt.Errorf("unknown reserve overshoot policy %q", s)
}

// ReserveBalance acumula aportes hacia Tier para un dueño.
type ReserveBalance struct {
	ParticipantID string
	Program       Program
	Tier          int // tier que financia la reserva
	Balance       decimal.Decimal
	UpdatedAt     time.Time
}

// Account devuelve la cuenta del ledger de la reserva.
func (r ReserveBalance) Account() string {
	return ReserveAccount(r.ParticipantID, r.Program, r.Tier)
}

// ReserveStatus responde la consulta de estado de reserva.
type ReserveStatus struct {
	Reserve   ReserveBalance
	NextCost  decimal.Decimal
	Shortfall decimal.Decimal
	Eligible  bool // el saldo cubre NextCost y el tier aún no está activo
	Active    bool // tier objetivo ya activo
	Pending   *CascadeJob
}
