package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Reason clasifica un posting del ledger.
type Reason string

const (
	ReasonReferral         Reason = "referral"          // Level 1 = referidor, 2 = su referidor
	ReasonReferralRedirect Reason = "referral_redirect" // falta el referidor, se paga al pool
	ReasonLevel            Reason = "level"             // pago por la cadena del árbol, Level = distancia al ancestro
	ReasonLevelRedirect    Reason = "level_redirect"    // ancestro ausente o inactivo, se paga al pool
	ReasonPool             Reason = "pool"
	ReasonRounding         Reason = "rounding"
	ReasonReserveCredit    Reason = "reserve_credit"
	ReasonReserveDebit     Reason = "reserve_debit"
	ReasonReserveCarry     Reason = "reserve_carry"
	ReasonReserveRelease   Reason = "reserve_release"
)

// IsFunding indica los postings que mueven dinero ya distribuido (consumo
// de reservas y sobrantes). No entran en la suma de la distribución.
func (r Reason) IsFunding() bool {
	switch r {
	case ReasonReserveDebit, ReasonReserveCarry, ReasonReserveRelease:
		return true
	}
	return false
}

// LedgerEntry es una mutación de saldo inmutable.
type LedgerEntry struct {
	ID               int64
	Account          string
	Amount           decimal.Decimal
	Currency         string
	Reason           Reason
	Level            int
	ResultingBalance decimal.Decimal
	CorrelationID    string
	Program          Program
	Tier             int
	CreatedAt        time.Time
}

// DistributionTotal suma los postings de entries que no son de financiación.
func DistributionTotal(entries []LedgerEntry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		if e.Reason.IsFunding() {
			continue
		}
		total = total.Add(e.Amount)
	}
	return total
}

// WalletAccount es la cuenta disponible de un participante.
func WalletAccount(participantID string) string { return "wallet:" + participantID }

// ReserveAccount guarda el ahorro de upgrade de un participante para un tier.
func ReserveAccount(participantID string, program Program, tier int) string {
	return fmt.Sprintf("reserve:%s:%s:%d", participantID, program, tier)
}

// PoolAccount normaliza el nombre de un pool a cuenta.
func PoolAccount(name string) string {
	if strings.HasPrefix(name, "pool:") {
		return name
	}
	return "pool:" + name
}

// FeeSource indica de dónde sale el dinero de un fee event.
type FeeSource string

const (
	SourcePayment FeeSource = "payment" // verificado por el servicio de pagos
	SourceReserve FeeSource = "reserve" // auto-upgrade financiado por una reserva
)

// FeeEvent es una entrada o upgrade a distribuir.
type FeeEvent struct {
	ID             string          `json:"id" validate:"required"`
	Program        Program         `json:"program" validate:"required,oneof=binary matrix global"`
	Tier           int             `json:"tier" validate:"gte=1"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency" validate:"required"`
	Payer          string          `json:"payer" validate:"required"`
	ReferralParent string          `json:"referral_parent"`
	Source         FeeSource       `json:"source" validate:"omitempty,oneof=payment reserve"`
	CascadeDepth   int             `json:"cascade_depth" validate:"gte=0"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

var feeValidate = validator.New()

// Validate revisa la forma del evento. Las comprobaciones semánticas (coste,
// activación) necesitan tablas y store y se hacen en el processor.
func (e FeeEvent) Validate() error {
	if err := feeValidate.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFeeEvent, err)
	}
	if !e.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidFeeEvent, e.Amount.String())
	}
	return nil
}

// IsJoin indica si el evento activa el tier 1.
func (e FeeEvent) IsJoin() bool { return e.Tier == 1 }
