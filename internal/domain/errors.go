package domain

import "errors"

var (
	// ErrPlacementConflict: otro escritor reclamó la posición antes.
	// El placer repite el scan; nunca sale como fallo permanente.
	ErrPlacementConflict = errors.New("placement conflict")

	// ErrInvalidFeeEvent rechaza un evento antes de tocar el ledger.
	ErrInvalidFeeEvent = errors.New("invalid fee event")

	// ErrDuplicateFeeEvent es un ErrInvalidFeeEvent de un id ya registrado.
	ErrDuplicateFeeEvent = errors.New("duplicate fee event")

	// ErrDistributionImbalance es un error de configuración: una tabla de
	// comisiones no suma 100%.
	ErrDistributionImbalance = errors.New("distribution imbalance")

	// ErrCascadeReentrancyLimit detiene una cascada que superó su profundidad máxima.
	ErrCascadeReentrancyLimit = errors.New("cascade reentrancy limit")

	ErrNotFound                = errors.New("not found")
	ErrReferralParentImmutable = errors.New("referral parent is immutable")
)
