package domain

import "github.com/shopspring/decimal"

// ShareKind es la clase de destinatario de una parte.
type ShareKind string

const (
	ShareReferral ShareKind = "referral"
	ShareLevel    ShareKind = "level"
	SharePool     ShareKind = "pool"
	ShareRounding ShareKind = "rounding"
)

// Share es una parte de un fee. Index empieza en 1 dentro de su clase.
type Share struct {
	Kind   ShareKind
	Index  int
	Amount decimal.Decimal
}

// SplitFee reparte amount según table. Cada parte se trunca a precision
// decimales y el residuo del truncado va a una parte de redondeo, así que
// las partes siempre suman amount exacto.
func SplitFee(amount decimal.Decimal, table CommissionTable, precision int32) []Share {
	shares := make([]Share, 0, len(table.ReferralShares)+len(table.LevelShares)+2)
	allocated := decimal.Zero

	cut := func(kind ShareKind, idx int, pct decimal.Decimal) {
		part := amount.Mul(pct).Div(hundred).Truncate(precision)
		allocated = allocated.Add(part)
		shares = append(shares, Share{Kind: kind, Index: idx, Amount: part})
	}

	for i, pct := range table.ReferralShares {
		cut(ShareReferral, i+1, pct)
	}
	for i, pct := range table.LevelShares {
		cut(ShareLevel, i+1, pct)
	}
	cut(SharePool, 1, table.PoolShare)

	if dust := amount.Sub(allocated); !dust.IsZero() {
		shares = append(shares, Share{Kind: ShareRounding, Index: 1, Amount: dust})
	}
	return shares
}
