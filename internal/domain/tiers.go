package domain

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// CommissionTable es el reparto estático de un fee, en porcentaje.
// ReferralShares[0] va al referidor, [1] al referidor de este.
// LevelShares[0] va al ancestro más cercano del árbol y debe ser la mayor.
type CommissionTable struct {
	ReferralShares []decimal.Decimal
	LevelShares    []decimal.Decimal
	PoolShare      decimal.Decimal
}

// Total devuelve la suma de todas las partes.
func (c CommissionTable) Total() decimal.Decimal {
	total := c.PoolShare
	for _, s := range c.ReferralShares {
		total = total.Add(s)
	}
	for _, s := range c.LevelShares {
		total = total.Add(s)
	}
	return total
}

// Validate comprueba que la tabla suma exactamente 100% y carga el primer nivel.
func (c CommissionTable) Validate() error {
	if total := c.Total(); !total.Equal(hundred) {
		return fmt.Errorf("%w: shares sum to %s%%", ErrDistributionImbalance, total.String())
	}
	shares := append(append([]decimal.Decimal{}, c.ReferralShares...), c.LevelShares...)
	shares = append(shares, c.PoolShare)
	for _, s := range shares {
		if s.IsNegative() {
			return fmt.Errorf("%w: negative share %s%%", ErrDistributionImbalance, s.String())
		}
	}
	for i := 1; i < len(c.LevelShares); i++ {
		if c.LevelShares[i].GreaterThan(c.LevelShares[i-1]) {
			return fmt.Errorf("%w: level %d share %s%% exceeds level %d", ErrDistributionImbalance,
				i+1, c.LevelShares[i].String(), i)
		}
	}
	return nil
}

// ProgramTable guarda costes de tier y tablas de comisión de un programa.
type ProgramTable struct {
	Program    Program
	Geometry   Geometry
	Costs      []decimal.Decimal // Costs[0] es el tier 1
	Commission CommissionTable
	Overrides  map[int]CommissionTable // reemplazo de Commission por tier
}

// Tiers devuelve el número de tier más alto.
func (t ProgramTable) Tiers() int { return len(t.Costs) }

// HasTier indica si tier existe en este programa.
func (t ProgramTable) HasTier(tier int) bool { return tier >= 1 && tier <= len(t.Costs) }

// Cost devuelve el coste de activación de tier.
func (t ProgramTable) Cost(tier int) (decimal.Decimal, bool) {
	if !t.HasTier(tier) {
		return decimal.Zero, false
	}
	return t.Costs[tier-1], true
}

// CommissionFor devuelve la tabla que aplica a tier.
func (t ProgramTable) CommissionFor(tier int) CommissionTable {
	if c, ok := t.Overrides[tier]; ok {
		return c
	}
	return t.Commission
}

// Validate comprueba que los costes crecen y que cada tabla cuadra.
func (t ProgramTable) Validate() error {
	if len(t.Costs) == 0 {
		return fmt.Errorf("program %s: no tiers configured", t.Program)
	}
	for i, c := range t.Costs {
		if !c.IsPositive() {
			return fmt.Errorf("program %s: tier %d cost must be positive", t.Program, i+1)
		}
		if i > 0 && !c.GreaterThan(t.Costs[i-1]) {
			return fmt.Errorf("program %s: tier %d cost %s does not exceed tier %d", t.Program, i+1, c.String(), i)
		}
	}
	if err := t.Commission.Validate(); err != nil {
		return fmt.Errorf("program %s: %w", t.Program, err)
	}
	tiers := make([]int, 0, len(t.Overrides))
	for tier := range t.Overrides {
		tiers = append(tiers, tier)
	}
	sort.Ints(tiers)
	for _, tier := range tiers {
		if !t.HasTier(tier) {
			return fmt.Errorf("program %s: override for unknown tier %d", t.Program, tier)
		}
		if err := t.Overrides[tier].Validate(); err != nil {
			return fmt.Errorf("program %s tier %d: %w", t.Program, tier, err)
		}
	}
	return nil
}

// Tables es la configuración estática completa, por programa.
type Tables map[Program]ProgramTable

// Get devuelve la tabla de p.
func (ts Tables) Get(p Program) (ProgramTable, bool) {
	t, ok := ts[p]
	return t, ok
}

// Validate ejecuta ProgramTable.Validate en cada programa. Se llama al arrancar.
func (ts Tables) Validate() error {
	if len(ts) == 0 {
		return fmt.Errorf("no programs configured")
	}
	for _, p := range Programs {
		t, ok := ts[p]
		if !ok {
			continue
		}
		if err := t.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Percents ayuda a construir tablas desde literales.
func Percents(vals ...float64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(vals))
	for i, v := range vals {
		out[i] = decimal.NewFromFloat(v)
	}
	return out
}

// DoublingCosts devuelve n costes empezando en base y doblando en cada tier.
func DoublingCosts(base decimal.Decimal, n int) []decimal.Decimal {
	out := make([]decimal.Decimal, n)
	cost := base
	for i := range out {
		out[i] = cost
		cost = cost.Mul(decimal.NewFromInt(2))
	}
	return out
}

// DefaultTables devuelve la configuración integrada que se usa cuando el YAML
// omite un programa.
func DefaultTables() Tables {
	return Tables{
		ProgramBinary: {
			Program:  ProgramBinary,
			Geometry: GeometryFor(ProgramBinary),
			Costs:    DoublingCosts(decimal.NewFromInt(5), 12),
			Commission: CommissionTable{
				ReferralShares: Percents(20, 10),
				LevelShares:    Percents(30, 15, 10, 5),
				PoolShare:      decimal.NewFromInt(10),
			},
		},
		ProgramMatrix: {
			Program:  ProgramMatrix,
			Geometry: GeometryFor(ProgramMatrix),
			Costs:    DoublingCosts(decimal.NewFromInt(5), 12),
			Commission: CommissionTable{
				ReferralShares: Percents(15, 5),
				LevelShares:    Percents(35, 20, 15),
				PoolShare:      decimal.NewFromInt(10),
			},
		},
		ProgramGlobal: {
			Program:  ProgramGlobal,
			Geometry: GeometryFor(ProgramGlobal),
			Costs:    DoublingCosts(decimal.NewFromInt(10), 8),
			Commission: CommissionTable{
				ReferralShares: Percents(10),
				LevelShares:    Percents(40, 20, 10, 10),
				PoolShare:      decimal.NewFromInt(10),
			},
		},
	}
}
