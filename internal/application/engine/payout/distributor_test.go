package payout_test

import (
	"context"
	"testing"
	"time"

	"github.com/alejandrodnm/slotmatrix/internal/adapters/storage"
	"github.com/alejandrodnm/slotmatrix/internal/application/engine/payout"
	"github.com/alejandrodnm/slotmatrix/internal/domain"
	"github.com/alejandrodnm/slotmatrix/internal/ports"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC)

type node struct {
	id, referral, treeParent string
	active                   bool
}

// seed guarda los participantes y sus registros binarios de tier 1 en orden.
func seed(t *testing.T, nodes []node) *storage.SQLiteStorage {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, db.WithTx(ctx, func(tx ports.Tx) error {
		taken := map[string]int{}
		for _, n := range nodes {
			if err := tx.SaveParticipant(ctx, domain.Participant{ID: n.id, ReferralParent: n.referral, RegisteredAt: t0}); err != nil {
				return err
			}
			if n.active {
				if err := tx.Activate(ctx, domain.Activation{ParticipantID: n.id, Program: domain.ProgramBinary, Tier: 1, ActivatedAt: t0}); err != nil {
					return err
				}
			}
			rec := domain.PlacementRecord{
				Key:            domain.PlacementKey{ParticipantID: n.id, Program: domain.ProgramBinary, Tier: 1},
				ReferralParent: n.referral,
				TreeParent:     n.treeParent,
				Position:       domain.RootPosition,
				CreatedAt:      t0,
			}
			if n.treeParent != "" {
				rec.Position = taken[n.treeParent]
				taken[n.treeParent]++
			}
			if err := tx.ClaimPosition(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	}))
	return db
}

func distribute(t *testing.T, db *storage.SQLiteStorage, d *payout.Distributor, ev domain.FeeEvent) []domain.LedgerEntry {
	t.Helper()
	ctx := context.Background()
	var out []domain.LedgerEntry
	require.NoError(t, db.View(ctx, func(tx ports.Tx) error {
		rec, err := tx.CurrentPlacement(ctx, ev.Payer, ev.Program, ev.Tier)
		if err != nil {
			return err
		}
		out, err = d.Distribute(ctx, tx, ev, rec)
		return err
	}))
	return out
}

func fee(payer, referral, amount string) domain.FeeEvent {
	return domain.FeeEvent{
		ID:             "ev-" + payer,
		Program:        domain.ProgramBinary,
		Tier:           1,
		Amount:         decimal.RequireFromString(amount),
		Currency:       "USDT",
		Payer:          payer,
		ReferralParent: referral,
		OccurredAt:     t0,
	}
}

func byAccount(entries []domain.LedgerEntry) map[string]map[domain.Reason]decimal.Decimal {
	out := map[string]map[domain.Reason]decimal.Decimal{}
	for _, e := range entries {
		if out[e.Account] == nil {
			out[e.Account] = map[domain.Reason]decimal.Decimal{}
		}
		out[e.Account][e.Reason] = out[e.Account][e.Reason].Add(e.Amount)
	}
	return out
}

func TestDistribute_FullChains(t *testing.T) {
	db := seed(t, []node{
		{id: "root", active: true},
		{id: "A", referral: "root", treeParent: "root", active: true},
		{id: "B", referral: "A", treeParent: "A", active: true},
		{id: "C", referral: "B", treeParent: "B", active: true},
	})
	d := payout.New(payout.Config{Tables: domain.DefaultTables(), FallbackPool: "company", Precision: 2})

	entries := distribute(t, db, d, fee("C", "B", "5"))
	got := byAccount(entries)

	assert.True(t, got["wallet:B"][domain.ReasonReferral].Equal(decimal.RequireFromString("1")))
	assert.True(t, got["wallet:A"][domain.ReasonReferral].Equal(decimal.RequireFromString("0.5")))
	assert.True(t, got["wallet:B"][domain.ReasonLevel].Equal(decimal.RequireFromString("1.5")))
	assert.True(t, got["wallet:A"][domain.ReasonLevel].Equal(decimal.RequireFromString("0.75")))
	assert.True(t, got["wallet:root"][domain.ReasonLevel].Equal(decimal.RequireFromString("0.5")))
	assert.True(t, got["pool:company"][domain.ReasonLevelRedirect].Equal(decimal.RequireFromString("0.25")))
	assert.True(t, got["pool:company"][domain.ReasonPool].Equal(decimal.RequireFromString("0.5")))
	assert.True(t, domain.DistributionTotal(entries).Equal(decimal.RequireFromString("5")))

	for _, e := range entries {
		assert.Equal(t, "ev-C", e.CorrelationID)
		assert.Equal(t, domain.ProgramBinary, e.Program)
		assert.Equal(t, 1, e.Tier)
		assert.Equal(t, "USDT", e.Currency)
	}
}

func TestDistribute_InactiveLevelAncestorIsRedirected(t *testing.T) {
	db := seed(t, []node{
		{id: "root", active: true},
		{id: "A", referral: "root", treeParent: "root", active: false},
		{id: "B", referral: "A", treeParent: "A", active: true},
	})
	d := payout.New(payout.Config{Tables: domain.DefaultTables(), FallbackPool: "company"})

	entries := distribute(t, db, d, fee("B", "A", "5"))
	got := byAccount(entries)

	// El ingreso por referido ignora la activación; el de nivel no.
	assert.True(t, got["wallet:A"][domain.ReasonReferral].Equal(decimal.RequireFromString("1")))
	_, paid := got["wallet:A"][domain.ReasonLevel]
	assert.False(t, paid)
	assert.True(t, got["wallet:root"][domain.ReasonLevel].Equal(decimal.RequireFromString("0.75")))
	// 30% del nivel 1 más 10% y 5% de los niveles 3 y 4 ausentes.
	assert.True(t, got["pool:company"][domain.ReasonLevelRedirect].Equal(decimal.RequireFromString("2.25")))
	assert.True(t, domain.DistributionTotal(entries).Equal(decimal.RequireFromString("5")))
}

func TestDistribute_RoundingDustGoesToPool(t *testing.T) {
	tables := domain.DefaultTables()
	binary := tables[domain.ProgramBinary]
	binary.Commission = domain.CommissionTable{
		ReferralShares: domain.Percents(33.33),
		LevelShares:    domain.Percents(33.33),
		PoolShare:      decimal.RequireFromString("33.34"),
	}
	tables[domain.ProgramBinary] = binary
	require.NoError(t, tables.Validate())

	db := seed(t, []node{
		{id: "root", active: true},
		{id: "A", referral: "root", treeParent: "root", active: true},
	})
	d := payout.New(payout.Config{Tables: tables, FallbackPool: "company", Precision: 2})

	entries := distribute(t, db, d, fee("A", "root", "0.07"))
	got := byAccount(entries)

	assert.True(t, got["wallet:root"][domain.ReasonReferral].Equal(decimal.RequireFromString("0.02")))
	assert.True(t, got["wallet:root"][domain.ReasonLevel].Equal(decimal.RequireFromString("0.02")))
	assert.True(t, got["pool:company"][domain.ReasonPool].Equal(decimal.RequireFromString("0.02")))
	assert.True(t, got["pool:company"][domain.ReasonRounding].Equal(decimal.RequireFromString("0.01")))
	assert.True(t, domain.DistributionTotal(entries).Equal(decimal.RequireFromString("0.07")))
}

func TestDistribute_RootPaysOnlyThePool(t *testing.T) {
	db := seed(t, []node{{id: "root", active: true}})
	d := payout.New(payout.Config{Tables: domain.DefaultTables(), FallbackPool: "pool:company"})

	entries := distribute(t, db, d, fee("root", "", "5"))
	for _, e := range entries {
		assert.Equal(t, "pool:company", e.Account)
	}
	assert.True(t, domain.DistributionTotal(entries).Equal(decimal.RequireFromString("5")))
}
