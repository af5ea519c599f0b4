package processor_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/alejandrodnm/slotmatrix/internal/application/engine/cascade"
	"github.com/alejandrodnm/slotmatrix/internal/domain"
	"github.com/alejandrodnm/slotmatrix/internal/ports"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type joinResult struct {
	id         string
	cascades   int
	entries    []domain.LedgerEntry
	treeParent string
}

// twoReferralsUnder registra owner bajo root con el tier 1 binario y dos
// referidos que quedan colgados directamente de owner.
func twoReferralsUnder(t *testing.T, f *fixture, owner string) []joinResult {
	t.Helper()
	f.register(t, owner, rootID)
	f.pay(t, owner, domain.ProgramBinary, 1)

	var out []joinResult
	for i := 1; i <= 2; i++ {
		id := fmt.Sprintf("%s-y%d", owner, i)
		f.register(t, id, owner)
		res := f.pay(t, id, domain.ProgramBinary, 1)
		out = append(out, joinResult{id: id, cascades: len(res.Cascades), entries: res.Entries, treeParent: res.Placement.TreeParent})
	}
	return out
}

func TestCascade_BinaryReserveUpgradesExactlyOnce(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	joins := twoReferralsUnder(t, f, "X")
	for _, j := range joins {
		assert.Equal(t, "X", j.treeParent)
		require.Len(t, j.entries, 1)
		assert.Equal(t, domain.ReasonReserveCredit, j.entries[0].Reason)
		assert.Equal(t, domain.ReserveAccount("X", domain.ProgramBinary, 2), j.entries[0].Account)
		assert.True(t, domain.DistributionTotal(j.entries).Equal(dec("5")))
	}
	assert.Equal(t, 0, joins[0].cascades)
	assert.Equal(t, 1, joins[1].cascades)

	st, err := f.proc.ReserveStatus(ctx, "X", domain.ProgramBinary, 2)
	require.NoError(t, err)
	assert.True(t, st.Reserve.Balance.Equal(dec("10")))
	assert.True(t, st.Eligible)
	require.NotNil(t, st.Pending)
	assert.Equal(t, domain.CascadePending, st.Pending.Status)

	// Nada corre hasta que un worker drena la cola.
	x, err := f.proc.Participant(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, 1, x.ActiveTier(domain.ProgramBinary))

	n, err := f.proc.DrainCascades(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	x, err = f.proc.Participant(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, 2, x.ActiveTier(domain.ProgramBinary))

	st, err = f.proc.ReserveStatus(ctx, "X", domain.ProgramBinary, 2)
	require.NoError(t, err)
	assert.True(t, st.Reserve.Balance.IsZero())
	assert.True(t, st.Active)
	assert.False(t, st.Eligible)
	require.NotNil(t, st.Pending)
	assert.Equal(t, domain.CascadeDone, st.Pending.Status)
	assert.Equal(t, cascade.EventID(*st.Pending), st.Pending.EventID)

	bal, err := f.proc.Balance(ctx, domain.ReserveAccount("X", domain.ProgramBinary, 2))
	require.NoError(t, err)
	assert.True(t, bal.IsZero(), "ledger reserve balance %s", bal)

	// El upgrade es un fee event normal: se coloca y se distribuye entero.
	recs, err := f.proc.Placements(ctx, "X", domain.ProgramBinary, 2)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, rootID, recs[0].TreeParent)

	entries, err := f.proc.Entries(ctx, st.Pending.EventID)
	require.NoError(t, err)
	assert.True(t, domain.DistributionTotal(entries).Equal(dec("10")))
	var debit decimal.Decimal
	for _, e := range entries {
		if e.Reason == domain.ReasonReserveDebit {
			debit = debit.Add(e.Amount)
		}
	}
	assert.True(t, debit.Equal(dec("-10")))

	// Drenar otra vez no hace nada.
	n, err = f.proc.DrainCascades(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	again, err := f.proc.RunCascade(ctx, *st.Pending)
	require.NoError(t, err)
	assert.Nil(t, again.Upgrade)
	x, err = f.proc.Participant(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, 2, x.ActiveTier(domain.ProgramBinary))
}

// overshootTables hace que dos aportes de 5.00 superen el tier 2 de 8.00.
func overshootTables() domain.Tables {
	tables := domain.DefaultTables()
	binary := tables[domain.ProgramBinary]
	binary.Costs = []decimal.Decimal{dec("5"), dec("8"), dec("20"), dec("40")}
	tables[domain.ProgramBinary] = binary
	return tables
}

func TestCascade_OvershootCarryOver(t *testing.T) {
	f := newFixture(t, fixtureOpts{tables: overshootTables(), overshoot: domain.OvershootCarryOver})
	ctx := context.Background()

	joins := twoReferralsUnder(t, f, "X")
	// 5 < 8: solo el segundo aporte encola el upgrade.
	assert.Equal(t, 0, joins[0].cascades)
	assert.Equal(t, 1, joins[1].cascades)

	_, err := f.proc.DrainCascades(ctx)
	require.NoError(t, err)

	st2, err := f.proc.ReserveStatus(ctx, "X", domain.ProgramBinary, 2)
	require.NoError(t, err)
	assert.True(t, st2.Active)
	assert.True(t, st2.Reserve.Balance.IsZero())

	st3, err := f.proc.ReserveStatus(ctx, "X", domain.ProgramBinary, 3)
	require.NoError(t, err)
	assert.True(t, st3.Reserve.Balance.Equal(dec("2")), "carried %s", st3.Reserve.Balance)
	assert.True(t, st3.Shortfall.Equal(dec("18")))
	assert.False(t, st3.Eligible)

	wallet, err := f.proc.Balance(ctx, domain.WalletAccount("X"))
	require.NoError(t, err)
	assert.True(t, wallet.IsZero())

	ledger2, err := f.proc.Balance(ctx, domain.ReserveAccount("X", domain.ProgramBinary, 2))
	require.NoError(t, err)
	assert.True(t, ledger2.IsZero())
	ledger3, err := f.proc.Balance(ctx, domain.ReserveAccount("X", domain.ProgramBinary, 3))
	require.NoError(t, err)
	assert.True(t, ledger3.Equal(dec("2")))
}

func TestCascade_OvershootRelease(t *testing.T) {
	f := newFixture(t, fixtureOpts{tables: overshootTables(), overshoot: domain.OvershootRelease})
	ctx := context.Background()

	twoReferralsUnder(t, f, "X")
	_, err := f.proc.DrainCascades(ctx)
	require.NoError(t, err)

	st2, err := f.proc.ReserveStatus(ctx, "X", domain.ProgramBinary, 2)
	require.NoError(t, err)
	assert.True(t, st2.Active)
	assert.True(t, st2.Reserve.Balance.IsZero())

	st3, err := f.proc.ReserveStatus(ctx, "X", domain.ProgramBinary, 3)
	require.NoError(t, err)
	assert.True(t, st3.Reserve.Balance.IsZero())

	wallet, err := f.proc.Balance(ctx, domain.WalletAccount("X"))
	require.NoError(t, err)
	assert.True(t, wallet.Equal(dec("2")), "released %s", wallet)

	released, err := f.proc.AccountEntries(ctx, domain.WalletAccount("X"))
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.Equal(t, domain.ReasonReserveRelease, released[0].Reason)
}

func TestCascade_DepthBoundFlagsJob(t *testing.T) {
	f := newFixture(t, fixtureOpts{maxDepth: 1})
	ctx := context.Background()

	// P tiene los tiers 1-2; el tier 2 de Q y el upgrade de X caen bajo P.
	f.register(t, "P", rootID)
	f.payUpTo(t, "P", domain.ProgramBinary, 2)
	f.register(t, "Q", "P")
	f.payUpTo(t, "Q", domain.ProgramBinary, 2)

	f.register(t, "X", "P")
	f.pay(t, "X", domain.ProgramBinary, 1)
	for _, id := range []string{"Y1", "Y2"} {
		f.register(t, id, "X")
		f.pay(t, id, domain.ProgramBinary, 1)
	}

	n, err := f.proc.DrainCascades(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	x, err := f.proc.Participant(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, 2, x.ActiveTier(domain.ProgramBinary))

	flagged, err := f.proc.Cascades(ctx, domain.CascadeFlagged, 0)
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	job := flagged[0]
	assert.Equal(t, "P", job.ParticipantID)
	assert.Equal(t, 3, job.ToTier)
	assert.Equal(t, 2, job.Depth)
	assert.Contains(t, job.LastError, domain.ErrCascadeReentrancyLimit.Error())

	// El upgrade detenido deja la reserva confirmada donde estaba.
	p, err := f.proc.Participant(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, 2, p.ActiveTier(domain.ProgramBinary))
	st, err := f.proc.ReserveStatus(ctx, "P", domain.ProgramBinary, 3)
	require.NoError(t, err)
	assert.True(t, st.Reserve.Balance.Equal(dec("20")))

	retried, err := f.proc.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, retried)
}

func TestRecycle_MatrixCompletesAtExactly39(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	var completing []domain.RecycleOutcome
	for i := 1; i <= 39; i++ {
		id := fmt.Sprintf("m%02d", i)
		f.register(t, id, rootID)
		res := f.pay(t, id, domain.ProgramMatrix, 1)

		if i < 39 {
			require.Empty(t, res.Recycles, "occupant %d", i)
			continue
		}
		completing = res.Recycles
	}

	require.Len(t, completing, 1)
	snap := completing[0].Snapshot
	assert.Equal(t, domain.PlacementKey{ParticipantID: rootID, Program: domain.ProgramMatrix, Tier: 1}, snap.Key)
	require.Len(t, snap.Occupants, 39)
	byDepth := map[int]int{}
	for _, o := range snap.Occupants {
		byDepth[o.Depth]++
	}
	assert.Equal(t, map[int]int{1: 3, 2: 9, 3: 27}, byDepth)

	reentry := completing[0].Reentry
	assert.Equal(t, 1, reentry.Key.RecycleIndex)
	assert.True(t, reentry.IsTreeRoot())

	recs, err := f.proc.Placements(ctx, rootID, domain.ProgramMatrix, 1)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.True(t, recs[0].Completed)
	assert.False(t, recs[1].Completed)

	var count int
	require.NoError(t, f.store.View(ctx, func(tx ports.Tx) error {
		var err error
		count, err = tx.CountSnapshots(ctx, domain.ProgramMatrix, 1)
		return err
	}))
	assert.Equal(t, 1, count)

	// La siguiente entrada abre el árbol nuevo de root.
	f.register(t, "m40", rootID)
	res := f.pay(t, "m40", domain.ProgramMatrix, 1)
	assert.Equal(t, rootID, res.Placement.TreeParent)
	assert.Equal(t, 1, res.Placement.TreeParentRecycle)
	assert.Equal(t, domain.PositionLeft, res.Placement.Position)
}

func TestRecycle_ThirtyEightOccupantsDoNotComplete(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	for i := 1; i <= 38; i++ {
		id := fmt.Sprintf("m%02d", i)
		f.register(t, id, rootID)
		res := f.pay(t, id, domain.ProgramMatrix, 1)
		require.Empty(t, res.Recycles)
	}

	recs, err := f.proc.Placements(ctx, rootID, domain.ProgramMatrix, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 38, recs[0].Occupants)
	assert.False(t, recs[0].Completed)

	_, err = f.proc.Snapshot(ctx, recs[0].Key)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRecycle_SnapshotRoundTrip(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	// El pool global se completa con 6: doce entradas reciclan a root dos veces.
	var outcomes []domain.RecycleOutcome
	for i := 1; i <= 12; i++ {
		id := fmt.Sprintf("g%02d", i)
		f.register(t, id, rootID)
		res := f.pay(t, id, domain.ProgramGlobal, 1)
		if i%6 != 0 {
			require.Empty(t, res.Recycles, "occupant %d", i)
			continue
		}
		require.Len(t, res.Recycles, 1, "occupant %d", i)
		outcomes = append(outcomes, res.Recycles...)
	}
	require.Len(t, outcomes, 2)

	for idx, out := range outcomes {
		key := domain.PlacementKey{ParticipantID: rootID, Program: domain.ProgramGlobal, Tier: 1, RecycleIndex: idx}
		first, err := f.proc.Snapshot(ctx, key)
		require.NoError(t, err)
		second, err := f.proc.Snapshot(ctx, key)
		require.NoError(t, err)

		assert.Equal(t, first.Occupants, second.Occupants)
		assert.Equal(t, out.Snapshot.Occupants, first.Occupants)
		assert.True(t, first.CompletedAt.Equal(second.CompletedAt))
		assert.Equal(t, first.EventID, second.EventID)
		require.Len(t, first.Occupants, 6)

		base := idx * 6
		assert.Equal(t, fmt.Sprintf("g%02d", base+1), first.Occupants[0].ParticipantID)
		assert.Equal(t, domain.PositionLeft, first.Occupants[0].Position)
		assert.Equal(t, idx, first.Occupants[0].ParentRecycle)
		assert.Equal(t, fmt.Sprintf("g%02d", base+2), first.Occupants[1].ParticipantID)
		assert.Equal(t, fmt.Sprintf("g%02d", base+1), first.Occupants[2].ParentID)
		assert.Equal(t, 2, first.Occupants[2].Depth)

		assert.Equal(t, idx+1, out.Reentry.Key.RecycleIndex)
		assert.True(t, out.Reentry.IsTreeRoot())
	}

	// Los snapshots no cambian aunque el árbol vivo siga creciendo.
	before, err := f.proc.Snapshot(ctx, domain.PlacementKey{ParticipantID: rootID, Program: domain.ProgramGlobal, Tier: 1})
	require.NoError(t, err)
	f.register(t, "g13", rootID)
	res := f.pay(t, "g13", domain.ProgramGlobal, 1)
	assert.Equal(t, rootID, res.Placement.TreeParent)
	assert.Equal(t, 2, res.Placement.TreeParentRecycle)
	after, err := f.proc.Snapshot(ctx, before.Key)
	require.NoError(t, err)
	assert.Equal(t, before.Occupants, after.Occupants)

	recs, err := f.proc.Placements(ctx, rootID, domain.ProgramGlobal, 1)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.True(t, recs[0].Completed)
	assert.True(t, recs[1].Completed)
	assert.False(t, recs[2].Completed)
}

func TestRecycle_BinaryTreeNeverRecycles(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	f.register(t, "X", rootID)
	f.pay(t, "X", domain.ProgramBinary, 1)
	for i := 1; i <= 8; i++ {
		id := fmt.Sprintf("x%d", i)
		f.register(t, id, "X")
		res := f.pay(t, id, domain.ProgramBinary, 1)
		require.Empty(t, res.Recycles)
		require.Empty(t, res.Deferred)
	}

	recs, err := f.proc.Placements(ctx, "X", domain.ProgramBinary, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Completed)
	_, err = f.proc.Snapshot(ctx, recs[0].Key)
	require.ErrorIs(t, err, domain.ErrNotFound)

	// El octavo referido ya está en el tercer nivel bajo X.
	last, err := f.proc.Placements(ctx, "x8", domain.ProgramBinary, 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, 4, last[0].Depth)
}

func TestRecycle_ChainPastLimitIsDeferredAndDrained(t *testing.T) {
	f := newFixture(t, fixtureOpts{maxRecycleChain: 1})
	ctx := context.Background()

	// root queda con 38 de 39 y X, su hijo izquierdo, con 38 de 39.
	f.register(t, "X", rootID)
	f.pay(t, "X", domain.ProgramMatrix, 1)
	for i := 1; i <= 37; i++ {
		id := fmt.Sprintf("r%02d", i)
		f.register(t, id, rootID)
		f.pay(t, id, domain.ProgramMatrix, 1)
	}
	for i := 1; i <= 26; i++ {
		id := fmt.Sprintf("x%02d", i)
		f.register(t, id, "X")
		require.Empty(t, f.pay(t, id, domain.ProgramMatrix, 1).Recycles)
	}

	// x27 completa X; la re-entrada de X completa root, que pasa del límite.
	f.register(t, "x27", "X")
	res := f.pay(t, "x27", domain.ProgramMatrix, 1)
	require.Len(t, res.Recycles, 1)
	assert.Equal(t, "X", res.Recycles[0].Snapshot.Key.ParticipantID)
	rootKey := domain.PlacementKey{ParticipantID: rootID, Program: domain.ProgramMatrix, Tier: 1}
	require.Equal(t, []domain.PlacementKey{rootKey}, res.Deferred)

	placed, err := f.proc.Placements(ctx, "x27", domain.ProgramMatrix, 1)
	require.NoError(t, err)
	require.Len(t, placed, 1)

	recs, err := f.proc.Placements(ctx, rootID, domain.ProgramMatrix, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 39, recs[0].Occupants)
	assert.False(t, recs[0].Completed)

	pending, err := f.proc.Recycles(ctx, domain.CascadePending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, rootKey, pending[0].Key)
	assert.Equal(t, res.Event.ID, pending[0].TriggerEventID)

	_, err = f.proc.DrainCascades(ctx)
	require.NoError(t, err)

	recs, err = f.proc.Placements(ctx, rootID, domain.ProgramMatrix, 1)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.True(t, recs[0].Completed)
	assert.True(t, recs[1].IsTreeRoot())

	snap, err := f.proc.Snapshot(ctx, rootKey)
	require.NoError(t, err)
	assert.Len(t, snap.Occupants, 39)
	assert.Equal(t, res.Event.ID, snap.EventID)

	pending, err = f.proc.Recycles(ctx, domain.CascadePending, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
	done, err := f.proc.Recycles(ctx, domain.CascadeDone, 0)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, 1, done[0].Attempts)
}

func TestCascade_MatrixCenterContributionsUpgradeOwner(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	f.register(t, "O", rootID)
	f.pay(t, "O", domain.ProgramMatrix, 1)
	tops := []string{"a", "b", "c"}
	for _, id := range tops {
		f.register(t, id, "O")
		f.pay(t, id, domain.ProgramMatrix, 1)
	}

	// Cada hijo directo de O recibe un hijo izquierdo y uno central; solo
	// los centrales alimentan la reserva de O.
	var queued int
	for _, top := range tops {
		left := top + "L"
		f.register(t, left, top)
		lres := f.pay(t, left, domain.ProgramMatrix, 1)
		assert.Equal(t, domain.PositionLeft, lres.Placement.Position)
		assert.Empty(t, entriesFor(lres.Entries, domain.ReserveAccount("O", domain.ProgramMatrix, 2)))

		center := top + "C"
		f.register(t, center, top)
		cres := f.pay(t, center, domain.ProgramMatrix, 1)
		assert.Equal(t, top, cres.Placement.TreeParent)
		assert.Equal(t, domain.PositionCenter, cres.Placement.Position)
		require.Len(t, cres.Entries, 1)
		assert.Equal(t, domain.ReasonReserveCredit, cres.Entries[0].Reason)
		assert.Equal(t, domain.ReserveAccount("O", domain.ProgramMatrix, 2), cres.Entries[0].Account)
		queued += len(cres.Cascades)
	}
	// 5 + 5 cubre el tier 2 (10); el tercer aporte se acumula sin otro trabajo.
	assert.Equal(t, 1, queued)

	st, err := f.proc.ReserveStatus(ctx, "O", domain.ProgramMatrix, 2)
	require.NoError(t, err)
	assert.True(t, st.Reserve.Balance.Equal(dec("15")), "reserve %s", st.Reserve.Balance)
	assert.True(t, st.Eligible)

	_, err = f.proc.DrainCascades(ctx)
	require.NoError(t, err)

	o, err := f.proc.Participant(ctx, "O")
	require.NoError(t, err)
	assert.Equal(t, 2, o.ActiveTier(domain.ProgramMatrix))

	recs, err := f.proc.Placements(ctx, "O", domain.ProgramMatrix, 2)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	st2, err := f.proc.ReserveStatus(ctx, "O", domain.ProgramMatrix, 2)
	require.NoError(t, err)
	assert.True(t, st2.Active)
	assert.True(t, st2.Reserve.Balance.IsZero())

	// El sobrante pasa a la reserva del tier 3.
	st3, err := f.proc.ReserveStatus(ctx, "O", domain.ProgramMatrix, 3)
	require.NoError(t, err)
	assert.True(t, st3.Reserve.Balance.Equal(dec("5")), "carried %s", st3.Reserve.Balance)
}

func entriesFor(entries []domain.LedgerEntry, account string) []domain.LedgerEntry {
	var out []domain.LedgerEntry
	for _, e := range entries {
		if e.Account == account {
			out = append(out, e)
		}
	}
	return out
}
