package storage_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alejandrodnm/slotmatrix/internal/adapters/storage"
	"github.com/alejandrodnm/slotmatrix/internal/domain"
	"github.com/alejandrodnm/slotmatrix/internal/ports"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 4, 1, 12, 30, 0, 0, time.UTC)

func open(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func inTx(t *testing.T, db *storage.SQLiteStorage, fn func(ctx context.Context, tx ports.Tx)) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.WithTx(ctx, func(tx ports.Tx) error {
		fn(ctx, tx)
		return nil
	}))
}

func rec(id, parent string, pos int) domain.PlacementRecord {
	return domain.PlacementRecord{
		Key:        domain.PlacementKey{ParticipantID: id, Program: domain.ProgramBinary, Tier: 1},
		TreeParent: parent,
		Position:   pos,
		Depth:      1,
		CreatedAt:  now,
	}
}

func TestSQLiteStorage_ParticipantRoundTrip(t *testing.T) {
	db := open(t)
	inTx(t, db, func(ctx context.Context, tx ports.Tx) {
		require.NoError(t, tx.SaveParticipant(ctx, domain.Participant{ID: "a", ReferralParent: "root", RegisteredAt: now}))
		require.NoError(t, tx.Activate(ctx, domain.Activation{ParticipantID: "a", Program: domain.ProgramBinary, Tier: 1, ActivatedAt: now}))
		require.NoError(t, tx.Activate(ctx, domain.Activation{ParticipantID: "a", Program: domain.ProgramBinary, Tier: 2, ActivatedAt: now}))
	})

	p, err := db.Resolve(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "root", p.ReferralParent)
	assert.Equal(t, now, p.RegisteredAt)
	assert.Equal(t, 2, p.ActiveTier(domain.ProgramBinary))
	assert.Equal(t, 0, p.ActiveTier(domain.ProgramMatrix))

	_, err = db.Resolve(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSQLiteStorage_ReferralParentImmutable(t *testing.T) {
	db := open(t)
	inTx(t, db, func(ctx context.Context, tx ports.Tx) {
		require.NoError(t, tx.SaveParticipant(ctx, domain.Participant{ID: "a", ReferralParent: "root", RegisteredAt: now}))
		// Guardar de nuevo con el mismo referidor no hace nada.
		require.NoError(t, tx.SaveParticipant(ctx, domain.Participant{ID: "a", ReferralParent: "root", RegisteredAt: now}))
		err := tx.SaveParticipant(ctx, domain.Participant{ID: "a", ReferralParent: "other", RegisteredAt: now})
		assert.ErrorIs(t, err, domain.ErrReferralParentImmutable)
	})
}

func TestSQLiteStorage_ActivateTwiceFails(t *testing.T) {
	db := open(t)
	inTx(t, db, func(ctx context.Context, tx ports.Tx) {
		a := domain.Activation{ParticipantID: "a", Program: domain.ProgramMatrix, Tier: 1, ActivatedAt: now}
		require.NoError(t, tx.Activate(ctx, a))
		assert.ErrorIs(t, tx.Activate(ctx, a), domain.ErrInvalidFeeEvent)
	})
}

func TestSQLiteStorage_DuplicateFeeEvent(t *testing.T) {
	db := open(t)
	ev := domain.FeeEvent{ID: "e1", Program: domain.ProgramBinary, Tier: 1, Amount: decimal.NewFromInt(5),
		Currency: "USDT", Payer: "a", OccurredAt: now}
	inTx(t, db, func(ctx context.Context, tx ports.Tx) {
		require.NoError(t, tx.RecordFeeEvent(ctx, ev))
		assert.ErrorIs(t, tx.RecordFeeEvent(ctx, ev), domain.ErrDuplicateFeeEvent)
	})
}

func TestSQLiteStorage_ClaimIsCompareAndSwap(t *testing.T) {
	db := open(t)
	inTx(t, db, func(ctx context.Context, tx ports.Tx) {
		require.NoError(t, tx.ClaimPosition(ctx, rec("root", "", domain.RootPosition)))
		require.NoError(t, tx.ClaimPosition(ctx, rec("a", "root", 0)))

		err := tx.ClaimPosition(ctx, rec("b", "root", 0))
		assert.ErrorIs(t, err, domain.ErrPlacementConflict)

		// El mismo slot bajo otro recycle del padre está libre.
		other := rec("b", "root", 0)
		other.TreeParentRecycle = 1
		require.NoError(t, tx.ClaimPosition(ctx, other))

		// Los registros sin padre nunca chocan por posición.
		again := rec("root", "", domain.RootPosition)
		again.Key.RecycleIndex = 1
		require.NoError(t, tx.ClaimPosition(ctx, again))

		kids, err := tx.Children(ctx, domain.ProgramBinary, 1, domain.NodeRef{ParticipantID: "root"})
		require.NoError(t, err)
		require.Len(t, kids, 1)
		assert.Equal(t, "a", kids[0].Key.ParticipantID)

		cur, err := tx.CurrentPlacement(ctx, "root", domain.ProgramBinary, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, cur.Key.RecycleIndex)

		all, err := tx.ListPlacements(ctx, "root", domain.ProgramBinary, 1)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})
}

func TestSQLiteStorage_PlacementFieldsRoundTrip(t *testing.T) {
	db := open(t)
	in := domain.PlacementRecord{
		Key:               domain.PlacementKey{ParticipantID: "z", Program: domain.ProgramMatrix, Tier: 3, RecycleIndex: 2},
		ReferralParent:    "y",
		TreeParent:        "x",
		TreeParentRecycle: 1,
		Position:          domain.PositionRight,
		Depth:             4,
		IsSpillover:       true,
		SpilloverOrigin:   "y",
		Escalation:        domain.EscalationAncestor,
		ScanSeed:          "w",
		CreatedAt:         now,
	}
	inTx(t, db, func(ctx context.Context, tx ports.Tx) {
		require.NoError(t, tx.ClaimPosition(ctx, in))
		n, err := tx.AddOccupant(ctx, in.Key)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		require.NoError(t, tx.MarkCompleted(ctx, in.Key))

		out, err := tx.GetPlacement(ctx, in.Key)
		require.NoError(t, err)
		in.Occupants = 1
		in.Completed = true
		assert.Equal(t, in, out)

		_, err = tx.AddOccupant(ctx, domain.PlacementKey{ParticipantID: "nope", Program: domain.ProgramMatrix, Tier: 3})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestSQLiteStorage_SnapshotRoundTrip(t *testing.T) {
	db := open(t)
	snap := domain.TreeSnapshot{
		Key: domain.PlacementKey{ParticipantID: "root", Program: domain.ProgramBinary, Tier: 1},
		Occupants: []domain.SnapshotOccupant{
			{ParticipantID: "a", Depth: 1, Position: 0, ParentID: "root"},
			{ParticipantID: "b", Depth: 2, Position: 1, ParentID: "a", RecycleIndex: 1},
		},
		CompletedAt: now,
		EventID:     "e6",
	}
	inTx(t, db, func(ctx context.Context, tx ports.Tx) {
		require.NoError(t, tx.SaveSnapshot(ctx, snap))
		assert.Error(t, tx.SaveSnapshot(ctx, snap), "a tree instance completes once")

		got, err := tx.GetSnapshot(ctx, snap.Key)
		require.NoError(t, err)
		assert.Equal(t, snap, got)

		n, err := tx.CountSnapshots(ctx, domain.ProgramBinary, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestSQLiteStorage_LedgerBalances(t *testing.T) {
	db := open(t)
	entry := func(account, amount string) domain.LedgerEntry {
		return domain.LedgerEntry{Account: account, Amount: decimal.RequireFromString(amount), Currency: "USDT",
			Reason: domain.ReasonLevel, Level: 1, CorrelationID: "e1", Program: domain.ProgramBinary, Tier: 1, CreatedAt: now}
	}
	inTx(t, db, func(ctx context.Context, tx ports.Tx) {
		out, err := tx.AppendEntries(ctx, []domain.LedgerEntry{
			entry("wallet:a", "1.5"),
			entry("wallet:a", "0.25"),
			entry("pool:company", "3.25"),
		})
		require.NoError(t, err)
		require.Len(t, out, 3)
		assert.True(t, out[0].ResultingBalance.Equal(decimal.RequireFromString("1.5")))
		assert.True(t, out[1].ResultingBalance.Equal(decimal.RequireFromString("1.75")))
		assert.Less(t, out[0].ID, out[1].ID)

		bal, err := tx.Balance(ctx, "wallet:a", "USDT")
		require.NoError(t, err)
		assert.True(t, bal.Equal(decimal.RequireFromString("1.75")))

		zero, err := tx.Balance(ctx, "wallet:nobody", "USDT")
		require.NoError(t, err)
		assert.True(t, zero.IsZero())

		byEvent, err := tx.EntriesByCorrelation(ctx, "e1")
		require.NoError(t, err)
		assert.Len(t, byEvent, 3)

		byAccount, err := tx.EntriesByAccount(ctx, "wallet:a")
		require.NoError(t, err)
		assert.Len(t, byAccount, 2)
	})
}

func TestSQLiteStorage_ReserveNeverNegative(t *testing.T) {
	db := open(t)
	inTx(t, db, func(ctx context.Context, tx ports.Tx) {
		empty, err := tx.GetReserve(ctx, "o", domain.ProgramBinary, 2)
		require.NoError(t, err)
		assert.True(t, empty.Balance.IsZero())

		r, err := tx.AdjustReserve(ctx, "o", domain.ProgramBinary, 2, decimal.NewFromInt(5), now)
		require.NoError(t, err)
		assert.Equal(t, "reserve:o:binary:2", r.Account())

		_, err = tx.AdjustReserve(ctx, "o", domain.ProgramBinary, 2, decimal.NewFromInt(-6), now.Add(time.Minute))
		assert.Error(t, err)

		r, err = tx.GetReserve(ctx, "o", domain.ProgramBinary, 2)
		require.NoError(t, err)
		assert.True(t, r.Balance.Equal(decimal.NewFromInt(5)))
		// updated_at viene del llamador, no del reloj de pared.
		assert.True(t, r.UpdatedAt.Equal(now), "updated_at %s", r.UpdatedAt)
	})
}

func TestSQLiteStorage_CascadeQueue(t *testing.T) {
	db := open(t)
	job := domain.CascadeJob{ParticipantID: "o", Program: domain.ProgramBinary, FromTier: 1, ToTier: 2, Depth: 1,
		TriggerEventID: "e2", CreatedAt: now, UpdatedAt: now}
	inTx(t, db, func(ctx context.Context, tx ports.Tx) {
		created, err := tx.EnqueueCascade(ctx, job)
		require.NoError(t, err)
		assert.True(t, created)

		created, err = tx.EnqueueCascade(ctx, job)
		require.NoError(t, err)
		assert.False(t, created)

		got, err := tx.GetCascade(ctx, "o", domain.ProgramBinary, 1, 2)
		require.NoError(t, err)
		assert.Equal(t, domain.CascadePending, got.Status)
		assert.Equal(t, "e2", got.TriggerEventID)

		got.Status = domain.CascadeFailed
		got.Attempts = 1
		got.LastError = "boom"
		require.NoError(t, tx.UpdateCascade(ctx, got))

		pending, err := tx.ListCascades(ctx, domain.CascadePending, 0)
		require.NoError(t, err)
		assert.Empty(t, pending)
		failed, err := tx.ListCascades(ctx, domain.CascadeFailed, 10)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, "boom", failed[0].LastError)

		_, err = tx.GetCascade(ctx, "o", domain.ProgramBinary, 2, 3)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestSQLiteStorage_RecycleQueue(t *testing.T) {
	db := open(t)
	key := domain.PlacementKey{ParticipantID: "root", Program: domain.ProgramMatrix, Tier: 1}
	job := domain.RecycleJob{Key: key, TriggerEventID: "e9", CreatedAt: now, UpdatedAt: now}

	inTx(t, db, func(ctx context.Context, tx ports.Tx) {
		created, err := tx.EnqueueRecycle(ctx, job)
		require.NoError(t, err)
		assert.True(t, created)

		// Un registro tiene como mucho un reciclaje en cola.
		created, err = tx.EnqueueRecycle(ctx, domain.RecycleJob{Key: key, TriggerEventID: "e10", CreatedAt: now, UpdatedAt: now})
		require.NoError(t, err)
		assert.False(t, created)

		got, err := tx.GetRecycle(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, domain.CascadePending, got.Status)
		assert.Equal(t, "e9", got.TriggerEventID)
		assert.True(t, got.CreatedAt.Equal(now))

		got.Status = domain.CascadeDone
		got.Attempts = 1
		got.UpdatedAt = now.Add(time.Minute)
		require.NoError(t, tx.UpdateRecycle(ctx, got))

		pending, err := tx.ListRecycles(ctx, domain.CascadePending, 0)
		require.NoError(t, err)
		assert.Empty(t, pending)
		done, err := tx.ListRecycles(ctx, domain.CascadeDone, 10)
		require.NoError(t, err)
		require.Len(t, done, 1)
		assert.Equal(t, key, done[0].Key)
		assert.True(t, done[0].UpdatedAt.Equal(now.Add(time.Minute)))

		next := key
		next.RecycleIndex = 1
		_, err = tx.GetRecycle(ctx, next)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestSQLiteStorage_FailedTxRollsBack(t *testing.T) {
	db := open(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.WithTx(ctx, func(tx ports.Tx) error {
		if err := tx.SaveParticipant(ctx, domain.Participant{ID: "a", RegisteredAt: now}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = db.Resolve(ctx, "a")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSQLiteStorage_ViewDoesNotPersist(t *testing.T) {
	db := open(t)
	ctx := context.Background()
	require.NoError(t, db.View(ctx, func(tx ports.Tx) error {
		return tx.SaveParticipant(ctx, domain.Participant{ID: "a", RegisteredAt: now})
	}))
	_, err := db.Resolve(ctx, "a")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSQLiteStorage_ReopenKeepsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slotmatrix.db")
	ctx := context.Background()

	db, err := storage.NewSQLiteStorage(path)
	require.NoError(t, err)
	require.NoError(t, db.WithTx(ctx, func(tx ports.Tx) error {
		return tx.SaveParticipant(ctx, domain.Participant{ID: "a", ReferralParent: "root", RegisteredAt: now})
	}))
	require.NoError(t, db.Close())

	db, err = storage.NewSQLiteStorage(path)
	require.NoError(t, err)
	defer db.Close()
	p, err := db.Resolve(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "root", p.ReferralParent)
}
