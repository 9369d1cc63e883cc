package queue

import (
	"context"
	"testing"
	"time"

	"github.com/liangchen812/walletsync/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestQueue(t *testing.T) (*Queue, context.Context) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	sqlDB, err := db.DB()
	assert.NoError(t, err)
	// a second pooled connection would see its own empty :memory: database
	sqlDB.SetMaxOpenConns(1)
	assert.NoError(t, db.AutoMigrate(&model.Transaction{}, &model.WalletOfflineUsage{}))
	return New(db, zap.NewNop().Sugar()), context.Background()
}

func tx(id, hash string, createdAt time.Time) *model.Transaction {
	return &model.Transaction{
		ID:              id,
		SenderID:        "alice",
		ReceiverID:      "bob",
		Amount:          decimal.NewFromInt(10),
		DeviceID:        "dev-1",
		IsOffline:       true,
		TransactionHash: hash,
		Status:          model.StatusPending,
		CreatedAt:       createdAt,
	}
}

func TestAppend_DuplicateHash(t *testing.T) {
	q, ctx := newTestQueue(t)
	now := time.Now().UTC()

	assert.NoError(t, q.Append(ctx, tx("id-1", "hash-1", now)))
	err := q.Append(ctx, tx("id-2", "hash-1", now))
	assert.ErrorIs(t, err, ErrDuplicateHash)

	n, err := q.Count(ctx, nil)
	assert.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestListUnsynced_OrderAndFilter(t *testing.T) {
	q, ctx := newTestQueue(t)
	base := time.Now().UTC().Truncate(time.Second)

	assert.NoError(t, q.Append(ctx, tx("id-2", "hash-2", base.Add(2*time.Second))))
	assert.NoError(t, q.Append(ctx, tx("id-1", "hash-1", base.Add(1*time.Second))))
	assert.NoError(t, q.Append(ctx, tx("id-3", "hash-3", base.Add(3*time.Second))))
	assert.NoError(t, q.Append(ctx, tx("id-4", "hash-4", base.Add(4*time.Second))))

	// hash-3 completes, hash-4 fails terminally; neither is unsynced anymore
	assert.NoError(t, q.UpdateStatus(ctx, "hash-3", StatusUpdate{Status: model.StatusSyncing}))
	assert.NoError(t, q.UpdateStatus(ctx, "hash-3", StatusUpdate{Status: model.StatusCompleted}))
	assert.NoError(t, q.UpdateStatus(ctx, "hash-4", StatusUpdate{Status: model.StatusSyncing}))
	assert.NoError(t, q.UpdateStatus(ctx, "hash-4", StatusUpdate{Status: model.StatusFailed, Terminal: true, Reason: "fraud block"}))

	unsynced, err := q.ListUnsynced(ctx, 0)
	assert.NoError(t, err)
	assert.Len(t, unsynced, 2)
	assert.Equal(t, "hash-1", unsynced[0].TransactionHash)
	assert.Equal(t, "hash-2", unsynced[1].TransactionHash)
}

func TestListUnsynced_IncludesRetryableFailed(t *testing.T) {
	q, ctx := newTestQueue(t)
	now := time.Now().UTC()

	assert.NoError(t, q.Append(ctx, tx("id-1", "hash-1", now)))
	assert.NoError(t, q.UpdateStatus(ctx, "hash-1", StatusUpdate{Status: model.StatusSyncing}))
	assert.NoError(t, q.UpdateStatus(ctx, "hash-1", StatusUpdate{Status: model.StatusFailed, Reason: "timeout"}))

	unsynced, err := q.ListUnsynced(ctx, 0)
	assert.NoError(t, err)
	assert.Len(t, unsynced, 1)
	assert.True(t, unsynced[0].Retryable())
}

func TestUpdateStatus_Lifecycle(t *testing.T) {
	q, ctx := newTestQueue(t)
	now := time.Now().UTC()
	assert.NoError(t, q.Append(ctx, tx("id-1", "hash-1", now)))

	assert.NoError(t, q.UpdateStatus(ctx, "hash-1", StatusUpdate{Status: model.StatusSyncing}))
	syncedAt := time.Now().UTC()
	assert.NoError(t, q.UpdateStatus(ctx, "hash-1", StatusUpdate{Status: model.StatusCompleted, SyncedAt: &syncedAt}))

	got, err := q.GetByHash(ctx, "hash-1")
	assert.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.NotNil(t, got.SyncedAt)

	// completion is a one-way door
	err = q.UpdateStatus(ctx, "hash-1", StatusUpdate{Status: model.StatusPending})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	err = q.UpdateStatus(ctx, "hash-1", StatusUpdate{Status: model.StatusFailed})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUpdateStatus_UnknownHash(t *testing.T) {
	q, ctx := newTestQueue(t)
	err := q.UpdateStatus(ctx, "nope", StatusUpdate{Status: model.StatusSyncing})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStatus_RetryClearsFailure(t *testing.T) {
	q, ctx := newTestQueue(t)
	now := time.Now().UTC()
	assert.NoError(t, q.Append(ctx, tx("id-1", "hash-1", now)))
	assert.NoError(t, q.UpdateStatus(ctx, "hash-1", StatusUpdate{Status: model.StatusSyncing}))
	assert.NoError(t, q.UpdateStatus(ctx, "hash-1", StatusUpdate{Status: model.StatusFailed, Reason: "timeout"}))
	assert.NoError(t, q.UpdateStatus(ctx, "hash-1", StatusUpdate{Status: model.StatusSyncing}))

	got, err := q.GetByHash(ctx, "hash-1")
	assert.NoError(t, err)
	assert.Equal(t, model.StatusSyncing, got.Status)
	assert.Empty(t, got.FailureReason)
}

func TestCancel_Rules(t *testing.T) {
	q, ctx := newTestQueue(t)
	now := time.Now().UTC()

	assert.NoError(t, q.Append(ctx, tx("id-1", "hash-1", now)))
	assert.NoError(t, q.Cancel(ctx, "hash-1"))
	got, _ := q.GetByHash(ctx, "hash-1")
	assert.Equal(t, model.StatusCancelled, got.Status)

	// syncing entries cannot be withdrawn
	assert.NoError(t, q.Append(ctx, tx("id-2", "hash-2", now)))
	assert.NoError(t, q.UpdateStatus(ctx, "hash-2", StatusUpdate{Status: model.StatusSyncing}))
	assert.ErrorIs(t, q.Cancel(ctx, "hash-2"), ErrNotCancellable)

	// completed entries cannot be withdrawn
	assert.NoError(t, q.UpdateStatus(ctx, "hash-2", StatusUpdate{Status: model.StatusCompleted}))
	assert.ErrorIs(t, q.Cancel(ctx, "hash-2"), ErrNotCancellable)
}

func TestRequeueStale(t *testing.T) {
	q, ctx := newTestQueue(t)
	now := time.Now().UTC()
	assert.NoError(t, q.Append(ctx, tx("id-1", "hash-1", now)))
	assert.NoError(t, q.UpdateStatus(ctx, "hash-1", StatusUpdate{Status: model.StatusSyncing}))

	n, err := q.RequeueStale(ctx)
	assert.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, _ := q.GetByHash(ctx, "hash-1")
	assert.Equal(t, model.StatusPending, got.Status)
}

func TestCount_ByStatus(t *testing.T) {
	q, ctx := newTestQueue(t)
	now := time.Now().UTC()
	assert.NoError(t, q.Append(ctx, tx("id-1", "hash-1", now)))
	assert.NoError(t, q.Append(ctx, tx("id-2", "hash-2", now.Add(time.Second))))
	assert.NoError(t, q.UpdateStatus(ctx, "hash-2", StatusUpdate{Status: model.StatusSyncing}))
	assert.NoError(t, q.UpdateStatus(ctx, "hash-2", StatusUpdate{Status: model.StatusCompleted}))

	pending := model.StatusPending
	n, err := q.Count(ctx, &pending)
	assert.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = q.CountUnsynced(ctx, "alice")
	assert.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestAtomicAppendWithUsage(t *testing.T) {
	q, ctx := newTestQueue(t)
	now := time.Now().UTC()

	u := &model.WalletOfflineUsage{
		WalletID:          "alice",
		OfflineDailyLimit: decimal.NewFromInt(100),
		OfflineUsedToday:  decimal.Zero,
		LastOfflineReset:  now,
	}
	err := q.DB(ctx).Transaction(func(dbtx *gorm.DB) error {
		if err := q.CreateUsage(ctx, dbtx, u); err != nil {
			return err
		}
		return q.AppendTx(ctx, dbtx, tx("id-1", "hash-1", now))
	})
	assert.NoError(t, err)

	// duplicate append rolls the companion usage write back with it
	err = q.DB(ctx).Transaction(func(dbtx *gorm.DB) error {
		loaded, err := q.GetUsageForUpdate(ctx, dbtx, "alice")
		if err != nil {
			return err
		}
		updated := *loaded
		updated.OfflineUsedToday = updated.OfflineUsedToday.Add(decimal.NewFromInt(10))
		if err := q.SaveUsage(ctx, dbtx, updated, loaded.Version); err != nil {
			return err
		}
		return q.AppendTx(ctx, dbtx, tx("id-2", "hash-1", now))
	})
	assert.ErrorIs(t, err, ErrDuplicateHash)

	got, err := q.GetUsage(ctx, "alice")
	assert.NoError(t, err)
	assert.True(t, got.OfflineUsedToday.IsZero(), "rolled-back usage must stay zero, got %s", got.OfflineUsedToday)
}

func TestSaveUsage_OptimisticLock(t *testing.T) {
	q, ctx := newTestQueue(t)
	now := time.Now().UTC()
	u := &model.WalletOfflineUsage{
		WalletID:          "alice",
		OfflineDailyLimit: decimal.NewFromInt(100),
		OfflineUsedToday:  decimal.Zero,
		LastOfflineReset:  now,
	}
	assert.NoError(t, q.DB(ctx).Create(u).Error)

	updated := *u
	updated.OfflineUsedToday = decimal.NewFromInt(40)
	assert.NoError(t, q.SaveUsage(ctx, q.DB(ctx), updated, 0))
	// the stale version loses
	assert.ErrorIs(t, q.SaveUsage(ctx, q.DB(ctx), updated, 0), ErrStaleUsage)
}

func TestPrune(t *testing.T) {
	q, ctx := newTestQueue(t)
	old := time.Now().UTC().Add(-48 * time.Hour)

	assert.NoError(t, q.Append(ctx, tx("id-1", "hash-1", old)))
	assert.NoError(t, q.Append(ctx, tx("id-2", "hash-2", old)))
	assert.NoError(t, q.UpdateStatus(ctx, "hash-1", StatusUpdate{Status: model.StatusSyncing}))
	assert.NoError(t, q.UpdateStatus(ctx, "hash-1", StatusUpdate{Status: model.StatusCompleted}))

	n, err := q.Prune(ctx, time.Now().UTC().Add(-24*time.Hour))
	assert.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// the pending entry survives no matter how old it is
	_, err = q.GetByHash(ctx, "hash-2")
	assert.NoError(t, err)
}
