package service

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/liangchen812/walletsync/internal/guard"
	"github.com/liangchen812/walletsync/internal/model"
	"github.com/liangchen812/walletsync/internal/queue"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*TransactionService, *queue.Queue, context.Context) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	sqlDB, err := db.DB()
	assert.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	assert.NoError(t, db.AutoMigrate(&model.Transaction{}, &model.WalletOfflineUsage{}))

	// unscripted mock: every redis command errors, which the service must
	// tolerate (cache is advisory only)
	rdb, _ := redismock.NewClientMock()

	q := queue.New(db, zap.NewNop().Sugar())
	svc := NewTransactionService(q, rdb, zap.NewNop().Sugar(), decimal.NewFromInt(100))
	return svc, q, context.Background()
}

func offlineInput(amount int64, at time.Time) CreateInput {
	return CreateInput{
		SenderID:   "alice",
		ReceiverID: "bob",
		Amount:     decimal.NewFromInt(amount),
		DeviceID:   "dev-1",
		Offline:    true,
		CreatedAt:  at,
	}
}

func TestCreate_OfflineLimitScenario(t *testing.T) {
	svc, q, ctx := newTestService(t)
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	// 40 + 40 accepted, 30 rejected: 80+30 > 100
	_, err := svc.Create(ctx, offlineInput(40, base))
	assert.NoError(t, err)
	_, err = svc.Create(ctx, offlineInput(40, base.Add(time.Minute)))
	assert.NoError(t, err)
	_, err = svc.Create(ctx, offlineInput(30, base.Add(2*time.Minute)))
	assert.ErrorIs(t, err, guard.ErrOfflineLimitExceeded)

	pending := model.StatusPending
	n, err := q.Count(ctx, &pending)
	assert.NoError(t, err)
	assert.EqualValues(t, 2, n)

	usage, err := q.GetUsage(ctx, "alice")
	assert.NoError(t, err)
	assert.Equal(t, "80", usage.OfflineUsedToday.String())
}

func TestCreate_BootstrapsUsageRow(t *testing.T) {
	svc, q, ctx := newTestService(t)

	_, err := q.GetUsage(ctx, "alice")
	assert.ErrorIs(t, err, queue.ErrNotFound)

	_, err = svc.Create(ctx, offlineInput(10, time.Now()))
	assert.NoError(t, err)

	usage, err := q.GetUsage(ctx, "alice")
	assert.NoError(t, err)
	assert.Equal(t, "100", usage.OfflineDailyLimit.String())
	assert.Equal(t, "10", usage.OfflineUsedToday.String())
}

func TestCreate_DuplicateIsIdempotent(t *testing.T) {
	svc, q, ctx := newTestService(t)
	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	first, err := svc.Create(ctx, offlineInput(40, at))
	assert.NoError(t, err)
	second, err := svc.Create(ctx, offlineInput(40, at))
	assert.NoError(t, err)
	assert.Equal(t, first.TransactionHash, second.TransactionHash)
	assert.Equal(t, first.ID, second.ID)

	n, err := q.Count(ctx, nil)
	assert.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// the duplicate must not double-count offline usage
	usage, err := q.GetUsage(ctx, "alice")
	assert.NoError(t, err)
	assert.Equal(t, "40", usage.OfflineUsedToday.String())
}

func TestCreate_OnlineBypassesGuard(t *testing.T) {
	svc, q, ctx := newTestService(t)

	in := offlineInput(500, time.Now()) // far over the offline cap
	in.Offline = false
	tx, err := svc.Create(ctx, in)
	assert.NoError(t, err)
	assert.False(t, tx.IsOffline)
	assert.Equal(t, model.StatusPending, tx.Status)

	// no usage row was ever created
	_, err = q.GetUsage(ctx, "alice")
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func TestCreate_Validation(t *testing.T) {
	svc, _, ctx := newTestService(t)

	_, err := svc.Create(ctx, CreateInput{ReceiverID: "bob", Amount: decimal.NewFromInt(1), DeviceID: "dev"})
	assert.ErrorIs(t, err, ErrMissingParticipant)

	in := offlineInput(1, time.Now())
	in.ReceiverID = "alice"
	_, err = svc.Create(ctx, in)
	assert.ErrorIs(t, err, ErrSelfTransfer)

	in = offlineInput(0, time.Now())
	_, err = svc.Create(ctx, in)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestCreate_RejectionLeavesNoRows(t *testing.T) {
	svc, q, ctx := newTestService(t)
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	_, err := svc.Create(ctx, offlineInput(150, base))
	assert.ErrorIs(t, err, guard.ErrOfflineLimitExceeded)

	n, err := q.Count(ctx, nil)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestCancel(t *testing.T) {
	svc, q, ctx := newTestService(t)

	tx, err := svc.Create(ctx, offlineInput(10, time.Now()))
	assert.NoError(t, err)
	assert.NoError(t, svc.Cancel(ctx, tx.TransactionHash))

	got, err := q.GetByHash(ctx, tx.TransactionHash)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)

	assert.ErrorIs(t, svc.Cancel(ctx, "unknown"), queue.ErrNotFound)
}

func TestPendingCount_CacheFallback(t *testing.T) {
	svc, _, ctx := newTestService(t)

	_, err := svc.Create(ctx, offlineInput(10, time.Now()))
	assert.NoError(t, err)
	_, err = svc.Create(ctx, offlineInput(20, time.Now().Add(time.Second)))
	assert.NoError(t, err)

	// cache errors fall through to the DB
	n, err := svc.PendingCount(ctx, "alice")
	assert.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestPendingCount_CacheHit(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	assert.NoError(t, db.AutoMigrate(&model.Transaction{}, &model.WalletOfflineUsage{}))

	rdb, mock := redismock.NewClientMock()
	mock.ExpectGet("pending:alice").SetVal("7")

	q := queue.New(db, zap.NewNop().Sugar())
	svc := NewTransactionService(q, rdb, zap.NewNop().Sugar(), decimal.NewFromInt(100))

	n, err := svc.PendingCount(context.Background(), "alice")
	assert.NoError(t, err)
	assert.EqualValues(t, 7, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistory(t *testing.T) {
	svc, _, ctx := newTestService(t)
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	_, err := svc.Create(ctx, offlineInput(10, base))
	assert.NoError(t, err)
	_, err = svc.Create(ctx, offlineInput(20, base.Add(time.Hour)))
	assert.NoError(t, err)

	hist, err := svc.History(ctx, "alice", 10, base.Add(30*time.Minute))
	assert.NoError(t, err)
	assert.Len(t, hist, 1)
	assert.Equal(t, "20", hist[0].Amount.String())
}
