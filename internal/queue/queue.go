// Package queue is the durable local store of not-yet-confirmed
// transactions, keyed by canonical hash. Wallet offline-usage rows live in
// the same store so an append and its usage update commit as one unit.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/liangchen812/walletsync/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrDuplicateHash is returned on append of an already-known hash.
	ErrDuplicateHash = errors.New("transaction hash already queued")
	// ErrNotFound is returned when a hash is unknown. Integrity error,
	// never retried.
	ErrNotFound = errors.New("transaction not found")
	// ErrInvalidTransition is returned when a status update violates the
	// state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNotCancellable is returned when cancellation is requested for a
	// transaction that is syncing or already terminal.
	ErrNotCancellable = errors.New("transaction can no longer be cancelled")
	// ErrStaleUsage means the optimistic version check on a usage row
	// failed.
	ErrStaleUsage = errors.New("wallet offline usage was modified concurrently")
)

// Queue wraps the gorm store.
type Queue struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

// New constructs a Queue.
func New(db *gorm.DB, logger *zap.SugaredLogger) *Queue {
	return &Queue{db: db, log: logger}
}

// DB returns the underlying handle so callers can compose multi-row writes
// into a single transaction.
func (q *Queue) DB(ctx context.Context) *gorm.DB { return q.db.WithContext(ctx) }

// AppendTx persists t with status pending inside the given transaction.
// Returns ErrDuplicateHash if the hash is already tracked; the caller treats
// that as proof the transaction exists and must roll back any companion
// writes (usage updates) made on its behalf.
func (q *Queue) AppendTx(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	var count int64
	if err := tx.WithContext(ctx).Model(&model.Transaction{}).
		Where("transaction_hash = ?", t.TransactionHash).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrDuplicateHash
	}
	t.Status = model.StatusPending
	t.Terminal = false
	return tx.WithContext(ctx).Create(t).Error
}

// Append persists t in its own transaction.
func (q *Queue) Append(ctx context.Context, t *model.Transaction) error {
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return q.AppendTx(ctx, tx, t)
	})
}

// GetByHash loads a transaction by its canonical hash.
func (q *Queue) GetByHash(ctx context.Context, hash string) (*model.Transaction, error) {
	var t model.Transaction
	err := q.db.WithContext(ctx).Where("transaction_hash = ?", hash).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetByHashTx is GetByHash inside an existing transaction.
func (q *Queue) GetByHashTx(ctx context.Context, tx *gorm.DB, hash string) (*model.Transaction, error) {
	var t model.Transaction
	err := tx.WithContext(ctx).Where("transaction_hash = ?", hash).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListUnsynced returns transactions still owed to the remote ledger, oldest
// first: pending rows plus failed rows not marked terminal. limit <= 0 means
// no limit.
func (q *Queue) ListUnsynced(ctx context.Context, limit int) ([]model.Transaction, error) {
	var txs []model.Transaction
	stmt := q.db.WithContext(ctx).
		Where("(status = ? OR (status = ? AND terminal = ?))",
			model.StatusPending, model.StatusFailed, false).
		Order("created_at ASC, id ASC")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	err := stmt.Find(&txs).Error
	return txs, err
}

// StatusUpdate describes one transition. SyncedAt is only honored when
// moving to completed; Terminal and Reason only when moving to failed.
type StatusUpdate struct {
	Status   model.Status
	SyncedAt *time.Time
	Terminal bool
	Reason   string
}

// UpdateStatus atomically applies one state-machine transition. SyncedAt is
// written exactly once, on the transition into completed.
func (q *Queue) UpdateStatus(ctx context.Context, hash string, upd StatusUpdate) error {
	if !upd.Status.Valid() {
		return ErrInvalidTransition
	}
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := q.GetByHashTx(ctx, tx, hash)
		if err != nil {
			return err
		}
		if !t.Status.CanTransition(upd.Status) {
			return ErrInvalidTransition
		}

		fields := map[string]interface{}{
			"status":     upd.Status,
			"updated_at": time.Now().UTC(),
		}
		switch upd.Status {
		case model.StatusCompleted:
			if t.SyncedAt == nil {
				at := time.Now().UTC()
				if upd.SyncedAt != nil {
					at = upd.SyncedAt.UTC()
				}
				fields["synced_at"] = at
			}
		case model.StatusFailed:
			fields["terminal"] = upd.Terminal
			fields["failure_reason"] = upd.Reason
		case model.StatusSyncing, model.StatusPending:
			fields["terminal"] = false
			fields["failure_reason"] = ""
		}

		return tx.WithContext(ctx).Model(&model.Transaction{}).
			Where("transaction_hash = ?", hash).Updates(fields).Error
	})
}

// Cancel withdraws a transaction that never synced. Allowed from pending and
// failed, never from syncing or a terminal state.
func (q *Queue) Cancel(ctx context.Context, hash string) error {
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := q.GetByHashTx(ctx, tx, hash)
		if err != nil {
			return err
		}
		if !t.Status.CanTransition(model.StatusCancelled) {
			return ErrNotCancellable
		}
		return tx.WithContext(ctx).Model(&model.Transaction{}).
			Where("transaction_hash = ?", hash).
			Updates(map[string]interface{}{
				"status":     model.StatusCancelled,
				"updated_at": time.Now().UTC(),
			}).Error
	})
}

// Count returns the number of entries, optionally filtered by status.
func (q *Queue) Count(ctx context.Context, status *model.Status) (int64, error) {
	var n int64
	stmt := q.db.WithContext(ctx).Model(&model.Transaction{})
	if status != nil {
		stmt = stmt.Where("status = ?", *status)
	}
	err := stmt.Count(&n).Error
	return n, err
}

// CountUnsynced returns how many entries still need a commit, optionally
// scoped to one sender.
func (q *Queue) CountUnsynced(ctx context.Context, senderID string) (int64, error) {
	var n int64
	stmt := q.db.WithContext(ctx).Model(&model.Transaction{}).
		Where("(status = ? OR (status = ? AND terminal = ?))",
			model.StatusPending, model.StatusFailed, false)
	if senderID != "" {
		stmt = stmt.Where("sender_id = ?", senderID)
	}
	err := stmt.Count(&n).Error
	return n, err
}

// RequeueStale returns any row stuck in syncing to pending. Only called at
// pass start while no pass is in flight, where a syncing row can only be
// leftover from a crashed process.
func (q *Queue) RequeueStale(ctx context.Context) (int64, error) {
	res := q.db.WithContext(ctx).Model(&model.Transaction{}).
		Where("status = ?", model.StatusSyncing).
		Updates(map[string]interface{}{
			"status":     model.StatusPending,
			"updated_at": time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}

// History returns a sender's transactions since a point in time, oldest
// first.
func (q *Queue) History(ctx context.Context, senderID string, limit int, since time.Time) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := q.db.WithContext(ctx).
		Where("sender_id = ? AND created_at >= ?", senderID, since).
		Order("created_at ASC").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

// Prune deletes rows that no longer represent work: completed, cancelled and
// terminally failed entries older than cutoff. Retention is the caller's
// policy; the engine never prunes on its own.
func (q *Queue) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := q.db.WithContext(ctx).
		Where("created_at < ? AND (status IN ? OR (status = ? AND terminal = ?))",
			cutoff,
			[]model.Status{model.StatusCompleted, model.StatusCancelled},
			model.StatusFailed, true).
		Delete(&model.Transaction{})
	if res.Error == nil && res.RowsAffected > 0 {
		q.log.Infof("pruned %d queue entries", res.RowsAffected)
	}
	return res.RowsAffected, res.Error
}

// GetUsageForUpdate loads a wallet's offline-usage row for modification
// within the surrounding transaction. Concurrent writers are fenced by the
// version check in SaveUsage rather than a row lock, so this works the same
// on sqlite as on postgres.
func (q *Queue) GetUsageForUpdate(ctx context.Context, tx *gorm.DB, walletID string) (*model.WalletOfflineUsage, error) {
	var u model.WalletOfflineUsage
	err := tx.WithContext(ctx).
		Where("wallet_id = ?", walletID).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUsage bootstraps a wallet's usage row.
func (q *Queue) CreateUsage(ctx context.Context, tx *gorm.DB, u *model.WalletOfflineUsage) error {
	return tx.WithContext(ctx).Create(u).Error
}

// SaveUsage writes an updated usage snapshot with an optimistic version
// check, mirroring the wallet-balance update it guards.
func (q *Queue) SaveUsage(ctx context.Context, tx *gorm.DB, u model.WalletOfflineUsage, oldVersion uint64) error {
	res := tx.WithContext(ctx).Model(&model.WalletOfflineUsage{}).
		Where("wallet_id = ? AND version = ?", u.WalletID, oldVersion).
		Updates(map[string]interface{}{
			"offline_used_today": u.OfflineUsedToday,
			"last_offline_reset": u.LastOfflineReset,
			"version":            oldVersion + 1,
			"updated_at":         time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleUsage
	}
	return nil
}

// GetUsage reads a wallet's usage row without locking.
func (q *Queue) GetUsage(ctx context.Context, walletID string) (*model.WalletOfflineUsage, error) {
	var u model.WalletOfflineUsage
	err := q.db.WithContext(ctx).Where("wallet_id = ?", walletID).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
