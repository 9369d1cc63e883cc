// Package service glues validation, the offline-limit guard, the hash
// canonicalizer and the queue into the transaction intake pipeline.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/liangchen812/walletsync/internal/guard"
	"github.com/liangchen812/walletsync/internal/model"
	"github.com/liangchen812/walletsync/internal/queue"
	"github.com/liangchen812/walletsync/internal/txhash"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidAmount means a non-positive or sub-minor-unit amount.
	ErrInvalidAmount = errors.New("amount must be a positive whole minor-unit value")
	// ErrMissingParticipant means sender, receiver or device was empty.
	ErrMissingParticipant = errors.New("sender, receiver and device are required")
	// ErrSelfTransfer means sender and receiver are the same wallet.
	ErrSelfTransfer = errors.New("cannot transfer to self")
)

// TransactionService accepts new transactions into the local queue.
type TransactionService struct {
	queue        *queue.Queue
	cache        *redis.Client
	log          *zap.SugaredLogger
	defaultLimit decimal.Decimal
}

// NewTransactionService constructs the service. defaultLimit seeds the
// offline daily cap for wallets seen for the first time. cache may be nil.
func NewTransactionService(q *queue.Queue, cache *redis.Client, logger *zap.SugaredLogger, defaultLimit decimal.Decimal) *TransactionService {
	return &TransactionService{queue: q, cache: cache, log: logger, defaultLimit: defaultLimit}
}

// CreateInput carries the fields of a candidate transaction. A zero
// CreatedAt means now.
type CreateInput struct {
	SenderID    string
	ReceiverID  string
	Amount      decimal.Decimal
	Description string
	DeviceID    string
	Offline     bool
	CreatedAt   time.Time
}

// Create validates, hashes and appends a transaction. Offline transactions
// pass the daily-limit guard first, and the guard's usage update commits in
// the same DB transaction as the append — both or neither. A duplicate hash
// is returned as the already-queued transaction, with no usage double-count.
func (s *TransactionService) Create(ctx context.Context, in CreateInput) (*model.Transaction, error) {
	if in.SenderID == "" || in.ReceiverID == "" || in.DeviceID == "" {
		return nil, ErrMissingParticipant
	}
	if in.SenderID == in.ReceiverID {
		return nil, ErrSelfTransfer
	}
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	createdAt = createdAt.UTC()

	hash, err := txhash.Sum(in.SenderID, in.ReceiverID, in.Amount, in.Description, in.DeviceID, createdAt)
	if err != nil {
		if errors.Is(err, txhash.ErrInvalidAmount) {
			return nil, ErrInvalidAmount
		}
		return nil, err
	}

	t := &model.Transaction{
		ID:              uuid.NewString(),
		SenderID:        in.SenderID,
		ReceiverID:      in.ReceiverID,
		Amount:          in.Amount,
		Description:     in.Description,
		DeviceID:        in.DeviceID,
		IsOffline:       in.Offline,
		TransactionHash: hash,
		Status:          model.StatusPending,
		CreatedAt:       createdAt,
	}

	var result *model.Transaction
	err = s.queue.DB(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.queue.GetByHashTx(ctx, tx, hash)
		if err == nil {
			// already tracked; nothing to append, nothing to count
			result = existing
			return nil
		}
		if !errors.Is(err, queue.ErrNotFound) {
			return err
		}

		if in.Offline {
			if err := s.applyGuard(ctx, tx, in.SenderID, in.Amount, createdAt); err != nil {
				return err
			}
		}

		if err := s.queue.AppendTx(ctx, tx, t); err != nil {
			return err
		}
		result = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.refreshPendingCount(ctx, in.SenderID)
	s.log.Infof("transaction %s queued (sender=%s offline=%v status=%s)",
		result.TransactionHash, result.SenderID, result.IsOffline, result.Status)
	return result, nil
}

// applyGuard loads (or bootstraps) the sender's usage row, evaluates the cap
// and persists the accepted snapshot under the optimistic version check.
func (s *TransactionService) applyGuard(ctx context.Context, tx *gorm.DB, senderID string, amount decimal.Decimal, at time.Time) error {
	usage, err := s.queue.GetUsageForUpdate(ctx, tx, senderID)
	if errors.Is(err, queue.ErrNotFound) {
		usage = &model.WalletOfflineUsage{
			WalletID:          senderID,
			OfflineDailyLimit: s.defaultLimit,
			OfflineUsedToday:  decimal.Zero,
			LastOfflineReset:  at,
		}
		if err := s.queue.CreateUsage(ctx, tx, usage); err != nil {
			return fmt.Errorf("bootstrap offline usage: %w", err)
		}
	} else if err != nil {
		return err
	}

	updated, err := guard.Evaluate(*usage, amount, at)
	if err != nil {
		return err
	}
	return s.queue.SaveUsage(ctx, tx, updated, usage.Version)
}

// Cancel withdraws a never-synced transaction.
func (s *TransactionService) Cancel(ctx context.Context, hash string) error {
	if err := s.queue.Cancel(ctx, hash); err != nil {
		return err
	}
	t, err := s.queue.GetByHash(ctx, hash)
	if err == nil {
		s.refreshPendingCount(ctx, t.SenderID)
	}
	return nil
}

// Get returns one transaction by hash.
func (s *TransactionService) Get(ctx context.Context, hash string) (*model.Transaction, error) {
	return s.queue.GetByHash(ctx, hash)
}

// History lists a sender's transactions since a point in time.
func (s *TransactionService) History(ctx context.Context, senderID string, limit int, since time.Time) ([]model.Transaction, error) {
	return s.queue.History(ctx, senderID, limit, since)
}

// Usage returns the sender's current offline-usage snapshot.
func (s *TransactionService) Usage(ctx context.Context, senderID string) (*model.WalletOfflineUsage, error) {
	return s.queue.GetUsage(ctx, senderID)
}

// PendingCount returns how many of the sender's transactions still await a
// remote commit, served from cache when fresh.
func (s *TransactionService) PendingCount(ctx context.Context, senderID string) (int64, error) {
	if s.cache != nil {
		if n, err := s.cache.Get(ctx, pendingKey(senderID)).Int64(); err == nil {
			return n, nil
		}
	}
	n, err := s.queue.CountUnsynced(ctx, senderID)
	if err != nil {
		return 0, err
	}
	s.cachePendingCount(ctx, senderID, n)
	return n, nil
}

func (s *TransactionService) refreshPendingCount(ctx context.Context, senderID string) {
	n, err := s.queue.CountUnsynced(ctx, senderID)
	if err != nil {
		s.log.Warnf("count unsynced for %s: %v", senderID, err)
		return
	}
	s.cachePendingCount(ctx, senderID, n)
}

func (s *TransactionService) cachePendingCount(ctx context.Context, senderID string, n int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, pendingKey(senderID), n, 5*time.Minute).Err(); err != nil {
		s.log.Warnf("cache pending count for %s: %v", senderID, err)
	}
}

func pendingKey(senderID string) string { return "pending:" + senderID }
