// Package syncer drains the local transaction queue against the remote
// ledger. At most one drain pass runs at any instant; every trigger source
// funnels through the same single-flight entry point.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/liangchen812/walletsync/internal/connectivity"
	"github.com/liangchen812/walletsync/internal/ledger"
	"github.com/liangchen812/walletsync/internal/model"
	"github.com/liangchen812/walletsync/internal/queue"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Trigger identifies what asked for a pass. All triggers behave identically;
// the label is for logs and events.
type Trigger string

const (
	TriggerManual       Trigger = "manual"
	TriggerConnectivity Trigger = "connectivity"
	TriggerPeriodic     Trigger = "periodic"
	TriggerWake         Trigger = "wake"
)

// Outcome classifies a status event.
type Outcome string

const (
	OutcomeSyncing Outcome = "syncing"
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// Event is one status notification: an immediate "syncing" when a pass
// begins, then exactly one aggregate event when it ends.
type Event struct {
	Outcome       Outcome
	Message       string
	AffectedCount int
}

// Callback receives status events. There is at most one active subscriber.
type Callback func(Event)

// Result aggregates one pass.
type Result struct {
	Trigger         Trigger   `json:"trigger"`
	StartedAt       time.Time `json:"started_at"`
	Attempted       int       `json:"attempted"`
	Completed       int       `json:"completed"`
	FailedRetryable int       `json:"failed_retryable"`
	FailedTerminal  int       `json:"failed_terminal"`
	TerminalHashes  []string  `json:"terminal_hashes,omitempty"`
}

func (r Result) failed() bool { return r.FailedRetryable > 0 }

// Options tunes the coordinator.
type Options struct {
	// BatchSize caps how many entries one pass attempts. <= 0 means all.
	BatchSize int
	// BackoffFloor is the minimum inter-pass delay after a pass with
	// transient failures. Doubles per consecutive failing pass up to
	// BackoffCap; a clean pass resets it.
	BackoffFloor time.Duration
	BackoffCap   time.Duration
}

// Coordinator owns sync state for one device. Construct with New, then feed
// it triggers via Sync.
type Coordinator struct {
	queue   *queue.Queue
	ledger  ledger.Client
	monitor connectivity.Monitor
	writer  *kafka.Writer
	cache   *redis.Client
	log     *zap.SugaredLogger
	opts    Options

	mu          sync.Mutex
	inFlight    bool
	done        chan struct{}
	consecutive int
	nextAllowed time.Time
	lastResult  *Result

	cbMu sync.Mutex
	cb   Callback
}

// New constructs a Coordinator. writer and cache may be nil; outcome
// publication and cache refresh are then skipped.
func New(q *queue.Queue, lc ledger.Client, mon connectivity.Monitor, writer *kafka.Writer, cache *redis.Client, logger *zap.SugaredLogger, opts Options) *Coordinator {
	if opts.BackoffFloor < 0 {
		opts.BackoffFloor = 0
	}
	if opts.BackoffCap < opts.BackoffFloor {
		opts.BackoffCap = opts.BackoffFloor
	}
	return &Coordinator{
		queue:   q,
		ledger:  lc,
		monitor: mon,
		writer:  writer,
		cache:   cache,
		log:     logger,
		opts:    opts,
	}
}

// RegisterCallback installs the status subscriber, replacing any previous
// one. A nil cb deregisters. Deregistering never affects an in-flight pass.
func (c *Coordinator) RegisterCallback(cb Callback) {
	c.cbMu.Lock()
	c.cb = cb
	c.cbMu.Unlock()
}

func (c *Coordinator) emit(ev Event) {
	c.cbMu.Lock()
	cb := c.cb
	c.cbMu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// Sync runs one drain pass. started is false when the pass was skipped:
// another pass is in flight, or the inter-pass backoff window is still open.
// A skipped trigger is a no-op, never an error.
func (c *Coordinator) Sync(ctx context.Context, trigger Trigger) (res Result, started bool, err error) {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		c.log.Debugf("sync trigger %s coalesced: pass in flight", trigger)
		return Result{}, false, nil
	}
	if now := time.Now(); now.Before(c.nextAllowed) {
		c.mu.Unlock()
		c.log.Debugf("sync trigger %s deferred: backoff until %s", trigger, c.nextAllowed.Format(time.RFC3339))
		return Result{}, false, nil
	}
	c.inFlight = true
	c.done = make(chan struct{})
	c.mu.Unlock()

	res, err = c.runPass(ctx, trigger)
	c.finish(res, err)
	return res, true, err
}

// Wait blocks until the in-flight pass (if any) ends.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	inFlight := c.inFlight
	c.mu.Unlock()
	if !inFlight || done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LastResult returns the most recent completed pass.
func (c *Coordinator) LastResult() (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastResult == nil {
		return Result{}, false
	}
	return *c.lastResult, true
}

func (c *Coordinator) finish(res Result, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = false
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	r := res
	c.lastResult = &r
	if err != nil || res.failed() {
		c.consecutive++
		delay := c.opts.BackoffFloor
		for i := 1; i < c.consecutive && delay < c.opts.BackoffCap; i++ {
			delay *= 2
		}
		if delay > c.opts.BackoffCap {
			delay = c.opts.BackoffCap
		}
		c.nextAllowed = time.Now().Add(delay)
	} else {
		c.consecutive = 0
		c.nextAllowed = time.Time{}
	}
}

func (c *Coordinator) runPass(ctx context.Context, trigger Trigger) (Result, error) {
	res := Result{Trigger: trigger, StartedAt: time.Now().UTC()}

	if !c.monitor.Online(ctx) {
		c.log.Infof("sync pass (%s) skipped: offline", trigger)
		return res, nil
	}

	if n, err := c.queue.RequeueStale(ctx); err != nil {
		return res, fmt.Errorf("requeue stale: %w", err)
	} else if n > 0 {
		c.log.Warnf("requeued %d stale syncing entries", n)
	}

	items, err := c.queue.ListUnsynced(ctx, c.opts.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list unsynced: %w", err)
	}

	c.emit(Event{Outcome: OutcomeSyncing, Message: "sync started", AffectedCount: len(items)})
	c.log.Infof("sync pass (%s): %d entries", trigger, len(items))

	for i := range items {
		if ctx.Err() != nil {
			break
		}
		c.attempt(ctx, &items[i], &res)
	}

	c.report(ctx, res)
	return res, nil
}

// attempt commits a single entry. Failures are isolated: they mark the entry
// and the pass moves on.
func (c *Coordinator) attempt(ctx context.Context, t *model.Transaction, res *Result) {
	hash := t.TransactionHash
	if err := c.queue.UpdateStatus(ctx, hash, queue.StatusUpdate{Status: model.StatusSyncing}); err != nil {
		c.log.Errorf("mark syncing %s: %v", hash, err)
		return
	}
	res.Attempted++

	commit, err := c.ledger.Commit(ctx, *t)
	switch {
	case err == nil:
		now := time.Now().UTC()
		if uerr := c.queue.UpdateStatus(ctx, hash, queue.StatusUpdate{Status: model.StatusCompleted, SyncedAt: &now}); uerr != nil {
			c.log.Errorf("mark completed %s: %v", hash, uerr)
			return
		}
		res.Completed++
		if commit.Duplicate {
			c.log.Infof("commit %s: already known remotely", hash)
		}
		c.publishSynced(ctx, t, now)
	case ledger.IsPermanent(err):
		if uerr := c.queue.UpdateStatus(ctx, hash, queue.StatusUpdate{Status: model.StatusFailed, Terminal: true, Reason: err.Error()}); uerr != nil {
			c.log.Errorf("mark terminal %s: %v", hash, uerr)
			return
		}
		res.FailedTerminal++
		res.TerminalHashes = append(res.TerminalHashes, hash)
		c.log.Warnf("commit %s permanently rejected: %v", hash, err)
	default:
		if uerr := c.queue.UpdateStatus(ctx, hash, queue.StatusUpdate{Status: model.StatusFailed, Reason: err.Error()}); uerr != nil {
			c.log.Errorf("mark failed %s: %v", hash, uerr)
			return
		}
		res.FailedRetryable++
		c.log.Warnf("commit %s failed transiently: %v", hash, err)
	}
}

// report emits the aggregate event and publishes the pass outcome.
func (c *Coordinator) report(ctx context.Context, res Result) {
	failures := res.FailedRetryable + res.FailedTerminal
	if failures == 0 {
		msg := fmt.Sprintf("synced %d transaction(s)", res.Completed)
		c.emit(Event{Outcome: OutcomeSuccess, Message: msg, AffectedCount: res.Completed})
	} else {
		msg := fmt.Sprintf("synced %d, failed %d (%d permanently rejected)",
			res.Completed, failures, res.FailedTerminal)
		c.emit(Event{Outcome: OutcomeError, Message: msg, AffectedCount: res.Attempted})
	}

	if c.writer != nil {
		payload, err := json.Marshal(res)
		if err == nil {
			err = c.writer.WriteMessages(ctx, kafka.Message{
				Key:   []byte("sync.pass"),
				Value: payload,
				Time:  time.Now(),
			})
		}
		if err != nil {
			c.log.Warnf("publish pass outcome: %v", err)
		}
	}

	if c.cache != nil {
		if pending, err := c.queue.CountUnsynced(ctx, ""); err == nil {
			if err := c.cache.Set(ctx, "sync:pending_total", pending, 5*time.Minute).Err(); err != nil {
				c.log.Warnf("cache pending total: %v", err)
			}
		}
		if payload, err := json.Marshal(res); err == nil {
			if err := c.cache.Set(ctx, "sync:last", payload, 0).Err(); err != nil {
				c.log.Warnf("cache last result: %v", err)
			}
		}
	}
}

func (c *Coordinator) publishSynced(ctx context.Context, t *model.Transaction, at time.Time) {
	if c.writer == nil {
		return
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"transaction_hash": t.TransactionHash,
		"sender_id":        t.SenderID,
		"receiver_id":      t.ReceiverID,
		"amount":           t.Amount,
		"synced_at":        at,
	})
	msg := kafka.Message{Key: []byte(t.TransactionHash), Value: payload, Time: at}
	if err := c.writer.WriteMessages(ctx, msg); err != nil {
		c.log.Warnf("publish synced %s: %v", t.TransactionHash, err)
	}
}
