// Package driver advances the ledger one bounded batch of chain transactions at a time.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mirror-protocol/mirrorx/pkg/db/ledger"
	"github.com/mirror-protocol/mirrorx/pkg/db/models"
	"github.com/mirror-protocol/mirrorx/pkg/indexer/codec"
	"github.com/mirror-protocol/mirrorx/pkg/indexer/dispatch"
	"github.com/mirror-protocol/mirrorx/pkg/indexer/solvency"
	"github.com/mirror-protocol/mirrorx/pkg/indexer/uow"
	"github.com/mirror-protocol/mirrorx/pkg/metrics"
	"github.com/mirror-protocol/mirrorx/pkg/redis"
	"github.com/mirror-protocol/mirrorx/pkg/retry"
	"github.com/mirror-protocol/mirrorx/pkg/rpc"
	"go.uber.org/zap"
)

// ErrCheckpointMoved means another writer advanced the checkpoint between the pre-read and the lock.
var ErrCheckpointMoved = errors.New("checkpoint moved")

type Config struct {
	BatchSize       int
	EmptyBatchDelay time.Duration
	RetryDelay      time.Duration
	// StopHeight caps the head; 0 follows the chain.
	StopHeight    uint64
	FetchAttempts int
}

func DefaultConfig() Config {
	return Config{
		BatchSize:       100,
		EmptyBatchDelay: 500 * time.Millisecond,
		RetryDelay:      5 * time.Second,
		FetchAttempts:   3,
	}
}

// Result describes one tick.
type Result struct {
	Head       uint64    `json:"head"`
	Checkpoint uint64    `json:"checkpoint"`
	From       uint64    `json:"from,omitempty"`
	To         uint64    `json:"to,omitempty"`
	Txs        int       `json:"txs"`
	Records    int       `json:"records"`
	Empty      bool      `json:"empty"`
	CaughtUp   bool      `json:"caught_up"`
	At         time.Time `json:"at"`
}

type Solvency interface {
	Tick(ctx context.Context, now time.Time) (solvency.Result, error)
}

type Notifier interface {
	PublishBatch(ctx context.Context, n redis.BatchNotification)
}

// ContractCache learns contracts registered by a committed batch.
type ContractCache interface {
	Remember(contracts ...*models.Contract)
}

type Driver struct {
	store      ledger.Store
	client     rpc.Client
	dispatcher *dispatch.Dispatcher
	cfg        Config
	logger     *zap.Logger

	cache    ContractCache
	solvency Solvency
	notifier Notifier
	metrics  *metrics.Metrics

	now  func() time.Time
	last atomic.Pointer[Result]
}

type Option func(*Driver)

func WithContractCache(c ContractCache) Option { return func(d *Driver) { d.cache = c } }
func WithSolvency(s Solvency) Option           { return func(d *Driver) { d.solvency = s } }
func WithNotifier(n Notifier) Option           { return func(d *Driver) { d.notifier = n } }
func WithMetrics(m *metrics.Metrics) Option    { return func(d *Driver) { d.metrics = m } }
func WithClock(now func() time.Time) Option    { return func(d *Driver) { d.now = now } }

func New(store ledger.Store, client rpc.Client, dispatcher *dispatch.Dispatcher, cfg Config, logger *zap.Logger, opts ...Option) *Driver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FetchAttempts <= 0 {
		cfg.FetchAttempts = 1
	}
	d := &Driver{
		store:      store,
		client:     client,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "driver")),
		now:        time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Last returns the most recent successful tick, or nil before the first one.
func (d *Driver) Last() *Result {
	return d.last.Load()
}

// Tick ingests at most one batch. The batch is dispatched and checkpointed in one transaction.
func (d *Driver) Tick(ctx context.Context) (Result, error) {
	started := d.now()
	res := Result{At: started}

	head, err := d.head(ctx)
	if err != nil {
		return res, err
	}
	res.Head = head

	checkpoint, err := d.store.Checkpoint(ctx)
	if err != nil {
		return res, fmt.Errorf("read checkpoint: %w", err)
	}
	res.Checkpoint = checkpoint
	if checkpoint >= head {
		res.CaughtUp = true
		d.last.Store(&res)
		return res, nil
	}

	var txs []*rpc.Tx
	err = retry.WithBackoff(ctx, retry.FixedConfig(d.cfg.FetchAttempts, d.cfg.RetryDelay), d.logger, "fetch txs", func() error {
		var ferr error
		txs, ferr = d.client.TxsInRange(ctx, checkpoint+1, head, d.cfg.BatchSize)
		if errors.Is(ferr, rpc.ErrNotFound) {
			// a pruned range does not come back on retry
			return retry.Permanent(ferr)
		}
		return ferr
	})
	if err != nil {
		d.countError(err)
		return res, fmt.Errorf("fetch txs (%d..%d]: %w", checkpoint, head, err)
	}
	if len(txs) == 0 {
		res.Empty = true
		d.last.Store(&res)
		d.logger.Debug("No transactions upstream yet", zap.Uint64("from", checkpoint+1), zap.Uint64("to", head))
		sleep(ctx, d.cfg.EmptyBatchDelay)
		return res, nil
	}

	res.From = txs[0].Height
	res.To = txs[len(txs)-1].Height
	work := uow.New(d.store)
	err = d.store.InTx(ctx, func(ctx context.Context) error {
		locked, err := d.store.LockCheckpoint(ctx)
		if err != nil {
			return fmt.Errorf("lock checkpoint: %w", err)
		}
		if locked != checkpoint {
			return fmt.Errorf("%w: read %d, locked %d", ErrCheckpointMoved, checkpoint, locked)
		}
		for _, tx := range txs {
			if err := d.dispatcher.Dispatch(ctx, work, tx); err != nil {
				return err
			}
		}
		if err := work.Flush(ctx); err != nil {
			return err
		}
		return d.store.SaveCheckpoint(ctx, res.To)
	})
	if err != nil {
		d.countError(err)
		return res, err
	}

	res.Checkpoint = res.To
	res.Txs = len(txs)
	res.Records = len(work.Txs())
	d.last.Store(&res)

	if d.cache != nil {
		d.cache.Remember(work.Contracts()...)
	}
	d.afterCommit(ctx, res, started)
	return res, nil
}

func (d *Driver) head(ctx context.Context) (uint64, error) {
	var head uint64
	err := retry.WithBackoff(ctx, retry.FixedConfig(d.cfg.FetchAttempts, d.cfg.RetryDelay), d.logger, "latest height", func() error {
		h, err := d.client.LatestHeight(ctx)
		head = h
		return err
	})
	if err != nil {
		d.countError(err)
		return 0, fmt.Errorf("latest height: %w", err)
	}
	if d.cfg.StopHeight > 0 && head > d.cfg.StopHeight {
		head = d.cfg.StopHeight
	}
	if d.metrics != nil {
		d.metrics.ChainHead.Set(float64(head))
	}
	return head, nil
}

func (d *Driver) afterCommit(ctx context.Context, res Result, started time.Time) {
	d.logger.Info("Batch committed",
		zap.Uint64("from", res.From),
		zap.Uint64("to", res.To),
		zap.Int("txs", res.Txs),
		zap.Int("records", res.Records),
	)

	if d.solvency != nil {
		sres, err := d.solvency.Tick(ctx, d.now())
		if err != nil {
			d.logger.Error("Solvency tick failed", zap.Uint64("checkpoint", res.Checkpoint), zap.Error(err))
		} else if d.metrics != nil {
			d.metrics.SolvencyTicks.WithLabelValues(string(sres.Tier)).Inc()
			d.metrics.SolvencyDeleted.Add(float64(sres.Deleted))
		}
	}

	if d.notifier != nil {
		d.notifier.PublishBatch(ctx, redis.BatchNotification{
			FromHeight: res.From,
			ToHeight:   res.To,
			Txs:        res.Txs,
			Records:    res.Records,
			Timestamp:  d.now(),
		})
	}

	if d.metrics != nil {
		d.metrics.Checkpoint.Set(float64(res.Checkpoint))
		d.metrics.BatchTxs.Add(float64(res.Txs))
		d.metrics.BatchRecords.Add(float64(res.Records))
		d.metrics.BatchDuration.Observe(d.now().Sub(started).Seconds())
	}
}

// Class names the failure class of a tick error: decode, integrity, checkpoint or transient.
func Class(err error) string {
	switch {
	case errors.Is(err, codec.ErrMalformedLog):
		return "decode"
	case errors.Is(err, dispatch.ErrCdpNotFound):
		return "integrity"
	case errors.Is(err, ErrCheckpointMoved):
		return "checkpoint"
	default:
		return "transient"
	}
}

func (d *Driver) countError(err error) {
	if d.metrics != nil {
		d.metrics.TickErrors.WithLabelValues(Class(err)).Inc()
	}
}

// Run ticks until ctx ends or the stop height is reached. Failed ticks are logged and retried after RetryDelay.
func (d *Driver) Run(ctx context.Context) error {
	d.logger.Info("Ingestion started",
		zap.Int("batch_size", d.cfg.BatchSize),
		zap.Uint64("stop_height", d.cfg.StopHeight),
	)
	for ctx.Err() == nil {
		res, err := d.Tick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			d.logFailure(err)
			sleep(ctx, d.cfg.RetryDelay)
			continue
		}
		if d.stopped(res) {
			d.logger.Info("Stop height reached", zap.Uint64("checkpoint", res.Checkpoint))
			return nil
		}
		if res.CaughtUp {
			sleep(ctx, d.cfg.EmptyBatchDelay)
		}
	}
	d.logger.Info("Ingestion stopped")
	return nil
}

// stopped reports whether nothing is left below the stop height. An empty range ending at the
// stop height counts: that history will not grow.
func (d *Driver) stopped(res Result) bool {
	if d.cfg.StopHeight == 0 {
		return false
	}
	return res.Checkpoint >= d.cfg.StopHeight || (res.Empty && res.Head == d.cfg.StopHeight)
}

func (d *Driver) logFailure(err error) {
	fields := []zap.Field{zap.String("class", Class(err)), zap.Error(err)}
	var txErr *dispatch.TxError
	if errors.As(err, &txErr) {
		fields = append(fields,
			zap.Uint64("height", txErr.Height),
			zap.String("tx_hash", txErr.TxHash),
			zap.ByteString("msg", txErr.Msg),
			zap.ByteString("log", txErr.Log),
		)
	}
	d.logger.Error("Tick failed", fields...)
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
