// Package syncer drains the change queues into the relational store and
// seeds the operational store from it at startup. Delivery is at least once;
// the relational writes are idempotent upserts, so replays converge.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/openalpha/spot-core/db"
	"github.com/openalpha/spot-core/metrics"
	"github.com/openalpha/spot-core/store"
	"github.com/openalpha/spot-core/types"
)

// Relational is the persistence surface the synchroniser needs. *db.DB
// satisfies it; tests substitute an in-memory fake.
type Relational interface {
	db.Writer
	Transact(ctx context.Context, fn func(db.Writer) error) error
}

// Config tunes the drain workers.
type Config struct {
	Interval  time.Duration // timer-driven drain period
	BatchSize int           // max records reserved per cycle
	Watermark int           // queue depth that triggers an immediate next cycle
}

// DefaultConfig returns the default drain tuning.
func DefaultConfig() Config {
	return Config{
		Interval:  10 * time.Second,
		BatchSize: 500,
		Watermark: 500,
	}
}

// Syncer runs one drain worker per entity kind.
type Syncer struct {
	cfg Config
	st  *store.Store
	rel Relational
	mx  *metrics.Collector
	log *zap.Logger

	wg sync.WaitGroup
}

// New builds a synchroniser.
func New(cfg Config, st *store.Store, rel Relational, mx *metrics.Collector, logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{
		cfg: cfg,
		st:  st,
		rel: rel,
		mx:  mx,
		log: logger.With(zap.String("component", "syncer")),
	}
}

// Start recovers any crashed-mid-drain backlog, then launches one worker per
// entity kind. Recovery runs before the workers so replayed records commit
// ahead of new ones.
func (s *Syncer) Start(ctx context.Context) error {
	for _, kind := range types.EntityKinds {
		if err := s.recover(ctx, kind); err != nil {
			return fmt.Errorf("syncer start: recover %s: %w", kind, err)
		}
	}
	for _, kind := range types.EntityKinds {
		w := s.worker(kind)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			w.run(ctx)
		}()
	}
	s.log.Info("drain workers started", zap.Int("kinds", len(types.EntityKinds)))
	return nil
}

// Wait blocks until every worker has exited.
func (s *Syncer) Wait() { s.wg.Wait() }

// DrainOnce reserves and commits a single batch for kind. Exposed for tests
// and operator tooling; the workers call the same path.
func (s *Syncer) DrainOnce(ctx context.Context, kind types.EntityKind) (int, error) {
	return s.worker(kind).drainBatch(ctx)
}

// recover replays a processing queue left over from a crash. The previous run
// may or may not have committed the batch; committing again is harmless.
func (s *Syncer) recover(ctx context.Context, kind types.EntityKind) error {
	records, err := s.st.ProcessingBacklog(ctx, kind)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	s.log.Warn("replaying interrupted drain batch",
		zap.String("kind", string(kind)), zap.Int("records", len(records)))
	if err := s.apply(ctx, kind, records); err != nil {
		return err
	}
	return s.st.CompleteBatch(ctx, kind)
}

func (s *Syncer) worker(kind types.EntityKind) *worker {
	settings := gobreaker.Settings{
		Name: "relational-" + string(kind),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		Timeout: 30 * time.Second,
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry until shutdown
	return &worker{
		kind:    kind,
		parent:  s,
		breaker: gobreaker.NewCircuitBreaker(settings),
		bo:      bo,
		log:     s.log.With(zap.String("kind", string(kind))),
	}
}

// worker drains one entity kind. Timer-driven, with a watermark kick so a
// deep queue keeps draining back to back instead of waiting out the timer.
type worker struct {
	kind    types.EntityKind
	parent  *Syncer
	breaker *gobreaker.CircuitBreaker
	bo      *backoff.ExponentialBackOff
	log     *zap.Logger
}

func (w *worker) run(ctx context.Context) {
	ticker := time.NewTicker(w.parent.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("drain worker stopping")
			return
		case <-ticker.C:
		}
		w.drain(ctx)
	}
}

// drain keeps reserving batches until the queue falls under the watermark or
// a commit fails. A failed commit requeues the batch and backs off.
func (w *worker) drain(ctx context.Context) {
	for {
		n, err := w.drainBatch(ctx)
		if err != nil {
			w.log.Error("drain batch failed", zap.Error(err))
			pause := w.bo.NextBackOff()
			select {
			case <-time.After(pause):
			case <-ctx.Done():
			}
			return
		}
		w.bo.Reset()
		if n == 0 {
			return
		}
		depth, err := w.parent.st.QueueDepth(ctx, w.kind)
		if err != nil || depth < int64(w.parent.cfg.Watermark) {
			return
		}
	}
}

// drainBatch reserves one batch, commits it relationally, and completes the
// handoff. Any error after reservation requeues the processing queue so the
// records are retried.
func (w *worker) drainBatch(ctx context.Context) (int, error) {
	records, err := w.parent.st.ReserveBatch(ctx, w.kind, w.parent.cfg.BatchSize)
	if err != nil {
		if rqErr := w.parent.st.RequeueProcessing(ctx, w.kind); rqErr != nil {
			w.log.Error("requeue after reserve failure", zap.Error(rqErr))
		}
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	_, err = w.breaker.Execute(func() (interface{}, error) {
		return nil, w.parent.apply(ctx, w.kind, records)
	})
	if err != nil {
		if w.parent.mx != nil {
			w.parent.mx.SyncBatches.WithLabelValues(string(w.kind), "error").Inc()
		}
		if rqErr := w.parent.st.RequeueProcessing(ctx, w.kind); rqErr != nil {
			w.log.Error("requeue after commit failure", zap.Error(rqErr))
		}
		return 0, err
	}
	if err := w.parent.st.CompleteBatch(ctx, w.kind); err != nil {
		// The commit stood; a crash here replays idempotently at next start.
		return len(records), err
	}

	if w.parent.mx != nil {
		w.parent.mx.SyncBatches.WithLabelValues(string(w.kind), "ok").Inc()
		w.parent.mx.SyncedRecords.WithLabelValues(string(w.kind)).Add(float64(len(records)))
	}
	return len(records), nil
}

// apply re-reads the authoritative state for each record and commits the
// whole batch in one relational transaction. The workers wrap this in their
// circuit breaker; recovery at startup calls it directly.
func (s *Syncer) apply(ctx context.Context, kind types.EntityKind, records []types.ChangeRecord) error {
	return s.rel.Transact(ctx, func(tx db.Writer) error {
		for _, rec := range records {
			if err := s.applyRecord(ctx, tx, kind, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Syncer) applyRecord(ctx context.Context, tx db.Writer, kind types.EntityKind, rec types.ChangeRecord) error {
	switch kind {
	case types.EntityOrder:
		return s.applyOrder(ctx, tx, rec)
	case types.EntityTrade:
		return s.applyTrade(ctx, tx, rec)
	case types.EntityAsset:
		return s.applyAsset(ctx, tx, rec)
	default:
		return fmt.Errorf("unknown entity kind %q", kind)
	}
}

func (s *Syncer) applyOrder(ctx context.Context, tx db.Writer, rec types.ChangeRecord) error {
	id, err := strconv.ParseInt(rec.EntityID, 10, 64)
	if err != nil {
		s.log.Error("skipping order record with bad id", zap.String("id", rec.EntityID))
		return nil
	}
	if rec.Operation == types.ChangeOpDelete {
		return tx.DeleteOrder(ctx, id)
	}
	o, err := s.st.GetOrder(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		// Hash evicted between enqueue and drain; nothing current to persist.
		s.log.Warn("order hash missing at drain", zap.Int64("order", id))
		return nil
	}
	if err != nil {
		return err
	}
	return tx.UpsertOrder(ctx, o)
}

func (s *Syncer) applyTrade(ctx context.Context, tx db.Writer, rec types.ChangeRecord) error {
	id, err := strconv.ParseInt(rec.EntityID, 10, 64)
	if err != nil {
		s.log.Error("skipping trade record with bad id", zap.String("id", rec.EntityID))
		return nil
	}
	if rec.Operation == types.ChangeOpDelete {
		return tx.DeleteTrade(ctx, id)
	}
	t, err := s.st.GetTrade(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		s.log.Warn("trade hash missing at drain", zap.Int64("trade", id))
		return nil
	}
	if err != nil {
		return err
	}
	return tx.InsertTrade(ctx, t)
}

func (s *Syncer) applyAsset(ctx context.Context, tx db.Writer, rec types.ChangeRecord) error {
	userID, currency, err := types.ParseAssetEntityID(rec.EntityID)
	if err != nil {
		s.log.Error("skipping asset record with bad id", zap.String("id", rec.EntityID))
		return nil
	}
	a, err := s.st.Asset(ctx, userID, currency)
	if err != nil {
		return err
	}
	return tx.UpsertAsset(ctx, a)
}
