package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/openalpha/spot-core/types"
)

// Change queues hand mutations off to the durable synchroniser. The payload
// carries identity only; drain re-reads the authoritative state from the
// hash, so repeated enqueues for one id collapse naturally.

// Enqueue appends a change record for kind.
func (s *Store) Enqueue(ctx context.Context, kind types.EntityKind, rec types.ChangeRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal change record: %w", err)
	}
	if err := s.LPush(ctx, syncQueueKey(kind), string(payload)); err != nil {
		return fmt.Errorf("enqueue %s change: %w", kind, err)
	}
	return nil
}

// QueueDepth returns the number of pending change records for kind.
func (s *Store) QueueDepth(ctx context.Context, kind types.EntityKind) (int64, error) {
	return s.LLen(ctx, syncQueueKey(kind))
}

// ReserveBatch moves up to max records tail-to-head into the processing
// queue and returns them oldest first. The handoff is what makes a crash
// between relational commit and queue deletion recoverable.
func (s *Store) ReserveBatch(ctx context.Context, kind types.EntityKind, max int) ([]types.ChangeRecord, error) {
	src, dst := syncQueueKey(kind), processingQueueKey(kind)
	records := make([]types.ChangeRecord, 0, max)
	for i := 0; i < max; i++ {
		payload, err := s.RPopLPush(ctx, src, dst)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return records, fmt.Errorf("reserve %s batch: %w", kind, err)
		}
		var rec types.ChangeRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			// A malformed record cannot be replayed; drop it rather than
			// wedging the queue.
			s.log.Error("dropping malformed change record",
				zap.String("kind", string(kind)), zap.String("payload", payload))
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// ProcessingBacklog returns the records left in the processing queue, oldest
// first. Non-empty at startup means the previous run crashed mid-drain.
func (s *Store) ProcessingBacklog(ctx context.Context, kind types.EntityKind) ([]types.ChangeRecord, error) {
	payloads, err := s.rdb.LRange(ctx, processingQueueKey(kind), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s processing queue: %w", kind, err)
	}
	// LRange walks head to tail; the tail entry was reserved first.
	records := make([]types.ChangeRecord, 0, len(payloads))
	for i := len(payloads) - 1; i >= 0; i-- {
		var rec types.ChangeRecord
		if err := json.Unmarshal([]byte(payloads[i]), &rec); err != nil {
			s.log.Error("skipping malformed processing record",
				zap.String("kind", string(kind)), zap.String("payload", payloads[i]))
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// CompleteBatch drops the processing queue after a successful relational
// commit.
func (s *Store) CompleteBatch(ctx context.Context, kind types.EntityKind) error {
	return s.Del(ctx, processingQueueKey(kind))
}

// RequeueProcessing moves the processing queue contents back to the head of
// the main queue so the batch is retried on the next cycle.
func (s *Store) RequeueProcessing(ctx context.Context, kind types.EntityKind) error {
	src, dst := processingQueueKey(kind), syncQueueKey(kind)
	for {
		_, err := s.RPopLPush(ctx, src, dst)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("requeue %s batch: %w", kind, err)
		}
	}
}
