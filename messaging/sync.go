package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SyncResult summarizes one SyncMessages pass.
type SyncResult struct {
	Batches    int
	Fetched    int
	Stored     int
	Duplicates int
	Dropped    int
	Deferred   int
	// LastTimestamp is the newest envelope timestamp seen, usable as the
	// next since cursor.
	LastTimestamp int64
}

func newDecryptGroup(ctx context.Context, workers int) (*errgroup.Group, context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	return g, gctx
}

// SyncMessages drains pending envelopes newer than since in fixed-size
// batches. Each batch is decrypted in parallel, stored in one transaction
// and then acknowledged. Batches are spaced by the configured delay.
func (m *Manager) SyncMessages(ctx context.Context, since int64) (SyncResult, error) {
	var result SyncResult
	if err := m.ensureOpen(); err != nil {
		return result, err
	}
	size := m.options.SyncBatchSize
	logger := logrus.WithFields(logrus.Fields{
		"function":   "SyncMessages",
		"since":      since,
		"batch_size": size,
	})

	for {
		envs, err := m.relay.FetchPending(ctx, since, size)
		if err != nil {
			return result, fmt.Errorf("%w: fetch pending: %w", ErrTransportFailure, err)
		}
		if len(envs) == 0 {
			break
		}
		result.Batches++
		result.Fetched += len(envs)

		outcome, err := m.processBatch(ctx, envs)
		if err != nil {
			return result, err
		}
		result.Stored += outcome.stored
		result.Duplicates += outcome.duplicates
		result.Dropped += outcome.dropped
		result.Deferred += outcome.deferred
		if outcome.lastTimestamp > result.LastTimestamp {
			result.LastTimestamp = outcome.lastTimestamp
		}

		if len(outcome.acked) > 0 {
			if err := m.relay.AcknowledgeMessages(ctx, outcome.acked); err != nil {
				return result, fmt.Errorf("%w: acknowledge %d envelopes: %w", ErrTransportFailure, len(outcome.acked), err)
			}
		}
		// A short page is the last one. A page where nothing could be
		// acknowledged would come back unchanged.
		if len(envs) < size || len(outcome.acked) == 0 {
			break
		}

		if m.options.SyncBatchDelay > 0 {
			timer := time.NewTimer(m.options.SyncBatchDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return result, ctx.Err()
			case <-timer.C:
			}
		}
	}

	logger.WithFields(logrus.Fields{
		"batches":    result.Batches,
		"stored":     result.Stored,
		"dropped":    result.Dropped,
		"duplicates": result.Duplicates,
	}).Debug("Sync pass complete")
	return result, nil
}
