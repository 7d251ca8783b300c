package snapshots

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/task"

	"github.com/parchmentlabs/parchment/go/crdt"
	ps "github.com/parchmentlabs/parchment/go/protocols/snapshot"
	"github.com/parchmentlabs/parchment/go/stream"
)

// SnapshotRPC is the slice of the metadata service the worker depends on.
// *snapshot.Client satisfies it.
type SnapshotRPC interface {
	Get(ctx context.Context, docID string) (has bool, snapshot []byte, err error)
	Save(ctx context.Context, docID string, snapshot []byte) error
}

// Worker drains the snapshot queue: it claims jobs with a lease, rebuilds
// the document's full state from its last snapshot plus the stream tail, and
// persists the result. Many Workers may run against the same queue; the
// claim lease guarantees at most one is active per document per lease window.
type Worker struct {
	Queue   *Queue
	Streams *stream.Adapter
	RPC     SnapshotRPC

	// PollInterval is slept when the queue has no ready job.
	PollInterval time.Duration
	// ProcessingTTL is the lease window of a claimed job. A worker lost
	// mid-job leaves the job claimable again once the TTL elapses.
	ProcessingTTL time.Duration
	// RetryDelay postpones a failed job's next attempt.
	RetryDelay time.Duration
	// RangeBatch bounds entries fetched per stream read while rebuilding.
	RangeBatch int64
}

// QueueTasks queues the worker's long-running drain loop onto |tasks|.
func (w *Worker) QueueTasks(tasks *task.Group) {
	tasks.Queue("snapshotWorkerLoop", func() error {
		return w.Run(tasks.Context())
	})
}

// Run drains the queue until |ctx| is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		var docID, err = w.Queue.Claim(ctx, time.Now(), w.ProcessingTTL)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.WithField("err", err).Warn("failed to claim snapshot job; retrying")
			docID = ""
		}
		if docID == "" {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.PollInterval):
			}
			continue
		}

		if err = w.process(ctx, docID); err == nil {
			continue
		} else if errors.Is(err, ps.ErrDocNotFound) {
			// Terminal: the document no longer exists. Drop the job.
			log.WithFields(log.Fields{"doc": docID, "err": err}).
				Error("dropping snapshot job of unknown document")
			if err = w.Queue.Complete(ctx, docID); err != nil {
				log.WithFields(log.Fields{"doc": docID, "err": err}).Warn("failed to drop snapshot job")
			}
		} else {
			log.WithFields(log.Fields{"doc": docID, "retryDelay": w.RetryDelay, "err": err}).
				Warn("snapshot rebuild failed; postponing")
			snapshotFailuresTotal.Inc()
			if err = w.Queue.Postpone(ctx, docID, w.RetryDelay); err != nil {
				log.WithFields(log.Fields{"doc": docID, "err": err}).Warn("failed to postpone snapshot job")
			}
		}
	}
}

// process rebuilds and persists one document's snapshot, then completes its
// job. The save strictly precedes the completion: a crash between the two
// re-runs the job after its lease expires, which is safe because snapshots
// are whole-state and overwriting.
func (w *Worker) process(ctx context.Context, docID string) error {
	var started = time.Now()
	var doc = crdt.NewDoc()

	// Seed from the last snapshot, if any. A snapshot older than the oldest
	// surviving stream entry is still correct: it already absorbed the
	// trimmed history, and re-applying surviving entries is idempotent.
	has, snap, err := w.RPC.Get(ctx, docID)
	if err != nil {
		return err
	}
	if has {
		if err = doc.ApplyUpdate(snap, nil); err != nil {
			return fmt.Errorf("applying snapshot of %q: %w", docID, err)
		}
	}

	// Fold in the entire surviving stream.
	var entries int
	var cursor = stream.Zero
	for {
		batch, err := w.Streams.Range(ctx, docID, cursor, w.RangeBatch)
		if err != nil {
			return err
		}
		for _, e := range batch {
			cursor = e.ID
			if err = doc.ApplyUpdate(e.Payload, nil); err != nil {
				return fmt.Errorf("applying stream entry %s of %q: %w", e.ID, docID, err)
			}
			entries++
		}
		if int64(len(batch)) < w.RangeBatch {
			break
		}
	}

	if err = w.RPC.Save(ctx, docID, doc.EncodeSnapshot()); err != nil {
		return err
	}
	if err = w.Queue.Complete(ctx, docID); err != nil {
		return err
	}

	snapshotsBuiltTotal.Inc()
	log.WithFields(log.Fields{
		"doc":     docID,
		"entries": entries,
		"took":    time.Since(started),
	}).Info("persisted document snapshot")
	return nil
}
