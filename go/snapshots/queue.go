// Package snapshots implements the distributed snapshot pipeline: a
// deduplicated, throttled queue of per-document snapshot jobs over a shared
// Redis sorted set, and the worker loop which drains it by rebuilding full
// document state from (last snapshot + stream tail) and persisting it
// through the metadata service's snapshot RPC.
package snapshots

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue is a deduplicated delayed-work queue of snapshot jobs. Members are
// document IDs; scores are the readyAt instant in milliseconds since epoch.
//
// At most one job per document exists at any time: Enqueue never updates an
// existing member's score, so repeated edits of a hot document collapse into
// a single pending job. A claimed job stays in the set with its score pushed
// processingTtl into the future, which both leases it to the claiming worker
// and keeps the dedup guarantee while in flight. Only Complete removes it.
type Queue struct {
	client redis.UniversalClient
	key    string
}

// NewQueue returns a Queue on the sorted set "{namespace}:snapshot:queue".
func NewQueue(client redis.UniversalClient, namespace string) *Queue {
	return &Queue{client: client, key: namespace + ":snapshot:queue"}
}

// claimScript atomically claims the lowest-scored ready member by pushing
// its score to the lease horizon. Executed server-side so concurrent workers
// linearize: at most one holds a non-expired lease for a given document.
var claimScript = redis.NewScript(`
local ready = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ready == 0 then
	return false
end
redis.call('ZADD', KEYS[1], ARGV[2], ready[1])
return ready[1]
`)

// Enqueue inserts a job for |docID| becoming ready after |delay|, only if no
// job for it already exists. Returns true iff newly inserted.
func (q *Queue) Enqueue(ctx context.Context, docID string, delay time.Duration) (bool, error) {
	var added, err = q.client.ZAddNX(ctx, q.key, redis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: docID,
	}).Result()
	if err != nil {
		return false, fmt.Errorf("enqueueing snapshot of %q: %w", docID, err)
	}
	if added != 0 {
		enqueuesTotal.Inc()
	}
	return added != 0, nil
}

// Claim leases the most overdue ready job, pushing its readyAt to
// |now| + |processingTtl|. Returns "" if no job is ready.
func (q *Queue) Claim(ctx context.Context, now time.Time, processingTtl time.Duration) (string, error) {
	var res, err = claimScript.Run(ctx, q.client, []string{q.key},
		now.UnixMilli(), now.Add(processingTtl).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("claiming snapshot job: %w", err)
	}
	docID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("claim script returned %T", res)
	}
	claimsTotal.Inc()
	return docID, nil
}

// Complete removes the job for |docID|. Idempotent.
func (q *Queue) Complete(ctx context.Context, docID string) error {
	if err := q.client.ZRem(ctx, q.key, docID).Err(); err != nil {
		return fmt.Errorf("completing snapshot of %q: %w", docID, err)
	}
	return nil
}

// Postpone moves the job for |docID| to become ready after |delay|, keeping
// it in the queue so another attempt occurs later. No-op if absent.
func (q *Queue) Postpone(ctx context.Context, docID string, delay time.Duration) error {
	var err = q.client.ZAddXX(ctx, q.key, redis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: docID,
	}).Err()
	if err != nil {
		return fmt.Errorf("postponing snapshot of %q: %w", docID, err)
	}
	return nil
}

// Len returns the number of queued jobs, ready or in flight.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}
