// Package stream adapts Redis Streams into the per-document append-only log
// used for cross-server replication: durable appends with approximate
// trimming, ordered range reads, and long-lived tailing subscriptions which
// filter out entries this server itself produced.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// ErrStoreUnavailable wraps transport-level failures of the stream store.
var ErrStoreUnavailable = errors.New("stream store unavailable")

// Zero is the stream cursor addressing the beginning of a document's log.
const Zero = "0-0"

// Tail is the subscription cursor addressing the current end of the log.
const Tail = "$"

// Entry is one replicated document update.
type Entry struct {
	// ID is the server-assigned stream entry ID. IDs are monotonically
	// increasing within a document's stream; wall-clock TS is informational.
	ID       string
	Payload  []byte
	ServerID string
	TS       int64
}

// Config parameterizes an Adapter.
type Config struct {
	// Namespace prefixes all stream keys.
	Namespace string
	// ServerID tags appended entries, and is filtered on the tailing path.
	ServerID string
	// MaxLen approximately bounds each document's stream length.
	MaxLen int64
	// BatchSize bounds entries fetched per tail iteration.
	BatchSize int64
	// IdleDelay is how long a tail blocks awaiting new entries.
	IdleDelay time.Duration
}

// Adapter provides per-document append-only logs over one Redis deployment.
type Adapter struct {
	client redis.UniversalClient
	cfg    Config
}

// NewAdapter returns an Adapter over |client|.
func NewAdapter(client redis.UniversalClient, cfg Config) *Adapter {
	return &Adapter{client: client, cfg: cfg}
}

// ServerID returns the origin tag of this adapter.
func (a *Adapter) ServerID() string { return a.cfg.ServerID }

func (a *Adapter) key(docID string) string {
	return a.cfg.Namespace + ":doc:" + docID
}

// Append durably appends |payload| to the document's stream, trimming it to
// approximately MaxLen entries, and returns the assigned entry ID.
func (a *Adapter) Append(ctx context.Context, docID string, payload []byte) (string, error) {
	var id, err = a.client.XAdd(ctx, &redis.XAddArgs{
		Stream: a.key(docID),
		MaxLen: a.cfg.MaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"payload":  payload,
			"serverId": a.cfg.ServerID,
			"ts":       time.Now().UnixMilli(),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("%w: appending to %s: %s", ErrStoreUnavailable, a.key(docID), err)
	}
	appendsTotal.Inc()
	return id, nil
}

// Range reads up to |limit| entries strictly after |afterID| in ascending ID
// order. Use Zero to read from the beginning. The caller owns the cursor:
// pass the last returned Entry.ID to continue.
func (a *Adapter) Range(ctx context.Context, docID, afterID string, limit int64) ([]Entry, error) {
	// XRANGE is inclusive of its start; fetch one extra and drop the cursor
	// entry itself if it's still present.
	var msgs, err = a.client.XRangeN(ctx, a.key(docID), afterID, "+", limit+1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %s", ErrStoreUnavailable, a.key(docID), err)
	}

	var out = make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == afterID {
			continue
		}
		out = append(out, parseEntry(m))
		if int64(len(out)) == limit {
			break
		}
	}
	return out, nil
}

// Subscribe starts a long-running tail of the document's stream, delivering
// entries with ID > |fromID| to |onEntry| in order. Entries originated by
// this adapter's ServerID are filtered. Use Tail to start from the current
// end of the log. Transient store errors are retried with bounded backoff,
// resuming from the last delivered ID. The returned stop function halts the
// tail before its next delivery.
func (a *Adapter) Subscribe(ctx context.Context, docID, fromID string, onEntry func(Entry)) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)

	go a.tail(ctx, docID, fromID, onEntry)
	return cancel
}

func (a *Adapter) tail(ctx context.Context, docID, fromID string, onEntry func(Entry)) {
	var key = a.key(docID)
	var cursor = fromID
	var backoff = time.Duration(0)

	if cursor == Tail {
		// Resolve "$" to a concrete cursor so retries resume deterministically.
		var last, err = a.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
		if err != nil && ctx.Err() == nil {
			log.WithFields(log.Fields{"doc": docID, "err": err}).
				Warn("failed to resolve stream tail; starting from the beginning")
		}
		cursor = Zero
		if len(last) != 0 {
			cursor = last[0].ID
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var res, err = a.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, cursor},
			Count:   a.cfg.BatchSize,
			Block:   a.cfg.IdleDelay,
		}).Result()

		if err == redis.Nil {
			backoff = 0
			continue // No new entries within the block window.
		} else if ctx.Err() != nil {
			return
		} else if err != nil {
			backoff = nextBackoff(backoff)
			tailRetriesTotal.Inc()
			log.WithFields(log.Fields{"doc": docID, "cursor": cursor, "backoff": backoff, "err": err}).
				Warn("stream tail read failed; retrying")

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		for _, s := range res {
			for _, m := range s.Messages {
				cursor = m.ID

				var entry = parseEntry(m)
				if entry.ServerID == a.cfg.ServerID {
					continue // Our own origin; the local bus already delivered it.
				}
				select {
				case <-ctx.Done():
					return
				default:
				}
				onEntry(entry)
				tailDeliveriesTotal.Inc()
			}
		}
	}
}

func parseEntry(m redis.XMessage) Entry {
	var entry = Entry{ID: m.ID}
	if v, ok := m.Values["payload"].(string); ok {
		entry.Payload = []byte(v)
	}
	if v, ok := m.Values["serverId"].(string); ok {
		entry.ServerID = v
	}
	if v, ok := m.Values["ts"].(string); ok {
		fmt.Sscan(v, &entry.TS)
	}
	return entry
}

func nextBackoff(d time.Duration) time.Duration {
	switch {
	case d == 0:
		return time.Millisecond * 100
	case d >= time.Second*5:
		return time.Second * 5
	default:
		return d * 2
	}
}
