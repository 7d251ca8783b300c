// Package session hosts live collaborative documents: it owns the
// per-document in-memory replica, drives the sync protocol over WebSocket
// connections, fans local edits out to peers and to the cross-server
// replication layer, and maintains the per-server awareness channel.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/parchmentlabs/parchment/go/replication"
)

// ErrDraining is returned to connections arriving while the registry shuts
// down.
var ErrDraining = errors.New("server is draining")

// errDocEvicted signals that a DocHost was torn down between lookup and
// attach; the caller re-resolves the host.
var errDocEvicted = errors.New("document host was evicted")

// SnapshotEnqueuer schedules snapshot rebuilds. *snapshots.Queue satisfies it.
type SnapshotEnqueuer interface {
	Enqueue(ctx context.Context, docID string, delay time.Duration) (bool, error)
}

// SnapshotGetter loads the last persisted snapshot of a document.
// *snapshot.Client satisfies it. It may be nil, in which case documents
// start from their stream alone.
type SnapshotGetter interface {
	Get(ctx context.Context, docID string) (has bool, snapshot []byte, err error)
}

// Config parameterizes a Registry.
type Config struct {
	// PingInterval is the WebSocket heartbeat period. A connection which
	// doesn't answer within two intervals is closed.
	PingInterval time.Duration
	// WriteTimeout bounds every WebSocket write. A connection which cannot
	// drain a broadcast within it is closed rather than blocking its peers.
	WriteTimeout time.Duration
	// SnapshotThrottle delays a document's snapshot job after an edit, and
	// thereby bounds the rebuild rate of a hot document.
	SnapshotThrottle time.Duration
	// IdleEviction is how long an unreferenced document stays warm before
	// its host is destroyed. Destruction enqueues one final snapshot.
	IdleEviction time.Duration
	// ReplayBatch bounds entries per stream read while binding.
	ReplayBatch int64
}

// Registry owns every live DocHost of the process. It's an injected value
// (not module state) so tests can instantiate independent server stacks
// within one process.
type Registry struct {
	ctx   context.Context
	cfg   Config
	repl  *replication.Replicator
	queue SnapshotEnqueuer
	rpc   SnapshotGetter

	mu       sync.Mutex
	hosts    map[string]*DocHost
	draining bool
}

// NewRegistry returns a Registry whose hosts and heartbeats live within
// |ctx|.
func NewRegistry(
	ctx context.Context,
	cfg Config,
	repl *replication.Replicator,
	queue SnapshotEnqueuer,
	rpc SnapshotGetter,
) *Registry {
	return &Registry{
		ctx:   ctx,
		cfg:   cfg,
		repl:  repl,
		queue: queue,
		rpc:   rpc,
		hosts: make(map[string]*DocHost),
	}
}

// Serve attaches an upgraded WebSocket connection to the document's host and
// blocks, pumping its messages, until the connection closes or the registry
// drains. The caller owns |ws| teardown on return.
func (r *Registry) Serve(ws *websocket.Conn, docID string) error {
	// An eviction may race our lookup; re-resolve if it does.
	for {
		var host, err = r.host(docID)
		if err != nil {
			return err
		}

		var conn = newConn(ws, r.cfg.WriteTimeout)
		if err = host.addConn(conn); errors.Is(err, errDocEvicted) {
			continue
		} else if err != nil {
			// A failed priming send. The conn was already registered; undo
			// that, or it would pin the host against idle eviction forever.
			host.removeConn(conn)
			return err
		}

		err = conn.run(r.ctx, host, r.cfg.PingInterval)
		host.removeConn(conn)
		return err
	}
}

// host resolves or creates the DocHost of |docID|, loading its snapshot and
// binding its replication before returning it.
func (r *Registry) host(docID string) (*DocHost, error) {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return nil, ErrDraining
	}
	if h, ok := r.hosts[docID]; ok {
		r.mu.Unlock()
		<-h.ready
		if h.bindErr != nil {
			return nil, h.bindErr
		}
		return h, nil
	}

	var h = newDocHost(r, docID)
	r.hosts[docID] = h
	r.mu.Unlock()

	h.load(r.ctx)
	close(h.ready)

	if h.bindErr != nil {
		r.mu.Lock()
		delete(r.hosts, docID)
		r.mu.Unlock()
		return nil, h.bindErr
	}
	docsActive.Inc()
	return h, nil
}

// evict destroys |h| if it's still registered and unreferenced.
func (r *Registry) evict(h *DocHost) {
	r.mu.Lock()
	if r.hosts[h.name] != h {
		r.mu.Unlock()
		return
	}
	h.mu.Lock()
	if len(h.conns) != 0 || h.destroyed {
		h.mu.Unlock()
		r.mu.Unlock()
		return
	}
	h.destroyed = true
	h.mu.Unlock()
	delete(r.hosts, h.name)
	r.mu.Unlock()

	h.teardown()
	r.enqueueSnapshot(h.name, 0) // Final flush of the evicted document.
	log.WithField("doc", h.name).Info("evicted idle document")
}

// enqueueSnapshot schedules a snapshot rebuild of |docID| after |delay|.
// The queue deduplicates: a hot document holds at most one pending job.
func (r *Registry) enqueueSnapshot(docID string, delay time.Duration) {
	if _, err := r.queue.Enqueue(r.ctx, docID, delay); err != nil {
		log.WithFields(log.Fields{"doc": docID, "err": err}).
			Warn("failed to enqueue snapshot job")
	}
}

// Drain stops serving: new connections are refused, each warm document gets
// a final snapshot job, and every connection is closed with a normal-closure
// code.
func (r *Registry) Drain() {
	r.mu.Lock()
	r.draining = true
	var hosts = make([]*DocHost, 0, len(r.hosts))
	for _, h := range r.hosts {
		hosts = append(hosts, h)
	}
	r.hosts = make(map[string]*DocHost)
	r.mu.Unlock()

	for _, h := range hosts {
		h.mu.Lock()
		h.destroyed = true
		var conns = make([]*Conn, 0, len(h.conns))
		for c := range h.conns {
			conns = append(conns, c)
		}
		h.mu.Unlock()

		h.teardown()
		r.enqueueSnapshot(h.name, 0)
		for _, c := range conns {
			c.closeNormally()
		}
	}
	log.WithField("docs", len(hosts)).Info("session registry drained")
}

// Stats returns the number of live hosts and connections, for health
// reporting and tests.
func (r *Registry) Stats() (docs, conns int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.hosts {
		h.mu.Lock()
		conns += len(h.conns)
		h.mu.Unlock()
	}
	return len(r.hosts), conns
}
