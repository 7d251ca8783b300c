package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/parchmentlabs/parchment/go/crdt"
	"github.com/parchmentlabs/parchment/go/replication"
)

// remoteOrigin marks updates applied from the replication layer. The doc's
// update observer sees it and broadcasts to local connections without
// re-publishing, which breaks the publish→deliver→publish loop.
type remoteOriginType struct{}

var remoteOrigin any = remoteOriginType{}

// DocHost is the live, in-memory replica of one document: at most one exists
// per document per process. It exists while at least one connection holds
// it, or while it's being loaded or flushed; an idle host is destroyed after
// the configured grace period.
type DocHost struct {
	name      string
	reg       *Registry
	doc       *crdt.Doc
	awareness *crdt.Awareness

	// ready closes once load completes; bindErr is set before it closes.
	ready   chan struct{}
	bindErr error

	mu          sync.Mutex
	conns       map[*Conn]map[uint64]struct{} // Conn → its awareness client IDs.
	evictTimer  *time.Timer
	unsubscribe func()
	destroyed   bool
}

func newDocHost(r *Registry, docID string) *DocHost {
	var h = &DocHost{
		name:      docID,
		reg:       r,
		doc:       crdt.NewDoc(),
		awareness: crdt.NewAwareness(),
		ready:     make(chan struct{}),
		conns:     make(map[*Conn]map[uint64]struct{}),
	}
	h.doc.OnUpdate(h.onDocUpdate)
	h.awareness.OnUpdate(h.onAwarenessUpdate)
	// Subscribe before binding so replayed entries reach the handler.
	h.unsubscribe = r.repl.Bus().Subscribe(docID, h.onDelivery)
	return h
}

// load seeds the replica from its last snapshot, then binds replication
// (backlog replay + live tail). A snapshot load failure degrades to an empty
// replica: the stream replay and peer syncs still converge the document.
// A bind failure is fatal to the host.
func (h *DocHost) load(ctx context.Context) {
	if h.reg.rpc != nil {
		var has, snap, err = h.reg.rpc.Get(ctx, h.name)
		if err != nil {
			log.WithFields(log.Fields{"doc": h.name, "err": err}).
				Error("snapshot load failed; proceeding with empty replica")
		} else if has {
			if err = h.doc.ApplyUpdate(snap, remoteOrigin); err != nil {
				log.WithFields(log.Fields{"doc": h.name, "err": err}).
					Error("snapshot apply failed; proceeding with empty replica")
			}
		}
	}

	if err := h.reg.repl.BindDoc(ctx, h.name, h.reg.cfg.ReplayBatch); err != nil {
		h.unsubscribe()
		h.bindErr = fmt.Errorf("binding %q: %w", h.name, err)
	}
}

// onDelivery applies an update delivered by the replication bus.
func (h *DocHost) onDelivery(d replication.Delivery) {
	if d.EntryID == "" {
		// The synchronous local echo of our own publish. The edit was
		// already applied and broadcast; re-applying here would deadlock
		// on the replica's lock. Replayed own-origin entries carry an
		// EntryID and are applied like any remote update.
		return
	}
	if err := h.doc.ApplyUpdate(d.Update, remoteOrigin); err != nil {
		log.WithFields(log.Fields{"doc": h.name, "entry": d.EntryID, "origin": d.OriginServerID, "err": err}).
			Error("failed to apply remote update")
		return
	}
	updatesAppliedTotal.WithLabelValues("remote").Inc()
}

// onDocUpdate observes every update applied to the replica. All updates are
// broadcast to local connections; locally originated ones (origin is not
// remoteOrigin) are additionally published to the stream and schedule a
// snapshot rebuild.
func (h *DocHost) onDocUpdate(update []byte, origin any) {
	h.broadcast(crdt.EncodeSyncUpdate(update), nil)

	if origin == remoteOrigin {
		return
	}
	if err := h.reg.repl.Publish(h.reg.ctx, h.name, update); err != nil {
		log.WithFields(log.Fields{"doc": h.name, "err": err}).
			Error("failed to publish local update")
	}
	h.reg.enqueueSnapshot(h.name, h.reg.cfg.SnapshotThrottle)
	updatesAppliedTotal.WithLabelValues("local").Inc()
}

// onAwarenessUpdate fans awareness changes out to every connection except
// the one they arrived on.
func (h *DocHost) onAwarenessUpdate(update []byte, origin any) {
	var except, _ = origin.(*Conn)
	h.broadcast(crdt.EncodeAwarenessMessage(update), except)
}

// broadcast best-effort sends |msg| to all connections but |except|.
// A failed send closes only that connection.
func (h *DocHost) broadcast(msg []byte, except *Conn) {
	h.mu.Lock()
	var conns = make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		if c != except {
			conns = append(conns, c)
		}
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := c.send(msg); err != nil {
			log.WithFields(log.Fields{"doc": h.name, "err": err}).
				Warn("dropping connection which failed a broadcast")
		}
	}
}

// addConn registers a connection and primes it: one SYNC/step1 of the
// current replica, then the full awareness state if any client is present.
func (h *DocHost) addConn(c *Conn) error {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return errDocEvicted
	}
	if h.evictTimer != nil {
		h.evictTimer.Stop()
		h.evictTimer = nil
	}
	h.conns[c] = make(map[uint64]struct{})
	h.mu.Unlock()

	connectionsActive.Inc()

	if err := c.send(crdt.EncodeSyncStep1(h.doc)); err != nil {
		return fmt.Errorf("sending sync step1: %w", err)
	}
	if aw := h.awareness.Encode(); aw != nil {
		if err := c.send(crdt.EncodeAwarenessMessage(aw)); err != nil {
			return fmt.Errorf("sending awareness state: %w", err)
		}
	}
	return nil
}

// removeConn unregisters a connection, removes its awareness clients
// (broadcasting the removal), and starts the idle-eviction timer when the
// last connection departs.
func (h *DocHost) removeConn(c *Conn) {
	h.mu.Lock()
	var ids, ok = h.conns[c]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c)
	var idle = len(h.conns) == 0 && !h.destroyed
	if idle {
		h.evictTimer = time.AfterFunc(h.reg.cfg.IdleEviction, func() { h.reg.evict(h) })
	}
	h.mu.Unlock()

	connectionsActive.Dec()
	c.shutdown()

	if len(ids) != 0 {
		var clients = make([]uint64, 0, len(ids))
		for id := range ids {
			clients = append(clients, id)
		}
		h.awareness.RemoveClients(clients, c)
	}
}

// ownAwareness records that |c| announced the given awareness client IDs, so
// they're removed when it departs.
func (h *DocHost) ownAwareness(c *Conn, clients []uint64) {
	h.mu.Lock()
	if set, ok := h.conns[c]; ok {
		for _, id := range clients {
			set[id] = struct{}{}
		}
	}
	h.mu.Unlock()
}

// handleMessage processes one framed client message, returning a reply to
// send to only this connection, if any. An error closes the connection.
func (h *DocHost) handleMessage(c *Conn, msg []byte) (reply []byte, err error) {
	msgType, body, err := crdt.ReadMessageType(msg)
	if err != nil {
		return nil, fmt.Errorf("reading message type: %w", err)
	}

	switch msgType {
	case crdt.MessageSync:
		messagesReceivedTotal.WithLabelValues("sync").Inc()
		if reply, err = crdt.HandleSyncMessage(h.doc, body, c); err != nil {
			return nil, fmt.Errorf("handling sync message: %w", err)
		}
		return reply, nil

	case crdt.MessageAwareness:
		messagesReceivedTotal.WithLabelValues("awareness").Inc()
		update, err := crdt.ReadAwarenessBody(body)
		if err != nil {
			return nil, fmt.Errorf("reading awareness message: %w", err)
		}
		changed, err := h.awareness.Apply(update, c)
		if err != nil {
			return nil, fmt.Errorf("applying awareness update: %w", err)
		}
		h.ownAwareness(c, changed)
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown message type %d", msgType)
	}
}

// teardown detaches the host from replication. Caller must have marked it
// destroyed.
func (h *DocHost) teardown() {
	h.mu.Lock()
	if h.evictTimer != nil {
		h.evictTimer.Stop()
		h.evictTimer = nil
	}
	h.mu.Unlock()

	h.unsubscribe()
	h.reg.repl.UnbindDoc(h.name)
	docsActive.Dec()
}

// Text exposes the replica's visible content, for tests and diagnostics.
func (h *DocHost) Text() string { return h.doc.Text() }
