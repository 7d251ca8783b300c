// Package replication wires the process-local event bus to the shared
// per-document streams: local updates are appended to the stream and
// simultaneously delivered to local subscribers, while bound documents
// replay their stream backlog and then tail for remote updates.
package replication

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/parchmentlabs/parchment/go/stream"
)

// Delivery is one update delivered over the bus. Handlers must never
// re-publish a delivered update: every delivery is already durable in the
// document's stream.
type Delivery struct {
	Doc            string
	Update         []byte
	OriginServerID string
	// EntryID is the stream ID of the delivered entry. It's empty exactly for
	// the synchronous local echo of this server's own Publish, which the
	// publishing host has already applied.
	EntryID string
}

// Handler consumes Deliveries for one document.
type Handler func(Delivery)

// Bus is the process-local publish/deliver fanout. Handlers are registered
// per document name.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]map[int]Handler
	nextID   int
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string]map[int]Handler)}
}

// Subscribe registers |h| for deliveries of |doc|, returning its
// unsubscribe function.
func (b *Bus) Subscribe(doc string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	var id = b.nextID
	b.nextID++
	if b.handlers[doc] == nil {
		b.handlers[doc] = make(map[int]Handler)
	}
	b.handlers[doc][id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers[doc], id)
		if len(b.handlers[doc]) == 0 {
			delete(b.handlers, doc)
		}
		b.mu.Unlock()
	}
}

func (b *Bus) deliver(d Delivery) {
	b.mu.RLock()
	var handlers = make([]Handler, 0, len(b.handlers[d.Doc]))
	for _, h := range b.handlers[d.Doc] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(d)
	}
}

// Replicator replicates document updates across servers through a
// stream.Adapter, and delivers them locally through a Bus.
type Replicator struct {
	bus     *Bus
	streams *stream.Adapter

	mu       sync.Mutex
	bindings map[string]*binding
	shutdown bool
}

// binding is the replication state of one bound document. Its cursor is the
// last stream ID known to have been delivered, and is handed from the
// read-replay phase to the tailing phase so no entry falls in the gap.
type binding struct {
	cursor string
	stop   func()
}

// NewReplicator returns a Replicator over |streams| delivering via |bus|.
func NewReplicator(bus *Bus, streams *stream.Adapter) *Replicator {
	return &Replicator{
		bus:      bus,
		streams:  streams,
		bindings: make(map[string]*binding),
	}
}

// Bus returns the Replicator's local bus.
func (r *Replicator) Bus() *Bus { return r.bus }

// ServerID returns the origin tag this Replicator publishes under.
func (r *Replicator) ServerID() string { return r.streams.ServerID() }

// Publish appends a locally produced update to the document's stream, then
// synchronously delivers it on the local bus so local peers of the
// originator observe it immediately. The entry is durable before the local
// delivery occurs.
func (r *Replicator) Publish(ctx context.Context, doc string, update []byte) error {
	if _, err := r.streams.Append(ctx, doc, update); err != nil {
		return fmt.Errorf("publishing update of %q: %w", doc, err)
	}
	publishesTotal.Inc()

	// The empty EntryID marks this as the publisher's own echo: the
	// publishing host already applied the update and must not re-apply it.
	r.bus.deliver(Delivery{
		Doc:            doc,
		Update:         update,
		OriginServerID: r.streams.ServerID(),
	})
	return nil
}

// BindDoc starts hosting |doc| on this process: the stream backlog is
// replayed as bus deliveries, and a tail is started from exactly the cursor
// the replay left behind. Binding an already-bound document is a no-op.
func (r *Replicator) BindDoc(ctx context.Context, doc string, batch int64) error {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return fmt.Errorf("replicator is shut down")
	}
	if _, ok := r.bindings[doc]; ok {
		r.mu.Unlock()
		return nil
	}
	var b = &binding{cursor: stream.Zero}
	r.bindings[doc] = b
	r.mu.Unlock()

	// Read-replay: deliver the current backlog, advancing the cursor.
	for {
		var entries, err = r.streams.Range(ctx, doc, b.cursor, batch)
		if err != nil {
			r.mu.Lock()
			delete(r.bindings, doc)
			r.mu.Unlock()
			return fmt.Errorf("replaying %q: %w", doc, err)
		}
		// Every backlog entry is delivered, own-origin ones included: a
		// document re-hosted here holds none of its prior state in memory.
		for _, e := range entries {
			b.cursor = e.ID
			r.bus.deliver(Delivery{
				Doc:            doc,
				Update:         e.Payload,
				OriginServerID: e.ServerID,
				EntryID:        e.ID,
			})
			replaysTotal.Inc()
		}
		if int64(len(entries)) < batch {
			break
		}
	}

	// Tail from the replay's cursor. XREAD semantics deliver strictly
	// greater IDs, so no entry between replay and tail is lost. Once the
	// tail starts, b.cursor belongs to the tailer goroutine alone.
	var cursor = b.cursor
	b.stop = r.streams.Subscribe(ctx, doc, cursor, func(e stream.Entry) {
		b.cursor = e.ID
		r.bus.deliver(Delivery{
			Doc:            doc,
			Update:         e.Payload,
			OriginServerID: e.ServerID,
			EntryID:        e.ID,
		})
	})

	log.WithFields(log.Fields{"doc": doc, "cursor": cursor}).Info("bound document")
	return nil
}

// UnbindDoc stops replication of |doc|. It's a no-op if not bound.
func (r *Replicator) UnbindDoc(doc string) {
	r.mu.Lock()
	var b, ok = r.bindings[doc]
	delete(r.bindings, doc)
	r.mu.Unlock()

	if ok && b.stop != nil {
		b.stop()
	}
}

// Shutdown stops all tails. The Replicator accepts no further binds.
func (r *Replicator) Shutdown() {
	r.mu.Lock()
	r.shutdown = true
	var bindings = r.bindings
	r.bindings = make(map[string]*binding)
	r.mu.Unlock()

	for _, b := range bindings {
		if b.stop != nil {
			b.stop()
		}
	}
}
