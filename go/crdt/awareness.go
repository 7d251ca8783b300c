package crdt

import (
	"sort"
	"sync"
)

// Awareness tracks ephemeral per-client presence state (cursor, color,
// username) for one document on one server. It is deliberately separate from
// document content: awareness is never persisted and never crosses servers.
//
// Each client's state carries a clock; a received entry wins iff its clock
// is newer than the locally known one. A removal is an entry with an empty
// state and a bumped clock.
type Awareness struct {
	mu        sync.Mutex
	entries   map[uint64]awarenessEntry
	observers []UpdateObserver
}

type awarenessEntry struct {
	clock uint64
	state []byte // nil marks a removed client.
}

// NewAwareness returns an empty Awareness.
func NewAwareness() *Awareness {
	return &Awareness{entries: make(map[uint64]awarenessEntry)}
}

// OnUpdate registers an observer of applied awareness updates.
func (a *Awareness) OnUpdate(fn UpdateObserver) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = append(a.observers, fn)
}

// Apply merges an encoded awareness update, returning the client IDs whose
// state changed. If any did, the update is re-emitted to observers with the
// given origin.
func (a *Awareness) Apply(update []byte, origin any) ([]uint64, error) {
	var d = decoder{buf: update}

	n, err := d.uvarint()
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	var changed []uint64
	for i := uint64(0); i < n; i++ {
		client, err := d.uvarint()
		if err != nil {
			a.mu.Unlock()
			return nil, err
		}
		clock, err := d.uvarint()
		if err != nil {
			a.mu.Unlock()
			return nil, err
		}
		state, err := d.bytes()
		if err != nil {
			a.mu.Unlock()
			return nil, err
		}

		var cur, ok = a.entries[client]
		if ok && clock <= cur.clock {
			continue // Stale.
		}
		var entry = awarenessEntry{clock: clock}
		if len(state) != 0 {
			entry.state = append([]byte(nil), state...)
		}
		a.entries[client] = entry
		changed = append(changed, client)
	}

	if len(changed) != 0 {
		for _, fn := range a.observers {
			fn(update, origin)
		}
	}
	a.mu.Unlock()
	return changed, nil
}

// RemoveClients marks the given clients as departed, broadcasting the
// removal to observers with the given origin.
func (a *Awareness) RemoveClients(clients []uint64, origin any) {
	a.mu.Lock()

	var removed []uint64
	for _, client := range clients {
		var cur, ok = a.entries[client]
		if !ok || cur.state == nil {
			continue
		}
		a.entries[client] = awarenessEntry{clock: cur.clock + 1}
		removed = append(removed, client)
	}
	if len(removed) == 0 {
		a.mu.Unlock()
		return
	}

	var e encoder
	e.uvarint(uint64(len(removed)))
	for _, client := range removed {
		e.uvarint(client)
		e.uvarint(a.entries[client].clock)
		e.bytes(nil)
	}
	for _, fn := range a.observers {
		fn(e.buf, origin)
	}
	a.mu.Unlock()
}

// Encode returns the full current awareness state (present clients only),
// suitable for bootstrapping a newly connected peer. Returns nil if no
// client is present.
func (a *Awareness) Encode() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	var clients []uint64
	for client, entry := range a.entries {
		if entry.state != nil {
			clients = append(clients, client)
		}
	}
	if len(clients) == 0 {
		return nil
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	var e encoder
	e.uvarint(uint64(len(clients)))
	for _, client := range clients {
		var entry = a.entries[client]
		e.uvarint(client)
		e.uvarint(entry.clock)
		e.bytes(entry.state)
	}
	return e.buf
}

// EncodeClientState builds an awareness update announcing |state| for
// |client| at |clock|. It's primarily a client-side and test helper.
func EncodeClientState(client, clock uint64, state []byte) []byte {
	var e encoder
	e.uvarint(1)
	e.uvarint(client)
	e.uvarint(clock)
	e.bytes(state)
	return e.buf
}

// Clients returns the IDs of currently present clients.
func (a *Awareness) Clients() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []uint64
	for client, entry := range a.entries {
		if entry.state != nil {
			out = append(out, client)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// State returns the current state of |client|, or nil if absent or removed.
func (a *Awareness) State(client uint64) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.entries[client].state
}
