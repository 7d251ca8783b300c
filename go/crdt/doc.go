// Package crdt implements the replicated document type at the heart of the
// collaboration service: a tombstoned replicated-growable-array sequence over
// runes, binary update and snapshot codecs, state vectors, the three-phase
// sync protocol, and the ephemeral awareness channel.
//
// Updates are commutative and idempotent: applying any set of updates to any
// two replicas of the same document, in any order and with arbitrary
// duplication, yields byte-equal encoded state.
package crdt

import (
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
)

// ErrOutOfRange is returned by local edits addressing positions outside the
// document's current visible length.
var ErrOutOfRange = errors.New("position out of range")

// ID identifies a single inserted rune. Clock is dense per client: a
// client's first insertion has Clock 0, its next Clock 1, and so on.
type ID struct {
	Client uint64
	Clock  uint64
}

// StateVector maps a client to the next clock it expects of that client,
// i.e. the number of that client's insertions observed so far.
type StateVector map[uint64]uint64

// UpdateObserver is invoked with the encoded update of every mutation
// applied to a Doc, along with the origin value supplied by the mutator.
// Local edits carry a nil origin. Observers run with the document lock held
// and must not call back into the Doc.
type UpdateObserver func(update []byte, origin any)

// item is one inserted rune, threaded into the document sequence.
// Deleted items remain as tombstones.
type item struct {
	id      ID
	lamport uint64
	origin  *ID // Item this one was inserted after; nil means document head.
	ch      rune
	deleted bool
	right   *item
}

// wireItem is a decoded item pending integration.
type wireItem struct {
	id      ID
	lamport uint64
	origin  *ID
	ch      rune
}

// Doc is an in-memory replica of one collaborative document.
// All methods are safe for concurrent use; mutations are serialized by an
// internal mutex.
type Doc struct {
	mu      sync.Mutex
	client  uint64
	nextClk uint64
	lamport uint64

	head   *item
	items  map[ID]*item
	sv     StateVector
	length int // Count of visible (non-tombstoned) runes.

	// Items and deletions which reference state this replica has not yet
	// observed. They are retried after every successful integration.
	pendingItems   map[ID]wireItem
	pendingDeletes map[ID]struct{}

	observers []UpdateObserver
}

// NewDoc returns an empty Doc with a randomly assigned client ID.
func NewDoc() *Doc {
	return NewDocWithClient(rand.Uint64())
}

// NewDocWithClient returns an empty Doc editing as the given client ID.
func NewDocWithClient(client uint64) *Doc {
	return &Doc{
		client:         client,
		items:          make(map[ID]*item),
		sv:             make(StateVector),
		pendingItems:   make(map[ID]wireItem),
		pendingDeletes: make(map[ID]struct{}),
	}
}

// Client returns the replica's client ID.
func (d *Doc) Client() uint64 { return d.client }

// OnUpdate registers an observer of applied updates.
func (d *Doc) OnUpdate(fn UpdateObserver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, fn)
}

// Len returns the visible rune length of the document.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.length
}

// Text materializes the visible document content.
func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var b strings.Builder
	for it := d.head; it != nil; it = it.right {
		if !it.deleted {
			b.WriteRune(it.ch)
		}
	}
	return b.String()
}

// StateVector returns a copy of the replica's current state vector.
func (d *Doc) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out = make(StateVector, len(d.sv))
	for c, n := range d.sv {
		out[c] = n
	}
	return out
}

// InsertText inserts |text| before visible position |pos| and emits the
// resulting update to observers with a nil origin.
func (d *Doc) InsertText(pos int, text string) error {
	d.mu.Lock()

	if pos < 0 || pos > d.length {
		d.mu.Unlock()
		return ErrOutOfRange
	}
	var left = d.visibleAt(pos - 1)

	var inserted []wireItem
	for _, r := range text {
		d.lamport++
		var w = wireItem{
			id:      ID{Client: d.client, Clock: d.nextClk},
			lamport: d.lamport,
			ch:      r,
		}
		if left != nil {
			var o = left.id
			w.origin = &o
		}
		d.nextClk++

		left = d.integrate(w)
		d.sv[d.client] = w.id.Clock + 1
		d.length++
		inserted = append(inserted, w)
	}
	if len(inserted) == 0 {
		d.mu.Unlock()
		return nil
	}

	var update = encodeUpdate(inserted, nil)
	d.notify(update, nil)
	d.mu.Unlock()
	return nil
}

// DeleteText tombstones |count| visible runes starting at position |pos| and
// emits the resulting update to observers with a nil origin.
func (d *Doc) DeleteText(pos, count int) error {
	d.mu.Lock()

	if pos < 0 || count < 0 || pos+count > d.length {
		d.mu.Unlock()
		return ErrOutOfRange
	} else if count == 0 {
		d.mu.Unlock()
		return nil
	}

	var deleted []ID
	var it = d.visibleAt(pos)
	for len(deleted) != count {
		if !it.deleted {
			it.deleted = true
			d.length--
			deleted = append(deleted, it.id)
		}
		it = it.right
	}

	var update = encodeUpdate(nil, deleted)
	d.notify(update, nil)
	d.mu.Unlock()
	return nil
}

// ApplyUpdate merges an encoded update into the replica. Already-observed
// items and deletions are ignored, which makes application idempotent.
// If the update changed the replica, it's re-emitted to observers with the
// given origin.
func (d *Doc) ApplyUpdate(update []byte, origin any) error {
	var items, deletes, err = decodeUpdate(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	var changed = false

	for _, w := range items {
		if w.id.Clock < d.sv[w.id.Client] {
			continue // Duplicate of an already-integrated item.
		}
		if _, ok := d.pendingItems[w.id]; !ok {
			d.pendingItems[w.id] = w
			changed = true
		}
	}
	d.drainPending()

	for _, id := range deletes {
		if it, ok := d.items[id]; ok {
			if !it.deleted {
				it.deleted = true
				d.length--
				changed = true
			}
		} else if _, ok := d.pendingDeletes[id]; !ok {
			d.pendingDeletes[id] = struct{}{}
			changed = true
		}
	}

	if changed {
		d.notify(update, origin)
	}
	d.mu.Unlock()
	return nil
}

// EncodeStateAsUpdate encodes all items not covered by |since|, along with
// the replica's full delete set. A nil |since| encodes the complete state.
func (d *Doc) EncodeStateAsUpdate(since StateVector) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	var items []wireItem
	var deletes []ID
	// List order guarantees an item's origin is encoded before the item.
	for it := d.head; it != nil; it = it.right {
		if it.id.Clock >= since[it.id.Client] {
			items = append(items, wireItem{id: it.id, lamport: it.lamport, origin: it.origin, ch: it.ch})
		}
		if it.deleted {
			deletes = append(deletes, it.id)
		}
	}
	return encodeUpdate(items, deletes)
}

// EncodeSnapshot encodes the full state of the replica. Applying the result
// to a fresh Doc reproduces this replica's observable state.
func (d *Doc) EncodeSnapshot() []byte {
	return d.EncodeStateAsUpdate(nil)
}

// visibleAt returns the item at visible position |pos|, or nil if pos < 0.
// Caller must hold d.mu.
func (d *Doc) visibleAt(pos int) *item {
	if pos < 0 {
		return nil
	}
	var n = 0
	for it := d.head; it != nil; it = it.right {
		if it.deleted {
			continue
		}
		if n == pos {
			return it
		}
		n++
	}
	return nil
}

// integrate threads a wire item into the sequence using the RGA insertion
// rule: scan right from the origin, skipping items with a larger timestamp,
// and insert before the first smaller one. Timestamps are Lamport clocks
// tie-broken by client ID, so concurrent insertions at the same origin
// converge to the same order on every replica. Caller must hold d.mu.
func (d *Doc) integrate(w wireItem) *item {
	var it = &item{id: w.id, lamport: w.lamport, origin: w.origin, ch: w.ch}

	var prev *item
	var next = d.head
	if w.origin != nil {
		prev = d.items[*w.origin]
		next = prev.right
	}
	for next != nil && (next.lamport > it.lamport ||
		(next.lamport == it.lamport && next.id.Client > it.id.Client)) {
		prev, next = next, next.right
	}

	it.right = next
	if prev == nil {
		d.head = it
	} else {
		prev.right = it
	}
	d.items[it.id] = it

	if it.lamport > d.lamport {
		d.lamport = it.lamport
	}
	return it
}

// drainPending integrates buffered items whose dependencies have arrived,
// looping until no further progress is made. Caller must hold d.mu.
func (d *Doc) drainPending() {
	for progress := true; progress; {
		progress = false

		for id, w := range d.pendingItems {
			if w.id.Clock < d.sv[w.id.Client] {
				delete(d.pendingItems, id) // Integrated elsewhere; duplicate.
				continue
			}
			if w.id.Clock != d.sv[w.id.Client] {
				continue // Gap in this client's clock; keep waiting.
			}
			if w.origin != nil {
				if _, ok := d.items[*w.origin]; !ok {
					continue // Origin not yet known.
				}
			}

			var it = d.integrate(w)
			d.sv[w.id.Client] = w.id.Clock + 1
			d.length++
			delete(d.pendingItems, id)

			if _, ok := d.pendingDeletes[it.id]; ok {
				it.deleted = true
				d.length--
				delete(d.pendingDeletes, it.id)
			}
			progress = true
		}
	}
}

// notify invokes observers. Caller must hold d.mu.
func (d *Doc) notify(update []byte, origin any) {
	for _, fn := range d.observers {
		fn(update, origin)
	}
}
