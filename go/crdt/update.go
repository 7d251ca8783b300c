package crdt

import "sort"

// Update wire format (all integers are unsigned varints):
//
//	numItems
//	  per item: client, clock, lamport, hasOrigin,
//	            [originClient, originClock,] rune
//	numDeleteRanges
//	  per range: client, startClock, count
//
// Deletions are encoded as per-client clock ranges and are applied
// idempotently, so an update may safely carry a replica's entire delete set.
// A snapshot is simply an update encoded against the empty state vector.

func encodeUpdate(items []wireItem, deletes []ID) []byte {
	var e encoder

	e.uvarint(uint64(len(items)))
	for _, w := range items {
		e.uvarint(w.id.Client)
		e.uvarint(w.id.Clock)
		e.uvarint(w.lamport)
		if w.origin != nil {
			e.uvarint(1)
			e.uvarint(w.origin.Client)
			e.uvarint(w.origin.Clock)
		} else {
			e.uvarint(0)
		}
		e.uvarint(uint64(w.ch))
	}

	var ranges = deleteRanges(deletes)
	e.uvarint(uint64(len(ranges)))
	for _, r := range ranges {
		e.uvarint(r.client)
		e.uvarint(r.start)
		e.uvarint(r.count)
	}
	return e.buf
}

func decodeUpdate(update []byte) (items []wireItem, deletes []ID, err error) {
	var d = decoder{buf: update}

	n, err := d.uvarint()
	if err != nil {
		return nil, nil, err
	}
	for i := uint64(0); i < n; i++ {
		var w wireItem
		if w.id.Client, err = d.uvarint(); err != nil {
			return nil, nil, err
		}
		if w.id.Clock, err = d.uvarint(); err != nil {
			return nil, nil, err
		}
		if w.lamport, err = d.uvarint(); err != nil {
			return nil, nil, err
		}
		hasOrigin, err := d.uvarint()
		if err != nil {
			return nil, nil, err
		}
		if hasOrigin != 0 {
			var o ID
			if o.Client, err = d.uvarint(); err != nil {
				return nil, nil, err
			}
			if o.Clock, err = d.uvarint(); err != nil {
				return nil, nil, err
			}
			w.origin = &o
		}
		r, err := d.uvarint()
		if err != nil {
			return nil, nil, err
		}
		w.ch = rune(r)
		items = append(items, w)
	}

	n, err = d.uvarint()
	if err != nil {
		return nil, nil, err
	}
	for i := uint64(0); i < n; i++ {
		var client, start, count uint64
		if client, err = d.uvarint(); err != nil {
			return nil, nil, err
		}
		if start, err = d.uvarint(); err != nil {
			return nil, nil, err
		}
		if count, err = d.uvarint(); err != nil {
			return nil, nil, err
		}
		for c := uint64(0); c < count; c++ {
			deletes = append(deletes, ID{Client: client, Clock: start + c})
		}
	}
	return items, deletes, nil
}

type deleteRange struct {
	client, start, count uint64
}

// deleteRanges compresses a set of IDs into per-client contiguous ranges.
func deleteRanges(ids []ID) []deleteRange {
	if len(ids) == 0 {
		return nil
	}
	var sorted = make([]ID, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Client != sorted[j].Client {
			return sorted[i].Client < sorted[j].Client
		}
		return sorted[i].Clock < sorted[j].Clock
	})

	var out []deleteRange
	for _, id := range sorted {
		if l := len(out); l != 0 &&
			out[l-1].client == id.Client &&
			out[l-1].start+out[l-1].count == id.Clock {
			out[l-1].count++
			continue
		}
		out = append(out, deleteRange{client: id.Client, start: id.Clock, count: 1})
	}
	return out
}

// EncodeStateVector encodes a state vector as (numEntries, then per entry:
// client, nextClock).
func EncodeStateVector(sv StateVector) []byte {
	var clients = make([]uint64, 0, len(sv))
	for c := range sv {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	var e encoder
	e.uvarint(uint64(len(clients)))
	for _, c := range clients {
		e.uvarint(c)
		e.uvarint(sv[c])
	}
	return e.buf
}

// DecodeStateVector is the inverse of EncodeStateVector.
func DecodeStateVector(b []byte) (StateVector, error) {
	var d = decoder{buf: b}

	n, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	var sv = make(StateVector, n)
	for i := uint64(0); i < n; i++ {
		client, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		next, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		sv[client] = next
	}
	return sv, nil
}
