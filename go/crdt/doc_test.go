package crdt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertAndDeleteLocally(t *testing.T) {
	var doc = NewDocWithClient(1)

	require.NoError(t, doc.InsertText(0, "hello"))
	require.NoError(t, doc.InsertText(5, " world"))
	require.Equal(t, "hello world", doc.Text())
	require.Equal(t, 11, doc.Len())

	require.NoError(t, doc.InsertText(5, ","))
	require.Equal(t, "hello, world", doc.Text())

	require.NoError(t, doc.DeleteText(0, 7))
	require.Equal(t, "world", doc.Text())
	require.Equal(t, 5, doc.Len())

	require.Equal(t, ErrOutOfRange, doc.InsertText(6, "x"))
	require.Equal(t, ErrOutOfRange, doc.DeleteText(4, 2))
}

func TestUpdatePropagation(t *testing.T) {
	var a = NewDocWithClient(1)
	var b = NewDocWithClient(2)

	// Pipe every update of |a| into |b| and vice versa.
	a.OnUpdate(func(update []byte, origin any) {
		if origin == nil {
			require.NoError(t, b.ApplyUpdate(update, "remote"))
		}
	})
	b.OnUpdate(func(update []byte, origin any) {
		if origin == nil {
			require.NoError(t, a.ApplyUpdate(update, "remote"))
		}
	})

	require.NoError(t, a.InsertText(0, "shared"))
	require.Equal(t, "shared", b.Text())

	require.NoError(t, b.DeleteText(0, 1))
	require.NoError(t, b.InsertText(0, "S"))
	require.Equal(t, "Shared", a.Text())
	require.Equal(t, a.Text(), b.Text())
	require.Equal(t, a.EncodeSnapshot(), b.EncodeSnapshot())
}

func TestConcurrentInsertsConverge(t *testing.T) {
	var a = NewDocWithClient(1)
	var b = NewDocWithClient(2)

	// Concurrent edits at position zero, exchanged only after both applied.
	require.NoError(t, a.InsertText(0, "x"))
	require.NoError(t, b.InsertText(0, "y"))

	var aState = a.EncodeSnapshot()
	var bState = b.EncodeSnapshot()
	require.NoError(t, a.ApplyUpdate(bState, "remote"))
	require.NoError(t, b.ApplyUpdate(aState, "remote"))

	require.Equal(t, a.Text(), b.Text())
	require.Equal(t, a.EncodeSnapshot(), b.EncodeSnapshot())
	require.Contains(t, a.Text(), "x")
	require.Contains(t, a.Text(), "y")
	require.Equal(t, 2, a.Len())
}

func TestConcurrentInterleavedEditingConverges(t *testing.T) {
	var a = NewDocWithClient(7)
	var b = NewDocWithClient(3)
	var c = NewDocWithClient(5)
	var docs = []*Doc{a, b, c}

	require.NoError(t, a.InsertText(0, "base"))
	for _, d := range docs[1:] {
		require.NoError(t, d.ApplyUpdate(a.EncodeSnapshot(), "remote"))
	}

	// Diverge.
	require.NoError(t, a.InsertText(4, " alpha"))
	require.NoError(t, b.InsertText(0, "beta "))
	require.NoError(t, c.DeleteText(0, 2))
	require.NoError(t, c.InsertText(0, "Ca"))

	// Exchange full states pairwise, in different orders per replica.
	for _, d := range docs {
		for _, o := range docs {
			if d != o {
				require.NoError(t, d.ApplyUpdate(o.EncodeSnapshot(), "remote"))
			}
		}
	}

	require.Equal(t, a.Text(), b.Text())
	require.Equal(t, b.Text(), c.Text())
	require.Equal(t, a.EncodeSnapshot(), b.EncodeSnapshot())
	require.Equal(t, b.EncodeSnapshot(), c.EncodeSnapshot())
}

func TestApplyIsIdempotent(t *testing.T) {
	var a = NewDocWithClient(1)
	var updates [][]byte
	a.OnUpdate(func(update []byte, origin any) {
		updates = append(updates, append([]byte(nil), update...))
	})

	require.NoError(t, a.InsertText(0, "abc"))
	require.NoError(t, a.DeleteText(1, 1))

	var b = NewDocWithClient(2)
	for i := 0; i != 3; i++ {
		for _, u := range updates {
			require.NoError(t, b.ApplyUpdate(u, "remote"))
		}
	}
	require.Equal(t, "ac", b.Text())
	require.Equal(t, a.EncodeSnapshot(), b.EncodeSnapshot())
}

func TestSnapshotRoundTrip(t *testing.T) {
	var a = NewDocWithClient(1)
	require.NoError(t, a.InsertText(0, "snapshot me"))
	require.NoError(t, a.DeleteText(0, 4))

	var b = NewDocWithClient(2)
	require.NoError(t, b.ApplyUpdate(a.EncodeSnapshot(), nil))
	require.Equal(t, "shot me", b.Text())
	require.Equal(t, a.EncodeSnapshot(), b.EncodeSnapshot())

	// Re-applying a replica's own snapshot is a no-op.
	var before = a.EncodeSnapshot()
	require.NoError(t, a.ApplyUpdate(before, nil))
	require.Equal(t, before, a.EncodeSnapshot())
}

func TestStateVectorDiff(t *testing.T) {
	var a = NewDocWithClient(1)
	var b = NewDocWithClient(2)

	require.NoError(t, a.InsertText(0, "one "))
	require.NoError(t, b.ApplyUpdate(a.EncodeSnapshot(), nil))
	require.NoError(t, a.InsertText(4, "two"))

	// The diff against b's state vector covers exactly the gap.
	var diff = a.EncodeStateAsUpdate(b.StateVector())
	items, _, err := decodeUpdate(diff)
	require.NoError(t, err)
	require.Len(t, items, 3) // "two"

	require.NoError(t, b.ApplyUpdate(diff, nil))
	require.Equal(t, "one two", b.Text())
	require.Equal(t, a.EncodeSnapshot(), b.EncodeSnapshot())
}

func TestOutOfOrderApplication(t *testing.T) {
	var a = NewDocWithClient(1)
	var updates [][]byte
	a.OnUpdate(func(update []byte, origin any) {
		updates = append(updates, append([]byte(nil), update...))
	})
	require.NoError(t, a.InsertText(0, "a"))
	require.NoError(t, a.InsertText(1, "b"))
	require.NoError(t, a.InsertText(2, "c"))
	require.NoError(t, a.DeleteText(1, 1))
	require.Len(t, updates, 4)

	// Apply in reverse: dependents are buffered until their origins arrive.
	var b = NewDocWithClient(2)
	for i := len(updates) - 1; i >= 0; i-- {
		require.NoError(t, b.ApplyUpdate(updates[i], "remote"))
	}
	require.Equal(t, "ac", b.Text())
	require.Equal(t, a.EncodeSnapshot(), b.EncodeSnapshot())
}

func TestDecodeErrors(t *testing.T) {
	var doc = NewDocWithClient(1)
	require.NoError(t, doc.InsertText(0, "x"))

	var snap = doc.EncodeSnapshot()
	require.ErrorIs(t, doc.ApplyUpdate(snap[:len(snap)-1], nil), ErrTruncated)

	_, err := DecodeStateVector([]byte{0xff})
	require.ErrorIs(t, err, ErrTruncated)
}

func TestObserverOriginPlumbing(t *testing.T) {
	var a = NewDocWithClient(1)
	var origins []any
	a.OnUpdate(func(update []byte, origin any) {
		origins = append(origins, origin)
	})

	require.NoError(t, a.InsertText(0, "z"))

	var b = NewDocWithClient(2)
	require.NoError(t, b.InsertText(0, "w"))
	require.NoError(t, a.ApplyUpdate(b.EncodeSnapshot(), "remote"))

	// A duplicate apply changes nothing and is not re-observed.
	require.NoError(t, a.ApplyUpdate(b.EncodeSnapshot(), "remote"))

	require.Equal(t, []any{nil, "remote"}, origins)
}
