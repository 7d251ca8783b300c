package crdt

import "fmt"

// Wire protocol of a collaboration connection: binary frames carrying a
// varint message type followed by a length-delimited body. SYNC messages
// multiplex the three-phase sync protocol; AWARENESS messages carry opaque
// awareness updates.
const (
	MessageSync      uint64 = 0
	MessageAwareness uint64 = 1
)

// SYNC sub-message types.
const (
	syncStep1  uint64 = 0 // Body is a state vector: "what have you seen?"
	syncStep2  uint64 = 1 // Body is an update covering the requested gap.
	syncUpdate uint64 = 2 // Body is an incremental update.
)

// EncodeSyncStep1 frames a SYNC/step1 message carrying the doc's current
// state vector.
func EncodeSyncStep1(doc *Doc) []byte {
	var e encoder
	e.uvarint(MessageSync)
	e.uvarint(syncStep1)
	e.bytes(EncodeStateVector(doc.StateVector()))
	return e.buf
}

// EncodeSyncStep2 frames a SYNC/step2 message carrying |update|.
func EncodeSyncStep2(update []byte) []byte {
	var e encoder
	e.uvarint(MessageSync)
	e.uvarint(syncStep2)
	e.bytes(update)
	return e.buf
}

// EncodeSyncUpdate frames a SYNC/update message carrying |update|.
func EncodeSyncUpdate(update []byte) []byte {
	var e encoder
	e.uvarint(MessageSync)
	e.uvarint(syncUpdate)
	e.bytes(update)
	return e.buf
}

// EncodeAwarenessMessage frames an AWARENESS message carrying |update|.
func EncodeAwarenessMessage(update []byte) []byte {
	var e encoder
	e.uvarint(MessageAwareness)
	e.bytes(update)
	return e.buf
}

// ReadAwarenessBody extracts the awareness update carried by an AWARENESS
// message body.
func ReadAwarenessBody(body []byte) ([]byte, error) {
	var d = decoder{buf: body}
	return d.bytes()
}

// ReadMessageType splits a framed message into its type and body.
func ReadMessageType(msg []byte) (msgType uint64, body []byte, err error) {
	var d = decoder{buf: msg}
	if msgType, err = d.uvarint(); err != nil {
		return 0, nil, err
	}
	return msgType, d.remaining(), nil
}

// HandleSyncMessage processes the body of a SYNC message against |doc|.
// A step1 produces a framed step2 reply encoding the doc's state relative to
// the peer's state vector; step2 and update messages are merged into the doc
// with the given origin and produce no reply.
func HandleSyncMessage(doc *Doc, body []byte, origin any) (reply []byte, err error) {
	var d = decoder{buf: body}

	subType, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	payload, err := d.bytes()
	if err != nil {
		return nil, err
	}

	switch subType {
	case syncStep1:
		sv, err := DecodeStateVector(payload)
		if err != nil {
			return nil, fmt.Errorf("decoding state vector: %w", err)
		}
		return EncodeSyncStep2(doc.EncodeStateAsUpdate(sv)), nil

	case syncStep2, syncUpdate:
		if err := doc.ApplyUpdate(payload, origin); err != nil {
			return nil, fmt.Errorf("applying update: %w", err)
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown sync message type %d", subType)
	}
}
