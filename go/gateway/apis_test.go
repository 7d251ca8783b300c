package gateway

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/parchmentlabs/parchment/go/crdt"
	"github.com/parchmentlabs/parchment/go/replication"
	"github.com/parchmentlabs/parchment/go/session"
	"github.com/parchmentlabs/parchment/go/snapshots"
	"github.com/parchmentlabs/parchment/go/stream"
)

func TestHealthAndMetricsEndpoints(t *testing.T) {
	var mr = miniredis.RunT(t)
	var srv = startTestServer(t, mr, "server-a", allowAll{})

	resp, err := http.Get(srv.srv.URL + "/health")
	require.NoError(t, err)
	var body = make([]byte, 64)
	var n, _ = resp.Body.Read(body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body[:n]), `"status":"ok"`)

	resp, err = http.Get(srv.srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAccessDeniedRefusesUpgrade(t *testing.T) {
	var mr = miniredis.RunT(t)
	var srv = startTestServer(t, mr, "server-a", denyAll{})

	var dialer = websocket.Dialer{}
	var _, resp, err = dialer.Dial(srv.wsURL("some-doc"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	// No session was established for the refused client.
	var docs, conns = srv.registry.Stats()
	require.Equal(t, 0, docs)
	require.Equal(t, 0, conns)
}

func TestCrossServerFanout(t *testing.T) {
	var mr = miniredis.RunT(t)
	var srvA = startTestServer(t, mr, "server-a", allowAll{})
	var srvB = startTestServer(t, mr, "server-b", allowAll{})

	var c1 = dialClient(t, srvA, "doc-1", 1)
	var c2 = dialClient(t, srvB, "doc-1", 2)

	c1.insert(t, 0, "hello")
	c2.awaitText(t, "hello")
	c1.awaitText(t, "hello")

	// Edits flow the other way too, and deletions replicate.
	c2.insert(t, 5, ", world")
	c1.awaitText(t, "hello, world")
	require.NoError(t, c1.doc.DeleteText(0, 5))
	c2.awaitText(t, ", world")
}

func TestLateJoinerReplaysBacklog(t *testing.T) {
	var mr = miniredis.RunT(t)
	var srvA = startTestServer(t, mr, "server-a", allowAll{})

	var c1 = dialClient(t, srvA, "doc-1", 1)
	c1.insert(t, 0, "hello world")
	c1.awaitText(t, "hello world")
	c1.close()

	// A server started after the edits reconstructs the document from its
	// stream backlog alone.
	var srvB = startTestServer(t, mr, "server-b", allowAll{})
	var c2 = dialClient(t, srvB, "doc-1", 2)
	c2.awaitText(t, "hello world")
}

func TestConcurrentEditsConverge(t *testing.T) {
	var mr = miniredis.RunT(t)
	var srvA = startTestServer(t, mr, "server-a", allowAll{})
	var srvB = startTestServer(t, mr, "server-b", allowAll{})

	var c1 = dialClient(t, srvA, "doc-1", 1)
	var c2 = dialClient(t, srvB, "doc-1", 2)

	// Both clients insert at position zero before observing each other.
	c1.insert(t, 0, "alpha")
	c2.insert(t, 0, "bravo")

	var deadline = time.Now().Add(5 * time.Second)
	for {
		var t1, t2 = c1.doc.Text(), c2.doc.Text()
		if t1 == t2 && len(t1) == len("alpha")+len("bravo") {
			require.Contains(t, t1, "alpha")
			require.Contains(t, t1, "bravo")
			return
		}
		require.True(t, time.Now().Before(deadline),
			"replicas did not converge: %q vs %q", t1, t2)
		c1.handleOne(t, 100*time.Millisecond)
		c2.handleOne(t, 100*time.Millisecond)
	}
}

func TestAwarenessFanout(t *testing.T) {
	var mr = miniredis.RunT(t)
	var srvA = startTestServer(t, mr, "server-a", allowAll{})

	var c1 = dialClient(t, srvA, "doc-1", 1)
	var c2 = dialClient(t, srvA, "doc-1", 2)

	// Client one announces presence; its peer observes it.
	c1.send(t, crdt.EncodeAwarenessMessage(
		crdt.EncodeClientState(7, 1, []byte(`{"cursor":3}`))))

	c2.awaitAwareness(t, func() bool {
		return c2.awareness.State(7) != nil
	})

	// Departure removes the announced client.
	c1.close()
	c2.awaitAwareness(t, func() bool {
		return c2.awareness.State(7) == nil
	})
}

func TestServeRefusedWhileDraining(t *testing.T) {
	var mr = miniredis.RunT(t)
	var srv = startTestServer(t, mr, "server-a", allowAll{})

	var c1 = dialClient(t, srv, "doc-1", 1)
	c1.insert(t, 0, "hi")
	c1.awaitText(t, "hi")

	srv.registry.Drain()

	// The drained registry closed the live connection with a normal closure.
	var deadline = time.Now().Add(5 * time.Second)
	for {
		c1.ws.SetReadDeadline(deadline)
		var _, _, err = c1.ws.ReadMessage()
		if err != nil {
			require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err)
			break
		}
	}

	// New upgrades are refused outright.
	var dialer = websocket.Dialer{}
	ws, resp, err := dialer.Dial(srv.wsURL("doc-2"), nil)
	if err == nil {
		// The upgrade itself may succeed; the session then closes immediately.
		ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			if _, _, err = ws.ReadMessage(); err != nil {
				break
			}
		}
		ws.Close()
	} else {
		resp.Body.Close()
	}
	var docs, conns = srv.registry.Stats()
	require.Equal(t, 0, docs)
	require.Equal(t, 0, conns)
}

type allowAll struct{}

func (allowAll) CheckAccess(context.Context, string, string) error { return nil }

type denyAll struct{}

func (denyAll) CheckAccess(context.Context, string, string) error { return ErrAccessDenied }

type testServer struct {
	srv      *httptest.Server
	registry *session.Registry
}

func (s *testServer) wsURL(doc string) string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/" + doc + "?token=tok"
}

// startTestServer assembles a complete in-process collaboration stack over
// |mr|: stream adapter, replicator, snapshot queue, session registry, and an
// HTTP server with the gateway's routes.
func startTestServer(t *testing.T, mr *miniredis.Miniredis, serverID string, checker AccessChecker) *testServer {
	var ctx, cancel = context.WithCancel(context.Background())
	var client = redis.NewClient(&redis.Options{Addr: mr.Addr()})

	var streams = stream.NewAdapter(client, stream.Config{
		Namespace: "test",
		ServerID:  serverID,
		MaxLen:    1024,
		BatchSize: 64,
		IdleDelay: 50 * time.Millisecond,
	})
	var repl = replication.NewReplicator(replication.NewBus(), streams)
	var queue = snapshots.NewQueue(client, "test")

	var registry = session.NewRegistry(ctx, session.Config{
		PingInterval:     time.Second,
		WriteTimeout:     time.Second,
		SnapshotThrottle: 10 * time.Millisecond,
		IdleEviction:     time.Minute,
		ReplayBatch:      16,
	}, repl, queue, nil)

	var router = mux.NewRouter()
	RegisterAPIs(router, registry, checker, time.Second)
	var srv = httptest.NewServer(router)

	t.Cleanup(func() {
		srv.Close()
		repl.Shutdown()
		cancel()
		client.Close()
	})
	return &testServer{srv: srv, registry: registry}
}

// serverOrigin tags updates a wsClient applied from its server, so its update
// observer doesn't echo them back.
var serverOrigin any = "server"

// wsClient is a minimal collaboration client: a replica plus a WebSocket. Its
// local edits are framed and sent as they're made; inbound frames are pumped
// explicitly via handleOne / awaitText.
type wsClient struct {
	ws        *websocket.Conn
	doc       *crdt.Doc
	awareness *crdt.Awareness
}

func dialClient(t *testing.T, srv *testServer, docID string, client uint64) *wsClient {
	var dialer = websocket.Dialer{}
	ws, _, err := dialer.Dial(srv.wsURL(docID), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	var c = &wsClient{ws: ws, doc: crdt.NewDocWithClient(client), awareness: crdt.NewAwareness()}
	c.doc.OnUpdate(func(update []byte, origin any) {
		if origin == nil {
			c.send(t, crdt.EncodeSyncUpdate(update))
		}
	})

	// Open the handshake: ask the server for everything we haven't seen.
	c.send(t, crdt.EncodeSyncStep1(c.doc))
	return c
}

func (c *wsClient) send(t *testing.T, msg []byte) {
	require.NoError(t, c.ws.WriteMessage(websocket.BinaryMessage, msg))
}

func (c *wsClient) insert(t *testing.T, pos int, text string) {
	require.NoError(t, c.doc.InsertText(pos, text))
}

func (c *wsClient) close() { c.ws.Close() }

// handleOne reads and processes at most one frame, returning false if none
// arrived within |timeout|.
func (c *wsClient) handleOne(t *testing.T, timeout time.Duration) bool {
	c.ws.SetReadDeadline(time.Now().Add(timeout))
	var _, msg, err = c.ws.ReadMessage()
	if err != nil {
		var ne, ok = err.(net.Error)
		require.True(t, ok && ne.Timeout(), err)
		return false
	}

	msgType, body, err := crdt.ReadMessageType(msg)
	require.NoError(t, err)

	switch msgType {
	case crdt.MessageSync:
		reply, err := crdt.HandleSyncMessage(c.doc, body, serverOrigin)
		require.NoError(t, err)
		if reply != nil {
			c.send(t, reply)
		}
	case crdt.MessageAwareness:
		update, err := crdt.ReadAwarenessBody(body)
		require.NoError(t, err)
		_, err = c.awareness.Apply(update, serverOrigin)
		require.NoError(t, err)
	default:
		t.Fatalf("unexpected message type %d", msgType)
	}
	return true
}

func (c *wsClient) awaitText(t *testing.T, want string) {
	var deadline = time.Now().Add(5 * time.Second)
	for c.doc.Text() != want {
		require.True(t, time.Now().Before(deadline),
			"timed out awaiting %q; have %q", want, c.doc.Text())
		c.handleOne(t, 100*time.Millisecond)
	}
}

func (c *wsClient) awaitAwareness(t *testing.T, cond func() bool) {
	var deadline = time.Now().Add(5 * time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "timed out awaiting awareness condition")
		c.handleOne(t, 100*time.Millisecond)
	}
}
