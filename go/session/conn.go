package session

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// Conn is one bound WebSocket connection. It's written to only under its
// write mutex: by the document's broadcast path, by its own reply path, and
// by its heartbeat. A failed or over-deadline write closes the connection
// without blocking its peers.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{
		ws:           ws,
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
	}
}

// send writes one binary frame, closing the connection on failure.
func (c *Conn) send(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		c.shutdown()
		return err
	}
	return nil
}

// shutdown tears the socket down exactly once. Registry bookkeeping happens
// in the Serve path, not here, so shutdown is safe from any goroutine.
func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// closeNormally attempts a graceful close handshake before shutdown.
func (c *Conn) closeNormally() {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.writeTimeout))
	c.writeMu.Unlock()
	c.shutdown()
}

// run pumps the connection until it closes: a read loop in this goroutine,
// and a heartbeat goroutine sending pings every |pingInterval|. A peer which
// doesn't answer within two intervals misses its read deadline and is
// dropped.
func (c *Conn) run(ctx context.Context, host *DocHost, pingInterval time.Duration) error {
	var pongWait = 2 * pingInterval

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.heartbeat(ctx, pingInterval)

	for {
		var msgType, msg, err = c.ws.ReadMessage()
		if err != nil {
			c.shutdown()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			select {
			case <-c.closed: // Closed by our side; not a peer failure.
				return nil
			default:
			}
			log.WithFields(log.Fields{"doc": host.name, "err": err}).Debug("connection read failed")
			return nil
		}
		if msgType != websocket.BinaryMessage {
			log.WithField("doc", host.name).Warn("closing connection which sent a non-binary frame")
			c.shutdown()
			return nil
		}

		reply, err := host.handleMessage(c, msg)
		if err != nil {
			// A malformed message closes only this connection.
			log.WithFields(log.Fields{"doc": host.name, "err": err}).
				Warn("closing connection which sent an invalid message")
			c.shutdown()
			return nil
		}
		if len(reply) != 0 {
			if err = c.send(reply); err != nil {
				return nil
			}
		}
	}
}

func (c *Conn) heartbeat(ctx context.Context, pingInterval time.Duration) {
	var ticker = time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ctx.Done():
			c.closeNormally()
			return
		case <-ticker.C:
			c.writeMu.Lock()
			var err = c.ws.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(c.writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.shutdown()
				return
			}
		}
	}
}
