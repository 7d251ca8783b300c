// Package gateway terminates client WebSockets: it authorizes each upgrade
// against the metadata service, routes the resulting connection to the
// document's session, and exposes the health and metrics endpoints.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/parchmentlabs/parchment/go/session"
)

type args struct {
	registry     *session.Registry
	checker      AccessChecker
	checkTimeout time.Duration
}

// RegisterAPIs registers the gateway's routes: GET /health, GET /metrics,
// and GET /{doc} (the WebSocket endpoint, authorized via |checker| within
// |checkTimeout|).
func RegisterAPIs(router *mux.Router, registry *session.Registry, checker AccessChecker, checkTimeout time.Duration) {
	var a = args{registry: registry, checker: checker, checkTimeout: checkTimeout}

	router.
		Path("/health").
		Methods("GET").
		HandlerFunc(serveHealth)
	router.
		Path("/metrics").
		Methods("GET").
		Handler(promhttp.Handler())
	router.
		Path("/{doc}").
		Methods("GET").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) { serveCollab(a, w, r) })
}

func serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients are served from a different origin than the
	// collaboration fleet; authorization is the access check, not Origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

func serveCollab(a args, w http.ResponseWriter, r *http.Request) {
	var docID = mux.Vars(r)["doc"]
	var token = r.URL.Query().Get("token")

	var ctx, cancel = context.WithTimeout(r.Context(), a.checkTimeout)
	var err = a.checker.CheckAccess(ctx, docID, token)
	cancel()
	if err != nil {
		log.WithFields(log.Fields{"doc": docID, "client": r.RemoteAddr, "err": err}).
			Warn("refusing collaboration upgrade")
		upgradesRefusedTotal.Inc()
		http.Error(w, "access denied", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// A response has already been sent to the client by |upgrader|.
		log.WithFields(log.Fields{"doc": docID, "client": r.RemoteAddr, "err": err}).
			Warn("failed to upgrade collaboration request")
		return
	}
	defer conn.Close()
	upgradesTotal.Inc()

	if err = a.registry.Serve(conn, docID); err != nil {
		log.WithFields(log.Fields{"doc": docID, "client": r.RemoteAddr, "err": err}).
			Error("collaboration session failed")

		var code = websocket.CloseInternalServerErr
		if errors.Is(err, session.ErrDraining) {
			code = websocket.CloseGoingAway
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
	}
}
