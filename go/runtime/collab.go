package runtime

import (
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/server"
	"go.gazette.dev/core/task"

	"github.com/parchmentlabs/parchment/go/gateway"
	"github.com/parchmentlabs/parchment/go/protocols/snapshot"
	"github.com/parchmentlabs/parchment/go/replication"
	"github.com/parchmentlabs/parchment/go/session"
	"github.com/parchmentlabs/parchment/go/snapshots"
	"github.com/parchmentlabs/parchment/go/stream"
)

// CollabConfig configures the collab-server application.
type CollabConfig struct {
	Collab struct {
		mbp.ServiceConfig
		ServerID         string        `long:"server-id" env:"SERVER_ID" description:"Unique origin ID of this server. Defaults to hostname-pid"`
		MetadataBaseURL  string        `long:"metadata-base-url" env:"METADATA_BASE_URL" required:"true" description:"Base URL of the metadata service consulted for access checks"`
		AccessTimeout    time.Duration `long:"access-timeout" env:"ACCESS_TIMEOUT" default:"5s" description:"Deadline of one access check"`
		AccessCacheTTL   time.Duration `long:"access-cache-ttl" env:"ACCESS_CACHE_TTL" default:"30s" description:"TTL of cached positive access checks"`
		SnapshotRPCAddr  string        `long:"snapshot-rpc-addr" env:"SNAPSHOT_RPC_ADDR" description:"Address of the snapshot storage RPC service. If empty, documents load from their streams alone"`
		SnapshotTimeout  time.Duration `long:"snapshot-timeout" env:"SNAPSHOT_TIMEOUT" default:"10s" description:"Deadline of one snapshot RPC"`
		PingInterval     time.Duration `long:"ping-interval" env:"PING_INTERVAL" default:"30s" description:"WebSocket heartbeat period"`
		WriteTimeout     time.Duration `long:"write-timeout" env:"WRITE_TIMEOUT" default:"10s" description:"Deadline of one WebSocket write"`
		SnapshotThrottle time.Duration `long:"snapshot-throttle" env:"SNAPSHOT_THROTTLE" default:"500ms" description:"Delay applied to snapshot jobs of actively edited documents"`
		IdleEviction     time.Duration `long:"idle-eviction" env:"IDLE_EVICTION" default:"30s" description:"Grace period before an unreferenced document is evicted"`
	} `group:"Collab" namespace:"collab" env-namespace:"COLLAB"`

	Redis  RedisConfig  `group:"Redis" namespace:"redis" env-namespace:"REDIS"`
	Stream StreamConfig `group:"Stream" namespace:"stream" env-namespace:"STREAM"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

// CollabArgs are the arguments of StartCollabService.
type CollabArgs struct {
	Config *CollabConfig
	// Server hosts the gateway's HTTP routes.
	Server *server.Server
	// Tasks are the long-lived service loops of the process.
	Tasks *task.Group
}

// StartCollabService assembles the collaboration stack — stream adapter,
// replicator, snapshot queue, session registry, and gateway routes — and
// queues its lifecycle onto |args.Tasks|.
func StartCollabService(args CollabArgs) (*session.Registry, error) {
	var cfg = args.Config
	var serverID = cfg.Collab.ServerID
	if serverID == "" {
		serverID = defaultServerID()
	}

	var client = cfg.Redis.NewClient()
	var streams = stream.NewAdapter(client, stream.Config{
		Namespace: cfg.Stream.Namespace,
		ServerID:  serverID,
		MaxLen:    cfg.Stream.MaxLen,
		BatchSize: cfg.Stream.BatchSize,
		IdleDelay: cfg.Stream.IdleDelay,
	})
	var repl = replication.NewReplicator(replication.NewBus(), streams)
	var queue = snapshots.NewQueue(client, cfg.Stream.Namespace)

	var getter session.SnapshotGetter
	if cfg.Collab.SnapshotRPCAddr != "" {
		var rpc, err = snapshot.Dial(cfg.Collab.SnapshotRPCAddr, cfg.Collab.SnapshotTimeout)
		if err != nil {
			return nil, err
		}
		getter = rpc
	} else {
		log.Warn("no --collab.snapshot-rpc-addr; documents will load from their streams alone")
	}

	var registry = session.NewRegistry(args.Tasks.Context(), session.Config{
		PingInterval:     cfg.Collab.PingInterval,
		WriteTimeout:     cfg.Collab.WriteTimeout,
		SnapshotThrottle: cfg.Collab.SnapshotThrottle,
		IdleEviction:     cfg.Collab.IdleEviction,
		ReplayBatch:      cfg.Stream.BatchSize,
	}, repl, queue, getter)

	var checker = gateway.NewHTTPAccessChecker(cfg.Collab.MetadataBaseURL, cfg.Collab.AccessCacheTTL)
	var router = mux.NewRouter()
	gateway.RegisterAPIs(router, registry, checker, cfg.Collab.AccessTimeout)
	args.Server.HTTPMux.Handle("/", router)

	// On cancellation, drain sessions (closing connections and flushing final
	// snapshot jobs) before the stream tails stop.
	args.Tasks.Queue("registry.Drain", func() error {
		<-args.Tasks.Context().Done()
		registry.Drain()
		repl.Shutdown()
		return client.Close()
	})

	log.WithFields(log.Fields{
		"serverId":  serverID,
		"namespace": cfg.Stream.Namespace,
	}).Info("starting collaboration service")

	return registry, nil
}
