package runtime

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/server"
	"go.gazette.dev/core/task"

	"github.com/parchmentlabs/parchment/go/protocols/snapshot"
	"github.com/parchmentlabs/parchment/go/snapshots"
	"github.com/parchmentlabs/parchment/go/stream"
)

// WorkerConfig configures the snapshot-worker application.
type WorkerConfig struct {
	Worker struct {
		mbp.ServiceConfig
		SnapshotRPCAddr string        `long:"snapshot-rpc-addr" env:"SNAPSHOT_RPC_ADDR" required:"true" description:"Address of the snapshot storage RPC service"`
		SnapshotTimeout time.Duration `long:"snapshot-timeout" env:"SNAPSHOT_TIMEOUT" default:"30s" description:"Deadline of one snapshot RPC"`
		PollInterval    time.Duration `long:"poll-interval" env:"POLL_INTERVAL" default:"1s" description:"Sleep between queue polls when no job is ready"`
		ProcessingTTL   time.Duration `long:"processing-ttl" env:"PROCESSING_TTL" default:"60s" description:"Lease window of a claimed snapshot job"`
		RetryDelay      time.Duration `long:"retry-delay" env:"RETRY_DELAY" default:"5s" description:"Postponement of a failed snapshot job"`
	} `group:"Worker" namespace:"worker" env-namespace:"WORKER"`

	Redis  RedisConfig  `group:"Redis" namespace:"redis" env-namespace:"REDIS"`
	Stream StreamConfig `group:"Stream" namespace:"stream" env-namespace:"STREAM"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

// WorkerArgs are the arguments of StartWorkerService.
type WorkerArgs struct {
	Config *WorkerConfig
	// Server hosts the worker's health and metrics routes.
	Server *server.Server
	// Tasks are the long-lived service loops of the process.
	Tasks *task.Group
}

// StartWorkerService assembles a snapshot worker over the configured queue
// and streams, and queues its drain loop onto |args.Tasks|.
func StartWorkerService(args WorkerArgs) (*snapshots.Worker, error) {
	var cfg = args.Config

	var rpc, err = snapshot.Dial(cfg.Worker.SnapshotRPCAddr, cfg.Worker.SnapshotTimeout)
	if err != nil {
		return nil, err
	}

	var client = cfg.Redis.NewClient()
	var worker = &snapshots.Worker{
		Queue: snapshots.NewQueue(client, cfg.Stream.Namespace),
		Streams: stream.NewAdapter(client, stream.Config{
			Namespace: cfg.Stream.Namespace,
			ServerID:  defaultServerID(),
			MaxLen:    cfg.Stream.MaxLen,
			BatchSize: cfg.Stream.BatchSize,
			IdleDelay: cfg.Stream.IdleDelay,
		}),
		RPC:           rpc,
		PollInterval:  cfg.Worker.PollInterval,
		ProcessingTTL: cfg.Worker.ProcessingTTL,
		RetryDelay:    cfg.Worker.RetryDelay,
		RangeBatch:    cfg.Stream.BatchSize,
	}
	worker.QueueTasks(args.Tasks)

	args.Server.HTTPMux.Handle("/metrics", promhttp.Handler())
	args.Server.HTTPMux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	args.Tasks.Queue("redis.Close", func() error {
		<-args.Tasks.Context().Done()
		return client.Close()
	})

	log.WithFields(log.Fields{
		"namespace": cfg.Stream.Namespace,
		"rpc":       cfg.Worker.SnapshotRPCAddr,
	}).Info("starting snapshot worker")

	return worker, nil
}
