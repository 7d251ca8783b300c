package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	pb "go.gazette.dev/core/broker/protocol"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/server"
	"go.gazette.dev/core/task"

	"github.com/parchmentlabs/parchment/go/runtime"
)

const iniFilename = "parchment.ini"

// Config is the top-level configuration object of a snapshot-worker.
var Config = new(runtime.WorkerConfig)

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"config":    Config,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("snapshot-worker configuration")

	pb.RegisterGRPCDispatcher(Config.Worker.Zone)

	var srv, err = server.New("", Config.Worker.Port)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	var args = runtime.WorkerArgs{
		Config: Config,
		Server: srv,
		Tasks:  task.NewGroup(context.Background()),
	}
	if _, err = runtime.StartWorkerService(args); err != nil {
		return fmt.Errorf("starting worker service: %w", err)
	}
	args.Server.QueueTasks(args.Tasks)

	log.WithField("zone", Config.Worker.Zone).Info("starting snapshot-worker")

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	args.Tasks.Queue("watch signalCh", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")

			args.Tasks.Cancel()
			srv.BoundedGracefulStop()
			return nil

		case <-args.Tasks.Context().Done():
			return nil
		}
	})
	args.Tasks.GoRun()

	if err = args.Tasks.Wait(); err != nil {
		return fmt.Errorf("task failed: %w", err)
	}

	log.Info("goodbye")
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve as snapshot-worker", `
Serve a snapshot worker with the provided configuration, until signaled to
exit (via SIGTERM).
`, &cmdServe{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
