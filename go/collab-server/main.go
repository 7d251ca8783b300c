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

// Config is the top-level configuration object of a collab-server.
var Config = new(runtime.CollabConfig)

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"config":    Config,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("collab-server configuration")

	pb.RegisterGRPCDispatcher(Config.Collab.Zone)

	// Bind our server listener, grabbing a random available port if Port is zero.
	var srv, err = server.New("", Config.Collab.Port)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	var args = runtime.CollabArgs{
		Config: Config,
		Server: srv,
		Tasks:  task.NewGroup(context.Background()),
	}
	if _, err = runtime.StartCollabService(args); err != nil {
		return fmt.Errorf("starting collab service: %w", err)
	}
	args.Server.QueueTasks(args.Tasks)

	log.WithFields(log.Fields{
		"zone":     Config.Collab.Zone,
		"endpoint": Config.Collab.BuildProcessSpec(srv).Endpoint,
	}).Info("starting collab-server")

	// Install signal handler & start service tasks.
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

	// Block until all tasks complete.
	if err = args.Tasks.Wait(); err != nil {
		return fmt.Errorf("task failed: %w", err)
	}

	log.Info("goodbye")
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve as collab-server", `
Serve a collaboration server with the provided configuration, until signaled
to exit (via SIGTERM).
`, &cmdServe{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
