// Command smtpd is the event-driven SMTP receiving server described in
// spec.md: a single-threaded reactor multiplexing TCP client sockets and
// one UDP control socket, backed by a worker-subprocess transform pool.
//
// Grounded on the teacher's cmd/pop3d/main.go for the flag/config/signal
// wiring shape, reworked for the reactor-driven server and the
// re-exec-as-transform-worker subcommand spec.md §4.4 requires.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/infodancer/smtpd/internal/config"
	"github.com/infodancer/smtpd/internal/logging"
	"github.com/infodancer/smtpd/internal/metrics"
	"github.com/infodancer/smtpd/internal/server"
	"github.com/infodancer/smtpd/internal/smtp"
	"github.com/infodancer/smtpd/internal/transform"
)

// transformWorkerArg is the subcommand name smtpd re-execs itself with to
// become one transform worker, per spec.md §4.4 ("each worker is an
// independent process"). See worker.go.
const transformWorkerArg = "transform-worker"

func main() {
	if len(os.Args) > 1 && os.Args[1] == transformWorkerArg {
		runTransformWorker(os.Args[2:])
		return
	}

	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel)

	if err := os.MkdirAll(cfg.TmpDir, 0770); err != nil {
		fmt.Fprintf(os.Stderr, "error creating temp directory: %v\n", err)
		os.Exit(1)
	}

	var verify *smtp.VerifyFile
	if cfg.VerifyFile != "" {
		if _, err := os.Stat(cfg.VerifyFile); err != nil {
			fmt.Fprintf(os.Stderr, "error opening vrfy file: %v\n", err)
			os.Exit(1)
		}
		verify = smtp.NewVerifyFile(cfg.VerifyFile)
	}

	registry := metrics.NewRegistry()

	var dispatcher *transform.Dispatcher
	if cfg.TransformCmd != "" {
		execPath, err := os.Executable()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error determining executable path: %v\n", err)
			os.Exit(1)
		}
		args := []string{transformWorkerArg, cfg.TransformCmd, cfg.TmpDir, cfg.Maildir}
		dispatcher, err = transform.NewDispatcher(cfg.WorkerPoolSize, execPath, args, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error spawning transform workers: %v\n", err)
			os.Exit(1)
		}
		logger.Info("transform workers started", "count", cfg.WorkerPoolSize, "cmd", cfg.TransformCmd)
	} else {
		registry.TransformEnabled.Store(false)
	}

	srv, err := server.New(server.Config{
		Cfg:        &cfg,
		Logger:     logger,
		Registry:   registry,
		Dispatcher: dispatcher,
		Verify:     verify,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating server: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewPrometheusServer(cfg.Metrics.Address, cfg.Metrics.Path, registry)
		go func() {
			if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("metrics server error", "error", err)
			}
		}()
		logger.Info("metrics server started", "address", cfg.Metrics.Address, "path", cfg.Metrics.Path)
	}

	logger.Info("starting smtpd", "domain", cfg.Domain, "smtp_port", cfg.SMTPPort, "control_port", cfg.ControlPort)

	if err := srv.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}

	logger.Info("smtpd stopped")
}
