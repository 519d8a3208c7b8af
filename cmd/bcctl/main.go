package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/bcnet/internal/config"
	"github.com/danmuck/bcnet/internal/logging"
	"github.com/danmuck/bcnet/internal/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logging.ConfigureRuntime()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "bcctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	g, rest, err := parseGlobal(args)
	if err != nil {
		return err
	}
	if g.help || len(rest) == 0 {
		printUsage(out)
		return nil
	}

	cfg := config.DefaultConfig()
	if g.configPath != "" {
		if cfg, err = config.Load(g.configPath); err != nil {
			return err
		}
	}
	if g.addr != "" {
		cfg.Client.Address = g.addr
	}
	if g.timeout > 0 {
		cfg.Client.Timeout = g.timeout
	}
	if lvl, ok := logging.ParseLevel(g.logLevel); ok {
		zerolog.SetGlobalLevel(lvl)
	}

	cmd, ok := commands[rest[0]]
	if !ok {
		return fmt.Errorf("unknown command %q (see bcctl --help)", rest[0])
	}
	err = cmd(ctx, cfg, rest[1:], out)
	if g.metricsOut != "" {
		observability.RegisterMetrics()
		if werr := prometheus.WriteToTextfile(g.metricsOut, prometheus.DefaultGatherer); werr != nil {
			return errors.Join(err, fmt.Errorf("write metrics: %w", werr))
		}
	}
	return err
}

func printUsage(out io.Writer) {
	fmt.Fprint(out, `usage: bcctl [global flags] <command> [args]

global flags:
  -c, --config PATH     TOML config path
  -a, --addr HOST:PORT  peer address (overrides client.address)
  -t, --timeout DUR     per-command timeout
      --log-level LVL   trace|debug|info|warn|error|off
      --metrics-out PATH  write RPC metrics (Prometheus text format) after the command

commands:
  types                                 list connection types and wire ids
  new --type NAME [address flags]       create a connection, print its id
  validate --type NAME ID               check that ID is still live
  sleep-get --type NAME ID              print the sleep state of ID
  sleep-set --type NAME ID STATE        set the sleep state (awake|snooze|sleep|0-255)
  end --type NAME ID                    end connection ID
  echo TEXT                             round-trip TEXT over the echo channel
`)
}
