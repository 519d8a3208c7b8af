package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/bcnet/internal/auth"
	"github.com/danmuck/bcnet/internal/config"
	"github.com/danmuck/bcnet/internal/logging"
	"github.com/danmuck/bcnet/internal/observability"
	"github.com/danmuck/bcnet/internal/peer"
	"github.com/danmuck/bcnet/internal/protocol/frame"
	"github.com/danmuck/bcnet/internal/server"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
)

var version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "bcnetd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("bcnetd", flag.ContinueOnError)
	path := fs.StringP("config", "c", "", "TOML config path (defaults when empty)")
	listen := fs.StringP("listen", "l", "", "override daemon.listen_addr")
	admin := fs.String("admin", "", "override daemon.admin_addr (\"-\" disables the admin API)")
	writeConfig := fs.String("write-config", "", "write a config template to this path and exit")
	force := fs.Bool("force", false, "overwrite an existing file with --write-config")
	check := fs.Bool("check", false, "validate the config and exit")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		fmt.Printf("bcnetd %s\n", version)
		return nil
	}
	if *writeConfig != "" {
		if err := config.WriteTemplate(*writeConfig, *force); err != nil {
			return err
		}
		fmt.Printf("wrote config template to %s\n", *writeConfig)
		return nil
	}

	logging.ConfigureRuntime()
	cfg := config.DefaultConfig()
	if *path != "" {
		loaded, err := config.Load(*path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *listen != "" {
		cfg.Daemon.ListenAddr = *listen
	}
	if *admin != "" {
		cfg.Daemon.AdminAddr = *admin
	}
	if *admin == "-" {
		cfg.Daemon.AdminAddr = ""
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if *check {
		fmt.Printf("config ok path=%q\n", *path)
		return nil
	}
	if lvl, ok := logging.ParseLevel(cfg.LogLevel); ok && os.Getenv(logging.EnvLogLevel) == "" {
		zerolog.SetGlobalLevel(lvl)
	}

	reg, err := cfg.Registry()
	if err != nil {
		return err
	}
	table := peer.NewTable(reg, cfg.Daemon.MaxConnections)
	srv := peer.NewServer(table, frame.Limits{MaxPayloadBytes: cfg.Daemon.MaxPayloadBytes},
		peer.WithObserver(observability.PeerObserver{}))

	nodeID := "bcnetd-" + uuid.NewString()[:8]
	observability.RegisterMetrics()
	if err := observability.RegisterPeerGauges(prometheus.DefaultRegisterer, observability.PeerGauges{
		Sessions:    srv.Sessions,
		Connections: table.Len,
	}); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Daemon.ListenAddr)
	if err != nil {
		return err
	}
	log.Info().Msgf("bcnetd.run listening node=%s addr=%q types=%d version=%s", nodeID, ln.Addr().String(), reg.Len(), version)

	adminErr := make(chan error, 1)
	if cfg.Daemon.AdminAddr != "" {
		a := server.NewAdmin(nodeID, version, srv, prometheus.DefaultGatherer, auth.StaticToken{Token: cfg.Daemon.AdminToken})
		go func() {
			adminErr <- a.Serve(ctx, cfg.Daemon.AdminAddr)
		}()
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ctx, ln)
	}()

	select {
	case err := <-serveErr:
		return err
	case err := <-adminErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Msgf("bcnetd.run admin failed err=%v", err)
			return err
		}
		return <-serveErr
	}
}
