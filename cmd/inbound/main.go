package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/freegle/inbound/bounce"
	"github.com/freegle/inbound/config"
	"github.com/freegle/inbound/consts"
	"github.com/freegle/inbound/db"
	"github.com/freegle/inbound/geoip"
	"github.com/freegle/inbound/logger"
	"github.com/freegle/inbound/mailparser"
	"github.com/freegle/inbound/notifier"
	"github.com/freegle/inbound/router"
	"github.com/freegle/inbound/server/httpapi"
	"github.com/freegle/inbound/spam"
	"github.com/freegle/inbound/spamassassin"
	"github.com/freegle/inbound/storage"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	stdinMode := flag.Bool("stdin", false, "Read one raw message from stdin, print the outcome and exit")
	envelopeFrom := flag.String("from", "", "Envelope sender for -stdin mode")
	envelopeTo := flag.String("to", "", "Envelope recipient for -stdin mode")
	flag.Parse()

	if *showVersion {
		fmt.Printf("inbound version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inbound: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inbound: warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Info("inbound mail router starting",
		"version", version, "commit", commit, "built", date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	database, err := db.NewDatabase(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", "error", err)
	}
	defer database.Close()

	routes, cleanup, err := buildRouter(cfg, database)
	if err != nil {
		logger.Fatal("failed to initialize services", "error", err)
	}
	defer cleanup()

	if *stdinMode {
		if err := routeStdin(ctx, cfg, routes, *envelopeFrom, *envelopeTo); err != nil {
			logger.Fatal("stdin routing failed", "error", err)
		}
		return
	}

	errChan := make(chan error, 1)
	go httpapi.Start(ctx, &cfg.Server, routes, database, errChan)

	select {
	case <-ctx.Done():
		// Give the HTTP server's shutdown goroutine time to drain.
		time.Sleep(time.Second)
		logger.Info("shutdown complete")
	case err := <-errChan:
		logger.Fatal("server failed", "error", err)
	}
}

// buildRouter wires the routing service and its dependencies from
// configuration. The returned cleanup closes what needs closing.
func buildRouter(cfg *config.Config, database *db.Database) (*router.Service, func(), error) {
	geo, err := geoip.Open(cfg.GeoIP)
	if err != nil {
		return nil, nil, fmt.Errorf("opening GeoIP database: %w", err)
	}

	var scorer spam.Scorer
	if cfg.SpamAssassin.Enabled {
		scorer = spamassassin.NewClient(cfg.SpamAssassin)
	}

	refresh, err := cfg.Spam.GetTableRefresh()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid spam.table_refresh: %w", err)
	}
	tables := spam.NewTables(database, refresh)
	spamSvc := spam.NewService(&cfg.Spam, database, tables, geo, scorer)

	archiver, err := storage.New(cfg.S3)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing attachment storage: %w", err)
	}

	routes := router.NewService(
		database,
		bounce.NewService(database),
		spamSvc,
		notifier.New(cfg.Relay),
		archiver,
	)

	cleanup := func() {
		if err := geo.Close(); err != nil {
			logger.Warn("error closing GeoIP database", "error", err)
		}
	}
	return routes, cleanup, nil
}

// routeStdin handles one message piped in by an MTA in classic
// transport-pipe fashion.
func routeStdin(ctx context.Context, cfg *config.Config, routes *router.Service, from, to string) error {
	if to == "" {
		return fmt.Errorf("-to is required with -stdin")
	}

	raw, err := io.ReadAll(io.LimitReader(os.Stdin, cfg.Server.GetMaxMessage()))
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty message on stdin", consts.ErrMalformedMessage)
	}

	p := mailparser.Parse(raw, from, to, mailparser.Options{
		UserDomain:  cfg.Server.UserDomain,
		GroupDomain: cfg.Server.GroupDomain,
	})

	outcome, err := routes.Route(ctx, p)
	if err != nil {
		return err
	}
	fmt.Println(outcome)
	return nil
}
