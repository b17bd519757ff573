package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/outpost-sys/outpost/internal/broker"
	"github.com/outpost-sys/outpost/internal/bus"
	"github.com/outpost-sys/outpost/internal/config"
	"github.com/outpost-sys/outpost/internal/exchange"
	"github.com/outpost-sys/outpost/internal/hashid"
	"github.com/outpost-sys/outpost/internal/msgstore"
	otelPkg "github.com/outpost-sys/outpost/internal/otel"
	"github.com/outpost-sys/outpost/internal/persistence"
	"github.com/outpost-sys/outpost/internal/plugins/graph"
	"github.com/outpost-sys/outpost/internal/plugins/pkgreporter"
	"github.com/outpost-sys/outpost/internal/plugins/script"
	"github.com/outpost-sys/outpost/internal/plugins/sysinfo"
	"github.com/outpost-sys/outpost/internal/plugins/users"
	"github.com/outpost-sys/outpost/internal/registry"
	"github.com/outpost-sys/outpost/internal/snapshot"
	"github.com/outpost-sys/outpost/internal/taskqueue"
	"github.com/outpost-sys/outpost/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Run the agent (exchange loop + broker RPC)

SUBCOMMANDS:
  %s status                   Show broker health and exchange state
  %s exchange                 Ask a running agent to exchange now
  %s doctor [-json]           Run diagnostic checks
                              Flags: -json for JSON output

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  OUTPOST_HOME                Data directory (default: ~/.outpost)
  OUTPOST_URL                 Management server exchange endpoint
  OUTPOST_BROKER_LISTEN       Broker RPC listen address
  OUTPOST_LOG_LEVEL           Log level (debug, info, warn, error)

EXAMPLES:
  Run the agent:          %s
  Check broker health:    %s status
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	dataDir := flag.String("data", config.DefaultDataDir(), "data directory")
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, *dataDir, args[1:]))
		case "exchange":
			os.Exit(runExchangeCommand(ctx, *dataDir, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, *dataDir, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load(config.Path(*dataDir))
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	cfg.DataDir = *dataDir
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fatalStartup(nil, "E_DATA_DIR", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.DataDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "data_dir", cfg.DataDir)
	if cfg.Server.URL == "" {
		logger.Warn("no server URL configured; the agent will queue messages but never exchange",
			"hint", "set server.url in config.yaml or OUTPOST_URL")
	}

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		logger.Warn("metrics init failed, continuing without", "error", err)
		metrics = nil
	}

	db, err := persistence.Open(persistence.DefaultPath(cfg.DataDir))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer db.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	store := msgstore.New(db, logger, msgstore.Config{
		MaxCount:        cfg.Store.MaxCount,
		MaxBytes:        cfg.Store.MaxBytes,
		MaxMessageBytes: cfg.Store.MaxMessageBytes,
	})
	hashids := hashid.New(db, logger, hashid.Config{MaxHashesPerRequest: cfg.HashID.MaxHashesPerRequest})
	tasks := taskqueue.New(db, logger)
	snapshots := snapshot.New(db)
	eventBus := bus.New()

	transport, err := exchange.NewTransport(cfg.Server)
	if err != nil {
		fatalStartup(logger, "E_TRANSPORT_INIT", err)
	}
	exchanger, err := exchange.New(exchange.Deps{
		Store:     store,
		Transport: transport,
		Bus:       eventBus,
		Logger:    logger,
		Tracer:    otelProvider.Tracer,
		Metrics:   metrics,
	}, cfg.Exchange)
	if err != nil {
		fatalStartup(logger, "E_EXCHANGE_INIT", err)
	}

	computerID, err := loadComputerID(cfg.DataDir)
	if err != nil {
		fatalStartup(logger, "E_IDENTITY_LOAD", err)
	}
	exchanger.SetComputerID(computerID)
	logger.Info("startup phase", "phase", "identity_loaded", "computer_id", computerID)

	brk := broker.New(store, exchanger, eventBus, logger)
	rpc := broker.NewServer(brk, logger)
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("broker rpc listening", "addr", cfg.Broker.Listen)
		if err := rpc.ListenAndServe(ctx, cfg.Broker.Listen); err != nil && ctx.Err() == nil {
			serverErr <- err
		}
	}()

	reg := registry.New(registry.Deps{
		Bus:     eventBus,
		Sender:  brk,
		Logger:  logger,
		Tracer:  otelProvider.Tracer,
		Metrics: metrics,
		Plugins: cfg.Plugins,
	})
	pluginList := []registry.Plugin{
		users.New(snapshots, logger),
		sysinfo.New(snapshots, logger),
		pkgreporter.New(hashids, tasks, snapshots, cfg.HashID, logger),
		script.New(tasks, cfg.Script, logger),
		graph.New(snapshots, logger),
	}
	for _, p := range pluginList {
		if err := reg.Add(p); err != nil {
			fatalStartup(logger, "E_PLUGIN_REGISTER", err)
		}
	}
	go func() {
		if err := reg.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("plugin registry stopped", "error", err)
		}
	}()
	logger.Info("startup phase", "phase", "plugins_registered", "count", len(pluginList))

	confWatcher := config.NewWatcher(cfg.DataDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher start failed; hot-reload disabled", "error", err)
	} else {
		go func() {
			for ev := range confWatcher.Events() {
				logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
				newCfg, err := config.Load(config.Path(cfg.DataDir))
				if err != nil {
					logger.Error("config reload failed; retaining previous configuration", "error", err)
					continue
				}
				exchanger.SetIntervals(newCfg.Exchange.Interval, newCfg.Exchange.UrgentInterval)
				if newCfg.Server.URL != "" {
					transport.SetURL(newCfg.Server.URL)
				}
				logger.Info("config hot-reloaded",
					"interval", newCfg.Exchange.Interval,
					"urgent_interval", newCfg.Exchange.UrgentInterval)
			}
		}()
	}

	// First exchange after startup is urgent so the server learns about us
	// (and re-learns accepted types) without waiting a full interval.
	exchanger.Urgent()
	exchangeErr := make(chan error, 1)
	go func() {
		if err := exchanger.Run(ctx); err != nil && ctx.Err() == nil {
			exchangeErr <- err
		}
	}()
	logger.Info("startup phase", "phase", "exchange_loop_started",
		"interval", cfg.Exchange.Interval, "urgent_interval", cfg.Exchange.UrgentInterval)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("broker rpc server error", "error", err)
	case err := <-exchangeErr:
		logger.Error("exchange loop error", "error", err)
	}
	stop()

	// In-flight exchange and script runs observe ctx cancellation; the
	// deferred db.Close flushes WAL on the way out.
	logger.Info("shutdown complete")
}

// loadComputerID reads the persistent computer identity, generating one on
// first run. The id survives reinstalls of the package as long as the data
// dir does; the server keys the computer record on it.
func loadComputerID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "computer-id")
	raw, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id, nil
		}
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist computer id: %w", err)
	}
	return id, nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"agent","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
