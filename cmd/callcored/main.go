package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"callcore/internal/ipc"
	"callcore/internal/observe"
)

const version = "0.3.0"

func printVersion() {
	fmt.Printf("callcored v%s\n", version)
	fmt.Println("Call session daemon: audio, permissions, battery and RTC state")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  callcored [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Owns the call state stores and the RTC session state machine. Clients")
	fmt.Println("  control it over a Unix socket (see callctl) and follow state changes")
	fmt.Println("  on the /ws/state WebSocket.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Println("        YAML config file (defaults are used when empty)")
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Printf("        Unix domain socket path for IPC (default %q)\n", ipc.DefaultSocketPath)
	fmt.Println()
	fmt.Println("  -http-port int")
	fmt.Println("        HTTP port for /ws/state, /metrics and probes; 0 disables (default 3002)")
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -battery")
	fmt.Println("        Poll the battery (default true)")
	fmt.Println()
	fmt.Println("  -metrics")
	fmt.Println("        Export Prometheus metrics on /metrics (default true)")
	fmt.Println()
	fmt.Println("  -opus-dtx, -red")
	fmt.Println("        Enable Opus DTX / redundant audio coding in local offers")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  callcored -config ~/.config/callcored.yaml")
	fmt.Println("  callcored -http-port 0 -log-level debug")
	fmt.Println()
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			printVersion()
			return
		}
		if arg == "-help" || arg == "--help" || arg == "-h" {
			printUsage()
			return
		}
	}

	var (
		configPath      = flag.String("config", "", "YAML config file")
		ipcSocketPath   = flag.String("ipc-socket", ipc.DefaultSocketPath, "Unix domain socket path for IPC")
		httpPort        = flag.Int("http-port", 3002, "HTTP port (0 disables)")
		logLevelStr     = flag.String("log-level", "info", "Log level: error, warn, info, debug")
		batteryEnabled  = flag.Bool("battery", true, "Poll the battery")
		metricsEnabled  = flag.Bool("metrics", true, "Export Prometheus metrics")
		opusDTX         = flag.Bool("opus-dtx", true, "Enable Opus DTX")
		redundantCoding = flag.Bool("red", false, "Prefer redundant audio coding")
		_               = flag.Bool("version", false, "Print version and exit")
		_               = flag.Bool("help", false, "Print help message")
	)
	flag.Usage = printUsage
	flag.Parse()

	cfg := DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = LoadConfigFile(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	}

	// Only flags given on the command line override the file.
	var o FlagOverrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "ipc-socket":
			o.IPCSocketPath = ipcSocketPath
		case "http-port":
			o.HTTPPort = httpPort
		case "log-level":
			o.LogLevel = logLevelStr
		case "battery":
			o.BatteryEnabled = batteryEnabled
		case "metrics":
			o.MetricsEnabled = metricsEnabled
		case "opus-dtx":
			o.OpusDTX = opusDTX
		case "red":
			o.RedundantCoding = redundantCoding
		}
	})
	o.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	logLevel, _ := parseLogLevel(cfg.Logging.Level)
	logger := setupLogger(os.Stdout, logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, daemonDeps{}, logger); err != nil {
		logger.Error("callcored failed", "error", err)
		os.Exit(1)
	}
	logger.Info("shut down")
}

// run starts the daemon and blocks until ctx is done or a component fails.
func run(ctx context.Context, cfg Config, deps daemonDeps, logger *slog.Logger) error {
	if cfg.Metrics.Enabled && deps.Metrics == nil {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Warn("telemetry shutdown", "error", err)
			}
		}()
	}

	d, err := newDaemon(cfg, deps, logger)
	if err != nil {
		return err
	}
	defer d.close()

	hub := NewHub(logger, HubConfig{Clients: d.metrics.WSClients})
	srv := &ipc.Server{
		Path:    ExpandPath(cfg.IPC.SocketPath),
		Handler: d,
		Logger:  logger,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { hub.Run(ctx); return nil })
	g.Go(func() error { RunBroadcaster(ctx, hub, d.events, logger); return nil })
	g.Go(func() error { return d.runWatchers(ctx) })
	g.Go(func() error { return srv.Serve(ctx) })
	if cfg.HTTP.Port > 0 {
		g.Go(func() error { return runHTTPServer(ctx, cfg.HTTP.Port, newHTTPHandler(d, hub), logger) })
	}

	logger.Debug("configuration",
		"ipc_socket", cfg.IPC.SocketPath,
		"http_port", cfg.HTTP.Port,
		"battery", cfg.Battery.Enabled,
		"battery_poll_ms", cfg.Battery.PollIntervalMS,
		"opus_dtx", cfg.SDP.OpusDTX,
		"redundant_coding", cfg.SDP.RedundantCoding,
		"join_retries", cfg.Call.JoinRetries,
		"ice_servers", cfg.RTC.ICEServers,
		"metrics", cfg.Metrics.Enabled)
	logger.Info("callcored started", "version", version, "ipc", cfg.IPC.SocketPath, "http_port", cfg.HTTP.Port)

	return g.Wait()
}
