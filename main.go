package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/relaygate/relaygate/internal/cli"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/eventbus"
	"github.com/relaygate/relaygate/internal/policy"
	"github.com/relaygate/relaygate/internal/proxy"
	"github.com/relaygate/relaygate/internal/store"
)

var version = "dev"

func main() {
	// .env is optional
	godotenv.Load()

	// Check for subcommands before flag parsing
	if len(os.Args) > 1 {
		ctx := context.Background()
		var err error
		switch os.Args[1] {
		case "stats":
			err = cli.RunStats(ctx, os.Args[2:], os.Stdout)
		case "messages":
			err = cli.RunMessages(ctx, os.Args[2:], os.Stdout)
		case "tools":
			err = cli.RunTools(ctx, os.Args[2:], os.Stdout)
		case "sessions":
			err = cli.RunSessions(ctx, os.Args[2:], os.Stdout)
		case "version":
			fmt.Fprintf(os.Stderr, "relaygate %s\n", version)
			return
		case "help", "-h", "--help":
			printUsage()
			return
		default:
			os.Exit(runProxy(os.Args[1:]))
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}
	printUsage()
	os.Exit(2)
}

// runProxy runs proxy mode and returns the process exit code.
func runProxy(argv []string) int {
	fs := flag.NewFlagSet("proxy", flag.ExitOnError)
	fs.Usage = printUsage
	configPath := fs.String("config", "", "path to YAML configuration file")
	dbPath := fs.String("db", "", "SQLite database path")
	noStore := fs.Bool("no-store", false, "don't record traffic")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	policyPath := fs.String("policy", "", "path to policy YAML file")
	scrubPII := fs.Bool("scrub-pii", false, "enable PII scrubbing in server output")
	queueSize := fs.Int("queue-size", 0, "outbound queue capacity per direction")
	drainTimeout := fs.Duration("drain-timeout", 0, "how long to flush queued messages on shutdown")
	replyOnHookError := fs.Bool("reply-on-hook-error", false, "answer requests whose hook failed with an internal error")
	connect := fs.String("connect", "", "dial a server at host:port instead of spawning one")
	pruneUnused := fs.Int("prune-unused", 0, "prune tools unused in the last N sessions (0 = disabled)")
	pruneKeepTop := fs.Int("prune-keep-top", 0, "keep only the top K most-used tools (0 = disabled)")
	pruneKeep := fs.String("prune-keep", "", "comma-separated tool names that should never be pruned")
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.Parse(argv)

	if *showVersion {
		fmt.Fprintf(os.Stderr, "relaygate %s\n", version)
		return 0
	}

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromBytes(nil)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	// Explicit flags win over the file
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["db"] {
		cfg.Store.Path = *dbPath
	}
	if set["no-store"] {
		cfg.Store.Disabled = *noStore
	}
	if set["log-level"] {
		cfg.Log.Level = *logLevel
	}
	if set["queue-size"] {
		cfg.Session.QueueSize = *queueSize
	}
	if set["drain-timeout"] {
		cfg.Session.DrainTimeout = *drainTimeout
	}
	if set["reply-on-hook-error"] {
		cfg.Session.ReplyOnHookError = *replyOnHookError
	}
	if set["connect"] {
		cfg.Server.Command, cfg.Server.Args = "", nil
		cfg.Server.Connect = *connect
	}
	if set["prune-unused"] {
		cfg.Tools.PruneUnused = *pruneUnused
	}
	if set["prune-keep-top"] {
		cfg.Tools.KeepTop = *pruneKeepTop
	}
	if set["prune-keep"] {
		cfg.Tools.AlwaysKeep = splitList(*pruneKeep)
	}
	if *policyPath != "" {
		p, err := policy.LoadFile(*policyPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		cfg.Policy = *p
	}

	// Everything after flags is the server command
	args := fs.Args()
	if len(args) > 0 && args[0] == "--" {
		args = args[1:]
	}
	if len(args) > 0 {
		cfg.Server.Command, cfg.Server.Args = args[0], args[1:]
		cfg.Server.Connect = ""
	}
	if cfg.Server.Command == "" && cfg.Server.Connect == "" {
		printUsage()
		return 2
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid configuration: %v\n", err)
		return 1
	}

	// Logger: all output goes to stderr (stdout carries the protocol)
	logger := newLogger(cfg.Log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var st store.Store
	if !cfg.Store.Disabled {
		path := cfg.Store.Path
		if path == "" {
			path = cli.DefaultDBPath()
		}
		sqliteStore, err := store.NewSQLiteStore(path, logger)
		if err != nil {
			logger.Error("failed to initialize store", "path", path, "error", err)
			return 1
		}
		defer sqliteStore.Close()
		st = sqliteStore
	}

	eb := eventbus.New(256)
	if logger.Enabled(ctx, slog.LevelDebug) {
		startTrace(ctx, eb, cfg.Trace, logger)
	}

	registry := buildRegistry(cfg, *scrubPII, st, logger)

	p := proxy.NewProxy(proxy.Config{
		Command: cfg.Server.Command,
		Args:    cfg.Server.Args,
		Connect: cfg.Server.Connect,
		Session: proxy.SessionConfig{
			QueueSize:        cfg.Session.QueueSize,
			DrainTimeout:     cfg.Session.DrainTimeout,
			MaxFrameSize:     cfg.Session.MaxFrameSize,
			ReplyOnHookError: cfg.Session.ReplyOnHookError,
		},
	}, registry, proxy.NewStoreObserver(st, eb, logger), st, logger)

	// Run proxy; blocks until the server exits or the client disconnects
	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("proxy exited", "error", err)
		return 1
	}
	return 0
}

// buildRegistry wires the hooks enabled by cfg. Policy hooks run first so
// that denied traffic never reaches the scrubber or tool analytics.
func buildRegistry(cfg *config.Config, scrubPII bool, st store.Store, logger *slog.Logger) *proxy.Registry {
	b := proxy.NewRegistryBuilder()

	if len(cfg.Policy.Rules) > 0 {
		engine := policy.NewEngine(&cfg.Policy)
		proxy.NewPolicyHook(engine, logger).Register(b, &cfg.Policy)
		logger.Info("policy loaded", "rules", len(cfg.Policy.Rules))
	}

	if scrubPII || cfg.Policy.Scrubber.Enabled {
		scrubber := proxy.NewScrubberHook(cfg.Policy.Scrubber.CustomPatterns)
		scrubber.Register(b, cfg.Policy.Scrubber.Methods)
	}

	proxy.NewToolsHook(st, logger, proxy.PruneConfig{
		UnusedSessions: cfg.Tools.PruneUnused,
		KeepTopK:       cfg.Tools.KeepTop,
		AlwaysKeep:     cfg.Tools.AlwaysKeep,
	}).Register(b)

	return b.Build()
}

// startTrace echoes recorded traffic to the debug log.
func startTrace(ctx context.Context, eb *eventbus.EventBus, tc config.TraceConfig, logger *slog.Logger) {
	entries, unsubscribe := eb.SubscribeFiltered("trace", eventbus.Filter{
		Methods:     tc.Methods,
		DroppedOnly: tc.DroppedOnly,
	})
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-entries:
				logger.Debug("trace",
					"direction", e.Direction,
					"kind", e.Kind,
					"method", e.Method,
					"id", e.MsgID,
					"bytes", e.SizeBytes,
					"injected", e.Injected,
					"dropped", e.Dropped,
				)
			}
		}
	}()
}

func newLogger(lc config.LogConfig) *slog.Logger {
	level, err := config.ParseLevel(lc.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func splitList(s string) []string {
	var out []string
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "RelayGate - intercepting JSON-RPC proxy")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  relaygate [options] -- <command> [args...]   Proxy a stdio server")
	fmt.Fprintln(os.Stderr, "  relaygate [options] -connect host:port       Proxy a TCP server")
	fmt.Fprintln(os.Stderr, "  relaygate stats [-db path] [-session id]     Aggregate traffic statistics")
	fmt.Fprintln(os.Stderr, "  relaygate messages [-db path] [filters]      Recorded messages, newest first")
	fmt.Fprintln(os.Stderr, "  relaygate tools [-db path] [-session id]     Tool availability and usage")
	fmt.Fprintln(os.Stderr, "  relaygate sessions [-db path] [-limit n]     Recorded sessions, newest first")
	fmt.Fprintln(os.Stderr, "  relaygate version                            Print version")
	fmt.Fprintln(os.Stderr, "  relaygate help                               Show this help")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Proxy options:")
	fmt.Fprintln(os.Stderr, "  -config string          YAML configuration file")
	fmt.Fprintln(os.Stderr, "  -db string              SQLite database path (default \"~/.relaygate/relaygate.db\")")
	fmt.Fprintln(os.Stderr, "  -no-store               Don't record traffic")
	fmt.Fprintln(os.Stderr, "  -log-level string       Log level: debug, info, warn, error (default \"info\")")
	fmt.Fprintln(os.Stderr, "  -queue-size int         Outbound queue capacity per direction (default 64)")
	fmt.Fprintln(os.Stderr, "  -drain-timeout dur      Flush time on shutdown (default 5s)")
	fmt.Fprintln(os.Stderr, "  -reply-on-hook-error    Answer requests whose hook failed")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Security options:")
	fmt.Fprintln(os.Stderr, "  -policy string          Policy YAML file")
	fmt.Fprintln(os.Stderr, "  -scrub-pii              Enable PII scrubbing in server output")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Context optimization:")
	fmt.Fprintln(os.Stderr, "  -prune-unused int       Prune tools unused in the last N sessions (0 = disabled)")
	fmt.Fprintln(os.Stderr, "  -prune-keep-top int     Keep only the top K most-used tools (0 = disabled)")
	fmt.Fprintln(os.Stderr, "  -prune-keep string      Comma-separated tools that should never be pruned")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Environment:")
	fmt.Fprintln(os.Stderr, "  RELAYGATE_DB, RELAYGATE_LOG_LEVEL override the config file; .env is loaded if present")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Examples:")
	fmt.Fprintln(os.Stderr, "  relaygate -- npx -y @modelcontextprotocol/server-filesystem /tmp")
	fmt.Fprintln(os.Stderr, "  relaygate -policy policy.yaml -- gopls")
	fmt.Fprintln(os.Stderr, "  relaygate -connect localhost:7000 -log-level debug")
	fmt.Fprintln(os.Stderr, "  relaygate messages -method tools/call -limit 10")
}
