// Command fleetctl drives declarative deployments across a fleet of Unix
// hosts: it evaluates a hive definition, then pings, builds, transfers and
// activates the result on every selected node, delivering secrets alongside.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	kongcompletion "github.com/jotaen/kong-completion"
	"github.com/mattn/go-isatty"
	"github.com/posener/complete"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/fleetctl/fleetctl/internal/config"
	"github.com/fleetctl/fleetctl/internal/history"
	"github.com/fleetctl/fleetctl/internal/hive"
	"github.com/fleetctl/fleetctl/internal/hostkeys"
	"github.com/fleetctl/fleetctl/internal/lock"
	"github.com/fleetctl/fleetctl/internal/tracing"
	"github.com/fleetctl/fleetctl/version"
)

// Context is the shared, already-initialized collaborator set every
// subcommand's Run method receives.
type Context struct {
	Config   config.FleetConfig
	HivePath string
	Logger   *slog.Logger
	Tracing  *tracing.Provider
	History  *history.Store
	HostKeys *hostkeys.Store
	Lock     *lock.Lock

	ShowProgress   bool
	NonInteractive bool
	ShowTrace      bool
}

// CLI is the root kong command tree.
type CLI struct {
	Path           string `default:"." help:"directory to search upward from for flake.nix/hive.nix" predictor:"path"`
	Verbose        int    `short:"v" type:"counter" help:"increase log verbosity (repeatable)"`
	ShowTrace      bool   `help:"show full error causal chains instead of a one-line summary"`
	NoProgress     bool   `help:"disable the live status line (default: on when stdout isn't a terminal)"`
	NonInteractive bool   `help:"never attempt an interactive prompt (default: on when stdin isn't a terminal)"`
	Config         string `help:"path to fleetctl's config file" predictor:"path"`
	LogFile        string `help:"write logs here instead of stderr" predictor:"path"`
	LogLevel       string `default:"info" enum:"debug,info,warn,error" help:"logging verbosity"`
	OTLPEndpoint   string `help:"OTLP/gRPC collector endpoint for distributed tracing (overrides config)"`

	Apply      ApplyCmd             `cmd:"" help:"evaluate and deploy a goal to the selected nodes"`
	Inspect    InspectCmd           `cmd:"" help:"show the hive's nodes, their reachability, or deployment history"`
	Completion kongcompletion.Cmd   `cmd:"" name:"completions" help:"print a shell completion script"`
	Version    VersionCmd           `cmd:"" help:"print version information"`
}

func (c *CLI) initLogger(cctx *kong.Context) *slog.Logger {
	level := slog.LevelInfo
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if c.Verbose > 0 {
		level = slog.LevelDebug
	}

	var w = os.Stderr
	var handler slog.Handler
	if c.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(c.LogFile), 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "fleetctl: could not create log directory: %v\n", err)
			os.Exit(1)
		}
		rotator := &lumberjack.Logger{
			Filename:   c.LogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
		handler = slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func main() {
	var cli CLI
	cli.NoProgress = !isatty.IsTerminal(os.Stdout.Fd())
	cli.NonInteractive = !isatty.IsTerminal(os.Stdin.Fd())

	configPath := config.DefaultPath()
	parser, err := kong.New(&cli,
		kong.Name("fleetctl"),
		kong.Description("A fleet deployment driver for declaratively-configured Unix hosts."),
		kong.UsageOnError(),
		kong.Configuration(kongyaml.Loader, configPath),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetctl: %v\n", err)
		os.Exit(1)
	}
	kongcompletion.Register(parser,
		kongcompletion.WithPredictor("path", complete.PredictFiles("*")),
	)

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	logger := cli.initLogger(kctx)

	if cli.Config == "" {
		cli.Config = configPath
	}
	cfg, err := config.Load(cli.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetctl: loading config: %v\n", err)
		os.Exit(1)
	}
	cfg = cfg.WithDefaults()
	bindKeyAgentSearchPaths(cfg.KeyAgentSearchPaths, logger)

	otlpEndpoint := cfg.OTLPEndpoint
	if cli.OTLPEndpoint != "" {
		otlpEndpoint = cli.OTLPEndpoint
	}

	ctx := context.Background()
	tp, err := tracing.Setup(ctx, otlpEndpoint, version.Get().GitCommit)
	if err != nil {
		logger.Warn("tracing setup failed, continuing without spans", "error", err)
		tp, _ = tracing.Setup(ctx, "", "")
	}
	defer tp.Shutdown(ctx) //nolint:errcheck

	var historyStore *history.Store
	if cfg.HistoryDBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.HistoryDBPath), 0o755); err != nil {
			logger.Warn("could not create history directory, continuing without it", "error", err)
		}
	}
	if h, err := history.Open(cfg.HistoryDBPath); err != nil {
		logger.Warn("deployment history unavailable, continuing without it", "error", err, "path", cfg.HistoryDBPath)
	} else {
		historyStore = h
		defer historyStore.Close()
	}

	hostKeysPath := hostkeys.DefaultPath()
	hostKeyStore, err := hostkeys.Open(hostKeysPath, hostkeys.RealFileSystem{})
	if err != nil {
		logger.Warn("known_hosts store unavailable, falling back to the operator's default", "error", err)
	}

	hivePath, err := hive.FindHivePath(cli.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetctl: %v\n", err)
		os.Exit(1)
	}

	runCtx := &Context{
		Config:         cfg,
		HivePath:       hivePath,
		Logger:         logger,
		Tracing:        tp,
		History:        historyStore,
		HostKeys:       hostKeyStore,
		Lock:           lock.New(),
		ShowProgress:   !cli.NoProgress,
		NonInteractive: cli.NonInteractive,
		ShowTrace:      cli.ShowTrace,
	}

	err = kctx.Run(runCtx)
	kctx.FatalIfErrorf(err)
}

// bindKeyAgentSearchPaths populates FLEETCTL_KEY_AGENT_<platform> for every
// platform subdirectory found under cfg's search paths, without overriding
// a value the operator already exported.
func bindKeyAgentSearchPaths(searchPaths []string, logger *slog.Logger) {
	for _, root := range searchPaths {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			varName := "FLEETCTL_KEY_AGENT_" + sanitizePlatform(entry.Name())
			if _, ok := os.LookupEnv(varName); ok {
				continue
			}
			if err := os.Setenv(varName, filepath.Join(root, entry.Name())); err != nil {
				logger.Warn("could not bind key-agent search path", "path", root, "error", err)
			}
		}
	}
}

func sanitizePlatform(platform string) string {
	out := []byte(platform)
	for i, b := range out {
		if b == '-' {
			out[i] = '_'
		}
	}
	return string(out)
}
