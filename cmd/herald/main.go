// Command herald turns natural-language fleet requests into reviewed API
// calls: a local model interprets the input, a template binds it to an
// endpoint, and nothing leaves the machine without an explicit approval.
//
// Usage:
//
//	herald --config herald.yaml
//	herald --input "Reserve vehicle VAN-101 for tomorrow morning"
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/herald/pkg/config"
	"github.com/kadirpekel/herald/pkg/logger"
	"github.com/kadirpekel/herald/pkg/runtime"
)

// CLI defines the command-line interface. Herald is a single command; the
// one-shot and interactive modes differ only by the presence of --input.
type CLI struct {
	Config    string           `short:"c" help:"Path to config file." type:"path" default:"herald.yaml"`
	Input     string           `short:"i" help:"Process one request and exit."`
	User      string           `short:"u" help:"User recorded in the audit trail."`
	Listen    string           `short:"l" help:"UI bridge listen address (host:port)." placeholder:"ADDR"`
	LogLevel  string           `name:"log-level" help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string           `name:"log-file" help:"Log file path (empty = stderr)."`
	LogFormat string           `name:"log-format" help:"Log format (simple, verbose, json, text)." default:"simple"`
	Version   kong.VersionFlag `help:"Show version and exit."`
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return "dev"
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("herald"),
		kong.Description("Natural-language interface for fleet management APIs."),
		kong.UsageOnError(),
		kong.Vars{"version": buildVersion()},
	)
	kctx.FatalIfErrorf(run(&cli))
}

func run(cli *CLI) error {
	if err := config.LoadEnvFiles(); err != nil {
		return err
	}
	if err := initLogger(cli); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg, err := loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if err := applyFlagOverrides(cfg, cli); err != nil {
		return err
	}

	rt, err := runtime.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	fmt.Fprintln(os.Stderr, "Preparing model runtime...")
	if err := rt.EnsureLLM(ctx); err != nil {
		return err
	}

	runErr := make(chan error, 1)
	go func() { runErr <- rt.Run(ctx) }()

	if cli.Input != "" {
		if err := processOnce(ctx, rt, cli.Input); err != nil {
			return err
		}
	} else {
		if err := interactiveLoop(ctx, rt); err != nil {
			return err
		}
	}

	cancel()
	return <-runErr
}

func initLogger(cli *CLI) error {
	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		return err
	}
	output := os.Stderr
	if cli.LogFile != "" {
		f, _, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		output = f
	}
	logger.Init(level, output, cli.LogFormat)
	return nil
}

// loadConfig reads the config file. The default path is allowed to be
// absent; herald then runs on built-in defaults and environment overrides.
func loadConfig(ctx context.Context, path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := &config.Config{}
		cfg.SetDefaults()
		return cfg, nil
	}
	cfg, _, err := config.LoadConfigFile(ctx, path)
	return cfg, err
}

func applyFlagOverrides(cfg *config.Config, cli *CLI) error {
	if cli.User != "" {
		cfg.Approval.UserID = cli.User
	}
	if cli.Listen != "" {
		host, portStr, err := net.SplitHostPort(cli.Listen)
		if err != nil {
			return fmt.Errorf("invalid --listen address: %w", err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("invalid --listen port: %w", err)
		}
		cfg.Server.Host = host
		cfg.Server.Port = port
	}
	return nil
}
