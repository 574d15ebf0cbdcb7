// Command server runs the framechat TCP chat server, optionally with the
// HTTP gateway for WebSocket clients, health checks, and metrics.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Tyrowin/framechat/internal/server"
)

const (
	exitBindFailure   = 1
	exitServerFailure = 2

	shutdownTimeout = 10 * time.Second
)

// exitError carries the process exit code for a startup failure.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

type options struct {
	configPath string
	logLevel   string
	listenAddr string
	httpAddr   string
	capacity   int
	prefix     server.Prefix
	timeout    time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		os.Exit(exitServerFailure)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "framechatd",
		Short: "Run the framechat server",
		Long: `Run the framechat server.

Clients connect over TCP and exchange frames: a 2-byte big-endian length
followed by that many bytes of text. Messages starting with the command
prefix are answered privately; everything else is broadcast to every
connected client as "<id> -> <message>".

Configuration is read from defaults, then the --config YAML file, then
CHAT_* environment variables, then flags.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts)
		},
	}

	bindFlags(cmd.Flags(), opts)
	return cmd
}

func bindFlags(fs *pflag.FlagSet, opts *options) {
	defaults := server.NewConfig()
	opts.prefix = defaults.CommandPrefix

	fs.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	fs.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	fs.StringVar(&opts.listenAddr, "listen", defaults.ListenAddr, "TCP address for chat clients")
	fs.StringVar(&opts.httpAddr, "http", defaults.HTTPAddr, "HTTP address for the gateway, health, and metrics (empty disables)")
	fs.IntVar(&opts.capacity, "capacity", defaults.Capacity, "maximum number of simultaneous connections")
	fs.Var(&opts.prefix, "prefix", "character that starts a command")
	fs.DurationVar(&opts.timeout, "timeout", defaults.Timeout, "how long a silent connection is kept")
}

// loadConfig layers defaults, the config file, the environment, and any
// flags the user set explicitly.
func loadConfig(fs *pflag.FlagSet, opts *options) (*server.Config, error) {
	cfg := server.NewConfig()
	if opts.configPath != "" {
		loaded, err := server.LoadConfigFile(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := server.ApplyEnv(cfg); err != nil {
		return nil, err
	}

	if fs.Changed("listen") {
		cfg.ListenAddr = opts.listenAddr
	}
	if fs.Changed("http") {
		cfg.HTTPAddr = opts.httpAddr
	}
	if fs.Changed("capacity") {
		cfg.Capacity = opts.capacity
	}
	if fs.Changed("prefix") {
		cfg.CommandPrefix = opts.prefix
	}
	if fs.Changed("timeout") {
		cfg.Timeout = opts.timeout
	}
	return cfg, nil
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func run(cmd *cobra.Command, opts *options) error {
	logger, err := newLogger(opts.logLevel)
	if err != nil {
		return &exitError{code: exitServerFailure, err: err}
	}
	slog.SetDefault(logger)

	cfg, err := loadConfig(cmd.Flags(), opts)
	if err != nil {
		return &exitError{code: exitServerFailure, err: err}
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("could not bind to address", "addr", cfg.ListenAddr, "err", err)
		return &exitError{code: exitBindFailure, err: err}
	}

	srv, err := server.New(*cfg, server.WithLogger(logger))
	if err != nil {
		_ = ln.Close()
		logger.Error("error starting server", "err", err)
		return &exitError{code: exitServerFailure, err: err}
	}
	registerCommands(srv)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var httpServer *http.Server
	if cfg.HTTPAddr != "" {
		httpServer = server.CreateServer(cfg.HTTPAddr, server.SetupRoutes(server.NewGateway(srv)))
		go func() {
			if err := server.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server failed", "err", err)
				stop()
			}
		}()
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- srv.Run(ln)
	}()

	select {
	case <-ctx.Done():
	case err := <-runErr:
		return err
	}

	if httpServer != nil {
		_ = server.ShutdownServer(httpServer, shutdownTimeout)
	}
	if err := srv.Shutdown(shutdownTimeout); err != nil {
		return err
	}
	return <-runErr
}
