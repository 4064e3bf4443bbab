package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/rennerdo30/vcpkg-harbor/pkg/api"
	"github.com/rennerdo30/vcpkg-harbor/pkg/artifacts"
	"github.com/rennerdo30/vcpkg-harbor/pkg/client"
	"github.com/rennerdo30/vcpkg-harbor/pkg/config"
	"github.com/rennerdo30/vcpkg-harbor/pkg/observability"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServeCmd(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "vcpkg-harbor %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return runServeCmd(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintf(w, "vcpkg-harbor %s: vcpkg binary cache server\n\n", version)
	_, _ = fmt.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  harbor [command] [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "serve", "Run the cache server (default)")
	printCommand(w, "health", "Check a running server (--url)")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Configuration comes from VCPKG_* environment variables and an optional")
	_, _ = fmt.Fprintf(w, "YAML file named by %s or --config.\n", config.FileEnvVar)
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %-10s %s\n", name, desc)
}

func runServeCmd(args []string, stdout, stderr io.Writer) int {
	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	host := flags.String("host", "", "listen host (overrides VCPKG_HOST)")
	port := flags.StringP("port", "p", "", "listen port (overrides VCPKG_PORT)")
	configPath := flags.StringP("config", "c", os.Getenv(config.FileEnvVar), "YAML configuration file")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := config.LoadFrom(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return 1
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != "" {
		cfg.Server.Port = *port
	}

	logger, closeLog, err := setupLogger(cfg.Log, stdout)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Logging error: %v\n", err)
		return 1
	}
	defer closeLog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, nil); err != nil {
		logger.Error("server failed", "error", err)
		return 1
	}
	return 0
}

// serve runs the cache server until ctx is done. If ready is non-nil it
// receives the bound address once the listener is up.
func serve(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	logger := slog.Default().With("component", "server")

	store, err := artifacts.NewStoreFromConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create store: %w", err)
	}
	if err := store.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize %s storage: %w", cfg.Storage.Type, err)
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.Telemetry.Enabled
	obsCfg.OTLPEndpoint = cfg.Telemetry.Endpoint
	obsCfg.Insecure = cfg.Telemetry.Insecure
	obsCfg.ServiceName = cfg.Telemetry.ServiceName
	obsCfg.ServiceVersion = version
	obsCfg.SampleRate = cfg.Telemetry.SampleRate
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	srv := api.NewServer(artifacts.Instrument(store, obs, cfg.Storage.Type), api.Options{
		Version:        version,
		StorageType:    cfg.Storage.Type,
		ReadOnly:       cfg.Server.ReadOnly,
		WriteOnly:      cfg.Server.WriteOnly,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
		Operations:     obs.Operations(),
	})
	defer srv.Close()

	ln, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Addr(), err)
	}
	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()
	logger.Info("vcpkg-harbor listening",
		"addr", ln.Addr().String(),
		"storage_type", cfg.Storage.Type,
		"read_only", cfg.Server.ReadOnly,
		"write_only", cfg.Server.WriteOnly,
		"version", version,
	)
	if ready != nil {
		ready <- ln.Addr().String()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if err := store.Cleanup(shutdownCtx); err != nil {
		logger.Warn("storage cleanup failed", "error", err)
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown failed", "error", err)
	}

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	flags := pflag.NewFlagSet("health", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	url := flags.String("url", "http://localhost:15151", "server base URL")
	timeout := flags.Duration("timeout", 5*time.Second, "request timeout")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	h, err := client.New(*url, client.WithTimeout(*timeout)).Health(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	if h.Status != "healthy" {
		_, _ = fmt.Fprintf(stderr, "Health check failed: status %q\n", h.Status)
		return 1
	}

	_, _ = fmt.Fprintf(stdout, "OK version=%s storage=%s\n", h.Version, h.StorageType)
	return 0
}
