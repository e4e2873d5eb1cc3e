package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/GoCodeAlone/modular"

	"github.com/GoCodeAlone/eventflow/config"
	"github.com/GoCodeAlone/eventflow/coordinator"
)

var (
	configFile    = flag.String("config", "", "Path to server configuration YAML file")
	addr          = flag.String("addr", "", "HTTP listen address (overrides config)")
	serverID      = flag.String("server-id", "", "Server id announced to peers (overrides config)")
	workflowsPath = flag.String("workflows", "", "Workflow definitions file or directory (overrides config)")
	rolesPath     = flag.String("roles", "", "Role assignments file (overrides config)")
	logLevel      = flag.String("log-level", "info", "Log level: debug, info, warn or error")
)

// envOrFlag returns the environment value for key when set, otherwise the
// flag value.
func envOrFlag(key string, flagVal *string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	if flagVal == nil {
		return ""
	}
	return *flagVal
}

// applyEnvOverrides fills flags from EVENTFLOW_* environment variables.
// Flags given on the command line win.
func applyEnvOverrides() {
	visited := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { visited[f.Name] = true })

	overrides := []struct {
		flag string
		env  string
		val  *string
	}{
		{"config", "EVENTFLOW_CONFIG", configFile},
		{"addr", "EVENTFLOW_ADDR", addr},
		{"server-id", "EVENTFLOW_SERVER_ID", serverID},
		{"workflows", "EVENTFLOW_WORKFLOWS", workflowsPath},
		{"roles", "EVENTFLOW_ROLES", rolesPath},
		{"log-level", "EVENTFLOW_LOG_LEVEL", logLevel},
	}
	for _, o := range overrides {
		if visited[o.flag] {
			continue
		}
		*o.val = envOrFlag(o.env, o.val)
	}
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// loadConfig reads the configuration file and applies flag overrides.
func loadConfig(path string) (*config.ServerConfig, error) {
	cfg, err := config.LoadServerConfig(path)
	if err != nil {
		return nil, err
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *serverID != "" {
		cfg.ServerID = *serverID
	}
	if *workflowsPath != "" {
		cfg.WorkflowsPath = *workflowsPath
	}
	if *rolesPath != "" {
		cfg.RolesPath = *rolesPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// serverApp bundles the modular application with its eventflow module.
type serverApp struct {
	app    modular.Application
	module *coordinator.Module
	logger *slog.Logger
}

func setup(logger *slog.Logger, cfg *config.ServerConfig) (*serverApp, error) {
	module := coordinator.NewModule(cfg, logger)
	app := modular.NewStdApplication(modular.NewStdConfigProvider(nil), logger)
	app.RegisterModule(module)
	if err := app.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize application: %w", err)
	}
	return &serverApp{app: app, module: module, logger: logger}, nil
}

// run starts the application and blocks until ctx is cancelled.
func run(ctx context.Context, sa *serverApp) error {
	if err := sa.app.Start(); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}
	sa.logger.Info("Eventflow server running", "address", sa.module.Addr())

	<-ctx.Done()

	sa.logger.Info("Shutting down")
	if err := sa.app.Stop(); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

func main() {
	flag.Parse()
	applyEnvOverrides()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
		Level:     parseLevel(*logLevel),
	}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	sa, err := setup(logger, cfg)
	if err != nil {
		log.Fatalf("Setup failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	if err := run(ctx, sa); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	logger.Info("Server stopped", "uptime", time.Since(start).Round(time.Second))
}
