package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/cybergym/internal/api"
	"github.com/oriys/cybergym/internal/blob"
	"github.com/oriys/cybergym/internal/config"
	"github.com/oriys/cybergym/internal/logging"
	"github.com/oriys/cybergym/internal/metrics"
	"github.com/oriys/cybergym/internal/observability"
	"github.com/oriys/cybergym/internal/sandbox"
	"github.com/oriys/cybergym/internal/service"
	"github.com/oriys/cybergym/internal/store"
)

func serveCmd() *cobra.Command {
	var (
		configFile    string
		host          string
		port          int
		salt          string
		logDir        string
		dbPath        string
		pgDSN         string
		binaryDir     string
		maxFileSizeMB int
		apiKey        string
		apiKeyName    string
		dockerTimeout time.Duration
		cmdTimeout    time.Duration
		logLevel      string
		logFormat     string
		metricsOn     bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the PoC verification server",
		Long:  "Accept PoC submissions, run them in per-task sandbox containers, and record the results",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("salt") {
				cfg.Salt = salt
			}
			if cmd.Flags().Changed("log_dir") {
				cfg.LogDir = logDir
			}
			if cmd.Flags().Changed("db_path") {
				cfg.DBPath = dbPath
			}
			if cmd.Flags().Changed("pg_dsn") {
				cfg.PostgresDSN = pgDSN
			}
			if cmd.Flags().Changed("binary_dir") {
				cfg.Sandbox.BinaryDir = binaryDir
			}
			if cmd.Flags().Changed("max_file_size_mb") {
				cfg.MaxFileSizeMB = maxFileSizeMB
			}
			if cmd.Flags().Changed("api_key") {
				cfg.Auth.APIKey = apiKey
			}
			if cmd.Flags().Changed("api_key_name") {
				cfg.Auth.APIKeyName = apiKeyName
			}
			if cmd.Flags().Changed("docker_timeout") {
				cfg.Sandbox.DockerTimeout = config.Duration(dockerTimeout)
			}
			if cmd.Flags().Changed("cmd_timeout") {
				cfg.Sandbox.CmdTimeout = config.Duration(cmdTimeout)
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Server.LogLevel = logLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.Server.LogFormat = logFormat
			}
			if cmd.Flags().Changed("metrics") {
				cfg.Metrics.Enabled = metricsOn
			}

			return runServe(cfg)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "Path to YAML config file")
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host to run the server on")
	cmd.Flags().IntVar(&port, "port", 8666, "Port to run the server on")
	cmd.Flags().StringVar(&salt, "salt", "", "Salt for submission checksums")
	cmd.Flags().StringVar(&logDir, "log_dir", "./logs", "Directory for PoC blobs and captured output")
	cmd.Flags().StringVar(&dbPath, "db_path", "./poc.db", "Path to the SQLite database")
	cmd.Flags().StringVar(&pgDSN, "pg_dsn", "", "Postgres DSN (overrides the SQLite store)")
	cmd.Flags().StringVar(&binaryDir, "binary_dir", "", "Directory with prebuilt oss-fuzz-latest output trees")
	cmd.Flags().IntVar(&maxFileSizeMB, "max_file_size_mb", 10, "Maximum upload size in MB")
	cmd.Flags().StringVar(&apiKey, "api_key", "", "API key for the private endpoints")
	cmd.Flags().StringVar(&apiKeyName, "api_key_name", "X-API-Key", "Header carrying the API key")
	cmd.Flags().DurationVar(&dockerTimeout, "docker_timeout", sandbox.DefaultDockerTimeout, "Outer wall-time limit on container runs")
	cmd.Flags().DurationVar(&cmdTimeout, "cmd_timeout", sandbox.DefaultCmdTimeout, "Inner wall-time limit on the target command")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
	cmd.Flags().BoolVar(&metricsOn, "metrics", true, "Expose Prometheus metrics on /metrics")

	return cmd
}

func runServe(cfg *config.Config) error {
	logging.Init(cfg.Server.LogFormat, cfg.Server.LogLevel)

	ctx := context.Background()

	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Tracing.Enabled,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.Shutdown(context.Background())

	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Namespace)
	}

	blobs, err := blob.NewStore(cfg.LogDir)
	if err != nil {
		return err
	}

	var st store.Store
	if cfg.PostgresDSN != "" {
		logging.Op().Info("using Postgres store")
		st, err = store.NewPostgresStore(ctx, cfg.PostgresDSN)
	} else {
		logging.Op().Info("using SQLite store", "path", cfg.DBPath)
		st, err = store.NewSQLiteStore(ctx, cfg.DBPath)
	}
	if err != nil {
		return err
	}
	defer st.Close()

	engine, err := sandbox.NewDockerEngine()
	if err != nil {
		return err
	}
	runner := sandbox.NewRunner(engine, sandbox.Config{
		DockerTimeout: cfg.Sandbox.DockerTimeout.Std(),
		CmdTimeout:    cfg.Sandbox.CmdTimeout.Std(),
		BinaryDir:     cfg.Sandbox.BinaryDir,
	})

	svc := service.New(st, blobs, runner, cfg.Salt)

	addr := cfg.ListenAddr()
	server := api.StartHTTPServer(addr, api.ServerConfig{
		Service:        svc,
		APIKey:         cfg.Auth.APIKey,
		APIKeyName:     cfg.Auth.APIKeyName,
		MaxFileSizeMB:  cfg.MaxFileSizeMB,
		MetricsEnabled: cfg.Metrics.Enabled,
	})
	logging.Op().Info("server started", "addr", addr, "log_dir", cfg.LogDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logging.Op().Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	return nil
}
