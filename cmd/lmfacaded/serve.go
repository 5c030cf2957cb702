package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"lmfacade/internal/backend"
	"lmfacade/internal/backend/llamacpp"
	"lmfacade/internal/backend/llamaserver"
	"lmfacade/internal/backend/stubcpu"
	"lmfacade/internal/config"
	"lmfacade/internal/eventbus"
	"lmfacade/internal/httpapi"
	"lmfacade/internal/pool"
	"lmfacade/internal/service"
	"lmfacade/pkg/session"
)

func newServeCmd() *cobra.Command {
	var (
		configPath   string
		addr         string
		modelsDir    string
		backendsDir  string
		logLevel     string
		poolName     string
		poolSize     int
		poolDir      string
		poolClean    bool
		corsEnabled  bool
		corsOrigins  []string
		maxBodyBytes int64
		runTimeout   int64
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/NDJSON inference façade server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Config{
				Addr:             addr,
				ModelsDir:        modelsDir,
				BackendsDir:      backendsDir,
				LogLevel:         logLevel,
				PoolName:         poolName,
				PoolSize:         poolSize,
				PoolDir:          poolDir,
				PoolCleanOnStart: poolClean,
			}
			if configPath != "" {
				fileCfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = overlayUnset(cmd, fileCfg, cfg)
			}
			return runServe(cfg, corsEnabled, corsOrigins, maxBodyBytes, runTimeout)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML/JSON/TOML config file")
	cmd.Flags().StringVar(&addr, "addr", envOr("LMFACADE_ADDR", ":8080"), "HTTP listen address")
	cmd.Flags().StringVar(&modelsDir, "models-dir", envOr("LMFACADE_MODELS_DIR", "~/models/llm"), "directory to scan for model files")
	cmd.Flags().StringVar(&backendsDir, "backends-dir", envOr("LMFACADE_BACKENDS_DIR", ""), "directory to scan for *.so backend plugins")
	cmd.Flags().StringVar(&logLevel, "log-level", envOr("LMFACADE_LOG_LEVEL", "info"), "log level: debug|info|warn|error")
	cmd.Flags().StringVar(&poolName, "pool-name", envOr("LMFACADE_POOL_NAME", "default"), "pool name, namespaces persisted slot files")
	cmd.Flags().IntVar(&poolSize, "pool-size", 4, "number of concurrently held sessions")
	cmd.Flags().StringVar(&poolDir, "pool-dir", envOr("LMFACADE_POOL_DIR", os.TempDir()), "directory for persisted slot files")
	cmd.Flags().BoolVar(&poolClean, "pool-clean-on-start", false, "remove stale slot files belonging to this pool before serving")
	cmd.Flags().BoolVar(&corsEnabled, "cors", false, "enable CORS")
	cmd.Flags().StringSliceVar(&corsOrigins, "cors-origins", []string{"*"}, "allowed CORS origins")
	cmd.Flags().Int64Var(&maxBodyBytes, "max-body-bytes", 1<<20, "maximum request body size")
	cmd.Flags().Int64Var(&runTimeout, "run-timeout-seconds", 0, "per-run generation timeout, 0 disables")

	return cmd
}

// overlayUnset fills fields from fileCfg into flagCfg wherever the
// corresponding flag was left at its default (not explicitly set on the
// command line), so a --config file supplies defaults flags can still
// override.
func overlayUnset(cmd *cobra.Command, fileCfg, flagCfg config.Config) config.Config {
	out := flagCfg
	if !cmd.Flags().Changed("addr") && fileCfg.Addr != "" {
		out.Addr = fileCfg.Addr
	}
	if !cmd.Flags().Changed("models-dir") && fileCfg.ModelsDir != "" {
		out.ModelsDir = fileCfg.ModelsDir
	}
	if !cmd.Flags().Changed("backends-dir") && fileCfg.BackendsDir != "" {
		out.BackendsDir = fileCfg.BackendsDir
	}
	if !cmd.Flags().Changed("log-level") && fileCfg.LogLevel != "" {
		out.LogLevel = fileCfg.LogLevel
	}
	if !cmd.Flags().Changed("pool-name") && fileCfg.PoolName != "" {
		out.PoolName = fileCfg.PoolName
	}
	if !cmd.Flags().Changed("pool-size") && fileCfg.PoolSize != 0 {
		out.PoolSize = fileCfg.PoolSize
	}
	if !cmd.Flags().Changed("pool-dir") && fileCfg.PoolDir != "" {
		out.PoolDir = fileCfg.PoolDir
	}
	if !cmd.Flags().Changed("pool-clean-on-start") {
		out.PoolCleanOnStart = fileCfg.PoolCleanOnStart
	}
	out.DefaultParams = fileCfg.DefaultParams
	return out
}

func runServe(cfg config.Config, corsEnabled bool, corsOrigins []string, maxBodyBytes, runTimeout int64) error {
	logger := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger().Level(parseZerologLevel(cfg.LogLevel))
	httpapi.SetLogger(logger)
	httpapi.SetMaxBodyBytes(maxBodyBytes)
	httpapi.SetRunTimeoutSeconds(runTimeout)
	httpapi.SetCORSOptions(corsEnabled, corsOrigins, []string{"GET", "POST", "DELETE", "OPTIONS"}, []string{"Content-Type"})

	dispatcher := backend.NewDispatcher()
	dispatcher.RegisterBuiltin(llamacpp.New())
	dispatcher.RegisterBuiltin(llamaserver.New())
	dispatcher.RegisterBuiltin(stubcpu.New())
	if cfg.BackendsDir != "" {
		if err := dispatcher.ScanDir(cfg.BackendsDir); err != nil {
			logger.Warn().Err(err).Str("dir", cfg.BackendsDir).Msg("backend plugin scan failed")
		}
	}

	p, err := pool.New(pool.Config{
		Size:         cfg.PoolSize,
		Name:         cfg.PoolName,
		Dir:          cfg.PoolDir,
		CleanOnStart: cfg.PoolCleanOnStart,
		Dispatcher:   dispatcher,
		Publisher:    eventbus.NewMemory(),
	})
	if err != nil {
		return err
	}

	svc := service.New(service.Config{
		PoolName:   cfg.PoolName,
		Capacity:   cfg.PoolSize,
		ModelsDir:  cfg.ModelsDir,
		Dispatcher: dispatcher,
		Pool:       p,
		Locking:    pool.NewLocking(),
		DefaultParams: session.Params{
			NCtx:          cfg.DefaultParams.NCtx,
			NBatch:        cfg.DefaultParams.NBatch,
			Temp:          cfg.DefaultParams.Temperature,
			TopK:          cfg.DefaultParams.TopK,
			TopP:          cfg.DefaultParams.TopP,
			RepeatPenalty: cfg.DefaultParams.RepeatPenalty,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	httpapi.SetBaseContext(ctx)
	defer cancel()

	srv := &http.Server{Addr: cfg.Addr, Handler: httpapi.NewMux(svc)}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("models_dir", cfg.ModelsDir).Msg("lmfacaded listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-errCh:
		return err
	}

	cancel()
	if err := p.StoreAll(); err != nil {
		logger.Warn().Err(err).Msg("failed to persist sessions on shutdown")
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseZerologLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
