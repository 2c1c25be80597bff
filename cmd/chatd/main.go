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

	"chatd/internal/chat"
	"chatd/internal/common/fsutil"
	"chatd/internal/config"
	"chatd/internal/httpapi"
	"chatd/internal/manager"
	"chatd/internal/provision"
	"chatd/internal/store"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	cfg := config.Config{
		Addr:         envOr("CHATD_ADDR", ":8090"),
		AppDir:       envOr("CHATD_APP_DIR", "~/.chatd"),
		HistoryLimit: 10,
		MaxDownloads: 3,
	}
	var (
		configPath  string
		logLevel    string
		corsEnabled bool
		corsOrigins []string
		engineCtx   int
		engineThr   int
	)

	root := &cobra.Command{
		Use:           "chatd",
		Short:         "Local model provisioning and chat daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				fileCfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				mergeConfig(&cfg, fileCfg, cmd)
			}
			return run(cmd.Context(), cfg, logLevel, corsEnabled, corsOrigins, engineCtx, engineThr)
		},
	}

	f := root.Flags()
	f.StringVar(&configPath, "config", os.Getenv("CHATD_CONFIG"), "Config file (.yaml/.json/.toml); flags override file values")
	f.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	f.StringVar(&cfg.AppDir, "app-dir", cfg.AppDir, "Directory holding model artifacts and the catalog")
	f.StringVar(&cfg.CatalogPath, "catalog", cfg.CatalogPath, "Explicit model catalog path (overrides app-dir lookup)")
	f.StringVar(&cfg.DBPath, "db-path", os.Getenv("CHATD_DB_PATH"), "SQLite message log path (empty = in-memory)")
	f.StringVar(&cfg.RemoteBaseURL, "remote-base-url", os.Getenv("CHATD_REMOTE_BASE_URL"), "Remote chat endpoint base URL (empty = local only)")
	f.StringVar(&cfg.RemoteAPIKey, "remote-api-key", os.Getenv("CHATD_REMOTE_API_KEY"), "Bearer credential for the remote endpoint")
	f.StringVar(&cfg.RemoteModel, "remote-model", os.Getenv("CHATD_REMOTE_MODEL"), "Model name sent to the remote endpoint")
	f.IntVar(&cfg.HistoryLimit, "history-limit", cfg.HistoryLimit, "Recent turns resubmitted as remote context")
	f.IntVar(&cfg.MaxDownloads, "max-downloads", cfg.MaxDownloads, "Concurrent downloads per model")
	f.IntVar(&cfg.MaxTokens, "max-tokens", cfg.MaxTokens, "Generation token limit (0 = engine default)")
	f.Float64Var(&cfg.Temperature, "temperature", cfg.Temperature, "Sampling temperature")
	f.StringVar(&logLevel, "log-level", envOr("CHATD_LOG_LEVEL", "info"), "Log level: debug|info|warn|error")
	f.BoolVar(&corsEnabled, "cors-enabled", false, "Enable CORS middleware")
	f.StringSliceVar(&corsOrigins, "cors-origins", []string{"*"}, "Allowed CORS origins")
	f.IntVar(&engineCtx, "engine-ctx", 4096, "Engine context window size")
	f.IntVar(&engineThr, "engine-threads", 4, "Engine CPU threads")

	return root
}

// mergeConfig fills cfg from the file for fields the user left at their
// flag defaults. Explicit flags always win.
func mergeConfig(cfg *config.Config, file config.Config, cmd *cobra.Command) {
	setIf := func(flag string, apply func()) {
		if !cmd.Flags().Changed(flag) {
			apply()
		}
	}
	if file.Addr != "" {
		setIf("addr", func() { cfg.Addr = file.Addr })
	}
	if file.AppDir != "" {
		setIf("app-dir", func() { cfg.AppDir = file.AppDir })
	}
	if file.CatalogPath != "" {
		setIf("catalog", func() { cfg.CatalogPath = file.CatalogPath })
	}
	if file.DBPath != "" {
		setIf("db-path", func() { cfg.DBPath = file.DBPath })
	}
	if file.RemoteBaseURL != "" {
		setIf("remote-base-url", func() { cfg.RemoteBaseURL = file.RemoteBaseURL })
	}
	if file.RemoteAPIKey != "" {
		setIf("remote-api-key", func() { cfg.RemoteAPIKey = file.RemoteAPIKey })
	}
	if file.RemoteModel != "" {
		setIf("remote-model", func() { cfg.RemoteModel = file.RemoteModel })
	}
	if file.HistoryLimit > 0 {
		setIf("history-limit", func() { cfg.HistoryLimit = file.HistoryLimit })
	}
	if file.MaxDownloads > 0 {
		setIf("max-downloads", func() { cfg.MaxDownloads = file.MaxDownloads })
	}
	if file.MaxTokens > 0 {
		setIf("max-tokens", func() { cfg.MaxTokens = file.MaxTokens })
	}
	if file.Temperature > 0 {
		setIf("temperature", func() { cfg.Temperature = file.Temperature })
	}
}

func run(ctx context.Context, cfg config.Config, logLevel string, corsEnabled bool, corsOrigins []string, engineCtx, engineThr int) error {
	lvl, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).With().Timestamp().Logger()

	appDir, err := fsutil.ExpandHome(cfg.AppDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(appDir, 0o755); err != nil {
		return err
	}

	// Base context canceled on shutdown so streams drain promptly.
	baseCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var msgStore chat.MessageStore
	if cfg.DBPath != "" {
		dbPath, err := fsutil.ExpandHome(cfg.DBPath)
		if err != nil {
			return err
		}
		s, err := store.Open(dbPath)
		if err != nil {
			return err
		}
		defer s.Close()
		msgStore = s
		log.Info().Str("path", dbPath).Msg("message log opened")
	} else {
		msgStore = chat.NewMemoryStore()
		log.Info().Msg("using in-memory message log")
	}

	registry := provision.NewRegistry(provision.RegistryConfig{
		AppDir:       appDir,
		CatalogPath:  cfg.CatalogPath,
		MaxDownloads: cfg.MaxDownloads,
		Logger:       log,
	})
	registry.Load(baseCtx)

	var remote *chat.RemoteClient
	if cfg.RemoteBaseURL != "" {
		remote = chat.NewRemoteClient(cfg.RemoteBaseURL, cfg.RemoteAPIKey, cfg.RemoteModel, cfg.Temperature, nil, log)
		log.Info().Str("base_url", cfg.RemoteBaseURL).Str("model", cfg.RemoteModel).Msg("remote endpoint configured")
	}

	orch := chat.NewOrchestrator(chat.OrchestratorConfig{
		Engine:       chat.NewLlamaEngine(engineCtx, engineThr),
		Registry:     registry,
		Store:        msgStore,
		Remote:       remote,
		Logger:       log,
		HistoryLimit: cfg.HistoryLimit,
		MaxTokens:    cfg.MaxTokens,
		Temperature:  cfg.Temperature,
	})

	httpapi.SetLogger(log)
	httpapi.SetBaseContext(baseCtx)
	httpapi.SetCORSOptions(corsEnabled, corsOrigins,
		[]string{"GET", "POST", "DELETE", "OPTIONS"},
		[]string{"Accept", "Authorization", "Content-Type"})

	mux := httpapi.NewMux(manager.New(registry, orch))
	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("app_dir", appDir).Msg("chatd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-stop:
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
