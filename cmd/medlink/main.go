package main

import (
	"context"
	"flag"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"medlink/internal/app"
	"medlink/pkg/config"
	"medlink/pkg/logger"
	"medlink/pkg/notify"
	"medlink/pkg/state/shutdown"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	// load .env file if present
	_ = godotenv.Load(".env")

	var (
		cfgPath  = flag.String("config", "", "path to YAML config file")
		dataDir  = flag.String("data", "", "data directory (overrides config)")
		userID   = flag.String("user", "", "user id (overrides config)")
		apiURL   = flag.String("api", "", "REST base URL (overrides config)")
		wsURL    = flag.String("ws", "", "realtime websocket URL (overrides config)")
		logLevel = flag.String("log-level", "info", "log level: debug|info|warn|error")
	)
	flag.Parse()

	logger.Init(*logLevel)
	defer logger.Sync()

	cfg, err := config.LoadFile(*cfgPath)
	if err != nil {
		shutdown.Abort("config_load_failed", "error", err)
	}
	config.ApplyEnv(&cfg)
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *userID != "" {
		cfg.UserID = *userID
	}
	if *apiURL != "" {
		cfg.API.BaseURL = *apiURL
	}
	if *wsURL != "" {
		cfg.Realtime.URL = *wsURL
	}
	if err := config.Validate(&cfg); err != nil {
		shutdown.Abort("config_invalid", "error", err)
	}
	logger.Info("effective_config_loaded", "user", cfg.UserID, "data_dir", cfg.DataDir, "api", cfg.API.BaseURL)
	logger.Info("build_info", "version", version, "commit", commit, "built", buildDate)

	a, err := app.New(cfg, clockwork.NewRealClock(), notify.LogPresenter{})
	if err != nil {
		shutdown.Abort("app_init_failed", "error", err)
	}

	ctx := shutdown.SetupSignalHandler()
	if err := a.Run(ctx); err != nil {
		logger.Error("run_failed", "error", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.Shutdown(stopCtx); err != nil {
		logger.Error("shutdown_error", "error", err)
	}
}
