package setup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/modronbot/modron/internal/cloud"
	"github.com/modronbot/modron/internal/cloud/gdrive"
	"github.com/modronbot/modron/internal/gateway"
	"github.com/modronbot/modron/internal/gateway/discord"
	"github.com/modronbot/modron/internal/redis"
	"github.com/modronbot/modron/internal/setup/config"
	"github.com/modronbot/modron/internal/setup/telemetry"
	"github.com/modronbot/modron/internal/state"
	"go.uber.org/zap"
)

// ErrMissingToken is returned when the gateway is requested without a bot token.
var ErrMissingToken = errors.New("discord token is not configured")

// Component selects the optional subsystems InitializeApp connects.
type Component int

const (
	// ComponentGateway connects to Discord.
	ComponentGateway Component = 1 << iota
	// ComponentCloud connects to Google Drive when credentials are configured.
	ComponentCloud
)

// App bundles all core dependencies and services needed by the application.
// Each field represents a major subsystem that needs initialization and cleanup.
type App struct {
	Config       *config.Config     // Application configuration
	ConfigDir    string             // Directory the configuration was loaded from
	Logger       *zap.Logger        // Main application logger
	LogManager   *telemetry.Manager // Log management system
	RedisManager *redis.Manager     // Redis connection manager
	State        state.Store        // Persisted reminder state
	Gateway      gateway.Gateway    // Messaging gateway, nil unless requested
	Cloud        cloud.Client       // Cloud drive, nil unless requested and configured
	discord      *discord.Gateway
}

// InitializeApp bootstraps all application dependencies in the correct order,
// ensuring each component has its required dependencies available.
func InitializeApp(ctx context.Context, configDir, logDir string, components Component) (*App, error) {
	// Load app configuration
	cfg, loadedDir, err := config.LoadConfig(configDir)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Logging system is initialized next to capture setup issues
	logManager := telemetry.NewManager("modron", logDir, &cfg.Common.Debug)

	logger, err := logManager.GetLogger()
	if err != nil {
		return nil, err
	}

	logger.Info("Loaded configuration",
		zap.String("configDir", loadedDir),
		zap.Int("guilds", len(cfg.Guilds.Guilds)),
		zap.String("stateBackend", cfg.Common.State.Backend))

	app := &App{
		Config:       cfg,
		ConfigDir:    loadedDir,
		Logger:       logger,
		LogManager:   logManager,
		RedisManager: redis.NewManager(&cfg.Common.Redis, logger),
	}

	// State store holds reminder times across restarts
	app.State, err = state.Open(&cfg.Common.State, app.RedisManager, logger)
	if err != nil {
		app.Cleanup(ctx)
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	if components&ComponentGateway != 0 {
		if err := app.connectGateway(); err != nil {
			app.Cleanup(ctx)
			return nil, err
		}
	}

	if components&ComponentCloud != 0 {
		if err := app.connectCloud(ctx); err != nil {
			app.Cleanup(ctx)
			return nil, err
		}
	}

	return app, nil
}

func (s *App) connectGateway() error {
	discordCfg := s.Config.Common.Discord
	if discordCfg.Token == "" {
		return ErrMissingToken
	}

	gw, err := discord.New(
		discordCfg.Token,
		time.Duration(discordCfg.RequestTimeout)*time.Millisecond,
		s.Config.Common.Retry.Options(),
		s.LogManager.GetServiceLogger("discord"),
	)
	if err != nil {
		return fmt.Errorf("failed to create discord client: %w", err)
	}

	s.discord = gw
	s.Gateway = gw
	return nil
}

func (s *App) connectCloud(ctx context.Context) error {
	driveCfg := s.Config.Common.GoogleDrive
	if driveCfg.CredentialsPath == "" {
		s.Logger.Info("Google Drive credentials not configured, backups stay local")
		return nil
	}

	client, err := gdrive.New(ctx, gdrive.Config{
		CredentialsPath: driveCfg.CredentialsPath,
		RequestTimeout:  time.Duration(driveCfg.RequestTimeout) * time.Millisecond,
		MaxConcurrent:   driveCfg.MaxConcurrent,
	}, s.LogManager.GetServiceLogger("google_drive"))
	if err != nil {
		return fmt.Errorf("failed to create Google Drive client: %w", err)
	}

	s.Logger.Info("Created Google Drive client", zap.String("backupFolder", driveCfg.BackupFolder))
	s.Cloud = client
	return nil
}

// Cleanup ensures graceful shutdown of all components in reverse initialization order.
// Logs but does not fail on cleanup errors to ensure all components get cleanup attempts.
func (s *App) Cleanup(ctx context.Context) {
	if s.discord != nil {
		s.discord.Close(ctx)
	}

	if s.State != nil {
		if err := s.State.Close(); err != nil {
			s.Logger.Error("Failed to close state store", zap.Error(err))
		}
	}

	// Close Redis connections after the state store that may use them
	s.RedisManager.Close()

	// Sync buffered logs before shutdown
	if err := s.Logger.Sync(); err != nil {
		log.Printf("Failed to sync logger: %v", err)
	}

	if err := s.LogManager.Close(); err != nil {
		log.Printf("Failed to close log files: %v", err)
	}
}
