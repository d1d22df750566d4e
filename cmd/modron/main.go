package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/dustin/go-humanize"
	"github.com/modronbot/modron/internal/backup"
	"github.com/modronbot/modron/internal/reminder"
	"github.com/modronbot/modron/internal/schedule"
	"github.com/modronbot/modron/internal/setup"
	"github.com/modronbot/modron/internal/setup/config"
	"github.com/modronbot/modron/internal/state"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

const (
	// DefaultLogDir specifies where log files are stored.
	DefaultLogDir = "logs/modron_logs"

	// ShutdownTimeout bounds the cleanup after the services stop.
	ShutdownTimeout = 10 * time.Second
)

var (
	// ErrNoServices is returned by run when no guild enables a service.
	ErrNoServices = errors.New("no reminder or backup service is enabled")
	// ErrUnknownGuild is returned when --guild names a guild missing from guilds.toml.
	ErrUnknownGuild = errors.New("guild is not configured")
)

func main() {
	if err := run(); err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "modron",
		Usage: "Background services for role-play guilds",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config-dir",
				Usage: "Directory holding common.toml and guilds.toml",
			},
			&cli.StringFlag{
				Name:  "log-dir",
				Value: DefaultLogDir,
				Usage: "Directory for session logs",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Start the reminder and backup services of every configured guild",
				Action: runServices,
			},
			{
				Name:  "backup",
				Usage: "Run a single backup pass",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "guild", Usage: "Only back up this guild id"},
				},
				Action: runBackup,
			},
			{
				Name:  "status",
				Usage: "Show the next reminder and last message of a guild",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "guild", Usage: "Guild id", Required: true},
				},
				Action: showStatus,
			},
			{
				Name:  "snooze",
				Usage: "Hold off reminders for a while",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "guild", Usage: "Guild id", Required: true},
					&cli.DurationFlag{Name: "for", Usage: "How long to hold off reminders", Required: true},
				},
				Action: snooze,
			},
		},
	}

	return app.Run(ctx, os.Args)
}

// initialize loads the application with the given optional components.
func initialize(ctx context.Context, c *cli.Command, components setup.Component) (*setup.App, error) {
	app, err := setup.InitializeApp(ctx, c.String("config-dir"), c.String("log-dir"), components)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize application: %w", err)
	}
	return app, nil
}

// cleanup releases the application with a fresh context, since ctx is usually cancelled by now.
func cleanup(app *setup.App) {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	app.Cleanup(ctx)
}

// runServices starts one reminder and one backup service per enabled guild.
func runServices(ctx context.Context, c *cli.Command) error {
	app, err := initialize(ctx, c, setup.ComponentGateway|setup.ComponentCloud)
	if err != nil {
		return err
	}
	defer cleanup(app)

	maxSleepSlice := time.Duration(app.Config.Common.Scheduler.MaxSleepSlice) * time.Millisecond

	var runners []schedule.Runner
	for _, guild := range app.Config.Guilds.Guilds {
		if guild.Reminder.Enabled {
			name := fmt.Sprintf("reminder_%d", guild.ID)
			logger := app.LogManager.GetServiceLogger(name)
			periodic := schedule.NewPeriodic(name, maxSleepSlice, logger)
			runners = append(runners, reminder.New(guild, app.Gateway, app.State, periodic, logger))
		}

		if guild.Backup.Enabled {
			name := fmt.Sprintf("backup_%d", guild.ID)
			logger := app.LogManager.GetServiceLogger(name)
			periodic := schedule.NewPeriodic(name, maxSleepSlice, logger)
			runners = append(runners, backup.New(
				guild, app.Gateway, app.Cloud, app.Config.Common.GoogleDrive.BackupFolder, periodic, logger,
			))
		}
	}

	if len(runners) == 0 {
		return ErrNoServices
	}

	app.Logger.Info("Starting services", zap.Int("count", len(runners)))
	log.Printf("Started %d services. Press Ctrl+C to stop.", len(runners))

	if err := schedule.Supervise(ctx, runners...); err != nil {
		app.Logger.Error("Service failed", zap.Error(err))
		return err
	}

	app.Logger.Info("All services have stopped")
	log.Println("All services have stopped. Exiting.")
	return nil
}

// runBackup runs one backup pass for the selected guilds.
func runBackup(ctx context.Context, c *cli.Command) error {
	app, err := initialize(ctx, c, setup.ComponentGateway|setup.ComponentCloud)
	if err != nil {
		return err
	}
	defer cleanup(app)

	guilds := app.Config.Guilds.Guilds
	if raw := c.String("guild"); raw != "" {
		guild, err := lookupGuild(app.Config, raw)
		if err != nil {
			return err
		}
		guilds = []config.GuildConfig{guild}
	}

	var errs []error
	for _, guild := range guilds {
		if !guild.Backup.Enabled {
			continue
		}

		name := fmt.Sprintf("backup_%d", guild.ID)
		logger := app.LogManager.GetServiceLogger(name)
		service := backup.New(
			guild, app.Gateway, app.Cloud, app.Config.Common.GoogleDrive.BackupFolder,
			schedule.NewPeriodic(name, 0, logger), logger,
		)

		result, err := service.BackupOnce(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("guild %s: %w", guild.Name, err))
			continue
		}

		fmt.Printf("%s: exported %d messages from %d channels\n", guild.Name, result.Total(), len(result.Exported))
		if app.Cloud != nil {
			fmt.Printf("%s: updated %d of %d files (%s), %d failed\n",
				guild.Name, result.Upload.Updated, result.Upload.Files,
				humanize.IBytes(uint64(result.Upload.Bytes)), result.Upload.Failed)
		}
	}

	return errors.Join(errs...)
}

// showStatus prints the stored reminder state of a guild.
func showStatus(ctx context.Context, c *cli.Command) error {
	app, err := initialize(ctx, c, 0)
	if err != nil {
		return err
	}
	defer cleanup(app)

	guild, err := lookupGuild(app.Config, c.String("guild"))
	if err != nil {
		return err
	}

	status, ok, err := state.Status(ctx, app.State, guild.GuildID())
	if err != nil {
		return err
	}
	if !ok || status.NextReminder.IsZero() {
		fmt.Printf("%s: no reminder scheduled yet\n", guild.Name)
		return nil
	}

	fmt.Printf("%s: next reminder %s (%s)\n",
		guild.Name, humanize.Time(status.NextReminder), status.NextReminder.Local().Format(time.RFC1123))
	if last := status.LastMessage; last != nil {
		fmt.Printf("%s: last message by %s in #%s %s\n",
			guild.Name, last.Sender, last.Channel, humanize.Time(last.Time))
	}
	return nil
}

// snooze pushes the guild's next reminder back. It never brings a reminder forward.
func snooze(ctx context.Context, c *cli.Command) error {
	app, err := initialize(ctx, c, 0)
	if err != nil {
		return err
	}
	defer cleanup(app)

	guild, err := lookupGuild(app.Config, c.String("guild"))
	if err != nil {
		return err
	}

	until := time.Now().Add(c.Duration("for"))
	changed, effective, err := state.Snooze(ctx, app.State, guild.GuildID(), until)
	if err != nil {
		return err
	}

	app.Logger.Info("Snoozed reminders",
		zap.Uint64("guildID", guild.ID),
		zap.Time("requested", until),
		zap.Time("nextReminder", effective),
		zap.Bool("changed", changed))

	if changed {
		fmt.Printf("%s: reminders snoozed until %s\n", guild.Name, effective.Local().Format(time.RFC1123))
	} else {
		fmt.Printf("%s: next reminder is already later, at %s\n", guild.Name, effective.Local().Format(time.RFC1123))
	}
	return nil
}

func lookupGuild(cfg *config.Config, raw string) (config.GuildConfig, error) {
	id, err := snowflake.Parse(raw)
	if err != nil {
		return config.GuildConfig{}, fmt.Errorf("invalid guild id %q: %w", raw, err)
	}

	guild, ok := cfg.Guild(id)
	if !ok {
		return config.GuildConfig{}, fmt.Errorf("%w: %s", ErrUnknownGuild, id)
	}
	return guild, nil
}
