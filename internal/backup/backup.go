// Package backup exports guild channels to local JSONL files and mirrors them to a cloud drive.
package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/modronbot/modron/internal/cloud"
	"github.com/modronbot/modron/internal/gateway"
	"github.com/modronbot/modron/internal/schedule"
	"github.com/modronbot/modron/internal/setup/config"
	"go.uber.org/zap"
)

// Result describes one backup pass.
type Result struct {
	// Exported is the number of records appended per channel name.
	Exported map[string]int
	// Upload is the upload outcome. Zero when no cloud client is configured.
	Upload UploadSummary
	// WakeTime is when the next pass should run.
	WakeTime time.Time
}

// Total returns the number of records exported across all channels.
func (r Result) Total() int {
	total := 0
	for _, n := range r.Exported {
		total += n
	}
	return total
}

// Service backs up the channels of one guild on a fixed cadence.
type Service struct {
	guild       config.GuildConfig
	guildID     snowflake.ID
	cadence     time.Duration
	gateway     gateway.Gateway
	cloud       cloud.Client
	cloudParent string
	periodic    *schedule.Periodic
	logger      *zap.Logger
}

// New creates a backup service for one guild. cloudClient may be nil, in
// which case files are only exported locally.
func New(
	guild config.GuildConfig,
	gw gateway.Gateway,
	cloudClient cloud.Client,
	cloudParent string,
	periodic *schedule.Periodic,
	logger *zap.Logger,
) *Service {
	return &Service{
		guild:       guild,
		guildID:     guild.GuildID(),
		cadence:     guild.Backup.Cadence(),
		gateway:     gw,
		cloud:       cloudClient,
		cloudParent: cloudParent,
		periodic:    periodic,
		logger: logger.Named("backup").With(
			zap.Stringer("guildID", guild.GuildID()),
			zap.String("guild", guild.Name)),
	}
}

// Run backs up the guild every cadence until the service is halted.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("Backup service started",
		zap.String("directory", s.guildDir()),
		zap.Duration("frequency", s.cadence),
		zap.Bool("cloud", s.cloud != nil))

	return s.periodic.Run(ctx, s.pass)
}

// Stop asks the service to halt at its next sleep boundary.
func (s *Service) Stop() {
	s.periodic.Stop()
}

func (s *Service) pass(ctx context.Context) time.Time {
	result, err := s.BackupOnce(ctx)
	if err != nil {
		s.logger.Error("Backup pass failed", zap.Error(err))
		return s.periodic.Now().Add(s.cadence)
	}
	return result.WakeTime
}

// BackupOnce exports every channel and, when a cloud client is configured,
// uploads the changed files. The next pass is always one cadence away.
func (s *Service) BackupOnce(ctx context.Context) (Result, error) {
	start := s.periodic.Now()
	result := Result{WakeTime: start.Add(s.cadence)}

	// Step 1: Export new messages
	exported, err := s.ExportAll(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to export channels: %w", err)
	}
	result.Exported = exported

	s.logger.Info("Exported channels",
		zap.Int("messages", result.Total()),
		zap.Int("channels", len(exported)))

	// Step 2: Mirror to the cloud
	if s.cloud != nil {
		summary, err := s.Upload(ctx)
		result.Upload = summary
		if err != nil {
			return result, fmt.Errorf("failed to upload exports: %w", err)
		}
	}

	s.logger.Info("Backup complete",
		zap.Duration("duration", s.periodic.Now().Sub(start)),
		zap.Time("nextBackup", result.WakeTime))

	return result, nil
}
