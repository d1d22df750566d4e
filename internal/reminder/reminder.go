// Package reminder nudges a guild when every watched channel has gone quiet.
package reminder

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/dustin/go-humanize"
	"github.com/modronbot/modron/internal/gateway"
	"github.com/modronbot/modron/internal/schedule"
	"github.com/modronbot/modron/internal/setup/config"
	"github.com/modronbot/modron/internal/state"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const (
	// RetryDelay is how long to wait after a pass that could not run at all.
	// It is capped by the guild's allowed stall time.
	RetryDelay = 5 * time.Minute

	// maxConcurrentReads bounds the channel reads of a single pass.
	maxConcurrentReads = 8
)

// Result describes what a single check decided.
type Result struct {
	// LastActivity is the newest message time across watched channels.
	LastActivity time.Time
	// ActiveChannel is the channel that message was posted in. Zero if no channel had messages.
	ActiveChannel gateway.Channel
	// ActiveAuthor is the display name of the author of that message.
	ActiveAuthor string
	// NextReminder is the stored reminder time after this check.
	NextReminder time.Time
	// Stalled is true if the reminder time had been reached.
	Stalled bool
	// StillStalled is true if the previous nudge was left unanswered.
	StillStalled bool
	// Nudged is true if a nudge was posted.
	Nudged bool
	// WakeTime is when the next check should run.
	WakeTime time.Time
}

// reading is the latest message of one watched channel.
type reading struct {
	index   int
	channel gateway.Channel
	message *gateway.Message
	at      time.Time
	empty   bool
	failed  bool
}

// Service watches one guild for stalls.
type Service struct {
	guild      config.GuildConfig
	guildID    snowflake.ID
	stallTime  time.Duration
	gateway    gateway.Gateway
	store      state.Store
	periodic   *schedule.Periodic
	logger     *zap.Logger
	targetOnce sync.Once
}

// New creates a reminder service for one guild.
func New(
	guild config.GuildConfig,
	gw gateway.Gateway,
	store state.Store,
	periodic *schedule.Periodic,
	logger *zap.Logger,
) *Service {
	return &Service{
		guild:     guild,
		guildID:   guild.GuildID(),
		stallTime: guild.Reminder.StallTime(),
		gateway:   gw,
		store:     store,
		periodic:  periodic,
		logger: logger.Named("reminder").With(
			zap.Stringer("guildID", guild.GuildID()),
			zap.String("guild", guild.Name)),
	}
}

// Run checks for stalls until the service is halted.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("Reminder service started",
		zap.String("channel", s.guild.Reminder.Channel),
		zap.Duration("allowedStallTime", s.stallTime))

	return s.periodic.Run(ctx, s.pass)
}

// Stop asks the service to halt at its next sleep boundary.
func (s *Service) Stop() {
	s.periodic.Stop()
}

func (s *Service) pass(ctx context.Context) time.Time {
	result, err := s.CheckOnce(ctx)
	if err != nil {
		retry := min(RetryDelay, s.stallTime)
		s.logger.Error("Reminder check failed",
			zap.Error(err),
			zap.Duration("retryIn", retry))
		return s.periodic.Now().Add(retry)
	}
	return result.WakeTime
}

// CheckOnce runs one stall check: it finds the latest activity, raises the
// stored reminder time to match it and posts a nudge if that time has passed.
func (s *Service) CheckOnce(ctx context.Context) (Result, error) {
	// Step 1: Resolve the watched channels
	dir, err := gateway.LoadDirectory(ctx, s.gateway, s.guildID)
	if err != nil {
		return Result{}, err
	}

	target, err := dir.ResolveChannel(s.guild.Reminder.Channel)
	if err != nil {
		return Result{}, fmt.Errorf("failed to resolve reminder channel: %w", err)
	}

	channels, unknown := dir.Expand(s.guild.Reminder.WatchIDs())
	if len(unknown) > 0 {
		s.logger.Warn("Some watched ids match no channel", zap.Stringers("ids", unknown))
	}
	s.warnIfTargetUnwatched(target, channels)

	// Step 2: Read the latest message of every watched channel
	now := s.periodic.Now()
	readings := s.readChannels(ctx, channels, now)

	// Step 3: Find the latest activity
	result := Result{LastActivity: now}
	var latest, latestMessage *reading
	failed := 0
	for i := range readings {
		r := &readings[i]
		if r.failed {
			failed++
		}
		if r.empty {
			continue
		}
		if latest == nil || r.at.After(latest.at) {
			latest = r
		}
		if r.message != nil && (latestMessage == nil || r.at.After(latestMessage.at)) {
			latestMessage = r
		}
	}

	if latest != nil {
		result.LastActivity = latest.at
		result.ActiveChannel = latest.channel
		if latest.message != nil {
			result.ActiveAuthor = latest.message.AuthorName
		}
	}

	// Unreadable channels shift the activity time but are not recorded as messages
	var lastMessage *state.LastMessage
	if latestMessage != nil {
		lastMessage = &state.LastMessage{
			Sender:    latestMessage.message.AuthorName,
			SenderID:  latestMessage.message.AuthorID,
			Channel:   latestMessage.channel.Name,
			ChannelID: latestMessage.channel.ID,
			Time:      latestMessage.message.CreatedAt,
		}
	}

	s.logger.Info("Most recent activity",
		zap.Time("lastActivity", result.LastActivity),
		zap.String("channel", result.ActiveChannel.Name),
		zap.Duration("quietFor", now.Sub(result.LastActivity)),
		zap.Int("unreadable", failed))

	// Step 4: Raise the stored reminder time to the activity-derived time
	derived := result.LastActivity.Add(s.stallTime)
	doc, err := s.store.Update(ctx, func(doc *state.Document) bool {
		changed := state.RaiseReminder(doc, s.guildID, derived)
		g := doc.Guild(s.guildID)
		if lastMessage != nil && !sameMessage(g.LastMessage, lastMessage) {
			g.LastMessage = lastMessage
			changed = true
		}
		return changed
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to update reminder state: %w", err)
	}

	stored := doc.Guild(s.guildID).NextReminder
	result.NextReminder = stored

	if stored.After(derived) {
		s.logger.Info("Keeping later reminder time",
			zap.Time("nextReminder", stored),
			zap.Time("activityDerived", derived))
	}

	// Step 5: Not stalled yet, sleep until the reminder time
	if now.Before(stored) {
		s.logger.Info("Reminder scheduled", zap.Time("nextReminder", stored))
		result.WakeTime = stored
		return result, nil
	}

	// Step 6: Stalled, post a nudge and re-arm
	result.Stalled = true
	result.StillStalled = s.lastTargetPostWasMine(ctx, target, readings)

	text := NudgeText(result.LastActivity, now, target.Name, result.StillStalled)
	if err := s.gateway.Send(ctx, target.ID, text); err != nil {
		s.logger.Warn("Failed to post reminder, will retry next stall window",
			zap.Stringer("channelID", target.ID),
			zap.Error(err))
	} else {
		result.Nudged = true
		s.logger.Info("Posted reminder",
			zap.String("channel", target.Name),
			zap.Bool("stillStalled", result.StillStalled))
	}

	result.WakeTime = now.Add(s.stallTime)
	doc, err = s.store.Update(ctx, func(doc *state.Document) bool {
		return state.RaiseReminder(doc, s.guildID, result.WakeTime)
	})
	if err != nil {
		s.logger.Warn("Failed to persist re-armed reminder", zap.Error(err))
	} else {
		result.NextReminder = doc.Guild(s.guildID).NextReminder
	}

	return result, nil
}

// readChannels fetches the latest message of every channel concurrently. A
// channel that cannot be read counts as active now.
func (s *Service) readChannels(ctx context.Context, channels []gateway.Channel, now time.Time) []reading {
	p := pool.NewWithResults[reading]().WithMaxGoroutines(maxConcurrentReads)

	for i, ch := range channels {
		p.Go(func() reading {
			r := reading{index: i, channel: ch}

			msg, err := s.gateway.LatestMessage(ctx, ch.ID)
			switch {
			case errors.Is(err, gateway.ErrNotFound):
				r.empty = true
			case err != nil:
				s.logger.Warn("Failed to read channel, treating it as active now",
					zap.String("channel", ch.Name),
					zap.Stringer("channelID", ch.ID),
					zap.Error(err))
				r.failed = true
				r.at = now
			default:
				r.message = msg
				r.at = msg.CreatedAt
			}

			return r
		})
	}

	readings := p.Wait()
	slices.SortFunc(readings, func(a, b reading) int {
		return cmp.Compare(a.index, b.index)
	})
	return readings
}

// lastTargetPostWasMine reports whether the newest message in the reminder
// channel was posted by the bot.
func (s *Service) lastTargetPostWasMine(ctx context.Context, target gateway.Channel, readings []reading) bool {
	for _, r := range readings {
		if r.channel.ID == target.ID {
			return r.message != nil && r.message.AuthorID == s.gateway.SelfID()
		}
	}

	msg, err := s.gateway.LatestMessage(ctx, target.ID)
	if err != nil {
		if !errors.Is(err, gateway.ErrNotFound) {
			s.logger.Warn("Failed to read reminder channel", zap.Error(err))
		}
		return false
	}
	return msg.AuthorID == s.gateway.SelfID()
}

// warnIfTargetUnwatched logs once if nudges go to a channel whose activity is ignored.
func (s *Service) warnIfTargetUnwatched(target gateway.Channel, watched []gateway.Channel) {
	s.targetOnce.Do(func() {
		if slices.ContainsFunc(watched, func(ch gateway.Channel) bool { return ch.ID == target.ID }) {
			return
		}
		s.logger.Warn("Reminder channel is not watched; replies there will not delay the next reminder",
			zap.String("channel", target.Name))
	})
}

// NudgeText builds the reminder message.
func NudgeText(lastActivity, now time.Time, channel string, stillStalled bool) string {
	ago := humanize.RelTime(lastActivity, now, "ago", "from now")
	if stillStalled {
		return fmt.Sprintf("@here Still quiet since my last reminder. Last message was %s. "+
			"Who's up? Let's play some D&D!", ago)
	}
	return fmt.Sprintf("@here Last message was %s in #%s. Who's up? Let's play some D&D!", ago, channel)
}

func sameMessage(a, b *state.LastMessage) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.SenderID == b.SenderID &&
		a.ChannelID == b.ChannelID &&
		a.Sender == b.Sender &&
		a.Channel == b.Channel &&
		a.Time.Equal(b.Time)
}
