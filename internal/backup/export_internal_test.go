package backup

import (
	"errors"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/modronbot/modron/internal/gateway"
	"github.com/modronbot/modron/internal/gateway/gatewaytest"
	"github.com/modronbot/modron/internal/schedule"
	"github.com/modronbot/modron/internal/setup/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errDiskFull = errors.New("no space left on device")

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errDiskFull
}

func TestWriteHistoryCountsRecordsOnFlushFailure(t *testing.T) {
	t.Parallel()

	logger := zaptest.NewLogger(t)
	start := time.Date(2024, 6, 1, 20, 0, 0, 0, time.UTC)
	ch := gateway.Channel{ID: snowflake.ID(11), Name: "ic", Kind: gateway.KindText}

	gw := gatewaytest.New(snowflake.ID(2))
	for i := range 3 {
		gw.Post(ch.ID, snowflake.ID(3), "alice", "message", start.Add(time.Duration(i)*time.Minute))
	}

	guild := config.GuildConfig{
		ID:     1,
		Name:   "Test Guild",
		Backup: config.BackupConfig{Enabled: true, Frequency: 60, Directory: t.TempDir()},
	}
	service := New(guild, gw, nil, "", schedule.NewPeriodic("backup_test", 0, logger), logger)

	written, err := service.writeHistory(t.Context(), failingWriter{}, ch, time.Time{}, false)
	require.ErrorIs(t, err, errDiskFull)
	assert.Equal(t, 3, written)
}
