package backup

import (
	"bufio"
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/disgoorg/snowflake/v2"
	"github.com/modronbot/modron/internal/gateway"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const (
	// ExportExt is the extension of local export files.
	ExportExt = ".jsonl"

	// tailChunk is how much of the end of a file is read to find its last line.
	tailChunk = 64 * 1024

	// maxRecordSize bounds a single line during a full scan.
	maxRecordSize = 4 * 1024 * 1024

	// maxConcurrentExports bounds the channel exports of a single pass.
	maxConcurrentExports = 8
)

// Record is one exported message, stored as one line of an export file.
type Record struct {
	ID        snowflake.ID `json:"id"`
	UserID    snowflake.ID `json:"user_id"`
	UserName  string       `json:"user_name"`
	Message   string       `json:"message"`
	Timestamp time.Time    `json:"timestamp"`
}

// NewRecord converts a gateway message into an export record.
func NewRecord(msg *gateway.Message) Record {
	return Record{
		ID:        msg.ID,
		UserID:    msg.AuthorID,
		UserName:  msg.AuthorName,
		Message:   msg.Content,
		Timestamp: msg.CreatedAt.UTC(),
	}
}

// ReadCursor returns the timestamp of the newest record in an export file.
// A missing file yields the zero time. The last line is trusted when it
// parses; otherwise every parseable line is scanned.
func ReadCursor(path string) (time.Time, error) {
	line, _, err := readTail(path)
	if errors.Is(err, os.ErrNotExist) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	if len(line) == 0 {
		return time.Time{}, nil
	}

	var rec Record
	if err := sonic.Unmarshal(line, &rec); err == nil && !rec.Timestamp.IsZero() {
		return rec.Timestamp, nil
	}

	return scanCursor(path)
}

// readTail returns the last non-empty line of a file and whether the file ends with a newline.
func readTail(path string) (line []byte, terminated bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, false, err
	}
	if info.Size() == 0 {
		return nil, true, nil
	}

	offset := max(info.Size()-tailChunk, 0)
	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil && !errors.Is(err, io.EOF) {
		return nil, false, fmt.Errorf("failed to read %s: %w", path, err)
	}

	terminated = buf[len(buf)-1] == '\n'
	trimmed := bytes.TrimRight(buf, "\r\n")
	if i := bytes.LastIndexByte(trimmed, '\n'); i >= 0 {
		return trimmed[i+1:], terminated, nil
	}
	// A line longer than the chunk is cut and fails to parse, which falls back to a full scan
	return trimmed, terminated, nil
}

// scanCursor reads every line and returns the newest parseable timestamp.
func scanCursor(path string) (time.Time, error) {
	f, err := os.Open(path)
	if err != nil {
		return time.Time{}, err
	}
	defer f.Close()

	var cursor time.Time
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	for scanner.Scan() {
		var rec Record
		if err := sonic.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if rec.Timestamp.After(cursor) {
			cursor = rec.Timestamp
		}
	}
	if err := scanner.Err(); err != nil {
		return time.Time{}, fmt.Errorf("failed to scan %s: %w", path, err)
	}

	return cursor, nil
}

// ExportPath returns the local export file of a channel.
func (s *Service) ExportPath(ch gateway.Channel) string {
	return filepath.Join(s.guildDir(), fmt.Sprintf("%s-%s%s", safeName(ch.Name), ch.ID, ExportExt))
}

func (s *Service) guildDir() string {
	return filepath.Join(s.guild.Backup.Directory, safeName(s.guild.Name))
}

// ExportChannel appends every message newer than the file's cursor to the
// channel's export file and returns how many records were written.
func (s *Service) ExportChannel(ctx context.Context, ch gateway.Channel) (int, error) {
	path := s.ExportPath(ch)

	// Step 1: Find where the previous export stopped
	cursor, err := ReadCursor(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read cursor: %w", err)
	}

	// Step 2: Skip the channel if nothing is newer than the cursor
	latest, err := s.gateway.LatestMessage(ctx, ch.ID)
	if errors.Is(err, gateway.ErrNotFound) {
		s.logger.Debug("Channel has no messages", zap.String("channel", ch.Name))
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read latest message: %w", err)
	}
	if !latest.CreatedAt.After(cursor) {
		s.logger.Debug("No new messages",
			zap.String("channel", ch.Name),
			zap.Time("cursor", cursor))
		return 0, nil
	}

	// Step 3: Append the new records
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create backup directory: %w", err)
	}

	_, terminated, err := readTail(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		terminated = true
	case err != nil:
		return 0, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open export file: %w", err)
	}
	defer f.Close()

	if !terminated {
		s.logger.Warn("Repairing export file without trailing newline", zap.String("path", path))
	}

	written, err := s.writeHistory(ctx, f, ch, cursor, !terminated)
	if err != nil {
		return written, err
	}

	s.logger.Info("Exported messages",
		zap.String("channel", ch.Name),
		zap.Int("count", written),
		zap.Time("from", cursor))

	return written, nil
}

// writeHistory buffers the new records into dst, starting with a newline when
// repair is set. The count includes records still buffered when a flush fails.
func (s *Service) writeHistory(
	ctx context.Context, dst io.Writer, ch gateway.Channel, cursor time.Time, repair bool,
) (int, error) {
	w := bufio.NewWriter(dst)
	if repair {
		if err := w.WriteByte('\n'); err != nil {
			return 0, err
		}
	}

	written, exportErr := s.appendHistory(ctx, w, ch, cursor)
	if err := w.Flush(); err != nil {
		return written, errors.Join(exportErr, fmt.Errorf("failed to write export file: %w", err))
	}
	return written, exportErr
}

// appendHistory writes one line per message strictly after cursor.
func (s *Service) appendHistory(ctx context.Context, w *bufio.Writer, ch gateway.Channel, cursor time.Time) (int, error) {
	written := 0
	for msg, err := range s.gateway.HistoryAfter(ctx, ch.ID, cursor) {
		if err != nil {
			return written, fmt.Errorf("failed to read history after %d records: %w", written, err)
		}
		if !msg.CreatedAt.After(cursor) {
			continue
		}

		line, err := sonic.Marshal(NewRecord(msg))
		if err != nil {
			return written, fmt.Errorf("failed to encode message %s: %w", msg.ID, err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return written, fmt.Errorf("failed to write export file: %w", err)
		}

		cursor = msg.CreatedAt
		written++
	}
	return written, nil
}

// ExportAll exports every backed-up channel concurrently and returns the
// number of records written per channel name. A channel that fails is
// logged and reports what it wrote before the failure.
func (s *Service) ExportAll(ctx context.Context) (map[string]int, error) {
	dir, err := gateway.LoadDirectory(ctx, s.gateway, s.guildID)
	if err != nil {
		return nil, err
	}

	channels, unknown := dir.Expand(s.guild.Backup.ChannelIDs())
	if len(unknown) > 0 {
		s.logger.Warn("Some backup ids match no channel", zap.Stringers("ids", unknown))
	}

	type exported struct {
		name  string
		count int
	}

	p := pool.NewWithResults[exported]().WithMaxGoroutines(maxConcurrentExports)
	for _, ch := range channels {
		p.Go(func() exported {
			count, err := s.ExportChannel(ctx, ch)
			if err != nil {
				s.logger.Warn("Failed to export channel",
					zap.String("channel", ch.Name),
					zap.Stringer("channelID", ch.ID),
					zap.Int("written", count),
					zap.Error(err))
			}
			return exported{name: ch.Name, count: count}
		})
	}

	results := p.Wait()
	slices.SortFunc(results, func(a, b exported) int { return cmp.Compare(a.name, b.name) })

	counts := make(map[string]int, len(results))
	for _, r := range results {
		counts[r.name] += r.count
	}
	return counts, nil
}

// safeName keeps a display name usable as a single path element.
func safeName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	return name
}
