package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"
	"github.com/modronbot/modron/internal/cloud"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const (
	// CompressedExt is appended to the local file name to form the remote name.
	CompressedExt = ".gz"

	// ContentType is the media type of uploaded exports.
	ContentType = "application/gzip"

	// maxConcurrentUploads bounds the uploads of a single pass.
	maxConcurrentUploads = 4
)

// ErrNoCloud is returned by Upload when no cloud client is configured.
var ErrNoCloud = errors.New("no cloud client configured")

// UploadSummary aggregates the outcome of one upload pass.
type UploadSummary struct {
	Files   int
	Updated int
	Skipped int
	Failed  int
	Bytes   int64
}

// Upload mirrors every local export file of the guild to the cloud, compressed.
// A file is only transferred when its local modification time is newer than
// the remote copy's. Failures are counted per file and do not stop the pass.
func (s *Service) Upload(ctx context.Context) (UploadSummary, error) {
	var summary UploadSummary
	if s.cloud == nil {
		return summary, ErrNoCloud
	}

	// Step 1: List the local export files
	files, err := filepath.Glob(filepath.Join(s.guildDir(), "*"+ExportExt))
	if err != nil {
		return summary, fmt.Errorf("failed to list export files: %w", err)
	}
	summary.Files = len(files)
	if len(files) == 0 {
		s.logger.Info("No export files to upload")
		return summary, nil
	}

	// Step 2: Resolve the guild's folder
	folderID, err := cloud.EnsureFolder(ctx, s.cloud, safeName(s.guild.Name), s.cloudParent)
	if err != nil {
		return summary, err
	}

	// Step 3: Upload changed files
	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(maxConcurrentUploads)
	for _, path := range files {
		p.Go(func() {
			updated, size, err := s.uploadFile(ctx, path, folderID)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				summary.Failed++
				s.logger.Warn("Failed to upload export file, will retry next pass",
					zap.String("path", path),
					zap.Error(err))
			case updated:
				summary.Updated++
				summary.Bytes += size
			default:
				summary.Skipped++
			}
		})
	}
	p.Wait()

	s.logger.Info("Uploaded export files",
		zap.Int("files", summary.Files),
		zap.Int("updated", summary.Updated),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.String("transferred", humanize.IBytes(uint64(summary.Bytes))))

	return summary, nil
}

// uploadFile creates or overwrites the remote copy of one export file when
// the local file is newer. It returns whether anything was sent and how many bytes.
func (s *Service) uploadFile(ctx context.Context, path, folderID string) (bool, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, 0, err
	}

	modified := info.ModTime().UTC()
	name := filepath.Base(path) + CompressedExt

	remote, err := s.cloud.FindFile(ctx, name, folderID)
	switch {
	case errors.Is(err, cloud.ErrNotFound):
		remote = nil
	case err != nil:
		return false, 0, fmt.Errorf("failed to look up %s: %w", name, err)
	case !modified.After(remote.ModifiedTime):
		s.logger.Debug("Remote copy is current",
			zap.String("file", name),
			zap.Time("modified", modified))
		return false, 0, nil
	}

	body, err := compressFile(path)
	if err != nil {
		return false, 0, err
	}

	obj := cloud.Object{
		Name:         name,
		ContentType:  ContentType,
		Body:         body,
		ModifiedTime: modified,
	}

	if remote == nil {
		_, err = s.cloud.CreateFile(ctx, folderID, obj)
	} else {
		_, err = s.cloud.UpdateFile(ctx, remote.ID, obj)
	}
	if err != nil {
		return false, 0, fmt.Errorf("failed to upload %s: %w", name, err)
	}

	s.logger.Debug("Uploaded export file",
		zap.String("file", name),
		zap.Bool("created", remote == nil),
		zap.String("size", humanize.IBytes(uint64(len(body)))))

	return true, int64(len(body)), nil
}

// compressFile gzips a whole file in memory.
func compressFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	zw.Name = filepath.Base(path)

	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress %s: %w", path, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress %s: %w", path, err)
	}

	return buf.Bytes(), nil
}
