// Package cloud defines the cloud drive operations used to mirror backups.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no folder or file matches.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a name matches more than one folder or file.
	ErrDuplicate = errors.New("more than one match")
)

// File describes a remote file.
type File struct {
	ID           string
	Name         string
	ModifiedTime time.Time
	Size         int64
}

// Object is the content and metadata written by CreateFile and UpdateFile.
// ModifiedTime is stored as the remote file's modification time and is read
// back through File.ModifiedTime at full precision.
type Object struct {
	Name         string
	ContentType  string
	Body         []byte
	ModifiedTime time.Time
}

// Client is a cloud drive organised in folders. Files and folders are located
// by name within a parent folder.
type Client interface {
	FindFolder(ctx context.Context, name, parentID string) (string, error)
	CreateFolder(ctx context.Context, name, parentID string) (string, error)
	FindFile(ctx context.Context, name, folderID string) (*File, error)
	CreateFile(ctx context.Context, folderID string, obj Object) (*File, error)
	UpdateFile(ctx context.Context, fileID string, obj Object) (*File, error)
}

// EnsureFolder returns the id of the named folder under parentID, creating it if missing.
func EnsureFolder(ctx context.Context, c Client, name, parentID string) (string, error) {
	id, err := c.FindFolder(ctx, name, parentID)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("failed to look up folder %q: %w", name, err)
	}

	id, err = c.CreateFolder(ctx, name, parentID)
	if err != nil {
		return "", fmt.Errorf("failed to create folder %q: %w", name, err)
	}
	return id, nil
}
