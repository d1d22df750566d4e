// Package cloudtest provides an in-memory cloud client for tests.
package cloudtest

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/modronbot/modron/internal/cloud"
)

type entry struct {
	id       string
	name     string
	parent   string
	folder   bool
	body     []byte
	modified time.Time
}

// Client is an in-memory cloud.Client.
type Client struct {
	mu         sync.Mutex
	entries    map[string]*entry
	nextID     int
	failUpload map[string]error
	creates    int
	updates    int
	bytes      int64
}

// New creates an empty drive.
func New() *Client {
	return &Client{
		entries:    make(map[string]*entry),
		failUpload: make(map[string]error),
	}
}

// FailUploads makes creating or updating a file with the given name fail. A nil err clears it.
func (c *Client) FailUploads(name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failUpload, name)
		return
	}
	c.failUpload[name] = err
}

// Stats returns how many files were created and updated and how many bytes were written.
func (c *Client) Stats() (creates, updates int, bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creates, c.updates, c.bytes
}

// Content returns the body of the named file in a folder.
func (c *Client) Content(name, folderID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if !e.folder && e.name == name && e.parent == folderID {
			return slices.Clone(e.body), true
		}
	}
	return nil, false
}

// AddFolder inserts a folder directly, allowing duplicate names.
func (c *Client) AddFolder(name, parentID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertLocked(&entry{name: name, parent: parentID, folder: true})
}

func (c *Client) insertLocked(e *entry) string {
	c.nextID++
	e.id = "id" + strconv.Itoa(c.nextID)
	c.entries[e.id] = e
	return e.id
}

func (c *Client) findLocked(name, parentID string, folder bool) ([]*entry, error) {
	var matches []*entry
	for _, e := range c.entries {
		if e.folder == folder && e.name == name && e.parent == parentID {
			matches = append(matches, e)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%q in %q: %w", name, parentID, cloud.ErrNotFound)
	case 1:
		return matches, nil
	default:
		return nil, fmt.Errorf("%q in %q: %w", name, parentID, cloud.ErrDuplicate)
	}
}

// FindFolder implements cloud.Client.
func (c *Client) FindFolder(_ context.Context, name, parentID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	matches, err := c.findLocked(name, parentID, true)
	if err != nil {
		return "", err
	}
	return matches[0].id, nil
}

// CreateFolder implements cloud.Client.
func (c *Client) CreateFolder(_ context.Context, name, parentID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertLocked(&entry{name: name, parent: parentID, folder: true}), nil
}

// FindFile implements cloud.Client.
func (c *Client) FindFile(_ context.Context, name, folderID string) (*cloud.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	matches, err := c.findLocked(name, folderID, false)
	if err != nil {
		return nil, err
	}
	return toFile(matches[0]), nil
}

// CreateFile implements cloud.Client.
func (c *Client) CreateFile(_ context.Context, folderID string, obj cloud.Object) (*cloud.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.failUpload[obj.Name]; err != nil {
		return nil, err
	}

	e := &entry{name: obj.Name, parent: folderID, body: slices.Clone(obj.Body), modified: obj.ModifiedTime}
	c.insertLocked(e)
	c.creates++
	c.bytes += int64(len(obj.Body))
	return toFile(e), nil
}

// UpdateFile implements cloud.Client.
func (c *Client) UpdateFile(_ context.Context, fileID string, obj cloud.Object) (*cloud.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fileID]
	if !ok || e.folder {
		return nil, fmt.Errorf("file %s: %w", fileID, cloud.ErrNotFound)
	}
	if err := c.failUpload[e.name]; err != nil {
		return nil, err
	}

	e.body = slices.Clone(obj.Body)
	e.modified = obj.ModifiedTime
	c.updates++
	c.bytes += int64(len(obj.Body))
	return toFile(e), nil
}

func toFile(e *entry) *cloud.File {
	return &cloud.File{
		ID:           e.id,
		Name:         e.name,
		ModifiedTime: e.modified,
		Size:         int64(len(e.body)),
	}
}
