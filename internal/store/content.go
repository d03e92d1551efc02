package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ContentStore keeps attachment bytes on disk. Blobs are named by a fresh
// uuid plus the sanitized extension of the client file name; the client
// name itself never reaches the filesystem.
type ContentStore struct {
	dir string
}

func NewContentStore(dir string) (*ContentStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &ContentStore{dir: dir}, nil
}

func (c *ContentStore) Dir() string {
	return c.dir
}

// Put writes data and returns the reference to store alongside the message.
func (c *ContentStore) Put(fileName string, data []byte) (string, error) {
	ref := uuid.NewString() + extension(fileName)
	if err := os.WriteFile(filepath.Join(c.dir, ref), data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write attachment: %w", err)
	}
	return ref, nil
}

func (c *ContentStore) Get(ref string) ([]byte, error) {
	path, err := c.path(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment: %w", err)
	}
	return data, nil
}

// Remove deletes a blob. Removing a missing blob is not an error.
func (c *ContentStore) Remove(ref string) error {
	path, err := c.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove attachment: %w", err)
	}
	return nil
}

// Usage reports the number of blobs and their total size.
func (c *ContentStore) Usage() (files int, bytes int64, err error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read storage directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files++
		bytes += info.Size()
	}
	return files, bytes, nil
}

func (c *ContentStore) path(ref string) (string, error) {
	if ref == "" || ref != filepath.Base(ref) || strings.HasPrefix(ref, ".") {
		return "", fmt.Errorf("invalid attachment reference %q", ref)
	}
	return filepath.Join(c.dir, ref), nil
}

// extension keeps at most ten lowercase alphanumerics of the file name's
// extension.
func extension(fileName string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(fileName)))
	ext = strings.TrimPrefix(ext, ".")
	var b strings.Builder
	for _, r := range ext {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() == 10 {
			break
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "." + b.String()
}
