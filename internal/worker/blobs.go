package worker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"duet/internal/domain"
)

// BlobSpool keeps the media bytes of queued uploads on disk so queue records
// stay small. Files are named after the owning operation id.
type BlobSpool struct {
	dir string
}

func NewBlobSpool(dir string) *BlobSpool {
	return &BlobSpool{dir: dir}
}

// Write stores data for operation id and returns the file path.
func (s *BlobSpool) Write(id string, data []byte) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}
	path := filepath.Join(s.dir, id+".bin")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return path, nil
}

// Read loads a spooled blob. A missing file can never be uploaded, so it is
// reported as invalid local data.
func (s *BlobSpool) Read(path string) ([]byte, error) {
	if path == "" {
		return nil, domain.InvalidLocalData(errors.New("operation has no blob path"))
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, domain.InvalidLocalData(fmt.Errorf("blob %s is gone", filepath.Base(path)))
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

// Remove deletes a spooled blob; missing files are ignored.
func (s *BlobSpool) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
