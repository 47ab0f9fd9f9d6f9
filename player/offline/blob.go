package offline

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

const blobSubdir = "audio"

// FileBlobStore is a disk-backed binary cache keyed by track id. Filenames
// are the md5 of the key, so arbitrary ids map to safe paths.
type FileBlobStore struct {
	baseDir string
}

// NewFileBlobStore creates a blob store rooted at baseDir.
func NewFileBlobStore(baseDir string) *FileBlobStore {
	return &FileBlobStore{baseDir: baseDir}
}

func hashKey(key string) string {
	hash := md5.Sum([]byte(key))
	return hex.EncodeToString(hash[:])
}

func (s *FileBlobStore) path(key string) string {
	return filepath.Join(s.baseDir, blobSubdir, hashKey(key)+".bin")
}

// Put writes the payload for a key, replacing any previous payload.
func (s *FileBlobStore) Put(key string, data []byte) error {
	dir := filepath.Join(s.baseDir, blobSubdir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create blob directory: %w", err)
	}

	// Write to a temp file and rename so readers never observe a partial blob.
	tmp, err := os.CreateTemp(dir, "blob-*")
	if err != nil {
		return fmt.Errorf("create blob file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close blob file: %w", err)
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("commit blob: %w", err)
	}
	return nil
}

// Match returns the payload for a key, or nil when absent.
func (s *FileBlobStore) Match(key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

// Delete removes the payload for a key. Deleting an absent key is not an error.
func (s *FileBlobStore) Delete(key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// Clear removes every stored payload.
func (s *FileBlobStore) Clear() error {
	dir := filepath.Join(s.baseDir, blobSubdir)
	err := os.RemoveAll(dir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear blobs: %w", err)
	}
	return nil
}

// Path returns the on-disk location of a stored payload, so local playback
// can stream straight from the file instead of copying through memory.
func (s *FileBlobStore) Path(key string) (string, bool) {
	path := s.path(key)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}
