package staging

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"wsync/internal/vcs"
)

// fileSystemStore persists staged entries across invocations.
//
// Directory structure:
//
//	<staging_dir>/
//	  index.json     (staged entries keyed by resource id)
//	  content/
//	    <sha256>     (staged resource content)
type fileSystemStore struct {
	stagingDir string
	contentDir string
}

const indexFile = "index.json"

// NewFileSystemStagingArea creates a new filesystem-based staging area.
// maxSize is the maximum total size in bytes; must be positive.
func NewFileSystemStagingArea(stagingDir string, maxSize int64) (vcs.StagingArea, error) {
	contentDir := filepath.Join(stagingDir, "content")
	if err := os.MkdirAll(contentDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	return &stagingArea{
		store:   &fileSystemStore{stagingDir: stagingDir, contentDir: contentDir},
		maxSize: maxSize,
	}, nil
}

func (f *fileSystemStore) contentPath(checksum string) string {
	return filepath.Join(f.contentDir, checksum)
}

func (f *fileSystemStore) StoreContent(content []byte) (string, bool, error) {
	checksum := vcs.HashBytes(content)
	path := f.contentPath(checksum)
	if _, err := os.Stat(path); err == nil {
		return checksum, false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", false, fmt.Errorf("checking content: %w", err)
	}
	if err := writeFileAtomic(path, content); err != nil {
		return "", false, err
	}
	return checksum, true, nil
}

func (f *fileSystemStore) RemoveContent(checksum string) {
	os.Remove(f.contentPath(checksum))
}

func (f *fileSystemStore) LoadContent(checksum string) ([]byte, error) {
	data, err := os.ReadFile(f.contentPath(checksum))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("content %s: %w", vcs.ShortHash(checksum), vcs.ErrNotFound)
	}
	return data, err
}

func (f *fileSystemStore) ContentSize() (int64, error) {
	entries, err := os.ReadDir(f.contentDir)
	if err != nil {
		return 0, fmt.Errorf("reading content directory: %w", err)
	}
	var total int64
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) == ".tmp" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}

func (f *fileSystemStore) LoadIndex() (map[string]*vcs.StagedEntry, error) {
	data, err := os.ReadFile(filepath.Join(f.stagingDir, indexFile))
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]*vcs.StagedEntry), nil
	}
	if err != nil {
		return nil, err
	}
	index := make(map[string]*vcs.StagedEntry)
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", indexFile, err)
	}
	return index, nil
}

func (f *fileSystemStore) SaveIndex(index map[string]*vcs.StagedEntry) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(f.stagingDir, indexFile), data)
}

// writeFileAtomic writes to a uniquely named temp file in the same directory, then
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + "." + uuid.New().String() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", filepath.Base(path), err)
	}
	return nil
}

var _ stagingStore = (*fileSystemStore)(nil)
