package remote

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"wsync/internal/vcs"
)

// FileSystemRemote stores blobs, snapshots and branch pointers as files under root,
// typically a mounted network or removable drive. Every write goes through a temp
// file and a rename, so readers never see a partial object.
type FileSystemRemote struct {
	name string
	root string
}

// NewFileSystemRemote creates a filesystem remote rooted at the given path.
func NewFileSystemRemote(name, root string) (*FileSystemRemote, error) {
	for _, dir := range []string{blobsPrefix, snapshotsPrefix, branchesPrefix} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create remote directory: %w", err)
		}
	}
	return &FileSystemRemote{name: name, root: root}, nil
}

func (r *FileSystemRemote) Name() string { return r.name }

func (r *FileSystemRemote) path(key string) string {
	return filepath.Join(r.root, filepath.FromSlash(key))
}

func (r *FileSystemRemote) exists(op, key string) (bool, error) {
	_, err := os.Stat(r.path(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, vcs.NewTransportError(op, err)
}

func (r *FileSystemRemote) read(op, key string) ([]byte, error) {
	data, err := os.ReadFile(r.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("remote %s %s: %w", r.name, key, vcs.ErrNotFound)
	}
	if err != nil {
		return nil, vcs.NewTransportError(op, err)
	}
	return data, nil
}

// writeFile writes data to key using atomic write (temp file + rename).
func (r *FileSystemRemote) writeFile(op, key string, data []byte) error {
	destPath := r.path(key)
	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return vcs.NewTransportError(op, err)
	}

	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return vcs.NewTransportError(op, fmt.Errorf("failed to create temp file: %w", err))
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return vcs.NewTransportError(op, fmt.Errorf("failed to write data: %w", err))
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return vcs.NewTransportError(op, fmt.Errorf("failed to sync temp file: %w", err))
	}
	if err := tmpFile.Close(); err != nil {
		return vcs.NewTransportError(op, fmt.Errorf("failed to close temp file: %w", err))
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return vcs.NewTransportError(op, fmt.Errorf("failed to rename temp file: %w", err))
	}

	success = true
	return nil
}

func (r *FileSystemRemote) HasBlob(ctx context.Context, hash string) (bool, error) {
	return r.exists("has blob", blobKey(hash))
}

// PutBlob stores content under hash. Storing an existing hash is a no-op.
func (r *FileSystemRemote) PutBlob(ctx context.Context, hash string, content []byte) error {
	ok, err := r.exists("put blob", blobKey(hash))
	if err != nil || ok {
		return err
	}
	return r.writeFile("put blob", blobKey(hash), content)
}

func (r *FileSystemRemote) GetBlob(ctx context.Context, hash string) ([]byte, error) {
	return r.read("get blob", blobKey(hash))
}

func (r *FileSystemRemote) HasSnapshot(ctx context.Context, id string) (bool, error) {
	return r.exists("has snapshot", snapshotKey(id))
}

func (r *FileSystemRemote) PutSnapshot(ctx context.Context, snap *vcs.Snapshot) error {
	ok, err := r.exists("put snapshot", snapshotKey(snap.ID))
	if err != nil || ok {
		return err
	}
	data, err := vcs.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	return r.writeFile("put snapshot", snapshotKey(snap.ID), data)
}

func (r *FileSystemRemote) GetSnapshot(ctx context.Context, id string) (*vcs.Snapshot, error) {
	data, err := r.read("get snapshot", snapshotKey(id))
	if err != nil {
		return nil, err
	}
	return vcs.DecodeSnapshot(data)
}

func (r *FileSystemRemote) GetBranch(ctx context.Context, name string) (string, error) {
	data, err := r.read("get branch", branchKey(name))
	if errors.Is(err, vcs.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return parseBranchPointer(name, data)
}

func (r *FileSystemRemote) SetBranch(ctx context.Context, name, snapshotID string) error {
	return r.writeFile("set branch", branchKey(name), []byte(snapshotID+"\n"))
}

func (r *FileSystemRemote) ListBranches(ctx context.Context) ([]vcs.Branch, error) {
	dir := r.path(branchesPrefix)
	var out []vcs.Branch
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		id, err := parseBranchPointer(name, data)
		if err != nil {
			return err
		}
		out = append(out, vcs.Branch{Name: name, SnapshotID: id})
		return nil
	})
	if err != nil {
		if errors.Is(err, vcs.ErrIntegrity) {
			return nil, err
		}
		return nil, vcs.NewTransportError("list branches", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ValidateSetup verifies that the remote directories exist and are writable.
func (r *FileSystemRemote) ValidateSetup(ctx context.Context) error {
	info, err := os.Stat(r.root)
	if err != nil {
		return fmt.Errorf("remote root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("remote root is not a directory: %s", r.root)
	}

	for _, dir := range []string{blobsPrefix, snapshotsPrefix, branchesPrefix} {
		info, err := os.Stat(r.path(dir))
		if err != nil {
			return fmt.Errorf("remote directory not accessible: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("remote path is not a directory: %s", dir)
		}
	}

	probe, err := os.CreateTemp(r.root, ".tmp-probe-*")
	if err != nil {
		return fmt.Errorf("remote root not writable: %w", err)
	}
	probe.Close()
	return os.Remove(probe.Name())
}

// Compile-time check that FileSystemRemote implements vcs.Remote interface
var _ vcs.Remote = (*FileSystemRemote)(nil)
