// Package remote implements vcs.Remote over memory, a local directory and S3, plus an
// encrypting decorator.
//
// Every store uses the same layout:
//
//	blobs/<sha256>             (resource content)
//	snapshots/<id>.json        (encoded snapshot)
//	branches/<name>            (snapshot id the branch points at)
package remote

import (
	"strings"

	"wsync/internal/vcs"
)

const (
	blobsPrefix     = "blobs/"
	snapshotsPrefix = "snapshots/"
	branchesPrefix  = "branches/"
)

func blobKey(hash string) string   { return blobsPrefix + hash }
func snapshotKey(id string) string { return snapshotsPrefix + id + ".json" }
func branchKey(name string) string { return branchesPrefix + name }

// branchFromKey reverses branchKey; ok is false for keys outside branches/.
func branchFromKey(key string) (string, bool) {
	name, ok := strings.CutPrefix(key, branchesPrefix)
	if !ok || name == "" || strings.HasSuffix(name, "/") {
		return "", false
	}
	return name, true
}

// parseBranchPointer validates the content of a branch object.
func parseBranchPointer(name string, data []byte) (string, error) {
	id := strings.TrimSpace(string(data))
	if len(id) != 64 {
		return "", &corruptError{what: "branch " + name, detail: "malformed snapshot id"}
	}
	return id, nil
}

type corruptError struct {
	what   string
	detail string
}

func (e *corruptError) Error() string { return e.what + ": " + e.detail }

func (e *corruptError) Unwrap() error { return vcs.ErrIntegrity }
