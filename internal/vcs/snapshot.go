package vcs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Snapshot is an immutable commit: a full tree plus its parent lineage.
// Snapshots handed out by the graph are shared and must be treated as read-only.
type Snapshot struct {
	ID        string    `json:"id"`
	ParentIDs []string  `json:"parent_ids"`
	Tree      Tree      `json:"tree"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// SnapshotMeta carries the descriptive fields of a new snapshot.
type SnapshotMeta struct {
	Author    string
	Timestamp time.Time
	Message   string
}

// NewSnapshot builds a snapshot and derives its id. It does not persist anything.
func NewSnapshot(parentIDs []string, tree Tree, meta SnapshotMeta) *Snapshot {
	parents := append([]string{}, parentIDs...)
	if tree == nil {
		tree = Tree{}
	}
	ts := meta.Timestamp.UTC()

	return &Snapshot{
		ID:        SnapshotID(parents, tree.Hash(), meta.Author, ts, meta.Message),
		ParentIDs: parents,
		Tree:      tree,
		Author:    meta.Author,
		Timestamp: ts,
		Message:   meta.Message,
	}
}

// SnapshotID derives a snapshot id from its content. Identical inputs always collide to
// the same id; parent order is significant.
func SnapshotID(parentIDs []string, treeHash, author string, timestamp time.Time, message string) string {
	h := sha256.New()
	writeField(h, strconv.Itoa(len(parentIDs)))
	for _, p := range parentIDs {
		writeField(h, p)
	}
	writeField(h, treeHash)
	writeField(h, author)
	writeField(h, timestamp.UTC().Format(time.RFC3339Nano))
	writeField(h, message)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify recomputes the snapshot id and reports ErrIntegrity on mismatch. Every tree key
// must equal the id of the reference it holds, since only the references are hashed.
func (s *Snapshot) Verify() error {
	for key, ref := range s.Tree {
		if key != ref.ID {
			return fmt.Errorf("%w: snapshot %s files %s under key %q", ErrIntegrity, ShortHash(s.ID), ref.ID, key)
		}
	}
	want := SnapshotID(s.ParentIDs, s.Tree.Hash(), s.Author, s.Timestamp, s.Message)
	if want != s.ID {
		return fmt.Errorf("%w: snapshot %s hashes to %s", ErrIntegrity, s.ID, want)
	}
	return nil
}

// IsMerge reports whether the snapshot has two parents.
func (s *Snapshot) IsMerge() bool {
	return len(s.ParentIDs) > 1
}

// ShortID returns the first 12 characters of the id.
func (s *Snapshot) ShortID() string {
	return ShortHash(s.ID)
}

// ShortHash abbreviates a hash or id for display.
func ShortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// EncodeSnapshot serializes a snapshot for transfer to a remote.
func EncodeSnapshot(s *Snapshot) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot %s: %w", s.ID, err)
	}
	return data, nil
}

// DecodeSnapshot parses EncodeSnapshot output and verifies the id.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	if s.ParentIDs == nil {
		s.ParentIDs = []string{}
	}
	if s.Tree == nil {
		s.Tree = Tree{}
	}
	if err := s.Verify(); err != nil {
		return nil, err
	}
	return &s, nil
}
