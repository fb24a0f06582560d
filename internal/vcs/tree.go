package vcs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// HashBytes returns the lowercase hex SHA-256 digest of data. It is the only digest used
// for blobs, trees and snapshots.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// ResourceRef points a logical resource at the blob holding its content.
type ResourceRef struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	BlobHash string `json:"blob"`
}

// Tree maps resource id to its reference: the complete workspace state at one point.
type Tree map[string]ResourceRef

// IDs returns the tree's resource ids in sorted order.
func (t Tree) IDs() []string {
	ids := make([]string, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone returns a copy of t that can be modified independently.
func (t Tree) Clone() Tree {
	out := make(Tree, len(t))
	for id, ref := range t {
		out[id] = ref
	}
	return out
}

// Equal reports whether both trees hold the same references.
func (t Tree) Equal(other Tree) bool {
	if len(t) != len(other) {
		return false
	}
	for id, ref := range t {
		if o, ok := other[id]; !ok || o != ref {
			return false
		}
	}
	return true
}

// Hash returns the deterministic digest of the tree, computed over entries sorted by id.
func (t Tree) Hash() string {
	h := sha256.New()
	for _, id := range t.IDs() {
		ref := t[id]
		writeField(h, ref.ID)
		writeField(h, ref.Type)
		writeField(h, ref.BlobHash)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// writeField writes a length-prefixed field so that no two field sequences collide.
func writeField(w io.Writer, s string) {
	io.WriteString(w, strconv.Itoa(len(s)))
	io.WriteString(w, ":")
	io.WriteString(w, s)
}

// EncodeTree serializes a tree as a JSON array sorted by id.
func EncodeTree(t Tree) ([]byte, error) {
	refs := make([]ResourceRef, 0, len(t))
	for _, id := range t.IDs() {
		refs = append(refs, t[id])
	}
	data, err := json.Marshal(refs)
	if err != nil {
		return nil, fmt.Errorf("encoding tree: %w", err)
	}
	return data, nil
}

// DecodeTree parses the output of EncodeTree.
func DecodeTree(data []byte) (Tree, error) {
	var refs []ResourceRef
	if err := json.Unmarshal(data, &refs); err != nil {
		return nil, fmt.Errorf("decoding tree: %w", err)
	}
	t := make(Tree, len(refs))
	for _, ref := range refs {
		if ref.ID == "" {
			return nil, fmt.Errorf("decoding tree: entry without id")
		}
		if _, dup := t[ref.ID]; dup {
			return nil, fmt.Errorf("decoding tree: duplicate id %q", ref.ID)
		}
		t[ref.ID] = ref
	}
	return t, nil
}
