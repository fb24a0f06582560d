package vcs

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Resource is one versioned workspace item (request, folder, environment, spec) as
// supplied by the caller. Body holds every field besides identity and name.
type Resource struct {
	ID   string         `json:"_id"`
	Type string         `json:"_type"`
	Name string         `json:"name"`
	Body map[string]any `json:"body,omitempty"`
}

// EncodeResource returns the canonical serialization of r. Map keys are emitted in sorted
// order, so equal resources always produce equal bytes.
func EncodeResource(r *Resource) ([]byte, error) {
	if r.ID == "" {
		return nil, fmt.Errorf("resource has no id")
	}
	if r.Type == "" {
		return nil, fmt.Errorf("resource %s has no type", r.ID)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding resource %s: %w", r.ID, err)
	}
	return data, nil
}

// DecodeResource parses content produced by EncodeResource. Numbers are kept as
// json.Number so re-encoding is byte-stable.
func DecodeResource(data []byte) (*Resource, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var r Resource
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("decoding resource: %w", err)
	}
	if r.ID == "" || r.Type == "" {
		return nil, fmt.Errorf("decoding resource: missing _id or _type")
	}
	return &r, nil
}

// BuildTree hashes every resource and returns the working tree together with the
// serialized content keyed by blob hash.
func BuildTree(resources []Resource) (Tree, map[string][]byte, error) {
	tree := make(Tree, len(resources))
	contents := make(map[string][]byte, len(resources))

	for i := range resources {
		r := &resources[i]
		if _, dup := tree[r.ID]; dup {
			return nil, nil, fmt.Errorf("duplicate resource id %q", r.ID)
		}
		data, err := EncodeResource(r)
		if err != nil {
			return nil, nil, err
		}
		hash := HashBytes(data)
		tree[r.ID] = ResourceRef{ID: r.ID, Type: r.Type, BlobHash: hash}
		contents[hash] = data
	}

	return tree, contents, nil
}
