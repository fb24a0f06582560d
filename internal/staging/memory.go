package staging

import (
	"fmt"

	"wsync/internal/vcs"
)

// memoryStore keeps staged entries and content in maps. Useful for tests and for
// single-process use where staging need not survive a restart.
type memoryStore struct {
	content map[string][]byte
	index   map[string]*vcs.StagedEntry
	size    int64
}

// NewMemoryStagingArea creates a new in-memory staging area.
// maxSize is the maximum total size in bytes; must be positive.
func NewMemoryStagingArea(maxSize int64) vcs.StagingArea {
	return &stagingArea{
		store: &memoryStore{
			content: make(map[string][]byte),
			index:   make(map[string]*vcs.StagedEntry),
		},
		maxSize: maxSize,
	}
}

func (m *memoryStore) StoreContent(content []byte) (string, bool, error) {
	checksum := vcs.HashBytes(content)
	if _, ok := m.content[checksum]; ok {
		return checksum, false, nil
	}
	m.content[checksum] = append([]byte(nil), content...)
	m.size += int64(len(content))
	return checksum, true, nil
}

func (m *memoryStore) RemoveContent(checksum string) {
	if c, ok := m.content[checksum]; ok {
		m.size -= int64(len(c))
		delete(m.content, checksum)
	}
}

func (m *memoryStore) LoadContent(checksum string) ([]byte, error) {
	c, ok := m.content[checksum]
	if !ok {
		return nil, fmt.Errorf("content %s: %w", vcs.ShortHash(checksum), vcs.ErrNotFound)
	}
	return append([]byte(nil), c...), nil
}

func (m *memoryStore) ContentSize() (int64, error) {
	return m.size, nil
}

func (m *memoryStore) LoadIndex() (map[string]*vcs.StagedEntry, error) {
	out := make(map[string]*vcs.StagedEntry, len(m.index))
	for id, e := range m.index {
		c := *e
		out[id] = &c
	}
	return out, nil
}

func (m *memoryStore) SaveIndex(index map[string]*vcs.StagedEntry) error {
	m.index = make(map[string]*vcs.StagedEntry, len(index))
	for id, e := range index {
		c := *e
		m.index[id] = &c
	}
	return nil
}

var _ stagingStore = (*memoryStore)(nil)
