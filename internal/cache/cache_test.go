package cache

import (
	"testing"
	"time"

	"wsync/internal/vcs"
)

func TestBlobCache(t *testing.T) {
	c, err := NewBlobCache(1 << 20)
	if err != nil {
		t.Fatalf("NewBlobCache() error = %v", err)
	}
	defer c.Close()

	c.Add("h1", []byte("content"))
	c.Wait()

	got, ok := c.Get("h1")
	if !ok {
		t.Fatal("Get() after Add() missed")
	}
	if string(got) != "content" {
		t.Errorf("Get() = %q, want %q", got, "content")
	}

	c.Remove("h1")
	c.Wait()
	if _, ok := c.Get("h1"); ok {
		t.Error("Get() after Remove() hit")
	}

	if _, ok := c.Get("never"); ok {
		t.Error("Get() of unknown key hit")
	}
}

func TestNewBlobCache_RejectsZeroSize(t *testing.T) {
	if _, err := NewBlobCache(0); err == nil {
		t.Error("NewBlobCache(0) expected error, got nil")
	}
}

func TestSnapshotCache(t *testing.T) {
	c, err := NewSnapshotCache(2)
	if err != nil {
		t.Fatalf("NewSnapshotCache() error = %v", err)
	}

	meta := vcs.SnapshotMeta{Author: "a", Timestamp: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)}
	s1 := vcs.NewSnapshot(nil, vcs.Tree{}, meta)
	meta.Message = "two"
	s2 := vcs.NewSnapshot(nil, vcs.Tree{}, meta)
	meta.Message = "three"
	s3 := vcs.NewSnapshot(nil, vcs.Tree{}, meta)

	c.Add(s1.ID, s1)
	c.Add(s2.ID, s2)
	c.Get(s1.ID) // s2 becomes least recently used
	c.Add(s3.ID, s3)

	if _, ok := c.Get(s2.ID); ok {
		t.Error("least recently used snapshot was not evicted")
	}
	if got, ok := c.Get(s1.ID); !ok || got.ID != s1.ID {
		t.Error("recently used snapshot was evicted")
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}

	c.Remove(s1.ID)
	if _, ok := c.Get(s1.ID); ok {
		t.Error("Get() after Remove() hit")
	}
}
