package vcs_test

import (
	"context"
	"testing"

	"wsync/internal/testutil"
	"wsync/internal/vcs"
)

func request(id, name, url string) vcs.Resource {
	return vcs.Resource{ID: id, Type: "request", Name: name, Body: map[string]any{"url": url, "method": "GET"}}
}

// commitAll stages every change between resources and head and takes a snapshot.
func commitAll(t *testing.T, p *testutil.Peer, resources []vcs.Resource, message string) *vcs.Snapshot {
	t.Helper()
	ctx := context.Background()

	candidates, err := p.Service.Status(ctx, resources)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	var ids []string
	for _, c := range vcs.Changed(candidates) {
		ids = append(ids, c.ResourceID)
	}
	if err := p.Service.Stage(ctx, ids); err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	snap, err := p.Service.TakeSnapshot(ctx, message)
	if err != nil {
		t.Fatalf("TakeSnapshot() error = %v", err)
	}
	return snap
}

func headOf(t *testing.T, p *testutil.Peer, branch string) string {
	t.Helper()
	head, err := p.Service.Branches().Head(context.Background(), branch)
	if err != nil {
		t.Fatalf("Head(%s) error = %v", branch, err)
	}
	return head
}

func materializeHead(t *testing.T, p *testutil.Peer) map[string]vcs.Resource {
	t.Helper()
	ctx := context.Background()
	tree, err := p.Service.HeadTree(ctx)
	if err != nil {
		t.Fatalf("HeadTree() error = %v", err)
	}
	resources, err := p.Service.Materialize(ctx, tree)
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	out := make(map[string]vcs.Resource, len(resources))
	for _, r := range resources {
		out[r.ID] = r
	}
	return out
}

func statusOf(candidates []vcs.StatusCandidate) map[string]vcs.Status {
	out := make(map[string]vcs.Status, len(candidates))
	for _, c := range candidates {
		out[c.ResourceID] = c.Status
	}
	return out
}
