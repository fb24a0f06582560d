package gitvcs_test

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"wsync/internal/gitvcs"
	"wsync/internal/testutil"
	"wsync/internal/vcs"
)

func request(id, name, url string) vcs.Resource {
	return vcs.Resource{ID: id, Type: "request", Name: name, Body: map[string]any{"url": url}}
}

func openRepo(t *testing.T, dir string, remotes ...gitvcs.RemoteSpec) *gitvcs.GitVCS {
	t.Helper()
	g, err := gitvcs.Open(dir, testutil.NewTestStagingArea(), gitvcs.Options{
		Author:  "Alice <alice@example.com>",
		Clock:   testutil.NewTickingClock(time.Second),
		Remotes: remotes,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return g
}

func commitAll(t *testing.T, g *gitvcs.GitVCS, resources []vcs.Resource, message string) *vcs.Snapshot {
	t.Helper()
	ctx := context.Background()
	candidates, err := g.Status(ctx, resources)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	var ids []string
	for _, c := range vcs.Changed(candidates) {
		ids = append(ids, c.ResourceID)
	}
	if err := g.Stage(ctx, ids); err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	snap, err := g.TakeSnapshot(ctx, message)
	if err != nil {
		t.Fatalf("TakeSnapshot() error = %v", err)
	}
	return snap
}

func headResources(t *testing.T, g *gitvcs.GitVCS) map[string]vcs.Resource {
	t.Helper()
	ctx := context.Background()
	tree, err := g.HeadTree(ctx)
	if err != nil {
		t.Fatal(err)
	}
	resources, err := g.Materialize(ctx, tree)
	if err != nil {
		t.Fatal(err)
	}
	out := map[string]vcs.Resource{}
	for _, r := range resources {
		out[r.ID] = r
	}
	return out
}

func TestGitVCS_Snapshots(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "repo")
	g := openRepo(t, dir)

	first := commitAll(t, g, []vcs.Resource{request("r1", "A", "/a"), {ID: "f/1", Type: "folder", Name: "Root"}}, "initial")
	if len(first.ParentIDs) != 0 || len(first.Tree) != 2 {
		t.Errorf("first snapshot = %+v", first)
	}
	if first.Author != "Alice <alice@example.com>" || first.Message != "initial" {
		t.Errorf("metadata = %q %q", first.Author, first.Message)
	}

	second := commitAll(t, g, []vcs.Resource{request("r1", "A", "/b")}, "second")
	if len(second.ParentIDs) != 1 || second.ParentIDs[0] != first.ID {
		t.Errorf("ParentIDs = %v", second.ParentIDs)
	}

	got := headResources(t, g)
	if len(got) != 1 || got["r1"].Body["url"] != "/b" {
		t.Errorf("head = %+v", got)
	}

	candidates, err := g.Status(ctx, []vcs.Resource{request("r1", "A", "/b")})
	if err != nil {
		t.Fatal(err)
	}
	if len(vcs.Changed(candidates)) != 0 {
		t.Errorf("Status() after snapshot = %+v", candidates)
	}

	var history []string
	for snap, err := range g.History(ctx, "main") {
		if err != nil {
			t.Fatal(err)
		}
		history = append(history, snap.ID)
	}
	if len(history) != 2 || history[0] != second.ID || history[1] != first.ID {
		t.Errorf("History() = %v", history)
	}

	// a reopened repository sees the same history
	reopened := openRepo(t, dir)
	snap, err := reopened.GetSnapshot(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetSnapshot() error = %v", err)
	}
	if _, ok := snap.Tree["f/1"]; !ok {
		t.Errorf("tree lost escaped id: %v", snap.Tree)
	}

	if _, err := g.TakeSnapshot(ctx, "empty"); !errors.Is(err, vcs.ErrNothingStaged) {
		t.Errorf("TakeSnapshot() error = %v, want ErrNothingStaged", err)
	}
}

func TestGitVCS_Branches(t *testing.T) {
	ctx := context.Background()
	g := openRepo(t, filepath.Join(t.TempDir(), "repo"))

	if err := g.CreateBranch(ctx, "feature"); !errors.Is(err, vcs.ErrNotFound) {
		t.Errorf("CreateBranch() before first snapshot error = %v", err)
	}
	base := commitAll(t, g, []vcs.Resource{request("r1", "A", "/a")}, "base")

	if err := g.CreateBranch(ctx, "feature"); err != nil {
		t.Fatal(err)
	}
	if err := g.CreateBranch(ctx, "feature"); !errors.Is(err, vcs.ErrAlreadyExists) {
		t.Errorf("duplicate CreateBranch() error = %v", err)
	}
	if _, err := g.Checkout(ctx, "feature"); err != nil {
		t.Fatal(err)
	}
	commitAll(t, g, []vcs.Resource{request("r1", "A", "/a"), request("r2", "B", "/b")}, "feature")

	tree, err := g.Checkout(ctx, "main")
	if err != nil {
		t.Fatal(err)
	}
	if len(tree) != 1 {
		t.Errorf("main tree = %v", tree)
	}

	branches, err := g.ListBranches(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(branches) != 2 || branches[1].Name != "main" || !branches[1].Active || branches[1].SnapshotID != base.ID {
		t.Errorf("ListBranches() = %+v", branches)
	}

	if err := g.DeleteBranch(ctx, "main"); !errors.Is(err, vcs.ErrCannotDeleteActive) {
		t.Errorf("DeleteBranch(active) error = %v", err)
	}
	if err := g.RenameBranch(ctx, "feature", "topic"); err != nil {
		t.Fatal(err)
	}
	if err := g.DeleteBranch(ctx, "feature"); !errors.Is(err, vcs.ErrNotFound) {
		t.Errorf("DeleteBranch(renamed) error = %v", err)
	}
	if err := g.DeleteBranch(ctx, "topic"); err != nil {
		t.Errorf("DeleteBranch() error = %v", err)
	}
}

func TestGitVCS_Merge(t *testing.T) {
	ctx := context.Background()
	g := openRepo(t, filepath.Join(t.TempDir(), "repo"))

	commitAll(t, g, []vcs.Resource{request("r1", "A", "/a"), request("r2", "B", "/b")}, "base")
	if err := g.CreateBranch(ctx, "feature"); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Checkout(ctx, "feature"); err != nil {
		t.Fatal(err)
	}
	commitAll(t, g, []vcs.Resource{request("r1", "A", "/theirs"), request("r2", "B", "/feature")}, "theirs")
	if _, err := g.Checkout(ctx, "main"); err != nil {
		t.Fatal(err)
	}
	ours := commitAll(t, g, []vcs.Resource{request("r1", "A", "/ours"), request("r2", "B", "/b")}, "ours")

	res, err := g.Merge(ctx, "feature")
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if res.Kind != vcs.MergeConflicted || len(res.Conflicts) != 1 || res.Conflicts[0].ResourceID != "r1" {
		t.Fatalf("Merge() = %+v", res)
	}
	if _, err := g.TakeSnapshot(ctx, "x"); !errors.Is(err, vcs.ErrMergeInProgress) {
		t.Errorf("TakeSnapshot() during merge error = %v", err)
	}
	if _, err := g.CompleteMerge(ctx, ""); !errors.Is(err, vcs.ErrPendingConflict) {
		t.Errorf("CompleteMerge() error = %v", err)
	}

	manual := request("r1", "A", "/manual")
	if err := g.ResolveConflict(ctx, "r1", vcs.Resolution{Choice: vcs.ResolveContent, Resource: &manual}); err != nil {
		t.Fatal(err)
	}
	snap, err := g.CompleteMerge(ctx, "")
	if err != nil {
		t.Fatalf("CompleteMerge() error = %v", err)
	}
	if len(snap.ParentIDs) != 2 || snap.ParentIDs[0] != ours.ID {
		t.Errorf("ParentIDs = %v", snap.ParentIDs)
	}
	got := headResources(t, g)
	if got["r1"].Body["url"] != "/manual" || got["r2"].Body["url"] != "/feature" {
		t.Errorf("merged head = %+v", got)
	}
	if pending, _ := g.PendingConflicts(ctx); pending != nil {
		t.Errorf("PendingConflicts() = %v", pending)
	}

	res, err = g.Merge(ctx, "feature")
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != vcs.MergeNoOp {
		t.Errorf("repeated Merge() = %s, want no-op", res.Kind)
	}
}

func requireGit(t *testing.T) {
	t.Helper()
	for _, bin := range []string{"git-upload-pack", "git-receive-pack"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not available", bin)
		}
	}
}

func TestGitVCS_Sync(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	root := t.TempDir()

	// a repository opened once is a valid bare remote
	origin := filepath.Join(root, "origin.git")
	openRepo(t, origin)

	spec := gitvcs.RemoteSpec{Name: "origin", URL: origin}
	alice := openRepo(t, filepath.Join(root, "alice"), spec)
	bob := openRepo(t, filepath.Join(root, "bob"), spec)

	if _, err := bob.Pull(ctx, "origin"); !errors.Is(err, vcs.ErrNotFound) {
		t.Errorf("Pull() of empty remote error = %v", err)
	}

	head := commitAll(t, alice, []vcs.Resource{request("r1", "A", "/a")}, "one")
	res, err := alice.Push(ctx, "origin")
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if res.Snapshots != 1 {
		t.Errorf("Push() = %+v", res)
	}

	pulled, err := bob.Pull(ctx, "")
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if pulled.Head != head.ID || !pulled.FastForward {
		t.Errorf("Pull() = %+v", pulled)
	}

	commitAll(t, alice, []vcs.Resource{request("r1", "A", "/alice"), request("r2", "B", "/b")}, "alice")
	if _, err := alice.Push(ctx, "origin"); err != nil {
		t.Fatal(err)
	}
	commitAll(t, bob, []vcs.Resource{request("r1", "A", "/a"), request("r3", "C", "/c")}, "bob")
	if _, err := bob.Push(ctx, "origin"); !errors.Is(err, vcs.ErrRemoteAhead) {
		t.Fatalf("Push() error = %v, want ErrRemoteAhead", err)
	}

	_, mr, err := bob.FetchAndMerge(ctx, "origin")
	if err != nil {
		t.Fatalf("FetchAndMerge() error = %v", err)
	}
	if mr.Kind != vcs.MergeMerged {
		t.Fatalf("FetchAndMerge() kind = %s", mr.Kind)
	}
	if _, err := bob.Push(ctx, "origin"); err != nil {
		t.Fatalf("Push() after merge error = %v", err)
	}

	branches, err := alice.RemoteBranches(ctx, "origin")
	if err != nil {
		t.Fatal(err)
	}
	if len(branches) != 1 || branches[0].SnapshotID != mr.Snapshot.ID {
		t.Errorf("RemoteBranches() = %+v", branches)
	}
}
