package vcs_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"wsync/internal/testutil"
	"wsync/internal/vcs"
)

func TestService_StatusStageSnapshot(t *testing.T) {
	ctx := context.Background()

	t.Run("first snapshot of a new workspace", func(t *testing.T) {
		p := testutil.NewPeer(t, "alice")
		resources := []vcs.Resource{request("r1", "List users", "/users"), request("r2", "Get user", "/users/1")}

		candidates, err := p.Service.Status(ctx, resources)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		want := map[string]vcs.Status{"r1": vcs.StatusAdded, "r2": vcs.StatusAdded}
		if got := statusOf(candidates); !reflect.DeepEqual(got, want) {
			t.Errorf("Status() = %v, want %v", got, want)
		}
		if candidates[0].Name != "List users" {
			t.Errorf("Name = %q", candidates[0].Name)
		}

		if err := p.Service.Stage(ctx, []string{"r1", "r2"}); err != nil {
			t.Fatalf("Stage() error = %v", err)
		}
		snap, err := p.Service.TakeSnapshot(ctx, "initial")
		if err != nil {
			t.Fatalf("TakeSnapshot() error = %v", err)
		}
		if len(snap.ParentIDs) != 0 {
			t.Errorf("root snapshot has parents %v", snap.ParentIDs)
		}
		if snap.Author != "alice" || snap.Message != "initial" || len(snap.Tree) != 2 {
			t.Errorf("snapshot = %+v", snap)
		}
		if headOf(t, p, "main") != snap.ID {
			t.Error("main does not point at the new snapshot")
		}
		if n, _ := p.Staging.Count(); n != 0 {
			t.Errorf("staging area holds %d entries after snapshot", n)
		}

		candidates, _ = p.Service.Status(ctx, resources)
		if len(vcs.Changed(candidates)) != 0 {
			t.Errorf("Status() after snapshot = %v", statusOf(candidates))
		}
	})

	t.Run("partial staging keeps unstaged resources at head", func(t *testing.T) {
		p := testutil.NewPeer(t, "alice")
		first := commitAll(t, p, []vcs.Resource{request("r1", "A", "/a"), request("r2", "B", "/b"), request("r3", "C", "/c")}, "initial")

		working := []vcs.Resource{request("r1", "A", "/a2"), request("r2", "B", "/b2"), request("r4", "D", "/d")}
		candidates, err := p.Service.Status(ctx, working)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		want := map[string]vcs.Status{
			"r1": vcs.StatusModified,
			"r2": vcs.StatusModified,
			"r3": vcs.StatusDeleted,
			"r4": vcs.StatusAdded,
		}
		if got := statusOf(candidates); !reflect.DeepEqual(got, want) {
			t.Fatalf("Status() = %v, want %v", got, want)
		}
		for _, c := range candidates {
			if c.ResourceID == "r3" && c.Name != "C" {
				t.Errorf("deleted resource name = %q, want name from head", c.Name)
			}
		}

		if err := p.Service.Stage(ctx, []string{"r1", "r3"}); err != nil {
			t.Fatalf("Stage() error = %v", err)
		}
		snap, err := p.Service.TakeSnapshot(ctx, "second")
		if err != nil {
			t.Fatalf("TakeSnapshot() error = %v", err)
		}
		if !reflect.DeepEqual(snap.ParentIDs, []string{first.ID}) {
			t.Errorf("ParentIDs = %v, want [%s]", snap.ParentIDs, first.ID)
		}

		got := materializeHead(t, p)
		if len(got) != 2 {
			t.Fatalf("head has %d resources, want 2", len(got))
		}
		if got["r1"].Body["url"] != "/a2" {
			t.Errorf("r1 url = %v, want staged value", got["r1"].Body["url"])
		}
		if got["r2"].Body["url"] != "/b" {
			t.Errorf("r2 url = %v, want head value", got["r2"].Body["url"])
		}
		if _, ok := got["r3"]; ok {
			t.Error("r3 should be deleted")
		}
	})

	t.Run("stage requires status", func(t *testing.T) {
		p := testutil.NewPeer(t, "alice")
		if err := p.Service.Stage(ctx, []string{"r1"}); err == nil {
			t.Error("expected error staging without status")
		}
	})

	t.Run("stage unknown id", func(t *testing.T) {
		p := testutil.NewPeer(t, "alice")
		if _, err := p.Service.Status(ctx, []vcs.Resource{request("r1", "A", "/a")}); err != nil {
			t.Fatal(err)
		}
		if err := p.Service.Stage(ctx, []string{"nope"}); !errors.Is(err, vcs.ErrNotFound) {
			t.Errorf("Stage() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("nothing staged", func(t *testing.T) {
		p := testutil.NewPeer(t, "alice")
		if _, err := p.Service.TakeSnapshot(ctx, "empty"); !errors.Is(err, vcs.ErrNothingStaged) {
			t.Errorf("TakeSnapshot() error = %v, want ErrNothingStaged", err)
		}
	})

	t.Run("unstage and restage unchanged", func(t *testing.T) {
		p := testutil.NewPeer(t, "alice")
		commitAll(t, p, []vcs.Resource{request("r1", "A", "/a")}, "initial")

		working := []vcs.Resource{request("r1", "A", "/changed")}
		if _, err := p.Service.Status(ctx, working); err != nil {
			t.Fatal(err)
		}
		if err := p.Service.Stage(ctx, []string{"r1"}); err != nil {
			t.Fatal(err)
		}
		if err := p.Service.Unstage(ctx, []string{"r1"}); err != nil {
			t.Fatalf("Unstage() error = %v", err)
		}
		staged, _ := p.Service.Staged(ctx)
		if len(staged) != 0 {
			t.Errorf("Staged() = %d entries after unstage", len(staged))
		}

		// staging a resource that went back to head drops the staged entry
		if err := p.Service.Stage(ctx, []string{"r1"}); err != nil {
			t.Fatal(err)
		}
		if _, err := p.Service.Status(ctx, []vcs.Resource{request("r1", "A", "/a")}); err != nil {
			t.Fatal(err)
		}
		if err := p.Service.Stage(ctx, []string{"r1"}); err != nil {
			t.Fatal(err)
		}
		staged, _ = p.Service.Staged(ctx)
		if len(staged) != 0 {
			t.Errorf("Staged() = %d entries, want unchanged resource dropped", len(staged))
		}
	})

	t.Run("staging area limit", func(t *testing.T) {
		db := testutil.NewTestDatabase(t)
		svc := vcs.NewService(db, testutil.NewTestStagingAreaWithSize(16), nil, nil, testutil.FixedClock(), vcs.Options{Author: "alice"})
		if _, err := svc.Status(ctx, []vcs.Resource{request("r1", "A", "/a")}); err != nil {
			t.Fatal(err)
		}
		if err := svc.Stage(ctx, []string{"r1"}); !errors.Is(err, vcs.ErrStagingFull) {
			t.Errorf("Stage() error = %v, want ErrStagingFull", err)
		}
	})
}

func TestService_History(t *testing.T) {
	ctx := context.Background()
	p := testutil.NewPeer(t, "alice")

	var ids []string
	for i, url := range []string{"/a", "/b", "/c"} {
		snap := commitAll(t, p, []vcs.Resource{request("r1", "A", url)}, "v"+string(rune('1'+i)))
		ids = append(ids, snap.ID)
	}

	var got []string
	for snap, err := range p.Service.History(ctx, "main") {
		if err != nil {
			t.Fatalf("History() error = %v", err)
		}
		got = append(got, snap.ID)
	}
	want := []string{ids[2], ids[1], ids[0]}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("History() = %v, want %v", got, want)
	}

	snap, err := p.Service.GetSnapshot(ctx, ids[1])
	if err != nil {
		t.Fatalf("GetSnapshot() error = %v", err)
	}
	if snap.Message != "v2" {
		t.Errorf("Message = %q", snap.Message)
	}
	if _, err := p.Service.GetSnapshot(ctx, "missing"); !errors.Is(err, vcs.ErrNotFound) {
		t.Errorf("GetSnapshot() error = %v, want ErrNotFound", err)
	}

	empty := testutil.NewPeer(t, "bob")
	for range empty.Service.History(ctx, "main") {
		t.Error("empty branch yielded a snapshot")
	}
}

func TestService_Branches(t *testing.T) {
	ctx := context.Background()

	t.Run("create requires a snapshot", func(t *testing.T) {
		p := testutil.NewPeer(t, "alice")
		if err := p.Service.CreateBranch(ctx, "feature"); !errors.Is(err, vcs.ErrNotFound) {
			t.Errorf("CreateBranch() error = %v, want ErrNotFound", err)
		}
		branches, err := p.Service.ListBranches(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(branches) != 1 || branches[0].Name != vcs.DefaultBranch || !branches[0].Active {
			t.Errorf("ListBranches() = %+v", branches)
		}
	})

	t.Run("create checkout delete", func(t *testing.T) {
		p := testutil.NewPeer(t, "alice")
		base := commitAll(t, p, []vcs.Resource{request("r1", "A", "/a")}, "initial")

		if err := p.Service.CreateBranch(ctx, "feature"); err != nil {
			t.Fatalf("CreateBranch() error = %v", err)
		}
		if err := p.Service.CreateBranch(ctx, "feature"); !errors.Is(err, vcs.ErrAlreadyExists) {
			t.Errorf("duplicate CreateBranch() error = %v, want ErrAlreadyExists", err)
		}
		if err := p.Service.CreateBranch(ctx, "-bad"); !errors.Is(err, vcs.ErrInvalidName) {
			t.Errorf("CreateBranch(-bad) error = %v, want ErrInvalidName", err)
		}

		if _, err := p.Service.Checkout(ctx, "feature"); err != nil {
			t.Fatalf("Checkout() error = %v", err)
		}
		onFeature := commitAll(t, p, []vcs.Resource{request("r1", "A", "/a"), request("r2", "B", "/b")}, "feature work")
		if headOf(t, p, "main") != base.ID {
			t.Error("snapshot on feature moved main")
		}

		tree, err := p.Service.Checkout(ctx, "main")
		if err != nil {
			t.Fatal(err)
		}
		if len(tree) != 1 {
			t.Errorf("main tree has %d entries, want 1", len(tree))
		}

		branches, _ := p.Service.ListBranches(ctx)
		if len(branches) != 2 || branches[0].Name != "feature" || branches[1].Name != "main" || !branches[1].Active {
			t.Errorf("ListBranches() = %+v", branches)
		}
		if branches[0].SnapshotID != onFeature.ID {
			t.Errorf("feature head = %s, want %s", branches[0].SnapshotID, onFeature.ID)
		}

		if err := p.Service.DeleteBranch(ctx, "main"); !errors.Is(err, vcs.ErrCannotDeleteActive) {
			t.Errorf("DeleteBranch(active) error = %v", err)
		}
		if err := p.Service.DeleteBranch(ctx, "feature"); err != nil {
			t.Fatalf("DeleteBranch() error = %v", err)
		}
		if _, err := p.Service.Checkout(ctx, "feature"); !errors.Is(err, vcs.ErrNotFound) {
			t.Errorf("Checkout(deleted) error = %v, want ErrNotFound", err)
		}
		// the snapshot survives until garbage collection
		if _, err := p.Service.GetSnapshot(ctx, onFeature.ID); err != nil {
			t.Errorf("snapshot gone after branch delete: %v", err)
		}
	})

	t.Run("checkout discards staged entries", func(t *testing.T) {
		p := testutil.NewPeer(t, "alice")
		commitAll(t, p, []vcs.Resource{request("r1", "A", "/a")}, "initial")
		if err := p.Service.CreateBranch(ctx, "feature"); err != nil {
			t.Fatal(err)
		}
		if _, err := p.Service.Status(ctx, []vcs.Resource{request("r1", "A", "/x")}); err != nil {
			t.Fatal(err)
		}
		if err := p.Service.Stage(ctx, []string{"r1"}); err != nil {
			t.Fatal(err)
		}
		if _, err := p.Service.Checkout(ctx, "feature"); err != nil {
			t.Fatal(err)
		}
		if n, _ := p.Staging.Count(); n != 0 {
			t.Errorf("staging area holds %d entries after checkout", n)
		}
	})

	t.Run("rename active branch", func(t *testing.T) {
		p := testutil.NewPeer(t, "alice")
		snap := commitAll(t, p, []vcs.Resource{request("r1", "A", "/a")}, "initial")
		if err := p.Service.RenameBranch(ctx, "main", "trunk"); err != nil {
			t.Fatalf("RenameBranch() error = %v", err)
		}
		branches, _ := p.Service.ListBranches(ctx)
		if len(branches) != 1 || branches[0].Name != "trunk" || !branches[0].Active || branches[0].SnapshotID != snap.ID {
			t.Errorf("ListBranches() = %+v", branches)
		}
	})
}

func TestGraph_FindCommonAncestor(t *testing.T) {
	ctx := context.Background()
	p := testutil.NewPeer(t, "alice")
	g := p.Service.Graph()

	root := commitAll(t, p, []vcs.Resource{request("r1", "A", "/a")}, "root")
	if err := p.Service.CreateBranch(ctx, "feature"); err != nil {
		t.Fatal(err)
	}
	m1 := commitAll(t, p, []vcs.Resource{request("r1", "A", "/m1")}, "m1")
	m2 := commitAll(t, p, []vcs.Resource{request("r1", "A", "/m2")}, "m2")

	if _, err := p.Service.Checkout(ctx, "feature"); err != nil {
		t.Fatal(err)
	}
	f1 := commitAll(t, p, []vcs.Resource{request("r1", "A", "/a"), request("r2", "B", "/b")}, "f1")

	tests := []struct {
		name string
		a, b string
		want string
	}{
		{"diverged", m2.ID, f1.ID, root.ID},
		{"symmetric", f1.ID, m2.ID, root.ID},
		{"ancestor", m1.ID, m2.ID, m1.ID},
		{"same", m2.ID, m2.ID, m2.ID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := g.FindCommonAncestor(ctx, tt.a, tt.b)
			if err != nil {
				t.Fatalf("FindCommonAncestor() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("FindCommonAncestor() = %s, want %s", got, tt.want)
			}
		})
	}

	if ok, _ := g.IsAncestor(ctx, root.ID, m2.ID); !ok {
		t.Error("root should be an ancestor of m2")
	}
	if ok, _ := g.IsAncestor(ctx, m2.ID, f1.ID); ok {
		t.Error("m2 should not be an ancestor of f1")
	}

	other := testutil.NewPeer(t, "bob")
	lone := commitAll(t, other, []vcs.Resource{request("x", "X", "/x")}, "unrelated")
	for _, ref := range lone.Tree {
		content, err := other.Service.Blobs().Get(ctx, ref.BlobHash)
		if err != nil {
			t.Fatal(err)
		}
		if err := p.Service.Blobs().PutVerified(ctx, ref.BlobHash, content); err != nil {
			t.Fatal(err)
		}
	}
	if err := g.Insert(ctx, lone); err != nil {
		t.Fatal(err)
	}
	if _, err := g.FindCommonAncestor(ctx, lone.ID, m2.ID); !errors.Is(err, vcs.ErrUnrelatedHistories) {
		t.Errorf("FindCommonAncestor(unrelated) error = %v, want ErrUnrelatedHistories", err)
	}
}

func TestBranchManager_FastForward(t *testing.T) {
	ctx := context.Background()
	p := testutil.NewPeer(t, "alice")
	bm := p.Service.Branches()

	base := commitAll(t, p, []vcs.Resource{request("r1", "A", "/a")}, "base")
	if err := p.Service.CreateBranch(ctx, "feature"); err != nil {
		t.Fatal(err)
	}
	tip := commitAll(t, p, []vcs.Resource{request("r1", "A", "/b")}, "tip")
	if _, err := p.Service.Checkout(ctx, "feature"); err != nil {
		t.Fatal(err)
	}
	side := commitAll(t, p, []vcs.Resource{request("r1", "A", "/side")}, "side")

	tests := []struct {
		name    string
		branch  string
		to      string
		wantErr error
		want    string
	}{
		{"descendant moves the pointer", "main", tip.ID, nil, tip.ID},
		{"same snapshot is a no-op", "main", tip.ID, nil, tip.ID},
		{"non-descendant is refused", "main", side.ID, vcs.ErrNotFastForward, tip.ID},
		{"ancestor is refused", "feature", base.ID, vcs.ErrNotFastForward, side.ID},
	}
	// main starts at tip's parent for the first case
	if err := bm.Move(ctx, "main", tip.ID, base.ID); err != nil {
		t.Fatal(err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := bm.FastForward(ctx, tt.branch, tt.to)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("FastForward() error = %v, want %v", err, tt.wantErr)
			}
			if got := headOf(t, p, tt.branch); got != tt.want {
				t.Errorf("%s = %s, want %s", tt.branch, got, tt.want)
			}
		})
	}
}

func TestGraph_CreateSnapshot(t *testing.T) {
	ctx := context.Background()
	p := testutil.NewPeer(t, "alice")
	g := p.Service.Graph()
	meta := vcs.SnapshotMeta{Author: "alice", Timestamp: testutil.FixedClock().Now(), Message: "m"}

	t.Run("unknown parent", func(t *testing.T) {
		_, err := g.CreateSnapshot(ctx, []string{vcs.HashBytes([]byte("nowhere"))}, vcs.Tree{}, meta)
		if !errors.Is(err, vcs.ErrInvalidParent) {
			t.Fatalf("CreateSnapshot() error = %v, want ErrInvalidParent", err)
		}
		if ids, _ := p.DB.ListSnapshotIDs(ctx); len(ids) != 0 {
			t.Errorf("stored %d snapshots after a rejected create", len(ids))
		}
	})

	t.Run("same arguments store one snapshot", func(t *testing.T) {
		first, err := g.CreateSnapshot(ctx, nil, vcs.Tree{}, meta)
		if err != nil {
			t.Fatal(err)
		}
		second, err := g.CreateSnapshot(ctx, nil, vcs.Tree{}, meta)
		if err != nil {
			t.Fatalf("repeated CreateSnapshot() error = %v", err)
		}
		if first.ID != second.ID {
			t.Errorf("ids differ: %s vs %s", first.ID, second.ID)
		}
		ids, err := p.DB.ListSnapshotIDs(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(ids) != 1 || ids[0] != first.ID {
			t.Errorf("ListSnapshotIDs() = %v, want [%s]", ids, first.ID)
		}
	})
}
