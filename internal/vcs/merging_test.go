package vcs_test

import (
	"context"
	"errors"
	"testing"

	"wsync/internal/testutil"
	"wsync/internal/vcs"
)

// diverge commits base on main, then ours on main and theirs on feature.
func diverge(t *testing.T, p *testutil.Peer, base, ours, theirs []vcs.Resource) {
	t.Helper()
	ctx := context.Background()
	commitAll(t, p, base, "base")
	if err := p.Service.CreateBranch(ctx, "feature"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Service.Checkout(ctx, "feature"); err != nil {
		t.Fatal(err)
	}
	commitAll(t, p, theirs, "theirs")
	if _, err := p.Service.Checkout(ctx, "main"); err != nil {
		t.Fatal(err)
	}
	commitAll(t, p, ours, "ours")
}

func TestService_Merge(t *testing.T) {
	ctx := context.Background()

	t.Run("fast forward", func(t *testing.T) {
		p := testutil.NewPeer(t, "alice")
		commitAll(t, p, []vcs.Resource{request("r1", "A", "/a")}, "base")
		if err := p.Service.CreateBranch(ctx, "feature"); err != nil {
			t.Fatal(err)
		}
		if _, err := p.Service.Checkout(ctx, "feature"); err != nil {
			t.Fatal(err)
		}
		tip := commitAll(t, p, []vcs.Resource{request("r1", "A", "/b")}, "tip")
		if _, err := p.Service.Checkout(ctx, "main"); err != nil {
			t.Fatal(err)
		}

		res, err := p.Service.Merge(ctx, "feature")
		if err != nil {
			t.Fatalf("Merge() error = %v", err)
		}
		if res.Kind != vcs.MergeFastForward || res.Snapshot.ID != tip.ID {
			t.Errorf("Merge() = %+v, want fast-forward to %s", res, tip.ID)
		}
		if headOf(t, p, "main") != tip.ID {
			t.Error("main not moved")
		}

		res, err = p.Service.Merge(ctx, "feature")
		if err != nil {
			t.Fatal(err)
		}
		if res.Kind != vcs.MergeNoOp {
			t.Errorf("second Merge() = %s, want no-op", res.Kind)
		}
	})

	t.Run("merged without conflicts", func(t *testing.T) {
		p := testutil.NewPeer(t, "alice")
		base := []vcs.Resource{request("r1", "A", "/a"), request("r2", "B", "/b")}
		diverge(t, p, base,
			[]vcs.Resource{request("r1", "A", "/ours"), request("r2", "B", "/b")},
			[]vcs.Resource{request("r1", "A", "/a"), request("r2", "B", "/theirs"), request("r3", "C", "/c")},
		)
		ours := headOf(t, p, "main")
		theirs := headOf(t, p, "feature")

		res, err := p.Service.Merge(ctx, "feature")
		if err != nil {
			t.Fatalf("Merge() error = %v", err)
		}
		if res.Kind != vcs.MergeMerged {
			t.Fatalf("Merge() kind = %s, want merged", res.Kind)
		}
		snap := res.Snapshot
		if len(snap.ParentIDs) != 2 || snap.ParentIDs[0] != ours || snap.ParentIDs[1] != theirs {
			t.Errorf("ParentIDs = %v, want [%s %s]", snap.ParentIDs, ours, theirs)
		}
		if snap.Message != "Merge feature into main" {
			t.Errorf("Message = %q", snap.Message)
		}

		got := materializeHead(t, p)
		if got["r1"].Body["url"] != "/ours" || got["r2"].Body["url"] != "/theirs" || got["r3"].Name != "C" {
			t.Errorf("merged head = %+v", got)
		}
	})

	t.Run("conflicts resolved and completed", func(t *testing.T) {
		p := testutil.NewPeer(t, "alice")
		base := []vcs.Resource{request("r1", "A", "/a"), request("r2", "B", "/b"), request("r3", "C", "/c")}
		diverge(t, p, base,
			[]vcs.Resource{request("r1", "A", "/ours"), request("r2", "B", "/ours"), request("r3", "C", "/ours")},
			[]vcs.Resource{request("r1", "A", "/theirs"), request("r2", "B", "/theirs")},
		)
		ours := headOf(t, p, "main")

		res, err := p.Service.Merge(ctx, "feature")
		if err != nil {
			t.Fatalf("Merge() error = %v", err)
		}
		if res.Kind != vcs.MergeConflicted || len(res.Conflicts) != 3 {
			t.Fatalf("Merge() = %s with %d conflicts, want 3", res.Kind, len(res.Conflicts))
		}
		if res.Conflicts[2].Kind != vcs.ConflictModifyDelete {
			t.Errorf("r3 conflict kind = %s", res.Conflicts[2].Kind)
		}
		if headOf(t, p, "main") != ours {
			t.Error("conflicted merge moved main")
		}

		if _, err := p.Service.Merge(ctx, "feature"); !errors.Is(err, vcs.ErrMergeInProgress) {
			t.Errorf("second Merge() error = %v, want ErrMergeInProgress", err)
		}
		if _, err := p.Service.TakeSnapshot(ctx, "x"); !errors.Is(err, vcs.ErrMergeInProgress) {
			t.Errorf("TakeSnapshot() during merge error = %v", err)
		}
		if _, err := p.Service.Checkout(ctx, "feature"); !errors.Is(err, vcs.ErrMergeInProgress) {
			t.Errorf("Checkout() during merge error = %v", err)
		}

		if err := p.Service.ResolveConflict(ctx, "r1", vcs.Resolution{Choice: vcs.ResolveOurs}); err != nil {
			t.Fatalf("ResolveConflict(ours) error = %v", err)
		}
		if _, err := p.Service.CompleteMerge(ctx, ""); !errors.Is(err, vcs.ErrPendingConflict) {
			t.Errorf("CompleteMerge() error = %v, want ErrPendingConflict", err)
		}
		pending, _ := p.Service.PendingConflicts(ctx)
		if len(pending) != 2 {
			t.Errorf("PendingConflicts() = %d, want 2", len(pending))
		}

		if err := p.Service.ResolveConflict(ctx, "r2", vcs.Resolution{Choice: vcs.ResolveTheirs}); err != nil {
			t.Fatal(err)
		}
		manual := request("r3", "C", "/manual")
		if err := p.Service.ResolveConflict(ctx, "r3", vcs.Resolution{Choice: vcs.ResolveContent, Resource: &manual}); err != nil {
			t.Fatal(err)
		}
		if err := p.Service.ResolveConflict(ctx, "r9", vcs.Resolution{Choice: vcs.ResolveOurs}); !errors.Is(err, vcs.ErrNotFound) {
			t.Errorf("ResolveConflict(unknown) error = %v, want ErrNotFound", err)
		}

		snap, err := p.Service.CompleteMerge(ctx, "")
		if err != nil {
			t.Fatalf("CompleteMerge() error = %v", err)
		}
		if !snap.IsMerge() || snap.Message != "Merge feature into main" {
			t.Errorf("merge snapshot = %+v", snap)
		}
		if state, _ := p.Service.MergeState(ctx); state != nil {
			t.Error("merge state not cleared")
		}

		got := materializeHead(t, p)
		want := map[string]string{"r1": "/ours", "r2": "/theirs", "r3": "/manual"}
		for id, url := range want {
			if got[id].Body["url"] != url {
				t.Errorf("%s url = %v, want %s", id, got[id].Body["url"], url)
			}
		}
	})

	t.Run("resolving a deletion", func(t *testing.T) {
		p := testutil.NewPeer(t, "alice")
		diverge(t, p,
			[]vcs.Resource{request("r1", "A", "/a")},
			[]vcs.Resource{request("r1", "A", "/ours")},
			[]vcs.Resource{},
		)
		if _, err := p.Service.Merge(ctx, "feature"); err != nil {
			t.Fatal(err)
		}
		if err := p.Service.ResolveConflict(ctx, "r1", vcs.Resolution{Choice: vcs.ResolveTheirs}); err != nil {
			t.Fatal(err)
		}
		if _, err := p.Service.CompleteMerge(ctx, "take deletion"); err != nil {
			t.Fatal(err)
		}
		if got := materializeHead(t, p); len(got) != 0 {
			t.Errorf("head = %v, want r1 deleted", got)
		}
	})

	t.Run("abort", func(t *testing.T) {
		p := testutil.NewPeer(t, "alice")
		diverge(t, p,
			[]vcs.Resource{request("r1", "A", "/a")},
			[]vcs.Resource{request("r1", "A", "/ours")},
			[]vcs.Resource{request("r1", "A", "/theirs")},
		)
		ours := headOf(t, p, "main")
		if _, err := p.Service.Merge(ctx, "feature"); err != nil {
			t.Fatal(err)
		}
		if err := p.Service.AbortMerge(ctx); err != nil {
			t.Fatalf("AbortMerge() error = %v", err)
		}
		if headOf(t, p, "main") != ours {
			t.Error("abort moved main")
		}
		if pending, _ := p.Service.PendingConflicts(ctx); pending != nil {
			t.Errorf("PendingConflicts() = %v after abort", pending)
		}
		if err := p.Service.AbortMerge(ctx); !errors.Is(err, vcs.ErrNoMergeInProgress) {
			t.Errorf("second AbortMerge() error = %v", err)
		}
		if _, err := p.Service.CompleteMerge(ctx, ""); !errors.Is(err, vcs.ErrNoMergeInProgress) {
			t.Errorf("CompleteMerge() error = %v", err)
		}
	})

	t.Run("merge state survives restart", func(t *testing.T) {
		p := testutil.NewPeer(t, "alice")
		diverge(t, p,
			[]vcs.Resource{request("r1", "A", "/a")},
			[]vcs.Resource{request("r1", "A", "/ours")},
			[]vcs.Resource{request("r1", "A", "/theirs")},
		)
		if _, err := p.Service.Merge(ctx, "feature"); err != nil {
			t.Fatal(err)
		}

		restarted := vcs.NewService(p.DB, p.Staging, nil, nil, p.Clock, vcs.Options{Author: "alice"})
		pending, err := restarted.PendingConflicts(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(pending) != 1 || pending[0].ResourceID != "r1" {
			t.Fatalf("PendingConflicts() = %+v", pending)
		}
		if err := restarted.ResolveConflict(ctx, "r1", vcs.Resolution{Choice: vcs.ResolveOurs}); err != nil {
			t.Fatal(err)
		}
		if _, err := restarted.CompleteMerge(ctx, ""); err != nil {
			t.Fatalf("CompleteMerge() error = %v", err)
		}
	})
}

// A branch that is an ancestor of theirs fast-forwards even when the nearest common
// ancestor by depth sum is an older root reached through a merge parent.
func TestService_MergeAncestorThroughMergeParent(t *testing.T) {
	ctx := context.Background()
	p := testutil.NewPeer(t, "alice")
	checkout := func(t *testing.T, name string) {
		t.Helper()
		if _, err := p.Service.Checkout(ctx, name); err != nil {
			t.Fatal(err)
		}
	}
	branch := func(t *testing.T, name string) {
		t.Helper()
		if err := p.Service.CreateBranch(ctx, name); err != nil {
			t.Fatal(err)
		}
	}

	// main: x -> a -> p1 -> p2, stale stays at a
	commitAll(t, p, []vcs.Resource{request("r1", "A", "/x"), request("r2", "B", "/x")}, "x")
	branch(t, "other")
	a := commitAll(t, p, []vcs.Resource{request("r1", "A", "/a"), request("r2", "B", "/x")}, "a")
	branch(t, "stale")
	commitAll(t, p, []vcs.Resource{request("r1", "A", "/p1"), request("r2", "B", "/x")}, "p1")
	commitAll(t, p, []vcs.Resource{request("r1", "A", "/p2"), request("r2", "B", "/x")}, "p2")

	// other: x -> x', then main merged in
	checkout(t, "other")
	commitAll(t, p, []vcs.Resource{request("r1", "A", "/x"), request("r2", "B", "/x2")}, "x'")
	res, err := p.Service.Merge(ctx, "main")
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != vcs.MergeMerged {
		t.Fatalf("Merge(main) into other = %s, want merged", res.Kind)
	}
	b := res.Snapshot

	t.Run("ancestor of theirs fast-forwards", func(t *testing.T) {
		checkout(t, "stale")
		res, err := p.Service.Merge(ctx, "other")
		if err != nil {
			t.Fatalf("Merge() error = %v", err)
		}
		if res.Kind != vcs.MergeFastForward || len(res.Conflicts) != 0 {
			t.Fatalf("Merge() = %s with %d conflicts, want fast-forward", res.Kind, len(res.Conflicts))
		}
		if headOf(t, p, "stale") != b.ID {
			t.Errorf("stale = %s, want %s", headOf(t, p, "stale"), b.ID)
		}
	})

	t.Run("descendant of theirs is a no-op", func(t *testing.T) {
		checkout(t, "other")
		if err := p.Service.Branches().Move(ctx, "old", "", a.ID); err != nil {
			t.Fatal(err)
		}
		res, err := p.Service.Merge(ctx, "old")
		if err != nil {
			t.Fatalf("Merge() error = %v", err)
		}
		if res.Kind != vcs.MergeNoOp {
			t.Errorf("Merge() = %s, want no-op", res.Kind)
		}
		if headOf(t, p, "other") != b.ID {
			t.Error("other moved on a no-op merge")
		}
	})
}
