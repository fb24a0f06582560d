package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"wsync/internal/config"
	"wsync/internal/vcs"
	"wsync/internal/workspace"
)

// newTestConfig returns a config rooted in a fresh temp dir that pushes to the
// filesystem remote at remoteRoot.
func newTestConfig(t *testing.T, name, remoteRoot string) *config.Config {
	t.Helper()
	cfg := config.NewConfig("ws-"+name, t.TempDir())
	cfg.Author = name
	cfg.Sync.InitialDelayMS = 1
	cfg.Sync.MaxDelayMS = 5
	if remoteRoot != "" {
		cfg.Remotes = []config.RemoteConfig{{Type: "filesystem", Name: "origin", FSRoot: remoteRoot}}
	}
	if err := Init(context.Background(), cfg); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return cfg
}

// run opens an App for one command, like a single CLI invocation.
func run(t *testing.T, cfg *config.Config, operation string, fn func(a *App)) {
	t.Helper()
	a, err := NewApp(context.Background(), cfg, operation, Options{})
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	fn(a)
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func writeResource(t *testing.T, cfg *config.Config, rel, content string) {
	t.Helper()
	p := filepath.Join(cfg.Workspace.Dir, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readResource(t *testing.T, cfg *config.Config, rel string) *vcs.Resource {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(cfg.Workspace.Dir, rel))
	if err != nil {
		t.Fatalf("reading %s: %v", rel, err)
	}
	r, err := workspace.DecodeFile(rel, data, filepath.Dir(rel))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func commitAll(t *testing.T, cfg *config.Config, message string) *vcs.Snapshot {
	t.Helper()
	ctx := context.Background()
	var snap *vcs.Snapshot
	run(t, cfg, "Stage", func(a *App) {
		if _, err := a.Stage(ctx, nil, true); err != nil {
			t.Fatalf("Stage() error = %v", err)
		}
	})
	run(t, cfg, "Commit", func(a *App) {
		var err error
		if snap, err = a.Commit(ctx, message); err != nil {
			t.Fatalf("Commit() error = %v", err)
		}
	})
	return snap
}

func TestApp_StatusAndStage(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t, "alice", "")
	writeResource(t, cfg, "request/r1.yaml", "name: Login\nurl: /login\n")
	writeResource(t, cfg, "request/r2.yaml", "name: Logout\nurl: /logout\n")

	run(t, cfg, "Status", func(a *App) {
		report, err := a.Status(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if report.Branch != vcs.DefaultBranch || report.Head != "" {
			t.Errorf("branch = %s@%q", report.Branch, report.Head)
		}
		if len(report.Changes) != 2 || report.Changes[0].Status != vcs.StatusAdded {
			t.Errorf("Changes = %+v", report.Changes)
		}
	})

	run(t, cfg, "Stage", func(a *App) {
		ids, err := a.Stage(ctx, []string{"r1"}, false)
		if err != nil || len(ids) != 1 {
			t.Fatalf("Stage() = %v, %v", ids, err)
		}
	})

	// staged entries survive between invocations
	run(t, cfg, "Status", func(a *App) {
		report, err := a.Status(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(report.Staged) != 1 || report.Staged[0].ResourceID != "r1" {
			t.Errorf("Staged = %+v", report.Staged)
		}
	})

	run(t, cfg, "Commit", func(a *App) {
		snap, err := a.Commit(ctx, "login")
		if err != nil {
			t.Fatal(err)
		}
		if len(snap.Tree) != 1 {
			t.Errorf("Tree = %v", snap.Tree)
		}
	})
}

func TestApp_PushPull(t *testing.T) {
	ctx := context.Background()
	remoteRoot := t.TempDir()
	alice := newTestConfig(t, "alice", remoteRoot)
	bob := newTestConfig(t, "bob", remoteRoot)

	writeResource(t, alice, "request/r1.yaml", "name: Login\nurl: /login\n")
	head := commitAll(t, alice, "initial")

	run(t, alice, "Push", func(a *App) {
		res, err := a.Push(ctx, "origin")
		if err != nil {
			t.Fatalf("Push() error = %v", err)
		}
		if res.Snapshots != 1 || res.Blobs != 1 {
			t.Errorf("Push() = %+v", res)
		}
	})

	run(t, bob, "Pull", func(a *App) {
		res, _, err := a.Pull(ctx, "", false)
		if err != nil {
			t.Fatalf("Pull() error = %v", err)
		}
		if !res.FastForward || res.Head != head.ID {
			t.Errorf("Pull() = %+v", res)
		}
	})
	if r := readResource(t, bob, "request/r1.yaml"); r.Body["url"] != "/login" {
		t.Errorf("pulled resource = %+v", r)
	}

	// both sides change different resources; pull --merge joins them
	writeResource(t, alice, "request/r1.yaml", "name: Login\nurl: /v2/login\n")
	commitAll(t, alice, "v2")
	run(t, alice, "Push", func(a *App) {
		if _, err := a.Push(ctx, "origin"); err != nil {
			t.Fatal(err)
		}
	})
	writeResource(t, bob, "folder/f1.yaml", "name: Auth\n")
	commitAll(t, bob, "folder")

	run(t, bob, "Push", func(a *App) {
		if _, err := a.Push(ctx, "origin"); !errors.Is(err, vcs.ErrRemoteAhead) {
			t.Errorf("Push() error = %v, want ErrRemoteAhead", err)
		}
	})
	run(t, bob, "Pull", func(a *App) {
		res, mr, err := a.Pull(ctx, "origin", true)
		if err != nil {
			t.Fatalf("Pull(merge) error = %v", err)
		}
		if !res.Diverged || mr.Kind != vcs.MergeMerged {
			t.Errorf("Pull(merge) = %+v, %+v", res, mr)
		}
	})
	if r := readResource(t, bob, "request/r1.yaml"); r.Body["url"] != "/v2/login" {
		t.Errorf("merged r1 = %+v", r)
	}
	if _, err := os.Stat(filepath.Join(bob.Workspace.Dir, "folder", "f1.yaml")); err != nil {
		t.Errorf("merge lost local resource: %v", err)
	}

	run(t, bob, "RemoteBranches", func(a *App) {
		if _, err := a.Push(ctx, "origin"); err != nil {
			t.Fatal(err)
		}
		branches, err := a.RemoteBranches(ctx, "origin")
		if err != nil {
			t.Fatal(err)
		}
		if len(branches) != 1 || branches[0].Name != vcs.DefaultBranch {
			t.Errorf("RemoteBranches() = %+v", branches)
		}
	})
}

func TestApp_Checkout(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t, "alice", "")
	writeResource(t, cfg, "request/r1.yaml", "name: Login\nurl: /login\n")
	commitAll(t, cfg, "base")

	run(t, cfg, "CreateBranch", func(a *App) {
		if err := a.CreateBranch(ctx, "feature"); err != nil {
			t.Fatal(err)
		}
	})
	run(t, cfg, "Checkout", func(a *App) {
		if err := a.Checkout(ctx, "feature", false); err != nil {
			t.Fatal(err)
		}
	})
	writeResource(t, cfg, "request/r2.yaml", "name: Extra\nurl: /extra\n")
	commitAll(t, cfg, "extra")

	writeResource(t, cfg, "request/r1.yaml", "name: Login\nurl: /edited\n")
	run(t, cfg, "Checkout", func(a *App) {
		if err := a.Checkout(ctx, vcs.DefaultBranch, false); !errors.Is(err, ErrDirtyWorkspace) {
			t.Errorf("Checkout() error = %v, want ErrDirtyWorkspace", err)
		}
	})
	run(t, cfg, "Checkout", func(a *App) {
		if err := a.Checkout(ctx, vcs.DefaultBranch, true); err != nil {
			t.Fatal(err)
		}
	})

	if r := readResource(t, cfg, "request/r1.yaml"); r.Body["url"] != "/login" {
		t.Errorf("r1 after checkout = %+v", r)
	}
	if _, err := os.Stat(filepath.Join(cfg.Workspace.Dir, "request", "r2.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("r2 should be removed by checkout, stat error = %v", err)
	}
}

func TestApp_MergeResolvedFromFile(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t, "alice", "")
	writeResource(t, cfg, "request/r1.yaml", "name: Login\nurl: /login\n")
	commitAll(t, cfg, "base")

	run(t, cfg, "CreateBranch", func(a *App) {
		if err := a.CreateBranch(ctx, "feature"); err != nil {
			t.Fatal(err)
		}
		if err := a.Checkout(ctx, "feature", false); err != nil {
			t.Fatal(err)
		}
	})
	writeResource(t, cfg, "request/r1.yaml", "name: Login\nurl: /theirs\n")
	commitAll(t, cfg, "theirs")
	run(t, cfg, "Checkout", func(a *App) {
		if err := a.Checkout(ctx, vcs.DefaultBranch, false); err != nil {
			t.Fatal(err)
		}
	})
	writeResource(t, cfg, "request/r1.yaml", "name: Login\nurl: /ours\n")
	commitAll(t, cfg, "ours")

	run(t, cfg, "Merge", func(a *App) {
		res, err := a.Merge(ctx, "feature")
		if err != nil {
			t.Fatal(err)
		}
		if res.Kind != vcs.MergeConflicted || len(res.Conflicts) != 1 {
			t.Fatalf("Merge() = %+v", res)
		}
	})
	if r := readResource(t, cfg, "request/r1.yaml"); r.Body["url"] != "/ours" {
		t.Errorf("workspace changed by conflicted merge: %+v", r)
	}

	resolution := filepath.Join(t.TempDir(), "r1.yaml")
	if err := os.WriteFile(resolution, []byte("name: Login\nurl: /manual\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	wrongID := filepath.Join(t.TempDir(), "other.yaml")
	if err := os.WriteFile(wrongID, []byte("name: Other\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	run(t, cfg, "Resolve", func(a *App) {
		if err := a.Resolve(ctx, "r1", vcs.ResolveContent, wrongID); err == nil {
			t.Error("Resolve() with a file for another resource succeeded")
		}
		if err := a.Resolve(ctx, "r1", vcs.ResolveContent, resolution); err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
	})
	run(t, cfg, "Merge", func(a *App) {
		snap, err := a.ContinueMerge(ctx, "")
		if err != nil {
			t.Fatalf("ContinueMerge() error = %v", err)
		}
		if !snap.IsMerge() || snap.Message != "Merge feature into main" {
			t.Errorf("merge snapshot = %+v", snap)
		}
	})
	if r := readResource(t, cfg, "request/r1.yaml"); r.Body["url"] != "/manual" {
		t.Errorf("resolved r1 = %+v", r)
	}

	run(t, cfg, "Log", func(a *App) {
		var messages []string
		for snap, err := range a.Log(ctx, "", 2) {
			if err != nil {
				t.Fatal(err)
			}
			messages = append(messages, snap.Message)
		}
		if len(messages) != 2 || messages[0] != "Merge feature into main" {
			t.Errorf("Log() = %v", messages)
		}
	})
}

func TestApp_Operations(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t, "alice", "")

	run(t, cfg, "Commit", func(a *App) {
		if _, err := a.Commit(ctx, "empty"); !errors.Is(err, vcs.ErrNothingStaged) {
			t.Errorf("Commit() error = %v, want ErrNothingStaged", err)
		}
	})
	writeResource(t, cfg, "request/r1.yaml", "name: Login\n")
	commitAll(t, cfg, "first")

	run(t, cfg, "Ops", func(a *App) {
		ops, err := a.Operations(10)
		if err != nil {
			t.Fatal(err)
		}
		if len(ops) != 2 {
			t.Fatalf("Operations() = %d entries, want 2", len(ops))
		}
		if ops[0].Parameters != "first" || ops[0].Status != "success" || ops[0].FinishedAt == nil {
			t.Errorf("newest operation = %+v", ops[0])
		}
		if ops[1].Operation != "Commit" || ops[1].Status != "error" {
			t.Errorf("failed operation = %+v", ops[1])
		}
	})
}

func TestApp_Maintenance(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t, "alice", "")
	writeResource(t, cfg, "request/r1.yaml", "name: Login\n")
	commitAll(t, cfg, "first")

	run(t, cfg, "Verify", func(a *App) {
		report, err := a.Verify(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !report.OK() || report.Snapshots != 1 {
			t.Errorf("Verify() = %+v", report)
		}
		res, err := a.GC(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if res.Snapshots != 0 || res.Blobs != 0 {
			t.Errorf("GC() = %+v", res)
		}

		backup := filepath.Join(t.TempDir(), "backup.db")
		if err := a.BackupDatabase(backup); err != nil {
			t.Fatalf("BackupDatabase() error = %v", err)
		}
		if err := a.BackupDatabase(backup); err == nil {
			t.Error("BackupDatabase() overwrote an existing file")
		}
	})
}

func TestApp_GitBackend(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t, "alice", "")
	cfg.Backend = "git"

	writeResource(t, cfg, "request/r1.yaml", "name: Login\nurl: /login\n")
	snap := commitAll(t, cfg, "first")
	if len(snap.ID) != 40 {
		t.Errorf("git snapshot id = %q", snap.ID)
	}
	if _, err := os.Stat(filepath.Join(cfg.BaseDir, "git", "HEAD")); err != nil {
		t.Errorf("no git repository: %v", err)
	}

	run(t, cfg, "GC", func(a *App) {
		if _, err := a.GC(ctx); !errors.Is(err, ErrUnsupported) {
			t.Errorf("GC() error = %v, want ErrUnsupported", err)
		}
		report, err := a.Status(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if report.Head != snap.ID || len(report.Changes) != 0 {
			t.Errorf("Status() = %+v", report)
		}
	})
}
