package app

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"

	"wsync/internal/cache"
	"wsync/internal/config"
	"wsync/internal/database"
	"wsync/internal/encryption"
	"wsync/internal/gitvcs"
	"wsync/internal/remote"
	"wsync/internal/retry"
	"wsync/internal/staging"
	"wsync/internal/vcs"
	"wsync/internal/workspace"
)

// ErrDirtyWorkspace is returned when an operation would overwrite workspace changes
// that have not been snapshotted.
var ErrDirtyWorkspace = errors.New("workspace has changes that are not in a snapshot")

// ErrUnsupported is returned for maintenance operations the configured backend lacks.
var ErrUnsupported = errors.New("not supported by this backend")

// backend is what the app needs from a versioning engine beyond vcs.Backend.
type backend interface {
	vcs.Backend
	Staged(ctx context.Context) ([]*vcs.StagedEntry, error)
	HeadTree(ctx context.Context) (vcs.Tree, error)
	MergeState(ctx context.Context) (*vcs.MergeState, error)
	RemoteBranches(ctx context.Context, remote string) ([]vcs.Branch, error)
}

// Options tunes NewApp.
type Options struct {
	// Verbose mirrors the log to stderr and enables debug records.
	Verbose bool
	// Passphrase is asked for the age key when an encrypted remote is first read.
	Passphrase func() (string, error)
}

// App is the application layer between the CLI and the versioning engine.
// It constructs all dependencies from config, exposes high-level operations that work
// on the workspace directory, and manages the DB lifecycle on Close.
type App struct {
	cfg       *config.Config
	db        *database.SQLiteDatabase
	staging   vcs.StagingArea
	encryptor vcs.Encryptor
	blobCache *cache.BlobCache
	workspace *workspace.Dir
	backend   backend
	// service is nil for the git backend.
	service *vcs.Service
	op      *Operation
	logFile *os.File
}

// NewApp creates a fully wired App from the given config.
// operation identifies the CLI command being run (e.g. "Commit", "Push").
// The caller must call Close when done.
func NewApp(ctx context.Context, cfg *config.Config, operation string, opts Options) (*App, error) {
	db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}
	if err := db.CheckMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database schema out of date (run `wsync init`): %w", err)
	}

	a := &App{cfg: cfg, db: db, op: NewOperation(operation, "")}
	if err := a.wire(ctx, opts); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, opts Options) error {
	cfg := a.cfg

	opID := time.Now().UTC().Format("20060102T150405Z")
	logger, logFile, err := newLogger(cfg.LogDir, opID, opts.Verbose)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	a.logFile = logFile
	log := &slogAdapter{l: logger.With("op", a.op.Operation)}

	if a.staging, err = staging.NewStagingAreaFromConfig(cfg.Staging); err != nil {
		return fmt.Errorf("creating staging area: %w", err)
	}
	if a.workspace, err = workspace.NewDir(cfg.Workspace); err != nil {
		return fmt.Errorf("opening workspace: %w", err)
	}

	var snapshots vcs.SnapshotCache
	if cfg.Cache.SnapshotEntries > 0 {
		sc, err := cache.NewSnapshotCache(cfg.Cache.SnapshotEntries)
		if err != nil {
			return err
		}
		snapshots = sc
	}

	policy := retry.Default()
	if cfg.Sync.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.Sync.MaxAttempts
	}
	if cfg.Sync.InitialDelayMS > 0 {
		policy.InitialDelay = cfg.Sync.InitialDelay()
	}
	if cfg.Sync.MaxDelayMS > 0 {
		policy.MaxDelay = cfg.Sync.MaxDelay()
	}

	author := cfg.Author
	if author == "" {
		author = cfg.WorkspaceID
	}

	if cfg.Backend == "git" {
		specs, err := gitRemotes(cfg.Git)
		if err != nil {
			return err
		}
		g, err := gitvcs.Open(filepath.Join(cfg.BaseDir, "git"), a.staging, gitvcs.Options{
			Author:  author,
			Logger:  log,
			Remotes: specs,
			Retry:   policy,
			Cache:   snapshots,
		})
		if err != nil {
			return fmt.Errorf("opening git repository: %w", err)
		}
		a.backend = g
		return nil
	}

	vopts := vcs.Options{
		Author:        author,
		SnapshotCache: snapshots,
		Retry:         policy,
		Concurrency:   cfg.Sync.Concurrency,
	}
	if cfg.Cache.BlobMaxBytes > 0 {
		if a.blobCache, err = cache.NewBlobCache(cfg.Cache.BlobMaxBytes); err != nil {
			return err
		}
		vopts.BlobCache = a.blobCache
	}

	if len(cfg.Remotes) > 0 {
		if a.encryptor, err = encryption.NewEncryptorFromConfig(cfg.Encryption); err != nil {
			return fmt.Errorf("creating encryptor: %w", err)
		}
	}
	unlock := func() (vcs.DecryptionContext, error) {
		if opts.Passphrase == nil {
			return nil, fmt.Errorf("an encrypted remote needs a passphrase")
		}
		pass, err := opts.Passphrase()
		if err != nil {
			return nil, err
		}
		return a.encryptor.Unlock(pass)
	}

	remotes := make([]vcs.Remote, 0, len(cfg.Remotes))
	for _, rc := range cfg.Remotes {
		r, err := remote.NewRemoteFromConfig(ctx, rc, a.encryptor, unlock)
		if err != nil {
			return fmt.Errorf("creating remote %s: %w", rc.Name, err)
		}
		remotes = append(remotes, r)
	}

	a.service = vcs.NewService(a.db, a.staging, remotes, log, vcs.RealClock{}, vopts)
	a.backend = a.service
	return nil
}

// gitRemotes turns the git config into the single "origin" remote, authenticated with
// HTTP basic auth when a token file is configured.
func gitRemotes(cfg config.GitConfig) ([]gitvcs.RemoteSpec, error) {
	if cfg.RemoteURL == "" {
		return nil, nil
	}
	var auth transport.AuthMethod
	if cfg.TokenFile != "" {
		token, err := os.ReadFile(cfg.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("reading git token: %w", err)
		}
		username := cfg.Username
		if username == "" {
			username = "wsync"
		}
		auth = &http.BasicAuth{Username: username, Password: strings.TrimSpace(string(token))}
	}
	return []gitvcs.RemoteSpec{{Name: "origin", URL: cfg.RemoteURL, Auth: auth}}, nil
}

// Init prepares a workspace described by cfg: it migrates the database, creates the
// workspace directory and checks that every configured remote is reachable.
func Init(ctx context.Context, cfg *config.Config) error {
	db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.WorkspaceID)
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}
	if _, err := workspace.NewDir(cfg.Workspace); err != nil {
		return err
	}
	for _, rc := range cfg.Remotes {
		// validation only writes, so no encryptor is needed to reach the inner remote
		rc.Encrypted = false
		r, err := remote.NewRemoteFromConfig(ctx, rc, nil, nil)
		if err != nil {
			return fmt.Errorf("creating remote %s: %w", rc.Name, err)
		}
		if err := r.ValidateSetup(ctx); err != nil {
			return fmt.Errorf("validating remote %s: %w", rc.Name, err)
		}
	}
	return nil
}

// persistOperation saves the operation to the database, giving it an auto-increment ID.
// This should only be called for commands that change history, branches or remotes.
func (a *App) persistOperation(parameters string) error {
	if a.op.Persisted() {
		return nil
	}
	a.op.Parameters = parameters
	id, err := a.db.CreateOperation(a.op.Operation, a.op.Parameters)
	if err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	a.op.ID = id
	return nil
}

// Workspace returns the workspace directory root.
func (a *App) Workspace() string { return a.workspace.Root() }

// StatusReport is what `wsync status` shows.
type StatusReport struct {
	Branch  string
	Head    string
	Changes []vcs.StatusCandidate
	Staged  []*vcs.StagedEntry
	Merge   *vcs.MergeState
}

func (a *App) activeBranch(ctx context.Context) (vcs.Branch, error) {
	branches, err := a.backend.ListBranches(ctx)
	if err != nil {
		return vcs.Branch{}, err
	}
	for _, b := range branches {
		if b.Active {
			return b, nil
		}
	}
	return vcs.Branch{Name: vcs.DefaultBranch}, nil
}

// scan loads the workspace and diffs it against the active head.
func (a *App) scan(ctx context.Context) ([]vcs.StatusCandidate, error) {
	resources, err := a.workspace.Load()
	if err != nil {
		return nil, err
	}
	return a.backend.Status(ctx, resources)
}

// Status reports workspace changes, staged entries and any merge in progress.
func (a *App) Status(ctx context.Context) (*StatusReport, error) {
	branch, err := a.activeBranch(ctx)
	if err != nil {
		return nil, err
	}
	candidates, err := a.scan(ctx)
	if err != nil {
		return nil, err
	}
	staged, err := a.backend.Staged(ctx)
	if err != nil {
		return nil, err
	}
	merge, err := a.backend.MergeState(ctx)
	if err != nil {
		return nil, err
	}
	return &StatusReport{
		Branch:  branch.Name,
		Head:    branch.SnapshotID,
		Changes: vcs.Changed(candidates),
		Staged:  staged,
		Merge:   merge,
	}, nil
}

// Stage stages the given resource ids, or every change when all is set. It returns the
// ids staged.
func (a *App) Stage(ctx context.Context, ids []string, all bool) ([]string, error) {
	candidates, err := a.scan(ctx)
	if err != nil {
		return nil, err
	}
	if all {
		ids = nil
		for _, c := range vcs.Changed(candidates) {
			ids = append(ids, c.ResourceID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if err := a.backend.Stage(ctx, ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (a *App) Unstage(ctx context.Context, ids []string) error {
	return a.backend.Unstage(ctx, ids)
}

// Commit takes a snapshot of the staged changes.
func (a *App) Commit(ctx context.Context, message string) (*vcs.Snapshot, error) {
	if err := a.persistOperation(message); err != nil {
		return nil, err
	}
	snap, err := a.backend.TakeSnapshot(ctx, message)
	return snap, a.op.Fail(err)
}

func (a *App) ListBranches(ctx context.Context) ([]vcs.Branch, error) {
	return a.backend.ListBranches(ctx)
}

func (a *App) RemoteBranches(ctx context.Context, remoteName string) ([]vcs.Branch, error) {
	return a.backend.RemoteBranches(ctx, remoteName)
}

func (a *App) CreateBranch(ctx context.Context, name string) error {
	if err := a.persistOperation(name); err != nil {
		return err
	}
	return a.op.Fail(a.backend.CreateBranch(ctx, name))
}

func (a *App) DeleteBranch(ctx context.Context, name string) error {
	if err := a.persistOperation(name); err != nil {
		return err
	}
	return a.op.Fail(a.backend.DeleteBranch(ctx, name))
}

func (a *App) RenameBranch(ctx context.Context, oldName, newName string) error {
	if err := a.persistOperation(oldName + " " + newName); err != nil {
		return err
	}
	return a.op.Fail(a.backend.RenameBranch(ctx, oldName, newName))
}

// ensureClean refuses when the workspace differs from the active head.
func (a *App) ensureClean(ctx context.Context) error {
	candidates, err := a.scan(ctx)
	if err != nil {
		return err
	}
	if changed := vcs.Changed(candidates); len(changed) > 0 {
		return fmt.Errorf("%w: %d changed resources", ErrDirtyWorkspace, len(changed))
	}
	return nil
}

// writeTree replaces the workspace contents with the resources of tree.
func (a *App) writeTree(ctx context.Context, tree vcs.Tree) error {
	resources, err := a.backend.Materialize(ctx, tree)
	if err != nil {
		return err
	}
	return a.workspace.Write(resources)
}

// writeHead replaces the workspace contents with the active head.
func (a *App) writeHead(ctx context.Context) error {
	tree, err := a.backend.HeadTree(ctx)
	if err != nil {
		return err
	}
	return a.writeTree(ctx, tree)
}

// Checkout activates a branch and rewrites the workspace to its head. Unless force is
// set it refuses to discard workspace changes.
func (a *App) Checkout(ctx context.Context, name string, force bool) error {
	if !force {
		if err := a.ensureClean(ctx); err != nil {
			return err
		}
	}
	if err := a.persistOperation(name); err != nil {
		return err
	}
	tree, err := a.backend.Checkout(ctx, name)
	if err != nil {
		return a.op.Fail(err)
	}
	return a.op.Fail(a.writeTree(ctx, tree))
}

// Merge merges branch into the active branch. The workspace is rewritten when the
// active head moves; on conflicts it is left untouched until the merge completes.
func (a *App) Merge(ctx context.Context, branch string) (*vcs.MergeResult, error) {
	if err := a.ensureClean(ctx); err != nil {
		return nil, err
	}
	if err := a.persistOperation(branch); err != nil {
		return nil, err
	}
	res, err := a.backend.Merge(ctx, branch)
	if err != nil {
		return nil, a.op.Fail(err)
	}
	if err := a.afterMerge(ctx, res); err != nil {
		return nil, a.op.Fail(err)
	}
	return res, nil
}

func (a *App) afterMerge(ctx context.Context, res *vcs.MergeResult) error {
	switch res.Kind {
	case vcs.MergeFastForward, vcs.MergeMerged:
		return a.writeHead(ctx)
	}
	return nil
}

// Resolve records a resolution for one conflicted resource. With ResolveContent the
// resource is read from path.
func (a *App) Resolve(ctx context.Context, id string, choice vcs.ResolutionChoice, path string) error {
	r := vcs.Resolution{Choice: choice}
	if choice == vcs.ResolveContent {
		res, err := a.readResourceFile(ctx, id, path)
		if err != nil {
			return err
		}
		r.Resource = res
	}
	return a.backend.ResolveConflict(ctx, id, r)
}

func (a *App) readResourceFile(ctx context.Context, id, path string) (*vcs.Resource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading resolution: %w", err)
	}
	var typ string
	if state, err := a.backend.MergeState(ctx); err == nil && state != nil {
		for _, c := range state.Conflicts {
			if c.ResourceID == id {
				typ = c.Type
			}
		}
	}
	res, err := workspace.DecodeFile(path, data, typ)
	if err != nil {
		return nil, err
	}
	if res.ID != id {
		return nil, fmt.Errorf("%s holds resource %s, not %s", path, res.ID, id)
	}
	return res, nil
}

// ContinueMerge completes the merge in progress and rewrites the workspace.
func (a *App) ContinueMerge(ctx context.Context, message string) (*vcs.Snapshot, error) {
	if err := a.persistOperation(message); err != nil {
		return nil, err
	}
	snap, err := a.backend.CompleteMerge(ctx, message)
	if err != nil {
		return nil, a.op.Fail(err)
	}
	return snap, a.op.Fail(a.writeHead(ctx))
}

func (a *App) AbortMerge(ctx context.Context) error {
	if err := a.persistOperation(""); err != nil {
		return err
	}
	return a.op.Fail(a.backend.AbortMerge(ctx))
}

// Log yields up to limit snapshots of branch, newest first. An empty branch means the
// active one; a non-positive limit means no limit.
func (a *App) Log(ctx context.Context, branch string, limit int) iter.Seq2[*vcs.Snapshot, error] {
	return func(yield func(*vcs.Snapshot, error) bool) {
		if branch == "" {
			b, err := a.activeBranch(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			branch = b.Name
		}
		n := 0
		for snap, err := range a.backend.History(ctx, branch) {
			if !yield(snap, err) || err != nil {
				return
			}
			if n++; limit > 0 && n >= limit {
				return
			}
		}
	}
}

func (a *App) Push(ctx context.Context, remoteName string) (*vcs.SyncResult, error) {
	if err := a.persistOperation(remoteName); err != nil {
		return nil, err
	}
	res, err := a.backend.Push(ctx, remoteName)
	return res, a.op.Fail(err)
}

// Pull fetches the active branch from a remote. A fast-forward rewrites the workspace.
// With merge set, diverged histories are merged.
func (a *App) Pull(ctx context.Context, remoteName string, merge bool) (*vcs.SyncResult, *vcs.MergeResult, error) {
	if err := a.ensureClean(ctx); err != nil {
		return nil, nil, err
	}
	if err := a.persistOperation(remoteName); err != nil {
		return nil, nil, err
	}

	if !merge {
		res, err := a.backend.Pull(ctx, remoteName)
		if err != nil {
			return nil, nil, a.op.Fail(err)
		}
		if res.FastForward {
			return res, nil, a.op.Fail(a.writeHead(ctx))
		}
		return res, nil, nil
	}

	res, mr, err := a.backend.FetchAndMerge(ctx, remoteName)
	if err != nil {
		return nil, nil, a.op.Fail(err)
	}
	if res.FastForward {
		return res, mr, a.op.Fail(a.writeHead(ctx))
	}
	return res, mr, a.op.Fail(a.afterMerge(ctx, mr))
}

func (a *App) GC(ctx context.Context) (*vcs.GCResult, error) {
	if a.service == nil {
		return nil, fmt.Errorf("gc: %w", ErrUnsupported)
	}
	if err := a.persistOperation(""); err != nil {
		return nil, err
	}
	res, err := a.service.GC(ctx)
	return res, a.op.Fail(err)
}

func (a *App) Verify(ctx context.Context) (*vcs.VerifyReport, error) {
	if a.service == nil {
		return nil, fmt.Errorf("verify: %w", ErrUnsupported)
	}
	return a.service.Verify(ctx)
}

// Operations returns the most recent persisted operations.
func (a *App) Operations(limit int) ([]*database.Operation, error) {
	return a.db.ListOperations(limit)
}

// BackupDatabase writes a consistent copy of the metadata database to path.
func (a *App) BackupDatabase(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	return a.db.BackupTo(path)
}

// Close finalizes the operation and closes all resources.
func (a *App) Close() error {
	var firstErr error
	if a.op.Persisted() {
		if err := a.db.FinishOperation(a.op.ID, a.op.Status); err != nil {
			firstErr = fmt.Errorf("finishing operation: %w", err)
		}
	}
	if err := a.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (a *App) close() error {
	var err error
	if a.db != nil {
		if cerr := a.db.Close(); cerr != nil {
			err = fmt.Errorf("closing database: %w", cerr)
		}
	}
	if a.blobCache != nil {
		a.blobCache.Close()
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return err
}
