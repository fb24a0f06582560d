package testutil

import (
	"testing"
	"time"

	"wsync/internal/retry"
	"wsync/internal/vcs"
)

// Peer is one replica in a test: its own database, staging area and service, all
// sharing the given remotes.
type Peer struct {
	DB      vcs.Database
	Staging vcs.StagingArea
	Clock   *TickingClock
	Service *vcs.Service
}

// NewPeer creates a service over a fresh in-memory database. Retries are fast so
// tests exercising transient failures stay quick.
func NewPeer(t *testing.T, author string, remotes ...vcs.Remote) *Peer {
	t.Helper()
	db := NewTestDatabase(t)
	sa := NewTestStagingArea()
	clock := NewTickingClock(time.Second)

	policy := retry.Default()
	policy.InitialDelay = time.Millisecond
	policy.MaxDelay = 5 * time.Millisecond

	svc := vcs.NewService(db, sa, remotes, vcs.NewNopLogger(), clock, vcs.Options{
		Author:      author,
		Retry:       policy,
		Concurrency: 4,
	})
	return &Peer{DB: db, Staging: sa, Clock: clock, Service: svc}
}
