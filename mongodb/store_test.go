package mongodb

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/queuectl/queuectl"
)

// Integration tests need a running MongoDB server. Set e.g.
//
//	QUEUECTL_MONGODB_URL="mongodb://127.0.0.1:27017/queuectl_test"
//
// to enable them.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("QUEUECTL_MONGODB_URL")
	if url == "" {
		t.Skip("QUEUECTL_MONGODB_URL not set")
	}
	st, err := NewStore(url)
	if err != nil {
		t.Fatalf("NewStore failed with %v", err)
	}
	t.Cleanup(func() {
		_ = st.coll.DropCollection()
		st.Close()
	})
	if err := st.Start(context.Background()); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	return st
}

func TestMongoDBCreateClaimReport(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	now := time.Now().UTC()

	job := &queuectl.Job{
		ID: "a", Command: "echo hi", State: queuectl.Pending,
		MaxRetries: 3, CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour),
	}
	if err := st.Create(ctx, job); err != nil {
		t.Fatalf("Create failed with %v", err)
	}
	if err := st.Create(ctx, job); !errors.Is(err, queuectl.ErrDuplicateID) {
		t.Fatalf("Create duplicate = %v, want ErrDuplicateID", err)
	}

	claimed, err := st.Claim(ctx, "w1", now, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("Claim failed with %v", err)
	}
	if claimed == nil {
		t.Fatal("Claim returned no job")
	}
	if have, want := claimed.LockedBy, "w1"; have != want {
		t.Fatalf("LockedBy = %q, want %q", have, want)
	}

	// Nothing else is eligible while the claim is live.
	second, err := st.Claim(ctx, "w2", now, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("Claim failed with %v", err)
	}
	if second != nil {
		t.Fatalf("Claim = %v, want nil while locked", second)
	}

	err = st.UpdateLocked(ctx, "a", "w2", &queuectl.JobUpdate{State: queuectl.Completed})
	if !errors.Is(err, queuectl.ErrLockLost) {
		t.Fatalf("UpdateLocked with wrong holder = %v, want ErrLockLost", err)
	}
	err = st.UpdateLocked(ctx, "a", "w1", &queuectl.JobUpdate{State: queuectl.Completed, Output: "hi"})
	if err != nil {
		t.Fatalf("UpdateLocked failed with %v", err)
	}
	got, err := st.Lookup(ctx, "a")
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if have, want := got.State, queuectl.Completed; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
	if have, want := got.Output, "hi"; have != want {
		t.Fatalf("Output = %q, want %q", have, want)
	}
}

func TestMongoDBResetForRetry(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	now := time.Now().UTC()

	dead := &queuectl.Job{
		ID: "x", Command: "false", State: queuectl.Dead, Attempts: 4,
		MaxRetries: 3, CreatedAt: now, UpdatedAt: now, Error: "exit status 1",
	}
	if err := st.Create(ctx, dead); err != nil {
		t.Fatalf("Create failed with %v", err)
	}
	if err := st.ResetForRetry(ctx, "missing"); !errors.Is(err, queuectl.ErrNotFound) {
		t.Fatalf("ResetForRetry(missing) = %v, want ErrNotFound", err)
	}
	if err := st.ResetForRetry(ctx, "x"); err != nil {
		t.Fatalf("ResetForRetry failed with %v", err)
	}
	got, err := st.Lookup(ctx, "x")
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if have, want := got.State, queuectl.Pending; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
	if have, want := got.Attempts, 0; have != want {
		t.Fatalf("Attempts = %d, want %d", have, want)
	}
}
