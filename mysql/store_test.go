package mysql

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/queuectl/queuectl"
)

// Integration tests need a running MySQL server. Set e.g.
//
//	QUEUECTL_MYSQL_DSN="root@tcp(127.0.0.1:3306)/queuectl_test?loc=UTC&parseTime=true"
//
// to enable them.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("QUEUECTL_MYSQL_DSN")
	if dsn == "" {
		t.Skip("QUEUECTL_MYSQL_DSN not set")
	}
	st, err := NewStore(dsn)
	if err != nil {
		t.Fatalf("NewStore failed with %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Start(context.Background()); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	t.Cleanup(func() {
		_, _ = st.db.Exec("DROP TABLE IF EXISTS queuectl_jobs")
	})
	return st
}

func TestMySQLCreateClaimReport(t *testing.T) {
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
	if have, want := claimed.State, queuectl.Processing; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}

	err = st.UpdateLocked(ctx, "a", "other", &queuectl.JobUpdate{State: queuectl.Completed})
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
	if got.Locked() {
		t.Fatalf("job still locked by %q", got.LockedBy)
	}
}

func TestMySQLClaimOrderAndEligibility(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		job := &queuectl.Job{
			ID: fmt.Sprintf("job-%d", i), Command: "true", State: queuectl.Pending,
			MaxRetries: 3,
			CreatedAt:  now.Add(time.Duration(i-10) * time.Minute),
			UpdatedAt:  now.Add(time.Duration(i-10) * time.Minute),
		}
		if err := st.Create(ctx, job); err != nil {
			t.Fatalf("Create failed with %v", err)
		}
	}
	for _, want := range []string{"job-0", "job-1", "job-2"} {
		claimed, err := st.Claim(ctx, "w1", now, now.Add(-time.Minute))
		if err != nil {
			t.Fatalf("Claim failed with %v", err)
		}
		if claimed == nil || claimed.ID != want {
			t.Fatalf("Claim = %v, want %q", claimed, want)
		}
	}
	claimed, err := st.Claim(ctx, "w1", now, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("Claim failed with %v", err)
	}
	if claimed != nil {
		t.Fatalf("Claim = %v, want nil once the queue is drained", claimed)
	}
}
