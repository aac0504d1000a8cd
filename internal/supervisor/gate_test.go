package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sprintctl/supervisor/internal/model"
)

func TestGateSerializesRunsOnSameIssue(t *testing.T) {
	g := NewGate()
	var inCritical atomic.Int32
	var overlapped atomic.Bool
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			runID := fmt.Sprintf("run-%d", i)
			require.NoError(t, g.ReserveSlot(context.Background(), 42, runID, model.RoleExecutor, nil))
			if inCritical.Add(1) > 1 {
				overlapped.Store(true)
			}
			time.Sleep(5 * time.Millisecond)
			inCritical.Add(-1)
			g.ReleaseSlot(42, runID)
		}(i)
	}
	wg.Wait()
	require.False(t, overlapped.Load(), "two runs held the same issue's slot at once")
}

func waitForWaiterCount(t *testing.T, g *Gate, issue, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		g.mu.Lock()
		got := len(g.waiters[issue])
		g.mu.Unlock()
		if got == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("issue %d never reached %d queued waiters", issue, n)
}

func TestGateWaitersAcquireInFIFOOrder(t *testing.T) {
	g := NewGate()
	require.NoError(t, g.ReserveSlot(context.Background(), 1, "run-0", model.RoleExecutor, nil))

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	for i := 1; i <= 5; i++ {
		runID := fmt.Sprintf("run-%d", i)
		wg.Add(1)
		go func(runID string) {
			defer wg.Done()
			require.NoError(t, g.ReserveSlot(context.Background(), 1, runID, model.RoleExecutor, nil))
			mu.Lock()
			order = append(order, runID)
			mu.Unlock()
			g.ReleaseSlot(1, runID)
		}(runID)
		// Wait until this waiter is queued before starting the next, so the
		// enqueue order is deterministic.
		waitForWaiterCount(t, g, 1, i)
	}

	g.ReleaseSlot(1, "run-0")
	wg.Wait()
	require.Equal(t, []string{"run-1", "run-2", "run-3", "run-4", "run-5"}, order)
}

func TestGateCancelledWaiterDoesNotStallQueue(t *testing.T) {
	g := NewGate()
	require.NoError(t, g.ReserveSlot(context.Background(), 1, "run-a", model.RoleExecutor, nil))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- g.ReserveSlot(ctx, 1, "run-b", model.RoleExecutor, nil) }()
	waitForWaiterCount(t, g, 1, 1)

	acquired := make(chan struct{})
	go func() {
		_ = g.ReserveSlot(context.Background(), 1, "run-c", model.RoleExecutor, nil)
		close(acquired)
	}()
	waitForWaiterCount(t, g, 1, 2)

	cancel()
	require.Error(t, <-errCh)

	g.ReleaseSlot(1, "run-a")
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("queue stalled behind a cancelled waiter")
	}
	g.ReleaseSlot(1, "run-c")
}

func TestGateDistinctIssuesDoNotBlockEachOther(t *testing.T) {
	g := NewGate()
	require.NoError(t, g.ReserveSlot(context.Background(), 1, "run-a", model.RoleExecutor, nil))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, g.ReserveSlot(ctx, 2, "run-b", model.RoleReviewer, nil))

	g.ReleaseSlot(1, "run-a")
	g.ReleaseSlot(2, "run-b")
}

func TestGateReacquireBySameRunIsIdempotent(t *testing.T) {
	g := NewGate()
	require.NoError(t, g.ReserveSlot(context.Background(), 1, "run-a", model.RoleExecutor, nil))
	require.NoError(t, g.ReserveSlot(context.Background(), 1, "run-a", model.RoleExecutor, nil))
	g.ReleaseSlot(1, "run-a")
}

func TestGateWaiterObservesContextCancellation(t *testing.T) {
	g := NewGate()
	require.NoError(t, g.ReserveSlot(context.Background(), 1, "run-a", model.RoleExecutor, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := g.ReserveSlot(ctx, 1, "run-b", model.RoleExecutor, nil)
	require.Error(t, err)

	g.ReleaseSlot(1, "run-a")
}

func TestGateReleaseByNonOwnerIsIgnored(t *testing.T) {
	g := NewGate()
	require.NoError(t, g.ReserveSlot(context.Background(), 1, "run-a", model.RoleExecutor, nil))
	g.ReleaseSlot(1, "run-b")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.Error(t, g.ReserveSlot(ctx, 1, "run-c", model.RoleExecutor, nil))

	g.ReleaseSlot(1, "run-a")
}
