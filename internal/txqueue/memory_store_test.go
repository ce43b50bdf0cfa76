package txqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newPendingRequest(id string, createdAt int64) *Request {
	return &Request{
		ID:        id,
		To:        "0xAA",
		Data:      "0x01",
		Value:     "0",
		ChainID:   1,
		Status:    StatusPending,
		Strategy:  StrategyDirectAccount,
		CreatedAt: createdAt,
	}
}

func TestMemoryStoreClaimExclusive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Enqueue(ctx, newPendingRequest("r1", 1)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	winners := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := store.Claim(ctx, "worker-"+string(rune('a'+i)))
			if err != nil {
				if !errors.Is(err, ErrNoneClaimable) {
					t.Errorf("claim: %v", err)
				}
				return
			}
			winners <- req.WorkerID
		}(i)
	}
	wg.Wait()
	close(winners)

	var count int
	for range winners {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one successful claim, got %d", count)
	}
}

func TestMemoryStoreClaimOldestFirst(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Enqueue(ctx, newPendingRequest("newer", 200)); err != nil {
		t.Fatalf("enqueue newer: %v", err)
	}
	if err := store.Enqueue(ctx, newPendingRequest("older", 100)); err != nil {
		t.Fatalf("enqueue older: %v", err)
	}

	req, err := store.Claim(ctx, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if req.ID != "older" {
		t.Fatalf("expected oldest request first, got %s", req.ID)
	}
	if req.Status != StatusClaimed || req.WorkerID != "w1" || req.ClaimedAt == 0 {
		t.Fatalf("unexpected claimed row: %+v", req)
	}
}

func TestMemoryStoreLeaseSweep(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	store := NewMemoryStore(WithClock(clock))
	ctx := context.Background()

	if err := store.Enqueue(ctx, newPendingRequest("r1", now.Unix())); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.Claim(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// 租约未过期时不可重复领取。
	if _, err := store.Claim(ctx, "w2"); !errors.Is(err, ErrNoneClaimable) {
		t.Fatalf("expected none claimable before lease expiry, got %v", err)
	}

	now = now.Add(ClaimLeaseTimeout + time.Second)
	req, err := store.Claim(ctx, "w2")
	if err != nil {
		t.Fatalf("claim after expiry: %v", err)
	}
	if req.AttemptCount != 1 {
		t.Fatalf("expected attempt_count 1 after sweep, got %d", req.AttemptCount)
	}
	if req.WorkerID != "w2" {
		t.Fatalf("expected new worker to own the row, got %q", req.WorkerID)
	}
}

func TestMemoryStoreSweepClearsWorker(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := NewMemoryStore(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	if err := store.Enqueue(ctx, newPendingRequest("r1", now.Unix())); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.Claim(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	now = now.Add(ClaimLeaseTimeout + time.Second)
	store.mu.Lock()
	store.sweepExpiredLocked(now)
	swept := *store.requests["r1"]
	store.mu.Unlock()

	if swept.Status != StatusPending {
		t.Fatalf("expected pending after sweep, got %s", swept.Status)
	}
	if swept.WorkerID != "" || swept.ClaimedAt != 0 {
		t.Fatalf("expected worker ownership cleared, got %+v", swept)
	}
	if swept.AttemptCount != 1 {
		t.Fatalf("expected attempt_count 1, got %d", swept.AttemptCount)
	}
}

func TestMemoryStoreTerminalImmutable(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Enqueue(ctx, newPendingRequest("r1", 1)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.Claim(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.UpdateStatus(ctx, "r1", StatusConfirmed, StatusUpdate{TxHash: "0xabc"}); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	// 重复上报静默吞掉，终态不被改写。
	if err := store.UpdateStatus(ctx, "r1", StatusFailed, StatusUpdate{ErrorCode: "BROADCAST_FAILED"}); err != nil {
		t.Fatalf("late report: %v", err)
	}
	req, err := store.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if req.Status != StatusConfirmed || req.TxHash != "0xabc" {
		t.Fatalf("terminal row mutated: %+v", req)
	}

	// 终态行永远不会再被领取。
	if _, err := store.Claim(ctx, "w2"); !errors.Is(err, ErrNoneClaimable) {
		t.Fatalf("expected none claimable, got %v", err)
	}
}

func TestMemoryStoreDuplicateIdempotencyKey(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := newPendingRequest("r1", 1)
	first.IdempotencyKey = "job-42"
	if err := store.Enqueue(ctx, first); err != nil {
		t.Fatalf("enqueue first: %v", err)
	}

	second := newPendingRequest("r2", 2)
	second.IdempotencyKey = "job-42"
	if err := store.Enqueue(ctx, second); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	found, err := store.FindByIdempotencyKey(ctx, "job-42")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found.ID != "r1" {
		t.Fatalf("expected original row, got %s", found.ID)
	}
}

func TestMemoryStoreMetrics(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := NewMemoryStore(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	if err := store.Enqueue(ctx, newPendingRequest("r1", now.Unix()-30)); err != nil {
		t.Fatalf("enqueue r1: %v", err)
	}
	if err := store.Enqueue(ctx, newPendingRequest("r2", now.Unix())); err != nil {
		t.Fatalf("enqueue r2: %v", err)
	}
	if _, err := store.Claim(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	stats, err := store.Metrics(ctx)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if stats.Total != 2 || stats.Pending != 1 || stats.Claimed != 1 {
		t.Fatalf("unexpected metrics: %+v", stats)
	}
	if stats.ClaimsByWorker["w1"] != 1 {
		t.Fatalf("expected claim attributed to w1, got %+v", stats.ClaimsByWorker)
	}
}
