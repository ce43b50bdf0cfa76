package txqueue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newRemoteStoreForTest(t *testing.T, handler http.Handler) *RemoteStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	store, err := NewRemoteStore(RemoteConfig{
		Endpoint:  server.URL,
		AccessKey: "test-key",
		Timeout:   2 * time.Second,
	})
	if err != nil {
		t.Fatalf("new remote store: %v", err)
	}
	return store
}

func TestRemoteStoreClaimSuccess(t *testing.T) {
	var gotAuth string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/transactions/claim" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")

		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode claim payload: %v", err)
		}
		if payload["worker_id"] != "w1" {
			t.Errorf("unexpected worker id %q", payload["worker_id"])
		}

		json.NewEncoder(w).Encode(&Request{
			ID:       "r1",
			To:       "0xAA",
			ChainID:  1,
			Status:   StatusClaimed,
			Strategy: StrategyDirectAccount,
			WorkerID: "w1",
		})
	})

	store := newRemoteStoreForTest(t, handler)
	req, err := store.Claim(context.Background(), "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if req.ID != "r1" || req.WorkerID != "w1" {
		t.Fatalf("unexpected claimed request: %+v", req)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("expected bearer credential, got %q", gotAuth)
	}
}

func TestRemoteStoreClaimEmptyQueue(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	store := newRemoteStoreForTest(t, handler)

	if _, err := store.Claim(context.Background(), "w1"); !errors.Is(err, ErrNoneClaimable) {
		t.Fatalf("expected none claimable, got %v", err)
	}
}

func TestRemoteStoreClaimFailsClosed(t *testing.T) {
	// 服务端 5xx 属于结果不明，客户端必须按"未领取"处理。
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	store := newRemoteStoreForTest(t, handler)

	if _, err := store.Claim(context.Background(), "w1"); !errors.Is(err, ErrNoneClaimable) {
		t.Fatalf("expected none claimable on ambiguous result, got %v", err)
	}
}

func TestRemoteStoreUpdateStatusRetries(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	store := newRemoteStoreForTest(t, handler)

	err := store.UpdateStatus(context.Background(), "r1", StatusConfirmed, StatusUpdate{TxHash: "0xabc"})
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestRemoteStoreUpdateStatusConflictIsSuccess(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	store := newRemoteStoreForTest(t, handler)

	if err := store.UpdateStatus(context.Background(), "r1", StatusFailed, StatusUpdate{ErrorCode: "BROADCAST_FAILED"}); err != nil {
		t.Fatalf("conflict should be treated as success, got %v", err)
	}
}

func TestRemoteStoreUpdateStatusPermanentOn4xx(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})
	store := newRemoteStoreForTest(t, handler)

	err := store.UpdateStatus(context.Background(), "missing", StatusConfirmed, StatusUpdate{})
	if !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not be retried, got %d attempts", calls.Load())
	}
}

func TestRemoteStoreEnqueueConflict(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	store := newRemoteStoreForTest(t, handler)

	err := store.Enqueue(context.Background(), &Request{ID: "r1", To: "0xAA", ChainID: 1})
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}
