package txqueue

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "Jinn-Node/internal/errors"
)

// MemoryStore 以内存方式保存交易请求，主要用于测试。状态迁移语义与
// 持久化后端保持一致，包括租约过期扫描。
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]*Request
	now      func() time.Time
	lease    time.Duration
}

// MemoryStoreOption 定义可选配置。
type MemoryStoreOption func(*MemoryStore)

// WithClock 覆盖默认时钟，供租约相关测试使用。
func WithClock(now func() time.Time) MemoryStoreOption {
	return func(m *MemoryStore) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLeaseTimeout 覆盖默认租约时长。
func WithLeaseTimeout(d time.Duration) MemoryStoreOption {
	return func(m *MemoryStore) {
		if d > 0 {
			m.lease = d
		}
	}
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	m := &MemoryStore{
		requests: make(map[string]*Request),
		now:      time.Now,
		lease:    ClaimLeaseTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Enqueue 实现 Store 接口。
func (m *MemoryStore) Enqueue(_ context.Context, req *Request) error {
	if req == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "request 不能为空")
	}
	if req.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "请求 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[req.ID]; ok {
		return ErrDuplicateRequest
	}
	if req.IdempotencyKey != "" {
		for _, existing := range m.requests {
			if existing.IdempotencyKey == req.IdempotencyKey {
				return ErrDuplicateRequest
			}
		}
	}
	now := m.now().Unix()
	if req.CreatedAt == 0 {
		req.CreatedAt = now
	}
	req.UpdatedAt = now
	m.requests[req.ID] = cloneRequest(req)
	return nil
}

// Get 返回请求。
func (m *MemoryStore) Get(_ context.Context, id string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return cloneRequest(req), nil
}

// FindByIdempotencyKey 按幂等键查找请求。
func (m *MemoryStore) FindByIdempotencyKey(_ context.Context, key string) (*Request, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrRequestNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, req := range m.requests {
		if req.IdempotencyKey == key {
			return cloneRequest(req), nil
		}
	}
	return nil, ErrRequestNotFound
}

// Claim 领取最旧的可领取请求。每次调用前先做一轮租约过期扫描。
func (m *MemoryStore) Claim(_ context.Context, workerID string) (*Request, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "worker ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sweepExpiredLocked(now)

	candidates := make([]*Request, 0, len(m.requests))
	for _, req := range m.requests {
		if req.Status == StatusPending {
			candidates = append(candidates, req)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoneClaimable
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt == candidates[j].CreatedAt {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].CreatedAt < candidates[j].CreatedAt
	})

	req := candidates[0]
	req.Status = StatusClaimed
	req.WorkerID = workerID
	req.ClaimedAt = now.Unix()
	req.UpdatedAt = now.Unix()
	return cloneRequest(req), nil
}

// sweepExpiredLocked 将租约过期的 claimed 请求回退为 pending。
func (m *MemoryStore) sweepExpiredLocked(now time.Time) {
	cutoff := now.Add(-m.lease).Unix()
	for _, req := range m.requests {
		if req.Status != StatusClaimed || req.ClaimedAt > cutoff {
			continue
		}
		req.Status = StatusPending
		req.AttemptCount++
		req.WorkerID = ""
		req.ClaimedAt = 0
		req.UpdatedAt = now.Unix()
	}
}

// UpdateStatus 将 claimed 请求迁移到终态。
func (m *MemoryStore) UpdateStatus(_ context.Context, id string, status Status, update StatusUpdate) error {
	if status != StatusConfirmed && status != StatusFailed {
		return xerrors.New(xerrors.CodeInvalidArgument, "目标状态必须为终态")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return ErrRequestNotFound
	}
	if req.Terminal() {
		// 容忍重复上报。
		return nil
	}
	now := m.now().Unix()
	req.Status = status
	req.TxHash = update.TxHash
	req.ErrorCode = update.ErrorCode
	req.ErrorMessage = update.ErrorMessage
	req.CompletedAt = update.CompletedAt
	if req.CompletedAt == 0 {
		req.CompletedAt = now
	}
	req.UpdatedAt = now
	return nil
}

// Metrics 统计当前队列状态。
func (m *MemoryStore) Metrics(_ context.Context) (QueueMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().Unix()
	metrics := QueueMetrics{ClaimsByWorker: make(map[string]int)}
	var oldestPending int64
	var processedSum int64
	var processedCount int

	for _, req := range m.requests {
		metrics.Total++
		switch req.Status {
		case StatusPending:
			metrics.Pending++
			if oldestPending == 0 || req.CreatedAt < oldestPending {
				oldestPending = req.CreatedAt
			}
		case StatusClaimed:
			metrics.Claimed++
			metrics.ClaimsByWorker[req.WorkerID]++
		case StatusConfirmed:
			metrics.Confirmed++
		case StatusFailed:
			metrics.Failed++
		}
		if req.Terminal() && req.CompletedAt > 0 && req.ClaimedAt > 0 {
			processedSum += req.CompletedAt - req.ClaimedAt
			processedCount++
		}
	}
	if oldestPending > 0 {
		metrics.OldestPendingAge = now - oldestPending
	}
	if processedCount > 0 {
		metrics.AvgProcessingSecs = float64(processedSum) / float64(processedCount)
	}
	if len(metrics.ClaimsByWorker) == 0 {
		metrics.ClaimsByWorker = nil
	}
	return metrics, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
