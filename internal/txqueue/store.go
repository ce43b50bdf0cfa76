package txqueue

import "context"

// StatusUpdate 携带写入终态时的附加信息。
type StatusUpdate struct {
	TxHash       string `json:"tx_hash,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	CompletedAt  int64  `json:"completed_at,omitempty"`
}

// QueueMetrics 聚合队列状态的只读统计信息。
type QueueMetrics struct {
	Total              int            `json:"total"`
	Pending            int            `json:"pending"`
	Claimed            int            `json:"claimed"`
	Confirmed          int            `json:"confirmed"`
	Failed             int            `json:"failed"`
	ClaimsByWorker     map[string]int `json:"claims_by_worker,omitempty"`
	OldestPendingAge   int64          `json:"oldest_pending_age_seconds,omitempty"`
	AvgProcessingSecs  float64        `json:"avg_processing_seconds,omitempty"`
}

// Store 抽象了交易请求的持久化后端。所有状态迁移都必须经由 Store 的
// 原子操作完成，调用方不得以读-改-写的方式自行修改行数据。
type Store interface {
	// Enqueue 插入一条新的 pending 请求。幂等键冲突时返回 ErrDuplicateRequest。
	Enqueue(ctx context.Context, req *Request) error
	// Get 返回指定请求。
	Get(ctx context.Context, id string) (*Request, error)
	// FindByIdempotencyKey 按幂等键查找请求，不存在时返回 ErrRequestNotFound。
	FindByIdempotencyKey(ctx context.Context, key string) (*Request, error)
	// Claim 原子地领取最旧的可领取请求并标记为 claimed。没有可领取
	// 请求时返回 ErrNoneClaimable。同一行在一个领取周期内至多被一个
	// 调用方获得，该排他性由存储层的条件更新保证。
	Claim(ctx context.Context, workerID string) (*Request, error)
	// UpdateStatus 将 claimed 请求迁移到终态。对已处于终态的行是安静的
	// 空操作，以容忍重复上报。
	UpdateStatus(ctx context.Context, id string, status Status, update StatusUpdate) error
	// Metrics 返回只读统计投影，绝不修改状态。
	Metrics(ctx context.Context) (QueueMetrics, error)
	Close() error
}
