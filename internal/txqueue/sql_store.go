package txqueue

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "Jinn-Node/internal/errors"
)

// sqlStore 在一个 database/sql 连接之上实现 Store 契约。SQLite 与 MySQL
// 后端共用同一套条件更新语句，方言差异只体现在建表与唯一键冲突判定上。
type sqlStore struct {
	db          *sql.DB
	isDuplicate func(error) bool
	now         func() time.Time
	lease       time.Duration
}

const requestColumns = `id, idempotency_key, payload_hash, to_address, call_data, value, chain_id,
        status, strategy, attempt_count, worker_id, claimed_at, completed_at, created_at, updated_at,
        tx_hash, contract_wallet_tx_hash, error_code, error_message, source_job_id`

// Enqueue 插入新的交易请求记录。
func (s *sqlStore) Enqueue(ctx context.Context, req *Request) error {
	if req == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "request 不能为空")
	}
	if strings.TrimSpace(req.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "请求 ID 不能为空")
	}

	now := s.now().Unix()
	if req.CreatedAt == 0 {
		req.CreatedAt = now
	}
	req.UpdatedAt = now

	// 空幂等键存为 NULL，避免占用唯一索引。
	var idemKey sql.NullString
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		idemKey = sql.NullString{String: key, Valid: true}
	}

	const stmt = `INSERT INTO tx_requests
        (id, idempotency_key, payload_hash, to_address, call_data, value, chain_id,
         status, strategy, attempt_count, worker_id, claimed_at, completed_at, created_at, updated_at,
         tx_hash, contract_wallet_tx_hash, error_code, error_message, source_job_id)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', 0, 0, ?, ?, '', '', '', '', ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		req.ID,
		idemKey,
		req.PayloadHash,
		req.To,
		req.Data,
		req.Value,
		req.ChainID,
		req.Status,
		req.Strategy,
		req.AttemptCount,
		req.CreatedAt,
		req.UpdatedAt,
		req.SourceJobID,
	)
	if err != nil {
		if s.isDuplicate(err) {
			return ErrDuplicateRequest
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入交易请求失败")
	}
	return nil
}

// Get 查询指定请求。
func (s *sqlStore) Get(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM tx_requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易请求失败")
	}
	return req, nil
}

// FindByIdempotencyKey 按幂等键查找请求。
func (s *sqlStore) FindByIdempotencyKey(ctx context.Context, key string) (*Request, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrRequestNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM tx_requests WHERE idempotency_key = ?`, key)
	req, err := scanRequest(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "按幂等键查询失败")
	}
	return req, nil
}

// Claim 领取最旧的 pending 请求。排他性由条件更新加受影响行数判定保证，
// 多个进程并发调用时同一行至多被一个调用方领取。
func (s *sqlStore) Claim(ctx context.Context, workerID string) (*Request, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "worker ID 不能为空")
	}

	now := s.now()
	if err := s.sweepExpired(ctx, now); err != nil {
		return nil, err
	}

	// 乐观重试：候选行可能在 SELECT 与 UPDATE 之间被其他工作进程抢走。
	for attempt := 0; attempt < 3; attempt++ {
		var id string
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM tx_requests WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT 1`,
			StatusPending,
		).Scan(&id)
		if err != nil {
			if stdErrors.Is(err, sql.ErrNoRows) {
				return nil, ErrNoneClaimable
			}
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询可领取请求失败")
		}

		res, err := s.db.ExecContext(ctx,
			`UPDATE tx_requests SET status = ?, worker_id = ?, claimed_at = ?, updated_at = ?
             WHERE id = ? AND status = ?`,
			StatusClaimed, workerID, now.Unix(), now.Unix(), id, StatusPending,
		)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取交易请求失败")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
		}
		if affected == 0 {
			continue
		}
		return s.Get(ctx, id)
	}
	return nil, ErrNoneClaimable
}

// sweepExpired 将租约过期的 claimed 行回退为 pending。这是崩溃工作进程
// 唯一的恢复路径，没有额外的心跳机制。
func (s *sqlStore) sweepExpired(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-s.lease).Unix()
	_, err := s.db.ExecContext(ctx,
		`UPDATE tx_requests SET status = ?, attempt_count = attempt_count + 1,
             worker_id = '', claimed_at = 0, updated_at = ?
         WHERE status = ? AND claimed_at <= ?`,
		StatusPending, now.Unix(), StatusClaimed, cutoff,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "回收过期租约失败")
	}
	return nil
}

// UpdateStatus 将请求迁移到终态。已终态的行不再变更。
func (s *sqlStore) UpdateStatus(ctx context.Context, id string, status Status, update StatusUpdate) error {
	if status != StatusConfirmed && status != StatusFailed {
		return xerrors.New(xerrors.CodeInvalidArgument, "目标状态必须为终态")
	}
	now := s.now().Unix()
	completedAt := update.CompletedAt
	if completedAt == 0 {
		completedAt = now
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tx_requests SET status = ?, tx_hash = ?, error_code = ?, error_message = ?,
             completed_at = ?, updated_at = ?
         WHERE id = ? AND status IN (?, ?)`,
		status, update.TxHash, update.ErrorCode, update.ErrorMessage,
		completedAt, now,
		id, StatusPending, StatusClaimed,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新交易请求状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		// 行不存在时报错；已终态的行安静跳过。
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return nil
	}
	return nil
}

// Metrics 返回队列的聚合统计。
func (s *sqlStore) Metrics(ctx context.Context) (QueueMetrics, error) {
	const countStmt = `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS claimed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS confirmed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed,
        COALESCE(MIN(CASE WHEN status = ? THEN created_at END), 0) AS oldest_pending,
        COALESCE(AVG(CASE WHEN status IN (?, ?) AND completed_at > 0 AND claimed_at > 0
            THEN completed_at - claimed_at END), 0) AS avg_processing
        FROM tx_requests`

	var metrics QueueMetrics
	var oldestPending int64
	row := s.db.QueryRowContext(ctx, countStmt,
		StatusPending, StatusClaimed, StatusConfirmed, StatusFailed,
		StatusPending,
		StatusConfirmed, StatusFailed,
	)
	if err := row.Scan(
		&metrics.Total,
		&metrics.Pending,
		&metrics.Claimed,
		&metrics.Confirmed,
		&metrics.Failed,
		&oldestPending,
		&metrics.AvgProcessingSecs,
	); err != nil {
		return QueueMetrics{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询队列统计失败")
	}
	if oldestPending > 0 {
		metrics.OldestPendingAge = s.now().Unix() - oldestPending
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT worker_id, COUNT(*) FROM tx_requests WHERE status = ? GROUP BY worker_id`,
		StatusClaimed,
	)
	if err != nil {
		return QueueMetrics{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询工作进程统计失败")
	}
	defer rows.Close()
	for rows.Next() {
		var worker string
		var count int
		if err := rows.Scan(&worker, &count); err != nil {
			return QueueMetrics{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析工作进程统计失败")
		}
		if metrics.ClaimsByWorker == nil {
			metrics.ClaimsByWorker = make(map[string]int)
		}
		metrics.ClaimsByWorker[worker] = count
	}
	if err := rows.Err(); err != nil {
		return QueueMetrics{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历工作进程统计失败")
	}
	return metrics, nil
}

// Close 关闭底层数据库连接。
func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var req Request
	var idemKey sql.NullString
	if err := row.Scan(
		&req.ID,
		&idemKey,
		&req.PayloadHash,
		&req.To,
		&req.Data,
		&req.Value,
		&req.ChainID,
		&req.Status,
		&req.Strategy,
		&req.AttemptCount,
		&req.WorkerID,
		&req.ClaimedAt,
		&req.CompletedAt,
		&req.CreatedAt,
		&req.UpdatedAt,
		&req.TxHash,
		&req.ContractWalletTxHash,
		&req.ErrorCode,
		&req.ErrorMessage,
		&req.SourceJobID,
	); err != nil {
		return nil, err
	}
	if idemKey.Valid {
		req.IdempotencyKey = idemKey.String
	}
	return &req, nil
}
