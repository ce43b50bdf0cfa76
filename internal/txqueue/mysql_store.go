package txqueue

import (
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "Jinn-Node/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLConfig 描述共享数据库后端的连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MySQLStore 让多台工作节点共享同一个 MySQL 库做队列协调。领取契约与
// 本地存储完全一致：条件更新加受影响行数判定，跨机器并发安全。
type MySQLStore struct {
	sqlStore
}

// NewMySQLStore 建立连接并初始化表结构。
func NewMySQLStore(cfg MySQLConfig, opts ...StoreOption) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 20
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 10
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 10 * time.Minute
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{sqlStore: sqlStore{
		db:          db,
		isDuplicate: isMySQLDuplicate,
		now:         time.Now,
		lease:       ClaimLeaseTimeout,
	}}
	for _, opt := range opts {
		if opt != nil {
			opt(&store.sqlStore)
		}
	}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS tx_requests (
        id VARCHAR(64) PRIMARY KEY,
        idempotency_key VARCHAR(191) NULL,
        payload_hash VARCHAR(66) NOT NULL DEFAULT '',
        to_address VARCHAR(255) NOT NULL,
        call_data MEDIUMTEXT NOT NULL,
        value VARCHAR(80) NOT NULL DEFAULT '0',
        chain_id BIGINT NOT NULL,
        status VARCHAR(16) NOT NULL,
        strategy VARCHAR(32) NOT NULL,
        attempt_count INT NOT NULL DEFAULT 0,
        worker_id VARCHAR(128) NOT NULL DEFAULT '',
        claimed_at BIGINT NOT NULL DEFAULT 0,
        completed_at BIGINT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        tx_hash VARCHAR(66) NOT NULL DEFAULT '',
        contract_wallet_tx_hash VARCHAR(66) NOT NULL DEFAULT '',
        error_code VARCHAR(64) NOT NULL DEFAULT '',
        error_message TEXT NOT NULL,
        source_job_id VARCHAR(64) NOT NULL DEFAULT '',
        UNIQUE KEY uniq_tx_idempotency (idempotency_key),
        INDEX idx_tx_status_created (status, created_at),
        INDEX idx_tx_claimed (status, claimed_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 tx_requests 表失败")
	}
	return nil
}

func isMySQLDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	return stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

var _ Store = (*MySQLStore)(nil)
