package txqueue

import (
	"database/sql"
	stdErrors "errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	xerrors "Jinn-Node/internal/errors"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// SQLiteConfig 描述本地队列存储的打开参数。
type SQLiteConfig struct {
	// Path 是数据库文件路径。
	Path string
	// Synchronous 控制落盘强度，可选 "normal"（默认，配合 WAL）或 "full"。
	Synchronous string
	// BusyTimeout 是写锁竞争时的等待时长，默认 5 秒。
	BusyTimeout time.Duration
}

// SQLiteStore 是面向自托管工作节点的本地持久化队列。文件以 WAL 日志模式
// 打开，领取契约依靠 SQLite 的事务性条件更新实现，同一台机器上的多个
// 进程也无法重复领取同一行。
type SQLiteStore struct {
	sqlStore
}

// StoreOption 调整 SQL 后端的内部参数，主要供测试使用。
type StoreOption func(*sqlStore)

// WithStoreClock 覆盖默认时钟。
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *sqlStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithStoreLease 覆盖默认租约时长。
func WithStoreLease(d time.Duration) StoreOption {
	return func(s *sqlStore) {
		if d > 0 {
			s.lease = d
		}
	}
}

// NewSQLiteStore 打开（必要时创建）本地队列数据库。
func NewSQLiteStore(cfg SQLiteConfig, opts ...StoreOption) (*SQLiteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "SQLite 路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}

	synchronous := "NORMAL"
	if strings.EqualFold(cfg.Synchronous, "full") {
		synchronous = "FULL"
	}
	busyTimeout := cfg.BusyTimeout
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=%s&_busy_timeout=%d",
		url.PathEscape(path), synchronous, busyTimeout.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 SQLite 数据库失败")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法访问 SQLite 数据库")
	}

	store := &SQLiteStore{sqlStore: sqlStore{
		db:          db,
		isDuplicate: isSQLiteDuplicate,
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

func (s *SQLiteStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS tx_requests (
        id TEXT PRIMARY KEY,
        idempotency_key TEXT,
        payload_hash TEXT NOT NULL DEFAULT '',
        to_address TEXT NOT NULL,
        call_data TEXT NOT NULL DEFAULT '',
        value TEXT NOT NULL DEFAULT '0',
        chain_id INTEGER NOT NULL,
        status TEXT NOT NULL,
        strategy TEXT NOT NULL,
        attempt_count INTEGER NOT NULL DEFAULT 0,
        worker_id TEXT NOT NULL DEFAULT '',
        claimed_at INTEGER NOT NULL DEFAULT 0,
        completed_at INTEGER NOT NULL DEFAULT 0,
        created_at INTEGER NOT NULL,
        updated_at INTEGER NOT NULL,
        tx_hash TEXT NOT NULL DEFAULT '',
        contract_wallet_tx_hash TEXT NOT NULL DEFAULT '',
        error_code TEXT NOT NULL DEFAULT '',
        error_message TEXT NOT NULL DEFAULT '',
        source_job_id TEXT NOT NULL DEFAULT ''
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 tx_requests 表失败")
	}
	stmts := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tx_idempotency ON tx_requests(idempotency_key) WHERE idempotency_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_tx_status_created ON tx_requests(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tx_claimed ON tx_requests(status, claimed_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 tx_requests 索引失败")
		}
	}
	return nil
}

func isSQLiteDuplicate(err error) bool {
	var sqliteErr sqlite3.Error
	if !stdErrors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

var _ Store = (*SQLiteStore)(nil)
