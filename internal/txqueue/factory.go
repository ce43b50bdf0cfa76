package txqueue

import (
	"fmt"
	"strings"

	xerrors "Jinn-Node/internal/errors"
)

// FactoryConfig 选择队列后端并携带各自的连接参数。
type FactoryConfig struct {
	// Backend 可选 "sqlite"、"mysql"、"remote" 或 "memory"（测试）。
	Backend string
	SQLite  SQLiteConfig
	MySQL   MySQLConfig
	Remote  RemoteConfig
}

// NewStore 根据配置构造对应的队列后端。调用方只依赖 Store 契约，
// 不感知实际后端。
func NewStore(cfg FactoryConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "sqlite", "local":
		return NewSQLiteStore(cfg.SQLite)
	case "mysql":
		return NewMySQLStore(cfg.MySQL)
	case "remote":
		return NewRemoteStore(cfg.Remote)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("未知的队列后端: %s", cfg.Backend))
	}
}
