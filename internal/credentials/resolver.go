package credentials

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"

	xerrors "Jinn-Node/internal/errors"
)

// Resolver 按链查找签名私钥。
type Resolver interface {
	Key(chainID int64) (*ecdsa.PrivateKey, error)
}

// FileResolver 从目录中读取 <chainID>.key 文件(十六进制私钥),
// 解析结果按链缓存,密钥文件在进程生命周期内视为不变。
type FileResolver struct {
	dir string

	mu   sync.Mutex
	keys map[int64]*ecdsa.PrivateKey
}

// NewFileResolver 构造基于目录的私钥解析器。
func NewFileResolver(dir string) (*FileResolver, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "私钥目录不能为空")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "私钥目录不可访问")
	}
	if !info.IsDir() {
		return nil, xerrors.New(xerrors.CodeInitializationFailure,
			fmt.Sprintf("私钥路径不是目录: %s", dir))
	}
	return &FileResolver{
		dir:  dir,
		keys: make(map[int64]*ecdsa.PrivateKey),
	}, nil
}

// Key 返回指定链的签名私钥。
func (r *FileResolver) Key(chainID int64) (*ecdsa.PrivateKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if key, ok := r.keys[chainID]; ok {
		return key, nil
	}

	path := filepath.Join(r.dir, fmt.Sprintf("%d.key", chainID))
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNotFound, err,
			fmt.Sprintf("未找到链 %d 的签名私钥", chainID))
	}
	material := strings.TrimSpace(string(content))
	material = strings.TrimPrefix(material, "0x")

	key, err := crypto.HexToECDSA(material)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err,
			fmt.Sprintf("链 %d 的私钥格式非法", chainID))
	}
	r.keys[chainID] = key
	return key, nil
}

// StaticResolver 使用固定的私钥表,主要用于测试。
type StaticResolver map[int64]*ecdsa.PrivateKey

func (r StaticResolver) Key(chainID int64) (*ecdsa.PrivateKey, error) {
	key, ok := r[chainID]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound,
			fmt.Sprintf("未找到链 %d 的签名私钥", chainID))
	}
	return key, nil
}
