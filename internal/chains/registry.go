package chains

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"gopkg.in/yaml.v3"

	xerrors "Jinn-Node/internal/errors"
)

// Definitions models the structure of configs/chains.yaml.
type Definitions struct {
	Chains []Definition `yaml:"chains"`
}

// Definition describes a single chain endpoint definition.
type Definition struct {
	ChainID     int64  `yaml:"chain_id"`
	RPCURL      string `yaml:"rpc_url"`
	Description string `yaml:"description"`
}

// LoadDefinitions parses the YAML file containing chain metadata.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	return defs, nil
}

// Registry 持有每条链的 RPC 连接。连接按需建立、进程内复用，作为显式
// 服务对象在启动时构造并传引用给执行器，进程退出时统一关闭。
type Registry struct {
	mu      sync.Mutex
	defs    map[int64]Definition
	clients map[int64]*ethclient.Client
}

// NewRegistry 基于链定义构造 Registry。
func NewRegistry(defs Definitions) (*Registry, error) {
	indexed := make(map[int64]Definition, len(defs.Chains))
	for _, def := range defs.Chains {
		if def.ChainID <= 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("链定义缺少合法的 chain_id: %+v", def))
		}
		if strings.TrimSpace(def.RPCURL) == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("链 %d 缺少 RPC 地址", def.ChainID))
		}
		indexed[def.ChainID] = def
	}
	return &Registry{
		defs:    indexed,
		clients: make(map[int64]*ethclient.Client),
	}, nil
}

// Endpoint 返回指定链的 RPC 地址。
func (r *Registry) Endpoint(chainID int64) (string, error) {
	def, ok := r.defs[chainID]
	if !ok {
		return "", xerrors.New(xerrors.CodeNotFound,
			fmt.Sprintf("未配置链 %d 的 RPC 地址", chainID))
	}
	return def.RPCURL, nil
}

// Client 返回指定链的 RPC 客户端，必要时建立连接。
func (r *Registry) Client(ctx context.Context, chainID int64) (*ethclient.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[chainID]; ok {
		return client, nil
	}
	def, ok := r.defs[chainID]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound,
			fmt.Sprintf("未配置链 %d 的 RPC 地址", chainID))
	}
	rpcClient, err := gethrpc.DialContext(ctx, def.RPCURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkFailure, err,
			fmt.Sprintf("连接链 %d 的节点失败", chainID))
	}
	client := ethclient.NewClient(rpcClient)
	r.clients[chainID] = client
	return client, nil
}

// Close 释放全部 RPC 连接。
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, client := range r.clients {
		client.Close()
		delete(r.clients, id)
	}
}
