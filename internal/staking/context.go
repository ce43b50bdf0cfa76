package staking

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"Jinn-Node/pkg/logger"
)

// operateABI 是质押合约中工作进程会触达的最小方法面。
const operateABI = `[
  {"type":"function","name":"stakeOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"operate","stateMutability":"nonpayable","inputs":[{"name":"action","type":"uint8"},{"name":"payload","type":"bytes"}],"outputs":[]}
]`

// Config 描述质押上下文的构造参数。
type Config struct {
	Enabled         bool   `json:"enabled"`
	ContractAddress string `json:"contract_address"`
	ChainID         int64  `json:"chain_id"`
}

// Context 持有质押合约的绑定句柄,供上层查询与操作质押状态。
type Context struct {
	ChainID  int64
	Address  common.Address
	Contract *bind.BoundContract
}

// NewContext 尝试构造质押上下文。质押是叠加在核心交易执行之上的可选
// 能力:任何一步失败都只记录告警并返回 nil,绝不向上抛错,核心的
// 领取/执行/回写链路不受影响。
func NewContext(cfg Config, backend bind.ContractBackend, log *slog.Logger) *Context {
	if log == nil {
		log = logger.Named("staking")
	}
	if !cfg.Enabled {
		return nil
	}

	if !common.IsHexAddress(cfg.ContractAddress) {
		log.Warn("质押合约地址非法,质押功能不可用",
			slog.String("contract_address", cfg.ContractAddress),
		)
		return nil
	}
	if cfg.ChainID <= 0 {
		log.Warn("质押配置缺少链号,质押功能不可用",
			slog.Int64("chain_id", cfg.ChainID),
		)
		return nil
	}
	if backend == nil {
		log.Warn("质押链节点不可用,质押功能不可用",
			slog.Int64("chain_id", cfg.ChainID),
		)
		return nil
	}

	parsedABI, err := abi.JSON(strings.NewReader(operateABI))
	if err != nil {
		log.Warn("解析质押合约 ABI 失败,质押功能不可用",
			slog.Any("error", err),
		)
		return nil
	}

	address := common.HexToAddress(cfg.ContractAddress)
	contract := bind.NewBoundContract(address, parsedABI, backend, backend, backend)
	log.Info("质押上下文已就绪",
		slog.String("contract_address", address.Hex()),
		slog.Int64("chain_id", cfg.ChainID),
	)
	return &Context{
		ChainID:  cfg.ChainID,
		Address:  address,
		Contract: contract,
	}
}

// StakeOf 查询指定账户的质押额。
func (c *Context) StakeOf(ctx context.Context, account common.Address) (string, error) {
	var out []any
	if err := c.Contract.Call(&bind.CallOpts{Context: ctx}, &out, "stakeOf", account); err != nil {
		return "", fmt.Errorf("查询质押额失败: %w", err)
	}
	if len(out) == 0 {
		return "0", nil
	}
	return fmt.Sprintf("%v", out[0]), nil
}
