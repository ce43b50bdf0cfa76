package executor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "Jinn-Node/internal/errors"
	"Jinn-Node/internal/txqueue"
	"Jinn-Node/pkg/logger"
)

// 执行器错误码,写入队列行的 error_code 字段。
const (
	CodeSignerUnavailable   xerrors.Code = "SIGNER_UNAVAILABLE"
	CodeChainUnavailable    xerrors.Code = "CHAIN_UNAVAILABLE"
	CodeBroadcastFailed     xerrors.Code = "BROADCAST_FAILED"
	CodeExecutionReverted   xerrors.Code = "EXECUTION_REVERTED"
	CodeConfirmationTimeout xerrors.Code = "CONFIRMATION_TIMEOUT"
)

func init() {
	xerrors.Register(CodeSignerUnavailable, xerrors.Attributes{Message: "signer key unavailable", Severity: xerrors.SeverityCritical, Alert: true})
	xerrors.Register(CodeChainUnavailable, xerrors.Attributes{Message: "chain endpoint unavailable", Severity: xerrors.SeverityWarning, Retryable: true})
	xerrors.Register(CodeBroadcastFailed, xerrors.Attributes{Message: "transaction broadcast failed", Severity: xerrors.SeverityWarning, Retryable: true})
	xerrors.Register(CodeExecutionReverted, xerrors.Attributes{Message: "transaction reverted on chain", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeConfirmationTimeout, xerrors.Attributes{Message: "confirmation wait timed out", Severity: xerrors.SeverityWarning, Retryable: true})
}

// Backend 抽象执行器对链节点的全部依赖,*ethclient.Client 天然满足。
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// BackendDialer 按链号解析节点后端。
type BackendDialer func(ctx context.Context, chainID int64) (Backend, error)

// KeyResolver 按链号解析签名私钥。
type KeyResolver interface {
	Key(chainID int64) (*ecdsa.PrivateKey, error)
}

// AccountOption 调整执行器的可选行为。
type AccountOption func(*AccountExecutor)

// WithConfirmTimeout 设置等待回执的超时。
func WithConfirmTimeout(timeout time.Duration) AccountOption {
	return func(e *AccountExecutor) {
		if timeout > 0 {
			e.confirmTimeout = timeout
		}
	}
}

// WithReceiptInterval 设置回执轮询间隔。
func WithReceiptInterval(interval time.Duration) AccountOption {
	return func(e *AccountExecutor) {
		if interval > 0 {
			e.receiptInterval = interval
		}
	}
}

// WithExecutorLogger 替换默认日志器。
func WithExecutorLogger(log *slog.Logger) AccountOption {
	return func(e *AccountExecutor) {
		if log != nil {
			e.logger = log
		}
	}
}

// AccountExecutor 用工作进程直接控制的账户私钥签名并广播交易,
// 阻塞等待链上确认后通过 reporter 回写结论。
//
// 执行器内部维护一张"已广播"表:若同一载荷已经广播过(典型场景是
// 广播成功但状态回写失败,行被租约扫描放回后再次领取),不会二次
// 广播,而是重放上一次的结论。终态一旦成功落库,行不会再被领取,
// 对应条目随即从表中释放,表的大小由此限定在回写失败待重试的载荷数。
type AccountExecutor struct {
	dial            BackendDialer
	keys            KeyResolver
	confirmTimeout  time.Duration
	receiptInterval time.Duration
	logger          *slog.Logger

	mu        sync.Mutex
	broadcast map[string]txqueue.Outcome
}

// NewAccountExecutor 构造直接账户执行器。
func NewAccountExecutor(dial BackendDialer, keys KeyResolver, opts ...AccountOption) *AccountExecutor {
	exec := &AccountExecutor{
		dial:            dial,
		keys:            keys,
		confirmTimeout:  2 * time.Minute,
		receiptInterval: 2 * time.Second,
		logger:          logger.Named("executor"),
		broadcast:       make(map[string]txqueue.Outcome),
	}
	for _, opt := range opts {
		opt(exec)
	}
	return exec
}

// Execute 执行一条直接账户交易。链路内的失败全部折算为带错误码的
// FAILED 结论回写,不向处理器抛出。
func (e *AccountExecutor) Execute(ctx context.Context, req *txqueue.Request, reporter txqueue.StatusReporter) error {
	guard := req.PayloadHash
	if guard == "" {
		guard = txqueue.HashPayload(req.To, req.Data, req.Value, req.ChainID)
	}

	if prior, ok := e.priorOutcome(guard); ok {
		e.logger.Warn("载荷已广播过,重放上次结论",
			slog.String("request_id", req.ID),
			slog.String("payload_hash", guard),
			slog.String("status", string(prior.Status)),
		)
		if err := reporter.Report(ctx, prior); err != nil {
			return err
		}
		e.forget(guard)
		return nil
	}

	key, err := e.keys.Key(req.ChainID)
	if err != nil {
		return e.fail(ctx, req, reporter, CodeSignerUnavailable,
			fmt.Sprintf("解析链 %d 的签名私钥失败: %v", req.ChainID, err))
	}
	backend, err := e.dial(ctx, req.ChainID)
	if err != nil {
		return e.fail(ctx, req, reporter, CodeChainUnavailable,
			fmt.Sprintf("连接链 %d 失败: %v", req.ChainID, err))
	}

	tx, err := e.buildAndSign(ctx, backend, key, req)
	if err != nil {
		return e.fail(ctx, req, reporter, CodeBroadcastFailed,
			fmt.Sprintf("构造交易失败: %v", err))
	}

	if err := backend.SendTransaction(ctx, tx); err != nil {
		return e.fail(ctx, req, reporter, CodeBroadcastFailed,
			fmt.Sprintf("广播交易失败: %v", err))
	}
	txHash := tx.Hash().Hex()
	e.logger.Info("交易已广播",
		slog.String("request_id", req.ID),
		slog.String("tx_hash", txHash),
		slog.Int64("chain_id", req.ChainID),
	)

	outcome := e.awaitReceipt(ctx, backend, tx.Hash(), txHash)
	e.remember(guard, outcome)
	if err := reporter.Report(ctx, outcome); err != nil {
		return err
	}
	e.forget(guard)
	return nil
}

func (e *AccountExecutor) priorOutcome(guard string) (txqueue.Outcome, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	outcome, ok := e.broadcast[guard]
	return outcome, ok
}

func (e *AccountExecutor) remember(guard string, outcome txqueue.Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.broadcast[guard] = outcome
}

func (e *AccountExecutor) forget(guard string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.broadcast, guard)
}

func (e *AccountExecutor) fail(ctx context.Context, req *txqueue.Request, reporter txqueue.StatusReporter, code xerrors.Code, message string) error {
	e.logger.Error("交易执行失败",
		slog.String("request_id", req.ID),
		slog.String("error_code", string(code)),
		slog.String("error_message", message),
	)
	return reporter.Report(ctx, txqueue.Outcome{
		Status:       txqueue.StatusFailed,
		ErrorCode:    string(code),
		ErrorMessage: message,
	})
}

func (e *AccountExecutor) buildAndSign(ctx context.Context, backend Backend, key *ecdsa.PrivateKey, req *txqueue.Request) (*coretypes.Transaction, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)
	to := common.HexToAddress(req.To)

	value, err := parseValue(req.Value)
	if err != nil {
		return nil, err
	}
	data, err := parseData(req.Data)
	if err != nil {
		return nil, err
	}

	nonce, err := backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("查询交易计数失败: %w", err)
	}
	gasTipCap, err := backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询小费上限失败: %w", err)
	}
	head, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("查询最新区块失败: %w", err)
	}
	gasFeeCap := new(big.Int).Set(gasTipCap)
	if head.BaseFee != nil {
		gasFeeCap = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), gasTipCap)
	}
	gasLimit, err := backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return nil, fmt.Errorf("估算 gas 失败: %w", err)
	}

	chainID := big.NewInt(req.ChainID)
	signer := coretypes.LatestSignerForChainID(chainID)
	return coretypes.SignNewTx(key, signer, &coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      data,
	})
}

// awaitReceipt 轮询回执直到确认、回滚或超时。
func (e *AccountExecutor) awaitReceipt(ctx context.Context, backend Backend, hash common.Hash, txHash string) txqueue.Outcome {
	deadline := time.NewTimer(e.confirmTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.receiptInterval)
	defer ticker.Stop()

	for {
		receipt, err := backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == coretypes.ReceiptStatusSuccessful {
				return txqueue.Outcome{Status: txqueue.StatusConfirmed, TxHash: txHash}
			}
			return txqueue.Outcome{
				Status:       txqueue.StatusFailed,
				TxHash:       txHash,
				ErrorCode:    string(CodeExecutionReverted),
				ErrorMessage: fmt.Sprintf("交易 %s 在链上回滚", txHash),
			}
		}
		if err != nil && !isNotFound(err) {
			e.logger.Warn("查询回执失败",
				slog.String("tx_hash", txHash),
				slog.Any("error", err),
			)
		}

		select {
		case <-ctx.Done():
			return txqueue.Outcome{
				Status:       txqueue.StatusFailed,
				TxHash:       txHash,
				ErrorCode:    string(CodeConfirmationTimeout),
				ErrorMessage: fmt.Sprintf("等待交易 %s 确认时被取消: %v", txHash, ctx.Err()),
			}
		case <-deadline.C:
			return txqueue.Outcome{
				Status:       txqueue.StatusFailed,
				TxHash:       txHash,
				ErrorCode:    string(CodeConfirmationTimeout),
				ErrorMessage: fmt.Sprintf("交易 %s 在 %s 内未确认", txHash, e.confirmTimeout),
			}
		case <-ticker.C:
		}
	}
}

func parseValue(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		value, err := hexutil.DecodeBig(strings.ToLower(trimmed))
		if err != nil {
			return nil, fmt.Errorf("转账金额格式非法: %q", raw)
		}
		return value, nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("转账金额格式非法: %q", raw)
	}
	return value, nil
}

func parseData(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "0x" {
		return nil, nil
	}
	data, err := hexutil.Decode(trimmed)
	if err != nil {
		return nil, fmt.Errorf("调用数据格式非法: %q", raw)
	}
	return data, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ethereum.NotFound) || strings.Contains(err.Error(), "not found")
}
