package txqueue

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	xerrors "Jinn-Node/internal/errors"
)

// Status 表示交易请求在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Strategy 表示交易的执行策略。
type Strategy string

const (
	// StrategyDirectAccount 由工作节点直接持有的账户签名并广播交易。
	StrategyDirectAccount Strategy = "direct_account"
	// StrategyContractWallet 是已废弃的多签合约钱包路径，仅为历史数据保留。
	StrategyContractWallet Strategy = "contract_wallet"
)

// ClaimLeaseTimeout 是 claimed 状态的租约时长。超过该时长仍未写入终态的
// 请求会在下一次扫描时回退为 pending 并累加 attempt_count。
const ClaimLeaseTimeout = 10 * time.Minute

// Request 描述一次排队等待上链的交易请求。
type Request struct {
	ID                   string   `json:"id"`
	IdempotencyKey       string   `json:"idempotency_key,omitempty"`
	PayloadHash          string   `json:"payload_hash"`
	To                   string   `json:"to"`
	Data                 string   `json:"data,omitempty"`
	Value                string   `json:"value"`
	ChainID              int64    `json:"chain_id"`
	Status               Status   `json:"status"`
	Strategy             Strategy `json:"strategy"`
	AttemptCount         int      `json:"attempt_count"`
	WorkerID             string   `json:"worker_id,omitempty"`
	ClaimedAt            int64    `json:"claimed_at,omitempty"`
	CompletedAt          int64    `json:"completed_at,omitempty"`
	CreatedAt            int64    `json:"created_at"`
	UpdatedAt            int64    `json:"updated_at"`
	TxHash               string   `json:"tx_hash,omitempty"`
	ContractWalletTxHash string   `json:"contract_wallet_tx_hash,omitempty"`
	ErrorCode            string   `json:"error_code,omitempty"`
	ErrorMessage         string   `json:"error_message,omitempty"`
	SourceJobID          string   `json:"source_job_id,omitempty"`
}

// Terminal 判断请求是否已进入不可变更的终态。
func (r *Request) Terminal() bool {
	if r == nil {
		return false
	}
	return r.Status == StatusConfirmed || r.Status == StatusFailed
}

// HashPayload 对交易负载做确定性摘要，供去重与审计使用。
func HashPayload(to, data, value string, chainID int64) string {
	canonical := fmt.Sprintf("%s|%s|%s|%d",
		strings.ToLower(strings.TrimSpace(to)),
		strings.ToLower(strings.TrimSpace(data)),
		strings.TrimSpace(value),
		chainID,
	)
	sum := sha256.Sum256([]byte(canonical))
	return "0x" + hex.EncodeToString(sum[:])
}

var (
	// ErrRequestNotFound 表示指定的交易请求不存在。
	ErrRequestNotFound = xerrors.New(CodeRequestNotFound, "transaction request not found")
	// ErrNoneClaimable 表示当前没有可领取的请求。
	ErrNoneClaimable = xerrors.New(CodeNoneClaimable, "no claimable request", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrDuplicateRequest 表示幂等键冲突，已存在等价的请求。
	ErrDuplicateRequest = xerrors.New(CodeRequestConflict, "duplicate transaction request", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeRequestNotFound   xerrors.Code = "TX_REQUEST_NOT_FOUND"
	CodeNoneClaimable     xerrors.Code = "TX_NONE_CLAIMABLE"
	CodeRequestConflict   xerrors.Code = "TX_REQUEST_CONFLICT"
	CodeRequestValidation xerrors.Code = "TX_REQUEST_VALIDATION_FAILED"
	CodeClaimFailure      xerrors.Code = "TX_CLAIM_FAILED"
	CodeRoutingError      xerrors.Code = "ROUTING_ERROR"
)

func init() {
	xerrors.Register(CodeRequestNotFound, xerrors.Attributes{
		Message:   "transaction request not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNoneClaimable, xerrors.Attributes{
		Message:   "no claimable request",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeRequestConflict, xerrors.Attributes{
		Message:   "duplicate transaction request",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRequestValidation, xerrors.Attributes{
		Message:   "transaction request validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeClaimFailure, xerrors.Attributes{
		Message:   "failed to claim transaction request",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeRoutingError, xerrors.Attributes{
		Message:   "failed to route transaction request",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusClaimed, StatusConfirmed, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneRequest(req *Request) *Request {
	if req == nil {
		return nil
	}
	clone := *req
	return &clone
}
