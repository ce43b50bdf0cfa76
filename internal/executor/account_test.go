package executor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"Jinn-Node/internal/txqueue"
)

// fakeBackend 模拟链节点,按预设行为响应执行器的调用。
type fakeBackend struct {
	sendErr       error
	receiptStatus uint64
	receiptAfter  int

	sent     atomic.Int32
	receipts atomic.Int32
}

func (b *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 7, nil
}

func (b *fakeBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(2), nil
}

func (b *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error) {
	return &coretypes.Header{BaseFee: big.NewInt(100)}, nil
}

func (b *fakeBackend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}

func (b *fakeBackend) SendTransaction(ctx context.Context, tx *coretypes.Transaction) error {
	b.sent.Add(1)
	return b.sendErr
}

func (b *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error) {
	if int(b.receipts.Add(1)) <= b.receiptAfter {
		return nil, ethereum.NotFound
	}
	return &coretypes.Receipt{Status: b.receiptStatus}, nil
}

// recordingReporter 记录执行器上报的全部结论。
type recordingReporter struct {
	outcomes []txqueue.Outcome
}

func (r *recordingReporter) Report(ctx context.Context, outcome txqueue.Outcome) error {
	r.outcomes = append(r.outcomes, outcome)
	return nil
}

// flakyReporter 先失败指定次数,之后与 recordingReporter 行为一致。
type flakyReporter struct {
	recordingReporter
	failures int
}

func (r *flakyReporter) Report(ctx context.Context, outcome txqueue.Outcome) error {
	if r.failures > 0 {
		r.failures--
		return errors.New("status write unavailable")
	}
	return r.recordingReporter.Report(ctx, outcome)
}

type staticKeys map[int64]*ecdsa.PrivateKey

func (k staticKeys) Key(chainID int64) (*ecdsa.PrivateKey, error) {
	key, ok := k[chainID]
	if !ok {
		return nil, fmt.Errorf("no key for chain %d", chainID)
	}
	return key, nil
}

func newTestExecutor(t *testing.T, backend Backend) *AccountExecutor {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keys := staticKeys{1: key}
	dial := func(ctx context.Context, chainID int64) (Backend, error) {
		if backend == nil {
			return nil, errors.New("no backend")
		}
		return backend, nil
	}
	return NewAccountExecutor(dial, keys,
		executorFastOptions()...,
	)
}

func executorFastOptions() []AccountOption {
	return []AccountOption{
		WithConfirmTimeout(200 * time.Millisecond),
		WithReceiptInterval(10 * time.Millisecond),
	}
}

func newExecRequest(id string) *txqueue.Request {
	return &txqueue.Request{
		ID:       id,
		To:       "0x00000000000000000000000000000000000000aa",
		Data:     "0x01",
		Value:    "0",
		ChainID:  1,
		Status:   txqueue.StatusClaimed,
		Strategy: txqueue.StrategyDirectAccount,
	}
}

func TestAccountExecutorConfirms(t *testing.T) {
	backend := &fakeBackend{receiptStatus: coretypes.ReceiptStatusSuccessful, receiptAfter: 1}
	exec := newTestExecutor(t, backend)
	reporter := &recordingReporter{}

	if err := exec.Execute(context.Background(), newExecRequest("r1"), reporter); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(reporter.outcomes) != 1 {
		t.Fatalf("expected one outcome, got %d", len(reporter.outcomes))
	}
	outcome := reporter.outcomes[0]
	if outcome.Status != txqueue.StatusConfirmed {
		t.Fatalf("expected confirmed, got %+v", outcome)
	}
	if outcome.TxHash == "" {
		t.Fatal("expected tx hash to be reported")
	}
	if backend.sent.Load() != 1 {
		t.Fatalf("expected one broadcast, got %d", backend.sent.Load())
	}
}

func TestAccountExecutorReportsRevert(t *testing.T) {
	backend := &fakeBackend{receiptStatus: coretypes.ReceiptStatusFailed}
	exec := newTestExecutor(t, backend)
	reporter := &recordingReporter{}

	if err := exec.Execute(context.Background(), newExecRequest("r1"), reporter); err != nil {
		t.Fatalf("execute: %v", err)
	}
	outcome := reporter.outcomes[0]
	if outcome.Status != txqueue.StatusFailed || outcome.ErrorCode != string(CodeExecutionReverted) {
		t.Fatalf("expected reverted outcome, got %+v", outcome)
	}
	if outcome.TxHash == "" {
		t.Fatal("revert outcome should still carry the tx hash")
	}
}

func TestAccountExecutorReportsBroadcastFailure(t *testing.T) {
	backend := &fakeBackend{sendErr: errors.New("nonce too low")}
	exec := newTestExecutor(t, backend)
	reporter := &recordingReporter{}

	if err := exec.Execute(context.Background(), newExecRequest("r1"), reporter); err != nil {
		t.Fatalf("execute: %v", err)
	}
	outcome := reporter.outcomes[0]
	if outcome.Status != txqueue.StatusFailed || outcome.ErrorCode != string(CodeBroadcastFailed) {
		t.Fatalf("expected broadcast failure, got %+v", outcome)
	}

	// 广播从未成功,重试时允许再次广播。
	reporter2 := &recordingReporter{}
	if err := exec.Execute(context.Background(), newExecRequest("r1"), reporter2); err != nil {
		t.Fatalf("re-execute: %v", err)
	}
	if backend.sent.Load() != 2 {
		t.Fatalf("expected a second broadcast attempt, got %d", backend.sent.Load())
	}
}

func TestAccountExecutorSignerUnavailable(t *testing.T) {
	backend := &fakeBackend{receiptStatus: coretypes.ReceiptStatusSuccessful}
	exec := newTestExecutor(t, backend)
	reporter := &recordingReporter{}

	req := newExecRequest("r1")
	req.ChainID = 999
	if err := exec.Execute(context.Background(), req, reporter); err != nil {
		t.Fatalf("execute: %v", err)
	}
	outcome := reporter.outcomes[0]
	if outcome.ErrorCode != string(CodeSignerUnavailable) {
		t.Fatalf("expected signer unavailable, got %+v", outcome)
	}
	if backend.sent.Load() != 0 {
		t.Fatal("must not broadcast without a signer")
	}

	// guard 只记录已广播的载荷。
	if len(exec.broadcast) != 0 {
		t.Fatal("unbroadcast payload must not enter the guard table")
	}
}

func TestAccountExecutorConfirmationTimeout(t *testing.T) {
	backend := &fakeBackend{receiptStatus: coretypes.ReceiptStatusSuccessful, receiptAfter: 1 << 30}
	exec := newTestExecutor(t, backend)
	reporter := &recordingReporter{}

	if err := exec.Execute(context.Background(), newExecRequest("r1"), reporter); err != nil {
		t.Fatalf("execute: %v", err)
	}
	outcome := reporter.outcomes[0]
	if outcome.Status != txqueue.StatusFailed || outcome.ErrorCode != string(CodeConfirmationTimeout) {
		t.Fatalf("expected confirmation timeout, got %+v", outcome)
	}
}

func TestAccountExecutorDuplicateGuard(t *testing.T) {
	backend := &fakeBackend{receiptStatus: coretypes.ReceiptStatusSuccessful, receiptAfter: 1}
	exec := newTestExecutor(t, backend)

	// 广播成功但终态回写失败:结论必须留在守卫表里等待重试。
	first := &flakyReporter{failures: 1}
	if err := exec.Execute(context.Background(), newExecRequest("r1"), first); err == nil {
		t.Fatal("first execute should surface the failed status write")
	}
	if len(exec.broadcast) != 1 {
		t.Fatalf("expected outcome to be retained for replay, guard size %d", len(exec.broadcast))
	}

	// 同一载荷再次被领取(回写失败后租约过期放回),执行器必须重放
	// 上一次的结论而不是二次广播。
	second := &recordingReporter{}
	if err := exec.Execute(context.Background(), newExecRequest("r1-retry"), second); err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if backend.sent.Load() != 1 {
		t.Fatalf("duplicate payload must not be rebroadcast, got %d sends", backend.sent.Load())
	}
	if len(second.outcomes) != 1 || second.outcomes[0].Status != txqueue.StatusConfirmed {
		t.Fatalf("expected prior outcome to be replayed, got %+v", second.outcomes)
	}
	// 重放落库成功后条目释放,守卫表不随历史载荷无限增长。
	if len(exec.broadcast) != 0 {
		t.Fatalf("guard entry should be evicted after the terminal write, size %d", len(exec.broadcast))
	}
}

func TestAccountExecutorGuardEvictedAfterReport(t *testing.T) {
	backend := &fakeBackend{receiptStatus: coretypes.ReceiptStatusSuccessful, receiptAfter: 1}
	exec := newTestExecutor(t, backend)

	for i := 0; i < 4; i++ {
		reporter := &recordingReporter{}
		req := newExecRequest(fmt.Sprintf("r%d", i))
		req.Data = fmt.Sprintf("0x0%d", i+1)
		if err := exec.Execute(context.Background(), req, reporter); err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
	}
	if len(exec.broadcast) != 0 {
		t.Fatalf("guard table should stay empty after successful writes, size %d", len(exec.broadcast))
	}
	if backend.sent.Load() != 4 {
		t.Fatalf("expected 4 broadcasts, got %d", backend.sent.Load())
	}
}

func TestParseValue(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "", want: 0},
		{in: "0", want: 0},
		{in: "1000000000000000000", want: 1_000_000_000_000_000_000},
		{in: "0x10", want: 16},
		{in: "-5", wantErr: true},
		{in: "abc", wantErr: true},
	}
	for _, tc := range cases {
		got, err := parseValue(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseValue(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseValue(%q): %v", tc.in, err)
			continue
		}
		if got.Int64() != tc.want {
			t.Errorf("parseValue(%q) = %s, want %d", tc.in, got, tc.want)
		}
	}
}
