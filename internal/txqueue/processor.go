package txqueue

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	xerrors "Jinn-Node/internal/errors"
	"Jinn-Node/internal/observability/alerting"
	"Jinn-Node/internal/observability/metrics"
	"Jinn-Node/pkg/logger"
)

// Outcome 是执行器对一次交易尝试的结论。
type Outcome struct {
	Status       Status
	TxHash       string
	ErrorCode    string
	ErrorMessage string
}

// StatusReporter 是执行器回写结论的唯一通道。实现负责把执行器的结论
// 翻译为 Store 契约的状态写入。
type StatusReporter interface {
	Report(ctx context.Context, outcome Outcome) error
}

// Executor 定义处理器所需的交易执行能力。
type Executor interface {
	Execute(ctx context.Context, req *Request, reporter StatusReporter) error
}

// Processor 驱动一次轮询步骤：领取、按策略路由、执行、回写终态。
// 处理器是整个周期的错误边界，单条请求的任何失败都不会中断后续轮询。
type Processor struct {
	store        Store
	executor     Executor
	workerID     string
	pollInterval time.Duration
	notifier     Consumer
	logger       *slog.Logger
	alerter      alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithPollInterval 设置轮询间隔。
func WithPollInterval(interval time.Duration) ProcessorOption {
	return func(p *Processor) {
		if interval > 0 {
			p.pollInterval = interval
		}
	}
}

// WithWakeConsumer 挂接入队唤醒通道，缩短空闲轮询的延迟。
func WithWakeConsumer(consumer Consumer) ProcessorOption {
	return func(p *Processor) {
		p.notifier = consumer
	}
}

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(log *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = log
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(store Store, executor Executor, workerID string, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:        store,
		executor:     executor,
		workerID:     workerID,
		pollInterval: 5 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("processor")
	}
	return p
}

// ProcessOnce 执行一次轮询步骤。返回值指示本次是否领取到了请求。
func (p *Processor) ProcessOnce(ctx context.Context) (bool, error) {
	if p.store == nil || p.executor == nil {
		return false, xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}

	req, err := p.store.Claim(ctx, p.workerID)
	if err != nil {
		if stdErrors.Is(err, ErrNoneClaimable) {
			p.logger.Debug("没有可领取的请求", slog.String("worker_id", p.workerID))
			return false, nil
		}
		p.logger.Error("领取请求失败", slog.Any("error", err), slog.String("worker_id", p.workerID))
		return false, xerrors.Wrap(CodeClaimFailure, err, "领取交易请求失败")
	}

	metrics.ClaimsTotal.WithLabelValues(p.workerID).Inc()
	started := time.Now()
	p.dispatch(ctx, req)
	metrics.ProcessingSeconds.WithLabelValues(strconv.FormatInt(req.ChainID, 10)).
		Observe(time.Since(started).Seconds())
	return true, nil
}

// dispatch 按执行策略路由并调用执行器。任何从路由或执行器逃逸的异常
// 都在这里收敛为 FAILED/ROUTING_ERROR。
func (p *Processor) dispatch(ctx context.Context, req *Request) {
	var dispatchErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				dispatchErr = fmt.Errorf("panic: %v", r)
			}
		}()
		p.routeStrategy(req)
		reporter := &storeReporter{store: p.store, request: req, logger: p.logger}
		dispatchErr = p.executor.Execute(ctx, req, reporter)
	}()
	if dispatchErr == nil {
		return
	}

	p.logger.Error("路由或执行失败",
		slog.Any("error", dispatchErr),
		slog.String("request_id", req.ID),
	)
	update := StatusUpdate{
		ErrorCode:    string(CodeRoutingError),
		ErrorMessage: dispatchErr.Error(),
	}
	if err := p.store.UpdateStatus(ctx, req.ID, StatusFailed, update); err != nil {
		p.logger.Error("回写失败状态出错", slog.Any("error", err), slog.String("request_id", req.ID))
	}
	metrics.FailedTotal.WithLabelValues(string(CodeRoutingError)).Inc()
	p.emitAlert(ctx, req, CodeRoutingError, dispatchErr)
}

// routeStrategy 归一化执行策略。合约钱包路径已废弃，一律降级为直接
// 账户执行；未知取值同样降级，两种情况都记录告警日志。
func (p *Processor) routeStrategy(req *Request) {
	switch req.Strategy {
	case StrategyDirectAccount:
	case StrategyContractWallet:
		p.logger.Warn("合约钱包策略已废弃，降级为直接账户执行",
			slog.String("request_id", req.ID))
		req.Strategy = StrategyDirectAccount
	default:
		p.logger.Warn("未知的执行策略，降级为直接账户执行",
			slog.String("request_id", req.ID),
			slog.String("strategy", string(req.Strategy)))
		req.Strategy = StrategyDirectAccount
	}
}

// Run 启动轮询循环，直到上下文取消。配置了唤醒通道时，入队信号会立即
// 触发一轮领取，否则按固定间隔轮询。领取与执行只发生在本循环内：同一
// 工作进程任意时刻最多执行一条已领取的请求。
func (p *Processor) Run(ctx context.Context) error {
	// 唤醒信号先汇入带缓冲的 channel 再由主循环消费，积压的信号会被
	// 合并成一轮领取，不会产生并发执行。
	wake := make(chan struct{}, 1)
	if p.notifier != nil {
		go func() {
			err := p.notifier.Consume(ctx, func(ctx context.Context, _ string) error {
				select {
				case wake <- struct{}{}:
				default:
				}
				return nil
			})
			if err != nil && !stdErrors.Is(err, context.Canceled) {
				p.logger.Warn("唤醒通道退出", slog.Any("error", err))
			}
		}()
	}

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.drain(ctx)
		case <-wake:
			p.drain(ctx)
		}
	}
}

// drain 连续领取直到队列为空或出错。
func (p *Processor) drain(ctx context.Context) {
	for {
		claimed, err := p.ProcessOnce(ctx)
		if err != nil || !claimed {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (p *Processor) emitAlert(ctx context.Context, req *Request, code xerrors.Code, cause error) {
	if p == nil || p.alerter == nil || req == nil {
		return
	}
	message := xerrors.AttributesOf(code).Message
	if cause != nil {
		message = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   xerrors.AttributesOf(code).Severity,
		RequestID:  req.ID,
		WorkerID:   p.workerID,
		Attempt:    req.AttemptCount,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("request_id", req.ID),
		)
	}
}

// storeReporter 把执行器的结论翻译为 Store 的状态写入。
type storeReporter struct {
	store   Store
	request *Request
	logger  *slog.Logger
}

// Report 实现 StatusReporter。
func (r *storeReporter) Report(ctx context.Context, outcome Outcome) error {
	status := outcome.Status
	if status != StatusConfirmed && status != StatusFailed {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行结论必须为终态")
	}
	update := StatusUpdate{
		TxHash:       outcome.TxHash,
		ErrorCode:    outcome.ErrorCode,
		ErrorMessage: outcome.ErrorMessage,
		CompletedAt:  time.Now().Unix(),
	}
	if err := r.store.UpdateStatus(ctx, r.request.ID, status, update); err != nil {
		return err
	}
	if status == StatusConfirmed {
		metrics.ConfirmedTotal.WithLabelValues(strconv.FormatInt(r.request.ChainID, 10)).Inc()
		logger.Audit().Info("交易确认成功",
			slog.String("request_id", r.request.ID),
			slog.String("tx_hash", outcome.TxHash),
			slog.Int64("chain_id", r.request.ChainID),
		)
	} else {
		metrics.FailedTotal.WithLabelValues(outcome.ErrorCode).Inc()
		logger.Audit().Warn("交易执行失败",
			slog.String("request_id", r.request.ID),
			slog.String("error_code", outcome.ErrorCode),
			slog.String("error_message", outcome.ErrorMessage),
			slog.Int("attempt_count", r.request.AttemptCount),
		)
	}
	return nil
}

var _ StatusReporter = (*storeReporter)(nil)
