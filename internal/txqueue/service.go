package txqueue

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "Jinn-Node/internal/errors"
	"Jinn-Node/pkg/logger"
)

// Submission 描述调用方提交的交易意图。
type Submission struct {
	IdempotencyKey string
	To             string
	Data           string
	Value          string
	ChainID        int64
	Strategy       Strategy
	SourceJobID    string
}

// Service 是入队的前门：负责幂等键折叠、ID 分配与负载摘要。
type Service struct {
	store    Store
	notifier Producer
}

// NewService 构造入队服务。notifier 可以为 nil。
func NewService(store Store, notifier Producer) *Service {
	return &Service{store: store, notifier: notifier}
}

// Enqueue 创建一条新的交易请求。携带相同非空幂等键的重复提交会折叠到
// 同一行，永远不会产生第二条记录。
func (s *Service) Enqueue(ctx context.Context, sub Submission) (*Request, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "入队服务未初始化")
	}
	if strings.TrimSpace(sub.To) == "" {
		return nil, xerrors.New(CodeRequestValidation, "目标地址不能为空")
	}
	if sub.ChainID <= 0 {
		return nil, xerrors.New(CodeRequestValidation, "链 ID 必须为正数")
	}
	value := strings.TrimSpace(sub.Value)
	if value == "" {
		value = "0"
	}
	strategy := sub.Strategy
	if strategy == "" {
		strategy = StrategyDirectAccount
	}

	idemKey := strings.TrimSpace(sub.IdempotencyKey)
	if idemKey != "" {
		existing, err := s.store.FindByIdempotencyKey(ctx, idemKey)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrRequestNotFound) {
			return nil, err
		}
	}

	req := &Request{
		ID:             uuid.NewString(),
		IdempotencyKey: idemKey,
		PayloadHash:    HashPayload(sub.To, sub.Data, value, sub.ChainID),
		To:             sub.To,
		Data:           sub.Data,
		Value:          value,
		ChainID:        sub.ChainID,
		Status:         StatusPending,
		Strategy:       strategy,
		SourceJobID:    sub.SourceJobID,
	}

	if err := s.store.Enqueue(ctx, req); err != nil {
		if stdErrors.Is(err, ErrDuplicateRequest) && idemKey != "" {
			// 与并发提交撞上了幂等键，返回已存在的那一行。
			existing, getErr := s.store.FindByIdempotencyKey(ctx, idemKey)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrRequestNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}

	if s.notifier != nil {
		// 唤醒信号只影响轮询延迟，失败不回滚入队。
		if err := s.notifier.Publish(ctx, req.ID); err != nil {
			logger.L().Warn("发布入队唤醒信号失败",
				slog.Any("error", err), slog.String("request_id", req.ID))
		}
	}
	logger.Audit().Info("交易请求已入队",
		slog.String("request_id", req.ID),
		slog.String("to", req.To),
		slog.Int64("chain_id", req.ChainID),
		slog.String("strategy", string(req.Strategy)),
		slog.String("source_job_id", req.SourceJobID),
	)
	return req, nil
}

// Get 返回指定请求的状态。
func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "入队服务未初始化")
	}
	return s.store.Get(ctx, id)
}

// Metrics 返回队列统计投影。
func (s *Service) Metrics(ctx context.Context) (QueueMetrics, error) {
	if s.store == nil {
		return QueueMetrics{}, xerrors.New(xerrors.CodeInitializationFailure, "入队服务未初始化")
	}
	return s.store.Metrics(ctx)
}

// WaitUntilTerminal 在指定轮询间隔下等待请求进入终态。
func (s *Service) WaitUntilTerminal(ctx context.Context, id string, interval time.Duration) (*Request, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		req, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if req.Terminal() {
			return req, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.notifier != nil {
		return s.notifier.Close()
	}
	return nil
}
