package txqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "Jinn-Node/internal/errors"
	"Jinn-Node/pkg/logger"
	"github.com/cenkalti/backoff/v5"
)

// RemoteConfig 描述协调服务的访问参数。
type RemoteConfig struct {
	Endpoint  string
	AccessKey string
	Timeout   time.Duration
}

// RemoteStore 将 Store 契约委托给集中式协调服务，用于多租户或共享
// 协调场景。领取的排他性由服务端保证；客户端侧的职责是失败收敛：
// 任何无法确认结果的领取尝试都按"未领取"处理，绝不在网络歧义下
// 假设自己持有租约。
type RemoteStore struct {
	endpoint  string
	accessKey string
	client    *http.Client
	log       *slog.Logger
}

// NewRemoteStore 创建协调服务客户端。
func NewRemoteStore(cfg RemoteConfig) (*RemoteStore, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "协调服务地址不能为空")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RemoteStore{
		endpoint:  endpoint,
		accessKey: cfg.AccessKey,
		client:    &http.Client{Timeout: timeout},
		log:       logger.Named("remote_store"),
	}, nil
}

// Enqueue 将请求提交给协调服务。
func (r *RemoteStore) Enqueue(ctx context.Context, req *Request) error {
	if req == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "request 不能为空")
	}
	status, body, err := r.do(ctx, http.MethodPost, "/v1/transactions", req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeNetworkFailure, err, "提交交易请求失败")
	}
	switch status {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusConflict:
		return ErrDuplicateRequest
	default:
		return r.unexpected(status, body, "提交交易请求")
	}
}

// Get 查询指定请求。
func (r *RemoteStore) Get(ctx context.Context, id string) (*Request, error) {
	status, body, err := r.do(ctx, http.MethodGet, "/v1/transactions/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "查询交易请求失败")
	}
	switch status {
	case http.StatusOK:
		return decodeRequest(body)
	case http.StatusNotFound:
		return nil, ErrRequestNotFound
	default:
		return nil, r.unexpected(status, body, "查询交易请求")
	}
}

// FindByIdempotencyKey 按幂等键查找请求。
func (r *RemoteStore) FindByIdempotencyKey(ctx context.Context, key string) (*Request, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrRequestNotFound
	}
	path := "/v1/transactions?idempotency_key=" + url.QueryEscape(key)
	status, body, err := r.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "按幂等键查询失败")
	}
	switch status {
	case http.StatusOK:
		return decodeRequest(body)
	case http.StatusNotFound:
		return nil, ErrRequestNotFound
	default:
		return nil, r.unexpected(status, body, "按幂等键查询")
	}
}

// Claim 请求协调服务领取一行。网络失败一律视为"没有领到"，避免两个
// 工作进程同时认为自己持有同一个租约。
func (r *RemoteStore) Claim(ctx context.Context, workerID string) (*Request, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "worker ID 不能为空")
	}
	payload := map[string]string{"worker_id": workerID}
	status, body, err := r.do(ctx, http.MethodPost, "/v1/transactions/claim", payload)
	if err != nil {
		r.log.Warn("领取请求的网络调用失败，按未领取处理", slog.Any("error", err))
		return nil, ErrNoneClaimable
	}
	switch status {
	case http.StatusOK:
		return decodeRequest(body)
	case http.StatusNoContent, http.StatusNotFound:
		return nil, ErrNoneClaimable
	default:
		r.log.Warn("领取请求返回异常状态，按未领取处理",
			slog.Int("status", status))
		return nil, ErrNoneClaimable
	}
}

// UpdateStatus 上报终态。目标状态是幂等的，瞬时网络错误下带退避重试。
func (r *RemoteStore) UpdateStatus(ctx context.Context, id string, status Status, update StatusUpdate) error {
	if status != StatusConfirmed && status != StatusFailed {
		return xerrors.New(xerrors.CodeInvalidArgument, "目标状态必须为终态")
	}
	payload := struct {
		Status Status `json:"status"`
		StatusUpdate
	}{Status: status, StatusUpdate: update}

	operation := func() (struct{}, error) {
		code, body, err := r.do(ctx, http.MethodPost, "/v1/transactions/"+url.PathEscape(id)+"/status", payload)
		if err != nil {
			return struct{}{}, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "上报交易状态失败")
		}
		switch {
		case code == http.StatusOK || code == http.StatusNoContent:
			return struct{}{}, nil
		case code == http.StatusConflict:
			// 行已处于终态，视为成功。
			return struct{}{}, nil
		case code == http.StatusNotFound:
			return struct{}{}, backoff.Permanent(ErrRequestNotFound)
		case code >= 400 && code < 500:
			return struct{}{}, backoff.Permanent(r.unexpected(code, body, "上报交易状态"))
		default:
			return struct{}{}, r.unexpected(code, body, "上报交易状态")
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(5),
	)
	return err
}

// Metrics 读取协调服务的队列统计。
func (r *RemoteStore) Metrics(ctx context.Context) (QueueMetrics, error) {
	status, body, err := r.do(ctx, http.MethodGet, "/v1/transactions/metrics", nil)
	if err != nil {
		return QueueMetrics{}, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "查询队列统计失败")
	}
	if status != http.StatusOK {
		return QueueMetrics{}, r.unexpected(status, body, "查询队列统计")
	}
	var metrics QueueMetrics
	if err := json.Unmarshal(body, &metrics); err != nil {
		return QueueMetrics{}, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "解析队列统计失败")
	}
	return metrics, nil
}

// Close 实现 Store 接口。HTTP 客户端无需显式释放。
func (r *RemoteStore) Close() error {
	r.client.CloseIdleConnections()
	return nil
}

func (r *RemoteStore) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		reqBody = bytes.NewReader(encoded)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, r.endpoint+path, reqBody)
	if err != nil {
		return 0, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.accessKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.accessKey)
	}
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func (r *RemoteStore) unexpected(status int, body []byte, action string) error {
	detail := strings.TrimSpace(string(body))
	if len(detail) > 200 {
		detail = detail[:200]
	}
	return xerrors.New(xerrors.CodeNetworkFailure,
		fmt.Sprintf("%s返回异常状态 %d: %s", action, status, detail))
}

func decodeRequest(body []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "解析交易请求失败")
	}
	return &req, nil
}

var _ Store = (*RemoteStore)(nil)
