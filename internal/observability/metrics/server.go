package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"Jinn-Node/pkg/logger"
)

// QueueSnapshot 是队列统计投影中需要暴露为指标的部分。
type QueueSnapshot struct {
	Pending          int
	Claimed          int
	OldestPendingAge int64
	AvgProcessing    float64
}

// SnapshotSource 提供队列统计的只读快照。
type SnapshotSource func(ctx context.Context) (QueueSnapshot, error)

// RunQueueRefresher 周期性地把存储层的统计投影刷到队列指标上，
// 直到上下文取消。
func RunQueueRefresher(ctx context.Context, interval time.Duration, source SnapshotSource) {
	if source == nil {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot, err := source(ctx)
			if err != nil {
				logger.L().Warn("刷新队列指标失败", slog.Any("error", err))
				continue
			}
			QueuePending.Set(float64(snapshot.Pending))
			QueueClaimed.Set(float64(snapshot.Claimed))
			QueueOldestPendingAge.Set(float64(snapshot.OldestPendingAge))
			QueueAvgProcessing.Set(snapshot.AvgProcessing)
		}
	}
}

// Serve 在指定地址暴露 /metrics 与 /healthz，随上下文取消优雅退出。
func Serve(ctx context.Context, address string) error {
	if address == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: address, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
