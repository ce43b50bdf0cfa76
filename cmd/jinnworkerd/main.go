package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"Jinn-Node/internal/chains"
	"Jinn-Node/internal/config"
	"Jinn-Node/internal/credentials"
	"Jinn-Node/internal/executor"
	"Jinn-Node/internal/observability/alerting"
	"Jinn-Node/internal/observability/metrics"
	"Jinn-Node/internal/staking"
	"Jinn-Node/internal/txqueue"
	"Jinn-Node/pkg/logger"
)

// main 是交易工作进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("jinnworkerd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := flag.String("config", "", "配置文件路径")
	flag.Parse()

	path := *configPath
	if path == "" {
		path = os.Getenv("JINN_CONFIG")
	}
	if path == "" {
		path = filepath.Join("configs", "jinnworkerd.json")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	if err := logger.Init(cfg.LoggerConfig()); err != nil {
		return err
	}
	defer logger.Sync()
	mainLog := logger.Named("jinnworkerd")

	store, err := txqueue.NewStore(txqueue.FactoryConfig{
		Backend: cfg.Queue.Backend,
		SQLite: txqueue.SQLiteConfig{
			Path:        cfg.Queue.SQLite.Path,
			Synchronous: cfg.Queue.SQLite.Synchronous,
			BusyTimeout: time.Duration(cfg.Queue.SQLite.BusyTimeoutMsec) * time.Millisecond,
		},
		MySQL: txqueue.MySQLConfig{
			DSN:             cfg.Queue.MySQL.DSN,
			MaxOpenConns:    cfg.Queue.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Queue.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Queue.MySQL.ConnMaxLifetime) * time.Second,
		},
		Remote: txqueue.RemoteConfig{
			Endpoint:  cfg.Queue.Remote.Endpoint,
			AccessKey: cfg.Queue.Remote.AccessKey,
			Timeout:   time.Duration(cfg.Queue.Remote.TimeoutSecs) * time.Second,
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			mainLog.Warn("关闭队列存储失败", slog.Any("error", err))
		}
	}()

	notifier, err := createNotifier(cfg)
	if err != nil {
		return err
	}
	if notifier != nil {
		defer notifier.Close()
	}

	defs, err := chains.LoadDefinitions(cfg.Chains.Definitions)
	if err != nil {
		return err
	}
	registry, err := chains.NewRegistry(defs)
	if err != nil {
		return err
	}
	defer registry.Close()

	keys, err := credentials.NewFileResolver(cfg.Chains.KeysDir)
	if err != nil {
		return err
	}

	dial := func(ctx context.Context, chainID int64) (executor.Backend, error) {
		return registry.Client(ctx, chainID)
	}
	accountExecutor := executor.NewAccountExecutor(dial, keys,
		executor.WithConfirmTimeout(cfg.ConfirmTimeout()),
		executor.WithReceiptInterval(cfg.ReceiptInterval()),
	)

	// 质押是可选增强,构造失败只降级,不阻断核心链路。
	if cfg.Staking.Enabled {
		backend, err := registry.Client(ctx, cfg.Staking.ChainID)
		if err != nil {
			mainLog.Warn("质押链节点连接失败,质押功能不可用", slog.Any("error", err))
		} else if sc := staking.NewContext(cfg.Staking, backend, nil); sc != nil {
			reportStake(ctx, sc, keys, mainLog)
		}
	}

	alertNotifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Metrics.AlertWebhook != "" {
		alertNotifiers = append(alertNotifiers, &alerting.WebhookNotifier{URL: cfg.Metrics.AlertWebhook})
	}
	dispatcher := alerting.NewFanout(alertNotifiers...)

	processorOpts := []txqueue.ProcessorOption{
		txqueue.WithPollInterval(cfg.PollInterval()),
		txqueue.WithAlertDispatcher(dispatcher),
	}
	if notifier != nil {
		processorOpts = append(processorOpts, txqueue.WithWakeConsumer(notifier))
	}
	processor := txqueue.NewProcessor(store, accountExecutor, cfg.Worker.ID, processorOpts...)

	go metrics.RunQueueRefresher(ctx, 15*time.Second, func(ctx context.Context) (metrics.QueueSnapshot, error) {
		stats, err := store.Metrics(ctx)
		if err != nil {
			return metrics.QueueSnapshot{}, err
		}
		return metrics.QueueSnapshot{
			Pending:          stats.Pending,
			Claimed:          stats.Claimed,
			OldestPendingAge: stats.OldestPendingAge,
			AvgProcessing:    stats.AvgProcessingSecs,
		}, nil
	})
	go func() {
		if err := metrics.Serve(ctx, cfg.Metrics.Address); err != nil {
			mainLog.Error("指标服务异常退出", slog.Any("error", err))
		}
	}()

	mainLog.Info("交易工作进程启动",
		slog.String("worker_id", cfg.Worker.ID),
		slog.String("queue_backend", cfg.Queue.Backend),
		slog.Duration("poll_interval", cfg.PollInterval()),
	)

	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	mainLog.Info("交易工作进程退出")
	return nil
}

// reportStake 查询工作进程操作账户的质押额并记录在启动日志里。操作账户
// 由质押链的签名私钥推导,任何一步失败都只降级为告警。
func reportStake(ctx context.Context, sc *staking.Context, keys executor.KeyResolver, log *slog.Logger) {
	key, err := keys.Key(sc.ChainID)
	if err != nil {
		log.Warn("解析质押链操作私钥失败,跳过质押查询", slog.Any("error", err))
		return
	}
	operator := crypto.PubkeyToAddress(key.PublicKey)
	stake, err := sc.StakeOf(ctx, operator)
	if err != nil {
		log.Warn("查询操作账户质押额失败",
			slog.Any("error", err),
			slog.String("operator", operator.Hex()),
		)
		return
	}
	log.Info("质押上下文已启用",
		slog.String("contract", sc.Address.Hex()),
		slog.String("operator", operator.Hex()),
		slog.String("stake", stake),
	)
}

// createNotifier 根据配置建立入队唤醒通道,返回 nil 表示仅靠轮询。
func createNotifier(cfg *config.Config) (txqueue.Notifier, error) {
	switch cfg.Notifier.Driver {
	case "", "none":
		return nil, nil
	case "memory":
		return txqueue.NewMemoryNotifier(1024), nil
	case "redis":
		return txqueue.NewRedisNotifier(txqueue.RedisNotifierConfig{
			Address:  cfg.Notifier.Redis.Address,
			Password: cfg.Notifier.Redis.Password,
			DB:       cfg.Notifier.Redis.DB,
			Key:      cfg.Notifier.Redis.Key,
		})
	case "rabbitmq":
		return txqueue.NewRabbitMQNotifier(txqueue.RabbitMQNotifierConfig{
			URL:     cfg.Notifier.RabbitMQ.URL,
			Queue:   cfg.Notifier.RabbitMQ.Queue,
			Durable: true,
		})
	default:
		return nil, fmt.Errorf("未知的唤醒通道驱动: %s", cfg.Notifier.Driver)
	}
}
