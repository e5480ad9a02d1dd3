package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kis-scalper/internal/broker"
	"kis-scalper/internal/config"
	"kis-scalper/internal/execution"
	"kis-scalper/internal/indicator"
	"kis-scalper/internal/market"
	"kis-scalper/internal/notify"
	"kis-scalper/internal/position"
	"kis-scalper/internal/risk"
	"kis-scalper/internal/store"
	"kis-scalper/internal/strategy"
	"kis-scalper/internal/stream"
)

// 工作器节奏。筛选节奏来自配置，其余为固定周期。
const (
	riskCheckInterval    = 2 * time.Second
	closingCheckInterval = 15 * time.Second
	dailyResetInterval   = time.Minute
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 组装全部组件并运行定时工作器，直到上下文取消。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("broker", a.cfg.Broker.BaseURL),
	)

	trades, err := store.NewTradeStore(a.store.DB(), a.logger)
	if err != nil {
		return fmt.Errorf("初始化成交存储失败: %w", err)
	}

	ledger := position.NewLedger(trades, a.logger)
	cache := market.NewCache(a.cfg.Cache, ledger, a.logger)

	client, err := broker.NewClient(a.cfg.Broker, a.logger)
	if err != nil {
		return fmt.Errorf("初始化行情客户端失败: %w", err)
	}
	if err := client.EnsureToken(ctx); err != nil {
		return fmt.Errorf("获取访问令牌失败: %w", err)
	}

	streamClient := stream.NewClient(a.cfg.Stream, client, cache, a.logger)
	executor := execution.NewExecutor(a.cfg.Execution, client, a.logger)
	evaluator := risk.NewEvaluator(a.cfg.Trading, a.cfg.Risk)
	screener := strategy.NewScreener(a.cfg.Trading, a.logger)
	scorer := strategy.NewScorer(cache, indicator.NewCalculator(), 30*time.Minute, a.logger)
	notifier := notify.NewTelegram(a.cfg.Telegram, a.logger)

	orch := newOrchestrator(a.cfg, client, executor, streamClient,
		cache, ledger, evaluator, screener, scorer, notifier, a.logger)

	if err := streamClient.Start(ctx); err != nil {
		return fmt.Errorf("启动行情连接失败: %w", err)
	}
	defer streamClient.Stop()

	if !streamClient.WaitForConnection(a.cfg.Stream.ConnectTimeout) {
		a.logger.Warn("行情连接未就绪，由重连机制继续尝试")
	}

	if err := orch.bootstrap(ctx); err != nil {
		return err
	}

	notifier.SendQuiet(ctx, "트레이딩 시스템 시작")
	defer notifier.SendQuiet(context.Background(), "트레이딩 시스템 종료")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.loop(groupCtx, "screen", a.cfg.Trading.ScreenInterval, orch.screen)
	})
	group.Go(func() error {
		return a.loop(groupCtx, "opening_sell", riskCheckInterval, orch.openingSell)
	})
	group.Go(func() error {
		return a.loop(groupCtx, "scalp_monitor", riskCheckInterval, orch.scalpMonitor)
	})
	group.Go(func() error {
		return a.loop(groupCtx, "closing_buy", closingCheckInterval, orch.closingBuy)
	})
	group.Go(func() error {
		return a.loop(groupCtx, "daily_reset", dailyResetInterval, orch.dailyReset)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}

	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}

// loop 以固定周期驱动工作器，单次失败只记录日志不中断调度。
func (a *App) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		a.logger.Error("执行调度失败", zap.String("worker", name), zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				a.logger.Error("执行调度失败", zap.String("worker", name), zap.Error(err))
			}
		}
	}
}
