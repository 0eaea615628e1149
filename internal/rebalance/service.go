package rebalance

import (
	"context"
	"log/slog"
	"time"

	"CrossFlow/internal/bridge"
	xerrors "CrossFlow/internal/errors"
	"CrossFlow/pkg/logger"
)

// RouteSource 返回当前生效的路由配置。每轮重新读取，实现热更新。
type RouteSource func(ctx context.Context) ([]bridge.RouteConfig, error)

// Service 周期性地先清扫在途转账，再发起新一轮再平衡。
type Service struct {
	orchestrator *Orchestrator
	sweeper      *Sweeper
	routes       RouteSource
	interval     time.Duration
	cycleTimeout time.Duration
	log          *slog.Logger
}

// ServiceConfig 描述运行节奏。
type ServiceConfig struct {
	// Interval 是两轮之间的间隔，零值默认 60 秒。
	Interval time.Duration
	// CycleTimeout 是单轮的总超时，零值默认为 Interval。
	CycleTimeout time.Duration
}

// NewService 创建周期服务。
func NewService(orchestrator *Orchestrator, sweeper *Sweeper, routes RouteSource, cfg ServiceConfig) (*Service, error) {
	if orchestrator == nil || sweeper == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "orchestrator and sweeper are required")
	}
	if routes == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "route source is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = cfg.Interval
	}
	return &Service{
		orchestrator: orchestrator,
		sweeper:      sweeper,
		routes:       routes,
		interval:     cfg.Interval,
		cycleTimeout: cfg.CycleTimeout,
		log:          logger.Named("service"),
	}, nil
}

// Run 阻塞运行直到 ctx 取消。启动时先跑一轮，之后按间隔循环。
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("再平衡服务启动",
		slog.Duration("interval", s.interval),
		slog.Duration("cycle_timeout", s.cycleTimeout))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("再平衡服务停止")
			return ctx.Err()
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

// runCycle 执行单轮：清扫在前，保证已到账的资金先退出台账，
// 避免同一笔余额被重复评估。
func (s *Service) runCycle(ctx context.Context) {
	cycleCtx, cancel := context.WithTimeout(ctx, s.cycleTimeout)
	defer cancel()

	routes, err := s.routes(cycleCtx)
	if err != nil {
		s.log.Error("路由配置读取失败", slog.Any("error", err))
		return
	}
	if len(routes) == 0 {
		return
	}

	if retired, err := s.sweeper.Sweep(cycleCtx, routes); err != nil {
		s.log.Error("清扫失败", slog.Any("error", err))
	} else if retired > 0 {
		s.log.Info("本轮退掉在途记录", slog.Int("retired", retired))
	}

	submitted, err := s.orchestrator.RebalanceInventory(cycleCtx, routes)
	if err != nil {
		s.log.Error("再平衡失败", slog.Any("error", err))
		return
	}
	if len(submitted) > 0 {
		s.log.Info("本轮发起转账", slog.Int("submitted", len(submitted)))
	}
}
