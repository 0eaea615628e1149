package rebalance

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"CrossFlow/internal/bridge"
	"CrossFlow/internal/chain"
	xerrors "CrossFlow/internal/errors"
	"CrossFlow/internal/history"
	"CrossFlow/internal/ledger"
	"CrossFlow/internal/notify"
	"CrossFlow/internal/observability/metrics"
	"CrossFlow/pkg/logger"
)

// Sweeper 轮询在途转账，判定到账后执行目的链回调并退掉台账记录。
// 单条记录的任何失败只影响该记录本身，下一轮会重新尝试。
type Sweeper struct {
	bridges   *bridge.Registry
	store     ledger.Store
	submitter chain.Submitter
	archiver  history.Archiver
	notifier  notify.Publisher
	metrics   metrics.Sink
	log       *slog.Logger
}

// SweeperOption 配置 Sweeper 的可选依赖。
type SweeperOption func(*Sweeper)

// WithArchiver 注入历史归档器。
func WithArchiver(a history.Archiver) SweeperOption {
	return func(s *Sweeper) {
		if a != nil {
			s.archiver = a
		}
	}
}

// WithSweepNotifier 注入事件发布器。
func WithSweepNotifier(pub notify.Publisher) SweeperOption {
	return func(s *Sweeper) {
		if pub != nil {
			s.notifier = pub
		}
	}
}

// WithSweepMetrics 注入指标汇聚器。
func WithSweepMetrics(sink metrics.Sink) SweeperOption {
	return func(s *Sweeper) {
		if sink != nil {
			s.metrics = sink
		}
	}
}

// NewSweeper 创建清扫器。
func NewSweeper(bridges *bridge.Registry, store ledger.Store, submitter chain.Submitter, opts ...SweeperOption) (*Sweeper, error) {
	if bridges == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "bridge registry is required")
	}
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "ledger store is required")
	}
	if submitter == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "chain submitter is required")
	}
	s := &Sweeper{
		bridges:   bridges,
		store:     store,
		submitter: submitter,
		archiver:  history.Noop{},
		notifier:  notify.Noop{},
		metrics:   metrics.Noop{},
		log:       logger.Named("sweeper"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Sweep 对给定路由集合做一轮完成判定。返回本轮退掉的记录数。
func (s *Sweeper) Sweep(ctx context.Context, routes []bridge.RouteConfig) (int, error) {
	lookup := make([]bridge.Route, 0, len(routes))
	for _, route := range routes {
		lookup = append(lookup, route.Route)
	}
	pending, err := s.store.GetRebalances(ctx, lookup)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load pending transfers")
	}

	retired := 0
	for _, transfer := range pending {
		if s.sweepOne(ctx, transfer) {
			retired++
		}
	}
	if retired > 0 {
		s.log.Info("清扫完成", slog.Int("pending", len(pending)), slog.Int("retired", retired))
	}
	return retired, nil
}

// sweepOne 处理单条在途记录，返回是否已退掉。
func (s *Sweeper) sweepOne(ctx context.Context, transfer *ledger.Transfer) bool {
	route := transfer.Route()

	b, ok := s.bridges.Get(transfer.Bridge)
	if !ok {
		// 桥接通道从配置中移除仍要能退掉旧记录，这里只能告警等待
		// 配置恢复。
		s.log.Warn("在途记录引用了未注册的桥接通道",
			slog.String("transfer_id", transfer.ID),
			slog.String("rail", transfer.Bridge))
		return false
	}

	receipt, err := s.submitter.TransactionReceipt(ctx, transfer.Origin, common.HexToHash(transfer.OriginTxHash))
	if err != nil {
		s.metrics.Observe(route.Key(), transfer.Bridge, metrics.StageCompletion, false)
		s.log.Warn("源链回执查询失败",
			slog.String("transfer_id", transfer.ID),
			slog.Any("error", err))
		return false
	}
	if receipt == nil {
		return false
	}

	if !b.ReadyOnDestination(ctx, transfer.Amount, route, receipt) {
		return false
	}

	callback, err := b.DestinationCallback(ctx, route, receipt)
	if err != nil {
		s.metrics.Observe(route.Key(), transfer.Bridge, metrics.StageCompletion, false)
		s.log.Warn("目的链回调准备失败",
			slog.String("transfer_id", transfer.ID),
			slog.Any("error", err))
		return false
	}

	destinationTx := ""
	if callback != nil {
		destReceipt, err := s.submitter.SubmitAndMonitor(ctx, callback.Tx)
		if err != nil {
			s.metrics.Observe(route.Key(), transfer.Bridge, metrics.StageCompletion, false)
			s.log.Warn("目的链回调提交失败",
				slog.String("transfer_id", transfer.ID),
				slog.String("tag", string(callback.Tag)),
				slog.Any("error", err))
			return false
		}
		destinationTx = destReceipt.TxHash.Hex()
	}

	removed, err := s.store.RemoveRebalances(ctx, []string{transfer.ID})
	if err != nil {
		s.log.Warn("台账删除失败",
			slog.String("transfer_id", transfer.ID),
			slog.Any("error", err))
		return false
	}
	if removed == 0 {
		s.log.Warn("台账记录已被并发删除", slog.String("transfer_id", transfer.ID))
	}
	if err := s.store.RemoveWithdrawID(ctx, transfer.ID); err != nil {
		s.log.Warn("提现映射删除失败", slog.String("transfer_id", transfer.ID), slog.Any("error", err))
	}

	s.metrics.Observe(route.Key(), transfer.Bridge, metrics.StageCompletion, true)
	s.metrics.TransferRetired(route.Key(), transfer.Bridge)

	status := history.StatusCompleted
	if destinationTx != "" {
		status = history.StatusFinalized
	}
	if err := s.archiver.Archive(ctx, transfer, status, destinationTx); err != nil {
		s.log.Warn("历史归档失败", slog.String("transfer_id", transfer.ID), slog.Any("error", err))
	}
	if err := s.notifier.Publish(ctx, notify.NewEvent(notify.EventCompleted, transfer)); err != nil {
		s.log.Warn("完成事件发布失败", slog.String("transfer_id", transfer.ID), slog.Any("error", err))
	}

	logger.Audit().Info("转账已完成",
		slog.String("transfer_id", transfer.ID),
		slog.String("route", route.Key()),
		slog.String("rail", transfer.Bridge),
		slog.String("destination_tx", destinationTx))
	return true
}
