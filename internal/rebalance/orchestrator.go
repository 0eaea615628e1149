// Package rebalance 实现跨链流动性再平衡的核心调度：路由评估、桥接通道
// 选择、交易序列提交，以及在途转账的完成清扫。
package rebalance

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"CrossFlow/internal/bridge"
	"CrossFlow/internal/chain"
	xerrors "CrossFlow/internal/errors"
	"CrossFlow/internal/ledger"
	"CrossFlow/internal/notify"
	"CrossFlow/internal/observability/alerting"
	"CrossFlow/internal/observability/metrics"
	"CrossFlow/pkg/logger"
)

const slippageDenominator = 10000

// Orchestrator 按路由配置评估余额并发起转账。
type Orchestrator struct {
	bridges   *bridge.Registry
	store     ledger.Store
	reader    chain.Reader
	submitter chain.Submitter
	metrics   metrics.Sink
	notifier  notify.Publisher
	alerts    alerting.Dispatcher
	log       *slog.Logger
}

// Option 配置 Orchestrator 的可选依赖。
type Option func(*Orchestrator)

// WithMetrics 注入指标汇聚器。
func WithMetrics(sink metrics.Sink) Option {
	return func(o *Orchestrator) {
		if sink != nil {
			o.metrics = sink
		}
	}
}

// WithNotifier 注入事件发布器。
func WithNotifier(pub notify.Publisher) Option {
	return func(o *Orchestrator) {
		if pub != nil {
			o.notifier = pub
		}
	}
}

// WithAlerts 注入告警分发器。
func WithAlerts(dispatcher alerting.Dispatcher) Option {
	return func(o *Orchestrator) {
		if dispatcher != nil {
			o.alerts = dispatcher
		}
	}
}

// NewOrchestrator 创建调度器。
func NewOrchestrator(bridges *bridge.Registry, store ledger.Store, reader chain.Reader, submitter chain.Submitter, opts ...Option) (*Orchestrator, error) {
	if bridges == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "bridge registry is required")
	}
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "ledger store is required")
	}
	if reader == nil || submitter == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "chain access is required")
	}
	o := &Orchestrator{
		bridges:   bridges,
		store:     store,
		reader:    reader,
		submitter: submitter,
		metrics:   metrics.Noop{},
		notifier:  notify.Noop{},
		log:       logger.Named("rebalance"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// availableBalance 读取代理地址在源链上的余额。total 用于判定是否超过
// 路由上限，包装原生资产把原生余额也计入；spendable 只含代币余额，
// 交易序列的输入端永远是 ERC20 形态，能发出的金额不能超过它。
func (o *Orchestrator) availableBalance(ctx context.Context, chainID uint64, asset string) (total, spendable *big.Int, err error) {
	account, err := o.submitter.Address(chainID)
	if err != nil {
		return nil, nil, err
	}
	token, ok := o.reader.TokenAddress(chainID, asset)
	if !ok {
		return nil, nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("token %s not configured on chain %d", asset, chainID))
	}
	balance, err := o.reader.ERC20BalanceOf(ctx, chainID, token, account)
	if err != nil {
		return nil, nil, err
	}
	total = new(big.Int).Set(balance)
	if wrapped, _, ok := o.reader.WrappedNative(chainID); ok && strings.EqualFold(wrapped, asset) {
		native, err := o.reader.NativeBalance(ctx, chainID, account)
		if err != nil {
			return nil, nil, err
		}
		total.Add(total, native)
	}
	return total, balance, nil
}

// minimumReceived 计算滑点容忍下的最小可接受到账金额。
// slippage 以基点计：min = amount - amount*slippage/10000。
func minimumReceived(amount *big.Int, slippage uint64) *big.Int {
	discount := new(big.Int).Mul(amount, new(big.Int).SetUint64(slippage))
	discount.Div(discount, big.NewInt(slippageDenominator))
	return new(big.Int).Sub(amount, discount)
}

// RebalanceInventory 对每条路由评估一次并按首选项顺序尝试发起转账。
// 全局暂停时不做任何外部调用。单条路由的失败不影响其余路由。
func (o *Orchestrator) RebalanceInventory(ctx context.Context, routes []bridge.RouteConfig) ([]*ledger.Transfer, error) {
	paused, err := o.store.IsPaused(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read pause flag")
	}
	if paused {
		o.log.Info("再平衡已全局暂停，本轮跳过")
		return nil, nil
	}

	var submitted []*ledger.Transfer
	for _, route := range routes {
		transfer, err := o.rebalanceRoute(ctx, route)
		if err != nil {
			o.log.Warn("路由再平衡失败",
				slog.String("route", route.Key()),
				slog.Any("error", err))
			o.alert(ctx, err, "", route.Key(), "")
			continue
		}
		if transfer != nil {
			submitted = append(submitted, transfer)
		}
	}
	return submitted, nil
}

// recordTransfer 在源链交易确认后立刻写台账，不等本轮其余路由。
// 资金已经在链上移动，写入失败不能回滚，只能告警后依赖人工或
// 下一轮对账补录。
func (o *Orchestrator) recordTransfer(ctx context.Context, transfer *ledger.Transfer) {
	added, err := o.store.AddRebalances(ctx, []*ledger.Transfer{transfer})
	if err != nil {
		werr := xerrors.Wrap(xerrors.CodeLedgerWriteFailed, err, "record submitted transfer")
		o.log.Error("台账写入失败", slog.String("transfer_id", transfer.ID), slog.Any("error", werr))
		o.alert(ctx, werr, transfer.ID, transfer.Route().Key(), transfer.Bridge)
	} else {
		o.log.Info("台账已更新", slog.String("transfer_id", transfer.ID), slog.Int("added", added))
	}

	if perr := o.notifier.Publish(ctx, notify.NewEvent(notify.EventSubmitted, transfer)); perr != nil {
		o.log.Warn("转账事件发布失败", slog.String("transfer_id", transfer.ID), slog.Any("error", perr))
	}
}

// alert 把需要告警的错误转成事件分发出去，分发失败只记日志。
func (o *Orchestrator) alert(ctx context.Context, err error, transferID, route, rail string) {
	if o.alerts == nil {
		return
	}
	event, ok := alerting.FromError(err, transferID, route, rail)
	if !ok {
		return
	}
	if derr := o.alerts.Notify(ctx, event); derr != nil {
		o.log.Warn("告警分发失败", slog.Any("error", derr))
	}
}

// rebalanceRoute 评估单条路由。返回 (nil, nil) 表示无需行动。
func (o *Orchestrator) rebalanceRoute(ctx context.Context, route bridge.RouteConfig) (*ledger.Transfer, error) {
	available, spendable, err := o.availableBalance(ctx, route.Origin, route.Asset)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	if route.Maximum == nil || available.Cmp(route.Maximum) <= 0 {
		return nil, nil
	}
	amount := new(big.Int).Set(available)
	if route.Reserve != nil {
		amount.Sub(amount, route.Reserve)
	}
	if amount.Cmp(spendable) > 0 {
		amount.Set(spendable)
	}
	if amount.Sign() <= 0 {
		return nil, nil
	}

	sender, err := o.submitter.Address(route.Origin)
	if err != nil {
		return nil, fmt.Errorf("resolve sender: %w", err)
	}
	recipient, err := o.submitter.Address(route.Destination)
	if err != nil {
		return nil, fmt.Errorf("resolve recipient: %w", err)
	}

	var lastErr error
	for i, rail := range route.Preferences {
		transfer, err := o.tryRail(ctx, route, i, rail, sender.Hex(), recipient.Hex(), amount)
		if err != nil {
			lastErr = err
			o.log.Info("桥接通道不可用，尝试下一首选项",
				slog.String("route", route.Key()),
				slog.String("rail", rail),
				slog.Any("error", err))
			continue
		}
		o.recordTransfer(ctx, transfer)
		return transfer, nil
	}
	if lastErr == nil {
		return nil, xerrors.New(xerrors.CodeQuoteUnavailable, "no bridge preference configured")
	}
	return nil, fmt.Errorf("all %d preferences exhausted: %w", len(route.Preferences), lastErr)
}

// tryRail 在单个桥接通道上执行报价、滑点校验、构建和逐笔提交。
func (o *Orchestrator) tryRail(ctx context.Context, route bridge.RouteConfig, index int, rail, sender, recipient string, amount *big.Int) (*ledger.Transfer, error) {
	b, ok := o.bridges.Get(rail)
	if !ok {
		return nil, xerrors.New(xerrors.CodeQuoteUnavailable, fmt.Sprintf("bridge %s not registered", rail))
	}

	quoted, err := b.GetReceivedAmount(ctx, amount, route.Route)
	o.metrics.Observe(route.Key(), rail, metrics.StageQuote, err == nil)
	if err != nil {
		return nil, err
	}

	minimum := minimumReceived(amount, route.SlippageFor(index))
	if quoted.Cmp(minimum) < 0 {
		o.metrics.Observe(route.Key(), rail, metrics.StageSlippage, false)
		return nil, xerrors.New(xerrors.CodeSlippageExceeded,
			fmt.Sprintf("quoted %s below minimum %s", quoted, minimum))
	}
	o.metrics.Observe(route.Key(), rail, metrics.StageSlippage, true)

	steps, err := b.Send(ctx, sender, recipient, amount, route.Route)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, xerrors.New(xerrors.CodeBuildFailed, "bridge returned an empty sequence")
	}

	recorded := new(big.Int).Set(amount)
	originTxHash := ""
	for _, step := range steps {
		receipt, err := o.submitter.SubmitAndMonitor(ctx, step.Tx)
		if err != nil {
			o.metrics.Observe(route.Key(), rail, metrics.StageSubmission, false)
			return nil, xerrors.Wrap(xerrors.CodeSubmissionFailed, err,
				fmt.Sprintf("submit %s step", step.Tag))
		}
		o.log.Info("子交易已确认",
			slog.String("route", route.Key()),
			slog.String("rail", rail),
			slog.String("tag", string(step.Tag)),
			slog.String("tx", receipt.TxHash.Hex()))
		if step.Tag == bridge.TagRebalance {
			originTxHash = receipt.TxHash.Hex()
		}
		if step.EffectiveAmount != nil {
			recorded = new(big.Int).Set(step.EffectiveAmount)
		}
	}
	if originTxHash == "" {
		return nil, xerrors.New(xerrors.CodeBuildFailed, "sequence has no rebalance step")
	}
	o.metrics.Observe(route.Key(), rail, metrics.StageSubmission, true)

	transfer := &ledger.Transfer{
		ID:           ledger.NewTransferID(route.Route),
		Bridge:       b.Type(),
		Amount:       recorded,
		Origin:       route.Origin,
		Destination:  route.Destination,
		Asset:        route.Asset,
		OriginTxHash: originTxHash,
		Recipient:    recipient,
	}
	logger.Audit().Info("转账已提交",
		slog.String("transfer_id", transfer.ID),
		slog.String("route", route.Key()),
		slog.String("rail", rail),
		slog.String("amount", recorded.String()),
		slog.String("origin_tx", originTxHash))
	return transfer, nil
}
