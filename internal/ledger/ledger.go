// Package ledger 维护已提交但尚未完成结算的跨链转账台账。
package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"

	"CrossFlow/internal/bridge"
	xerrors "CrossFlow/internal/errors"
)

// ErrNotFound 表示记录或映射不存在。
var ErrNotFound = xerrors.New(xerrors.CodeNotFound, "ledger entry not found")

// Transfer 是台账中的一条在途转账记录。记录在源链交易确认后写入，
// 在完成清扫判定后整条删除，期间不做原地更新。
type Transfer struct {
	ID           string   `json:"id"`
	Bridge       string   `json:"bridge"`
	Amount       *big.Int `json:"amount"`
	Origin       uint64   `json:"origin"`
	Destination  uint64   `json:"destination"`
	Asset        string   `json:"asset"`
	OriginTxHash string   `json:"origin_tx_hash"`
	Recipient    string   `json:"recipient"`
}

// Route 返回记录所属的流动性通道。
func (t *Transfer) Route() bridge.Route {
	if t == nil {
		return bridge.Route{}
	}
	return bridge.Route{Origin: t.Origin, Destination: t.Destination, Asset: t.Asset}
}

// NewTransferID 生成新的转账 ID：<destination>-<origin>-<asset>-<随机后缀>。
// 随机后缀保证 ID 永不复用。
func NewTransferID(route bridge.Route) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%s", route.Key(), suffix)
}

// Store 抽象了台账的持久化接口。所有涉及多个键的变更都必须是后端的
// 原子批量操作，保证主记录与通道索引不会出现分叉。
type Store interface {
	// AddRebalances 幂等地批量写入记录，返回真正新增的条数。
	// 去重以主键 ID 为准，与记录内容无关。
	AddRebalances(ctx context.Context, transfers []*Transfer) (int, error)

	// GetRebalances 返回命中任一通道的全部记录。单个通道为空不视为错误。
	GetRebalances(ctx context.Context, routes []bridge.Route) ([]*Transfer, error)

	// GetRebalanceByTransaction 按源链交易哈希做二级查询。
	GetRebalanceByTransaction(ctx context.Context, txHash string) (*Transfer, error)

	// RemoveRebalances 按 ID 批量删除，返回实际删除的条数。
	// 不存在的 ID 不算错误，只是不计数。
	RemoveRebalances(ctx context.Context, ids []string) (int, error)

	// HasRebalance 判断记录是否存在。
	HasRebalance(ctx context.Context, id string) (bool, error)

	// SetPause 设置全局暂停开关。
	SetPause(ctx context.Context, paused bool) error

	// IsPaused 读取全局暂停开关。
	IsPaused(ctx context.Context) (bool, error)

	// AddWithdrawID 记录转账 ID 到场外提现订单号的映射。
	AddWithdrawID(ctx context.Context, transferID, orderID string) error

	// GetWithdrawID 读取提现订单号映射，未找到时返回 ErrNotFound。
	GetWithdrawID(ctx context.Context, transferID string) (string, error)

	// RemoveWithdrawID 删除提现订单号映射。
	RemoveWithdrawID(ctx context.Context, transferID string) error

	// Clear 清空台账、暂停开关和全部通道索引。仅供运维通道使用。
	Clear(ctx context.Context) error
}
