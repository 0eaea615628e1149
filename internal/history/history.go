// Package history 把已完成的转账归档到关系型数据库，供对账和审计使用。
// 归档是尽力而为的旁路写入：失败只记日志，不影响清扫主流程。
package history

import (
	"context"

	"CrossFlow/internal/ledger"
)

// Status 标记归档记录的最终状态。
type Status string

const (
	// StatusCompleted 表示目的链无需回调或回调已成功提交。
	StatusCompleted Status = "completed"
	// StatusFinalized 表示目的链回调交易已确认。
	StatusFinalized Status = "finalized"
)

// Archiver 负责持久化已完成的转账。
type Archiver interface {
	Archive(ctx context.Context, transfer *ledger.Transfer, status Status, destinationTx string) error
	Close() error
}

// Noop 丢弃所有归档请求。
type Noop struct{}

// Archive 实现 Archiver 接口。
func (Noop) Archive(context.Context, *ledger.Transfer, Status, string) error { return nil }

// Close 实现 Archiver 接口。
func (Noop) Close() error { return nil }
