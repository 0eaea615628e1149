// Package notify 负责把转账生命周期事件投递给外部运维系统。
package notify

import (
	"context"
	"time"

	"CrossFlow/internal/ledger"
)

// EventKind 标记事件类型。
type EventKind string

const (
	// EventSubmitted 表示源链交易已确认并写入台账。
	EventSubmitted EventKind = "submitted"
	// EventCompleted 表示清扫器已确认转账完成并移除台账记录。
	EventCompleted EventKind = "completed"
)

// Event 是一条转账生命周期通知。
type Event struct {
	Kind       EventKind `json:"kind"`
	TransferID string    `json:"transfer_id"`
	Bridge     string    `json:"bridge"`
	Route      string    `json:"route"`
	Amount     string    `json:"amount"`
	OriginTx   string    `json:"origin_tx"`
	OccurredAt int64     `json:"occurred_at"`
}

// NewEvent 从台账记录构造事件。
func NewEvent(kind EventKind, t *ledger.Transfer) Event {
	event := Event{Kind: kind, OccurredAt: time.Now().Unix()}
	if t == nil {
		return event
	}
	event.TransferID = t.ID
	event.Bridge = t.Bridge
	event.Route = t.Route().Key()
	if t.Amount != nil {
		event.Amount = t.Amount.String()
	}
	event.OriginTx = t.OriginTxHash
	return event
}

// Publisher 将事件发布到外部系统。调用方按“发后不理”处理：发布失败
// 只记日志，不影响调度主流程。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Noop 丢弃所有事件。
type Noop struct{}

// Publish 实现 Publisher 接口。
func (Noop) Publish(context.Context, Event) error { return nil }

// Close 实现 Publisher 接口。
func (Noop) Close() error { return nil }
