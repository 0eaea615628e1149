package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"CrossFlow/internal/bridge"
	xerrors "CrossFlow/internal/errors"
)

const (
	keyData        = "rebalances:data"
	keyPaused      = "rebalances:paused"
	keyWithdrawals = "rebalances:withdrawals"
	keyRoutePrefix = "rebalances:route:"
)

func routeKey(route bridge.Route) string {
	return keyRoutePrefix + route.Key()
}

// RedisConfig 描述台账 Redis 后端的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Timeout  time.Duration
}

// RedisStore 基于 Redis 的 hash、set、string 原语实现 Store。
// 多键变更统一走 TxPipelined，依赖 Redis 事务的原子性而非客户端锁。
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore 建立连接并做一次 Ping 探活。
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return &RedisStore{client: client}, nil
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// AddRebalances 实现 Store 接口。主记录用 HSetNX 写入保证幂等，
// 通道索引在同一个事务管道中同步维护。
func (s *RedisStore) AddRebalances(ctx context.Context, transfers []*Transfer) (int, error) {
	if len(transfers) == 0 {
		return 0, nil
	}

	encoded := make([]string, len(transfers))
	for i, t := range transfers {
		if t == nil || t.ID == "" {
			return 0, xerrors.New(xerrors.CodeInvalidArgument, "transfer 或其 ID 不能为空")
		}
		raw, err := json.Marshal(t)
		if err != nil {
			return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化 transfer 失败")
		}
		encoded[i] = string(raw)
	}

	inserted := make([]*redis.BoolCmd, len(transfers))
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, t := range transfers {
			inserted[i] = pipe.HSetNX(ctx, keyData, t.ID, encoded[i])
			pipe.SAdd(ctx, routeKey(t.Route()), t.ID)
		}
		return nil
	})
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeLedgerWriteFailed, err, "写入台账失败")
	}

	added := 0
	for _, cmd := range inserted {
		if cmd.Val() {
			added++
		}
	}
	return added, nil
}

// GetRebalances 实现 Store 接口。
func (s *RedisStore) GetRebalances(ctx context.Context, routes []bridge.Route) ([]*Transfer, error) {
	ids := make([]string, 0)
	seen := make(map[string]struct{})
	for _, route := range routes {
		members, err := s.client.SMembers(ctx, routeKey(route)).Result()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err,
				fmt.Sprintf("读取通道索引 %s 失败", route.Key()))
		}
		for _, id := range members {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := s.client.HMGet(ctx, keyData, ids...).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取台账记录失败")
	}
	transfers := make([]*Transfer, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			// 索引比主记录多出的 ID 在下一次删除时收敛，这里直接跳过。
			continue
		}
		var t Transfer
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析台账记录失败")
		}
		transfers = append(transfers, &t)
	}
	return transfers, nil
}

// GetRebalanceByTransaction 实现 Store 接口。
func (s *RedisStore) GetRebalanceByTransaction(ctx context.Context, txHash string) (*Transfer, error) {
	all, err := s.client.HGetAll(ctx, keyData).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取台账失败")
	}
	for _, raw := range all {
		var t Transfer
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			continue
		}
		if t.OriginTxHash == txHash {
			return &t, nil
		}
	}
	return nil, ErrNotFound
}

// RemoveRebalances 实现 Store 接口。删除成功的判定是主记录与通道索引
// 同时移除；两者在同一个事务管道里执行，计数以主记录的 HDel 结果为准。
func (s *RedisStore) RemoveRebalances(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	values, err := s.client.HMGet(ctx, keyData, ids...).Result()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取待删除记录失败")
	}

	deleted := make([]*redis.IntCmd, 0, len(ids))
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			raw, ok := values[i].(string)
			if ok {
				var t Transfer
				if err := json.Unmarshal([]byte(raw), &t); err == nil {
					pipe.SRem(ctx, routeKey(t.Route()), id)
				}
			}
			deleted = append(deleted, pipe.HDel(ctx, keyData, id))
		}
		return nil
	})
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除台账记录失败")
	}

	removed := 0
	for _, cmd := range deleted {
		removed += int(cmd.Val())
	}
	return removed, nil
}

// HasRebalance 实现 Store 接口。
func (s *RedisStore) HasRebalance(ctx context.Context, id string) (bool, error) {
	ok, err := s.client.HExists(ctx, keyData, id).Result()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询台账记录失败")
	}
	return ok, nil
}

// SetPause 实现 Store 接口。
func (s *RedisStore) SetPause(ctx context.Context, paused bool) error {
	value := "0"
	if paused {
		value = "1"
	}
	if err := s.client.Set(ctx, keyPaused, value, 0).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "设置暂停开关失败")
	}
	return nil
}

// IsPaused 实现 Store 接口。开关缺失视为未暂停。
func (s *RedisStore) IsPaused(ctx context.Context) (bool, error) {
	value, err := s.client.Get(ctx, keyPaused).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取暂停开关失败")
	}
	return value == "1", nil
}

// AddWithdrawID 实现 Store 接口。
func (s *RedisStore) AddWithdrawID(ctx context.Context, transferID, orderID string) error {
	if transferID == "" || orderID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "transferID 与 orderID 不能为空")
	}
	if err := s.client.HSet(ctx, keyWithdrawals, transferID, orderID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录提现订单号失败")
	}
	return nil
}

// GetWithdrawID 实现 Store 接口。
func (s *RedisStore) GetWithdrawID(ctx context.Context, transferID string) (string, error) {
	value, err := s.client.HGet(ctx, keyWithdrawals, transferID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取提现订单号失败")
	}
	return value, nil
}

// RemoveWithdrawID 实现 Store 接口。
func (s *RedisStore) RemoveWithdrawID(ctx context.Context, transferID string) error {
	if err := s.client.HDel(ctx, keyWithdrawals, transferID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除提现订单号失败")
	}
	return nil
}

// Clear 实现 Store 接口。通道索引按前缀扫描后与固定键一起删除。
func (s *RedisStore) Clear(ctx context.Context) error {
	keys := []string{keyData, keyPaused, keyWithdrawals}
	iter := s.client.Scan(ctx, 0, keyRoutePrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描通道索引失败")
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清空台账失败")
	}
	return nil
}
