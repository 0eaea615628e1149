package history

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"CrossFlow/deploy/migrations"
	xerrors "CrossFlow/internal/errors"
	"CrossFlow/internal/ledger"
)

// MySQLConfig 描述归档数据库的连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MySQLArchiver 基于 MySQL 实现 Archiver。
type MySQLArchiver struct {
	db *sql.DB
}

// NewMySQLArchiver 建立连接并确保归档表存在。
func NewMySQLArchiver(ctx context.Context, cfg MySQLConfig) (*MySQLArchiver, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}

	archiver := &MySQLArchiver{db: db}
	if err := archiver.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return archiver, nil
}

// ensureSchema 按文件名顺序执行 deploy/migrations 下的全部迁移脚本。
// 迁移语句必须保持幂等（CREATE TABLE IF NOT EXISTS 等）。
func (a *MySQLArchiver) ensureSchema(ctx context.Context) error {
	entries, err := migrations.Files.ReadDir(".")
	if err != nil {
		return fmt.Errorf("读取迁移脚本目录失败: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		stmt, err := migrations.Files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("读取迁移脚本 %s 失败: %w", name, err)
		}
		if _, err := a.db.ExecContext(ctx, string(stmt)); err != nil {
			return fmt.Errorf("执行迁移脚本 %s 失败: %w", name, err)
		}
	}
	return nil
}

// Archive 实现 Archiver 接口。按主键幂等：重复归档同一笔转账只更新状态。
func (a *MySQLArchiver) Archive(ctx context.Context, transfer *ledger.Transfer, status Status, destinationTx string) error {
	if a == nil || a.db == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "归档存储未初始化")
	}
	if transfer == nil || transfer.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "transfer 或其 ID 不能为空")
	}
	amount := ""
	if transfer.Amount != nil {
		amount = transfer.Amount.String()
	}
	_, err := a.db.ExecContext(ctx, `INSERT INTO transfer_history
        (id, bridge, amount, origin_chain, destination_chain, asset, origin_tx, destination_tx, recipient, status, archived_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE status = VALUES(status), destination_tx = VALUES(destination_tx), archived_at = VALUES(archived_at)`,
		transfer.ID, transfer.Bridge, amount, transfer.Origin, transfer.Destination,
		transfer.Asset, transfer.OriginTxHash, destinationTx, transfer.Recipient,
		string(status), time.Now().Unix())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入归档记录失败")
	}
	return nil
}

// Close 关闭数据库连接。
func (a *MySQLArchiver) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}
