package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"CrossFlow/internal/api"
	"CrossFlow/internal/bridge"
	"CrossFlow/internal/bridge/cctp"
	"CrossFlow/internal/bridge/cex"
	"CrossFlow/internal/bridge/nativegate"
	"CrossFlow/internal/bridge/relaypool"
	"CrossFlow/internal/chain"
	"CrossFlow/internal/config"
	"CrossFlow/internal/exchange"
	"CrossFlow/internal/history"
	"CrossFlow/internal/ledger"
	"CrossFlow/internal/notify"
	"CrossFlow/internal/observability/alerting"
	"CrossFlow/internal/observability/metrics"
	"CrossFlow/internal/rebalance"
	"CrossFlow/pkg/logger"
)

// main 是 CrossFlow 再平衡守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("crossflowd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv(config.EnvConfigPath)
	if configPath == "" {
		configPath = filepath.Join("configs", "crossflow.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditEnabled,
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	store, err := createLedgerStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closer, ok := store.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}()

	defs, err := chain.LoadDefinitions(cfg.Chains.Definitions)
	if err != nil {
		return err
	}
	privateKey := strings.TrimSpace(os.Getenv(cfg.Chains.PrivateKeyEnv))
	if privateKey == "" {
		return fmt.Errorf("签名私钥未设置，环境变量 %s 为空", cfg.Chains.PrivateKeyEnv)
	}
	chains, err := chain.NewRegistry(ctx, defs, privateKey)
	if err != nil {
		return err
	}
	defer chains.Close()

	bridges, err := createBridges(cfg, chains, store)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()
	orchestratorOpts := []rebalance.Option{rebalance.WithMetrics(collector)}
	sweeperOpts := []rebalance.SweeperOption{rebalance.WithSweepMetrics(collector)}

	if cfg.Notify.Enabled {
		publisher, err := notify.NewRabbitMQPublisher(notify.RabbitMQConfig{
			URL:     cfg.Notify.URL,
			Queue:   cfg.Notify.Queue,
			Durable: true,
		})
		if err != nil {
			return err
		}
		defer publisher.Close()
		orchestratorOpts = append(orchestratorOpts, rebalance.WithNotifier(publisher))
		sweeperOpts = append(sweeperOpts, rebalance.WithSweepNotifier(publisher))
	}

	if cfg.Alerting.Enabled {
		webhook, err := alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL,
			time.Duration(cfg.Alerting.TimeoutSeconds)*time.Second)
		if err != nil {
			return err
		}
		orchestratorOpts = append(orchestratorOpts, rebalance.WithAlerts(alerting.NewFanout(webhook)))
	}

	if cfg.History.Enabled {
		archiver, err := history.NewMySQLArchiver(ctx, history.MySQLConfig{DSN: cfg.History.DSN})
		if err != nil {
			return err
		}
		defer archiver.Close()
		sweeperOpts = append(sweeperOpts, rebalance.WithArchiver(archiver))
	}

	orchestrator, err := rebalance.NewOrchestrator(bridges, store, chains, chains, orchestratorOpts...)
	if err != nil {
		return err
	}
	sweeper, err := rebalance.NewSweeper(bridges, store, chains, sweeperOpts...)
	if err != nil {
		return err
	}

	// 每轮重新读取路由表，运维改动无需重启进程。
	routeSource := func(context.Context) ([]bridge.RouteConfig, error) {
		return config.LoadRoutes(cfg.Routes.Path)
	}

	service, err := rebalance.NewService(orchestrator, sweeper, routeSource, rebalance.ServiceConfig{
		Interval:     cfg.Runtime.Interval(),
		CycleTimeout: cfg.Runtime.CycleTimeout(),
	})
	if err != nil {
		return err
	}

	if cfg.Server.Enabled {
		server := api.NewServer(cfg.Server.Address, store, api.RouteSource(routeSource), bridges, collector)
		go func() {
			if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("运维服务异常退出: %v", err)
			}
		}()
	}

	return service.Run(ctx)
}

func createLedgerStore(cfg *config.Config) (ledger.Store, error) {
	switch cfg.Ledger.Driver {
	case "", "memory":
		return ledger.NewMemoryStore(), nil
	case "redis":
		return ledger.NewRedisStore(ledger.RedisConfig{
			Address:  cfg.Ledger.Address,
			Password: cfg.Ledger.Password,
			DB:       cfg.Ledger.DB,
			Timeout:  time.Duration(cfg.Ledger.TimeoutSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的台账驱动: %s", cfg.Ledger.Driver)
	}
}

func createBridges(cfg *config.Config, chains *chain.Registry, store ledger.Store) (*bridge.Registry, error) {
	rails, err := config.LoadRails(cfg.Rails.Path)
	if err != nil {
		return nil, err
	}

	var adapters []bridge.Bridge
	if rails.CCTP != nil {
		adapter, err := cctp.New(*rails.CCTP, chains)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
	}
	if rails.RelayPool != nil {
		adapter, err := relaypool.New(*rails.RelayPool, chains)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
	}
	if rails.NativeGate != nil {
		adapter, err := nativegate.New(*rails.NativeGate, chains)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
	}
	if rails.CEX != nil {
		if !cfg.Exchange.Enabled {
			return nil, errors.New("配置了 cex 通道但未启用交易所 API")
		}
		client, err := createExchangeClient(cfg.Exchange)
		if err != nil {
			return nil, err
		}
		adapter, err := cex.New(*rails.CEX, client, store, chains, chains)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
	}
	if len(adapters) == 0 {
		return nil, errors.New("未配置任何桥接通道")
	}
	return bridge.NewRegistry(adapters...)
}

func createExchangeClient(cfg config.ExchangeConfig) (exchange.Client, error) {
	apiKey := strings.TrimSpace(os.Getenv(cfg.APIKeyEnv))
	apiSecret := strings.TrimSpace(os.Getenv(cfg.APISecretEnv))
	if apiKey == "" || apiSecret == "" {
		return nil, errors.New("交易所 API 凭证未设置")
	}
	return exchange.NewRESTClient(exchange.RESTConfig{
		BaseURL:   cfg.BaseURL,
		APIKey:    apiKey,
		APISecret: apiSecret,
		Timeout:   time.Duration(cfg.TimeoutSeconds) * time.Second,
		Decimals:  cfg.Decimals,
	})
}
