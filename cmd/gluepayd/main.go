package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"GluePay-Chain/internal/api"
	"GluePay-Chain/internal/config"
	"GluePay-Chain/internal/facilitator"
	"GluePay-Chain/internal/identity"
	"GluePay-Chain/internal/reputation"
	"GluePay-Chain/internal/storage/mysql"
	"GluePay-Chain/internal/txlog"
	"GluePay-Chain/internal/web3/provider"
	"GluePay-Chain/pkg/logger"
)

// main 是 GluePay 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("gluepayd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("GLUEPAY_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "gluepay.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	dataDir := cfg.Runtime.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	key, err := loadPrivateKey(cfg.Web3.PrivateKeyEnv)
	if err != nil {
		return err
	}

	registry, err := provider.NewRegistry(ctx, cfg.Web3, key)
	if err != nil {
		return err
	}
	defer registry.Close()

	backends := registry.Backends()

	// mysql 账本驱动替换默认网络的结算器, 链定义只提供签名域。
	if cfg.Ledger.Driver == "mysql" {
		repo, err := mysql.NewSQLLedgerRepository(ctx, ledgerSQLConfig(cfg), registry.DefaultBackend().Domain)
		if err != nil {
			return err
		}
		defer repo.Close()
		defaultNetwork := registry.DefaultBackend().Network
		for i := range backends {
			if backends[i].Network == defaultNetwork {
				backends[i].Settler = repo
			}
		}
	}

	directory, ratings, err := buildRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if ratings != nil {
			_ = ratings.Close()
		}
		if directory != nil {
			_ = directory.Close()
		}
	}()

	journalQueue, err := buildJournalQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if journalQueue != nil {
			if err := journalQueue.Close(); err != nil {
				logger.L().Error("关闭流水队列失败", "error", err)
			}
		}
	}()

	journalStore, err := buildJournalStore(ctx, cfg, dataDir)
	if err != nil {
		return err
	}
	defer journalStore.Close()

	recorder := txlog.NewRecorder(journalStore, journalQueue,
		txlog.WithWorkerCount(cfg.Journal.Workers),
		txlog.WithRecorderLogger(logger.Named("txlog")),
	)

	recorderCtx, recorderCancel := context.WithCancel(ctx)
	defer recorderCancel()

	go func() {
		if err := recorder.Start(recorderCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("流水记录器异常退出", "error", err)
		}
	}()

	service := facilitator.NewService(backends,
		facilitator.WithJournal(journalQueue),
		facilitator.WithServiceLogger(logger.Named("facilitator")),
	)

	server := api.NewServer(cfg.Server.Address, service, directory, ratings)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// loadPrivateKey 从环境变量读取结算账户私钥。变量缺失时返回 nil,
// 仅当配置了 evm 网络时才会因此报错。
func loadPrivateKey(envName string) (*ecdsa.PrivateKey, error) {
	raw := strings.TrimSpace(os.Getenv(envName))
	if raw == "" {
		return nil, nil
	}
	raw = strings.TrimPrefix(raw, "0x")
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("解析 %s 中的私钥失败: %w", envName, err)
	}
	return key, nil
}

func ledgerSQLConfig(cfg *config.Config) mysql.Config {
	return mysql.Config{
		DSN:             cfg.Ledger.DSN,
		MaxOpenConns:    cfg.Ledger.MaxOpenConns,
		MaxIdleConns:    cfg.Ledger.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Ledger.ConnMaxLifetimeSeconds) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.Ledger.ConnMaxIdleTimeSeconds) * time.Second,
	}
}

func buildRegistry(ctx context.Context, cfg *config.Config) (identity.Directory, reputation.Store, error) {
	switch cfg.Registry.Driver {
	case "", "memory":
		directory := identity.NewMemoryDirectory()
		return directory, reputation.NewMemoryStore(directory), nil
	case "mysql":
		directory, err := mysql.NewSQLIdentityDirectory(ctx, mysql.Config{DSN: cfg.Registry.DSN})
		if err != nil {
			return nil, nil, err
		}
		ratings, err := mysql.NewSQLReputationStore(ctx, mysql.Config{DSN: cfg.Registry.DSN}, directory)
		if err != nil {
			directory.Close()
			return nil, nil, err
		}
		return directory, ratings, nil
	default:
		return nil, nil, fmt.Errorf("未知的注册表驱动: %s", cfg.Registry.Driver)
	}
}

func buildJournalQueue(cfg *config.Config) (txlog.Queue, error) {
	switch cfg.Journal.Driver {
	case "", "memory":
		return txlog.NewMemoryQueue(1024), nil
	case "redis":
		return txlog.NewRedisQueue(txlog.RedisQueueConfig{
			Address:   cfg.Journal.Redis.Address,
			Password:  cfg.Journal.Redis.Password,
			DB:        cfg.Journal.Redis.DB,
			Queue:     cfg.Journal.Redis.Queue,
			BlockWait: time.Duration(cfg.Journal.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return txlog.NewRabbitMQQueue(txlog.RabbitMQConfig{
			URL:        cfg.Journal.RabbitMQ.URL,
			Queue:      cfg.Journal.RabbitMQ.Queue,
			Prefetch:   cfg.Journal.RabbitMQ.Prefetch,
			Durable:    cfg.Journal.RabbitMQ.Durable,
			AutoDelete: cfg.Journal.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的流水队列驱动: %s", cfg.Journal.Driver)
	}
}

// buildJournalStore 选择流水落盘后端。账本使用 MySQL 时流水写同一个库,
// 否则写数据目录下的日志文件。
func buildJournalStore(ctx context.Context, cfg *config.Config, dataDir string) (txlog.Store, error) {
	if cfg.Ledger.Driver == "mysql" {
		return mysql.NewSQLJournal(ctx, ledgerSQLConfig(cfg))
	}
	return txlog.NewFileJournal(dataDir)
}
