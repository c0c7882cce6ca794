package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"AgentPay-Chain/internal/api"
	"AgentPay-Chain/internal/batch"
	"AgentPay-Chain/internal/budget"
	"AgentPay-Chain/internal/chain"
	"AgentPay-Chain/internal/chain/ethereum"
	"AgentPay-Chain/internal/chain/provider"
	"AgentPay-Chain/internal/config"
	"AgentPay-Chain/internal/guard"
	"AgentPay-Chain/internal/idempotency"
	"AgentPay-Chain/internal/money"
	"AgentPay-Chain/internal/notify"
	"AgentPay-Chain/internal/observability/metrics"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/retry"
	"AgentPay-Chain/internal/verify"
	"AgentPay-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/crypto"
)

// main 是 AgentPay 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentpayd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTPAY_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentpay.json")
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
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	paymentStore, err := newPaymentStore(cfg.Storage.Payments)
	if err != nil {
		return err
	}
	defer paymentStore.Close()

	budgetStore, err := newBudgetStore(cfg.Storage.Budgets)
	if err != nil {
		return err
	}
	defer budgetStore.Close()

	batchStore, err := newBatchStore(cfg.Storage.Batches)
	if err != nil {
		return err
	}
	defer batchStore.Close()

	refStore, flagStore, err := newVerifyStores(cfg.Storage.Verify)
	if err != nil {
		return err
	}
	defer refStore.Close()

	idem, err := newIdempotencyManager(cfg.Storage)
	if err != nil {
		return err
	}

	paymentQueue, err := newQueue(cfg.Queue, cfg.Queue.PaymentQueue)
	if err != nil {
		return err
	}
	defer func() {
		if err := paymentQueue.Close(); err != nil {
			logger.L().Warn("关闭支付队列失败", slog.Any("error", err))
		}
	}()

	settlementQueue, err := newQueue(cfg.Queue, cfg.Queue.SettlementQueue)
	if err != nil {
		return err
	}
	defer func() {
		if err := settlementQueue.Close(); err != nil {
			logger.L().Warn("关闭结算队列失败", slog.Any("error", err))
		}
	}()

	// 先加载链定义以枚举链名，再为每条链挂上出账签名器。
	defs, err := chain.LoadChainDefinitions(cfg.Chains.ConfigPath)
	if err != nil {
		return err
	}
	signer, err := loadSigner(cfg.Chains.SignerKeyEnv)
	if err != nil {
		return err
	}
	signers := make(map[string]ethereum.Signer)
	if signer != nil {
		for name := range defs.Chains {
			signers[name] = signer
		}
	}

	registry, err := provider.NewRegistry(ctx, provider.Config{
		ChainConfig:  cfg.Chains.ConfigPath,
		DefaultChain: cfg.Chains.DefaultChain,
		Signers:      signers,
	})
	if err != nil {
		return err
	}
	defer registry.Close()

	ledger := budget.NewLedger(budgetStore)
	if err := seedBudgets(ctx, budgetStore, cfg.Budgets); err != nil {
		return err
	}

	authorizer := guard.New(guard.Config{
		RateWindow:       time.Duration(cfg.Guard.RateWindowSeconds) * time.Second,
		RateLimit:        cfg.Guard.RateLimit,
		BreakerThreshold: cfg.Guard.BreakerThreshold,
		BreakerCooldown:  time.Duration(cfg.Guard.BreakerCooldownSeconds) * time.Second,
	}, ledger, provider.NewBalanceReader(registry))

	policies, err := buildPolicies(cfg.Policies)
	if err != nil {
		return err
	}

	direct := payment.NewDirectStrategy(registry)
	var gasless payment.Strategy
	if cfg.Relay.Endpoint != "" {
		if signer == nil {
			return errors.New("中继策略需要配置出账私钥")
		}
		strategy, err := payment.NewGaslessStrategy(payment.RelayConfig{
			Endpoint:            cfg.Relay.Endpoint,
			APIKey:              cfg.Relay.APIKey,
			Timeout:             time.Duration(cfg.Relay.TimeoutSeconds) * time.Second,
			AuthorizationWindow: time.Duration(cfg.Relay.AuthorizationWindowSeconds) * time.Second,
		}, registry, &relaySigner{signer: signer})
		if err != nil {
			return err
		}
		gasless = strategy
	}

	dispatcher, err := newNotifyDispatcher(cfg.Notify)
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	orchestrator := payment.NewOrchestrator(payment.OrchestratorConfig{
		SenderAddresses: cfg.Chains.SenderAddresses,
	}, paymentStore, ledger, authorizer, policies, registry, gasless, direct, dispatcher)

	processor := payment.NewProcessor(orchestrator, paymentStore, paymentQueue, paymentQueue,
		payment.WithWorkerCount(cfg.Queue.Workers),
		payment.WithProcessorLogger(logger.Named("processor")),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("支付处理器异常退出", slog.Any("error", err))
		}
	}()

	var dedup verify.Deduper
	if cfg.Storage.Redis.Addr != "" {
		deduper, err := verify.NewRedisDeduper(verify.RedisDeduperConfig{
			Address:  cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err != nil {
			return err
		}
		dedup = deduper
	}
	verifier := verify.NewVerifier(verify.Config{}, provider.NewTxReader(registry), refStore, flagStore, dedup)

	settlement := payment.NewSettlementWorker(settlementQueue, verifier,
		payment.StaticRecipientResolver(cfg.Merchants), cfg.Queue.Workers)
	go func() {
		if err := settlement.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("结算核验器异常退出", slog.Any("error", err))
		}
	}()

	paymentService := payment.NewService(paymentStore, paymentQueue, settlementQueue, idem)

	if cfg.Recovery.Enabled {
		recoveryManager := payment.NewRecoveryManager(payment.RecoveryConfig{
			Interval:   time.Duration(cfg.Recovery.IntervalSeconds) * time.Second,
			SweepLimit: cfg.Recovery.SweepLimit,
			Backoff: retry.Config{
				MaxAttempts:  uint(cfg.Recovery.MaxAttempts),
				InitialDelay: time.Duration(cfg.Recovery.InitialDelaySeconds) * time.Second,
				MaxDelay:     time.Duration(cfg.Recovery.MaxDelaySeconds) * time.Second,
			},
		}, paymentService)
		go func() {
			if err := recoveryManager.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("恢复管理器异常退出", slog.Any("error", err))
			}
		}()
	}

	familyLimits := make(map[chain.Family]batch.FamilyLimit, len(cfg.Batch.Families))
	for name, family := range cfg.Batch.Families {
		familyLimits[chain.FamilyOf(name)] = batch.FamilyLimit{
			ChunkSize:  family.ChunkSize,
			ChunkDelay: time.Duration(family.ChunkDelayMS) * time.Millisecond,
		}
	}
	batchWorker := batch.NewWorker(batch.WorkerConfig{
		ChunkSize:    cfg.Batch.ChunkSize,
		ChunkDelay:   time.Duration(cfg.Batch.ChunkDelayMS) * time.Millisecond,
		FamilyLimits: familyLimits,
		ItemTimeout:  time.Duration(cfg.Batch.ItemTimeoutSeconds) * time.Second,
	}, batchStore, newBatchExecutor(gasless, direct, registry.Definitions()), registry.Definitions())
	batchService := batch.NewService(batchStore, batchWorker)

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, paymentService, batchService, verifier)

	if err := server.Start(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func newPaymentStore(cfg config.StoreConfig) (payment.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return payment.NewMemoryStore(), nil
	case "mysql":
		return payment.NewMySQLStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("未知的支付存储驱动: %s", cfg.Driver)
	}
}

func newBudgetStore(cfg config.StoreConfig) (budget.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return budget.NewMemoryStore(), nil
	case "mysql":
		return budget.NewMySQLStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("未知的预算存储驱动: %s", cfg.Driver)
	}
}

func newBatchStore(cfg config.StoreConfig) (batch.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return batch.NewMemoryStore(), nil
	case "mysql":
		return batch.NewMySQLStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("未知的批次存储驱动: %s", cfg.Driver)
	}
}

// newVerifyStores 返回引用与留痕两套存储。mysql 驱动下由同一个
// 连接池同时承担。
func newVerifyStores(cfg config.StoreConfig) (verify.RefStore, verify.FlagStore, error) {
	switch cfg.Driver {
	case "", "memory":
		return verify.NewMemoryRefStore(), verify.NewMemoryFlagStore(), nil
	case "mysql":
		store, err := verify.NewMySQLStore(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("未知的核验存储驱动: %s", cfg.Driver)
	}
}

func newIdempotencyManager(cfg config.StorageConfig) (*idempotency.Manager, error) {
	switch cfg.IdempotencyDriver {
	case "", "memory":
		return idempotency.NewManager(idempotency.NewMemoryStore(), 0), nil
	case "redis":
		store, err := idempotency.NewRedisStore(idempotency.RedisStoreConfig{
			Address:  cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		return idempotency.NewManager(store, 0), nil
	default:
		return nil, fmt.Errorf("未知的幂等存储驱动: %s", cfg.IdempotencyDriver)
	}
}

func newQueue(cfg config.QueueConfig, name string) (payment.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return payment.NewMemoryQueue(1024), nil
	case "redis":
		return payment.NewRedisQueue(payment.RedisQueueConfig{
			Address:  cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Queue:    name,
		})
	case "rabbitmq":
		return payment.NewRabbitMQQueue(payment.RabbitMQConfig{
			URL:     cfg.RabbitURL,
			Queue:   name,
			Durable: true,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

// loadSigner 从环境变量读取出账私钥。未配置时返回 nil，各链以只读
// 模式运行。
func loadSigner(keyEnv string) (*ethereum.KeySigner, error) {
	if keyEnv == "" {
		return nil, nil
	}
	key := os.Getenv(keyEnv)
	if key == "" {
		return nil, nil
	}
	return ethereum.NewKeySigner(key)
}

// seedBudgets 把配置里的预算写入存储，已存在的记录不覆盖。
func seedBudgets(ctx context.Context, store budget.Store, seeds []config.BudgetSeed) error {
	for _, seed := range seeds {
		amount, err := money.Parse(seed.Amount)
		if err != nil {
			return fmt.Errorf("预算 %s 金额非法: %w", seed.ID, err)
		}
		period := budget.Period(seed.Period)
		if !budget.IsValidPeriod(period) {
			return fmt.Errorf("预算 %s 周期非法: %s", seed.ID, seed.Period)
		}
		err = store.Create(ctx, &budget.Budget{
			ID:      seed.ID,
			AgentID: seed.AgentID,
			Token:   seed.Token,
			Chain:   seed.Chain,
			Period:  period,
			Amount:  amount,
		})
		if errors.Is(err, budget.ErrBudgetConflict) {
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func buildPolicies(configs map[string]config.PolicyConfig) (payment.StaticPolicySource, error) {
	if len(configs) == 0 {
		return nil, nil
	}
	policies := make(payment.StaticPolicySource, len(configs))
	for agentID, pc := range configs {
		policy := payment.Policy{
			TokenWhitelist:     pc.TokenWhitelist,
			RecipientWhitelist: pc.RecipientWhitelist,
			ChainWhitelist:     pc.ChainWhitelist,
		}
		if pc.MaxPerTx != "" {
			amount, err := money.Parse(pc.MaxPerTx)
			if err != nil {
				return nil, fmt.Errorf("智能体 %s 的单笔上限非法: %w", agentID, err)
			}
			policy.MaxPerTx = amount
		}
		policies[agentID] = policy
	}
	return policies, nil
}

func newNotifyDispatcher(cfg config.NotifyConfig) (*notify.Dispatcher, error) {
	var sinks []notify.Sink
	if cfg.WebhookEndpoint != "" {
		sink, err := notify.NewWebhookSink(notify.WebhookConfig{
			Endpoint: cfg.WebhookEndpoint,
			Secret:   cfg.WebhookSecret,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if cfg.RabbitURL != "" {
		sink, err := notify.NewRabbitMQSink(notify.RabbitMQSinkConfig{
			URL:      cfg.RabbitURL,
			Exchange: cfg.RabbitExchange,
			Durable:  true,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	return notify.NewDispatcher(sinks...), nil
}

// newBatchExecutor 按逐条指令选择执行路径：代币支持免 gas 且中继
// 可用时走中继，否则直接转账。
func newBatchExecutor(gasless, direct payment.Strategy, defs chain.ChainDefinitions) batch.ItemExecutor {
	return batch.ItemExecutorFunc(func(ctx context.Context, item *batch.Item) (string, error) {
		task := &payment.Task{
			ID:        item.ID,
			AgentID:   item.AgentID,
			Recipient: item.Recipient,
			Amount:    item.Amount,
			Token:     item.Token,
			Chain:     item.Chain,
		}
		if gasless != nil && defs.SupportsGasless(item.Chain, item.Token) {
			ref, err := gasless.Execute(ctx, task)
			if err == nil {
				return ref, nil
			}
			logger.L().Warn("批次条目中继失败，回退直接转账",
				slog.String("item_id", item.ID),
				slog.Any("error", err),
			)
		}
		return direct.Execute(ctx, task)
	})
}

// relaySigner 用本地托管私钥实现转账授权签名：对授权载荷的规范 JSON
// 做 Keccak256 摘要后签名。
type relaySigner struct {
	signer *ethereum.KeySigner
}

var _ payment.AuthorizationSigner = (*relaySigner)(nil)

func (s *relaySigner) Address() string {
	return s.signer.Address().Hex()
}

func (s *relaySigner) SignAuthorization(_ context.Context, auth payment.TransferAuthorization) ([]byte, error) {
	payload, err := json.Marshal(auth)
	if err != nil {
		return nil, err
	}
	return s.signer.SignDigest(crypto.Keccak256(payload))
}
