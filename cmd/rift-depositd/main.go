package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riftexchange/rift-client/internal/asset"
	"github.com/riftexchange/rift-client/internal/blobstore"
	"github.com/riftexchange/rift-client/internal/btcpayout"
	"github.com/riftexchange/rift-client/internal/dataengine"
	"github.com/riftexchange/rift-client/internal/deposit"
	depositpg "github.com/riftexchange/rift-client/internal/deposit/postgres"
	"github.com/riftexchange/rift-client/internal/depositapi"
	"github.com/riftexchange/rift-client/internal/depositevent"
	"github.com/riftexchange/rift-client/internal/eth"
	"github.com/riftexchange/rift-client/internal/permit"
	"github.com/riftexchange/rift-client/internal/portfolio"
	"github.com/riftexchange/rift-client/internal/queue"
	"github.com/riftexchange/rift-client/internal/riftabi"
	"github.com/riftexchange/rift-client/internal/secrets"
	"github.com/riftexchange/rift-client/internal/walletlease"
	leasepg "github.com/riftexchange/rift-client/internal/walletlease/postgres"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:8090", "HTTP listen address")

		assetsPath     = flag.String("assets", "", "asset registry YAML (required)")
		accountAsset   = flag.String("account-asset", "", "asset whose balance and history /v1/account reports (default: first symbol)")
		dataEngineURL  = flag.String("data-engine-url", "", "data engine base URL (default: the account asset's dataEngineUrl)")
		bitcoinNetName = flag.String("bitcoin-net", "mainnet", "bitcoin network payout addresses are decoded for (mainnet|testnet|signet|regtest)")
		confirmations  = flag.Uint("confirmation-blocks", riftabi.MinConfirmationBlocks, "default bitcoin confirmation blocks")
		historyPages   = flag.Int("history-pages", 1, "swap history pages read per account refresh")

		rpcURL       = flag.String("rpc-url", "", "EVM JSON-RPC URL (required)")
		keyEnv       = flag.String("wallet-key-env", "RIFT_WALLET_KEY", "env var containing the wallet private key hex")
		keyAWSSecret = flag.String("wallet-key-aws-secret", "", "AWS Secrets Manager id holding the wallet key (overrides --wallet-key-env)")
		authEnv      = flag.String("auth-env", "RIFT_DEPOSITD_AUTH_TOKEN", "env var containing bearer auth token (unset disables auth)")

		minTipGwei     = flag.Int64("min-tip-gwei", 1, "minimum priority fee (gwei)")
		gasMult        = flag.Float64("gas-mult", 1.2, "gas limit multiplier for approvals")
		pollInterval   = flag.Duration("poll-interval", 2*time.Second, "receipt poll interval")
		receiptTimeout = flag.Duration("receipt-timeout", 10*time.Minute, "max wait for a receipt (0 = until the attempt times out)")
		nonceWords     = flag.Int("permit-nonce-words", 1, "Permit2 nonce bitmap words scanned for a free nonce")

		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN for attempt history and the wallet lease (empty keeps history in memory)")
		leaseTTL    = flag.Duration("wallet-lease-ttl", 30*time.Second, "wallet lease TTL when --postgres-dsn is set")

		queueDriver  = flag.String("queue-driver", queue.DriverKafka, "queue driver for status events (kafka|stdio)")
		queueBrokers = flag.String("queue-brokers", "", "queue brokers (comma-separated); empty disables kafka events")
		eventTopic   = flag.String("event-topic", depositevent.Topic, "queue topic for status events")

		archiveDriver = flag.String("archive-driver", "", "attempt archive driver (memory|s3); empty disables the archive")
		archiveBucket = flag.String("archive-bucket", "", "S3 bucket for the attempt archive")
		archivePrefix = flag.String("archive-prefix", "", "key prefix for the attempt archive")

		attemptTimeout     = flag.Duration("attempt-timeout", 30*time.Minute, "timeout for one attempt, wallet prompts included")
		rateLimitPerSecond = flag.Float64("rate-limit-per-ip-per-second", 20, "per-IP refill rate for API rate limiting")
		rateLimitBurst     = flag.Int("rate-limit-burst", 40, "per-IP burst capacity for API rate limiting")
		rateLimitMaxIPs    = flag.Int("rate-limit-max-tracked-ips", 10000, "maximum tracked client IP entries in rate limiter")
		trustProxy         = flag.Bool("trust-proxy", false, "key the rate limiter on X-Forwarded-For")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 30*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *assetsPath == "" || *rpcURL == "" {
		fmt.Fprintln(os.Stderr, "error: --assets and --rpc-url are required")
		os.Exit(2)
	}
	if *listenAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --listen must be non-empty")
		os.Exit(2)
	}
	if *confirmations < riftabi.MinConfirmationBlocks || *confirmations > 255 {
		fmt.Fprintf(os.Stderr, "error: --confirmation-blocks must be in [%d, 255]\n", riftabi.MinConfirmationBlocks)
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 || *attemptTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}
	if *rateLimitPerSecond <= 0 || *rateLimitBurst <= 0 || *rateLimitMaxIPs <= 0 {
		fmt.Fprintln(os.Stderr, "error: rate limit settings must be > 0")
		os.Exit(2)
	}
	if *leaseTTL < time.Second {
		fmt.Fprintln(os.Stderr, "error: --wallet-lease-ttl must be >= 1s")
		os.Exit(2)
	}
	btcNet, err := btcpayout.Network(*bitcoinNetName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	registry, err := asset.Load(*assetsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	account, err := pickAsset(registry, *accountAsset)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	engineURL := strings.TrimSpace(*dataEngineURL)
	if engineURL == "" {
		engineURL = account.DataEngineURL
	}
	if engineURL == "" {
		fmt.Fprintln(os.Stderr, "error: --data-engine-url is required when the asset has no dataEngineUrl")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startupCtx, cancelStartup := context.WithTimeout(ctx, 10*time.Second)
	defer cancelStartup()

	key, err := secrets.PrivateKey(startupCtx, walletKeySource(*keyEnv, *keyAWSSecret), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	authToken := strings.TrimSpace(os.Getenv(*authEnv))

	client, err := ethclient.DialContext(startupCtx, *rpcURL)
	if err != nil {
		log.Error("dial rpc", "err", err)
		os.Exit(1)
	}
	defer client.Close()

	chainID, err := client.ChainID(startupCtx)
	if err != nil {
		log.Error("fetch chain id", "err", err)
		os.Exit(1)
	}
	if err := checkRegistryChain(registry, chainID); err != nil {
		log.Error("asset registry does not match rpc", "err", err)
		os.Exit(2)
	}

	gateway, err := eth.NewGateway(client, eth.NewLocalSigner(key), eth.GatewayConfig{
		ChainID:             chainID,
		GasLimitMultiplier:  *gasMult,
		Fees:                eth.FeePolicy{MinTipCap: new(big.Int).Mul(big.NewInt(*minTipGwei), big.NewInt(1_000_000_000))},
		ReceiptPollInterval: *pollInterval,
		ReceiptTimeout:      *receiptTimeout,
	})
	if err != nil {
		log.Error("init gateway", "err", err)
		os.Exit(2)
	}
	owner := gateway.Address()

	permits, err := permit.NewBuilder(gateway, gateway, permit.Config{
		ChainID:       chainID,
		Permit2:       account.Permit2Address,
		MaxNonceWords: *nonceWords,
	})
	if err != nil {
		log.Error("init permit builder", "err", err)
		os.Exit(2)
	}

	engine, err := dataengine.NewClient(engineURL)
	if err != nil {
		log.Error("init data engine client", "err", err)
		os.Exit(2)
	}

	accounts, err := portfolio.New(gateway, engine, portfolio.Config{Token: account.TokenAddress, Pages: *historyPages})
	if err != nil {
		log.Error("init portfolio", "err", err)
		os.Exit(2)
	}

	var store interface {
		deposit.Store
		depositapi.AttemptLister
	}
	storeDriver := "memory"
	var leaseLost <-chan struct{}
	if strings.TrimSpace(*postgresDSN) != "" {
		pool, err := pgxpool.New(ctx, *postgresDSN)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()

		pg, err := depositpg.New(pool)
		if err != nil {
			log.Error("init attempt store", "err", err)
			os.Exit(2)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Error("ensure attempt schema", "err", err)
			os.Exit(2)
		}
		store, storeDriver = pg, "postgres"

		leaseStore, err := leasepg.New(pool)
		if err != nil {
			log.Error("init wallet lease store", "err", err)
			os.Exit(2)
		}
		if err := leaseStore.EnsureSchema(ctx); err != nil {
			log.Error("ensure wallet lease schema", "err", err)
			os.Exit(2)
		}
		held, err := walletlease.Hold(ctx, leaseStore, owner, leaseHolder(), *leaseTTL, log.With("component", "walletlease"))
		if err != nil {
			log.Error("acquire wallet lease", "wallet", owner, "err", err)
			os.Exit(1)
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := held.Release(rctx); err != nil {
				log.Warn("release wallet lease", "err", err)
			}
		}()
		leaseLost = held.Lost()
	} else {
		store = deposit.NewMemoryStore()
	}

	cfg := deposit.Config{
		ChainID:    chainID,
		Store:      store,
		Refresher:  accounts,
		BitcoinNet: btcNet,
	}

	if events, closeEvents, err := newEventSink(*queueDriver, *queueBrokers, *eventTopic); err != nil {
		log.Error("init event publisher", "err", err)
		os.Exit(2)
	} else if events != nil {
		defer closeEvents()
		cfg.Events = events
	}

	if strings.TrimSpace(*archiveDriver) != "" {
		archive, err := newArchive(ctx, *archiveDriver, *archiveBucket, *archivePrefix)
		if err != nil {
			log.Error("init attempt archive", "err", err)
			os.Exit(2)
		}
		cfg.Archive = archive
	}

	orch, err := deposit.New(cfg, gateway, permits, log.With("component", "deposit"))
	if err != nil {
		log.Error("init orchestrator", "err", err)
		os.Exit(2)
	}

	handler, err := depositapi.NewHandler(depositapi.Config{
		Owner:                   owner,
		AuthToken:               authToken,
		AttemptTimeout:          *attemptTimeout,
		ConfirmationBlocks:      uint8(*confirmations),
		RateLimitPerIPPerSecond: *rateLimitPerSecond,
		RateLimitBurst:          *rateLimitBurst,
		RateLimitMaxTrackedIPs:  *rateLimitMaxIPs,
		TrustProxy:              *trustProxy,
	}, depositapi.Deps{
		Orchestrator: orch,
		Assets:       registry,
		Tips:         engine,
		Accounts:     accounts,
		Attempts:     store,
	}, log.With("component", "api"))
	if err != nil {
		log.Error("init deposit api handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	log.Info("rift-depositd started",
		"chainID", chainID.String(),
		"owner", owner,
		"assets", strings.Join(registry.Symbols(), ","),
		"accountAsset", account.Symbol,
		"dataEngine", engineURL,
		"bitcoinNet", btcNet.Name,
		"storeDriver", storeDriver,
		"queueDriver", *queueDriver,
		"archiveDriver", *archiveDriver,
		"auth", authToken != "",
	)

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		log.Info("shutdown", "signal", ctx.Err())
	case <-leaseLost:
		log.Error("shutdown: wallet lease lost", "wallet", owner)
		exitCode = 1
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if st := orch.Snapshot(); orch.Busy() {
		log.Warn("exiting with attempt in flight", "attemptID", st.AttemptID, "status", st.Status.String(), "txHash", st.TxHash)
	}
	if exitCode != 0 {
		// Lease already gone; nothing left for the deferred release to do.
		os.Exit(exitCode)
	}
}

func leaseHolder() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("rift-depositd@%s/%d", host, os.Getpid())
}

func walletKeySource(env, awsSecret string) secrets.Source {
	if strings.TrimSpace(awsSecret) != "" {
		return secrets.Source{AWSSecret: awsSecret}
	}
	return secrets.Source{Env: env}
}

func pickAsset(reg *asset.Registry, symbol string) (asset.Asset, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		syms := reg.Symbols()
		if len(syms) == 0 {
			return asset.Asset{}, errors.New("asset registry is empty")
		}
		symbol = syms[0]
	}
	return reg.Get(symbol)
}

// checkRegistryChain rejects a registry listing an asset on a chain other than the RPC's: the
// daemon signs for one chain only.
func checkRegistryChain(reg *asset.Registry, chainID *big.Int) error {
	for _, sym := range reg.Symbols() {
		a, err := reg.Get(sym)
		if err != nil {
			return err
		}
		if a.ChainID.Cmp(chainID) != 0 {
			return fmt.Errorf("asset %s is on chain %s, rpc is on chain %s", sym, a.ChainID, chainID)
		}
	}
	return nil
}

// newEventSink returns nil when events are disabled: kafka without brokers.
func newEventSink(driver, brokers, topic string) (*queue.EventPublisher, func(), error) {
	list := queue.SplitCommaList(brokers)
	if d := strings.ToLower(strings.TrimSpace(driver)); (d == "" || d == queue.DriverKafka) && len(list) == 0 {
		return nil, func() {}, nil
	}
	producer, err := queue.NewProducer(queue.ProducerConfig{Driver: driver, Brokers: list, Writer: os.Stdout})
	if err != nil {
		return nil, nil, err
	}
	pub, err := queue.NewEventPublisher(producer, topic)
	if err != nil {
		_ = producer.Close()
		return nil, nil, err
	}
	return pub, func() { _ = producer.Close() }, nil
}

func newArchive(ctx context.Context, driver, bucket, prefix string) (blobstore.Store, error) {
	cfg := blobstore.Config{
		Driver: strings.ToLower(strings.TrimSpace(driver)),
		Bucket: strings.TrimSpace(bucket),
		Prefix: strings.TrimSpace(prefix),
	}
	if cfg.Driver == blobstore.DriverS3 {
		client, err := blobstore.NewS3Client(ctx)
		if err != nil {
			return nil, err
		}
		cfg.S3Client = client
	}
	return blobstore.New(cfg)
}
