// Command agentd is the long-running autonomous agent process: it owns a
// vault, spends from it under the constitution's iron laws, sells
// services, and ticks its heartbeat loop once per configured interval
// until it either dies at zero balance, liquidates from insolvency, or is
// stopped by an operator. Grounded on cmd/nhb/main.go's boot shape (flag
// parsing, key loading, LevelDB open, signal-driven run-forever loop),
// generalized from "run a consensus node" to "run one agent".
package main

import (
	"context"
	"crypto/ecdsa"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/nhbvault/agentd/adminapi"
	"github.com/nhbvault/agentd/chainexec"
	"github.com/nhbvault/agentd/config"
	"github.com/nhbvault/agentd/core/types"
	"github.com/nhbvault/agentd/crypto"
	"github.com/nhbvault/agentd/decisionstream"
	"github.com/nhbvault/agentd/heartbeat"
	"github.com/nhbvault/agentd/identity"
	"github.com/nhbvault/agentd/llmclient"
	"github.com/nhbvault/agentd/native/costguard"
	"github.com/nhbvault/agentd/native/governance"
	"github.com/nhbvault/agentd/native/peerverify"
	"github.com/nhbvault/agentd/native/purchasing"
	"github.com/nhbvault/agentd/native/purchasing/giftcardadapter"
	"github.com/nhbvault/agentd/native/purchasing/peeradapter"
	"github.com/nhbvault/agentd/native/purchasing/x402adapter"
	"github.com/nhbvault/agentd/native/selfmodify"
	"github.com/nhbvault/agentd/native/vault"
	"github.com/nhbvault/agentd/observability/logging"
	"github.com/nhbvault/agentd/observability/metrics"
	"github.com/nhbvault/agentd/observability/otel"
	"github.com/nhbvault/agentd/peerfetcher"
	"github.com/nhbvault/agentd/storage"
	"github.com/nhbvault/agentd/streamserver"
)

const keystorePassEnv = "AGENTD_KEYSTORE_PASS"

func main() {
	constitutionPath := flag.String("constitution", "./constitution.toml", "Path to the constitution TOML override file")
	dataDir := flag.String("data-dir", "./data", "Directory for the identity DB, vault snapshot, and append-only logs")
	keystorePath := flag.String("keystore", "", "Path to a go-ethereum format keystore file holding the vault's key")
	privateKeyEnv := flag.String("private-key-env", "", "Env var holding a hex-encoded private key (alternative to --keystore)")
	aiName := flag.String("ai-name", "agent", "This agent's self-chosen name")
	creatorAddr := flag.String("creator", "", "Bech32 address of the creator registered on first boot")
	depositMicros := flag.Int64("deposit-micros", 0, "Initial deposit credited on first boot, in USD micros, against the first configured chain")
	adminAddr := flag.String("admin-addr", "127.0.0.1:8090", "Listen address for the read-only admin API")
	streamerAddr := flag.String("streamer-addr", "", "Listen address for the websocket decision streamer; empty disables it")
	otelEndpoint := flag.String("otel-endpoint", "", "OTLP collector endpoint; empty disables telemetry export")
	logFile := flag.String("log-file", "", "Optional path for rotated on-disk logs in addition to stdout")
	catalogSeed := flag.String("catalog-seed", "", "Optional YAML service catalog seed, applied only on first boot")
	giftcardAPIKeyEnv := flag.String("giftcard-api-key-env", "AGENTD_GIFTCARD_API_KEY", "Env var holding the gift-card merchant API key")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("AGENTD_ENV"))
	logger := buildLogger(*logFile, env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *otelEndpoint != "" {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "agentd", Environment: env, Endpoint: *otelEndpoint, Metrics: true, Traces: true,
		})
		if err != nil {
			logger.Error("otel init failed, continuing without telemetry export", slog.Any("error", err))
		} else {
			defer shutdown(context.Background())
		}
	}

	cfg, err := config.Load(*constitutionPath)
	if err != nil {
		logger.Error("failed to load constitution", slog.Any("error", err))
		os.Exit(1)
	}

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Error("failed to create data directory", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(*dataDir + "/identity")
	if err != nil {
		logger.Error("failed to open identity database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	key, err := loadKey(*keystorePath, *privateKeyEnv)
	if err != nil {
		logger.Error("failed to load vault key", slog.Any("error", err))
		os.Exit(1)
	}
	vaultAddr := key.PubKey().Address()

	chainIDs := chainIDsFromProfiles(config.ChainProfiles())
	rec, err := identity.LoadOrCreateRecord(db, *aiName, vaultAddr, chainIDs, nil)
	if err != nil {
		logger.Error("failed to load boot record", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("boot record loaded", slog.Int("boot_count", rec.BootCount), slog.String("wallet", rec.AIWallet))

	chainDecimals := make(map[string]int)
	for _, p := range config.ChainProfiles() {
		chainDecimals[p.ChainID] = p.Decimals
	}

	registry := metrics.Default()

	ve, firstBoot, err := loadOrCreateVault(*dataDir+"/vault.json", cfg, *aiName, vaultAddr, chainIDs, chainDecimals, *creatorAddr, types.Money(*depositMicros), registry)
	if err != nil {
		logger.Error("failed to load or create vault", slog.Any("error", err))
		os.Exit(1)
	}

	chainClients := make(map[string]chainexec.Client)
	for _, p := range config.ChainProfiles() {
		client, err := chainexec.Dial(ctx, p.DefaultRPC)
		if err != nil {
			logger.Warn("failed to dial chain RPC, excluding chain from execution", slog.String("chain", p.ChainID), slog.Any("error", err))
			continue
		}
		chainClients[p.ChainID] = client
	}
	fromAddr := ethcommon.BytesToAddress(vaultAddr.Bytes())
	executor := chainexec.New(chainClients, config.ChainProfiles(), key.PrivateKey, fromAddr)

	guard := costguard.New(cfg, config.Tiers(), config.Providers(), costguard.WithMetrics(registry))
	peers := peerverify.New(cfg, peerverify.WithMetrics(registry))

	resolver := purchasing.NewDNSResolver("8.8.8.8:53")
	purchEngine := purchasing.New(cfg, config.KnownMerchants(), purchasing.WithResolver(resolver), purchasing.WithMetrics(registry))
	wireAdapters(purchEngine, peers, key.PrivateKey, vaultAddr.String(), *giftcardAPIKeyEnv)

	selfModEngine := selfmodify.New(cfg, *dataDir+"/catalog.json", *dataDir+"/evolution.jsonl", loadCatalogSeed(logger, firstBoot, *catalogSeed))

	govEngine := governance.New(cfg.GovernanceQueueCap, *dataDir+"/governance_audit.jsonl")

	var mirror decisionstream.Mirror
	if sqlMirror, err := decisionstream.OpenSQLite(*dataDir + "/decisions.db"); err != nil {
		logger.Warn("decision stream SQL mirror unavailable, continuing JSONL-only", slog.Any("error", err))
	} else {
		mirror = sqlMirror
	}
	stream := decisionstream.New(*dataDir+"/decisions.jsonl", *dataDir+"/highlights.jsonl",
		cfg.DecisionStreamMaxEntries, cfg.HighlightStreamMaxEntries,
		decisionstream.WithMirror(mirror), decisionstream.WithLogger(logger))

	balanceFn := func() types.Money { status := ve.Status(); return status.AggregateBalance() }
	revenueFn := func() types.Money { return ve.Status().TotalIncome }
	judge := llmclient.New(guard, nil, balanceFn, revenueFn)

	peerURLs := make(map[string]string)
	peerChainID := "base"
	if len(chainIDs) > 0 {
		peerChainID = chainIDs[0]
	}
	fetcher := &peerfetcher.Fetcher{Chain: executor, ChainID: peerChainID, URLs: peerURLs}

	hb := heartbeat.New(ve, executor, peers, purchEngine, selfModEngine, govEngine, stream, judge, fetcher, judge,
		cfg.SurvivalReserveUSD, heartbeat.WithMetrics(registry))

	adminServer := &http.Server{Addr: *adminAddr, Handler: adminapi.New(ve, stream, logger)}
	go func() {
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server exited", slog.Any("error", err))
		}
	}()

	var streamerServer *http.Server
	if *streamerAddr != "" {
		streamerServer = &http.Server{Addr: *streamerAddr, Handler: streamserver.New(stream, logger, time.Second)}
		go func() {
			if err := streamerServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("streamer server exited", slog.Any("error", err))
			}
		}()
	}

	fatal := runHeartbeatLoop(ctx, logger, hb, ve, *dataDir+"/vault.json", cfg.HeartbeatInterval)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = adminServer.Shutdown(shutdownCtx)
	if streamerServer != nil {
		_ = streamerServer.Shutdown(shutdownCtx)
	}
	if err := ve.Save(*dataDir + "/vault.json"); err != nil {
		logger.Error("final vault snapshot failed", slog.Any("error", err))
	}
	if fatal {
		logger.Error("agentd exiting non-zero: constitution violation")
		os.Exit(1)
	}
	logger.Info("agentd shut down cleanly")
}

func buildLogger(logFile, env string) *slog.Logger {
	if logFile == "" {
		return logging.Setup("agentd", env)
	}
	return logging.SetupWithRotation("agentd", env, logging.RotatingFile{
		Path: logFile, MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30,
	})
}

func chainIDsFromProfiles(profiles []config.ChainProfile) []string {
	ids := make([]string, 0, len(profiles))
	for _, p := range profiles {
		ids = append(ids, p.ChainID)
	}
	return ids
}

func loadKey(keystorePath, envVar string) (*crypto.PrivateKey, error) {
	src := identity.KeySource{KeystorePath: keystorePath, EnvVar: envVar}
	if keystorePath != "" {
		src.KeystorePassphrase = func() (string, error) {
			pass := os.Getenv(keystorePassEnv)
			if pass == "" {
				return "", fmt.Errorf("%s is not set", keystorePassEnv)
			}
			return pass, nil
		}
	}
	return identity.LoadKey(src)
}

func loadOrCreateVault(path string, cfg config.Constitution, aiName string, vaultAddr crypto.Address, chainIDs []string,
	chainDecimals map[string]int, creatorAddr string, deposit types.Money, registry *metrics.Registry) (*vault.Engine, bool, error) {

	if _, err := os.Stat(path); err == nil {
		ve := vault.NewEngine(cfg, vault.Identity{AIName: aiName, AIWallet: vaultAddr, ChainIDs: chainIDs}, vaultAddr, 0, chainDecimals, vault.WithMetrics(registry))
		if err := ve.Load(path); err != nil {
			return nil, false, fmt.Errorf("load vault snapshot: %w", err)
		}
		return ve, false, nil
	}

	if creatorAddr == "" {
		return nil, false, fmt.Errorf("no vault snapshot at %s and --creator was not provided for first boot", path)
	}
	creator, err := crypto.DecodeAddress(creatorAddr)
	if err != nil {
		return nil, false, fmt.Errorf("decode --creator address: %w", err)
	}

	// NewEngine credits deposit to identity.ChainIDs[0] as the founding
	// creator deposit (spec.md's "vault is created once at birth").
	ve := vault.NewEngine(cfg, vault.Identity{AIName: aiName, AIWallet: vaultAddr, ChainIDs: chainIDs}, creator, deposit, chainDecimals, vault.WithMetrics(registry))
	if err := ve.Save(path); err != nil {
		return nil, false, fmt.Errorf("save initial vault snapshot: %w", err)
	}
	return ve, true, nil
}

func loadCatalogSeed(logger *slog.Logger, firstBoot bool, seedPath string) []selfmodify.ServicePerformance {
	if !firstBoot || seedPath == "" {
		return nil
	}
	rows, err := selfmodify.ImportCatalogSeed(seedPath)
	if err != nil {
		logger.Warn("catalog seed import failed, starting with an empty catalog", slog.Any("error", err))
		return nil
	}
	return rows
}

// wireAdapters registers one MerchantAdapter per adapter id the compile-time
// merchant list references, deriving each adapter's endpoint from its
// merchant's domain. A "peer" adapter is always registered so an operator
// who extends the constitution's merchant list with a peer entry doesn't
// need a code change to activate it.
func wireAdapters(purch *purchasing.Engine, peers *peerverify.Engine, signingKey *ecdsa.PrivateKey, vaultAddr, giftcardAPIKeyEnv string) {
	for _, m := range config.KnownMerchants() {
		switch m.AdapterID {
		case "x402":
			purch.RegisterAdapter(m.AdapterID, &x402adapter.Adapter{MerchantID: m.MerchantID, Endpoint: "https://" + m.Domain})
		case "giftcard":
			purch.RegisterAdapter(m.AdapterID, &giftcardadapter.Adapter{
				MerchantID: m.MerchantID, BaseURL: "https://" + m.Domain, APIKey: os.Getenv(giftcardAPIKeyEnv),
			})
		}
	}
	purch.RegisterAdapter("peer", &peeradapter.Adapter{
		Addresses:    trustedAddressSource{peers: peers},
		SigningKey:   signingKey,
		VaultAddress: vaultAddr,
	})
}

type trustedAddressSource struct{ peers *peerverify.Engine }

func (s trustedAddressSource) VerifiedAddress(peerAddress, chainID string) (string, bool) {
	for _, r := range s.peers.GetTrustedPeers(peerverify.TierVerified) {
		if r.Address == peerAddress && r.ChainID == chainID {
			return r.Address, true
		}
	}
	return "", false
}

// runHeartbeatLoop ticks hb until the context is cancelled, the vault
// terminates (insolvency or balance-zero death), or a step surfaces a
// constitution violation. It reports whether the caller must exit non-zero
// (spec.md §6/§7(a): constitution violations are a fatal exit, operator
// shutdown and vault death are not).
func runHeartbeatLoop(ctx context.Context, logger *slog.Logger, hb *heartbeat.Engine, ve *vault.Engine, snapshotPath string, interval time.Duration) (fatal bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			return false
		case <-ticker.C:
			report := hb.Tick(ctx)
			for _, step := range report.Steps {
				if step.Err != nil {
					logger.Warn("heartbeat step failed", slog.String("step", step.Step), slog.Any("error", step.Err))
					continue
				}
				logger.Info("heartbeat step", slog.String("step", step.Step), slog.String("detail", step.Detail))
			}
			if err := ve.Save(snapshotPath); err != nil {
				logger.Error("vault snapshot failed", slog.Any("error", err))
			}
			if report.Fatal {
				logger.Error("constitution violation, shutting down non-zero")
				return true
			}
			if report.Terminated {
				logger.Warn("vault terminated, shutting down", slog.String("death_cause", string(ve.Status().Mortality.DeathCause)))
				return false
			}
		}
	}
}
