// Package daemon wires the lifecycle daemon together: config, logging,
// telemetry, adapters, orchestrator, reconciler and the HTTP server. It
// lives below both the engine and the server packages so neither has to
// import the other.
package daemon

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	"neftvault/native/collectibles"
	"neftvault/observability/logging"
	telemetry "neftvault/observability/otel"
	"neftvault/services/lifecycled"
	"neftvault/services/lifecycled/adapters"
	"neftvault/services/lifecycled/chains"
	"neftvault/services/lifecycled/server"
)

// Main initialises and runs the lifecycle daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/lifecycled/config.yaml", "path to lifecycled configuration")
	flag.Parse()

	cfg, err := lifecycled.LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("NEFTVAULT_ENV"))
	if env == "" {
		env = cfg.Environment
	}
	logger := logging.SetupWithSink("lifecycled", env, logging.FileSink{
		Path:       cfg.LogFile.Path,
		MaxSizeMB:  cfg.LogFile.MaxSizeMB,
		MaxBackups: cfg.LogFile.MaxBackups,
		MaxAgeDays: cfg.LogFile.MaxAgeDays,
	})

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "lifecycled",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	networks, active, err := chains.LoadFile(cfg.ChainsFile)
	if err != nil {
		return fmt.Errorf("load chains: %w", err)
	}
	registry, err := chains.NewRegistry(networks, active, chains.AutoConfirmer(cfg.AutoSwitch), logger)
	if err != nil {
		return fmt.Errorf("init chain registry: %w", err)
	}
	for _, n := range networks {
		logger.Info("network configured",
			"network", n.Key, "chain_id", n.ChainID,
			logging.MaskField("rpc_url", n.RPCURL))
	}

	records, err := adapters.OpenRecordStore(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}

	// Transaction signing is injected externally; default to returning
	// errors until a sender is configured.
	sender := adapters.FuncSender(func(context.Context, uint64, common.Address, []byte) (common.Hash, error) {
		return common.Hash{}, fmt.Errorf("transaction sender not configured")
	})
	chain := adapters.NewEVM(registry, sender,
		adapters.WithConfirmations(cfg.Verify.Confirmations),
		adapters.WithVerifyRate(rate.Limit(cfg.Verify.RatePerSecond), int(2*cfg.Verify.RatePerSecond)),
		adapters.WithEVMLogger(logger),
	)

	store := collectibles.NewStore()
	if err := hydrateStore(context.Background(), store, records, logger); err != nil {
		return fmt.Errorf("hydrate asset store: %w", err)
	}
	metrics := lifecycled.NewMetrics()

	var reports *lifecycled.ReportWriter
	if strings.TrimSpace(cfg.Recon.ReportDir) != "" {
		reports, err = lifecycled.NewReportWriter(cfg.Recon.ReportDir)
		if err != nil {
			return fmt.Errorf("init recon reports: %w", err)
		}
	}
	recon, err := lifecycled.NewReconciler(lifecycled.ReconcilerConfig{
		Store:   store,
		Chain:   chain,
		Records: records,
		Grace:   cfg.Recon.Grace.Duration,
		Metrics: metrics,
		Logger:  logger,
		Reports: reports,
	})
	if err != nil {
		return fmt.Errorf("init reconciler: %w", err)
	}

	orch, err := lifecycled.NewOrchestrator(lifecycled.OrchestratorConfig{
		Store:         store,
		Chain:         chain,
		Records:       records,
		Registry:      registry,
		Recon:         recon,
		Strict:        cfg.StrictVerification(),
		VerifyPoll:    cfg.Verify.PollInterval.Duration,
		VerifyTimeout: cfg.Verify.Timeout.Duration,
		Metrics:       metrics,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	api := server.New(orch, store, logger)
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      api.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go recon.Run(stopCtx)

	errs := make(chan error, 1)
	go func() {
		logger.Info("lifecycled listening", "addr", cfg.ListenAddress, "verification", cfg.Verification)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// hydrateStore seeds the in-memory asset store from the record database.
// Assets with an active stake row come up already marked staked so reward
// accrual survives a restart.
func hydrateStore(ctx context.Context, store *collectibles.Store, records *adapters.RecordStore, logger *slog.Logger) error {
	rows, err := records.AllAssets(ctx)
	if err != nil {
		return err
	}
	stakes, err := records.ActiveStakes(ctx)
	if err != nil {
		return err
	}
	stakedAt := make(map[string]time.Time, len(stakes))
	for _, row := range stakes {
		stakedAt[row.AssetID] = row.StakedAt
	}
	assets := make([]collectibles.Asset, 0, len(rows))
	for _, row := range rows {
		rarity, err := collectibles.ParseRarity(row.Rarity)
		if err != nil {
			logger.Warn("skipping asset with unknown rarity", "asset", row.ID, "rarity", row.Rarity)
			continue
		}
		asset := collectibles.Asset{
			ID:      row.ID,
			Name:    row.Name,
			Rarity:  rarity,
			Backing: collectibles.BackingOffchain,
		}
		if at, ok := stakedAt[row.ID]; ok {
			asset.StakingState = collectibles.Staked
			asset.StakingSource = collectibles.SourceOffchain
			asset.StakedAt = at
		}
		assets = append(assets, asset)
	}
	if len(assets) == 0 {
		return nil
	}
	return store.Load(assets...)
}
