// Command controlplane runs the full trading control plane in one
// process: the decision agents over an in-process or NATS bus, the mock
// venues, and the metrics endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfabric/controlplane/internal/agents"
	"github.com/quantfabric/controlplane/internal/alerts"
	"github.com/quantfabric/controlplane/internal/allocation"
	"github.com/quantfabric/controlplane/internal/books"
	"github.com/quantfabric/controlplane/internal/bus"
	"github.com/quantfabric/controlplane/internal/config"
	"github.com/quantfabric/controlplane/internal/execution"
	"github.com/quantfabric/controlplane/internal/feed"
	"github.com/quantfabric/controlplane/internal/lifecycle"
	"github.com/quantfabric/controlplane/internal/meta"
	"github.com/quantfabric/controlplane/internal/metrics"
	"github.com/quantfabric/controlplane/internal/orchestrator"
	"github.com/quantfabric/controlplane/internal/risk"
	sig "github.com/quantfabric/controlplane/internal/signal"
	"github.com/quantfabric/controlplane/internal/store"
	"github.com/quantfabric/controlplane/internal/venue"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	log := config.NewLogger("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Control plane exited with error")
	}
	log.Info().Msg("Control plane stopped")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	b, err := newBus(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	am := alerts.NewManager(alerts.NewLogAlerter(), alerts.NewBusAlerter(b))

	st, err := newStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	bookCfgs := cfg.Books
	if len(bookCfgs) == 0 {
		bookCfgs = defaultBooks()
	}
	br, err := books.NewRegistry(bookCfgs, log)
	if err != nil {
		return err
	}
	lm := lifecycle.NewManager(cfg.Lifecycle, log)

	router := newVenueRouter(cfg, log)
	router.ConnectAll(ctx)
	defer router.DisconnectAll(context.Background())

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Port, log)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	rtCfg := agents.RuntimeConfig{
		HeartbeatInterval: cfg.Agents.HeartbeatInterval,
		DrainTimeout:      cfg.Agents.DrainTimeout,
		ErrorThreshold:    cfg.Agents.ErrorThreshold,
		ErrorWindow:       cfg.Agents.ErrorWindow,
	}
	orch := orchestrator.New(b, cfg.Orchestrator, rtCfg, am, log)

	// Gatekeepers first, then data and signal producers, execution last.
	toRegister := []agents.Agent{
		meta.New(cfg.Meta, cfg.Agents.HeartbeatInterval, am, log),
		allocation.New(cfg.Allocation, am, lm, br, log),
		risk.New(cfg.Risk, cfg.Allocation.TotalCapital, am, br, st, log),
	}
	if cfg.Feed.Enabled && cfg.App.PaperMode {
		toRegister = append(toRegister, feed.New(cfg.Feed, log))
	}
	toRegister = append(toRegister,
		sig.NewMomentum(cfg.Signal, lm, cfg.App.PaperMode, log),
		sig.NewBridge(lm, cfg.App.PaperMode, log),
		execution.New(cfg.Execution, router, am, log),
	)
	for _, agent := range toRegister {
		if err := orch.Register(agent); err != nil {
			return err
		}
	}

	if err := orch.Start(ctx); err != nil {
		return err
	}
	log.Info().
		Str("environment", cfg.App.Environment).
		Bool("paper_mode", cfg.App.PaperMode).
		Str("transport", cfg.Bus.Transport).
		Msg("Control plane running")

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Orchestrator.ShutdownTimeout+5*time.Second)
	defer cancel()
	return orch.Stop(stopCtx)
}

func newBus(cfg *config.Config, log zerolog.Logger) (bus.Bus, error) {
	switch cfg.Bus.Transport {
	case "nats":
		return bus.NewNATS(bus.NATSConfig{
			URL:        cfg.Bus.NATS.URL,
			Prefix:     cfg.Bus.NATS.Prefix,
			BufferSize: cfg.Bus.BufferSize,
		}, log)
	default:
		return bus.NewInProc(cfg.Bus.BufferSize, log), nil
	}
}

func newStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Store, error) {
	if cfg.Store.Backend == "redis" {
		return store.NewRedis(ctx, store.RedisOptions{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
			TTL:      cfg.Store.Redis.TTL,
		}, log)
	}
	return store.NewMemory(), nil
}

func newVenueRouter(cfg *config.Config, log zerolog.Logger) *venue.Router {
	venueCfgs := cfg.Venues
	if len(venueCfgs) == 0 {
		venueCfgs = map[string]config.VenueConfig{
			"paper": {Enabled: true, LatencyMS: 5, SlippagePct: 0.001, FeePct: 0.0005},
		}
	}
	adapters := make([]venue.Adapter, 0, len(venueCfgs))
	for id, vc := range venueCfgs {
		m := venue.NewMock(id, vc, log)
		for instrument, price := range cfg.Feed.StartPrices {
			m.SetPrice(instrument, price)
		}
		adapters = append(adapters, m)
	}
	return venue.NewRouter(adapters, cfg.Execution.VenuePreference, log)
}

func defaultBooks() []config.BookConfig {
	return []config.BookConfig{
		{ID: "hedge", Type: "HEDGE", CapitalAllocated: 400_000, MaxDrawdownLimit: 0.10, RiskTier: 1},
		{ID: "prop", Type: "PROP", CapitalAllocated: 500_000, MaxDrawdownLimit: 0.15, RiskTier: 2},
		{ID: "meme", Type: "MEME", CapitalAllocated: 100_000, MaxDrawdownLimit: 0.50, RiskTier: 3},
	}
}
