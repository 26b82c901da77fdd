package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/tablepay/internal/api"
	"github.com/punchamoorthee/tablepay/internal/catalog"
	"github.com/punchamoorthee/tablepay/internal/config"
	"github.com/punchamoorthee/tablepay/internal/grouping"
	"github.com/punchamoorthee/tablepay/internal/ingest"
	"github.com/punchamoorthee/tablepay/internal/ledger"
	"github.com/punchamoorthee/tablepay/internal/logging"
	"github.com/punchamoorthee/tablepay/internal/pipeline"
	"github.com/punchamoorthee/tablepay/internal/scheduler"
	"github.com/punchamoorthee/tablepay/internal/service"
	"github.com/punchamoorthee/tablepay/internal/store"
	"github.com/punchamoorthee/tablepay/internal/timing"
	"go.uber.org/zap"
)

const feedSize = 512

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize Layers
	var (
		transfers store.TransferStore
		lease     store.Lease
	)
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pg, err := store.NewPostgres(ctx, cfg.DBSource)
		if err != nil {
			logger.Fatal("unable to connect to database", zap.Error(err))
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
		transfers = pg
		lease = store.NewAdvisoryLease(pg.Db, cfg.LeaseKey)
	default:
		logger.Warn("using in-memory store, transfers are lost on restart")
		transfers = store.NewMemory()
		lease = store.LocalLease{}
	}

	menu, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		logger.Fatal("unable to load catalog", zap.Error(err))
	}
	menuHolder := catalog.NewHolder(menu)
	logger.Info("catalog loaded", zap.Int("items", menu.Len()), zap.String("version", menu.Version()))
	go reloadCatalogOnHangup(ctx, cfg.CatalogPath, menuHolder, logger)

	units := grouping.Units{Primary: cfg.PrimarySymbol, Secondary: cfg.SecondarySymbol}
	filter := ingest.Filter{Account: cfg.MerchantAccount, Symbols: cfg.Symbols()}
	ingester := ingest.NewIngester(transfers, filter, logger)
	poller := ingest.NewPoller("ledger", ledger.NewClient(cfg.LedgerURL, cfg.LedgerRPS), ingester, transfers, filter, logger)

	feed := scheduler.NewFeed(feedSize)
	sched := scheduler.New(scheduler.Fanout{feed, scheduler.LogSink{Log: logger}}, scheduler.NewPrintRegistry(), cfg.ReminderInterval, logger)
	defer sched.Close()

	loop := pipeline.New(transfers, menuHolder, poller, lease, sched, pipeline.Config{
		Units:      units,
		Classifier: timing.NewClassifier(cfg.PromotionWindow, cfg.Location),
		Interval:   cfg.PollInterval,
	}, logger)

	handler := api.NewHandler(api.Deps{
		Store:    transfers,
		Board:    loop,
		Fulfill:  service.NewFulfillmentService(transfers, sched, logger),
		Ingester: ingester,
		Printer:  sched,
		Feed:     feed,
		Merchant: cfg.MerchantAccount,
		Units:    units,
		Log:      logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Router(promhttp.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.Run(ctx)
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", zap.Error(err))
		}
	}()

	logger.Info("server starting",
		zap.String("port", cfg.Port),
		zap.String("store", cfg.StoreDriver),
		zap.String("merchant", cfg.MerchantAccount),
		zap.Strings("symbols", cfg.Symbols()),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}
	<-done
	logger.Info("stopped")
}

func loadCatalog(path string) (*catalog.Snapshot, error) {
	if path == "" {
		return catalog.NewSnapshot(nil), nil
	}
	return catalog.LoadFile(path)
}

// reloadCatalogOnHangup swaps in a fresh menu on SIGHUP. Cached parses are
// redone on the next refresh because the version changes.
func reloadCatalogOnHangup(ctx context.Context, path string, holder *catalog.Holder, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			menu, err := loadCatalog(path)
			if err != nil {
				logger.Error("catalog reload failed, keeping current menu", zap.Error(err))
				continue
			}
			holder.Swap(menu)
			logger.Info("catalog reloaded", zap.Int("items", menu.Len()), zap.String("version", menu.Version()))
		}
	}
}
