// Package pipeline runs the poll loop: query the ledger, persist, then rebuild
// the order board and hand it to the promotion scheduler.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/tablepay/internal/catalog"
	"github.com/punchamoorthee/tablepay/internal/domain"
	"github.com/punchamoorthee/tablepay/internal/grouping"
	"github.com/punchamoorthee/tablepay/internal/ingest"
	"github.com/punchamoorthee/tablepay/internal/memo"
	"github.com/punchamoorthee/tablepay/internal/scheduler"
	"github.com/punchamoorthee/tablepay/internal/store"
	"github.com/punchamoorthee/tablepay/internal/timing"
	"go.uber.org/zap"
)

var (
	ticksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tablepay_pipeline_ticks_total",
		Help: "Poll loop ticks, labeled by outcome",
	}, []string{"result"})

	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tablepay_pipeline_tick_duration_seconds",
		Help:    "Duration of one poll-and-refresh tick",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	boardOrders = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tablepay_board_orders",
		Help: "Logical orders on the board, labeled by bucket",
	}, []string{"bucket"})
)

// Poller is the leader-only ledger step.
type Poller interface {
	Poll(ctx context.Context) (ingest.Result, error)
}

// Observer receives each refresh's buckets.
type Observer interface {
	Observe(immediate, delayed []timing.Classified) scheduler.Events
}

// BoardOrder is a logical order ready for display.
type BoardOrder struct {
	timing.Classified
	Kind  domain.MemoKind    `json:"memo_kind"`
	Lines []domain.OrderLine `json:"lines"`
	Table string             `json:"table,omitempty"`
}

// Board is the latest refresh result.
type Board struct {
	Immediate   []BoardOrder `json:"immediate"`
	Delayed     []BoardOrder `json:"delayed"`
	Leader      bool         `json:"leader"`
	RefreshedAt time.Time    `json:"refreshed_at"`
}

// Find returns the board order containing transfer id.
func (b Board) Find(id int64) (BoardOrder, bool) {
	for _, bucket := range [][]BoardOrder{b.Immediate, b.Delayed} {
		for _, bo := range bucket {
			if _, ok := grouping.Find([]domain.LogicalOrder{bo.Order}, id); ok {
				return bo, true
			}
		}
	}
	return BoardOrder{}, false
}

type Config struct {
	Units      grouping.Units
	Classifier timing.Classifier
	Interval   time.Duration
}

type Pipeline struct {
	store    store.TransferStore
	catalog  catalog.MenuCatalog
	poller   Poller
	lease    store.Lease
	observer Observer
	cfg      Config
	log      *zap.Logger
	now      func() time.Time

	ticks  chan struct{}
	primed atomic.Bool

	mu    sync.RWMutex
	board Board
}

// New builds a pipeline. A nil poller makes this instance a read-only refresher.
func New(s store.TransferStore, cat catalog.MenuCatalog, poller Poller, lease store.Lease, observer Observer, cfg Config, log *zap.Logger) *Pipeline {
	if lease == nil {
		lease = store.LocalLease{}
	}
	return &Pipeline{
		store:    s,
		catalog:  cat,
		poller:   poller,
		lease:    lease,
		observer: observer,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		ticks:    make(chan struct{}),
	}
}

// Board returns the latest snapshot.
func (p *Pipeline) Board() Board {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.board
}

// Run ticks every cfg.Interval until ctx is done. A tick that fires while the
// previous one is still running is dropped, never queued.
func (p *Pipeline) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.ticks:
				p.Tick(ctx)
			}
		}
	}()
	defer wg.Wait()

	interval := p.cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := p.lease.Release(context.Background()); err != nil {
				p.log.Warn("lease release failed", zap.Error(err))
			}
			return
		case <-ticker.C:
			p.Kick()
		}
	}
}

// Kick requests a tick now. It reports false when a tick is already in flight.
func (p *Pipeline) Kick() bool {
	select {
	case p.ticks <- struct{}{}:
		return true
	default:
		ticksTotal.WithLabelValues("skipped").Inc()
		return false
	}
}

// Tick runs one poll (when leader) and one refresh. Errors are logged; the loop keeps going.
func (p *Pipeline) Tick(ctx context.Context) {
	timer := prometheus.NewTimer(tickDuration)
	defer timer.ObserveDuration()

	leader := false
	if p.poller != nil {
		ok, err := p.lease.TryAcquire(ctx)
		if err != nil {
			p.log.Warn("lease check failed, refreshing read-only", zap.Error(err))
		}
		leader = ok
	}

	result := "ok"
	if leader && !p.primed.Load() {
		// Prime from what is already stored so this tick's inserts still alert.
		if err := p.Refresh(ctx, leader); err != nil {
			p.log.Error("priming refresh failed, skipping poll", zap.Error(err))
			ticksTotal.WithLabelValues("error").Inc()
			return
		}
	}
	if leader {
		res, err := p.poller.Poll(ctx)
		if err != nil {
			result = "error"
			p.log.Warn("ledger poll failed, retrying next tick", zap.Error(err))
		} else if res.Inserted > 0 {
			p.log.Info("ledger poll", zap.Int("inserted", res.Inserted), zap.Int("duplicates", res.Duplicates))
		}
	}

	if err := p.Refresh(ctx, leader); err != nil {
		result = "error"
		p.log.Error("refresh failed", zap.Error(err))
	}
	ticksTotal.WithLabelValues(result).Inc()
}

// Refresh rebuilds the board from the unfulfilled set and diffs it for promotions.
func (p *Pipeline) Refresh(ctx context.Context, leader bool) error {
	open, err := p.store.ListUnfulfilled(ctx, store.ListFilter{})
	if err != nil {
		return err
	}
	cat := p.pinCatalog()
	for _, rec := range open {
		p.ensureParsed(ctx, cat, rec)
	}

	now := p.now()
	immediate, delayed := p.cfg.Classifier.Split(grouping.Group(open, p.cfg.Units), now)
	if p.observer != nil {
		p.observer.Observe(immediate, delayed)
	}
	p.primed.Store(true)

	board := Board{
		Immediate:   decorate(immediate),
		Delayed:     decorate(delayed),
		Leader:      leader,
		RefreshedAt: now,
	}
	boardOrders.WithLabelValues("immediate").Set(float64(len(board.Immediate)))
	boardOrders.WithLabelValues("delayed").Set(float64(len(board.Delayed)))

	p.mu.Lock()
	p.board = board
	p.mu.Unlock()
	return nil
}

// pinCatalog returns one immutable snapshot when the catalog can be swapped,
// so a refresh decodes and stamps versions against the same menu.
func (p *Pipeline) pinCatalog() catalog.MenuCatalog {
	if sp, ok := p.catalog.(interface{ Snapshot() *catalog.Snapshot }); ok {
		return sp.Snapshot()
	}
	return p.catalog
}

// ensureParsed refreshes the cached decode when missing or stale for cat.
func (p *Pipeline) ensureParsed(ctx context.Context, cat catalog.MenuCatalog, rec *domain.TransferRecord) {
	version := cat.Version()
	if rec.ParsedMemo != nil && rec.ParsedMemo.CatalogVersion == version {
		return
	}
	res := memo.Parse(rec.Memo, cat)
	table, _ := memo.ExtractTable(rec.Memo)
	rec.ParsedMemo = &domain.ParsedMemo{
		CatalogVersion: version,
		Kind:           res.Kind,
		Lines:          res.Lines,
		Table:          table,
		Tag:            memo.ExtractTag(rec.Memo),
	}
	if err := p.store.SaveParsedMemo(ctx, rec.ID, rec.ParsedMemo); err != nil {
		p.log.Warn("parsed memo not cached", zap.Int64("transfer_id", rec.ID), zap.Error(err))
	}
}

func decorate(bucket []timing.Classified) []BoardOrder {
	out := make([]BoardOrder, 0, len(bucket))
	for _, c := range bucket {
		bo := BoardOrder{Classified: c}
		if pm := c.Order.Primary.ParsedMemo; pm != nil {
			bo.Kind, bo.Table = pm.Kind, pm.Table
			bo.Lines = pm.Lines
		}
		out = append(out, bo)
	}
	return out
}
