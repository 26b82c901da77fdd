package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/punchamoorthee/tablepay/internal/catalog"
	"github.com/punchamoorthee/tablepay/internal/domain"
	"github.com/punchamoorthee/tablepay/internal/grouping"
	"github.com/punchamoorthee/tablepay/internal/ingest"
	"github.com/punchamoorthee/tablepay/internal/scheduler"
	"github.com/punchamoorthee/tablepay/internal/store"
	"github.com/punchamoorthee/tablepay/internal/timing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var units = grouping.Units{Primary: "HBD", Secondary: "EURO"}

type fakePoller struct {
	calls atomic.Int32
	err   error
	block chan struct{}
	enter chan struct{}
	// onPoll runs inside Poll, standing in for ledger inserts.
	onPoll func()
}

func (f *fakePoller) Poll(ctx context.Context) (ingest.Result, error) {
	f.calls.Add(1)
	if f.onPoll != nil {
		f.onPoll()
	}
	if f.enter != nil {
		f.enter <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	return ingest.Result{}, f.err
}

type denyLease struct{}

func (denyLease) TryAcquire(context.Context) (bool, error) { return false, nil }
func (denyLease) Release(context.Context) error            { return nil }

type countingSink struct {
	mu       sync.Mutex
	promoted int
	fresh    int
	printed  int
}

func (c *countingSink) OnPromote(string)      { c.mu.Lock(); c.promoted++; c.mu.Unlock() }
func (c *countingSink) OnNewImmediate(string) { c.mu.Lock(); c.fresh++; c.mu.Unlock() }
func (c *countingSink) OnReminderTick(string) {}
func (c *countingSink) OnPrint(domain.LogicalOrder) {
	c.mu.Lock()
	c.printed++
	c.mu.Unlock()
}

func menu(name string) *catalog.Snapshot {
	return catalog.NewSnapshot([]catalog.Item{
		{ID: 12, Kind: domain.CategoryDish, Name: name},
		{ID: 5, Kind: domain.CategoryDrink, Name: "Cola", Sizes: []catalog.Option{{Code: "large", Label: "large"}}},
	})
}

func insert(t *testing.T, s store.TransferStore, id int64, symbol, memo string) {
	t.Helper()
	_, err := s.InsertIfAbsent(context.Background(), &domain.TransferRecord{ID: id, FromAccount: "alice", TokenSymbol: symbol, Memo: memo})
	require.NoError(t, err)
}

func newPipeline(s store.TransferStore, cat catalog.MenuCatalog, poller Poller, lease store.Lease, obs Observer) *Pipeline {
	cfg := Config{Units: units, Classifier: timing.NewClassifier(30*time.Minute, time.UTC), Interval: time.Hour}
	return New(s, cat, poller, lease, obs, cfg, zap.NewNop())
}

func TestRefreshBuildsBoard(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	insert(t, s, 1, "HBD", "d:12,q:2;b:5,s:large TABLE 7 abc-inno-1a2b-3c4d")
	insert(t, s, 2, "EURO", "b:5; TABLE 7 abc-inno-1a2b-3c4d")
	insert(t, s, 3, "HBD", "d:12; P@2026-10-19@20h00 No table specified")
	insert(t, s, 4, "HBD", "Call waiter TABLE 2")

	p := newPipeline(s, menu("Burger"), nil, nil, nil)
	p.now = func() time.Time { return time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC) }
	require.NoError(t, p.Refresh(ctx, false))

	board := p.Board()
	require.Len(t, board.Immediate, 2)
	require.Len(t, board.Delayed, 1)

	first := board.Immediate[0]
	assert.Equal(t, "tag:abc-inno-1a2b-3c4d", first.Order.Key)
	assert.Equal(t, "7", first.Table)
	assert.Equal(t, domain.MemoCodified, first.Kind)
	assert.Equal(t, []domain.OrderLine{
		domain.Item(2, "Burger", domain.CategoryDish),
		domain.Separator(),
		domain.Item(1, "Cola large", domain.CategoryDrink),
	}, first.Lines)
	assert.Equal(t, int64(2), first.Order.Secondary.ID)

	waiter := board.Immediate[1]
	assert.Equal(t, domain.MemoFreeText, waiter.Kind)
	assert.Equal(t, []domain.OrderLine{domain.Raw("Call waiter")}, waiter.Lines)

	assert.Equal(t, domain.TimingPickup, board.Delayed[0].Timing.Kind)

	found, ok := board.Find(2)
	require.True(t, ok)
	assert.Equal(t, first.Order.Key, found.Order.Key)
}

func TestRefreshRecachesOnCatalogChange(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	insert(t, s, 1, "HBD", "d:12; TABLE 1")
	holder := catalog.NewHolder(menu("Burger"))
	p := newPipeline(s, holder, nil, nil, nil)

	require.NoError(t, p.Refresh(ctx, false))
	rec, err := s.FindByID(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, rec.ParsedMemo)
	assert.Equal(t, "Burger", rec.ParsedMemo.Lines[0].Description)

	holder.Swap(menu("Cheeseburger"))
	require.NoError(t, p.Refresh(ctx, false))
	rec, err = s.FindByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, holder.Version(), rec.ParsedMemo.CatalogVersion)
	assert.Equal(t, "Cheeseburger", p.Board().Immediate[0].Lines[0].Description)
}

func TestTickPollsOnlyAsLeader(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	leader := &fakePoller{}
	newPipeline(s, menu("Burger"), leader, nil, nil).Tick(ctx)
	assert.Equal(t, int32(1), leader.calls.Load())

	follower := &fakePoller{}
	p := newPipeline(s, menu("Burger"), follower, denyLease{}, nil)
	p.Tick(ctx)
	assert.Zero(t, follower.calls.Load())
	assert.False(t, p.Board().Leader)
}

func TestPollFailureStillRefreshes(t *testing.T) {
	s := store.NewMemory()
	insert(t, s, 1, "HBD", "d:12; TABLE 1")
	p := newPipeline(s, menu("Burger"), &fakePoller{err: errors.New("node down")}, nil, nil)

	p.Tick(context.Background())
	board := p.Board()
	assert.True(t, board.Leader)
	assert.Len(t, board.Immediate, 1)
}

func TestBusyTickDropsKick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	poller := &fakePoller{block: make(chan struct{}), enter: make(chan struct{})}
	p := newPipeline(store.NewMemory(), menu("Burger"), poller, nil, nil)

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	<-poller.enter
	assert.False(t, p.Kick(), "tick in flight must not queue another")
	assert.False(t, p.Kick())
	close(poller.block)

	assert.Eventually(t, func() bool {
		if !p.Kick() {
			return false
		}
		<-poller.enter
		return true
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, int32(2), poller.calls.Load())
}

func TestDelayedOrderPromotedOnceThroughPipeline(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	sink := &countingSink{}
	sched := scheduler.New(sink, scheduler.NewPrintRegistry(), time.Hour, zap.NewNop())
	defer sched.Close()

	p := newPipeline(s, menu("Burger"), nil, nil, sched)
	clock := time.Date(2026, 10, 19, 18, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }

	require.NoError(t, p.Refresh(ctx, false))
	insert(t, s, 1, "HBD", "d:12; P@2026-10-19@19h00 TABLE 3 abc-inno-1a2b-3c4d")
	insert(t, s, 2, "HBD", "d:12; TABLE 4")

	require.NoError(t, p.Refresh(ctx, false))
	assert.Len(t, p.Board().Delayed, 1)
	assert.Equal(t, 1, sink.fresh)
	assert.Equal(t, 1, sink.printed)

	clock = clock.Add(40 * time.Minute)
	require.NoError(t, p.Refresh(ctx, false))
	require.NoError(t, p.Refresh(ctx, false))
	assert.Equal(t, 1, sink.promoted)
	assert.Equal(t, 2, sink.printed)
	assert.True(t, sched.Reminding("tag:abc-inno-1a2b-3c4d"))

	_, err := s.TryFulfill(ctx, 1, clock)
	require.NoError(t, err)
	require.NoError(t, p.Refresh(ctx, false))
	assert.False(t, sched.Reminding("tag:abc-inno-1a2b-3c4d"))
}

func TestFirstTickAlertsOnlyForNewInserts(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	insert(t, s, 1, "HBD", "d:12; TABLE 1")

	sink := &countingSink{}
	sched := scheduler.New(sink, scheduler.NewPrintRegistry(), time.Hour, zap.NewNop())
	defer sched.Close()

	var once sync.Once
	poller := &fakePoller{onPoll: func() {
		once.Do(func() { insert(t, s, 2, "HBD", "d:12; TABLE 3 abc-inno-1a2b-3c4d") })
	}}
	p := newPipeline(s, menu("Burger"), poller, nil, sched)

	p.Tick(ctx)
	p.Tick(ctx)

	assert.Equal(t, 1, sink.fresh)
	assert.Equal(t, 1, sink.printed)
	assert.Len(t, p.Board().Immediate, 2)
}

func TestReusedMemoPrintsForNextCustomer(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	sink := &countingSink{}
	sched := scheduler.New(sink, scheduler.NewPrintRegistry(), time.Hour, zap.NewNop())
	defer sched.Close()
	p := newPipeline(s, menu("Burger"), nil, nil, sched)

	require.NoError(t, p.Refresh(ctx, false))
	insert(t, s, 1, "HBD", "d:12; TABLE 3")
	require.NoError(t, p.Refresh(ctx, false))

	_, err := s.TryFulfill(ctx, 1, time.Now())
	require.NoError(t, err)
	require.NoError(t, p.Refresh(ctx, false))

	insert(t, s, 2, "HBD", "d:12; TABLE 3")
	require.NoError(t, p.Refresh(ctx, false))

	assert.Equal(t, 2, sink.fresh)
	assert.Equal(t, 2, sink.printed)
}

// swappingCatalog swaps in next right after a refresh pins its snapshot.
type swappingCatalog struct {
	*catalog.Holder
	next *catalog.Snapshot
}

func (c *swappingCatalog) Snapshot() *catalog.Snapshot {
	pinned := c.Holder.Snapshot()
	if c.next != nil {
		c.Holder.Swap(c.next)
		c.next = nil
	}
	return pinned
}

func TestRefreshDecodesAgainstOneSnapshot(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	insert(t, s, 1, "HBD", "d:12; TABLE 1")

	first := menu("Burger")
	cat := &swappingCatalog{Holder: catalog.NewHolder(first), next: menu("Cheeseburger")}
	p := newPipeline(s, cat, nil, nil, nil)

	require.NoError(t, p.Refresh(ctx, false))
	rec, err := s.FindByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, first.Version(), rec.ParsedMemo.CatalogVersion)
	assert.Equal(t, "Burger", rec.ParsedMemo.Lines[0].Description)

	require.NoError(t, p.Refresh(ctx, false))
	rec, err = s.FindByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, cat.Version(), rec.ParsedMemo.CatalogVersion)
	assert.Equal(t, "Cheeseburger", rec.ParsedMemo.Lines[0].Description)
}
