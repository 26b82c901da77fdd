package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/punchamoorthee/tablepay/internal/domain"
	"github.com/punchamoorthee/tablepay/internal/ledger"
	"github.com/punchamoorthee/tablepay/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSource struct {
	pages   []ledger.Page
	errs    []error
	queries []ledger.Query
}

func (f *fakeSource) QueryTransfers(_ context.Context, q ledger.Query) (ledger.Page, error) {
	f.queries = append(f.queries, q)
	i := len(f.queries) - 1
	if i < len(f.errs) && f.errs[i] != nil {
		return ledger.Page{}, f.errs[i]
	}
	if i < len(f.pages) {
		return f.pages[i], nil
	}
	return ledger.Page{}, nil
}

func candidate(id int64, to, symbol, memo string) ledger.Candidate {
	return ledger.Candidate{
		To: to,
		Record: &domain.TransferRecord{
			ID:          id,
			FromAccount: "alice",
			Amount:      decimal.NewFromInt(5),
			TokenSymbol: symbol,
			Memo:        memo,
			ReceivedAt:  time.Now(),
		},
	}
}

var testFilter = Filter{Account: "bistro", Symbols: []string{"HBD", "EURO"}}

func newPoller(src Source, s store.TransferStore) *Poller {
	ing := NewIngester(s, testFilter, zap.NewNop())
	return NewPoller("ledger", src, ing, s, testFilter, zap.NewNop())
}

func TestPollDedupsOverlappingPages(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	src := &fakeSource{pages: []ledger.Page{
		{MaxID: 11, Records: []ledger.Candidate{
			candidate(10, "bistro", "HBD", "d:1; TABLE 1"),
			candidate(11, "bistro", "EURO", "b:1; TABLE 1"),
		}},
		{MaxID: 12, Records: []ledger.Candidate{
			candidate(11, "bistro", "EURO", "b:1; TABLE 1"),
			candidate(12, "bistro", "HBD", "d:2; No table specified"),
		}},
		{MaxID: 12, Records: []ledger.Candidate{candidate(12, "bistro", "HBD", "d:2; No table specified")}},
	}}
	p := newPoller(src, s)

	res, err := p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Inserted: 2}, res)
	assert.Equal(t, int64(11), p.HighWaterMark())

	res, err = p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Inserted: 1, Duplicates: 1}, res)

	res, err = p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Duplicates: 1}, res)

	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []int64{0, 11, 12}, []int64{src.queries[0].SinceID, src.queries[1].SinceID, src.queries[2].SinceID})
}

func TestPollAdvancesPastPagesWithNothingNew(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	src := &fakeSource{pages: []ledger.Page{
		{MaxID: 30, Skipped: 1, Records: []ledger.Candidate{candidate(29, "someone-else", "HBD", "d:1; TABLE 1")}},
	}}
	p := newPoller(src, s)

	res, err := p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Rejected: 1}, res)
	assert.Equal(t, int64(30), p.HighWaterMark())

	cursor, err := s.Cursor(ctx, "ledger")
	require.NoError(t, err)
	assert.Equal(t, int64(30), cursor)
}

func TestPollFailureKeepsHighWaterMark(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, s.AdvanceCursor(ctx, "ledger", 40))
	src := &fakeSource{
		errs:  []error{ledger.ErrQuery, nil},
		pages: []ledger.Page{{}, {MaxID: 41, Records: []ledger.Candidate{candidate(41, "bistro", "HBD", "d:1; TABLE 1")}}},
	}
	p := newPoller(src, s)

	_, err := p.Poll(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrQuery))
	assert.Equal(t, int64(40), p.HighWaterMark())

	_, err = p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(40), src.queries[1].SinceID)
	assert.Equal(t, int64(41), p.HighWaterMark())
}

func TestFilter(t *testing.T) {
	tests := []struct {
		name string
		c    ledger.Candidate
		want bool
	}{
		{"accepted", candidate(1, "bistro", "HBD", "d:1; TABLE 4"), true},
		{"pickup marker", candidate(1, "bistro", "EURO", "d:1; No table specified"), true},
		{"symbol case", candidate(1, "bistro", "hbd", "d:1; TABLE 4"), true},
		{"relay without recipient", candidate(1, "", "HBD", "d:1; TABLE 4"), true},
		{"other merchant", candidate(1, "cafe", "HBD", "d:1; TABLE 4"), false},
		{"other token", candidate(1, "bistro", "BEE", "d:1; TABLE 4"), false},
		{"no marker", candidate(1, "bistro", "HBD", "thanks!"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, testFilter.accepts(tt.c))
		})
	}
}

func TestRelayAndPollerShareInsertPath(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	ing := NewIngester(s, testFilter, zap.NewNop())

	res, err := ing.Accept(ctx, "relay", []ledger.Candidate{candidate(77, "bistro", "HBD", "d:1; TABLE 1")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	src := &fakeSource{pages: []ledger.Page{{MaxID: 77, Records: []ledger.Candidate{candidate(77, "bistro", "HBD", "d:1; TABLE 1")}}}}
	p := NewPoller("ledger", src, ing, s, testFilter, zap.NewNop())
	res, err = p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Duplicates: 1}, res)
	assert.Equal(t, 1, s.Len())
}
