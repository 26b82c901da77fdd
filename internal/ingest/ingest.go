// Package ingest persists transfer candidates from the ledger poller and the
// relay channel through one idempotent path.
package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/tablepay/internal/ledger"
	"github.com/punchamoorthee/tablepay/internal/memo"
	"github.com/punchamoorthee/tablepay/internal/store"
	"go.uber.org/zap"
)

var ingestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tablepay_ingested_transfers_total",
	Help: "Transfer candidates processed, labeled by source and outcome",
}, []string{"source", "result"})

// Filter is what makes a transfer relevant to this merchant.
type Filter struct {
	Account string
	Symbols []string
}

func (f Filter) accepts(c ledger.Candidate) bool {
	if f.Account != "" && c.To != "" && c.To != f.Account {
		return false
	}
	if !containsFold(f.Symbols, c.Record.TokenSymbol) {
		return false
	}
	return memo.HasTableMarker(c.Record.Memo)
}

func containsFold(list []string, s string) bool {
	if len(list) == 0 {
		return true
	}
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// Result counts what happened to one batch.
type Result struct {
	Inserted   int
	Duplicates int
	Rejected   int
}

type Ingester struct {
	store  store.TransferStore
	filter Filter
	log    *zap.Logger
}

func NewIngester(s store.TransferStore, filter Filter, log *zap.Logger) *Ingester {
	return &Ingester{store: s, filter: filter, log: log}
}

// Accept filters candidates and inserts the relevant ones. Duplicates are not
// errors. A store failure aborts the batch; already inserted records stay.
func (i *Ingester) Accept(ctx context.Context, source string, candidates []ledger.Candidate) (Result, error) {
	var res Result
	for _, c := range candidates {
		if c.Record == nil || !i.filter.accepts(c) {
			res.Rejected++
			ingestedTotal.WithLabelValues(source, "rejected").Inc()
			continue
		}
		inserted, err := i.store.InsertIfAbsent(ctx, c.Record)
		if err != nil {
			return res, fmt.Errorf("ingest %s transfer %d: %w", source, c.Record.ID, err)
		}
		if !inserted {
			res.Duplicates++
			ingestedTotal.WithLabelValues(source, "duplicate").Inc()
			continue
		}
		res.Inserted++
		ingestedTotal.WithLabelValues(source, "inserted").Inc()
		i.log.Info("transfer ingested",
			zap.String("source", source),
			zap.Int64("transfer_id", c.Record.ID),
			zap.String("from", c.Record.FromAccount),
			zap.String("amount", c.Record.Amount.String()),
			zap.String("symbol", c.Record.TokenSymbol),
		)
	}
	return res, nil
}
