package store

import (
	"context"
	"errors"
	"time"

	"github.com/punchamoorthee/tablepay/internal/domain"
)

var ErrNotFound = errors.New("transfer not found")

// FulfillOutcome is the result of the conditional fulfilled=false -> true update.
type FulfillOutcome int

const (
	Fulfilled FulfillOutcome = iota
	AlreadyFulfilled
	NotFound
)

func (o FulfillOutcome) String() string {
	switch o {
	case Fulfilled:
		return "fulfilled"
	case AlreadyFulfilled:
		return "already_fulfilled"
	default:
		return "not_found"
	}
}

// ListFilter narrows ListUnfulfilled. Zero value returns everything.
type ListFilter struct {
	Symbols []string
}

func (f ListFilter) accepts(symbol string) bool {
	if len(f.Symbols) == 0 {
		return true
	}
	for _, s := range f.Symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// TransferStore is the durable mirror of observed transfers.
//
// InsertIfAbsent is idempotent on ID: a second insert of the same ID reports
// inserted=false with a nil error. TryFulfill is the only concurrency guard for
// fulfillment; exactly one concurrent caller observes Fulfilled.
type TransferStore interface {
	InsertIfAbsent(ctx context.Context, rec *domain.TransferRecord) (bool, error)
	FindByID(ctx context.Context, id int64) (*domain.TransferRecord, error)
	ListUnfulfilled(ctx context.Context, filter ListFilter) ([]*domain.TransferRecord, error)
	TryFulfill(ctx context.Context, id int64, at time.Time) (FulfillOutcome, error)
	SaveParsedMemo(ctx context.Context, id int64, parsed *domain.ParsedMemo) error

	// Cursor returns the persisted high-water mark for a polling source, 0 if none.
	Cursor(ctx context.Context, source string) (int64, error)
	// AdvanceCursor never moves a cursor backwards.
	AdvanceCursor(ctx context.Context, source string, id int64) error
}

// Lease elects the single instance allowed to query the payment network.
type Lease interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}
