package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/tablepay/internal/store"
	"go.uber.org/zap"
)

var (
	ErrTransferNotFound = errors.New("transfer not found")
	ErrEmptyOrder       = errors.New("order has no transfers")
)

var fulfillmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tablepay_fulfillments_total",
	Help: "Fulfillment attempts per transfer, labeled by outcome",
}, []string{"outcome"})

// ReminderCanceler stops the reminder loop of a logical order.
type ReminderCanceler interface {
	Cancel(key string) bool
}

type FulfillmentService struct {
	store     store.TransferStore
	reminders ReminderCanceler
	now       func() time.Time
	log       *zap.Logger
}

func NewFulfillmentService(s store.TransferStore, reminders ReminderCanceler, log *zap.Logger) *FulfillmentService {
	return &FulfillmentService{store: s, reminders: reminders, now: time.Now, log: log}
}

// TransferResult is the outcome for one transfer id.
type TransferResult struct {
	ID          int64                `json:"id"`
	Outcome     store.FulfillOutcome `json:"-"`
	Status      string               `json:"status"`
	FulfilledAt *time.Time           `json:"fulfilled_at,omitempty"`
}

// Fulfill marks one transfer fulfilled. Fulfilling an already fulfilled
// transfer succeeds and keeps the first FulfilledAt.
func (s *FulfillmentService) Fulfill(ctx context.Context, id int64) (TransferResult, error) {
	if _, err := s.store.FindByID(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fulfillmentsTotal.WithLabelValues(store.NotFound.String()).Inc()
			return TransferResult{ID: id, Outcome: store.NotFound, Status: store.NotFound.String()}, ErrTransferNotFound
		}
		return TransferResult{}, fmt.Errorf("fulfill %d: %w", id, err)
	}

	outcome, err := s.store.TryFulfill(ctx, id, s.now())
	if err != nil {
		return TransferResult{}, fmt.Errorf("fulfill %d: %w", id, err)
	}
	fulfillmentsTotal.WithLabelValues(outcome.String()).Inc()
	res := TransferResult{ID: id, Outcome: outcome, Status: outcome.String()}
	if outcome == store.NotFound {
		return res, ErrTransferNotFound
	}

	rec, err := s.store.FindByID(ctx, id)
	if err != nil {
		return res, fmt.Errorf("fulfill %d: reload: %w", id, err)
	}
	res.FulfilledAt = rec.FulfilledAt
	s.log.Info("transfer fulfilled", zap.Int64("transfer_id", id), zap.String("outcome", outcome.String()))
	return res, nil
}

// OrderRequest names every transfer of one logical order.
type OrderRequest struct {
	Key       string  `json:"key"`
	PrimaryID int64   `json:"primary_id"`
	MemberIDs []int64 `json:"member_ids"`
}

type OrderResult struct {
	Key       string           `json:"key"`
	Transfers []TransferResult `json:"transfers"`
}

// FulfillOrder fulfills each member. A missing non-primary member is tolerated;
// a missing primary or a store failure stops the order with the members done
// so far left fulfilled, which a retry treats as already fulfilled.
func (s *FulfillmentService) FulfillOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if len(req.MemberIDs) == 0 {
		return OrderResult{}, ErrEmptyOrder
	}
	out := OrderResult{Key: req.Key}
	for _, id := range req.MemberIDs {
		res, err := s.Fulfill(ctx, id)
		if errors.Is(err, ErrTransferNotFound) && id != req.PrimaryID {
			s.log.Warn("order member missing, skipped", zap.String("order", req.Key), zap.Int64("transfer_id", id))
			out.Transfers = append(out.Transfers, res)
			continue
		}
		if err != nil {
			return out, err
		}
		out.Transfers = append(out.Transfers, res)
	}
	if req.Key != "" && s.reminders != nil {
		s.reminders.Cancel(req.Key)
	}
	return out, nil
}
