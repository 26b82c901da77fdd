// Package scheduler detects orders entering the immediate queue and fires the
// kitchen side effects (alert, ticket print, reminders) at most once per order.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/tablepay/internal/domain"
	"github.com/punchamoorthee/tablepay/internal/timing"
	"go.uber.org/zap"
)

const DefaultReminderInterval = 30 * time.Second

var (
	triggersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tablepay_triggers_total",
		Help: "Side-effect triggers fired, labeled by kind",
	}, []string{"kind"})

	activeReminders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tablepay_active_reminders",
		Help: "Reminder loops currently running",
	})
)

// Sink receives side-effect triggers; device calls happen behind it.
type Sink interface {
	OnPromote(key string)
	OnNewImmediate(key string)
	OnReminderTick(key string)
	OnPrint(order domain.LogicalOrder)
}

// PromotionState is the per-process memory needed to detect transitions
// between refresh passes.
type PromotionState struct {
	primed    bool
	delayed   map[string]struct{}
	seen      map[string]struct{}
	alerted   map[string]struct{}
	reminders map[string]context.CancelFunc
}

func newPromotionState() PromotionState {
	return PromotionState{
		delayed:   make(map[string]struct{}),
		seen:      make(map[string]struct{}),
		alerted:   make(map[string]struct{}),
		reminders: make(map[string]context.CancelFunc),
	}
}

// Events reports what one Observe call fired.
type Events struct {
	Promoted     []string
	NewImmediate []string
	Printed      []string
	Stopped      []string
}

type Scheduler struct {
	sink     Sink
	prints   *PrintRegistry
	interval time.Duration
	log      *zap.Logger

	mu    sync.Mutex
	state PromotionState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(sink Sink, prints *PrintRegistry, interval time.Duration, log *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultReminderInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		sink:     sink,
		prints:   prints,
		interval: interval,
		log:      log,
		state:    newPromotionState(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Observe diffs one refresh pass against the previous one. The first pass only
// records state, so a restart does not re-alert the whole board.
func (s *Scheduler) Observe(immediate, delayed []timing.Classified) Events {
	var (
		ev       Events
		toPrint  []domain.LogicalOrder
		promoted []string
		fresh    []string
	)

	s.mu.Lock()
	current := make(map[string]struct{}, len(immediate)+len(delayed))
	nextDelayed := make(map[string]struct{}, len(delayed))
	for _, d := range delayed {
		current[d.Order.Key] = struct{}{}
		nextDelayed[d.Order.Key] = struct{}{}
	}
	for _, im := range immediate {
		current[im.Order.Key] = struct{}{}
	}

	if s.state.primed {
		for _, im := range immediate {
			key := im.Order.Key
			_, wasDelayed := s.state.delayed[key]
			_, wasSeen := s.state.seen[key]
			if wasSeen && !wasDelayed {
				continue
			}
			if _, done := s.state.alerted[key]; done {
				continue
			}
			s.state.alerted[key] = struct{}{}
			if wasDelayed {
				promoted = append(promoted, key)
				s.startReminderLocked(key)
			} else {
				fresh = append(fresh, key)
			}
			toPrint = append(toPrint, im.Order)
		}
	}

	for key, stop := range s.state.reminders {
		if _, ok := current[key]; !ok {
			stop()
			delete(s.state.reminders, key)
			ev.Stopped = append(ev.Stopped, key)
		}
	}
	for key := range s.state.alerted {
		if _, ok := current[key]; !ok {
			delete(s.state.alerted, key)
		}
	}
	s.prints.Retain(current)
	s.state.delayed = nextDelayed
	s.state.seen = current
	s.state.primed = true
	activeReminders.Set(float64(len(s.state.reminders)))
	s.mu.Unlock()

	for _, key := range promoted {
		triggersTotal.WithLabelValues("promote").Inc()
		s.log.Info("delayed order promoted", zap.String("order", key))
		s.sink.OnPromote(key)
	}
	for _, key := range fresh {
		triggersTotal.WithLabelValues("new_immediate").Inc()
		s.log.Info("new immediate order", zap.String("order", key))
		s.sink.OnNewImmediate(key)
	}
	for _, o := range toPrint {
		if s.print(o) {
			ev.Printed = append(ev.Printed, o.Key)
		}
	}
	ev.Promoted, ev.NewImmediate = promoted, fresh
	return ev
}

// Print prints order unless it was already printed, manually or automatically.
func (s *Scheduler) Print(order domain.LogicalOrder) bool {
	return s.print(order)
}

func (s *Scheduler) print(order domain.LogicalOrder) bool {
	if !s.prints.Claim(order.Key) {
		return false
	}
	triggersTotal.WithLabelValues("print").Inc()
	s.sink.OnPrint(order)
	return true
}

// Cancel stops the reminder loop of an order, typically on fulfillment.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	stop, ok := s.state.reminders[key]
	if !ok {
		return false
	}
	stop()
	delete(s.state.reminders, key)
	activeReminders.Set(float64(len(s.state.reminders)))
	return true
}

// Reminding reports whether a reminder loop runs for key.
func (s *Scheduler) Reminding(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.state.reminders[key]
	return ok
}

// Close stops every reminder loop and waits for them to exit.
func (s *Scheduler) Close() {
	s.cancel()
	s.mu.Lock()
	s.state.reminders = make(map[string]context.CancelFunc)
	activeReminders.Set(0)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) startReminderLocked(key string) {
	if _, running := s.state.reminders[key]; running {
		return
	}
	ctx, stop := context.WithCancel(s.ctx)
	s.state.reminders[key] = stop

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				triggersTotal.WithLabelValues("reminder").Inc()
				s.sink.OnReminderTick(key)
			}
		}
	}()
}
