package scheduler

import (
	"sync"
	"time"

	"github.com/punchamoorthee/tablepay/internal/domain"
	"go.uber.org/zap"
)

type TriggerKind string

const (
	TriggerPromote      TriggerKind = "promote"
	TriggerNewImmediate TriggerKind = "new_immediate"
	TriggerReminder     TriggerKind = "reminder"
	TriggerPrint        TriggerKind = "print"
)

// Event is one trigger as seen by operator screens.
type Event struct {
	Seq      int64                `json:"seq"`
	Kind     TriggerKind          `json:"kind"`
	OrderKey string               `json:"order_key"`
	Order    *domain.LogicalOrder `json:"order,omitempty"`
	At       time.Time            `json:"at"`
}

// Feed keeps the most recent triggers so operator screens can poll for
// alerts and tickets with Since.
type Feed struct {
	mu     sync.Mutex
	events []Event
	next   int64
	limit  int
}

func NewFeed(limit int) *Feed {
	if limit <= 0 {
		limit = 256
	}
	return &Feed{limit: limit, next: 1}
}

func (f *Feed) add(kind TriggerKind, key string, order *domain.LogicalOrder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, Event{Seq: f.next, Kind: kind, OrderKey: key, Order: order, At: time.Now()})
	f.next++
	if len(f.events) > f.limit {
		f.events = append([]Event(nil), f.events[len(f.events)-f.limit:]...)
	}
}

// Since returns events with Seq > after, oldest first.
func (f *Feed) Since(after int64) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Event
	for _, e := range f.events {
		if e.Seq > after {
			out = append(out, e)
		}
	}
	return out
}

func (f *Feed) OnPromote(key string)      { f.add(TriggerPromote, key, nil) }
func (f *Feed) OnNewImmediate(key string) { f.add(TriggerNewImmediate, key, nil) }
func (f *Feed) OnReminderTick(key string) { f.add(TriggerReminder, key, nil) }
func (f *Feed) OnPrint(order domain.LogicalOrder) {
	f.add(TriggerPrint, order.Key, &order)
}

// LogSink logs every trigger.
type LogSink struct {
	Log *zap.Logger
}

func (l LogSink) OnPromote(key string) {
	l.Log.Info("alert", zap.String("order", key), zap.String("reason", "promoted"))
}
func (l LogSink) OnNewImmediate(key string) {
	l.Log.Info("alert", zap.String("order", key), zap.String("reason", "new"))
}
func (l LogSink) OnReminderTick(key string) { l.Log.Info("reminder", zap.String("order", key)) }
func (l LogSink) OnPrint(order domain.LogicalOrder) {
	l.Log.Info("ticket printed", zap.String("order", order.Key), zap.Int64s("transfers", order.MemberIDs))
}

// Fanout forwards every trigger to each sink in order.
type Fanout []Sink

func (f Fanout) OnPromote(key string) {
	for _, s := range f {
		s.OnPromote(key)
	}
}

func (f Fanout) OnNewImmediate(key string) {
	for _, s := range f {
		s.OnNewImmediate(key)
	}
}

func (f Fanout) OnReminderTick(key string) {
	for _, s := range f {
		s.OnReminderTick(key)
	}
}

func (f Fanout) OnPrint(order domain.LogicalOrder) {
	for _, s := range f {
		s.OnPrint(order)
	}
}
