// Package timing splits logical orders into the immediate queue and the
// delayed (scheduled pickup or dine-in) queue.
package timing

import (
	"sort"
	"time"

	"github.com/punchamoorthee/tablepay/internal/domain"
	"github.com/punchamoorthee/tablepay/internal/memo"
)

// DefaultWindow is how far ahead of its target time a delayed order becomes immediate.
const DefaultWindow = 30 * time.Minute

type Classifier struct {
	Window   time.Duration
	Location *time.Location
}

func NewClassifier(window time.Duration, loc *time.Location) Classifier {
	if window <= 0 {
		window = DefaultWindow
	}
	if loc == nil {
		loc = time.Local
	}
	return Classifier{Window: window, Location: loc}
}

// Decide reads the optional timing token. nil means the order is immediate.
// Tokens without a date refer to the current calendar day.
func (c Classifier) Decide(memoText string, now time.Time) *domain.TimingDecision {
	tok, ok := memo.FindTimingToken(memoText)
	if !ok {
		return nil
	}
	local := now.In(c.Location)
	year, month, day := local.Date()
	if tok.Date != "" {
		if d, err := time.ParseInLocation("2006-01-02", tok.Date, c.Location); err == nil {
			year, month, day = d.Date()
		}
	}
	kind := domain.TimingPickup
	if _, ok := memo.ExtractTable(memoText); ok {
		kind = domain.TimingDineIn
	}
	return &domain.TimingDecision{
		Kind:   kind,
		Target: time.Date(year, month, day, tok.Hour, tok.Minute, 0, 0, c.Location),
	}
}

// Immediate reports whether an order with decision d belongs in the active queue at now.
func (c Classifier) Immediate(d *domain.TimingDecision, now time.Time) bool {
	return d == nil || d.Target.Sub(now) <= c.Window
}

// Classified is a logical order with its timing decision.
type Classified struct {
	Order  domain.LogicalOrder    `json:"order"`
	Timing *domain.TimingDecision `json:"timing,omitempty"`
}

// Split buckets orders. Immediate keeps input order; delayed is sorted soonest first.
func (c Classifier) Split(orders []domain.LogicalOrder, now time.Time) (immediate, delayed []Classified) {
	for _, o := range orders {
		d := c.Decide(o.Memo(), now)
		entry := Classified{Order: o, Timing: d}
		if c.Immediate(d, now) {
			immediate = append(immediate, entry)
		} else {
			delayed = append(delayed, entry)
		}
	}
	sort.SliceStable(delayed, func(i, j int) bool {
		return delayed[i].Timing.Target.Before(delayed[j].Timing.Target)
	})
	return immediate, delayed
}
