package scheduler

import (
	"sync"
	"time"
)

// PrintRegistry records which orders already have a kitchen ticket.
// Manual and automatic prints share one registry.
type PrintRegistry struct {
	mu      sync.Mutex
	printed map[string]time.Time
	now     func() time.Time
}

func NewPrintRegistry() *PrintRegistry {
	return &PrintRegistry{printed: make(map[string]time.Time), now: time.Now}
}

// Claim returns true for exactly one caller per key.
func (r *PrintRegistry) Claim(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.printed[key]; ok {
		return false
	}
	r.printed[key] = r.now()
	return true
}

func (r *PrintRegistry) PrintedAt(key string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.printed[key]
	return at, ok
}

// Retain forgets every key not in keep and returns the forgotten keys. A key
// that left the board can then be printed again if a new order reuses it.
func (r *PrintRegistry) Retain(keep map[string]struct{}) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var dropped []string
	for key := range r.printed {
		if _, ok := keep[key]; !ok {
			delete(r.printed, key)
			dropped = append(dropped, key)
		}
	}
	return dropped
}
