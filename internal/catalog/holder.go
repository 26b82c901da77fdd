package catalog

import "sync/atomic"

// Holder serves the current snapshot and lets it be swapped at runtime.
type Holder struct {
	current atomic.Pointer[Snapshot]
}

func NewHolder(s *Snapshot) *Holder {
	h := &Holder{}
	h.Swap(s)
	return h
}

// Swap installs s and returns the previous snapshot.
func (h *Holder) Swap(s *Snapshot) *Snapshot {
	if s == nil {
		s = NewSnapshot(nil)
	}
	return h.current.Swap(s)
}

func (h *Holder) Get(key string) (Item, bool) { return h.current.Load().Get(key) }
func (h *Holder) Version() string             { return h.current.Load().Version() }

// Snapshot returns the current snapshot. Use it when several lookups must see
// the same menu.
func (h *Holder) Snapshot() *Snapshot { return h.current.Load() }
