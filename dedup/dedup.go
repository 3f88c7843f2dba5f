// Package dedup implements the at-most-once event processing structure of
// spec.md §4.4/§9: an LRU cache of the last 1,000 event IDs backed by a
// bloom filter sized for ~15,000 items at a 1% false-positive rate. The
// bloom filter is not a counting one: IDs are never removed from it. The bloom filter persists across restarts (see Snapshot/Restore);
// the LRU does not.
package dedup

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// LRUSize bounds the exact-membership cache to the last N event IDs.
	LRUSize = 1000

	// BloomItems and BloomFalsePositiveRate are the persisted filter's
	// sizing parameters — ≈144 kbits (~18 KB), ~7 hash functions, per
	// spec.md §9.
	BloomItems            = 15000
	BloomFalsePositiveRate = 0.01
)

// Filter is the hybrid dedup structure. A zero Filter is not usable; use
// New or Restore.
type Filter struct {
	mu    sync.Mutex
	lru   *lru.Cache[string, struct{}]
	bloom *bloom.BloomFilter
}

// New creates an empty Filter with a freshly sized bloom filter.
func New() *Filter {
	cache, err := lru.New[string, struct{}](LRUSize)
	if err != nil {
		// Only returns an error for a non-positive size, which LRUSize
		// never is; a panic here would indicate a build-time constant
		// mistake, not a runtime condition.
		panic(err)
	}
	return &Filter{
		lru:   cache,
		bloom: bloom.NewWithEstimates(BloomItems, BloomFalsePositiveRate),
	}
}

// Seen reports whether id has already been processed, without marking it as
// processed. Use Observe to perform the check-and-mark in one step.
func (f *Filter) Seen(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.lru.Get(id); ok {
		return true
	}
	return f.bloom.TestString(id)
}

// Observe reports whether id had already been processed and, regardless,
// marks it as processed for future calls. Callers should only perform their
// side effect when Observe returns false — the "process iff neither
// structure reports it" rule of spec.md §4.4.
func (f *Filter) Observe(id string) (alreadySeen bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.lru.Get(id); ok {
		alreadySeen = true
	} else if f.bloom.TestString(id) {
		alreadySeen = true
	}
	f.lru.Add(id, struct{}{})
	f.bloom.AddString(id)
	return alreadySeen
}

// Snapshot serializes the bloom filter (not the LRU, which is intentionally
// not durable) into the bloom library's own JSON form.
func (f *Filter) Snapshot() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bloom.MarshalJSON()
}

// Restore rebuilds a Filter from a previously persisted bloom snapshot, with
// a fresh (empty) LRU — matching "the bloom filter persists across
// restarts; the LRU does not."
func Restore(bloomJSON []byte) (*Filter, error) {
	f := New()
	if len(bloomJSON) == 0 {
		return f, nil
	}
	if err := f.bloom.UnmarshalJSON(bloomJSON); err != nil {
		return nil, err
	}
	return f, nil
}

// ImportLegacyIDs migrates a legacy processedEventIds array into the bloom
// filter, per the spec.md §6 migration rule: "if a loaded state contains a
// legacy processedEventIds array, import each entry into the bloom filter
// and delete the array before the next write."
func (f *Filter) ImportLegacyIDs(ids []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.bloom.AddString(id)
	}
}
