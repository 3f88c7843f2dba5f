// Package forge implements the issuer peer of spec.md §3.2/§4.2/§4.3: the
// authoritative holder of spentTokens, supply counters, and the
// authorized-minter set, exposing the forge/transfer/burn/verify NWPC
// methods. It is grounded on the teacher's core/access_control.go
// (role/authorization sets backed by persisted state) and
// core/Tokens/base.go (balance/supply bookkeeping), generalized from
// per-account balances to a bearer-token issuance ledger.
package forge

import (
	"encoding/json"
	"fmt"
	"sync"

	"tokenforge/containers"
	"tokenforge/dedup"
	"tokenforge/state"
)

// State is the per-issuer authoritative state of spec.md §3.2.
type State struct {
	Owner             string          `json:"owner"`
	AuthorizedForgers *containers.Set `json:"authorizedForgers"`
	SpentTokens       *containers.Set `json:"spentTokens"`
	TotalSupply       uint64          `json:"totalSupply"` // 0 = uncapped
	CirculatingSupply uint64          `json:"circulatingSupply"`
	LastAssetId       uint64          `json:"lastAssetId"`
	Relays            *containers.Set `json:"relays"`

	// ProcessedEventBloom is the bloom filter's own JSON form (spec.md §6).
	ProcessedEventBloom json.RawMessage `json:"processedEventBloom,omitempty"`

	// ProcessedEventIds is the legacy array migrated into the bloom filter
	// on load, then dropped before the next save (spec.md §6).
	ProcessedEventIds []string `json:"processedEventIds,omitempty"`
}

// NewState initializes fresh state for a newly created forge. owner is
// always a member of authorizedForgers (spec.md §3.2).
func NewState(ownerPubkeyHex string, totalSupply uint64) *State {
	return &State{
		Owner:             ownerPubkeyHex,
		AuthorizedForgers: containers.NewSet(ownerPubkeyHex),
		SpentTokens:       containers.NewSet(),
		TotalSupply:       totalSupply,
		Relays:            containers.NewSet(),
	}
}

// stateStore owns the mutex-guarded State plus its persistence plumbing.
// It is embedded in Forge rather than duplicated across forge.go/transfer.go.
type stateStore struct {
	mu        sync.Mutex
	state     *State
	storage   state.Storage
	saveQueue *state.SaveQueue
	dedup     *dedup.Filter
}

func newStateStore(storageKey string, storage state.Storage, initial *State) (*stateStore, *dedup.Filter, error) {
	s := &stateStore{
		storage:   storage,
		saveQueue: state.NewSaveQueue(storage, storageKey),
	}

	raw, err := storage.Get(storageKey)
	switch {
	case err == state.ErrNotFound:
		s.state = initial
		df := dedup.New()
		s.dedup = df
		return s, df, nil
	case err != nil:
		return nil, nil, fmt.Errorf("load forge state: %w", err)
	}

	var loaded State
	if err := json.Unmarshal([]byte(raw), &loaded); err != nil {
		return nil, nil, fmt.Errorf("unmarshal forge state: %w", err)
	}
	if loaded.AuthorizedForgers == nil {
		loaded.AuthorizedForgers = containers.NewSet()
	}
	if loaded.SpentTokens == nil {
		loaded.SpentTokens = containers.NewSet()
	}
	if loaded.Relays == nil {
		loaded.Relays = containers.NewSet()
	}

	var df *dedup.Filter
	if len(loaded.ProcessedEventBloom) > 0 {
		df, err = dedup.Restore(loaded.ProcessedEventBloom)
		if err != nil {
			return nil, nil, fmt.Errorf("restore dedup bloom: %w", err)
		}
	} else {
		df = dedup.New()
	}
	if len(loaded.ProcessedEventIds) > 0 {
		df.ImportLegacyIDs(loaded.ProcessedEventIds)
		loaded.ProcessedEventIds = nil // migration rule: drop before next write
	}

	s.state = &loaded
	s.dedup = df
	return s, df, nil
}

// save persists the current state, including a fresh bloom snapshot, under
// the serialized save-queue (spec.md §4.4/§5).
func (s *stateStore) save() error {
	return s.saveQueue.Save(func() (string, error) {
		s.mu.Lock()
		snap, err := s.dedup.Snapshot()
		if err != nil {
			s.mu.Unlock()
			return "", fmt.Errorf("snapshot dedup: %w", err)
		}
		s.state.ProcessedEventBloom = snap
		s.state.ProcessedEventIds = nil
		payload, err := json.Marshal(s.state)
		s.mu.Unlock()
		if err != nil {
			return "", fmt.Errorf("marshal forge state: %w", err)
		}
		return string(payload), nil
	})
}
