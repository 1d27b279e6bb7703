package collectibles

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Patch describes the optimistic field changes applied by a lifecycle
// operation. Nil fields leave the current value untouched.
type Patch struct {
	StakingState  *StakingState
	StakingSource *StakingSource
	Backing       *Backing
	Chain         *ChainIdentity
	StakedAt      *time.Time
	Unverified    bool
}

// Store is the in-memory, observable collection of all assets known to the
// session. It is the single source of UI truth and the only shared mutable
// resource in the engine; every mutation is serialized under one mutex so
// readers never observe a half-applied patch.
type Store struct {
	mu     sync.RWMutex
	assets map[string]Asset

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		assets: make(map[string]Asset),
		subs:   make(map[int]func(Event)),
	}
}

// Load replaces or inserts asset records, validating each. It is used to seed
// the session from the ledgers.
func (s *Store) Load(assets ...Asset) error {
	for _, a := range assets {
		if err := a.Validate(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	for _, a := range assets {
		s.assets[a.ID] = a
	}
	s.mu.Unlock()
	return nil
}

// Get returns a copy of one asset.
func (s *Store) Get(id string) (Asset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[id]
	return a, ok
}

// Snapshot returns copies of all assets, ordered by ID for deterministic
// iteration.
func (s *Store) Snapshot() []Asset {
	s.mu.RLock()
	out := make([]Asset, 0, len(s.assets))
	for _, a := range s.assets {
		out = append(out, a)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ApplyOptimistic applies the patch to every listed asset and marks them
// pending. It returns the prior records so the caller can revert. The whole
// call is atomic: if any asset is unknown or the patched record would violate
// an invariant, nothing is mutated.
func (s *Store) ApplyOptimistic(ids []string, patch Patch) ([]Asset, error) {
	s.mu.Lock()
	prior := make([]Asset, 0, len(ids))
	next := make([]Asset, 0, len(ids))
	for _, id := range ids {
		current, ok := s.assets[id]
		if !ok {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, id)
		}
		patched := current
		if patch.StakingState != nil {
			patched.StakingState = *patch.StakingState
		}
		if patch.StakingSource != nil {
			patched.StakingSource = *patch.StakingSource
		}
		if patch.Backing != nil {
			patched.Backing = *patch.Backing
		}
		if patch.Chain != nil {
			patched.Chain = *patch.Chain
		}
		if patch.StakedAt != nil {
			patched.StakedAt = *patch.StakedAt
		}
		patched.Pending = true
		patched.Unverified = patch.Unverified
		if err := patched.Validate(); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		prior = append(prior, current)
		next = append(next, patched)
	}
	for _, a := range next {
		s.assets[a.ID] = a
	}
	s.mu.Unlock()

	events := make([]Event, 0, 2)
	events = append(events, OptimisticApplied{AssetIDs: append([]string(nil), ids...), Unverified: patch.Unverified})
	if patch.Backing != nil {
		for i, a := range next {
			if prior[i].Backing != a.Backing {
				events = append(events, BackingChanged{AssetID: a.ID, From: prior[i].Backing, To: a.Backing})
			}
		}
	}
	s.publish(events...)
	return prior, nil
}

// Confirm clears the pending and unverified flags, keeping the patch. Assets
// that are not pending are rejected; reconciliation guards its own
// idempotence above this call.
func (s *Store) Confirm(ids []string) error {
	s.mu.Lock()
	for _, id := range ids {
		a, ok := s.assets[id]
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownAsset, id)
		}
		if !a.Pending {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNotPending, id)
		}
	}
	for _, id := range ids {
		a := s.assets[id]
		a.Pending = false
		a.Unverified = false
		s.assets[id] = a
	}
	s.mu.Unlock()
	s.publish(MutationConfirmed{AssetIDs: append([]string(nil), ids...)})
	return nil
}

// Revert restores the pre-operation snapshots. Reverting an asset that is no
// longer pending is a programming error and fails loudly without touching any
// record.
func (s *Store) Revert(ids []string, prior []Asset) error {
	if len(ids) != len(prior) {
		return fmt.Errorf("collectibles: revert id/snapshot length mismatch")
	}
	s.mu.Lock()
	for _, id := range ids {
		a, ok := s.assets[id]
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownAsset, id)
		}
		if !a.Pending {
			s.mu.Unlock()
			return fmt.Errorf("%w: revert after confirm on %s", ErrNotPending, id)
		}
	}
	for i, id := range ids {
		restored := prior[i]
		restored.Pending = false
		restored.Unverified = false
		s.assets[id] = restored
	}
	s.mu.Unlock()
	s.publish(MutationReverted{AssetIDs: append([]string(nil), ids...)})
	return nil
}

// ReplaceMaterialized removes the consumed assets and inserts the newly
// materialized one, atomically. Used exclusively for burn results.
func (s *Store) ReplaceMaterialized(removedIDs []string, result Asset) error {
	if err := result.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	for _, id := range removedIDs {
		if _, ok := s.assets[id]; !ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownAsset, id)
		}
	}
	for _, id := range removedIDs {
		delete(s.assets, id)
	}
	s.assets[result.ID] = result
	s.mu.Unlock()
	s.publish(AssetsMaterialized{BurnedIDs: append([]string(nil), removedIDs...), Result: result})
	return nil
}

// ReportSyncFailure publishes a SyncFailed event. The reconciler calls it
// after reverting a contradicted patch so the presentation layer can prompt a
// retry.
func (s *Store) ReportSyncFailure(ids []string, reason string) {
	s.publish(SyncFailed{AssetIDs: append([]string(nil), ids...), Reason: reason})
}

// Subscribe registers a callback for committed mutations and returns a handle
// for Unsubscribe. Callbacks run synchronously after the store lock is
// released and must not block.
func (s *Store) Subscribe(fn func(Event)) int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = fn
	return id
}

// Unsubscribe removes a previously registered callback.
func (s *Store) Unsubscribe(id int) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	delete(s.subs, id)
}

func (s *Store) publish(events ...Event) {
	s.subMu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, ev := range events {
		for _, fn := range fns {
			fn(ev)
		}
	}
}
