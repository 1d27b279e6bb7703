package collectibles

// Event is a typed notification emitted by the store after a committed
// mutation. Subscribers receive concrete event values; there are no
// stringly-typed global signals.
type Event interface {
	EventType() string
}

const (
	EventTypeOptimisticApplied  = "collectibles.optimistic.applied"
	EventTypeMutationConfirmed  = "collectibles.mutation.confirmed"
	EventTypeMutationReverted   = "collectibles.mutation.reverted"
	EventTypeBackingChanged     = "collectibles.backing.changed"
	EventTypeAssetsMaterialized = "collectibles.assets.materialized"
	EventTypeSyncFailed         = "collectibles.sync.failed"
)

// OptimisticApplied fires when an optimistic patch lands on a set of assets.
type OptimisticApplied struct {
	AssetIDs   []string
	Unverified bool
}

func (OptimisticApplied) EventType() string { return EventTypeOptimisticApplied }

// MutationConfirmed fires when reconciliation confirms an optimistic patch.
type MutationConfirmed struct {
	AssetIDs []string
}

func (MutationConfirmed) EventType() string { return EventTypeMutationConfirmed }

// MutationReverted fires when an optimistic patch is rolled back to the
// pre-operation snapshot.
type MutationReverted struct {
	AssetIDs []string
}

func (MutationReverted) EventType() string { return EventTypeMutationReverted }

// BackingChanged fires when custody of an asset moves between ledgers; claim
// is the only operation that produces it.
type BackingChanged struct {
	AssetID string
	From    Backing
	To      Backing
}

func (BackingChanged) EventType() string { return EventTypeBackingChanged }

// AssetsMaterialized fires when a burn consumes assets and mints the result.
type AssetsMaterialized struct {
	BurnedIDs []string
	Result    Asset
}

func (AssetsMaterialized) EventType() string { return EventTypeAssetsMaterialized }

// SyncFailed fires when reconciliation discovers the backend contradicted an
// optimistic mutation and the patch was reverted. Callers should surface a
// retry prompt to the user.
type SyncFailed struct {
	AssetIDs []string
	Reason   string
}

func (SyncFailed) EventType() string { return EventTypeSyncFailed }
