package collectibles

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Rarity identifies the collectible tier. The ordering follows the burn
// ladder: lower tiers are consumed to materialize higher ones.
type Rarity uint8

const (
	RarityCommon Rarity = iota
	RarityRare
	RarityLegendary
	RarityPlatinum
	RaritySilver
	RarityGold
)

var rarityNames = map[Rarity]string{
	RarityCommon:    "Common",
	RarityRare:      "Rare",
	RarityLegendary: "Legendary",
	RarityPlatinum:  "Platinum",
	RaritySilver:    "Silver",
	RarityGold:      "Gold",
}

// String returns the canonical display name for the rarity.
func (r Rarity) String() string {
	if name, ok := rarityNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Rarity(%d)", uint8(r))
}

// Valid reports whether the rarity is within the supported range.
func (r Rarity) Valid() bool {
	_, ok := rarityNames[r]
	return ok
}

// ParseRarity resolves a display name to a rarity, case-insensitively.
func ParseRarity(raw string) (Rarity, error) {
	trimmed := strings.TrimSpace(raw)
	for rarity, name := range rarityNames {
		if strings.EqualFold(name, trimmed) {
			return rarity, nil
		}
	}
	return 0, fmt.Errorf("collectibles: unknown rarity %q", raw)
}

// Backing identifies which ledger currently holds authoritative custody of an
// asset.
type Backing uint8

const (
	BackingOffchain Backing = iota
	BackingOnchain
)

// String returns the lowercase wire form used in events and API payloads.
func (b Backing) String() string {
	if b == BackingOnchain {
		return "onchain"
	}
	return "offchain"
}

// StakingState tracks the staking lifecycle of one asset.
type StakingState uint8

const (
	NotStaked StakingState = iota
	StakePending
	Staked
	UnstakePending
)

func (s StakingState) String() string {
	switch s {
	case StakePending:
		return "stake_pending"
	case Staked:
		return "staked"
	case UnstakePending:
		return "unstake_pending"
	default:
		return "not_staked"
	}
}

// StakingSource records which ledger registered the stake. It is tracked
// separately from Backing because a claimed asset changes custody without
// being unstaked.
type StakingSource uint8

const (
	SourceNone StakingSource = iota
	SourceOffchain
	SourceOnchain
)

func (s StakingSource) String() string {
	switch s {
	case SourceOffchain:
		return "offchain"
	case SourceOnchain:
		return "onchain"
	default:
		return "none"
	}
}

// ChainIdentity pins an on-chain asset to a specific network and contract.
// It must be populated whenever Backing is BackingOnchain.
type ChainIdentity struct {
	ChainID     uint64
	NetworkName string
	Contract    string
	TokenID     string
}

// Empty reports whether the identity carries no network binding.
func (c ChainIdentity) Empty() bool {
	return c.ChainID == 0 && strings.TrimSpace(c.NetworkName) == "" &&
		strings.TrimSpace(c.Contract) == "" && strings.TrimSpace(c.TokenID) == ""
}

// Asset is the central entity managed by the store. A copy of the struct is
// always safe to hand to callers; it contains no shared pointers.
type Asset struct {
	ID            string
	Name          string
	Rarity        Rarity
	Backing       Backing
	Chain         ChainIdentity
	StakingState  StakingState
	StakingSource StakingSource
	StakedAt      time.Time

	// Pending marks an optimistic, unconfirmed mutation. Unverified marks a
	// mutation applied on an ambiguous confirmation signal; it survives until
	// reconciliation settles the asset.
	Pending    bool
	Unverified bool
}

// Validation errors shared by the store and the orchestrator.
var (
	ErrMissingChainIdentity = errors.New("collectibles: onchain asset missing chain identity")
	ErrMissingStakingSource = errors.New("collectibles: staked asset missing staking source")
	ErrUnknownAsset         = errors.New("collectibles: unknown asset")
	ErrNotPending           = errors.New("collectibles: asset has no pending mutation")
)

// Validate enforces the structural invariants of an asset record.
func (a Asset) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("collectibles: asset id required")
	}
	if !a.Rarity.Valid() {
		return fmt.Errorf("collectibles: asset %s has invalid rarity", a.ID)
	}
	if a.Backing == BackingOnchain && a.Chain.Empty() {
		return fmt.Errorf("%w: %s", ErrMissingChainIdentity, a.ID)
	}
	if a.StakingState == Staked && a.StakingSource == SourceNone {
		return fmt.Errorf("%w: %s", ErrMissingStakingSource, a.ID)
	}
	return nil
}
