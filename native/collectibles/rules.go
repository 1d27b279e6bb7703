package collectibles

import (
	"errors"
	"time"
)

// MaxBurnSelection caps how many assets may be selected for a single burn,
// regardless of the matched rule.
const MaxBurnSelection = 5

// BurnRule maps a required multiset of same-rarity assets to one resulting
// higher-tier asset. Rules are static configuration and never mutated.
type BurnRule struct {
	RequiredRarity Rarity
	RequiredCount  int
	ResultRarity   Rarity
}

// defaultBurnRules mirrors the production burn ladder. Rules are disjoint by
// rarity, so at most one rule can match a selection.
var defaultBurnRules = []BurnRule{
	{RequiredRarity: RarityCommon, RequiredCount: 5, ResultRarity: RarityPlatinum},
	{RequiredRarity: RarityRare, RequiredCount: 3, ResultRarity: RarityPlatinum},
	{RequiredRarity: RarityLegendary, RequiredCount: 2, ResultRarity: RarityPlatinum},
	{RequiredRarity: RarityPlatinum, RequiredCount: 5, ResultRarity: RaritySilver},
	{RequiredRarity: RaritySilver, RequiredCount: 5, ResultRarity: RarityGold},
}

// BurnRules returns the configured burn ladder. The returned slice is a copy.
func BurnRules() []BurnRule {
	rules := make([]BurnRule, len(defaultBurnRules))
	copy(rules, defaultBurnRules)
	return rules
}

// Resolver errors.
var (
	ErrEmptySelection    = errors.New("collectibles: empty burn selection")
	ErrSelectionTooLarge = errors.New("collectibles: burn selection exceeds maximum")
	ErrMixedRarities     = errors.New("collectibles: burn selection mixes rarities")
	ErrNoBurnRule        = errors.New("collectibles: no burn rule matches selection")
	ErrIncompleteBurnSet = errors.New("collectibles: selection incomplete for burn rule")
	ErrUnknownRewardTier = errors.New("collectibles: no reward rate for rarity")
)

// BurnProgress reports how close a same-rarity selection is to satisfying its
// rule. Remaining is zero when the selection is executable.
type BurnProgress struct {
	Rule      BurnRule
	Selected  int
	Remaining int
}

// ResolveBurnRule matches a multiset of rarities against the burn ladder.
// A rule matches only when every selected rarity equals the rule's required
// rarity and the count equals RequiredCount exactly. A short same-rarity
// selection returns ErrIncompleteBurnSet alongside progress information;
// mixed selections and oversized ones never match.
func ResolveBurnRule(rarities []Rarity) (BurnRule, *BurnProgress, error) {
	if len(rarities) == 0 {
		return BurnRule{}, nil, ErrEmptySelection
	}
	if len(rarities) > MaxBurnSelection {
		return BurnRule{}, nil, ErrSelectionTooLarge
	}
	first := rarities[0]
	for _, r := range rarities[1:] {
		if r != first {
			return BurnRule{}, nil, ErrMixedRarities
		}
	}
	for _, rule := range defaultBurnRules {
		if rule.RequiredRarity != first {
			continue
		}
		progress := &BurnProgress{Rule: rule, Selected: len(rarities), Remaining: rule.RequiredCount - len(rarities)}
		switch {
		case len(rarities) == rule.RequiredCount:
			progress.Remaining = 0
			return rule, progress, nil
		case len(rarities) < rule.RequiredCount:
			return BurnRule{}, progress, ErrIncompleteBurnSet
		default:
			return BurnRule{}, nil, ErrNoBurnRule
		}
	}
	return BurnRule{}, nil, ErrNoBurnRule
}

// dailyRewardRates is the accrual table in NEFT per day, keyed by rarity.
var dailyRewardRates = map[Rarity]float64{
	RarityCommon:    0.1,
	RarityRare:      0.4,
	RarityLegendary: 1.0,
	RarityPlatinum:  2.5,
	RaritySilver:    8,
	RarityGold:      30,
}

// DailyReward returns the accrual rate for the rarity in NEFT per day.
func DailyReward(r Rarity) (float64, error) {
	rate, ok := dailyRewardRates[r]
	if !ok {
		return 0, ErrUnknownRewardTier
	}
	return rate, nil
}

// AccruedReward computes the reward earned by a staked asset of the given
// rarity between stakedAt and now. Negative intervals accrue nothing.
func AccruedReward(r Rarity, stakedAt, now time.Time) (float64, error) {
	rate, err := DailyReward(r)
	if err != nil {
		return 0, err
	}
	elapsed := now.Sub(stakedAt)
	if elapsed <= 0 {
		return 0, nil
	}
	return rate * elapsed.Hours() / 24, nil
}
