package collectibles

import (
	"errors"
	"testing"
	"time"
)

func repeatRarity(r Rarity, n int) []Rarity {
	out := make([]Rarity, n)
	for i := range out {
		out[i] = r
	}
	return out
}

func TestResolveBurnRuleExactMatch(t *testing.T) {
	rule, progress, err := ResolveBurnRule(repeatRarity(RarityCommon, 5))
	if err != nil {
		t.Fatalf("resolve 5 common: %v", err)
	}
	if rule.ResultRarity != RarityPlatinum {
		t.Fatalf("expected platinum result, got %s", rule.ResultRarity)
	}
	if progress == nil || progress.Remaining != 0 {
		t.Fatalf("expected zero remaining, got %+v", progress)
	}

	rule, _, err = ResolveBurnRule(repeatRarity(RaritySilver, 5))
	if err != nil {
		t.Fatalf("resolve 5 silver: %v", err)
	}
	if rule.ResultRarity != RarityGold {
		t.Fatalf("expected gold result, got %s", rule.ResultRarity)
	}
}

func TestResolveBurnRuleProgressOnly(t *testing.T) {
	_, progress, err := ResolveBurnRule(repeatRarity(RarityCommon, 4))
	if !errors.Is(err, ErrIncompleteBurnSet) {
		t.Fatalf("expected incomplete set, got %v", err)
	}
	if progress == nil {
		t.Fatal("expected progress for short selection")
	}
	if progress.Remaining != 1 || progress.Selected != 4 {
		t.Fatalf("unexpected progress %+v", progress)
	}
}

func TestResolveBurnRuleMixedRarities(t *testing.T) {
	selection := append(repeatRarity(RarityCommon, 3), repeatRarity(RarityRare, 2)...)
	_, _, err := ResolveBurnRule(selection)
	if !errors.Is(err, ErrMixedRarities) {
		t.Fatalf("expected mixed rarity rejection, got %v", err)
	}
}

func TestResolveBurnRuleBounds(t *testing.T) {
	if _, _, err := ResolveBurnRule(nil); !errors.Is(err, ErrEmptySelection) {
		t.Fatalf("expected empty selection error, got %v", err)
	}
	if _, _, err := ResolveBurnRule(repeatRarity(RarityCommon, 6)); !errors.Is(err, ErrSelectionTooLarge) {
		t.Fatalf("expected selection cap error, got %v", err)
	}
	// Gold sits at the top of the ladder; nothing consumes it.
	if _, _, err := ResolveBurnRule(repeatRarity(RarityGold, 5)); !errors.Is(err, ErrNoBurnRule) {
		t.Fatalf("expected no rule for gold, got %v", err)
	}
}

func TestDailyRewardTable(t *testing.T) {
	cases := map[Rarity]float64{
		RarityCommon:    0.1,
		RarityRare:      0.4,
		RarityLegendary: 1.0,
		RarityPlatinum:  2.5,
		RaritySilver:    8,
		RarityGold:      30,
	}
	for rarity, want := range cases {
		got, err := DailyReward(rarity)
		if err != nil {
			t.Fatalf("rate for %s: %v", rarity, err)
		}
		if got != want {
			t.Fatalf("rate for %s: got %v want %v", rarity, got, want)
		}
	}
}

func TestAccruedReward(t *testing.T) {
	start := time.Unix(1700000000, 0)
	got, err := AccruedReward(RarityLegendary, start, start.Add(48*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if got != 2.0 {
		t.Fatalf("expected 2 NEFT over two days, got %v", got)
	}
	got, err = AccruedReward(RarityCommon, start, start.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if got != 0 {
		t.Fatalf("expected zero accrual for negative interval, got %v", got)
	}
}
