package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadHarvestPlan(t *testing.T) {
	t.Run("parses a full plan", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "harvest.yaml")
		plan := `
symbols:
  - AAPL
  - MSFT
timeframes:
  - duration: "2 Y"
    bar_size: "1 day"
  - duration: "1 M"
    bar_size: "5 mins"
    what_to_show: MIDPOINT
`
		if err := os.WriteFile(path, []byte(plan), 0o644); err != nil {
			t.Fatal(err)
		}

		got, err := LoadHarvestPlan(path)
		if err != nil {
			t.Fatalf("LoadHarvestPlan: %v", err)
		}
		if len(got.Symbols) != 2 || got.Symbols[0] != "AAPL" {
			t.Fatalf("symbols = %v", got.Symbols)
		}
		if len(got.Timeframes) != 2 {
			t.Fatalf("timeframes = %+v", got.Timeframes)
		}
		if got.Timeframes[0].WhatToShow != "TRADES" {
			t.Errorf("missing what_to_show not defaulted: %+v", got.Timeframes[0])
		}
		if got.Timeframes[1].WhatToShow != "MIDPOINT" {
			t.Errorf("explicit what_to_show overwritten: %+v", got.Timeframes[1])
		}
	})

	t.Run("missing file falls back to environment", func(t *testing.T) {
		t.Setenv("SYMBOLS", "SPY, QQQ ,IWM")

		got, err := LoadHarvestPlan(filepath.Join(t.TempDir(), "nope.yaml"))
		if err != nil {
			t.Fatalf("LoadHarvestPlan: %v", err)
		}
		want := []string{"SPY", "QQQ", "IWM"}
		if len(got.Symbols) != len(want) {
			t.Fatalf("symbols = %v", got.Symbols)
		}
		for i := range want {
			if got.Symbols[i] != want[i] {
				t.Errorf("symbol %d = %q, want %q", i, got.Symbols[i], want[i])
			}
		}
		if len(got.Timeframes) == 0 {
			t.Fatal("fallback plan has no timeframes")
		}
	})

	t.Run("plan without symbols is rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "harvest.yaml")
		if err := os.WriteFile(path, []byte("timeframes:\n  - duration: \"1 Y\"\n    bar_size: \"1 day\"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadHarvestPlan(path); err == nil {
			t.Fatal("expected error for empty symbol list")
		}
	})

	t.Run("malformed yaml is rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "harvest.yaml")
		if err := os.WriteFile(path, []byte(": not yaml ["), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadHarvestPlan(path); err == nil {
			t.Fatal("expected parse error")
		}
	})
}

func TestSplitAndTrim(t *testing.T) {
	got := splitAndTrim(" a, b ,,c ")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("splitAndTrim = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("element %d = %q, want %q", i, got[i], want[i])
		}
	}
}
