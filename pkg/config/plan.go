package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Timeframe is one row of the harvest plan's timeframe matrix.
type Timeframe struct {
	Duration   string `yaml:"duration"`
	BarSize    string `yaml:"bar_size"`
	WhatToShow string `yaml:"what_to_show"`
}

// HarvestPlan describes what the scheduler collects.
type HarvestPlan struct {
	Symbols    []string    `yaml:"symbols"`
	Timeframes []Timeframe `yaml:"timeframes"`
}

// LoadHarvestPlan reads the YAML plan at path. A missing file falls back to
// the SYMBOLS environment variable with a daily-bars default, so the bot can
// run without a plan file.
func LoadHarvestPlan(path string) (*HarvestPlan, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return defaultPlan(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read harvest plan: %w", err)
	}

	var plan HarvestPlan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse harvest plan %s: %w", path, err)
	}
	if len(plan.Symbols) == 0 {
		return nil, fmt.Errorf("harvest plan %s lists no symbols", path)
	}
	if len(plan.Timeframes) == 0 {
		plan.Timeframes = defaultTimeframes()
	}
	for i := range plan.Timeframes {
		if plan.Timeframes[i].WhatToShow == "" {
			plan.Timeframes[i].WhatToShow = "TRADES"
		}
	}
	return &plan, nil
}

func defaultPlan() *HarvestPlan {
	return &HarvestPlan{
		Symbols:    splitAndTrim(getEnv("SYMBOLS", "SPY,AAPL")),
		Timeframes: defaultTimeframes(),
	}
}

func defaultTimeframes() []Timeframe {
	return []Timeframe{
		{Duration: "1 Y", BarSize: "1 day", WhatToShow: "TRADES"},
		{Duration: "1 M", BarSize: "1 hour", WhatToShow: "TRADES"},
	}
}
