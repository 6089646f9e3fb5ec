package tariff

import (
	"errors"
	"fmt"
)

// FeeKind tags a fee component that can be waived for a resident.
type FeeKind string

const (
	FeeIPL           FeeKind = "IPL"
	FeeKasRT         FeeKind = "KAS_RT"
	FeeWaterAbodemen FeeKind = "WATER_ABODEMEN"
	FeeWaterUsage    FeeKind = "WATER_USAGE"
)

// IsValid reports whether k is one of the known fee kinds.
func (k FeeKind) IsValid() bool {
	switch k {
	case FeeIPL, FeeKasRT, FeeWaterAbodemen, FeeWaterUsage:
		return true
	}
	return false
}

// FixedFees are charged once per period regardless of usage.
type FixedFees struct {
	IPLBase       int64 `json:"ipl_base"`
	KasRTBase     int64 `json:"kas_rt_base"`
	WaterAbodemen int64 `json:"water_abodemen"`
}

// WaterRate is a two-step progressive price per meter unit.
type WaterRate struct {
	ThresholdUnits  int64 `json:"threshold_units"`
	LowRatePerUnit  int64 `json:"low_rate_per_unit"`
	HighRatePerUnit int64 `json:"high_rate_per_unit"`
}

// CustomFee is an opt-in fee residents can be enrolled in.
type CustomFee struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Amount int64  `json:"amount"`
}

// Config is the full fee schedule of the association.
type Config struct {
	FixedFees  FixedFees   `json:"fixed_fees"`
	WaterRate  WaterRate   `json:"water_rate"`
	CustomFees []CustomFee `json:"custom_fees"`
}

// Default returns the schedule used until an administrator saves one.
func Default() Config {
	return Config{
		FixedFees: FixedFees{
			IPLBase:       145000,
			KasRTBase:     20000,
			WaterAbodemen: 15000,
		},
		WaterRate: WaterRate{
			ThresholdUnits:  10,
			LowRatePerUnit:  3500,
			HighRatePerUnit: 4500,
		},
		CustomFees: []CustomFee{},
	}
}

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid tariff configuration")

// Validate checks that every amount is non-negative and custom fee ids are
// unique.
func (c Config) Validate() error {
	checks := []struct {
		name  string
		value int64
	}{
		{"fixed_fees.ipl_base", c.FixedFees.IPLBase},
		{"fixed_fees.kas_rt_base", c.FixedFees.KasRTBase},
		{"fixed_fees.water_abodemen", c.FixedFees.WaterAbodemen},
		{"water_rate.threshold_units", c.WaterRate.ThresholdUnits},
		{"water_rate.low_rate_per_unit", c.WaterRate.LowRatePerUnit},
		{"water_rate.high_rate_per_unit", c.WaterRate.HighRatePerUnit},
	}
	for _, ch := range checks {
		if ch.value < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, ch.name)
		}
	}

	seen := make(map[string]struct{}, len(c.CustomFees))
	for i, f := range c.CustomFees {
		if f.ID == "" {
			return fmt.Errorf("%w: custom_fees[%d].id is required", ErrInvalidConfig, i)
		}
		if f.Amount < 0 {
			return fmt.Errorf("%w: custom fee %q has a negative amount", ErrInvalidConfig, f.ID)
		}
		if _, dup := seen[f.ID]; dup {
			return fmt.Errorf("%w: duplicate custom fee id %q", ErrInvalidConfig, f.ID)
		}
		seen[f.ID] = struct{}{}
	}
	return nil
}

// CustomFee looks up a custom fee by id.
func (c Config) CustomFee(id string) (CustomFee, bool) {
	for _, f := range c.CustomFees {
		if f.ID == id {
			return f, true
		}
	}
	return CustomFee{}, false
}
