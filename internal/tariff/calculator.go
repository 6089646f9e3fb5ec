package tariff

// Profile is the part of a resident that affects pricing.
type Profile struct {
	IsDispensation   bool
	Exemptions       []FeeKind
	ActiveCustomFees []string
}

// Exempt reports whether kind is waived for this profile. Exemptions only
// apply while the dispensation flag is set.
func (p Profile) Exempt(kind FeeKind) bool {
	if !p.IsDispensation {
		return false
	}
	for _, e := range p.Exemptions {
		if e == kind {
			return true
		}
	}
	return false
}

// Breakdown is the itemized cost of one period, excluding carried arrears.
type Breakdown struct {
	IPLCost      int64 `json:"ipl_cost"`
	KasRTCost    int64 `json:"kas_rt_cost"`
	AbodemenCost int64 `json:"abodemen_cost"`
	WaterCost    int64 `json:"water_cost"`
	ExtraCost    int64 `json:"extra_cost"`
}

// Subtotal sums every component.
func (b Breakdown) Subtotal() int64 {
	return b.IPLCost + b.KasRTCost + b.AbodemenCost + b.ExtraCost + b.WaterCost
}

// Total is the bill amount once the arrears snapshot is added.
func (b Breakdown) Total(arrears int64) int64 {
	return b.Subtotal() + arrears
}

// Compute prices one period of usage for a resident. It has no side effects
// and never fails; negative inputs count as zero.
func Compute(p Profile, usage int64, cfg Config) Breakdown {
	var b Breakdown

	if !p.Exempt(FeeIPL) {
		b.IPLCost = nonNegative(cfg.FixedFees.IPLBase)
	}
	if !p.Exempt(FeeKasRT) {
		b.KasRTCost = nonNegative(cfg.FixedFees.KasRTBase)
	}
	if !p.Exempt(FeeWaterAbodemen) {
		b.AbodemenCost = nonNegative(cfg.FixedFees.WaterAbodemen)
	}
	if !p.Exempt(FeeWaterUsage) {
		b.WaterCost = WaterCost(usage, cfg.WaterRate)
	}

	if len(p.ActiveCustomFees) > 0 {
		active := make(map[string]struct{}, len(p.ActiveCustomFees))
		for _, id := range p.ActiveCustomFees {
			active[id] = struct{}{}
		}
		for _, f := range cfg.CustomFees {
			if _, ok := active[f.ID]; ok {
				b.ExtraCost += nonNegative(f.Amount)
			}
		}
	}
	return b
}

// WaterCost applies the progressive rate: units up to the threshold at the
// low rate, the remainder at the high rate.
func WaterCost(usage int64, rate WaterRate) int64 {
	if usage <= 0 {
		return 0
	}
	threshold := nonNegative(rate.ThresholdUnits)
	low := nonNegative(rate.LowRatePerUnit)
	high := nonNegative(rate.HighRatePerUnit)

	if usage <= threshold {
		return usage * low
	}
	return threshold*low + (usage-threshold)*high
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
