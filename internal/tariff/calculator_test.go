package tariff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := Default()
	cfg.CustomFees = []CustomFee{
		{ID: "security", Name: "Keamanan", Amount: 25000},
		{ID: "trash", Name: "Sampah", Amount: 10000},
	}
	return cfg
}

func TestWaterCost_ProgressiveBoundary(t *testing.T) {
	rate := WaterRate{ThresholdUnits: 10, LowRatePerUnit: 3500, HighRatePerUnit: 4500}

	tests := []struct {
		name  string
		usage int64
		want  int64
	}{
		{"zero usage", 0, 0},
		{"negative usage", -4, 0},
		{"below threshold", 7, 7 * 3500},
		{"at threshold", 10, 10 * 3500},
		{"one above threshold", 11, 10*3500 + 4500},
		{"example scenario", 15, 57500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, WaterCost(tt.usage, rate))
		})
	}
}

func TestWaterCost_ZeroThresholdBillsEverythingHigh(t *testing.T) {
	rate := WaterRate{ThresholdUnits: 0, LowRatePerUnit: 3500, HighRatePerUnit: 4500}
	assert.Equal(t, int64(3*4500), WaterCost(3, rate))
}

func TestCompute_ExampleScenario(t *testing.T) {
	b := Compute(Profile{}, 15, Default())

	assert.Equal(t, Breakdown{
		IPLCost:      145000,
		KasRTCost:    20000,
		AbodemenCost: 15000,
		WaterCost:    57500,
	}, b)
	assert.Equal(t, int64(237500), b.Total(0))
}

func TestCompute_ExemptionsZeroFees(t *testing.T) {
	cfg := testConfig()
	kinds := []FeeKind{FeeIPL, FeeKasRT, FeeWaterAbodemen, FeeWaterUsage}

	for _, kind := range kinds {
		t.Run(string(kind), func(t *testing.T) {
			p := Profile{IsDispensation: true, Exemptions: []FeeKind{kind}}
			b := Compute(p, 20, cfg)
			full := Compute(Profile{}, 20, cfg)

			switch kind {
			case FeeIPL:
				assert.Zero(t, b.IPLCost)
				assert.Equal(t, full.Subtotal()-full.IPLCost, b.Subtotal())
			case FeeKasRT:
				assert.Zero(t, b.KasRTCost)
				assert.Equal(t, full.Subtotal()-full.KasRTCost, b.Subtotal())
			case FeeWaterAbodemen:
				assert.Zero(t, b.AbodemenCost)
				assert.Equal(t, full.Subtotal()-full.AbodemenCost, b.Subtotal())
			case FeeWaterUsage:
				assert.Zero(t, b.WaterCost)
				assert.Equal(t, full.Subtotal()-full.WaterCost, b.Subtotal())
			}
		})
	}
}

func TestCompute_ExemptionsIgnoredWithoutDispensation(t *testing.T) {
	p := Profile{IsDispensation: false, Exemptions: []FeeKind{FeeIPL, FeeWaterUsage}}
	assert.Equal(t, Compute(Profile{}, 12, Default()), Compute(p, 12, Default()))
}

func TestCompute_CustomFees(t *testing.T) {
	cfg := testConfig()

	b := Compute(Profile{ActiveCustomFees: []string{"security", "unknown"}}, 0, cfg)
	assert.Equal(t, int64(25000), b.ExtraCost)

	b = Compute(Profile{ActiveCustomFees: []string{"security", "trash"}}, 0, cfg)
	assert.Equal(t, int64(35000), b.ExtraCost)
}

func TestCompute_RepeatedCustomFeeChargedOnce(t *testing.T) {
	cfg := testConfig()

	b := Compute(Profile{ActiveCustomFees: []string{"trash", "trash"}}, 0, cfg)
	assert.Equal(t, int64(10000), b.ExtraCost)

	b = Compute(Profile{ActiveCustomFees: []string{"security", "trash", "security"}}, 0, cfg)
	assert.Equal(t, int64(35000), b.ExtraCost)
}

func TestCompute_NegativeTariffValuesClamped(t *testing.T) {
	cfg := Config{
		FixedFees: FixedFees{IPLBase: -1, KasRTBase: -5, WaterAbodemen: -9},
		WaterRate: WaterRate{ThresholdUnits: -1, LowRatePerUnit: -1, HighRatePerUnit: 100},
	}
	b := Compute(Profile{}, 3, cfg)
	assert.Equal(t, Breakdown{WaterCost: 300}, b)
}

func TestCompute_Deterministic(t *testing.T) {
	cfg := testConfig()
	p := Profile{IsDispensation: true, Exemptions: []FeeKind{FeeKasRT}, ActiveCustomFees: []string{"trash"}}

	for usage := int64(-2); usage < 40; usage++ {
		require.Equal(t, Compute(p, usage, cfg), Compute(p, usage, cfg))
	}
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, testConfig().Validate())

	bad := Default()
	bad.WaterRate.HighRatePerUnit = -1
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	dup := testConfig()
	dup.CustomFees = append(dup.CustomFees, CustomFee{ID: "trash", Amount: 1})
	assert.ErrorIs(t, dup.Validate(), ErrInvalidConfig)

	noID := Default()
	noID.CustomFees = []CustomFee{{Name: "x", Amount: 1}}
	assert.ErrorIs(t, noID.Validate(), ErrInvalidConfig)
}
