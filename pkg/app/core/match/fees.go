package match

import (
	"fmt"
	"math"
)

// FeeSchedule prices one trade from its base amount.
type FeeSchedule struct {
	TradeFeeRate float64
	ITaxRate     float64
	IGas         float64
	RootShare    float64
	GardenShare  float64
	TraderShare  float64
}

// NewFeeSchedule validates rates and requires the iTax shares to sum to 1.
func NewFeeSchedule(tradeFeeRate, iTaxRate, iGas, root, garden, trader float64) (FeeSchedule, error) {
	s := FeeSchedule{
		TradeFeeRate: tradeFeeRate,
		ITaxRate:     iTaxRate,
		IGas:         iGas,
		RootShare:    root,
		GardenShare:  garden,
		TraderShare:  trader,
	}
	if tradeFeeRate < 0 || iTaxRate < 0 || iGas < 0 {
		return FeeSchedule{}, fmt.Errorf("fee rates must be non-negative")
	}
	if root < 0 || garden < 0 || trader < 0 {
		return FeeSchedule{}, fmt.Errorf("iTax shares must be non-negative")
	}
	if math.Abs(root+garden+trader-1) > 1e-9 {
		return FeeSchedule{}, fmt.Errorf("iTax shares sum to %v, want 1", root+garden+trader)
	}
	return s, nil
}

// Compute returns fees for a trade moving baseAmount of the base token.
// multiplier scales iTax for advertising providers; values <= 0 count as 1.
func (s FeeSchedule) Compute(baseAmount, multiplier float64) (Fees, ITaxSplit) {
	if multiplier <= 0 {
		multiplier = 1
	}
	iTax := baseAmount * s.ITaxRate * multiplier
	fees := Fees{
		TradeFee: baseAmount * s.TradeFeeRate,
		IGas:     s.IGas,
		ITax:     iTax,
	}
	root := iTax * s.RootShare
	garden := iTax * s.GardenShare
	split := ITaxSplit{
		RootCA:       root,
		Garden:       garden,
		TraderRebate: iTax - root - garden,
	}
	return fees, split
}

// Multiplier reports the iTax multiplier for a garden.
type Multiplier interface {
	Multiplier(gardenID string) float64
}

// MultiplierFunc adapts a function to Multiplier.
type MultiplierFunc func(gardenID string) float64

func (f MultiplierFunc) Multiplier(gardenID string) float64 { return f(gardenID) }
