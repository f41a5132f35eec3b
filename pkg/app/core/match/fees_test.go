package match

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/uhyunpark/gardendex/pkg/app/core/order"
)

func defaultSchedule(t require.TestingT) FeeSchedule {
	s, err := NewFeeSchedule(0.003, 0.000005, 0.00186, 0.4, 0.3, 0.3)
	require.NoError(t, err)
	return s
}

func TestNewFeeScheduleRejectsBadShares(t *testing.T) {
	_, err := NewFeeSchedule(0.003, 0.000005, 0.00186, 0.5, 0.3, 0.3)
	assert.Error(t, err)
	_, err = NewFeeSchedule(-0.1, 0.000005, 0.00186, 0.4, 0.3, 0.3)
	assert.Error(t, err)
}

func TestComputeFees(t *testing.T) {
	s := defaultSchedule(t)

	fees, split := s.Compute(100, 1)
	assert.InDelta(t, 0.3, fees.TradeFee, 1e-12)
	assert.InDelta(t, 0.0005, fees.ITax, 1e-12)
	assert.Equal(t, 0.00186, fees.IGas)
	assert.InDelta(t, 0.0002, split.RootCA, 1e-12)
	assert.InDelta(t, 0.00015, split.Garden, 1e-12)
	assert.InDelta(t, 0.00015, split.TraderRebate, 1e-12)

	adv, advSplit := s.Compute(100, 2.0)
	assert.InDelta(t, 0.001, adv.ITax, 1e-12)
	assert.InDelta(t, adv.ITax, advSplit.Sum(), 1e-15)
}

// The split always sums back to iTax.
func TestPropertyITaxSplitSumsToITax(t *testing.T) {
	s := defaultSchedule(t)
	assert.InDelta(t, 1.0, s.RootShare+s.GardenShare+s.TraderShare, 1e-12)

	rapid.Check(t, func(t *rapid.T) {
		base := rapid.Float64Range(0, 1e9).Draw(t, "base")
		mult := rapid.Float64Range(0, 10).Draw(t, "mult")
		fees, split := s.Compute(base, mult)
		if d := math.Abs(split.Sum() - fees.ITax); d > 1e-9*math.Max(1, fees.ITax) {
			t.Fatalf("split %v != iTax %v", split.Sum(), fees.ITax)
		}
	})
}

func TestLegsAreRoleTagged(t *testing.T) {
	in, out := Legs(order.Buy, "TOKENA", "SOL", 100, 0.1)
	assert.Equal(t, RoleBase, in.Role)
	assert.Equal(t, RoleToken, out.Role)

	st := Settlement{AssetIn: in, AssetOut: out}
	assert.Equal(t, 0.1, st.BaseAmount())
	assert.Equal(t, 100.0, st.TokenAmount())

	// Same symbol on both sides still resolves by role.
	in, out = Legs(order.Sell, "SOL", "SOL", 7, 3)
	st = Settlement{AssetIn: in, AssetOut: out}
	assert.Equal(t, 3.0, st.BaseAmount())
	assert.Equal(t, 7.0, st.TokenAmount())
}
