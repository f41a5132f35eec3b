package params

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.DEX.Validate())
	assert.Equal(t, 30*time.Second, cfg.DEX.SettlementTTL)
	assert.Equal(t, PoolPolicyLenient, cfg.DEX.PoolPolicy)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("DEX_POOL_POLICY", "STRICT")
	t.Setenv("DEX_SETTLEMENT_TTL_MS", "1500")
	t.Setenv("DEX_PRICE_THROTTLE", "0.01")
	t.Setenv("WORKERS", "8")
	t.Setenv("P2P_ENABLED", "true")
	t.Setenv("P2P_BOOTSTRAP", " /ip4/10.0.0.1/tcp/4001/p2p/a , ,/ip4/10.0.0.2/tcp/4001/p2p/b")
	t.Setenv("WALLET_INITIAL_BALANCE", "not-a-number")

	cfg := LoadFromEnv("testdata-missing.env")
	assert.Equal(t, PoolPolicyStrict, cfg.DEX.PoolPolicy)
	assert.Equal(t, 1500*time.Millisecond, cfg.DEX.SettlementTTL)
	assert.Equal(t, 0.01, cfg.DEX.PriceThrottle)
	assert.Equal(t, 8, cfg.Node.Workers)
	assert.True(t, cfg.P2P.Enabled)
	assert.Equal(t, []string{"/ip4/10.0.0.1/tcp/4001/p2p/a", "/ip4/10.0.0.2/tcp/4001/p2p/b"}, cfg.P2P.Bootstrap)
	assert.Equal(t, Default().DEX.InitialBalance, cfg.DEX.InitialBalance)
}

func TestValidateRejectsBadEconomics(t *testing.T) {
	cases := map[string]func(d *DEX){
		"shares":  func(d *DEX) { d.TraderShare = 0.5 },
		"impact":  func(d *DEX) { d.PriceImpact = 1 },
		"fees":    func(d *DEX) { d.TradeFeeRate = -0.1 },
		"ttl":     func(d *DEX) { d.SettlementTTL = 0 },
		"reserve": func(d *DEX) { d.DefaultBaseReserve = 0 },
		"policy":  func(d *DEX) { d.PoolPolicy = "yolo" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			d := Default().DEX
			mutate(&d)
			assert.Error(t, d.Validate())
		})
	}
}
