package params

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// PoolPolicy controls what happens when an AMM order names a pair with no pool.
type PoolPolicy string

const (
	// PoolPolicyStrict rejects the order as a liquidity error.
	PoolPolicyStrict PoolPolicy = "strict"
	// PoolPolicyLenient creates a minimal pool on demand with the default reserves.
	PoolPolicyLenient PoolPolicy = "lenient"
)

type DEX struct {
	PriceImpact  float64 // δ applied to every AMM trade (0.00001 = 0.001%)
	TradeFeeRate float64 // fraction of base amount
	ITaxRate     float64 // fraction of base amount
	IGas         float64 // flat per settled trade, in base token

	// iTax distribution; must sum to 1.0
	RootShare   float64
	GardenShare float64
	TraderShare float64

	AdvertisingMultiplier float64 // iTax multiplier for valid advertising providers
	PriceThrottle         float64 // relative change needed before a price_update is published

	SettlementTTL     time.Duration
	SettlementTimeout time.Duration // bound on each wallet/ledger call
	LimitOrderTTL     time.Duration

	PoolPolicy          PoolPolicy
	DefaultTokenReserve float64
	DefaultBaseReserve  float64
	DefaultGardenID     string

	RootAuthorityAccount string

	// InitialBalance funds wallets on first use, in base token.
	InitialBalance float64
}

type Node struct {
	APIAddr  string
	DataDir  string
	LogFile  string
	LogLevel string

	// Workers is the number of order-processing shards. Orders for one pair always
	// land on the same shard.
	Workers int

	ExpirySweepInterval time.Duration

	EnableTxGen   bool
	TxGenInterval time.Duration
	TxGenBatch    int
}

type P2P struct {
	Enabled    bool
	ListenAddr string   // multiaddr, e.g. /ip4/0.0.0.0/tcp/4001
	Bootstrap  []string // full p2p multiaddrs
	Topic      string
}

type Config struct {
	DEX  DEX
	Node Node
	P2P  P2P
}

func Default() Config {
	return Config{
		DEX: DEX{
			PriceImpact:           0.00001,
			TradeFeeRate:          0.003,
			ITaxRate:              0.000005,
			IGas:                  0.00186,
			RootShare:             0.4,
			GardenShare:           0.3,
			TraderShare:           0.3,
			AdvertisingMultiplier: 2.0,
			PriceThrottle:         0.0001,
			SettlementTTL:         30 * time.Second,
			SettlementTimeout:     5 * time.Second,
			LimitOrderTTL:         24 * time.Hour,
			PoolPolicy:            PoolPolicyLenient,
			DefaultTokenReserve:   100000,
			DefaultBaseReserve:    100,
			DefaultGardenID:       "garden-1",
			RootAuthorityAccount:  "root-authority",
			InitialBalance:        1000,
		},
		Node: Node{
			APIAddr:             ":8080",
			DataDir:             "data",
			LogFile:             "data/node.log",
			LogLevel:            "info",
			Workers:             4,
			ExpirySweepInterval: time.Minute,
			TxGenInterval:       500 * time.Millisecond,
			TxGenBatch:          5,
		},
		P2P: P2P{
			Topic: "gardendex/events/1.0.0",
		},
	}
}

// Validate rejects configurations that would break fee or pricing invariants.
func (d DEX) Validate() error {
	if d.PriceImpact < 0 || d.PriceImpact >= 1 {
		return fmt.Errorf("price impact must be in [0,1): %v", d.PriceImpact)
	}
	if d.TradeFeeRate < 0 || d.ITaxRate < 0 || d.IGas < 0 {
		return fmt.Errorf("fee rates cannot be negative")
	}
	sum := d.RootShare + d.GardenShare + d.TraderShare
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("iTax shares must sum to 1.0, got %v", sum)
	}
	if d.AdvertisingMultiplier <= 0 {
		return fmt.Errorf("advertising multiplier must be positive")
	}
	if d.SettlementTTL <= 0 {
		return fmt.Errorf("settlement ttl must be positive")
	}
	if d.DefaultTokenReserve <= 0 || d.DefaultBaseReserve <= 0 {
		return fmt.Errorf("default reserves must be positive")
	}
	switch d.PoolPolicy {
	case PoolPolicyStrict, PoolPolicyLenient:
	default:
		return fmt.Errorf("unknown pool policy %q", d.PoolPolicy)
	}
	return nil
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	// DEX economics
	cfg.DEX.PriceImpact = getFloat("DEX_PRICE_IMPACT", cfg.DEX.PriceImpact)
	cfg.DEX.TradeFeeRate = getFloat("DEX_TRADE_FEE_RATE", cfg.DEX.TradeFeeRate)
	cfg.DEX.ITaxRate = getFloat("DEX_ITAX_RATE", cfg.DEX.ITaxRate)
	cfg.DEX.IGas = getFloat("DEX_IGAS", cfg.DEX.IGas)
	cfg.DEX.AdvertisingMultiplier = getFloat("DEX_ADVERTISING_MULTIPLIER", cfg.DEX.AdvertisingMultiplier)
	cfg.DEX.PriceThrottle = getFloat("DEX_PRICE_THROTTLE", cfg.DEX.PriceThrottle)
	cfg.DEX.SettlementTTL = getMillis("DEX_SETTLEMENT_TTL_MS", cfg.DEX.SettlementTTL)
	cfg.DEX.SettlementTimeout = getMillis("DEX_SETTLEMENT_TIMEOUT_MS", cfg.DEX.SettlementTimeout)
	cfg.DEX.LimitOrderTTL = getMillis("DEX_LIMIT_ORDER_TTL_MS", cfg.DEX.LimitOrderTTL)
	cfg.DEX.DefaultTokenReserve = getFloat("DEX_DEFAULT_TOKEN_RESERVE", cfg.DEX.DefaultTokenReserve)
	cfg.DEX.DefaultBaseReserve = getFloat("DEX_DEFAULT_BASE_RESERVE", cfg.DEX.DefaultBaseReserve)
	cfg.DEX.DefaultGardenID = getEnv("DEX_DEFAULT_GARDEN", cfg.DEX.DefaultGardenID)
	cfg.DEX.RootAuthorityAccount = getEnv("DEX_ROOT_AUTHORITY_ACCOUNT", cfg.DEX.RootAuthorityAccount)
	cfg.DEX.InitialBalance = getFloat("WALLET_INITIAL_BALANCE", cfg.DEX.InitialBalance)
	if policy := os.Getenv("DEX_POOL_POLICY"); policy != "" {
		cfg.DEX.PoolPolicy = PoolPolicy(strings.ToLower(policy))
	}

	// Node
	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.DataDir = getEnv("DATA_DIR", cfg.Node.DataDir)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.LogLevel = getEnv("LOG_LEVEL", cfg.Node.LogLevel)
	if workers := os.Getenv("WORKERS"); workers != "" {
		if n, err := strconv.Atoi(workers); err == nil && n > 0 {
			cfg.Node.Workers = n
		}
	}
	cfg.Node.ExpirySweepInterval = getMillis("EXPIRY_SWEEP_MS", cfg.Node.ExpirySweepInterval)
	cfg.Node.EnableTxGen = os.Getenv("ENABLE_TXGEN") == "true"
	cfg.Node.TxGenInterval = getMillis("TXGEN_INTERVAL_MS", cfg.Node.TxGenInterval)
	if batch := os.Getenv("TXGEN_BATCH"); batch != "" {
		if n, err := strconv.Atoi(batch); err == nil && n > 0 {
			cfg.Node.TxGenBatch = n
		}
	}

	// P2P gossip of the event stream
	cfg.P2P.Enabled = os.Getenv("P2P_ENABLED") == "true"
	cfg.P2P.ListenAddr = getEnv("P2P_LISTEN", cfg.P2P.ListenAddr)
	cfg.P2P.Topic = getEnv("P2P_TOPIC", cfg.P2P.Topic)
	if peers := os.Getenv("P2P_BOOTSTRAP"); peers != "" {
		for _, p := range strings.Split(peers, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.P2P.Bootstrap = append(cfg.P2P.Bootstrap, p)
			}
		}
	}

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
