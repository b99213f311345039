package config

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	DefaultCallTimeout     = 30 * time.Second
	DefaultRecoveryBlocks  = 1036800
	DefaultLogChunkBlocks  = 50000
	DefaultSubscribeBuffer = 1024

	DefaultRetryLimit      = 5
	DefaultRetryDelay      = 10 * time.Second
	DefaultPreBoostMargin  = 10 * time.Second
	DefaultQueueMargin     = 20 * time.Second
	DefaultRestartEvery    = 6 * time.Hour
	DefaultFaultAlertEvery = 5 * time.Minute
	DefaultReceiptTimeout  = 10 * time.Minute
	DefaultLowBalanceEth   = "0.1"

	DefaultGasPriceGwei     = 10
	DefaultMaxGasPriceGwei  = 200
	DefaultPriorityBumpGwei = 30
	DefaultGasMultiplier    = 1.5
	DefaultGasReserve       = 100000
	DefaultFallbackMinLimit = 9000000

	DefaultIndexerRetries = 4
	DefaultHeartbeat      = "@every 10m"
)

// Resolved holds parsed values with defaults applied. Consumers take their
// settings from here rather than re-parsing strings.
type Resolved struct {
	CallTimeout     time.Duration
	RecoveryBlocks  uint64
	LogChunkBlocks  uint64
	SubscribeBuffer int

	RetryLimit      int
	RetryDelay      time.Duration
	PreBoostMargin  time.Duration
	QueueMargin     time.Duration
	RestartEvery    time.Duration
	FaultAlertEvery time.Duration
	ReceiptTimeout  time.Duration
	LowBalanceWei   *big.Int

	Gas GasResolved

	SubgraphTimeout time.Duration
	IndexerTimeout  time.Duration
	IndexerRetries  int

	EngineWorkers int
	EngineQueue   int
	EngineHistory int
	EngineTimeout time.Duration
	Heartbeat     string
}

type GasResolved struct {
	DefaultPrice     *big.Int
	MaxPrice         *big.Int
	PriorityBump     *big.Int
	Multiplier       float64
	Reserve          uint64
	FallbackMinLimit uint64
	OracleURL        string
	OracleTimeout    time.Duration
	OracleRatePerMin int
	OracleCacheAge   time.Duration
}

// Validate checks structural requirements and that every value resolves.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(cfg.Ledger.RPCURL) == "" {
		errs = append(errs, errors.New("ledger.rpc_url is required"))
	}
	if len(cfg.Protocol.Versions) == 0 {
		errs = append(errs, errors.New("protocol.versions: at least one version is required"))
	}
	seen := map[string]bool{}
	for i, v := range cfg.Protocol.Versions {
		p := fmt.Sprintf("protocol.versions[%d]", i)
		if strings.TrimSpace(v.Tag) == "" {
			errs = append(errs, fmt.Errorf("%s.tag is required", p))
		} else if seen[v.Tag] {
			errs = append(errs, fmt.Errorf("%s.tag %q is duplicated", p, v.Tag))
		}
		seen[v.Tag] = true
		if !common.IsHexAddress(v.VotingMachine) {
			errs = append(errs, fmt.Errorf("%s.voting_machine: invalid address %q", p, v.VotingMachine))
		}
		if v.Redeemer != "" && !common.IsHexAddress(v.Redeemer) {
			errs = append(errs, fmt.Errorf("%s.redeemer: invalid address %q", p, v.Redeemer))
		}
	}
	if strings.TrimSpace(cfg.Keeper.PrivateKeyEnv) == "" {
		errs = append(errs, errors.New("keeper.private_key_env is required"))
	}
	if org := cfg.Keeper.PriorityOrganization; org != "" && !common.IsHexAddress(org) {
		errs = append(errs, fmt.Errorf("keeper.priority_organization: invalid address %q", org))
	}
	if org := cfg.Keeper.PriorityOrganization; org != "" && cfg.Keeper.AltPrivateKeyEnv == "" {
		errs = append(errs, errors.New("keeper.alt_private_key_env is required with priority_organization"))
	}
	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "file", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unsupported %q", cfg.Storage.Driver))
		}
	}
	if cfg.Alerts.Telegram.Enabled && (cfg.Alerts.Telegram.TokenEnv == "" || cfg.Alerts.Telegram.ChatID == 0) {
		errs = append(errs, errors.New("alerts.telegram: token_env and chat_id are required"))
	}
	if e := cfg.Alerts.Email; e.Enabled && (e.Host == "" || e.From == "" || len(e.To) == 0) {
		errs = append(errs, errors.New("alerts.email: host, from and to are required"))
	}
	if _, err := Resolve(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Resolve parses durations and amounts, applying defaults for zero values.
func Resolve(cfg *Config) (Resolved, error) {
	var r Resolved
	var err error
	dur := func(path, raw string, def time.Duration) time.Duration {
		if err != nil {
			return 0
		}
		var d time.Duration
		d, err = ParseDurationOrDefault(path, raw, def)
		return d
	}

	r.CallTimeout = dur("ledger.call_timeout", cfg.Ledger.CallTimeout, DefaultCallTimeout)
	r.RecoveryBlocks = orDefault(cfg.Ledger.RecoveryBlocks, DefaultRecoveryBlocks)
	r.LogChunkBlocks = orDefault(cfg.Ledger.LogChunkBlocks, DefaultLogChunkBlocks)
	r.SubscribeBuffer = orDefault(cfg.Ledger.SubscribeBuffer, DefaultSubscribeBuffer)

	k := cfg.Keeper
	r.RetryLimit = orDefault(k.RetryLimit, DefaultRetryLimit)
	r.RetryDelay = dur("keeper.retry_delay", k.RetryDelay, DefaultRetryDelay)
	r.PreBoostMargin = dur("keeper.pre_boost_margin", k.PreBoostMargin, DefaultPreBoostMargin)
	r.QueueMargin = dur("keeper.queue_margin", k.QueueMargin, DefaultQueueMargin)
	r.RestartEvery = dur("keeper.restart_every", k.RestartEvery, DefaultRestartEvery)
	r.FaultAlertEvery = dur("keeper.fault_alert_every", k.FaultAlertEvery, DefaultFaultAlertEvery)
	r.ReceiptTimeout = dur("keeper.receipt_timeout", k.ReceiptTimeout, DefaultReceiptTimeout)

	g := cfg.Gas
	r.Gas.Multiplier = orDefault(g.Multiplier, DefaultGasMultiplier)
	r.Gas.Reserve = orDefault(g.Reserve, DefaultGasReserve)
	r.Gas.FallbackMinLimit = orDefault(g.FallbackMinLimit, DefaultFallbackMinLimit)
	r.Gas.OracleURL = strings.TrimSpace(g.OracleURL)
	r.Gas.OracleTimeout = dur("gas.oracle_timeout", g.OracleTimeout, r.CallTimeout)
	r.Gas.OracleRatePerMin = orDefault(g.OracleRatePerMin, 6)
	r.Gas.OracleCacheAge = dur("gas.oracle_cache_max_age", g.OracleCacheMaxAge, time.Minute)

	r.SubgraphTimeout = dur("subgraph.timeout", cfg.Subgraph.Timeout, r.CallTimeout)
	r.IndexerTimeout = dur("indexer.timeout", cfg.Indexer.Timeout, r.CallTimeout)
	r.IndexerRetries = orDefault(cfg.Indexer.Retries, DefaultIndexerRetries)

	var te TaskEngineConfig
	if cfg.TaskEngine != nil {
		te = *cfg.TaskEngine
	}
	r.EngineWorkers = orDefault(te.Workers, 4)
	r.EngineQueue = orDefault(te.QueueSize, 512)
	r.EngineHistory = orDefault(te.HistorySize, 200)
	r.EngineTimeout = dur("task_engine.default_timeout", te.DefaultTimeout, r.CallTimeout)
	r.Heartbeat = strings.TrimSpace(cfg.Scheduler.Heartbeat)
	if r.Heartbeat == "" {
		r.Heartbeat = DefaultHeartbeat
	}
	if err != nil {
		return Resolved{}, err
	}

	if r.Gas.Multiplier < 1 {
		return Resolved{}, fmt.Errorf("gas.multiplier must be >= 1, got %v", r.Gas.Multiplier)
	}

	if r.Gas.DefaultPrice, err = gweiToWei("gas.default_price_gwei", orDefault(g.DefaultPriceGwei, DefaultGasPriceGwei)); err != nil {
		return Resolved{}, err
	}
	if r.Gas.MaxPrice, err = gweiToWei("gas.max_price_gwei", orDefault(g.MaxPriceGwei, DefaultMaxGasPriceGwei)); err != nil {
		return Resolved{}, err
	}
	if r.Gas.PriorityBump, err = gweiToWei("gas.priority_bump_gwei", orDefault(g.PriorityBumpGwei, DefaultPriorityBumpGwei)); err != nil {
		return Resolved{}, err
	}
	low := strings.TrimSpace(k.LowBalanceEth)
	if low == "" {
		low = DefaultLowBalanceEth
	}
	if r.LowBalanceWei, err = EthToWei(low); err != nil {
		return Resolved{}, fmt.Errorf("keeper.low_balance_eth: %w", err)
	}
	return r, nil
}

func orDefault[T int | uint64 | float64](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

func gweiToWei(path string, gwei float64) (*big.Int, error) {
	if gwei < 0 {
		return nil, fmt.Errorf("%s must be >= 0", path)
	}
	f := new(big.Float).Mul(big.NewFloat(gwei), big.NewFloat(1e9))
	wei, _ := f.Int(nil)
	return wei, nil
}

// EthToWei parses a decimal ether amount such as "0.1".
func EthToWei(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 18 {
		return nil, fmt.Errorf("invalid amount %q: more than 18 decimals", s)
	}
	digits := whole + frac + strings.Repeat("0", 18-len(frac))
	wei, ok := new(big.Int).SetString(digits, 10)
	if !ok || wei.Sign() < 0 || strings.HasPrefix(whole, "-") || strings.HasPrefix(whole, "+") {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return wei, nil
}
