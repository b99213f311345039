package config

// Config is the root document. JSON and YAML are both accepted; unknown keys
// are rejected.
//
// Secrets never live in this file. Fields ending in _env name the
// environment variable that carries the secret (see secrets.go).
type Config struct {
	Network  NetworkConfig  `json:"network"`
	Ledger   LedgerConfig   `json:"ledger"`
	Protocol ProtocolConfig `json:"protocol"`
	Keeper   KeeperConfig   `json:"keeper"`
	Gas      GasConfig      `json:"gas"`
	Subgraph SubgraphConfig `json:"subgraph"`
	Indexer  IndexerConfig  `json:"indexer"`
	Alerts   AlertsConfig   `json:"alerts"`

	// TaskEngine controls the worker pool that runs fired timers.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Scheduler  SchedulerConfig   `json:"scheduler"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Status  *StatusConfig  `json:"status,omitempty"`
	Logging LoggingConfig  `json:"logging"`
}

// NetworkConfig names the chain. "mainnet" enables the gas price ceiling for
// the priority organization.
type NetworkConfig struct {
	Name    string `json:"name"`
	ChainID int64  `json:"chain_id"`
}

// LedgerConfig controls the RPC connection.
//
// Defaults:
//   - call_timeout: "30s"
//   - recovery_blocks: 1036800 (about six months of 15 s blocks)
//   - log_chunk_blocks: 50000
//   - subscribe_buffer: 1024
type LedgerConfig struct {
	// RPCURL must be a websocket or IPC endpoint; live subscriptions need it.
	RPCURL          string `json:"rpc_url"`
	CallTimeout     string `json:"call_timeout,omitempty"`
	RecoveryBlocks  uint64 `json:"recovery_blocks,omitempty"`
	LogChunkBlocks  uint64 `json:"log_chunk_blocks,omitempty"`
	SubscribeBuffer int    `json:"subscribe_buffer,omitempty"`
}

type ProtocolConfig struct {
	Versions []VersionConfig `json:"versions"`
}

// VersionConfig binds a version tag to deployed contract addresses.
// Redeemer is optional; without it Join proposals fall back to execute.
type VersionConfig struct {
	Tag           string `json:"tag"`
	VotingMachine string `json:"voting_machine"`
	Redeemer      string `json:"redeemer,omitempty"`
}

// KeeperConfig controls scheduling and execution policy.
//
// Defaults:
//   - retry_limit: 5
//   - retry_delay: "10s"
//   - pre_boost_margin: "10s"
//   - queue_margin: "20s"
//   - low_balance_eth: "0.1"
//   - restart_every: "6h"
//   - fault_alert_every: "5m"
//   - receipt_timeout: "10m"
type KeeperConfig struct {
	PrivateKeyEnv        string `json:"private_key_env"`
	AltPrivateKeyEnv     string `json:"alt_private_key_env,omitempty"`
	PriorityOrganization string `json:"priority_organization,omitempty"`

	RetryLimit     int    `json:"retry_limit,omitempty"`
	RetryDelay     string `json:"retry_delay,omitempty"`
	PreBoostMargin string `json:"pre_boost_margin,omitempty"`
	QueueMargin    string `json:"queue_margin,omitempty"`

	LowBalanceEth   string `json:"low_balance_eth,omitempty"`
	RestartEvery    string `json:"restart_every,omitempty"`
	FaultAlertEvery string `json:"fault_alert_every,omitempty"`
	ReceiptTimeout  string `json:"receipt_timeout,omitempty"`
}

// GasConfig controls transaction fees and limits.
//
// Defaults:
//   - default_price_gwei: 10
//   - max_price_gwei: 200
//   - priority_bump_gwei: 30
//   - multiplier: 1.5
//   - reserve: 100000
//   - fallback_min_limit: 9000000
type GasConfig struct {
	DefaultPriceGwei  float64 `json:"default_price_gwei,omitempty"`
	MaxPriceGwei      float64 `json:"max_price_gwei,omitempty"`
	PriorityBumpGwei  float64 `json:"priority_bump_gwei,omitempty"`
	Multiplier        float64 `json:"multiplier,omitempty"`
	Reserve           uint64  `json:"reserve,omitempty"`
	FallbackMinLimit  uint64  `json:"fallback_min_limit,omitempty"`
	OracleURL         string  `json:"oracle_url,omitempty"`
	OracleTimeout     string  `json:"oracle_timeout,omitempty"`
	OracleRatePerMin  int     `json:"oracle_rate_per_min,omitempty"`
	OracleCacheMaxAge string  `json:"oracle_cache_max_age,omitempty"`
}

// SubgraphConfig points at the GraphQL index used for the presence check.
// An empty URL disables the check.
type SubgraphConfig struct {
	URL     string `json:"url,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// IndexerConfig points at the secondary index updated after confirmations.
// An empty URL disables updates.
type IndexerConfig struct {
	URL     string `json:"url,omitempty"`
	Retries int    `json:"retries,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// AlertsConfig controls the async alert pipeline and its transports.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type AlertsConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`

	Telegram TelegramAlertConfig `json:"telegram"`
	Email    EmailAlertConfig    `json:"email"`
}

type TelegramAlertConfig struct {
	Enabled  bool   `json:"enabled"`
	TokenEnv string `json:"token_env,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

type EmailAlertConfig struct {
	Enabled     bool     `json:"enabled"`
	Host        string   `json:"host,omitempty"`
	Port        int      `json:"port,omitempty"`
	Username    string   `json:"username,omitempty"`
	PasswordEnv string   `json:"password_env,omitempty"`
	From        string   `json:"from,omitempty"`
	To          []string `json:"to,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 512
//   - default_timeout: "30s"
//   - history_size: 200
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// SchedulerConfig controls cron jobs (restart, heartbeat).
type SchedulerConfig struct {
	Timezone  string `json:"timezone,omitempty"`
	Heartbeat string `json:"heartbeat,omitempty"` // cron spec, default "@every 10m"
}

// StorageConfig controls the attempt log and alert dedup persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./execbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// StatusConfig controls the operator HTTP endpoint (/status, /attempts,
// /debug/pprof). A non-loopback addr needs token_env.
type StatusConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr,omitempty"` // default "127.0.0.1:6060"
	TokenEnv string `json:"token_env,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards warn-and-above log lines to the alert pipeline.
type LoggingAlert struct {
	Enabled       bool   `json:"enabled"`
	MinLevel      string `json:"min_level,omitempty"`
	RatePerMinute int    `json:"rate_per_minute,omitempty"`
}
