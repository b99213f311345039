package app

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"execbot/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Network: config.NetworkConfig{Name: "mainnet", ChainID: 1},
		Ledger:  config.LedgerConfig{RPCURL: "ws://localhost:8546"},
		Protocol: config.ProtocolConfig{Versions: []config.VersionConfig{
			{Tag: "0.1.1", VotingMachine: "0x332b8c9734b4097de50f302f7d9f273ffdb45b84"},
			{Tag: "0.1.2", VotingMachine: "0x1c18bad5a3ee4e96611275b13a8ed062b4a13055", Redeemer: "0xe7a2c59e134ee81d4035ae6db2254f79308e334f"},
		}},
		Keeper: config.KeeperConfig{
			PrivateKeyEnv:        "KEEPER_KEY",
			AltPrivateKeyEnv:     "KEEPER_ALT_KEY",
			PriorityOrganization: "0x519b70055af55a007110b4ff99b0ea33071c720a",
		},
	}
}

func TestMapKeeperConfig(t *testing.T) {
	cfg := baseConfig()
	res, err := config.Resolve(cfg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	k := mapKeeperConfig(cfg, res)
	if !k.Mainnet || k.Network != "mainnet" {
		t.Fatalf("network = %q mainnet=%v", k.Network, k.Mainnet)
	}
	if k.PriorityOrganization != common.HexToAddress("0x519b70055af55a007110b4ff99b0ea33071c720a") {
		t.Fatalf("priority org = %s", k.PriorityOrganization.Hex())
	}
	if k.RetryLimit != 5 || k.RetryDelay != 10*time.Second {
		t.Fatalf("retry = %d %v", k.RetryLimit, k.RetryDelay)
	}
	if k.Margins.PreBoost != 10*time.Second || k.Margins.Queue != 20*time.Second {
		t.Fatalf("margins = %+v", k.Margins)
	}
	if k.ExecTimeout != 4*res.CallTimeout {
		t.Fatalf("exec timeout = %v", k.ExecTimeout)
	}
	if k.LowBalance.String() != "100000000000000000" {
		t.Fatalf("low balance = %s", k.LowBalance)
	}
	if k.Gas.MaxPrice.String() != "200000000000" || k.Gas.Reserve != 100000 {
		t.Fatalf("gas = %+v", k.Gas)
	}
}

func TestMapVersions(t *testing.T) {
	vs := mapVersions(baseConfig())
	if len(vs) != 2 {
		t.Fatalf("versions = %d", len(vs))
	}
	if vs[0].Redeemer != (common.Address{}) {
		t.Fatalf("redeemer should be empty: %s", vs[0].Redeemer.Hex())
	}
	if vs[1].Redeemer != common.HexToAddress("0xe7a2c59e134ee81d4035ae6db2254f79308e334f") {
		t.Fatalf("redeemer = %s", vs[1].Redeemer.Hex())
	}
}

func TestMapStorageConfig(t *testing.T) {
	cfg := baseConfig()
	if _, enabled, err := mapStorageConfig(cfg); err != nil || enabled {
		t.Fatalf("nil storage: enabled=%v err=%v", enabled, err)
	}
	cfg.Storage = &config.StorageConfig{Driver: "SQLite", Path: "x.db", BusyTimeout: "3s"}
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil || !enabled || sc.Driver != "sqlite" || sc.BusyTimeout != 3*time.Second {
		t.Fatalf("sqlite: %+v enabled=%v err=%v", sc, enabled, err)
	}
	cfg.Storage = &config.StorageConfig{Driver: "sqlite"}
	if _, _, err := mapStorageConfig(cfg); err == nil {
		t.Fatal("sqlite without path should fail")
	}
	cfg.Storage = &config.StorageConfig{Driver: "postgres"}
	if _, _, err := mapStorageConfig(cfg); err == nil {
		t.Fatal("unknown driver should fail")
	}
}

func TestMapNotifierConfig(t *testing.T) {
	cfg := baseConfig()
	cfg.Alerts = config.AlertsConfig{Enabled: true, DedupWindow: "5m", RetryBase: "2s"}
	n, err := mapNotifierConfig(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if !n.Enabled || n.DedupWindow != 5*time.Minute || n.RetryBase != 2*time.Second {
		t.Fatalf("notifier = %+v", n)
	}
	cfg.Alerts.DedupWindow = "soon"
	if _, err := mapNotifierConfig(cfg); err == nil {
		t.Fatal("bad duration should fail")
	}
}

func TestBuildTransports(t *testing.T) {
	cfg := baseConfig()
	cfg.Alerts.Email = config.EmailAlertConfig{Enabled: true, Host: "smtp.example", From: "bot@example", To: []string{"ops@example"}}
	trs, err := buildTransports(cfg, config.Secrets{})
	if err != nil || len(trs) != 1 || trs[0].Name() != "email" {
		t.Fatalf("transports = %v err=%v", trs, err)
	}
	cfg.Alerts.Telegram = config.TelegramAlertConfig{Enabled: true, ChatID: 0}
	if _, err := buildTransports(cfg, config.Secrets{TelegramToken: "t"}); err == nil {
		t.Fatal("telegram without chat id should fail")
	}
}

func TestNetworkName(t *testing.T) {
	cfg := baseConfig()
	cfg.Network.Name = ""
	if networkName(cfg) != "unknown" || isMainnet(cfg) {
		t.Fatal("empty network")
	}
	cfg.Network.Name = "MainNet"
	if !isMainnet(cfg) {
		t.Fatal("mainnet is case-insensitive")
	}
}

func TestValidateReload(t *testing.T) {
	a := &App{cfg: baseConfig()}
	t.Setenv("KEEPER_KEY", "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	t.Setenv("KEEPER_ALT_KEY", "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d")

	if err := a.validateReload(context.Background(), baseConfig()); err != nil {
		t.Fatalf("same config rejected: %v", err)
	}

	moved := baseConfig()
	moved.Network.ChainID = 100
	if err := a.validateReload(context.Background(), moved); err == nil {
		t.Fatal("chain id change accepted")
	}

	missing := baseConfig()
	missing.Keeper.PrivateKeyEnv = "EXECBOT_TEST_UNSET_KEY"
	if err := a.validateReload(context.Background(), missing); err == nil {
		t.Fatal("missing secret accepted")
	}
}
