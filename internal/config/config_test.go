package config

import (
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
network:
  name: mainnet
  chain_id: 1
ledger:
  rpc_url: wss://node.example/ws
protocol:
  versions:
    - tag: "0.1.1-rc.16"
      voting_machine: "0x332B8C9734b4097dE50f302F7D9F273FFdB45B84"
      redeemer: "0x90D4d9dcb5E3a4e1F5A0a69D2a3E0A5a8b5C0f11"
keeper:
  private_key_env: KEEPER_KEY
logging:
  level: debug
  console: true
`

func TestDecodeYAMLAndResolveDefaults(t *testing.T) {
	cfg, err := Decode("execbot.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
	r, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if r.CallTimeout != 30*time.Second {
		t.Fatalf("call timeout = %v", r.CallTimeout)
	}
	if r.RecoveryBlocks != 1036800 {
		t.Fatalf("recovery blocks = %d", r.RecoveryBlocks)
	}
	if r.RetryLimit != 5 || r.RetryDelay != 10*time.Second {
		t.Fatalf("retry = %d/%v", r.RetryLimit, r.RetryDelay)
	}
	if r.PreBoostMargin != 10*time.Second || r.QueueMargin != 20*time.Second {
		t.Fatalf("margins = %v/%v", r.PreBoostMargin, r.QueueMargin)
	}
	if r.RestartEvery != 6*time.Hour {
		t.Fatalf("restart every = %v", r.RestartEvery)
	}
	if r.LowBalanceWei.Cmp(big.NewInt(100000000000000000)) != 0 {
		t.Fatalf("low balance = %s", r.LowBalanceWei)
	}
	if r.Gas.MaxPrice.Cmp(big.NewInt(200_000_000_000)) != 0 {
		t.Fatalf("max price = %s", r.Gas.MaxPrice)
	}
	if r.Gas.Reserve != 100000 || r.Gas.Multiplier != 1.5 {
		t.Fatalf("gas = %+v", r.Gas)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"ledger":{"rpc_url":"x","timeout":"1s"}}`))
	if err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	_, err := Decode("c.json", []byte(`{} {}`))
	if err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := &Config{
		Protocol: ProtocolConfig{Versions: []VersionConfig{
			{Tag: "a", VotingMachine: "nope"},
			{Tag: "a", VotingMachine: "0x332B8C9734b4097dE50f302F7D9F273FFdB45B84"},
		}},
		Keeper: KeeperConfig{RetryDelay: "soon"},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"rpc_url", "voting_machine", "duplicated", "private_key_env", "keeper.retry_delay"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}
}

func TestEthToWei(t *testing.T) {
	cases := map[string]string{
		"0.1":  "100000000000000000",
		"1":    "1000000000000000000",
		".5":   "500000000000000000",
		"2.25": "2250000000000000000",
	}
	for in, want := range cases {
		got, err := EthToWei(in)
		if err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if got.String() != want {
			t.Fatalf("%s = %s, want %s", in, got, want)
		}
	}
	for _, bad := range []string{"abc", "-1", "0.0000000000000000001"} {
		if _, err := EthToWei(bad); err == nil {
			t.Fatalf("%s: expected error", bad)
		}
	}
}

func TestLoadSecrets(t *testing.T) {
	cfg := &Config{Keeper: KeeperConfig{PrivateKeyEnv: "K"}}
	env := map[string]string{"K": " abc "}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	s, err := LoadSecrets(cfg, lookup)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.PrivateKey != "abc" {
		t.Fatalf("key = %q", s.PrivateKey)
	}

	cfg.Alerts.Telegram = TelegramAlertConfig{Enabled: true, TokenEnv: "TG", ChatID: 1}
	if _, err := LoadSecrets(cfg, lookup); err == nil {
		t.Fatalf("expected missing TG error")
	}
}

func TestLoadEnvFilesIgnoresMissing(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, ".env")
	if err := os.WriteFile(p, []byte("EXECBOT_TEST_VAR=hello\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("EXECBOT_TEST_VAR", "")
	os.Unsetenv("EXECBOT_TEST_VAR")
	if err := LoadEnvFiles(filepath.Join(dir, "missing.env"), p); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv("EXECBOT_TEST_VAR"); got != "hello" {
		t.Fatalf("var = %q", got)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	a := &Config{Logging: LoggingConfig{Level: "info"}}
	b := &Config{Logging: LoggingConfig{Level: "debug"}}
	changed, _, restart := SummarizeConfigChange(a, b)
	if len(changed) != 1 || changed[0] != "logging" || restart {
		t.Fatalf("changed=%v restart=%v", changed, restart)
	}

	b.Keeper.RetryLimit = 7
	changed, _, restart = SummarizeConfigChange(a, b)
	if len(changed) != 2 || !restart {
		t.Fatalf("changed=%v restart=%v", changed, restart)
	}
}

func TestExampleConfigIsValid(t *testing.T) {
	m := NewConfigManager(filepath.Join("..", "..", "configs", "execbot.example.yaml"))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(cfg.Protocol.Versions) != 2 || cfg.Status == nil || !cfg.Status.Enabled {
		t.Fatalf("unexpected example: %+v", cfg)
	}
}
