package app

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"execbot/internal/config"
	"execbot/internal/keeper"
	"execbot/internal/notifier"
	"execbot/internal/notifier/email"
	"execbot/internal/notifier/telegram"
	"execbot/internal/observability/status"
	"execbot/internal/protocol"
	"execbot/internal/task/engine"
	logx "execbot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:       l.Alert.Enabled,
			MinLevel:      l.Alert.MinLevel,
			RatePerMinute: l.Alert.RatePerMinute,
		},
	}
}

func mapEngineConfig(res config.Resolved) engine.Config {
	return engine.Config{
		Workers:        res.EngineWorkers,
		QueueSize:      res.EngineQueue,
		DefaultTimeout: res.EngineTimeout,
		HistorySize:    res.EngineHistory,
	}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	a := cfg.Alerts
	var err error
	dur := func(path, raw string, def time.Duration) time.Duration {
		if err != nil {
			return 0
		}
		var d time.Duration
		d, err = config.ParseDurationOrDefault(path, raw, def)
		return d
	}
	out := notifier.Config{
		Enabled:         a.Enabled,
		Workers:         a.Workers,
		QueueSize:       a.QueueSize,
		RatePerSec:      a.RatePerSec,
		RetryMax:        a.RetryMax,
		RetryBase:       dur("alerts.retry_base", a.RetryBase, 0),
		RetryMaxDelay:   dur("alerts.retry_max_delay", a.RetryMaxDelay, 0),
		DedupWindow:     dur("alerts.dedup_window", a.DedupWindow, 0),
		DedupMaxEntries: a.DedupMaxEntries,
		PersistDedup:    a.PersistDedup,
	}
	if err != nil {
		return notifier.Config{}, err
	}
	if out.Workers < 0 || out.QueueSize < 0 || out.RatePerSec < 0 || out.RetryMax < 0 {
		return notifier.Config{}, fmt.Errorf("alerts: workers, queue_size, rate_per_sec and retry_max must be >= 0")
	}
	return out, nil
}

// buildTransports returns the enabled alert transports. An enabled alert
// pipeline without transports only logs.
func buildTransports(cfg *config.Config, sec config.Secrets) ([]notifier.Transport, error) {
	var out []notifier.Transport
	if t := cfg.Alerts.Telegram; t.Enabled {
		tr, err := telegram.New(telegram.Config{Token: sec.TelegramToken, ChatID: t.ChatID, ThreadID: t.ThreadID})
		if err != nil {
			return nil, fmt.Errorf("alerts.telegram: %w", err)
		}
		out = append(out, tr)
	}
	if e := cfg.Alerts.Email; e.Enabled {
		tr, err := email.New(email.Config{
			Host:     e.Host,
			Port:     e.Port,
			Username: e.Username,
			Password: sec.SMTPPassword,
			From:     e.From,
			To:       e.To,
		})
		if err != nil {
			return nil, fmt.Errorf("alerts.email: %w", err)
		}
		out = append(out, tr)
	}
	return out, nil
}

func mapVersions(cfg *config.Config) []protocol.Version {
	out := make([]protocol.Version, 0, len(cfg.Protocol.Versions))
	for _, v := range cfg.Protocol.Versions {
		pv := protocol.Version{Tag: v.Tag, VotingMachine: common.HexToAddress(v.VotingMachine)}
		if v.Redeemer != "" {
			pv.Redeemer = common.HexToAddress(v.Redeemer)
		}
		out = append(out, pv)
	}
	return out
}

func isMainnet(cfg *config.Config) bool {
	return strings.EqualFold(strings.TrimSpace(cfg.Network.Name), "mainnet")
}

func networkName(cfg *config.Config) string {
	if n := strings.TrimSpace(cfg.Network.Name); n != "" {
		return n
	}
	return "unknown"
}

func mapKeeperConfig(cfg *config.Config, res config.Resolved) keeper.Config {
	k := keeper.Config{
		Network:    networkName(cfg),
		Mainnet:    isMainnet(cfg),
		RetryLimit: res.RetryLimit,
		RetryDelay: res.RetryDelay,
		Margins: keeper.Margins{
			PreBoost: res.PreBoostMargin,
			Queue:    res.QueueMargin,
		},
		// a fire makes several sequential ledger calls, each bounded by CallTimeout
		ExecTimeout:     4 * res.CallTimeout,
		ReceiptTimeout:  res.ReceiptTimeout,
		RecoveryBlocks:  res.RecoveryBlocks,
		LogChunkBlocks:  res.LogChunkBlocks,
		SubscribeBuffer: res.SubscribeBuffer,
		LowBalance:      new(big.Int).Set(res.LowBalanceWei),
		Gas: keeper.GasPolicy{
			DefaultPrice:     res.Gas.DefaultPrice,
			MaxPrice:         res.Gas.MaxPrice,
			PriorityBump:     res.Gas.PriorityBump,
			Multiplier:       res.Gas.Multiplier,
			Reserve:          res.Gas.Reserve,
			FallbackMinLimit: res.Gas.FallbackMinLimit,
		},
	}
	if org := strings.TrimSpace(cfg.Keeper.PriorityOrganization); org != "" {
		k.PriorityOrganization = common.HexToAddress(org)
	}
	return k
}

func mapStatusConfig(cfg *config.Config, sec config.Secrets) status.Config {
	if cfg.Status == nil {
		return status.Config{}
	}
	return status.Config{
		Enabled: cfg.Status.Enabled,
		Addr:    cfg.Status.Addr,
		Token:   sec.StatusToken,
	}
}
