package config

import (
	"reflect"
	"sort"

	logx "execbot/pkg/logx"
)

// liveSections are applied without a restart; everything else is picked up
// on the next periodic restart.
var liveSections = map[string]bool{"logging": true}

// SummarizeConfigChange returns the changed top-level sections, safe
// structured attrs for logging, and whether any change needs a restart.
// Secrets are never part of Config, so section values are safe to name.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, bool) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	sections := map[string][2]any{
		"network":     {oldCfg.Network, newCfg.Network},
		"ledger":      {oldCfg.Ledger, newCfg.Ledger},
		"protocol":    {oldCfg.Protocol, newCfg.Protocol},
		"keeper":      {oldCfg.Keeper, newCfg.Keeper},
		"gas":         {oldCfg.Gas, newCfg.Gas},
		"subgraph":    {oldCfg.Subgraph, newCfg.Subgraph},
		"indexer":     {oldCfg.Indexer, newCfg.Indexer},
		"alerts":      {oldCfg.Alerts, newCfg.Alerts},
		"task_engine": {derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)},
		"scheduler":   {oldCfg.Scheduler, newCfg.Scheduler},
		"storage":     {derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)},
		"status":      {derefStatus(oldCfg.Status), derefStatus(newCfg.Status)},
		"logging":     {oldCfg.Logging, newCfg.Logging},
	}

	changed := make([]string, 0, len(sections))
	restart := false
	for name, pair := range sections {
		if reflect.DeepEqual(pair[0], pair[1]) {
			continue
		}
		changed = append(changed, name)
		if !liveSections[name] {
			restart = true
		}
	}
	sort.Strings(changed)

	attrs := make([]logx.Field, 0, 8)
	for _, name := range changed {
		switch name {
		case "logging":
			attrs = append(attrs,
				logx.String("logging.level", newCfg.Logging.Level),
				logx.Bool("logging.alert", newCfg.Logging.Alert.Enabled),
			)
		case "protocol":
			attrs = append(attrs, logx.Int("protocol.versions", len(newCfg.Protocol.Versions)))
		case "keeper":
			attrs = append(attrs, logx.Int("keeper.retry_limit", newCfg.Keeper.RetryLimit))
		}
	}
	return changed, attrs, restart
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func derefStatus(s *StatusConfig) StatusConfig {
	if s == nil {
		return StatusConfig{}
	}
	return *s
}
