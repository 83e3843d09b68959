package config

import (
	"reflect"
	"sort"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	WorkersChanged   []string
	ProvidersChanged []string

	SchedulerChanged bool
	NewScheduler     SchedulerConfig

	RankingChanged bool

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return len(d.WorkersChanged) > 0 ||
		len(d.ProvidersChanged) > 0 ||
		d.SchedulerChanged ||
		d.RankingChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	d.WorkersChanged = changedKeys(old.Workers, new.Workers)
	d.ProvidersChanged = changedKeys(old.Providers, new.Providers)

	if old.Scheduler.PollInterval != new.Scheduler.PollInterval {
		d.SchedulerChanged = true
		d.NewScheduler = new.Scheduler
	}

	if old.Dispatcher.ImpactWeight != new.Dispatcher.ImpactWeight ||
		old.Dispatcher.EffortWeight != new.Dispatcher.EffortWeight {
		d.RankingChanged = true
	}

	if old.Web.Port != new.Web.Port {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}
	if old.NATS.Port != new.NATS.Port {
		d.NonReloadable = append(d.NonReloadable, "nats.port")
	}
	if old.NATS.DataDir != new.NATS.DataDir {
		d.NonReloadable = append(d.NonReloadable, "nats.data_dir")
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}
	if old.Telegram.Token != new.Telegram.Token {
		d.NonReloadable = append(d.NonReloadable, "telegram.token")
	}
	if old.Vault.Passphrase != new.Vault.Passphrase {
		d.NonReloadable = append(d.NonReloadable, "vault.passphrase")
	}
	if old.Dispatcher.MaxConcurrentRuns != new.Dispatcher.MaxConcurrentRuns {
		d.NonReloadable = append(d.NonReloadable, "dispatcher.max_concurrent_runs")
	}

	return d
}

func changedKeys[V any](old, new map[string]V) []string {
	var out []string
	for name, nv := range new {
		ov, ok := old[name]
		if !ok || !reflect.DeepEqual(ov, nv) {
			out = append(out, name)
		}
	}
	for name := range old {
		if _, ok := new[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
