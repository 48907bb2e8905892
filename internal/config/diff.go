package config

import (
	"reflect"
	"sort"
	"strings"

	logx "postqueue/pkg/logx"
)

// LiveSections can be applied without a restart.
var LiveSections = map[string]bool{"logging": true}

// SummarizeConfigChange returns (1) the sorted list of changed sections,
// (2) safe structured attrs for logging (never secrets like the redis
// password) and (3) the platform ids whose settings changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.tick", strings.TrimSpace(newCfg.Scheduler.Tick)),
			logx.String("scheduler.attempt_timeout", strings.TrimSpace(newCfg.Scheduler.AttemptTimeout)),
			logx.String("scheduler.housekeeping", strings.TrimSpace(newCfg.Scheduler.Housekeeping.Spec)),
		)
	}

	if oldCfg.Pacing != newCfg.Pacing {
		changed = append(changed, "pacing")
		attrs = append(attrs,
			logx.String("pacing.driver", strings.TrimSpace(newCfg.Pacing.Driver)),
			logx.String("pacing.redis_addr", strings.TrimSpace(newCfg.Pacing.Redis.Addr)),
			logx.Bool("pacing.redis_password_set", newCfg.Pacing.Redis.Password != ""),
		)
	}

	if oldCfg.API != newCfg.API {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", strings.TrimSpace(newCfg.API.Addr)),
			logx.Bool("api.pprof", newCfg.API.Pprof),
		)
	}

	platforms := diffPlatforms(oldCfg.Platforms, newCfg.Platforms)
	if len(platforms) > 0 {
		changed = append(changed, "platforms")
		attrs = append(attrs,
			logx.Strs("platforms.changed", platforms),
			logx.Int("platforms.enabled_count", countEnabled(newCfg.Platforms)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, platforms
}

// NeedsRestart reports whether any changed section cannot be applied live.
func NeedsRestart(changed []string) bool {
	for _, s := range changed {
		if !LiveSections[s] {
			return true
		}
	}
	return false
}

func countEnabled(m map[string]PlatformConfig) int {
	n := 0
	for _, v := range m {
		if v.IsEnabled() {
			n++
		}
	}
	return n
}

func diffPlatforms(oldM, newM map[string]PlatformConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for id := range set {
		o, oOK := oldM[id]
		n, nOK := newM[id]
		if oOK != nOK || o.IsEnabled() != n.IsEnabled() {
			out = append(out, id)
			continue
		}
		o.Enabled, n.Enabled = nil, nil
		if !reflect.DeepEqual(o, n) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
