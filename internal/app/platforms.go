package app

import (
	"fmt"
	"sort"
	"strings"

	"postqueue/internal/config"
	"postqueue/internal/delivery"
	"postqueue/internal/platform"
	logx "postqueue/pkg/logx"
)

// buildRegistry starts from the built-in catalogue and applies the
// platforms section: overrides, disabled platforms and custom ids.
func buildRegistry(cfg *config.Config) (*platform.Registry, error) {
	byID := map[string]platform.Descriptor{}
	for _, d := range platform.Defaults() {
		byID[d.ID] = d
	}

	ids := make([]string, 0, len(cfg.Platforms))
	for id := range cfg.Platforms {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, raw := range ids {
		pc := cfg.Platforms[raw]
		id := platform.Normalize(raw)
		path := "platforms." + raw
		if !pc.IsEnabled() {
			delete(byID, id)
			continue
		}
		d, known := byID[id]
		if !known {
			if pc.CharLimit <= 0 {
				return nil, fmt.Errorf("%s: char_limit is required for a custom platform", path)
			}
			d = platform.Descriptor{ID: id, Name: raw, MaxAttempts: platform.DefaultMaxAttempts}
		}
		if strings.TrimSpace(pc.Name) != "" {
			d.Name = strings.TrimSpace(pc.Name)
		}
		if pc.CharLimit > 0 {
			d.CharLimit = pc.CharLimit
		}
		if pc.MaxAttempts > 0 {
			d.MaxAttempts = pc.MaxAttempts
		}
		minDelay, err := config.ParseDurationOrDefault(path+".min_delay", pc.MinDelay, d.MinDelay)
		if err != nil {
			return nil, err
		}
		if minDelay != d.MinDelay {
			// The backoff base follows the floor unless it was already larger.
			if d.Backoff.Base < minDelay {
				d.Backoff.Base = minDelay
			}
			d.MinDelay = minDelay
		}
		d.Backoff.Max, err = config.ParseDurationOrDefault(path+".backoff_max", pc.BackoffMax, d.Backoff.Max)
		if err != nil {
			return nil, err
		}
		byID[id] = d
	}

	descs := make([]platform.Descriptor, 0, len(byID))
	for _, d := range byID {
		descs = append(descs, d)
	}
	return platform.NewRegistry(descs...)
}

// buildAdapters registers one adapter per registry platform. Platforms
// without usable credentials get an adapter that fails every task
// permanently, so their posts surface as FAILED instead of waiting forever.
func buildAdapters(cfg *config.Config, reg *platform.Registry, getenv func(string) string, log logx.Logger) (*delivery.Registry, error) {
	out := delivery.NewRegistry()
	for _, d := range reg.All() {
		pc := lookupPlatformConfig(cfg, d.ID)
		a, err := newAdapter(d.ID, pc, getenv, log)
		if err != nil {
			return nil, fmt.Errorf("platforms.%s: %w", d.ID, err)
		}
		out.Register(d.ID, a)
	}
	return out, nil
}

func lookupPlatformConfig(cfg *config.Config, id string) config.PlatformConfig {
	for raw, pc := range cfg.Platforms {
		if platform.Normalize(raw) == id {
			return pc
		}
	}
	return config.PlatformConfig{}
}

func newAdapter(id string, pc config.PlatformConfig, getenv func(string) string, log logx.Logger) (delivery.Adapter, error) {
	log = log.With(logx.String("platform", id))
	timeout, err := config.ParseDurationField("timeout", pc.Timeout)
	if err != nil {
		return nil, err
	}
	token := ""
	if env := strings.TrimSpace(pc.TokenEnv); env != "" {
		token = strings.TrimSpace(getenv(env))
	}

	kind := strings.ToLower(strings.TrimSpace(pc.Adapter))
	if pc.DryRun || kind == config.AdapterDryRun {
		log.Info("adapter: dry-run")
		return delivery.DryRun{Log: log}, nil
	}

	switch kind {
	case config.AdapterWebhook:
		if pc.TokenEnv != "" && token == "" {
			log.Warn("adapter: webhook token env is empty", logx.String("env", pc.TokenEnv))
		}
		return delivery.NewWebhook(delivery.WebhookConfig{Endpoint: pc.Endpoint, Token: token, Timeout: timeout})
	case config.AdapterTelegram:
		if token == "" {
			log.Warn("adapter: telegram token missing; tasks will fail", logx.String("env", pc.TokenEnv))
			return delivery.Unconfigured(id), nil
		}
		return delivery.NewTelegram(delivery.TelegramConfig{Token: token, ChatID: pc.ChatID, Timeout: timeout})
	case "":
		log.Debug("adapter: none configured")
		return delivery.Unconfigured(id), nil
	default:
		return nil, fmt.Errorf("unsupported adapter %q", pc.Adapter)
	}
}
