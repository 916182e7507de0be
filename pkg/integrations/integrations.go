// Package integrations builds backend plugins from configuration. Each
// integration kind maps to one plugin package; the factory turns an
// IntegrationConfig into a registry-ready plugin.
package integrations

import (
	"fmt"
	"strconv"
	"time"

	"github.com/opsdeck/opsdeck/pkg/config"
	"github.com/opsdeck/opsdeck/pkg/engine"
	"github.com/opsdeck/opsdeck/pkg/integrations/bolt"
	"github.com/opsdeck/opsdeck/pkg/integrations/puppetdb"
	"github.com/opsdeck/opsdeck/pkg/integrations/puppetserver"
	"github.com/opsdeck/opsdeck/pkg/integrations/sshexec"
)

// Build constructs the plugin an integration config declares.
func Build(cfg config.IntegrationConfig) (engine.Plugin, error) {
	switch cfg.Kind {
	case "bolt":
		return bolt.New(cfg.Name, cfg.Priority, bolt.Config{
			BinaryPath:    cfg.Settings["binary_path"],
			ProjectDir:    cfg.Settings["project_dir"],
			InventoryFile: cfg.Settings["inventory_file"],
		})

	case "sshexec":
		return sshexec.New(cfg.Name, cfg.Priority, sshexec.Config{
			User:                 cfg.Settings["user"],
			Port:                 settingInt(cfg.Settings, "port"),
			PrivateKeyPath:       cfg.Settings["private_key_path"],
			PrivateKeyPassphrase: cfg.Settings["private_key_passphrase"],
			Password:             cfg.Settings["password"],
			KnownHostsPath:       cfg.Settings["known_hosts_path"],
			ConnectTimeout:       settingDuration(cfg.Settings, "connect_timeout"),
			UseSudo:              cfg.Settings["use_sudo"] == "true",
			BootstrapScript:      cfg.Settings["bootstrap_script"],
		})

	case "puppetdb":
		return puppetdb.New(cfg.Name, cfg.Priority, puppetdb.Config{
			BaseURL: cfg.Settings["base_url"],
			Token:   cfg.Settings["token"],
			Timeout: settingDuration(cfg.Settings, "timeout"),
		})

	case "puppetserver":
		return puppetserver.New(cfg.Name, cfg.Priority, puppetserver.Config{
			BaseURL: cfg.Settings["base_url"],
			Token:   cfg.Settings["token"],
			Timeout: settingDuration(cfg.Settings, "timeout"),
		})

	default:
		return nil, fmt.Errorf("unknown integration kind %q", cfg.Kind)
	}
}

// PluginConfig maps an integration's registry tuning onto the engine type.
func PluginConfig(cfg config.IntegrationConfig) engine.PluginConfig {
	breaker := engine.DefaultBreakerConfig()
	if cfg.Breaker.Threshold > 0 {
		breaker.Threshold = cfg.Breaker.Threshold
	}
	if cfg.Breaker.OpenTimeout > 0 {
		breaker.OpenTimeout = cfg.Breaker.OpenTimeout.Std()
	}
	if cfg.Breaker.MaxOpenTimeout > 0 {
		breaker.MaxOpenTimeout = cfg.Breaker.MaxOpenTimeout.Std()
	}

	return engine.PluginConfig{
		Breaker:  breaker,
		CacheTTL: cfg.CacheTTL.Std(),
	}
}

func settingInt(settings map[string]string, key string) int {
	v, err := strconv.Atoi(settings[key])
	if err != nil {
		return 0
	}
	return v
}

func settingDuration(settings map[string]string, key string) time.Duration {
	v, err := time.ParseDuration(settings[key])
	if err != nil {
		return 0
	}
	return v
}
