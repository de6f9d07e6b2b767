// Package config loads tuning parameters for the discovery, announcement,
// and subscription core from the environment, with an optional YAML file
// overlaying the defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds process-wide tuning for both control-point and device roles.
// Field names follow the reference implementation's Dv*/Cp* naming so that
// deployments tuning against the original documentation can map settings
// 1:1.
type Config struct {
	// DvMaxUpdateTimeSecs is the maximum subscription duration Subscribe
	// and Renew grant. The announcement Scheduler does not check burst
	// windows against it.
	DvMaxUpdateTimeSecs int `yaml:"dvMaxUpdateTimeSecs"`

	// DvNumPublisherThreads sizes the device-side event publisher pool.
	DvNumPublisherThreads int `yaml:"dvNumPublisherThreads"`

	// MsearchMx is the default MX (seconds) used when a control-point list
	// issues its own M-SEARCH bursts.
	MsearchMx int `yaml:"msearchMx"`

	// RefreshSlackMs is a slack value for the device-list refresh
	// deadline. The device list does not read it: DeviceList.Refresh always
	// waits MX+2 seconds before completing.
	RefreshSlackMs int `yaml:"refreshSlackMs"`

	// NewAdapterRetryWindow is how long a device list on a freshly-arrived
	// adapter keeps re-issuing M-SEARCH bursts.
	NewAdapterRetryWindow time.Duration `yaml:"newAdapterRetryWindow"`

	// XMLFetchTimeout bounds a single device-description GET.
	XMLFetchTimeout time.Duration `yaml:"xmlFetchTimeout"`

	// XMLFetchMaxBackoff is a ceiling for backing off repeated
	// description-fetch failures. Nothing reads it: the device list applies
	// no backoff and fetches again on the next alive for an unknown device.
	XMLFetchMaxBackoff time.Duration `yaml:"xmlFetchMaxBackoff"`

	// SubscriptionRenewalBuffer is a number of seconds before expiry for
	// renewing a subscription. Nothing in this module renews subscriptions
	// or reads it.
	SubscriptionRenewalBuffer int `yaml:"subscriptionRenewalBuffer"`

	// LoopbackLast controls whether loopback adapters sort after real NICs.
	// Disabling is test-only.
	LoopbackLast bool `yaml:"loopbackLast"`

	// BootID is the process-scoped SSDP boot identifier. No message built
	// by internal/ssdp carries a BOOTID.UPNP.ORG header, so it is loaded
	// but not sent.
	BootID int `yaml:"bootId"`
}

// Default returns the reference implementation's defaults.
func Default() Config {
	return Config{
		DvMaxUpdateTimeSecs:       3600,
		DvNumPublisherThreads:     4,
		MsearchMx:                3,
		RefreshSlackMs:           500,
		NewAdapterRetryWindow:    60 * time.Second,
		XMLFetchTimeout:          5 * time.Second,
		XMLFetchMaxBackoff:       10 * time.Minute,
		SubscriptionRenewalBuffer: 60,
		LoopbackLast:             true,
		BootID:                   1,
	}
}

// Load builds a Config starting from Default(), applying an optional YAML
// file (path from UPNP_CORE_CONFIG_FILE, if set and present), then applying
// environment variable overrides with an env-with-fallback style
// (envString/envInt below).
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("UPNP_CORE_CONFIG_FILE"); path != "" {
		if err := mergeYAMLFile(&cfg, path); err != nil {
			return Config{}, fmt.Errorf("load yaml config: %w", err)
		}
	}

	cfg.DvMaxUpdateTimeSecs = envInt("DV_MAX_UPDATE_TIME_SECS", cfg.DvMaxUpdateTimeSecs)
	cfg.DvNumPublisherThreads = envInt("DV_NUM_PUBLISHER_THREADS", cfg.DvNumPublisherThreads)
	cfg.MsearchMx = envInt("MSEARCH_MX", cfg.MsearchMx)
	cfg.RefreshSlackMs = envInt("REFRESH_SLACK_MS", cfg.RefreshSlackMs)
	cfg.SubscriptionRenewalBuffer = envInt("SUBSCRIPTION_RENEWAL_BUFFER", cfg.SubscriptionRenewalBuffer)
	cfg.LoopbackLast = envBool("LOOPBACK_LAST", cfg.LoopbackLast)
	cfg.BootID = envInt("BOOT_ID", cfg.BootID)

	if cfg.DvMaxUpdateTimeSecs <= 0 {
		return Config{}, fmt.Errorf("DvMaxUpdateTimeSecs must be positive")
	}
	if cfg.DvNumPublisherThreads <= 0 {
		return Config{}, fmt.Errorf("DvNumPublisherThreads must be positive")
	}
	if cfg.MsearchMx <= 0 || cfg.MsearchMx > 5 {
		return Config{}, fmt.Errorf("MsearchMx must be in [1,5]")
	}

	return cfg, nil
}

func mergeYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func envString(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func envInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return strings.EqualFold(val, "true")
}
