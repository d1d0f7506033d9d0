package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"github.com/wlanctl/tdls"
	"github.com/wlanctl/tdls/internal/qca"
)

type fileConfig struct {
	Interface            string `toml:"interface"`
	VendorID             uint32 `toml:"vendor_id"`
	LogLevel             string `toml:"log_level"`
	Metrics              string `toml:"metrics"`
	Channel              uint32 `toml:"channel"`
	GlobalOperatingClass uint32 `toml:"global_operating_class"`
	MaxLatency           string `toml:"max_latency"`
	MaxLatencyMS         int64  `toml:"max_latency_ms"`
	MinBandwidthKbps     uint32 `toml:"min_bandwidth_kbps"`
}

// config is the effective tdlsctl configuration after the config file and
// command line flags are applied.
type config struct {
	Interface string
	VendorID  uint32
	LogLevel  zerolog.Level
	Metrics   string
	Params    tdls.Params
}

func defaultConfig() config {
	return config{
		Interface: "wlan0",
		VendorID:  qca.OUI,
		LogLevel:  zerolog.InfoLevel,
		Params: tdls.Params{
			MaxLatency: 100 * time.Millisecond,
		},
	}
}

// loadConfig overlays the values defined in the TOML file at path onto cfg.
func loadConfig(path string, cfg config) (config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config{}, fmt.Errorf("load tdlsctl config: %w", err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return config{}, fmt.Errorf("load tdlsctl config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("interface") {
		if ifname := strings.TrimSpace(raw.Interface); ifname != "" {
			cfg.Interface = ifname
		}
	}

	if meta.IsDefined("vendor_id") {
		cfg.VendorID = raw.VendorID
	}

	if meta.IsDefined("log_level") {
		lvl, err := zerolog.ParseLevel(strings.TrimSpace(raw.LogLevel))
		if err != nil {
			return config{}, fmt.Errorf("parse log_level: %w", err)
		}
		cfg.LogLevel = lvl
	}

	if meta.IsDefined("metrics") {
		cfg.Metrics = strings.TrimSpace(raw.Metrics)
	}

	if meta.IsDefined("channel") {
		cfg.Params.Channel = raw.Channel
	}

	if meta.IsDefined("global_operating_class") {
		cfg.Params.GlobalOperatingClass = raw.GlobalOperatingClass
	}

	if meta.IsDefined("max_latency") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.MaxLatency))
		if err != nil {
			return config{}, fmt.Errorf("parse max_latency: %w", err)
		}
		cfg.Params.MaxLatency = d
	}

	if meta.IsDefined("max_latency_ms") {
		cfg.Params.MaxLatency = time.Duration(raw.MaxLatencyMS) * time.Millisecond
	}

	if meta.IsDefined("min_bandwidth_kbps") {
		cfg.Params.MinBandwidthKbps = raw.MinBandwidthKbps
	}

	if cfg.Params.MaxLatency < 0 {
		return config{}, fmt.Errorf("max latency must not be negative: %s", cfg.Params.MaxLatency)
	}

	return cfg, nil
}
