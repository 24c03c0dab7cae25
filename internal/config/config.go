// Package config handles settings loading: compiled defaults, an
// optional YAML file, then environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Settings holds all service configuration.
type Settings struct {
	HTTPPort   int    `yaml:"http_port"`
	DataDir    string `yaml:"data_dir"`
	WebDir     string `yaml:"web_dir"`
	ListenHost string `yaml:"listen_host"`

	CacheTTLMinutes int `yaml:"cache_ttl_minutes"`

	EnableMeshtastic bool `yaml:"enable_meshtastic"`
	EnableReticulum  bool `yaml:"enable_reticulum"`
	EnableHamClock   bool `yaml:"enable_hamclock"`
	EnableAredn      bool `yaml:"enable_aredn"`
	EnableNOAAAlerts bool `yaml:"enable_noaa_alerts"`

	MeshtasticHost   string `yaml:"meshtastic_host"`
	MeshtasticPort   int    `yaml:"meshtastic_port"`
	MeshtasticSource string `yaml:"meshtastic_source"`

	MQTTBroker   string `yaml:"mqtt_broker"`
	MQTTPort     int    `yaml:"mqtt_port"`
	MQTTTopic    string `yaml:"mqtt_topic"`
	MQTTUsername string `yaml:"mqtt_username"`
	MQTTPassword string `yaml:"mqtt_password"`
	MQTTTLS      *bool  `yaml:"mqtt_tls"`

	HamClockHost     string `yaml:"hamclock_host"`
	HamClockPort     int    `yaml:"hamclock_port"`
	OpenHamClockPort int    `yaml:"openhamclock_port"`

	ArednTargets []string `yaml:"aredn_targets"`

	NOAAAlertsArea     string   `yaml:"noaa_alerts_area"`
	NOAAAlertsSeverity []string `yaml:"noaa_alerts_severity"`

	DefaultTileProvider string  `yaml:"default_tile_provider"`
	MapCenterLat        float64 `yaml:"map_center_lat"`
	MapCenterLon        float64 `yaml:"map_center_lon"`
	MapDefaultZoom      int     `yaml:"map_default_zoom"`

	HistoryRetentionDays    int `yaml:"history_retention_days"`
	HistoryThrottleSeconds  int `yaml:"history_throttle_seconds"`
	AlertCooldownSeconds    int `yaml:"alert_cooldown_seconds"`
	ExpectedIntervalSeconds int `yaml:"expected_interval_seconds"`
}

// Defaults returns the compiled-in default settings.
func Defaults() *Settings {
	return &Settings{
		HTTPPort:   8808,
		ListenHost: "127.0.0.1",

		CacheTTLMinutes: 15,

		EnableMeshtastic: true,
		EnableReticulum:  true,
		EnableHamClock:   true,
		EnableAredn:      true,
		EnableNOAAAlerts: true,

		MeshtasticHost:   "localhost",
		MeshtasticPort:   4403,
		MeshtasticSource: "auto",

		MQTTBroker: "mqtt.meshtastic.org",
		MQTTPort:   1883,
		MQTTTopic:  "msh/#",

		HamClockHost:     "localhost",
		HamClockPort:     8080,
		OpenHamClockPort: 3000,

		DefaultTileProvider: "carto_dark",
		MapCenterLat:        20.0,
		MapCenterLon:        -100.0,
		MapDefaultZoom:      4,

		HistoryRetentionDays:    30,
		HistoryThrottleSeconds:  60,
		AlertCooldownSeconds:    600,
		ExpectedIntervalSeconds: 300,
	}
}

// Load builds Settings from defaults, an optional YAML file, and
// environment overrides. A missing file is not an error; an unreadable
// or malformed one is.
func Load(path string) (*Settings, error) {
	s := Defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, s); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	var errs []string
	s.applyEnv(&errs)
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid environment configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) applyEnv(errs *[]string) {
	s.HTTPPort = envInt("MESHFORGE_HTTP_PORT", s.HTTPPort, errs)
	s.ListenHost = envStr("MESHFORGE_LISTEN_HOST", s.ListenHost)
	s.DataDir = envStr("MESHFORGE_DATA_DIR", s.DataDir)
	s.WebDir = envStr("MESHFORGE_WEB_DIR", s.WebDir)
	s.CacheTTLMinutes = envInt("MESHFORGE_CACHE_TTL_MINUTES", s.CacheTTLMinutes, errs)

	s.EnableMeshtastic = envBool("MESHFORGE_ENABLE_MESHTASTIC", s.EnableMeshtastic, errs)
	s.EnableReticulum = envBool("MESHFORGE_ENABLE_RETICULUM", s.EnableReticulum, errs)
	s.EnableHamClock = envBool("MESHFORGE_ENABLE_HAMCLOCK", s.EnableHamClock, errs)
	s.EnableAredn = envBool("MESHFORGE_ENABLE_AREDN", s.EnableAredn, errs)
	s.EnableNOAAAlerts = envBool("MESHFORGE_ENABLE_NOAA_ALERTS", s.EnableNOAAAlerts, errs)

	s.MeshtasticHost = envStr("MESHFORGE_MESHTASTIC_HOST", s.MeshtasticHost)
	s.MeshtasticPort = envInt("MESHFORGE_MESHTASTIC_PORT", s.MeshtasticPort, errs)
	s.MeshtasticSource = envStr("MESHFORGE_MESHTASTIC_SOURCE", s.MeshtasticSource)

	s.MQTTBroker = envStr("MESHFORGE_MQTT_BROKER", s.MQTTBroker)
	s.MQTTPort = envInt("MESHFORGE_MQTT_PORT", s.MQTTPort, errs)
	s.MQTTTopic = envStr("MESHFORGE_MQTT_TOPIC", s.MQTTTopic)
	s.MQTTUsername = envStr("MESHFORGE_MQTT_USERNAME", s.MQTTUsername)
	s.MQTTPassword = envStr("MESHFORGE_MQTT_PASSWORD", s.MQTTPassword)

	s.HamClockHost = envStr("MESHFORGE_HAMCLOCK_HOST", s.HamClockHost)
	s.HamClockPort = envInt("MESHFORGE_HAMCLOCK_PORT", s.HamClockPort, errs)
	s.OpenHamClockPort = envInt("MESHFORGE_OPENHAMCLOCK_PORT", s.OpenHamClockPort, errs)

	s.ArednTargets = envStringSlice("MESHFORGE_AREDN_TARGETS", s.ArednTargets)
	s.NOAAAlertsArea = envStr("MESHFORGE_NOAA_ALERTS_AREA", s.NOAAAlertsArea)
	s.NOAAAlertsSeverity = envStringSlice("MESHFORGE_NOAA_ALERTS_SEVERITY", s.NOAAAlertsSeverity)
}

// EnabledSources lists the data sources turned on in this config, in
// a fixed order.
func (s *Settings) EnabledSources() []string {
	sources := []string{}
	if s.EnableMeshtastic {
		sources = append(sources, "meshtastic")
	}
	if s.EnableReticulum {
		sources = append(sources, "reticulum")
	}
	if s.EnableHamClock {
		sources = append(sources, "hamclock")
	}
	if s.EnableAredn {
		sources = append(sources, "aredn")
	}
	if s.EnableNOAAAlerts {
		sources = append(sources, "noaa_alerts")
	}
	return sources
}

// Public returns the settings as a map safe to serve over the API.
// Credentials are omitted; the MQTT username is reduced to a presence
// flag.
func (s *Settings) Public() map[string]any {
	return map[string]any{
		"http_port":                 s.HTTPPort,
		"listen_host":               s.ListenHost,
		"cache_ttl_minutes":         s.CacheTTLMinutes,
		"enabled_sources":           s.EnabledSources(),
		"meshtastic_host":           s.MeshtasticHost,
		"meshtastic_port":           s.MeshtasticPort,
		"meshtastic_source":         s.MeshtasticSource,
		"mqtt_broker":               s.MQTTBroker,
		"mqtt_port":                 s.MQTTPort,
		"mqtt_topic":                s.MQTTTopic,
		"mqtt_has_credentials":      s.MQTTUsername != "",
		"hamclock_host":             s.HamClockHost,
		"hamclock_port":             s.HamClockPort,
		"openhamclock_port":         s.OpenHamClockPort,
		"aredn_targets":             s.ArednTargets,
		"noaa_alerts_area":          s.NOAAAlertsArea,
		"default_tile_provider":     s.DefaultTileProvider,
		"map_center_lat":            s.MapCenterLat,
		"map_center_lon":            s.MapCenterLon,
		"map_default_zoom":          s.MapDefaultZoom,
		"history_retention_days":    s.HistoryRetentionDays,
		"alert_cooldown_seconds":    s.AlertCooldownSeconds,
		"expected_interval_seconds": s.ExpectedIntervalSeconds,
	}
}

func (s *Settings) validate() error {
	var errs []string
	if s.HTTPPort < 1 || s.HTTPPort > 65535 {
		errs = append(errs, fmt.Sprintf("http_port %d out of range", s.HTTPPort))
	}
	if s.CacheTTLMinutes < 1 {
		errs = append(errs, fmt.Sprintf("cache_ttl_minutes %d must be positive", s.CacheTTLMinutes))
	}
	if _, ok := TileProviders[s.DefaultTileProvider]; !ok {
		errs = append(errs, fmt.Sprintf("unknown tile provider %q", s.DefaultTileProvider))
	}
	switch s.MeshtasticSource {
	case "", "auto", "mqtt_only", "local_only":
	default:
		errs = append(errs, fmt.Sprintf("meshtastic_source %q must be auto, mqtt_only, or local_only", s.MeshtasticSource))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
