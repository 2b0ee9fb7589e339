// Package config loads settings.json tolerantly (missing fields warned and
// defaulted, per spec §6/§9) and layers environment-variable overrides on
// top via viper, grounded on the viper usage in celestiaorg-popsigner/popctl
// and ipiton-alert-history-service's configuration loaders.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/cuemby/warren-agent/pkg/log"
	"github.com/spf13/viper"
)

// Settings mirrors spec §6's settings.json shape plus the app-lifecycle
// knobs from §4.9 (idle/max-runtime watchdogs, worker enable flags).
type Settings struct {
	LogLevel  string `json:"log_level" mapstructure:"log_level"`
	LogJSON   bool   `json:"log_json" mapstructure:"log_json"`
	DataRoot  string `json:"data_root" mapstructure:"data_root"`

	Backend struct {
		BaseURL string `json:"base_url" mapstructure:"base_url"`
	} `json:"backend" mapstructure:"backend"`

	MQTTBroker struct {
		Host string `json:"host" mapstructure:"host"`
		Port int    `json:"port" mapstructure:"port"`
		TLS  bool   `json:"tls" mapstructure:"tls"`
	} `json:"mqtt_broker" mapstructure:"mqtt_broker"`

	IsPersistent            bool          `json:"is_persistent" mapstructure:"is_persistent"`
	EnableSocketServer      bool          `json:"enable_socket_server" mapstructure:"enable_socket_server"`
	EnableMQTTWorker        bool          `json:"enable_mqtt_worker" mapstructure:"enable_mqtt_worker"`
	EnablePoller            bool          `json:"enable_poller" mapstructure:"enable_poller"`
	EnableMetrics           bool          `json:"enable_metrics" mapstructure:"enable_metrics"`
	SocketPath              string        `json:"socket_path" mapstructure:"socket_path"`
	PollInterval            time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
	IdleTimeout             time.Duration `json:"idle_timeout" mapstructure:"idle_timeout"`
	IdleTimeoutPollInterval time.Duration `json:"idle_timeout_poll_interval" mapstructure:"idle_timeout_poll_interval"`
	MaxRuntime              time.Duration `json:"max_runtime" mapstructure:"max_runtime"`
	MaxShutdownDelay        time.Duration `json:"max_shutdown_delay" mapstructure:"max_shutdown_delay"`
}

// Defaults returns the tolerant-deserialization fallback values.
func Defaults() Settings {
	var s Settings
	s.LogLevel = "info"
	s.LogJSON = true
	s.DataRoot = "/var/lib/miru"
	s.Backend.BaseURL = "https://api.mirurobotics.com/agent/v1"
	s.MQTTBroker.Host = "mqtt.mirurobotics.com"
	s.MQTTBroker.Port = 8883
	s.MQTTBroker.TLS = true
	s.IsPersistent = true
	s.EnableSocketServer = true
	s.EnableMQTTWorker = true
	s.EnablePoller = true
	s.EnableMetrics = false
	s.SocketPath = "/run/miru/miru.sock"
	s.PollInterval = 5 * time.Minute
	s.IdleTimeout = 10 * time.Minute
	s.IdleTimeoutPollInterval = 10 * time.Second
	s.MaxRuntime = 0
	s.MaxShutdownDelay = 30 * time.Second
	return s
}

// Load reads path, defaulting any field missing from the file and warning
// about each one (tolerant deserialization, per spec Design Notes §9), then
// layers MIRU_-prefixed environment variables on top via viper.
func Load(path string) (Settings, error) {
	settings := Defaults()

	if data, err := os.ReadFile(path); err == nil {
		var raw map[string]interface{}
		if uerr := json.Unmarshal(data, &raw); uerr != nil {
			return settings, uerr
		}
		warnMissing(raw)
		if merr := json.Unmarshal(data, &settings); merr != nil {
			return settings, merr
		}
	} else if !os.IsNotExist(err) {
		return settings, err
	} else {
		log.Warn("settings file not found, using defaults: " + path)
	}

	v := viper.New()
	v.SetEnvPrefix("MIRU")
	v.AutomaticEnv()
	overlayEnv(v, &settings)

	return settings, nil
}

func warnMissing(raw map[string]interface{}) {
	required := []string{"log_level", "backend", "mqtt_broker", "is_persistent", "enable_socket_server", "enable_mqtt_worker", "enable_poller"}
	for _, key := range required {
		if _, ok := raw[key]; !ok {
			log.Warn("settings.json missing field, using default: " + key)
		}
	}
}

// overlayEnv applies known MIRU_* overrides on top of file-sourced settings.
// Kept as an explicit allowlist (rather than viper.Unmarshal into Settings)
// so a typo'd env var can never silently clobber an unrelated field.
func overlayEnv(v *viper.Viper, s *Settings) {
	if host := v.GetString("MQTT_BROKER_HOST"); host != "" {
		s.MQTTBroker.Host = host
	}
	if base := v.GetString("BACKEND_BASE_URL"); base != "" {
		s.Backend.BaseURL = base
	}
	if level := v.GetString("LOG_LEVEL"); level != "" {
		s.LogLevel = level
	}
}
