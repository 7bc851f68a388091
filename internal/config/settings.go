package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Settings are the process level knobs, read from MAMLINK_* variables.
type Settings struct {
	MQTTURL     string `envconfig:"MQTT_URL" default:"tcp://localhost:1883"`
	ConfigPath  string `envconfig:"CONFIG_PATH" default:"/etc/mamlink/gateway.json"`
	DBPath      string `envconfig:"DB_PATH" default:"/var/lib/mamlink/mamlink.db"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9464"`
	Name        string `envconfig:"NAME" default:"gateway1"`
}

func (s Settings) TopicPrefix() string { return "mamlink/" + s.Name }

func LoadSettings() (Settings, error) {
	var s Settings
	if err := envconfig.Process("mamlink", &s); err != nil {
		return s, fmt.Errorf("settings: %w", err)
	}
	return s, nil
}
