// Package config loads the node configuration from a YAML or JSON file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full node configuration.
type Config struct {
	Device      DeviceConfig      `yaml:"device" json:"device"`
	Connection  ConnectionConfig  `yaml:"connection" json:"connection"`
	Options     OptionsConfig     `yaml:"options" json:"options"`
	Network     NetworkConfig     `yaml:"network" json:"network"`
	Log         LogConfig         `yaml:"log" json:"log"`
	API         APIConfig         `yaml:"api" json:"api"`
	Integration IntegrationConfig `yaml:"integration" json:"integration"`
}

// DeviceConfig carries the OTAA credentials (hex, big-endian as written)
// and optional ABP session material.
type DeviceConfig struct {
	DevEUI string `yaml:"devEUI" json:"devEUI"`
	AppEUI string `yaml:"appEUI" json:"appEUI"`
	AppKey string `yaml:"appKey" json:"appKey"`

	DevAddr string `yaml:"devAddr" json:"devAddr"`
	NwkSKey string `yaml:"nwkSKey" json:"nwkSKey"`
	AppSKey string `yaml:"appSKey" json:"appSKey"`
}

// ConnectionConfig selects and parameterizes the SPI bus.
type ConnectionConfig struct {
	SPIType     string `yaml:"spi_type" json:"spi_type"` // "linux" or "ch341"
	SPIDevice   string `yaml:"spi_device" json:"spi_device"`
	DeviceIndex int    `yaml:"device_index" json:"device_index"`
	SPISpeed    int64  `yaml:"spi_speed" json:"spi_speed"`
}

// OptionsConfig carries runtime options.
type OptionsConfig struct {
	ForceReset   bool `yaml:"force_reset" json:"force_reset"`
	Verbose      bool `yaml:"verbose" json:"verbose"`
	SendInterval int  `yaml:"send_interval" json:"send_interval"` // seconds
}

// NetworkConfig carries MAC-layer knobs.
type NetworkConfig struct {
	Region      string `yaml:"region" json:"region"`
	DeviceClass string `yaml:"device_class" json:"device_class"` // "A" or "C"
	ADR         bool   `yaml:"adr" json:"adr"`
	SessionFile string `yaml:"session_file" json:"session_file"`

	// RX2DataRate overrides the regional RX2 default (-1 keeps it).
	RX2DataRate int `yaml:"rx2_data_rate" json:"rx2_data_rate"`
	RX1DelayMs  int `yaml:"rx1_delay_ms" json:"rx1_delay_ms"`

	SingleChannel     bool    `yaml:"single_channel" json:"single_channel"`
	SingleChannelFreq float64 `yaml:"single_channel_freq" json:"single_channel_freq"`
	SingleChannelSF   int     `yaml:"single_channel_sf" json:"single_channel_sf"`
	SingleChannelBW   float64 `yaml:"single_channel_bw" json:"single_channel_bw"`
}

// LogConfig controls zerolog.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // "console" or "json"
}

// APIConfig controls the local REST/metrics listener.
type APIConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Host    string `yaml:"host" json:"host"`
	Port    int    `yaml:"port" json:"port"`
}

// IntegrationConfig controls event forwarding.
type IntegrationConfig struct {
	NATS NATSConfig `yaml:"nats" json:"nats"`
	MQTT MQTTConfig `yaml:"mqtt" json:"mqtt"`
}

// NATSConfig parameterizes the NATS publisher.
type NATSConfig struct {
	Enabled           bool          `yaml:"enabled" json:"enabled"`
	URL               string        `yaml:"url" json:"url"`
	MaxReconnects     int           `yaml:"max_reconnects" json:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval" json:"reconnect_interval"`
}

// MQTTConfig parameterizes the MQTT publisher.
type MQTTConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	BrokerURL string `yaml:"broker_url" json:"broker_url"`
	Username  string `yaml:"username" json:"username"`
	Password  string `yaml:"password" json:"password"`
	TopicBase string `yaml:"topic_base" json:"topic_base"`
	QoS       byte   `yaml:"qos" json:"qos"`
	TLS       bool   `yaml:"tls" json:"tls"`
}

// Load reads, parses and validates a config file. The format follows the
// extension: .json is JSON, everything else YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := defaults()

	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Connection: ConnectionConfig{
			SPIType:   "linux",
			SPIDevice: "/dev/spidev0.0",
			SPISpeed:  1_000_000,
		},
		Options: OptionsConfig{
			SendInterval: 60,
		},
		Network: NetworkConfig{
			Region:      "EU868",
			DeviceClass: "A",
			SessionFile: "lorawan_session.json",
			RX2DataRate: -1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8070,
		},
		Integration: IntegrationConfig{
			NATS: NATSConfig{
				URL:               "nats://127.0.0.1:4222",
				MaxReconnects:     10,
				ReconnectInterval: 2 * time.Second,
			},
			MQTT: MQTTConfig{
				TopicBase: "lorawan",
			},
		},
	}
}

func (c *Config) validate() error {
	switch c.Connection.SPIType {
	case "linux", "ch341":
	default:
		return fmt.Errorf("connection.spi_type must be \"linux\" or \"ch341\", got %q", c.Connection.SPIType)
	}

	switch strings.ToUpper(c.Network.DeviceClass) {
	case "A", "C":
	default:
		return fmt.Errorf("network.device_class must be \"A\" or \"C\", got %q", c.Network.DeviceClass)
	}

	if c.Options.SendInterval <= 0 {
		return fmt.Errorf("options.send_interval must be positive")
	}

	return nil
}
