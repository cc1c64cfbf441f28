package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	System    SystemConfig    `toml:"system"`
	Network   NetworkConfig   `toml:"network"`
	Detector  DetectorConfig  `toml:"detector"`
	API       APIConfig       `toml:"api"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Alerts    AlertsConfig    `toml:"alerts"`
}

type SystemConfig struct {
	SensorName string `toml:"sensor_name"`
	LogFile    string `toml:"log_file"`
	Verbosity  int    `toml:"verbosity"`
}

type NetworkConfig struct {
	Interface string `toml:"interface"`
	// Subnet, SelfIP and SelfMAC are derived from the interface when empty.
	Subnet          string `toml:"subnet"`
	SelfIP          string `toml:"self_ip"`
	SelfMAC         string `toml:"self_mac"`
	GatewayFallback string `toml:"gateway_fallback"`
	SnapLen         int    `toml:"snaplen"`
	PollInterval    string `toml:"poll_interval"`
}

type DetectorConfig struct {
	Threshold          int    `toml:"threshold"`
	ResetTimeout       string `toml:"reset_timeout"`
	BaselineTimeout    string `toml:"baseline_timeout"`
	ScanTimeout        string `toml:"scan_timeout"`
	LookupTimeout      string `toml:"lookup_timeout"`
	ResolveTimeout     string `toml:"resolve_timeout"`
	ScanInterval       string `toml:"scan_interval"`
	StopTimeout        string `toml:"stop_timeout"`
	KeepFlaggedDevices bool   `toml:"keep_flagged_devices"`
	MonitorOnStart     bool   `toml:"monitor_on_start"`
}

type APIConfig struct {
	ListenAddress string `toml:"listen_address"`
}

type TelemetryConfig struct {
	Enabled bool `toml:"enabled"`
}

type AlertsConfig struct {
	SyslogServer string         `toml:"syslog_server"`
	Webhook      WebhookConfig  `toml:"webhook"`
	Smtp         SmtpConfig     `toml:"smtp"`
	Telegram     TelegramConfig `toml:"telegram"`
	Kafka        KafkaConfig    `toml:"kafka"`
}

type WebhookConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
}

type SmtpConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	User    string `toml:"user"`
	Pass    string `toml:"pass"`
	To      string `toml:"to"`
	From    string `toml:"from"`
}

type TelegramConfig struct {
	Enabled bool   `toml:"enabled"`
	Token   string `toml:"token"`
	ChatID  string `toml:"chat_id"`
}

type KafkaConfig struct {
	Enabled bool     `toml:"enabled"`
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

// Defaults
const (
	DefaultSensorName      = "ArpWarden"
	DefaultThreshold       = 3
	DefaultResetTimeout    = 5200 * time.Millisecond
	DefaultBaselineTimeout = 5 * time.Second
	DefaultScanTimeout     = 5 * time.Second
	DefaultLookupTimeout   = 1 * time.Second
	DefaultResolveTimeout  = 2 * time.Second
	DefaultScanInterval    = 30 * time.Second
	DefaultStopTimeout     = 2 * time.Second
	DefaultPollInterval    = 1 * time.Second
	DefaultSnapLen         = 128
	DefaultListenAddress   = ":5000"
	DefaultGateway         = "192.168.1.1"

	// MinSubnetPrefix is the widest subnet a sweep may cover (/20, 4096
	// addresses).
	MinSubnetPrefix = 20
)

func LoadConfig(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills every zero value with its default.
func (c *Config) ApplyDefaults() {
	if c.System.SensorName == "" {
		c.System.SensorName = DefaultSensorName
	}
	if c.Network.SnapLen <= 0 {
		c.Network.SnapLen = DefaultSnapLen
	}
	if c.Network.GatewayFallback == "" {
		c.Network.GatewayFallback = DefaultGateway
	}
	if c.Detector.Threshold <= 0 {
		c.Detector.Threshold = DefaultThreshold
	}
	if c.API.ListenAddress == "" {
		c.API.ListenAddress = DefaultListenAddress
	}
}

// Environment variables that override the file, typically set through a
// .env next to the binary.
const (
	EnvInterface = "ARPWARDEN_INTERFACE"
	EnvSubnet    = "ARPWARDEN_SUBNET"
	EnvListen    = "ARPWARDEN_LISTEN"
)

// ApplyEnv overrides file values with the non-empty ARPWARDEN_* variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvInterface); v != "" {
		c.Network.Interface = v
	}
	if v := os.Getenv(EnvSubnet); v != "" {
		c.Network.Subnet = v
	}
	if v := os.Getenv(EnvListen); v != "" {
		c.API.ListenAddress = v
	}
}

// Validate checks the settings the daemon cannot start without.
func (c *Config) Validate() error {
	if c.Network.Interface == "" {
		return fmt.Errorf("network.interface is required")
	}
	if c.Network.Subnet != "" {
		if err := CheckSubnet(c.Network.Subnet); err != nil {
			return fmt.Errorf("invalid network.subnet: %w", err)
		}
	}
	if c.Alerts.Kafka.Enabled && (len(c.Alerts.Kafka.Brokers) == 0 || c.Alerts.Kafka.Topic == "") {
		return fmt.Errorf("alerts.kafka requires brokers and topic")
	}

	durations := map[string]string{
		"network.poll_interval":     c.Network.PollInterval,
		"detector.reset_timeout":    c.Detector.ResetTimeout,
		"detector.baseline_timeout": c.Detector.BaselineTimeout,
		"detector.scan_timeout":     c.Detector.ScanTimeout,
		"detector.lookup_timeout":   c.Detector.LookupTimeout,
		"detector.resolve_timeout":  c.Detector.ResolveTimeout,
		"detector.scan_interval":    c.Detector.ScanInterval,
		"detector.stop_timeout":     c.Detector.StopTimeout,
	}
	for key, raw := range durations {
		if raw == "" {
			continue
		}
		if d, err := time.ParseDuration(raw); err != nil || d <= 0 {
			return fmt.Errorf("invalid %s '%s'", key, raw)
		}
	}
	return nil
}

// CheckSubnet accepts an IPv4 CIDR no wider than MinSubnetPrefix.
func CheckSubnet(cidr string) error {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return err
	}
	ones, bits := network.Mask.Size()
	if bits != 32 {
		return fmt.Errorf("'%s' is not an IPv4 subnet", cidr)
	}
	if ones < MinSubnetPrefix {
		return fmt.Errorf("'%s' is wider than /%d", cidr, MinSubnetPrefix)
	}
	return nil
}

func (n NetworkConfig) PollDuration() time.Duration {
	return parseDuration(n.PollInterval, DefaultPollInterval)
}

func (d DetectorConfig) ResetDuration() time.Duration {
	return parseDuration(d.ResetTimeout, DefaultResetTimeout)
}

func (d DetectorConfig) BaselineDuration() time.Duration {
	return parseDuration(d.BaselineTimeout, DefaultBaselineTimeout)
}

func (d DetectorConfig) ScanDuration() time.Duration {
	return parseDuration(d.ScanTimeout, DefaultScanTimeout)
}

func (d DetectorConfig) LookupDuration() time.Duration {
	return parseDuration(d.LookupTimeout, DefaultLookupTimeout)
}

func (d DetectorConfig) ResolveDuration() time.Duration {
	return parseDuration(d.ResolveTimeout, DefaultResolveTimeout)
}

func (d DetectorConfig) ScanIntervalDuration() time.Duration {
	return parseDuration(d.ScanInterval, DefaultScanInterval)
}

func (d DetectorConfig) StopDuration() time.Duration {
	return parseDuration(d.StopTimeout, DefaultStopTimeout)
}

// parseDuration returns def when raw is empty, invalid or not positive.
// Validate reports the invalid ones.
func parseDuration(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
