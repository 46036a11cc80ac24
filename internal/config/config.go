package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	API       APIConfig       `yaml:"api"`
	Vehicle   VehicleConfig   `yaml:"vehicle"`
	Database  DatabaseConfig  `yaml:"database"`
	NATS      NATSConfig      `yaml:"nats"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	JWT       JWTConfig       `yaml:"jwt"`
	Log       LogConfig       `yaml:"log"`
	Transport TransportConfig `yaml:"transport"`
	Pairing   PairingConfig   `yaml:"pairing"`
}

// ServerConfig represents server identity configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents API configuration
type APIConfig struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	AuthRequired bool     `yaml:"auth_required"`
	CORSOrigins  []string `yaml:"cors_origins"`
}

// VehicleConfig identifies the vehicle this agent runs in
type VehicleConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	SubjectPrefix     string        `yaml:"subject_prefix"`
}

// MQTTConfig represents the optional fleet MQTT bridge configuration
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret          string        `yaml:"secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// === 设备链路配置 ===

// TransportConfig selects and configures the device link
type TransportConfig struct {
	Kind  string        `yaml:"kind"` // bluez | tcp | sim
	BlueZ BlueZConfig   `yaml:"bluez"`
	TCP   TCPLinkConfig `yaml:"tcp"`
	Sim   SimLinkConfig `yaml:"sim"`
}

// BlueZConfig configures the Bluetooth LE link
type BlueZConfig struct {
	Adapter        string        `yaml:"adapter"`
	ServiceUUID    string        `yaml:"service_uuid"`
	NotifyCharUUID string        `yaml:"notify_char_uuid"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// Device name prefixes that need a passcode before connecting.
	// KD032 family units validate an 8 digit code, PT30 units do not.
	AuthNamePrefixes []string `yaml:"auth_name_prefixes"`
}

// TCPLinkConfig configures the bench TCP link to a simulator
type TCPLinkConfig struct {
	Endpoints      []string      `yaml:"endpoints"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// SimLinkConfig configures the in-process simulated link
type SimLinkConfig struct {
	Devices       []SimDevice   `yaml:"devices"`
	FrameInterval time.Duration `yaml:"frame_interval"`
}

// SimDevice describes one simulated device
type SimDevice struct {
	Identifier   string        `yaml:"identifier"`
	Name         string        `yaml:"name"`
	RSSI         int           `yaml:"rssi"`
	Category     string        `yaml:"category"`
	RequiresAuth bool          `yaml:"requires_auth"`
	Passcode     string        `yaml:"passcode"`
	Silent       bool          `yaml:"silent"` // pairs but never transmits
	FailMessage  string        `yaml:"fail_message"`
	FailCode     string        `yaml:"fail_code"`
	ConnectDelay time.Duration `yaml:"connect_delay"` // simulated link setup latency
}

// === 配对窗口配置 ===

// PairingConfig holds the pairing state machine timing contract
type PairingConfig struct {
	ScanDuration     time.Duration `yaml:"scan_duration"`      // 扫描窗口
	FirstFrameWindow time.Duration `yaml:"first_frame_window"` // 首帧活性窗口
	FrameWindow      time.Duration `yaml:"frame_window"`       // 后续帧活性窗口
	StageDwell       time.Duration `yaml:"stage_dwell"`        // 每个连接子阶段的最小停留
	StageDwellCap    time.Duration `yaml:"stage_dwell_cap"`    // 子阶段停留总上限
	FrameHistory     int           `yaml:"frame_history"`
	PasscodeMinLen   int           `yaml:"passcode_min_len"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply environment overrides
	cfg.applyEnvOverrides()

	// 验证配置并填充默认值
	if err := cfg.validateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if kind := os.Getenv("ELD_TRANSPORT"); kind != "" {
		c.Transport.Kind = kind
	}

	if vehicleID := os.Getenv("ELD_VEHICLE_ID"); vehicleID != "" {
		c.Vehicle.ID = vehicleID
	}

	if adapter := os.Getenv("ELD_BLUEZ_ADAPTER"); adapter != "" {
		c.Transport.BlueZ.Adapter = adapter
	}
}

// validateAndSetDefaults 验证配置并设置默认值
func (c *Config) validateAndSetDefaults() error {
	if c.Server.Name == "" {
		c.Server.Name = "eld-agent"
	}

	if c.Vehicle.ID == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "vehicle-unknown"
		}
		c.Vehicle.ID = hostname
	}

	if c.API.Port == 0 {
		c.API.Port = 8480
	}

	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "eld"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "eld"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 10
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 5 * time.Second
	}

	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = time.Hour
	}
	if c.JWT.RefreshTokenTTL == 0 {
		c.JWT.RefreshTokenTTL = 7 * 24 * time.Hour
	}

	if err := c.setTransportDefaults(); err != nil {
		return err
	}

	c.setPairingDefaults()

	// 子阶段总停留不能超过上限，否则成功信号会被美化动画卡住
	walk := time.Duration(4) * c.Pairing.StageDwell
	if walk > c.Pairing.StageDwellCap {
		log.Warn().
			Dur("stage_dwell", c.Pairing.StageDwell).
			Dur("cap", c.Pairing.StageDwellCap).
			Msg("stage dwell walk exceeds cap, stages will be cut short")
	}

	return nil
}

// setTransportDefaults 设置设备链路默认值
func (c *Config) setTransportDefaults() error {
	if c.Transport.Kind == "" {
		c.Transport.Kind = "sim"
	}

	switch c.Transport.Kind {
	case "bluez":
		if c.Transport.BlueZ.Adapter == "" {
			c.Transport.BlueZ.Adapter = "hci0"
		}
		if c.Transport.BlueZ.ServiceUUID == "" {
			c.Transport.BlueZ.ServiceUUID = "0000ffe0-0000-1000-8000-00805f9b34fb"
		}
		if c.Transport.BlueZ.NotifyCharUUID == "" {
			c.Transport.BlueZ.NotifyCharUUID = "0000ffe1-0000-1000-8000-00805f9b34fb"
		}
		if c.Transport.BlueZ.ConnectTimeout == 0 {
			c.Transport.BlueZ.ConnectTimeout = 10 * time.Second
		}
		if len(c.Transport.BlueZ.AuthNamePrefixes) == 0 {
			c.Transport.BlueZ.AuthNamePrefixes = []string{"KD032"}
		}

	case "tcp":
		if len(c.Transport.TCP.Endpoints) == 0 {
			return fmt.Errorf("tcp transport needs at least one endpoint")
		}
		if c.Transport.TCP.ProbeTimeout == 0 {
			c.Transport.TCP.ProbeTimeout = 2 * time.Second
		}
		if c.Transport.TCP.ConnectTimeout == 0 {
			c.Transport.TCP.ConnectTimeout = 10 * time.Second
		}

	case "sim":
		if c.Transport.Sim.FrameInterval == 0 {
			c.Transport.Sim.FrameInterval = 2 * time.Second
		}

	default:
		return fmt.Errorf("unknown transport kind: %s", c.Transport.Kind)
	}

	return nil
}

// setPairingDefaults 设置配对时序默认值
func (c *Config) setPairingDefaults() {
	if c.Pairing.ScanDuration == 0 {
		c.Pairing.ScanDuration = 120 * time.Second
	}
	if c.Pairing.FirstFrameWindow == 0 {
		c.Pairing.FirstFrameWindow = 30 * time.Second
	}
	if c.Pairing.FrameWindow == 0 {
		c.Pairing.FrameWindow = 60 * time.Second
	}
	if c.Pairing.StageDwell == 0 {
		c.Pairing.StageDwell = 750 * time.Millisecond
	}
	if c.Pairing.StageDwellCap == 0 {
		c.Pairing.StageDwellCap = 3 * time.Second
	}
	if c.Pairing.FrameHistory == 0 {
		c.Pairing.FrameHistory = 50
	}
	if c.Pairing.PasscodeMinLen == 0 {
		c.Pairing.PasscodeMinLen = 8
	}
}

// PrintConfigSummary 打印配置摘要
func (c *Config) PrintConfigSummary() {
	fmt.Printf("=== ELD Agent Configuration ===\n")
	fmt.Printf("Server: %s v%s\n", c.Server.Name, c.Server.Version)
	fmt.Printf("Vehicle: %s\n", c.Vehicle.ID)
	fmt.Printf("Transport: %s\n", c.Transport.Kind)

	switch c.Transport.Kind {
	case "bluez":
		fmt.Printf("  Adapter: %s\n", c.Transport.BlueZ.Adapter)
		fmt.Printf("  Service UUID: %s\n", c.Transport.BlueZ.ServiceUUID)
	case "tcp":
		fmt.Printf("  Endpoints: %v\n", c.Transport.TCP.Endpoints)
	case "sim":
		fmt.Printf("  Simulated Devices: %d\n", len(c.Transport.Sim.Devices))
	}

	fmt.Printf("Scan Window: %s\n", c.Pairing.ScanDuration)
	fmt.Printf("Liveness Windows: first=%s subsequent=%s\n",
		c.Pairing.FirstFrameWindow, c.Pairing.FrameWindow)
	fmt.Printf("Stage Dwell: %s (cap %s)\n", c.Pairing.StageDwell, c.Pairing.StageDwellCap)

	if c.Database.DSN != "" {
		fmt.Printf("Database: configured\n")
	}
	if c.NATS.URL != "" {
		fmt.Printf("NATS: %s (prefix %s)\n", c.NATS.URL, c.NATS.SubjectPrefix)
	}
	if c.MQTT.Broker != "" {
		fmt.Printf("MQTT Bridge: %s\n", c.MQTT.Broker)
	}
	fmt.Printf("===============================\n")
}
