package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Serial  SerialConfig  `yaml:"serial"`
	NMEA    NMEAConfig    `yaml:"nmea"`
	TCP     TCPConfig     `yaml:"tcp"`
	NTRIP   NTRIPConfig   `yaml:"ntrip"`
	Log     LogConfig     `yaml:"log"`
	Status  StatusConfig  `yaml:"status"`
	Web     WebConfig     `yaml:"web"`
	Logging LoggingConfig `yaml:"logging"`
}

type SerialConfig struct {
	// Port is the device path. Empty auto-detects /dev/ttyACM* or
	// /dev/ttyUSB*.
	Port        string        `yaml:"port"`
	Baud        int           `yaml:"baud"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

type NMEAConfig struct {
	// Checksum is "accept" (no validation) or "reject".
	Checksum string `yaml:"checksum"`
}

type TCPConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	MaxClients   int           `yaml:"max_clients"`
	Allow        []string      `yaml:"allow"`
	OnlyRTKFixed bool          `yaml:"only_rtk_fixed"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// UserTimeout sets TCP_USER_TIMEOUT on subscriber sockets. Negative
	// disables it.
	UserTimeout  time.Duration `yaml:"user_timeout"`
}

type NTRIPConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	Mountpoint  string        `yaml:"mountpoint"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	UseTLS      bool          `yaml:"use_tls"`
	UserAgent   string        `yaml:"user_agent"`
	Backoff     time.Duration `yaml:"backoff"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	GGAInterval time.Duration `yaml:"gga_interval"`
	// GGAUpload sends the latest GGA to the caster on the live session.
	// Off by default; only VRS mountpoints need it.
	GGAUpload   bool          `yaml:"gga_upload"`
}

type LogConfig struct {
	// Store is "csv" or "postgres".
	Store         string        `yaml:"store"`
	Path          string        `yaml:"path"`
	PostgresURL   string        `yaml:"postgres_url"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Rotate        RotateConfig  `yaml:"rotate"`
}

type RotateConfig struct {
	Schedule   string `yaml:"schedule"`
	Dir        string `yaml:"dir"`
	NameFormat string `yaml:"name_format"`
}

type StatusConfig struct {
	Interval time.Duration `yaml:"interval"`
	MQTT     MQTTConfig    `yaml:"mqtt"`
	Redis    RedisConfig   `yaml:"redis"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`
	Retain   bool   `yaml:"retain"`
}

type RedisConfig struct {
	URL     string        `yaml:"url"`
	Key     string        `yaml:"key"`
	Channel string        `yaml:"channel"`
	TTL     time.Duration `yaml:"ttl"`
}

type WebConfig struct {
	// Listen is host:port for the status API. Empty disables it.
	Listen string `yaml:"listen"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	BufferLines int    `yaml:"buffer_lines"`
}

// Load reads path (which may be empty), applies environment overrides and
// fills defaults.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, "")
}

// LoadWithEnv is Load with an optional dotenv file. Variables already set
// in the process environment win over the file.
func LoadWithEnv(path, envFile string) (Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := decodeStrict(b, &cfg); err != nil {
			return Config{}, err
		}
	}

	env, err := newEnv(envFile)
	if err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg, env); err != nil {
		return Config{}, err
	}

	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var linePrefix = regexp.MustCompile(`^line \d+: `)

func decodeStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	err := dec.Decode(cfg)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	var te *yaml.TypeError
	if errors.As(err, &te) {
		unknown := make([]string, 0, len(te.Errors))
		for _, e := range te.Errors {
			msg := linePrefix.ReplaceAllString(e, "")
			if strings.Contains(msg, " not found in type ") {
				unknown = append(unknown, msg)
			}
		}
		if len(unknown) > 0 {
			return fmt.Errorf("config contains unknown fields: %s", strings.Join(unknown, "; "))
		}
	}
	return err
}

// DefaultAndValidate fills zero values with defaults and rejects
// inconsistent settings.
func DefaultAndValidate(cfg *Config) error {
	if cfg.Serial.Baud == 0 {
		cfg.Serial.Baud = 115200
	}
	if cfg.Serial.Baud < 0 {
		return fmt.Errorf("serial.baud must be > 0")
	}
	if cfg.Serial.ReadTimeout <= 0 {
		cfg.Serial.ReadTimeout = time.Second
	}
	if cfg.Serial.RetryDelay <= 0 {
		cfg.Serial.RetryDelay = time.Second
	}

	switch strings.ToLower(strings.TrimSpace(cfg.NMEA.Checksum)) {
	case "":
		cfg.NMEA.Checksum = "accept"
	case "accept", "reject":
		cfg.NMEA.Checksum = strings.ToLower(strings.TrimSpace(cfg.NMEA.Checksum))
	default:
		return fmt.Errorf("nmea.checksum must be 'accept' or 'reject'")
	}

	if cfg.TCP.Host == "" {
		cfg.TCP.Host = "localhost"
	}
	if cfg.TCP.Port == 0 {
		cfg.TCP.Port = 10110
	}
	if cfg.TCP.Port < 1 || cfg.TCP.Port > 65535 {
		return fmt.Errorf("tcp.port must be between 1 and 65535")
	}
	if cfg.TCP.MaxClients == 0 {
		cfg.TCP.MaxClients = 5
	}
	if cfg.TCP.MaxClients < 0 {
		return fmt.Errorf("tcp.max_clients must be > 0")
	}
	if cfg.TCP.Allow == nil {
		cfg.TCP.Allow = []string{"RMC", "VTG", "GGA"}
	}
	allow := make([]string, 0, len(cfg.TCP.Allow))
	for _, t := range cfg.TCP.Allow {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if len(t) != 3 {
			return fmt.Errorf("tcp.allow entries must be 3-letter sentence types, got %q", t)
		}
		allow = append(allow, t)
	}
	if len(allow) == 0 {
		return fmt.Errorf("tcp.allow must list at least one sentence type")
	}
	cfg.TCP.Allow = allow
	if cfg.TCP.WriteTimeout <= 0 {
		cfg.TCP.WriteTimeout = 2 * time.Second
	}
	if cfg.TCP.UserTimeout == 0 {
		cfg.TCP.UserTimeout = 10 * time.Second
	}

	if cfg.NTRIP.Port == 0 {
		cfg.NTRIP.Port = 2101
	}
	if cfg.NTRIP.Port < 1 || cfg.NTRIP.Port > 65535 {
		return fmt.Errorf("ntrip.port must be between 1 and 65535")
	}
	if cfg.NTRIP.UserAgent == "" {
		cfg.NTRIP.UserAgent = "NTRIP gnss-bridge/1.0"
	}
	if cfg.NTRIP.Backoff <= 0 {
		cfg.NTRIP.Backoff = 10 * time.Second
	}
	if cfg.NTRIP.DialTimeout <= 0 {
		cfg.NTRIP.DialTimeout = 10 * time.Second
	}
	if cfg.NTRIP.ReadTimeout <= 0 {
		cfg.NTRIP.ReadTimeout = time.Second
	}
	if cfg.NTRIP.GGAInterval <= 0 {
		cfg.NTRIP.GGAInterval = 60 * time.Second
	}

	cfg.Log.Store = strings.ToLower(strings.TrimSpace(cfg.Log.Store))
	switch cfg.Log.Store {
	case "":
		cfg.Log.Store = "csv"
	case "csv", "postgres":
	default:
		return fmt.Errorf("log.store must be 'csv' or 'postgres'")
	}
	if cfg.Log.Path == "" {
		cfg.Log.Path = "rtk_log.txt"
	}
	if cfg.Log.Store == "postgres" && cfg.Log.PostgresURL == "" {
		return fmt.Errorf("log.postgres_url is required when log.store is 'postgres'")
	}
	if cfg.Log.FlushInterval <= 0 {
		cfg.Log.FlushInterval = 180 * time.Second
	}
	if cfg.Log.Rotate.Schedule != "" && cfg.Log.Store != "csv" {
		return fmt.Errorf("log.rotate.schedule is only supported when log.store is 'csv'")
	}
	if cfg.Log.Rotate.Dir == "" {
		cfg.Log.Rotate.Dir = "_LOGS_RAW"
	}
	if cfg.Log.Rotate.NameFormat == "" {
		cfg.Log.Rotate.NameFormat = "%Y%m%d_%H%M%S"
	}

	if cfg.Status.Interval <= 0 {
		cfg.Status.Interval = 15 * time.Second
	}
	if cfg.Status.MQTT.Broker != "" {
		if cfg.Status.MQTT.Topic == "" {
			cfg.Status.MQTT.Topic = "gnss-bridge/fix"
		}
		if cfg.Status.MQTT.ClientID == "" {
			cfg.Status.MQTT.ClientID = "gnss-bridge"
		}
		if cfg.Status.MQTT.QoS > 2 {
			return fmt.Errorf("status.mqtt.qos must be 0, 1 or 2")
		}
	}
	if cfg.Status.Redis.URL != "" {
		if cfg.Status.Redis.Key == "" {
			cfg.Status.Redis.Key = "gnss-bridge:fix"
		}
		if cfg.Status.Redis.TTL < 0 {
			return fmt.Errorf("status.redis.ttl must be >= 0")
		}
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if _, err := log.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("logging.level %q is not a valid level", cfg.Logging.Level)
	}
	if cfg.Logging.BufferLines <= 0 {
		cfg.Logging.BufferLines = 2000
	}
	return nil
}
