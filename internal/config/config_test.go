package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	tmp := t.TempDir()
	path := filepath.Join(tmp, "cfg.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path
}

func requireErrEq(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %q, got nil", want)
	}
	if err.Error() != want {
		t.Fatalf("error=%q want %q", err.Error(), want)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Serial.Baud != 115200 {
		t.Fatalf("baud=%d want 115200", cfg.Serial.Baud)
	}
	if cfg.TCP.Host != "localhost" || cfg.TCP.Port != 10110 || cfg.TCP.MaxClients != 5 {
		t.Fatalf("tcp defaults=%+v", cfg.TCP)
	}
	if !reflect.DeepEqual(cfg.TCP.Allow, []string{"RMC", "VTG", "GGA"}) {
		t.Fatalf("allow=%v", cfg.TCP.Allow)
	}
	if cfg.NTRIP.Port != 2101 || cfg.NTRIP.Backoff != 10*time.Second {
		t.Fatalf("ntrip defaults=%+v", cfg.NTRIP)
	}
	if cfg.Log.Path != "rtk_log.txt" || cfg.Log.FlushInterval != 180*time.Second || cfg.Log.Store != "csv" {
		t.Fatalf("log defaults=%+v", cfg.Log)
	}
	if cfg.NMEA.Checksum != "accept" {
		t.Fatalf("checksum=%q want accept", cfg.NMEA.Checksum)
	}
	if cfg.Status.Interval != 15*time.Second {
		t.Fatalf("status interval=%s want 15s", cfg.Status.Interval)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.BufferLines != 2000 {
		t.Fatalf("logging defaults=%+v", cfg.Logging)
	}
}

func TestLoad_YAMLValues(t *testing.T) {
	path := writeTempConfig(t, `
serial:
  port: /dev/ttyACM1
  baud: 38400
tcp:
  port: 2000
  allow: [gga, " rmc "]
  only_rtk_fixed: true
ntrip:
  host: caster.example.net
  mountpoint: MP1
  username: u
  password: p
  gga_interval: 30s
log:
  path: /tmp/out.csv
  flush_interval: 5s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Serial.Port != "/dev/ttyACM1" || cfg.Serial.Baud != 38400 {
		t.Fatalf("serial=%+v", cfg.Serial)
	}
	if !reflect.DeepEqual(cfg.TCP.Allow, []string{"GGA", "RMC"}) {
		t.Fatalf("allow=%v want [GGA RMC]", cfg.TCP.Allow)
	}
	if !cfg.TCP.OnlyRTKFixed || cfg.TCP.Port != 2000 {
		t.Fatalf("tcp=%+v", cfg.TCP)
	}
	if cfg.NTRIP.GGAInterval != 30*time.Second || cfg.NTRIP.Mountpoint != "MP1" {
		t.Fatalf("ntrip=%+v", cfg.NTRIP)
	}
	if cfg.Log.FlushInterval != 5*time.Second {
		t.Fatalf("flush=%s want 5s", cfg.Log.FlushInterval)
	}
}

func TestLoad_EmptyFile(t *testing.T) {
	path := writeTempConfig(t, "")
	if _, err := Load(path); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
}

func TestLoad_UnknownFieldsRejected(t *testing.T) {
	path := writeTempConfig(t, "tcp:\n  mode: fast\n")
	_, err := Load(path)
	requireErrEq(t, err, "config contains unknown fields: field mode not found in type config.TCPConfig")
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"bad tcp port", "tcp:\n  port: 70000\n", "tcp.port must be between 1 and 65535"},
		{"negative clients", "tcp:\n  max_clients: -1\n", "tcp.max_clients must be > 0"},
		{"empty allow", "tcp:\n  allow: [\"\"]\n", "tcp.allow must list at least one sentence type"},
		{"long allow", "tcp:\n  allow: [GPGGA]\n", `tcp.allow entries must be 3-letter sentence types, got "GPGGA"`},
		{"checksum", "nmea:\n  checksum: maybe\n", "nmea.checksum must be 'accept' or 'reject'"},
		{"store", "log:\n  store: sqlite\n", "log.store must be 'csv' or 'postgres'"},
		{"postgres url", "log:\n  store: postgres\n", "log.postgres_url is required when log.store is 'postgres'"},
		{"rotate postgres", "log:\n  store: postgres\n  postgres_url: postgres://x\n  rotate:\n    schedule: '@daily'\n", "log.rotate.schedule is only supported when log.store is 'csv'"},
		{"ntrip port", "ntrip:\n  port: -5\n", "ntrip.port must be between 1 and 65535"},
		{"mqtt qos", "status:\n  mqtt:\n    broker: tcp://b:1883\n    qos: 3\n", "status.mqtt.qos must be 0, 1 or 2"},
		{"level", "logging:\n  level: loud\n", `logging.level "loud" is not a valid level`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, tc.yaml))
			requireErrEq(t, err, tc.want)
		})
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeTempConfig(t, "serial:\n  port: /dev/ttyUSB0\ntcp:\n  port: 2000\n")
	t.Setenv("UART_PORT", "/dev/ttyAMA0")
	t.Setenv("TCP_PORT", "3000")
	t.Setenv("TCP_ALLOW", "GGA,GSA")
	t.Setenv("NTRIP_USE_HTTPS", "true")
	t.Setenv("LOG_FLUSH_SECONDS", "30")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Serial.Port != "/dev/ttyAMA0" {
		t.Fatalf("port=%q want /dev/ttyAMA0", cfg.Serial.Port)
	}
	if cfg.TCP.Port != 3000 {
		t.Fatalf("tcp.port=%d want 3000", cfg.TCP.Port)
	}
	if !reflect.DeepEqual(cfg.TCP.Allow, []string{"GGA", "GSA"}) {
		t.Fatalf("allow=%v", cfg.TCP.Allow)
	}
	if !cfg.NTRIP.UseTLS {
		t.Fatalf("expected use_tls from NTRIP_USE_HTTPS")
	}
	if cfg.Log.FlushInterval != 30*time.Second {
		t.Fatalf("flush=%s want 30s", cfg.Log.FlushInterval)
	}
}

func TestLoad_SerialPortPrecedence(t *testing.T) {
	t.Setenv("UART_PORT", "/dev/ttyAMA0")
	t.Setenv("SERIAL_PORT", "/dev/ttyACM0")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Serial.Port != "/dev/ttyACM0" {
		t.Fatalf("port=%q want SERIAL_PORT to win", cfg.Serial.Port)
	}
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("BAUD_RATE", "fast")
	_, err := Load("")
	requireErrEq(t, err, `BAUD_RATE must be an integer, got "fast"`)
}

func TestLoadWithEnv_DotenvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "bridge.env")
	body := "NTRIP_HOST=caster.example.net\nNTRIP_MOUNTPOINT=MP2\nLOG_FILE=/var/log/fixes.csv\n"
	if err := os.WriteFile(envFile, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	t.Setenv("NTRIP_MOUNTPOINT", "FROM_ENV")

	cfg, err := LoadWithEnv("", envFile)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}
	if cfg.NTRIP.Host != "caster.example.net" {
		t.Fatalf("host=%q", cfg.NTRIP.Host)
	}
	if cfg.NTRIP.Mountpoint != "FROM_ENV" {
		t.Fatalf("mountpoint=%q want process env to win", cfg.NTRIP.Mountpoint)
	}
	if cfg.Log.Path != "/var/log/fixes.csv" {
		t.Fatalf("path=%q", cfg.Log.Path)
	}
}

func TestLoadWithEnv_MissingFile(t *testing.T) {
	if _, err := LoadWithEnv("", filepath.Join(t.TempDir(), "nope.env")); err == nil {
		t.Fatalf("expected error for missing env file")
	}
}
