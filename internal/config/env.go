package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// newEnv returns a viper instance that resolves the deployment's flat
// environment variable names, optionally backed by a dotenv file.
func newEnv(envFile string) (*viper.Viper, error) {
	v := viper.New()
	v.AutomaticEnv()
	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read env file %s: %w", envFile, err)
		}
	}
	return v, nil
}

// applyEnv overlays environment variables on the YAML values.
func applyEnv(cfg *Config, v *viper.Viper) error {
	if s := firstSet(v, "SERIAL_PORT", "UART_PORT"); s != "" {
		cfg.Serial.Port = s
	}
	if err := envInt(v, "BAUD_RATE", &cfg.Serial.Baud); err != nil {
		return err
	}

	envString(v, "TCP_HOST", &cfg.TCP.Host)
	if err := envInt(v, "TCP_PORT", &cfg.TCP.Port); err != nil {
		return err
	}
	if err := envInt(v, "TCP_MAX_CLIENTS", &cfg.TCP.MaxClients); err != nil {
		return err
	}
	if s := strings.TrimSpace(v.GetString("TCP_ALLOW")); s != "" {
		cfg.TCP.Allow = strings.Split(s, ",")
	}
	if err := envBool(v, "TCP_ONLY_RTK_FIXED", &cfg.TCP.OnlyRTKFixed); err != nil {
		return err
	}

	envString(v, "NTRIP_HOST", &cfg.NTRIP.Host)
	if err := envInt(v, "NTRIP_PORT", &cfg.NTRIP.Port); err != nil {
		return err
	}
	envString(v, "NTRIP_MOUNTPOINT", &cfg.NTRIP.Mountpoint)
	envString(v, "NTRIP_USERNAME", &cfg.NTRIP.Username)
	envString(v, "NTRIP_PASSWORD", &cfg.NTRIP.Password)
	if err := envBool(v, "NTRIP_USE_HTTPS", &cfg.NTRIP.UseTLS); err != nil {
		return err
	}
	envString(v, "NTRIP_USER_AGENT", &cfg.NTRIP.UserAgent)

	envString(v, "LOG_FILE", &cfg.Log.Path)
	var secs int
	if err := envInt(v, "LOG_FLUSH_SECONDS", &secs); err != nil {
		return err
	}
	if secs > 0 {
		cfg.Log.FlushInterval = time.Duration(secs) * time.Second
	}
	return nil
}

func firstSet(v *viper.Viper, keys ...string) string {
	for _, k := range keys {
		if s := strings.TrimSpace(v.GetString(k)); s != "" {
			return s
		}
	}
	return ""
}

func envString(v *viper.Viper, key string, dst *string) {
	if s := strings.TrimSpace(v.GetString(key)); s != "" {
		*dst = s
	}
}

func envInt(v *viper.Viper, key string, dst *int) error {
	s := strings.TrimSpace(v.GetString(key))
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("%s must be an integer, got %q", key, s)
	}
	*dst = n
	return nil
}

func envBool(v *viper.Viper, key string, dst *bool) error {
	s := strings.TrimSpace(v.GetString(key))
	if s == "" {
		return nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("%s must be true or false, got %q", key, s)
	}
	*dst = b
	return nil
}
