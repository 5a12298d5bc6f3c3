// Package config loads the daemon's line-oriented key=value configuration
// file: no YAML, no nesting, `#`-prefixed comments, one whole-file load.
package config

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shiwatime/rbdisciplined/internal/rbderr"
)

// Config is the parsed, validated, defaulted configuration for one run of
// the daemon. Keys not recognised by the core are kept verbatim in Extra
// so the disciplining engine (C5) can consume its own option set.
type Config struct {
	Oscillator         string
	Disciplining       bool
	Monitoring         bool
	PTPClock           string
	PPSDevice          string
	OppositePhaseError bool
	Debug              int

	GNSSDevice string
	GNSSBaud   int

	OscillatorDevice string
	OscillatorBaud   int

	EEPROMDscConfigPath string
	EEPROMTempTablePath string

	HTTPEnable   bool
	HTTPBindHost string
	HTTPBindPort int

	SSHEnable         bool
	SSHBindHost       string
	SSHBindPort       int
	SSHUsername       string
	SSHPassword       string
	SSHAuthorizedKeys string
	SSHMaxSessions    int

	ElasticsearchHosts []string

	// Extra carries every key not recognised above, forwarded verbatim to
	// the disciplining engine, which owns its own option namespace.
	Extra map[string]string
}

// LoadConfig reads, parses, validates and defaults a configuration file.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, rbderr.New(rbderr.Config, "LoadConfig", "config path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, rbderr.Wrap(rbderr.Config, "LoadConfig", err)
	}

	return LoadConfigFromBytes(data)
}

// LoadConfigFromBytes parses, validates and defaults configuration content.
func LoadConfigFromBytes(data []byte) (*Config, error) {
	raw, err := parseKeyValue(data)
	if err != nil {
		return nil, err
	}

	cfg := &Config{Extra: map[string]string{}}
	if err := populate(cfg, raw); err != nil {
		return nil, err
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	setDefaults(cfg)

	return cfg, nil
}

// parseKeyValue scans a whole-file buffer of `key=value` lines, skipping
// blank lines and lines whose first non-whitespace rune is '#'. Grounded
// on original_source/common/config.c's argz_create_sep('\n') + strip of
// entries beginning with '#'.
func parseKeyValue(data []byte) (map[string]string, error) {
	out := map[string]string{}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			return nil, rbderr.New(rbderr.Config, "parseKeyValue", "line %d: missing '=' in %q", lineNo, line)
		}

		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if key == "" {
			return nil, rbderr.New(rbderr.Config, "parseKeyValue", "line %d: empty key", lineNo)
		}
		out[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, rbderr.Wrap(rbderr.Config, "parseKeyValue", err)
	}

	return out, nil
}

var coreKeys = map[string]bool{
	"oscillator": true, "disciplining": true, "monitoring": true,
	"ptp-clock": true, "pps-device": true, "opposite-phase-error": true,
	"debug": true, "gnss-device": true, "gnss-baud": true,
	"oscillator-device": true, "oscillator-baud": true,
	"eeprom-dsc-config-path": true, "eeprom-temp-table-path": true,
	"http-enable": true, "http-bind-host": true, "http-bind-port": true,
	"ssh-enable": true, "ssh-bind-host": true, "ssh-bind-port": true,
	"ssh-username": true, "ssh-password": true,
	"ssh-authorized-keys": true, "ssh-max-sessions": true,
	"elasticsearch-hosts": true,
}

func populate(cfg *Config, raw map[string]string) error {
	var err error

	cfg.Oscillator = raw["oscillator"]
	if cfg.Disciplining, err = getBoolDefault(raw, "disciplining", false); err != nil {
		return err
	}
	if cfg.Monitoring, err = getBoolDefault(raw, "monitoring", false); err != nil {
		return err
	}
	cfg.PTPClock = raw["ptp-clock"]
	cfg.PPSDevice = raw["pps-device"]
	if cfg.OppositePhaseError, err = getBoolDefault(raw, "opposite-phase-error", false); err != nil {
		return err
	}
	if cfg.Debug, err = getIntDefault(raw, "debug", 0); err != nil {
		return err
	}

	cfg.GNSSDevice = raw["gnss-device"]
	if cfg.GNSSBaud, err = getIntDefault(raw, "gnss-baud", 0); err != nil {
		return err
	}

	cfg.OscillatorDevice = raw["oscillator-device"]
	if cfg.OscillatorBaud, err = getIntDefault(raw, "oscillator-baud", 0); err != nil {
		return err
	}

	cfg.EEPROMDscConfigPath = raw["eeprom-dsc-config-path"]
	cfg.EEPROMTempTablePath = raw["eeprom-temp-table-path"]

	if cfg.HTTPEnable, err = getBoolDefault(raw, "http-enable", false); err != nil {
		return err
	}
	cfg.HTTPBindHost = raw["http-bind-host"]
	if cfg.HTTPBindPort, err = getIntDefault(raw, "http-bind-port", 0); err != nil {
		return err
	}

	if cfg.SSHEnable, err = getBoolDefault(raw, "ssh-enable", false); err != nil {
		return err
	}
	cfg.SSHBindHost = raw["ssh-bind-host"]
	if cfg.SSHBindPort, err = getIntDefault(raw, "ssh-bind-port", 0); err != nil {
		return err
	}
	cfg.SSHUsername = raw["ssh-username"]
	cfg.SSHPassword = raw["ssh-password"]
	cfg.SSHAuthorizedKeys = raw["ssh-authorized-keys"]
	if cfg.SSHMaxSessions, err = getIntDefault(raw, "ssh-max-sessions", 4); err != nil {
		return err
	}

	if hosts, ok := raw["elasticsearch-hosts"]; ok && hosts != "" {
		cfg.ElasticsearchHosts = strings.Split(hosts, ",")
		for i := range cfg.ElasticsearchHosts {
			cfg.ElasticsearchHosts[i] = strings.TrimSpace(cfg.ElasticsearchHosts[i])
		}
	}

	for k, v := range raw {
		if !coreKeys[k] {
			cfg.Extra[k] = v
		}
	}

	return nil
}

func getBoolDefault(raw map[string]string, key string, def bool) (bool, error) {
	v, ok := raw[key]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, rbderr.New(rbderr.Config, "getBoolDefault", "%s: invalid bool %q", key, v)
	}
	return b, nil
}

func getIntDefault(raw map[string]string, key string, def int) (int, error) {
	v, ok := raw[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, rbderr.New(rbderr.Config, "getIntDefault", "%s: invalid int %q", key, v)
	}
	return n, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Oscillator == "" {
		return rbderr.New(rbderr.Config, "validateConfig", "oscillator key is required")
	}

	if cfg.Disciplining && cfg.PTPClock == "" {
		return rbderr.New(rbderr.Config, "validateConfig", "ptp-clock is required when disciplining=true")
	}

	if cfg.HTTPEnable && (cfg.HTTPBindPort <= 0 || cfg.HTTPBindPort > 65535) {
		return rbderr.New(rbderr.Config, "validateConfig", "http-bind-port must be between 1 and 65535")
	}

	if cfg.SSHEnable && (cfg.SSHBindPort <= 0 || cfg.SSHBindPort > 65535) {
		return rbderr.New(rbderr.Config, "validateConfig", "ssh-bind-port must be between 1 and 65535")
	}

	return nil
}

func setDefaults(cfg *Config) {
	if cfg.PTPClock == "" {
		cfg.PTPClock = "/dev/ptp0"
	}

	if cfg.HTTPEnable && cfg.HTTPBindPort == 0 {
		cfg.HTTPBindPort = 8088
	}
	if cfg.HTTPEnable && cfg.HTTPBindHost == "" {
		cfg.HTTPBindHost = "127.0.0.1"
	}

	if cfg.SSHEnable && cfg.SSHBindPort == 0 {
		cfg.SSHBindPort = 65129
	}
	if cfg.SSHEnable && cfg.SSHBindHost == "" {
		cfg.SSHBindHost = "127.0.0.1"
	}
	if cfg.SSHEnable && cfg.SSHUsername == "" {
		cfg.SSHUsername = "admin"
	}

	if len(cfg.ElasticsearchHosts) == 0 {
		cfg.ElasticsearchHosts = []string{"localhost:9200"}
	}

	if cfg.GNSSBaud == 0 {
		cfg.GNSSBaud = 9600
	}
	if cfg.OscillatorBaud == 0 {
		cfg.OscillatorBaud = 57600
	}
}

// EngineOption reads one of the engine's own configuration keys,
// forwarded verbatim through Extra.
func (c *Config) EngineOption(key string) (string, bool) {
	v, ok := c.Extra[key]
	return v, ok
}

// EngineOptionInt parses an engine option as an integer, applying def
// when the key is absent.
func (c *Config) EngineOptionInt(key string, def int) (int, error) {
	v, ok := c.Extra[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("engine option %s: invalid int %q", key, v)
	}
	return n, nil
}

// EngineOptionBool parses an engine option as a bool, applying def when
// the key is absent.
func (c *Config) EngineOptionBool(key string, def bool) (bool, error) {
	v, ok := c.Extra[key]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("engine option %s: invalid bool %q", key, v)
	}
	return b, nil
}
