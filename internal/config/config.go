package config

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultLogLevel        = "warn"
	DefaultLogFormat       = "console"
	DefaultUserAgent       = "koala"
	DefaultRequestTimeout  = 30 * time.Second
	DefaultScriptTimeLimit = 10 * time.Second
)

// Config represents the application configuration.
type Config struct {
	Log     LogConfig
	Proxy   ProxyConfig
	Sandbox SandboxConfig
	Metrics MetricsConfig
	// Warnings contains any warnings generated during config loading
	Warnings []string
}

// LogConfig is the [log] section.
type LogConfig struct {
	// Level is a zap level name.
	Level string
	// Format is "console" or "json".
	Format string
	// File receives log output instead of stderr when set.
	File string
	// Development enables zap's development mode.
	Development bool
}

// ProxyConfig is the [proxy] section. An empty Host disables the proxy.
type ProxyConfig struct {
	// Type is "http" or "socks5".
	Type string
	Host string
	Port int
}

// Enabled reports whether a proxy is configured.
func (p ProxyConfig) Enabled() bool {
	return p.Host != ""
}

// SandboxConfig is the [sandbox] section.
type SandboxConfig struct {
	UserAgent       string
	RequestTimeout  time.Duration
	ScriptTimeLimit time.Duration
}

// MetricsConfig is the [metrics] section. An empty Addr disables the
// listener.
type MetricsConfig struct {
	Addr string
}

// NewConfig creates a configuration holding the defaults.
func NewConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Proxy: ProxyConfig{Type: "http"},
		Sandbox: SandboxConfig{
			UserAgent:       DefaultUserAgent,
			RequestTimeout:  DefaultRequestTimeout,
			ScriptTimeLimit: DefaultScriptTimeLimit,
		},
		Warnings: make([]string, 0),
	}
}

// Load loads configuration from the default config file path.
func Load() (*Config, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return nil, fmt.Errorf("failed to get config path: %w", err)
	}

	return LoadFromPath(configPath)
}

// LoadFromPath loads configuration from the specified file path. A missing
// file yields the defaults. Symlinks are rejected.
func LoadFromPath(path string) (*Config, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewConfig(), nil
		}
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	if fi.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("symlink not allowed in config path: %s", path)
	}

	file, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	return LoadFromReader(file)
}

// LoadFromReader loads configuration from an io.Reader.
//
// The format is line based: "optionName value", "[section]" headers, and
// "#" comments. Unknown sections and options produce warnings; malformed
// values of known options are errors.
func LoadFromReader(r io.Reader) (*Config, error) {
	config := NewConfig()
	scanner := bufio.NewScanner(r)

	var section string
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSpace(strings.Trim(line, "[]"))
			switch section {
			case "log", "proxy", "sandbox", "metrics":
			default:
				config.addWarning("line %d: unknown section [%s]", lineNo, section)
			}
			continue
		}

		name, value, _ := strings.Cut(line, " ")
		value = strings.TrimSpace(value)

		var err error
		switch section {
		case "":
			config.addWarning("line %d: option %q outside of a section", lineNo, name)
		case "log":
			err = parseLogOption(&config.Log, name, value)
		case "proxy":
			err = parseProxyOption(&config.Proxy, name, value)
		case "sandbox":
			err = parseSandboxOption(&config.Sandbox, name, value)
		case "metrics":
			err = parseMetricsOption(&config.Metrics, name, value)
		default:
			continue
		}
		if err == errUnknownOption {
			config.addWarning("line %d: unknown option %q in [%s]", lineNo, name, section)
		} else if err != nil {
			return nil, fmt.Errorf("invalid %s option %q: %w", section, name, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config: %w", err)
	}

	return config, nil
}

// addWarning adds a warning to the config's warnings list.
func (c *Config) addWarning(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

// Validate checks values that may come from any source.
func (c *Config) Validate() error {
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log format must be console or json, got %q", c.Log.Format)
	}
	if c.Proxy.Enabled() {
		switch c.Proxy.Type {
		case "http", "socks5":
		default:
			return fmt.Errorf("proxy type must be http or socks5, got %q", c.Proxy.Type)
		}
		if c.Proxy.Port <= 0 || c.Proxy.Port > 65535 {
			return fmt.Errorf("proxy port out of range: %d", c.Proxy.Port)
		}
	}
	if c.Sandbox.RequestTimeout < 0 || c.Sandbox.ScriptTimeLimit < 0 {
		return fmt.Errorf("sandbox durations cannot be negative")
	}
	return nil
}

var errUnknownOption = fmt.Errorf("unknown option")

func parseLogOption(lc *LogConfig, name, value string) error {
	switch name {
	case "level":
		lc.Level = strings.ToLower(value)
	case "format":
		lc.Format = strings.ToLower(value)
	case "file":
		lc.File = value
	case "development":
		dev, err := parseBool(value)
		if err != nil {
			return err
		}
		lc.Development = dev
	default:
		return errUnknownOption
	}
	return nil
}

func parseProxyOption(pc *ProxyConfig, name, value string) error {
	switch name {
	case "type":
		pc.Type = strings.ToLower(value)
	case "host":
		pc.Host = value
	case "port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value %q: %w", value, err)
		}
		pc.Port = port
	default:
		return errUnknownOption
	}
	return nil
}

func parseSandboxOption(sc *SandboxConfig, name, value string) error {
	switch name {
	case "user-agent":
		sc.UserAgent = value
	case "request-timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		sc.RequestTimeout = d
	case "script-time-limit":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		sc.ScriptTimeLimit = d
	default:
		return errUnknownOption
	}
	return nil
}

func parseMetricsOption(mc *MetricsConfig, name, value string) error {
	switch name {
	case "addr":
		mc.Addr = value
	default:
		return errUnknownOption
	}
	return nil
}

// parseBool parses a boolean value from string.
// Accepts: true, false, 1, 0, yes, no, on, off (case-insensitive)
func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value: %s", s)
	}
}

// ParseProxy parses a proxy given as "type://host:port" or "host:port"
// (http).
func ParseProxy(s string) (ProxyConfig, error) {
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return ProxyConfig{}, err
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return ProxyConfig{}, fmt.Errorf("proxy %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return ProxyConfig{}, fmt.Errorf("proxy port %q: %w", portStr, err)
	}
	typ := strings.ToLower(u.Scheme)
	if typ == "socks5h" {
		typ = "socks5"
	}
	return ProxyConfig{Type: typ, Host: host, Port: port}, nil
}
