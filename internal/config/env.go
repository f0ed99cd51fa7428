package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override, e.g. KOALA_LOG_LEVEL.
const EnvPrefix = "KOALA"

// env lists the environment overrides. Unset variables leave the pointer
// nil so the file value survives.
type env struct {
	LogLevel        *string        `envconfig:"LOG_LEVEL"`
	LogFormat       *string        `envconfig:"LOG_FORMAT"`
	LogFile         *string        `envconfig:"LOG_FILE"`
	ProxyType       *string        `envconfig:"PROXY_TYPE"`
	ProxyHost       *string        `envconfig:"PROXY_HOST"`
	ProxyPort       *int           `envconfig:"PROXY_PORT"`
	UserAgent       *string        `envconfig:"USER_AGENT"`
	RequestTimeout  *time.Duration `envconfig:"REQUEST_TIMEOUT"`
	ScriptTimeLimit *time.Duration `envconfig:"SCRIPT_TIME_LIMIT"`
	MetricsAddr     *string        `envconfig:"METRICS_ADDR"`
}

// ApplyEnv overrides c with any KOALA_* environment variables.
func (c *Config) ApplyEnv() error {
	var e env
	if err := envconfig.Process(EnvPrefix, &e); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	set(&c.Log.Level, e.LogLevel)
	set(&c.Log.Format, e.LogFormat)
	set(&c.Log.File, e.LogFile)
	set(&c.Proxy.Type, e.ProxyType)
	set(&c.Proxy.Host, e.ProxyHost)
	set(&c.Proxy.Port, e.ProxyPort)
	set(&c.Sandbox.UserAgent, e.UserAgent)
	set(&c.Sandbox.RequestTimeout, e.RequestTimeout)
	set(&c.Sandbox.ScriptTimeLimit, e.ScriptTimeLimit)
	set(&c.Metrics.Addr, e.MetricsAddr)
	return nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
