package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/nulzo/relay/internal/core/domain"
	"github.com/spf13/viper"
)

// Config is the fully merged effective configuration.
type Config struct {
	Version string `mapstructure:"version"`

	RunDir     string `mapstructure:"run_dir"`
	LedgerPath string `mapstructure:"ledger_path"`

	SecretEnvAllowlist []string `mapstructure:"secret_env_allowlist"`
	SecretPaths        []string `mapstructure:"secret_paths"`

	Providers map[string]domain.ProviderConfig `mapstructure:"providers"`
	Aliases   map[string]string                `mapstructure:"aliases"`
	Agents    map[string]domain.AgentBinding   `mapstructure:"agents"`

	Routing   RoutingConfig   `mapstructure:"routing"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Metering  MeteringConfig  `mapstructure:"metering"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Server    ServerConfig    `mapstructure:"server"`
	Analytics AnalyticsConfig `mapstructure:"analytics"`

	// ModelOverride forces every invocation onto one alias/model.
	ModelOverride string `mapstructure:"-"`

	// ProjectRoot anchors relative paths and secret directories.
	ProjectRoot string `mapstructure:"-"`

	// Sources maps dotted config keys to the layer that supplied them.
	Sources map[string]string `mapstructure:"-"`
}

type RoutingConfig struct {
	Fallback       map[string][]string `mapstructure:"fallback"`
	Downgrade      map[string][]string `mapstructure:"downgrade"`
	CircuitBreaker BreakerConfig       `mapstructure:"circuit_breaker"`
	MaxAliasDepth  int                 `mapstructure:"max_alias_depth"`
}

type BreakerConfig struct {
	FailureThreshold  int `mapstructure:"failure_threshold" validate:"min=1"`
	ResetTimeoutSec   int `mapstructure:"reset_timeout_seconds" validate:"min=1"`
	HalfOpenMaxProbes int `mapstructure:"half_open_max_probes" validate:"min=1"`
	CountWindowSec    int `mapstructure:"count_window_seconds" validate:"min=1"`
}

type RetryConfig struct {
	MaxRetries          int     `mapstructure:"max_retries" validate:"min=0"`
	MaxTotalAttempts    int     `mapstructure:"max_total_attempts" validate:"min=1"`
	MaxProviderSwitches int     `mapstructure:"max_provider_switches" validate:"min=0"`
	BaseDelaySec        float64 `mapstructure:"base_delay_seconds"`
}

type BudgetConfig struct {
	DailyMicroUSD int64  `mapstructure:"daily_micro_usd" validate:"min=0"`
	WarnAtPercent int    `mapstructure:"warn_at_percent" validate:"min=0,max=100"`
	OnExceeded    string `mapstructure:"on_exceeded" validate:"oneof=block downgrade warn"`
}

type MeteringConfig struct {
	Enabled bool         `mapstructure:"enabled"`
	Budget  BudgetConfig `mapstructure:"budget"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type AnalyticsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

// Overrides are explicit caller settings, the highest-precedence layer.
type Overrides struct {
	Model           string
	RunDir          string
	LedgerPath      string
	DailyMicroUSD   int64
	MeteringEnabled *bool
}

// Layer names recorded in Config.Sources.
const (
	SourceDefaults = "defaults"
	SourceProject  = "project_config"
	SourceEnv      = "env_override"
	SourceCaller   = "caller_override"
)

func defaults() map[string]any {
	return map[string]any{
		"version":     "1",
		"run_dir":     ".relay/run",
		"ledger_path": ".relay/ledger/usage.jsonl",

		"routing.max_alias_depth":                       10,
		"routing.circuit_breaker.failure_threshold":     5,
		"routing.circuit_breaker.reset_timeout_seconds": 60,
		"routing.circuit_breaker.half_open_max_probes":  1,
		"routing.circuit_breaker.count_window_seconds":  300,

		"retry.max_retries":           3,
		"retry.max_total_attempts":    6,
		"retry.max_provider_switches": 2,
		"retry.base_delay_seconds":    1.0,

		"metering.enabled":                true,
		"metering.budget.daily_micro_usd": int64(500_000_000),
		"metering.budget.warn_at_percent": 80,
		"metering.budget.on_exceeded":     "downgrade",

		"redis.enabled": false,
		"redis.addr":    "localhost:6379",
		"redis.db":      0,

		"server.enabled": false,
		"server.addr":    "127.0.0.1:7177",

		"analytics.enabled": false,
		"analytics.dsn":     "file:.relay/analytics.db?cache=shared&mode=rwc&_journal_mode=WAL&_busy_timeout=5000",
	}
}

// configFileName is the project config searched for in the project root.
const configFileName = "relay"

// FindProjectRoot walks up from dir looking for relay.yaml or .relay.d/.
func FindProjectRoot(dir string) string {
	if dir == "" {
		dir, _ = os.Getwd()
	}
	for d := dir; ; d = filepath.Dir(d) {
		if _, err := os.Stat(filepath.Join(d, configFileName+".yaml")); err == nil {
			return d
		}
		if info, err := os.Stat(filepath.Join(d, secretDirName)); err == nil && info.IsDir() {
			return d
		}
		if filepath.Dir(d) == d {
			return dir
		}
	}
}

// Load merges the four configuration layers (defaults < project config <
// environment < caller overrides), resolves eager secret substitution,
// defers provider auth resolution, and validates the result. Validation
// failures are fatal here so they can never surface mid-call.
func Load(projectRoot string, overrides *Overrides) (*Config, error) {
	if projectRoot == "" {
		projectRoot = FindProjectRoot("")
	}

	v := viper.New()
	for key, val := range defaults() {
		v.SetDefault(key, val)
	}

	v.SetConfigName(configFileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(projectRoot)

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, domain.ConfigError("error reading config file: %v", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		secretDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, domain.ConfigError("unable to decode configuration: %v", err)
	}
	cfg.ProjectRoot = projectRoot
	cfg.Sources = layerSources(v, projectRoot)

	applyOverrides(&cfg, overrides)

	interp, err := NewInterpolator(projectRoot, cfg.SecretEnvAllowlist, cfg.SecretPaths)
	if err != nil {
		return nil, err
	}
	if err := resolveSecrets(&cfg, interp); err != nil {
		return nil, err
	}

	for name, binding := range cfg.Agents {
		binding.Agent = name
		cfg.Agents[name] = binding
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// secretDecodeHook turns auth strings into domain.Secret values during
// unmarshal. Deferred wrapping with provider context happens afterwards
// in resolveSecrets, once provider names are known.
func secretDecodeHook() mapstructure.DecodeHookFuncType {
	secretType := reflect.TypeOf((*domain.Secret)(nil)).Elem()
	return func(from, to reflect.Type, data any) (any, error) {
		if to != secretType || from.Kind() != reflect.String {
			return data, nil
		}
		return domain.PlainSecret(data.(string)), nil
	}
}

// resolveSecrets applies the lazy/eager split: provider auth fields with
// substitution tokens become deferred refs; every other field with a token
// (endpoints, redis password) resolves now, so misconfiguration of an
// unrelated provider's auth never blocks a different one.
func resolveSecrets(cfg *Config, interp *Interpolator) error {
	for name, p := range cfg.Providers {
		p.Name = name
		if p.Auth != nil {
			raw, _ := p.Auth.Value()
			if HasToken(raw) {
				p.Auth = NewSecretRef(raw, name, interp)
			}
		}
		if HasToken(p.Endpoint) {
			resolved, err := interp.Interpolate(p.Endpoint)
			if err != nil {
				return domain.ConfigError("endpoint resolution failed for provider '%s': %v", name, err)
			}
			p.Endpoint = resolved
		}
		cfg.Providers[name] = p
	}
	if HasToken(cfg.Redis.Password) {
		resolved, err := interp.Interpolate(cfg.Redis.Password)
		if err != nil {
			return domain.ConfigError("redis password resolution failed: %v", err)
		}
		cfg.Redis.Password = resolved
	}
	return nil
}

func applyOverrides(cfg *Config, o *Overrides) {
	if o == nil {
		return
	}
	if o.Model != "" {
		cfg.ModelOverride = o.Model
		cfg.Sources["model_override"] = SourceCaller
	}
	if o.RunDir != "" {
		cfg.RunDir = o.RunDir
		cfg.Sources["run_dir"] = SourceCaller
	}
	if o.LedgerPath != "" {
		cfg.LedgerPath = o.LedgerPath
		cfg.Sources["ledger_path"] = SourceCaller
	}
	if o.DailyMicroUSD > 0 {
		cfg.Metering.Budget.DailyMicroUSD = o.DailyMicroUSD
		cfg.Sources["metering.budget.daily_micro_usd"] = SourceCaller
	}
	if o.MeteringEnabled != nil {
		cfg.Metering.Enabled = *o.MeteringEnabled
		cfg.Sources["metering.enabled"] = SourceCaller
	}
}

// layerSources annotates each dotted key with the layer that supplied its
// value: defaults, then the project file, then any matching RELAY_* env var.
func layerSources(v *viper.Viper, projectRoot string) map[string]string {
	sources := make(map[string]string)
	for key := range defaults() {
		sources[key] = SourceDefaults
	}

	fileV := viper.New()
	fileV.SetConfigName(configFileName)
	fileV.SetConfigType("yaml")
	fileV.AddConfigPath(projectRoot)
	if err := fileV.ReadInConfig(); err == nil {
		for _, key := range flattenKeys(fileV.AllSettings(), "") {
			sources[key] = SourceProject
		}
	}

	for _, key := range flattenKeys(v.AllSettings(), "") {
		envName := "RELAY_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if _, ok := os.LookupEnv(envName); ok {
			sources[key] = SourceEnv
		}
	}
	return sources
}

func flattenKeys(m map[string]any, prefix string) []string {
	var keys []string
	for key, value := range m {
		full := key
		if prefix != "" {
			full = fmt.Sprintf("%s.%s", prefix, key)
		}
		keys = append(keys, full)
		if nested, ok := value.(map[string]any); ok {
			keys = append(keys, flattenKeys(nested, full)...)
		}
	}
	return keys
}

// RunPath resolves a run-dir relative path against the project root.
func (c *Config) RunPath() string {
	if filepath.IsAbs(c.RunDir) {
		return c.RunDir
	}
	return filepath.Join(c.ProjectRoot, c.RunDir)
}

// LedgerFile resolves the ledger path against the project root.
func (c *Config) LedgerFile() string {
	if filepath.IsAbs(c.LedgerPath) {
		return c.LedgerPath
	}
	return filepath.Join(c.ProjectRoot, c.LedgerPath)
}
