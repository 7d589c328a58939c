// Package config loads and hot-reloads sqlrelay's YAML configuration.
package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"runtime"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for sqlrelay.
type Config struct {
	Listen     ListenConfig            `yaml:"listen"`
	Workers    int                     `yaml:"workers"`
	Classifier ClassifierConfig        `yaml:"classifier"`
	Routing    RoutingConfig           `yaml:"routing"`
	Logging    LoggingConfig           `yaml:"logging"`
	Backends   map[string]BackendConfig `yaml:"backends"`
	Accounts   map[string]string       `yaml:"accounts"`
}

// ListenConfig defines the ports and bind addresses sqlrelay listens on.
type ListenConfig struct {
	MySQLBind string `yaml:"mysql_bind"`
	MySQLPort int    `yaml:"mysql_port"`
	APIBind   string `yaml:"api_bind"`
	APIPort   int    `yaml:"api_port"`
	TLSCert   string `yaml:"tls_cert"`
	TLSKey    string `yaml:"tls_key"`
}

// TLSEnabled returns true if both TLS cert and key paths are configured.
func (lc ListenConfig) TLSEnabled() bool {
	return lc.TLSCert != "" && lc.TLSKey != ""
}

// ClassifierConfig controls the per-worker canonicalized-SQL cache (spec §4.3).
type ClassifierConfig struct {
	// CacheSizeBytes is the global cache target; an explicit 0 disables
	// caching entirely, so this is a pointer to distinguish "unset" (apply
	// the default) from "explicitly zero" (disable the cache).
	CacheSizeBytes *int64 `yaml:"cache_size_bytes"`
}

// EffectiveCacheSizeBytes returns the configured cache size, defaulting to
// 16MiB when unset. An explicit 0 means caching is disabled.
func (c ClassifierConfig) EffectiveCacheSizeBytes() int64 {
	if c.CacheSizeBytes == nil {
		return 16 * 1024 * 1024
	}
	return *c.CacheSizeBytes
}

// UseSQLVariablesIn selects which targets user-variable reads may be routed to.
type UseSQLVariablesIn string

const (
	UseSQLVariablesMaster UseSQLVariablesIn = "master"
	UseSQLVariablesAll    UseSQLVariablesIn = "all"
)

// RoutingConfig controls the read/write routing state machine (spec §4.4).
type RoutingConfig struct {
	UseSQLVariablesIn       UseSQLVariablesIn `yaml:"use_sql_variables_in"`
	MultiStatementsAllowed  bool              `yaml:"multi_statements_allowed"`
	MaxSlaveReplicationLag  int               `yaml:"max_slave_replication_lag"`
	RetryBudget             int               `yaml:"retry_budget"`
	StatementRetentionDepth int               `yaml:"statement_retention_depth"`
	HintsEnabled            bool              `yaml:"hints_enabled"`
	MaxRowsPerQuery         int               `yaml:"max_rows_per_query"`
}

// LoggingConfig controls deduplicated warning suppression (spec §7).
type LoggingConfig struct {
	Level              string `yaml:"level"`
	SuppressThreshold  int    `yaml:"suppress_threshold"`
	SuppressWindowSecs int    `yaml:"suppress_window_seconds"`
}

// BackendConfig describes one backend MySQL/MariaDB server.
type BackendConfig struct {
	Address string `yaml:"address"`
	Role    string `yaml:"role"` // "master" or "slave"
}

// applyDefaults fills in zero-valued fields with sqlrelay's defaults.
func applyDefaults(cfg *Config) {
	if cfg.Listen.MySQLBind == "" {
		cfg.Listen.MySQLBind = "0.0.0.0"
	}
	if cfg.Listen.MySQLPort == 0 {
		cfg.Listen.MySQLPort = 4406
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Workers == 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Routing.UseSQLVariablesIn == "" {
		cfg.Routing.UseSQLVariablesIn = UseSQLVariablesMaster
	}
	if cfg.Routing.RetryBudget == 0 {
		cfg.Routing.RetryBudget = 1
	}
	if cfg.Routing.StatementRetentionDepth == 0 {
		cfg.Routing.StatementRetentionDepth = 20
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.SuppressThreshold == 0 {
		cfg.Logging.SuppressThreshold = 5
	}
	if cfg.Logging.SuppressWindowSecs == 0 {
		cfg.Logging.SuppressWindowSecs = 60
	}
}

func validate(cfg *Config) error {
	if cfg.Classifier.CacheSizeBytes != nil && *cfg.Classifier.CacheSizeBytes < 0 {
		return fmt.Errorf("classifier.cache_size_bytes must be >= 0")
	}
	if cfg.Routing.UseSQLVariablesIn != "" &&
		cfg.Routing.UseSQLVariablesIn != UseSQLVariablesMaster &&
		cfg.Routing.UseSQLVariablesIn != UseSQLVariablesAll {
		return fmt.Errorf("routing.use_sql_variables_in must be %q or %q, got %q",
			UseSQLVariablesMaster, UseSQLVariablesAll, cfg.Routing.UseSQLVariablesIn)
	}
	masters := 0
	for name, b := range cfg.Backends {
		if b.Address == "" {
			return fmt.Errorf("backend %q: address is required", name)
		}
		switch b.Role {
		case "master":
			masters++
		case "slave":
		default:
			return fmt.Errorf("backend %q: role must be \"master\" or \"slave\", got %q", name, b.Role)
		}
	}
	if len(cfg.Backends) > 0 && masters != 1 {
		return fmt.Errorf("exactly one backend must have role \"master\" (found %d)", masters)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher with a 500ms write-debounce.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
