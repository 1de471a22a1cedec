// Package config loads jobtally configuration from defaults, an optional
// YAML file, JOBTALLY_* environment variables and runtime overrides, in
// increasing order of precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Identity names the binary and the files and variables the loader looks
// for.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

var defaultIdentity = Identity{
	BinaryName: "jobtally",
	EnvPrefix:  "JOBTALLY_",
	ConfigName: "jobtally",
}

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
	configFile  string
)

// envSpec maps one environment variable onto a config key path.
type envSpec struct {
	Name string
	Path string
}

// SetConfigFile pins an explicit config file. An empty path restores
// discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)

	v.SetDefault("store.path", DefaultStorePath())
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")
	v.SetDefault("store.busy_timeout", "5s")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.sweep_interval", "30s")
	v.SetDefault("scheduler.flush_interval", "5s")

	v.SetDefault("queue.max_batch", 500)

	v.SetDefault("ingest.rate_per_second", 0)
	v.SetDefault("ingest.burst", 100)
	v.SetDefault("ingest.max_line_bytes", 1<<20)
	v.SetDefault("ingest.strict", false)
	v.SetDefault("ingest.ack_wait", "10s")

	v.SetDefault("health.enabled", true)
}

// Load resolves configuration and stores it for GetConfig. Later overrides
// win over earlier ones; nested maps address dotted keys.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	if appIdentity == nil {
		id := defaultIdentity
		appIdentity = &id
	}
	explicit := configFile
	configMu.Unlock()

	v := viper.New()
	SetDefaults(v)

	if err := readConfigFile(v, explicit); err != nil {
		return nil, err
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	cfg := &Config{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Logging.Profile = strings.ToLower(cfg.Logging.Profile)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	configMu.Lock()
	appConfig = cfg
	configMu.Unlock()
	return cfg, nil
}

// GetIdentity returns the identity in use, or nil before the first Load.
func GetIdentity() *Identity {
	configMu.RLock()
	defer configMu.RUnlock()
	if appIdentity == nil {
		return nil
	}
	id := *appIdentity
	return &id
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func readConfigFile(v *viper.Viper, explicit string) error {
	v.SetConfigType("yaml")
	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", explicit, err)
		}
		return ValidateFile(explicit)
	}

	configMu.RLock()
	name := ""
	if appIdentity != nil {
		name = appIdentity.ConfigName
	}
	configMu.RUnlock()
	if name == "" {
		return nil
	}

	v.SetConfigName(name)
	if root, err := findProjectRoot(); err == nil {
		v.AddConfigPath(root)
	}
	for _, p := range getUserConfigPaths() {
		v.AddConfigPath(p)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return ValidateFile(v.ConfigFileUsed())
}

func getEnvSpecs() []envSpec {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []envSpec{}
	}

	p := id.EnvPrefix
	return []envSpec{
		{Name: p + "HOST", Path: "server.host"},
		{Name: p + "PORT", Path: "server.port"},
		{Name: p + "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: p + "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: p + "IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: p + "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_PROFILE", Path: "logging.profile"},
		{Name: p + "LOG_FILE", Path: "logging.file"},
		{Name: p + "STORE_PATH", Path: "store.path"},
		{Name: p + "STORE_URL", Path: "store.url"},
		{Name: p + "STORE_AUTH_TOKEN", Path: "store.auth_token"},
		{Name: p + "STORE_BUSY_TIMEOUT", Path: "store.busy_timeout"},
		{Name: p + "SCHEDULER_ENABLED", Path: "scheduler.enabled"},
		{Name: p + "SWEEP_INTERVAL", Path: "scheduler.sweep_interval"},
		{Name: p + "FLUSH_INTERVAL", Path: "scheduler.flush_interval"},
		{Name: p + "QUEUE_MAX_BATCH", Path: "queue.max_batch"},
		{Name: p + "INGEST_RATE", Path: "ingest.rate_per_second"},
		{Name: p + "INGEST_BURST", Path: "ingest.burst"},
		{Name: p + "INGEST_MAX_LINE_BYTES", Path: "ingest.max_line_bytes"},
		{Name: p + "INGEST_STRICT", Path: "ingest.strict"},
		{Name: p + "INGEST_ACK_WAIT", Path: "ingest.ack_wait"},
		{Name: p + "HEALTH_ENABLED", Path: "health.enabled"},
	}
}

func getUserConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []string{}
	}

	var paths []string
	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		paths = append(paths, filepath.Join(xdg, id.BinaryName))
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		paths = append(paths, filepath.Join(home, ".config", id.BinaryName))
	}
	return paths
}

// findProjectRoot walks up from the working directory to the nearest
// directory holding go.mod or a jobtally config file. In CI the workspace
// variables bound the search when they name an ancestor of the working
// directory.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	if isCI() {
		for _, env := range []string{"JOBTALLY_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"} {
			boundary := strings.TrimSpace(os.Getenv(env))
			if boundary == "" || !filepath.IsAbs(boundary) {
				continue
			}
			if info, err := os.Stat(boundary); err != nil || !info.IsDir() {
				continue
			}
			if rel, err := filepath.Rel(boundary, cwd); err != nil || strings.HasPrefix(rel, "..") {
				continue
			}
			if root, ok := walkUp(cwd, boundary); ok {
				return root, nil
			}
		}
	}

	if root, ok := walkUp(cwd, ""); ok {
		return root, nil
	}
	return cwd, nil
}

func walkUp(start, boundary string) (string, bool) {
	dir := start
	for {
		for _, marker := range []string{"go.mod", "jobtally.yaml", "jobtally.yml"} {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, true
			}
		}
		if boundary != "" && dir == filepath.Clean(boundary) {
			return "", false
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

func isCI() bool {
	return strings.EqualFold(os.Getenv("CI"), "true") || strings.EqualFold(os.Getenv("GITHUB_ACTIONS"), "true")
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
