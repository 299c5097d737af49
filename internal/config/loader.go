package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Identity names the application for config file and environment lookup.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the identity used when none has been set.
func DefaultIdentity() *Identity {
	return &Identity{BinaryName: "annoflow", EnvPrefix: "ANNOFLOW_", ConfigName: "annoflow"}
}

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
	configFile  string
)

// envSpec maps an environment variable to a config path.
type envSpec struct {
	Name string
	Path string
}

// shortEnv lists the short environment names accepted in addition to the
// automatic PREFIX_SECTION_KEY form.
var shortEnv = []struct{ suffix, path string }{
	{"HOST", "server.host"},
	{"PORT", "server.port"},
	{"READ_TIMEOUT", "server.read_timeout"},
	{"WRITE_TIMEOUT", "server.write_timeout"},
	{"IDLE_TIMEOUT", "server.idle_timeout"},
	{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
	{"LOG_LEVEL", "logging.level"},
	{"LOG_PROFILE", "logging.profile"},
	{"HEALTH_ENABLED", "health.enabled"},
	{"WORKERS", "workers"},
	{"AWS_REGION", "aws.region"},
	{"AWS_PROFILE", "aws.profile"},
	{"AWS_ENDPOINT", "aws.endpoint"},
	{"RECORDS_TABLE", "records.table"},
	{"RESULTS_BUCKET", "results.bucket"},
	{"VAULT", "vault.name"},
	{"WORK_ROOT", "dispatch.work_root"},
	{"ANNOTATOR", "dispatch.command"},
	{"PROFILES_DSN", "profiles.dsn"},
	{"REDIS_ADDR", "profiles.cache.addr"},
}

// SetIdentity replaces the application identity.
func SetIdentity(id *Identity) {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = id
}

// SetConfigFile selects an explicit config file for subsequent loads. An
// empty path restores the default search.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// Load builds the configuration. Precedence, highest first: overrides,
// environment, config file, defaults. The result is validated and becomes
// the value returned by GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	if appIdentity == nil {
		appIdentity = DefaultIdentity()
	}
	explicit := configFile
	configMu.Unlock()

	loadDotEnv()

	v := viper.New()
	setDefaults(v)

	if err := readConfigFile(v, explicit); err != nil {
		return nil, err
	}

	prefix := strings.TrimSuffix(currentIdentity().EnvPrefix, "_")
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Logging.Profile = strings.ToUpper(cfg.Logging.Profile)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func currentIdentity() *Identity {
	configMu.RLock()
	defer configMu.RUnlock()
	if appIdentity == nil {
		return DefaultIdentity()
	}
	return appIdentity
}

func setDefaults(v *viper.Viper) {
	dataDir := gfconfig.GetAppDataDir(currentIdentity().ConfigName)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("health.enabled", true)
	v.SetDefault("workers", 1)

	v.SetDefault("aws.region", "")
	v.SetDefault("aws.profile", "")
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("aws.access_key_id", "")
	v.SetDefault("aws.secret_access_key", "")

	v.SetDefault("records.backend", RecordsDynamoDB)
	v.SetDefault("records.table", "annotations")
	v.SetDefault("records.user_index", "user_id_index")
	v.SetDefault("records.path", filepath.Join(dataDir, "records.db"))

	v.SetDefault("hot.scheme", HotS3)
	v.SetDefault("hot.root", "")
	v.SetDefault("hot.force_path_style", false)

	v.SetDefault("results.bucket", "")
	v.SetDefault("results.prefix", "annotated")
	v.SetDefault("results.result_pattern", "")
	v.SetDefault("results.log_pattern", "")

	for _, q := range []string{"dispatch", "archive", "restore", "thaw"} {
		v.SetDefault("queues."+q, "")
	}
	for _, t := range []string{"requests", "completed", "archive", "restore", "thaw"} {
		v.SetDefault("topics."+t, "")
	}

	v.SetDefault("vault.name", "")
	v.SetDefault("vault.account_id", "")

	v.SetDefault("profiles.backend", ProfilesStatic)
	v.SetDefault("profiles.dsn", "")
	v.SetDefault("profiles.table", "profiles")
	v.SetDefault("profiles.max_conns", 4)
	v.SetDefault("profiles.default", "free")
	v.SetDefault("profiles.cache.enabled", false)
	v.SetDefault("profiles.cache.addr", "localhost:6379")
	v.SetDefault("profiles.cache.password", "")
	v.SetDefault("profiles.cache.db", 0)
	v.SetDefault("profiles.cache.ttl", "5m")

	v.SetDefault("dispatch.work_root", filepath.Join(dataDir, "jobs"))
	v.SetDefault("dispatch.command", []string{})
	v.SetDefault("dispatch.stale_claim_after", "10m")

	v.SetDefault("poll.batch_size", 10)
	v.SetDefault("poll.wait_time", "20s")
	v.SetDefault("poll.escalation_delay", "15m")
	v.SetDefault("poll.retry_delay", "0s")
	v.SetDefault("poll.receive_rate", 0)
	v.SetDefault("poll.max_receive_failures", 5)
	v.SetDefault("poll.receive_backoff", "1s")

	v.SetDefault("archive.free_retention", "5m")
	v.SetDefault("archive.retry_buffer_max_memory_bytes", 0)

	v.SetDefault("thaw.poll_interval", "5m")
}

func readConfigFile(v *viper.Viper, explicit string) error {
	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", explicit, err)
		}
		return nil
	}

	v.SetConfigName(currentIdentity().ConfigName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	for _, dir := range getUserConfigPaths() {
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// getUserConfigPaths returns the per-user config directories, most specific
// first.
func getUserConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []string{}
	}

	var paths []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, id.BinaryName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", id.BinaryName))
	}
	return paths
}

func getEnvSpecs() []envSpec {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []envSpec{}
	}

	specs := make([]envSpec, 0, len(shortEnv))
	for _, s := range shortEnv {
		specs = append(specs, envSpec{Name: id.EnvPrefix + s.suffix, Path: s.path})
	}
	return specs
}

// loadDotEnv loads .env from the working directory and the project root.
// Variables already set in the environment win.
func loadDotEnv() {
	candidates := []string{".env"}
	if root, err := findProjectRoot(); err == nil {
		candidates = append(candidates, filepath.Join(root, ".env"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		_ = godotenv.Load(path)
	}
}

// findProjectRoot walks up from the working directory to the nearest
// directory holding go.mod or .git. Without one the working directory is
// returned.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for dir := cwd; ; {
		for _, marker := range []string{"go.mod", ".git"} {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return cwd, nil
		}
		dir = parent
	}
}

func flatten(prefix string, in map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
