package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all service configuration
type Config struct {
	// Server configuration
	ServerPort   string
	MaxClients   int
	ClientIdle   time.Duration
	PingInterval time.Duration
	JWTSecret    string

	// Command execution
	NavTimeout          time.Duration
	TargetTimeout       time.Duration
	TargetMaxRetries    int
	TargetRetryBackoff  time.Duration
	TokenAcquireTimeout time.Duration
	MaxQueuedCommands   int

	// Browser configuration
	ChromiumPath     string
	BrowserRemoteURL string
	BrowserHeadless  bool
	BrowserStealth   bool

	// Redis configuration
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SessionTTL    time.Duration

	// Snapshot configuration
	SnapshotDir          string
	SnapshotMaxBodyBytes int

	TraceStdout bool

	// Targets and static tenant credentials come from the optional YAML file only
	Targets []TargetConfig
	Tenants map[string]map[string]CredentialConfig
}

// CredentialConfig is a static username/password pair for one target.
// Used when Redis is disabled.
type CredentialConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// TargetConfig describes one config-driven portal target.
type TargetConfig struct {
	ID              string            `yaml:"id"`
	EntryURL        string            `yaml:"entry_url"`
	TokenStorageKey string            `yaml:"token_storage_key"`
	Origins         []string          `yaml:"origins"`
	Scripts         map[string]string `yaml:"scripts"`
	TokenURL        string            `yaml:"token_url"`
	ClientID        string            `yaml:"client_id"`
	Snapshot        string            `yaml:"snapshot"`
	Timeout         time.Duration     `yaml:"timeout"`
}

// fileConfig is the YAML overlay. Zero values leave the env-derived value untouched.
type fileConfig struct {
	ServerPort    string         `yaml:"server_port"`
	MaxClients    int            `yaml:"max_clients"`
	ClientIdle    time.Duration  `yaml:"client_idle"`
	PingInterval  time.Duration  `yaml:"ping_interval"`
	TargetTimeout time.Duration  `yaml:"target_timeout"`
	SnapshotDir   string         `yaml:"snapshot_dir"`
	SnapshotMax   int            `yaml:"snapshot_max_body_bytes"`
	Targets       []TargetConfig `yaml:"targets"`

	Tenants map[string]map[string]CredentialConfig `yaml:"tenants"`
}

func Load() (*Config, error) {
	chromiumPath, err := findChromium()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ServerPort:   getEnv("SERVER_PORT", "5000"),
		MaxClients:   getEnvAsInt("MAX_CLIENTS", 200),
		ClientIdle:   getEnvAsDuration("CLIENT_IDLE", 5*time.Minute),
		PingInterval: getEnvAsDuration("PING_INTERVAL", 20*time.Second),
		JWTSecret:    getEnv("JWT_SECRET", "dev-secret-please-change"),

		NavTimeout:          getEnvAsDuration("NAV_TIMEOUT", 45*time.Second),
		TargetTimeout:       getEnvAsDuration("TARGET_TIMEOUT", 60*time.Second),
		TargetMaxRetries:    getEnvAsInt("TARGET_MAX_RETRIES", 2),
		TargetRetryBackoff:  getEnvAsDuration("TARGET_RETRY_BACKOFF", 250*time.Millisecond),
		TokenAcquireTimeout: getEnvAsDuration("TOKEN_ACQUIRE_TIMEOUT", 60*time.Second),
		MaxQueuedCommands:   getEnvAsInt("MAX_QUEUED_COMMANDS", 64),

		ChromiumPath:     chromiumPath,
		BrowserRemoteURL: getEnv("BROWSER_REMOTE_URL", ""),
		BrowserHeadless:  getEnvAsBool("BROWSER_HEADLESS", true),
		BrowserStealth:   getEnvAsBool("BROWSER_STEALTH", true),

		// Redis defaults
		RedisEnabled:  getEnvAsBool("REDIS_ENABLED", true),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
		SessionTTL:    getEnvAsDuration("SESSION_TTL", 1*time.Hour),

		SnapshotDir:          getEnv("SNAPSHOT_DIR", "/dev/shm/portal-gateway/snapshots"),
		SnapshotMaxBodyBytes: getEnvAsInt("SNAPSHOT_MAX_BODY_BYTES", 5*1024*1024),

		TraceStdout: getEnvAsBool("TRACE_STDOUT", false),
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the invariants the rest of the service relies on.
func (c *Config) Validate() error {
	if c.MaxClients < 1 {
		return fmt.Errorf("MAX_CLIENTS must be at least 1, got %d", c.MaxClients)
	}
	if c.ClientIdle <= 0 || c.PingInterval <= 0 {
		return fmt.Errorf("CLIENT_IDLE and PING_INTERVAL must be positive")
	}
	if c.TargetMaxRetries < 0 {
		return fmt.Errorf("TARGET_MAX_RETRIES must not be negative")
	}
	if c.MaxQueuedCommands < 1 {
		return fmt.Errorf("MAX_QUEUED_COMMANDS must be at least 1")
	}
	if c.SnapshotMaxBodyBytes < 1 {
		return fmt.Errorf("SNAPSHOT_MAX_BODY_BYTES must be at least 1, got %d", c.SnapshotMaxBodyBytes)
	}

	seen := make(map[string]bool, len(c.Targets))
	for _, t := range c.Targets {
		if t.ID == "" {
			return fmt.Errorf("target without id in config file")
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate target id %q in config file", t.ID)
		}
		seen[t.ID] = true
		if t.EntryURL == "" && t.Snapshot == "" {
			return fmt.Errorf("target %q needs entry_url or snapshot", t.ID)
		}
	}
	return nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if fc.ServerPort != "" {
		c.ServerPort = fc.ServerPort
	}
	if fc.MaxClients > 0 {
		c.MaxClients = fc.MaxClients
	}
	if fc.ClientIdle > 0 {
		c.ClientIdle = fc.ClientIdle
	}
	if fc.PingInterval > 0 {
		c.PingInterval = fc.PingInterval
	}
	if fc.TargetTimeout > 0 {
		c.TargetTimeout = fc.TargetTimeout
	}
	if fc.SnapshotDir != "" {
		c.SnapshotDir = fc.SnapshotDir
	}
	if fc.SnapshotMax > 0 {
		c.SnapshotMaxBodyBytes = fc.SnapshotMax
	}
	c.Targets = append(c.Targets, fc.Targets...)
	if len(fc.Tenants) > 0 {
		c.Tenants = fc.Tenants
	}

	return nil
}

func getEnv(key string, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return intVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	boolVal, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return boolVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}

	return duration
}

// Function to find the Chromium binary path.
// An empty result lets the rod launcher locate or download a browser itself.
func findChromium() (string, error) {

	// Check if CHROMIUM_PATH environment variable is set
	customPath := os.Getenv("CHROMIUM_PATH")
	if customPath != "" {

		// Validate the custom path exists
		if !fileExists(customPath) {
			return "", fmt.Errorf("chromium binary not found at path: %s", customPath)
		}

		// Validate the custom path is executable
		if !isExecutable(customPath) {
			return "", fmt.Errorf("chromium binary found but not executable: %s", customPath)
		}
		return customPath, nil
	}

	// Search through common paths for this OS
	for _, path := range getChromiumPaths(runtime.GOOS) {
		if fileExists(path) && isExecutable(path) {
			return path, nil
		}
	}

	return "", nil
}

// getChromiumPaths returns common Chromium installation paths based on OS.
func getChromiumPaths(operatingSystem string) []string {
	// macOS paths
	if operatingSystem == "darwin" {
		return []string{
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		}
	}

	// Linux paths
	if operatingSystem == "linux" {
		return []string{
			"/usr/bin/chromium-browser",
			"/usr/bin/chromium",
			"/usr/bin/google-chrome",
			"/snap/bin/chromium",
		}
	}

	// TODO: Add Windows paths later

	// Unsupported OS
	return []string{}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode()&0111 != 0
}
