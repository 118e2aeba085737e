package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "chatsync"

	DefaultMessageFetchLimit  = 50
	DefaultCommentPageSize    = 20
	DefaultTypingTimeoutMS    = 2000
	DefaultRemoteTypingTTLMS  = 5000
	DefaultReactionDebounceMS = 2000
	DefaultRequestRate        = 20
	DefaultRequestBurst       = 40
	DefaultRequestTimeoutMS   = 15000

	// DefaultDiscoveryService is the mDNS service type browsed for servers.
	DefaultDiscoveryService = "_chatsync._tcp"

	configFileName = "config.json"
	envFileName    = ".env"
	envPrefix      = "CHATSYNC_"
)

// ErrNoServer indicates neither a server URL nor a discovery service is set.
var ErrNoServer = errors.New("config: server_url or discovery_service is required")

// Config contains the persistent client settings.
type Config struct {
	ClientID         string `json:"client_id" yaml:"client_id"`
	UserID           string `json:"user_id" yaml:"user_id"`
	ServerURL        string `json:"server_url" yaml:"server_url"`
	Token            string `json:"token,omitempty" yaml:"token,omitempty"`
	DiscoveryService string `json:"discovery_service" yaml:"discovery_service"`

	MessageFetchLimit  int     `json:"message_fetch_limit" yaml:"message_fetch_limit"`
	CommentPageSize    int     `json:"comment_page_size" yaml:"comment_page_size"`
	TypingTimeoutMS    int     `json:"typing_timeout_ms" yaml:"typing_timeout_ms"`
	RemoteTypingTTLMS  int     `json:"remote_typing_ttl_ms" yaml:"remote_typing_ttl_ms"`
	ReactionDebounceMS int     `json:"reaction_debounce_ms" yaml:"reaction_debounce_ms"`
	RequestRate        float64 `json:"request_rate" yaml:"request_rate"`
	RequestBurst       int     `json:"request_burst" yaml:"request_burst"`
	RequestTimeoutMS   int     `json:"request_timeout_ms" yaml:"request_timeout_ms"`
}

func (c *Config) TypingTimeout() time.Duration {
	return time.Duration(c.TypingTimeoutMS) * time.Millisecond
}

func (c *Config) RemoteTypingTTL() time.Duration {
	return time.Duration(c.RemoteTypingTTLMS) * time.Millisecond
}

func (c *Config) ReactionDebounce() time.Duration {
	return time.Duration(c.ReactionDebounceMS) * time.Millisecond
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// Validate checks that the client knows how to reach a server.
func (c *Config) Validate() error {
	if c.ServerURL == "" && c.DiscoveryService == "" {
		return ErrNoServer
	}
	if c.ServerURL != "" && !strings.HasPrefix(c.ServerURL, "ws://") && !strings.HasPrefix(c.ServerURL, "wss://") {
		return fmt.Errorf("config: server_url %q must use ws:// or wss://", c.ServerURL)
	}
	return nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CHATSYNC_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(envPrefix + "DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// Load reads a JSON or YAML config file, chosen by extension.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if isYAML(path) {
		err = yaml.Unmarshal(raw, &cfg)
	} else {
		err = json.Unmarshal(raw, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes the config to disk in the format of its extension.
func Save(path string, cfg *Config) error {
	var raw []byte
	var err error
	if isYAML(path) {
		raw, err = yaml.Marshal(cfg)
	} else {
		raw, err = json.MarshalIndent(cfg, "", "  ")
		raw = append(raw, '\n')
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and config exist, then returns
// the config with environment overrides applied. Overrides are not saved.
func LoadOrCreate() (*Config, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	if err := ApplyEnvironment(cfg, dataDir); err != nil {
		return nil, "", err
	}
	return cfg, cfgPath, nil
}

// LoadFile reads an explicit config file, fills defaults and applies
// environment overrides, reading .env next to the file.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	normalizeDefaults(cfg)
	if err := ApplyEnvironment(cfg, filepath.Dir(path)); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvironment overrides cfg from CHATSYNC_* variables. Values missing
// from the process environment are looked up in dir/.env.
func ApplyEnvironment(cfg *Config, dir string) error {
	dotenv, err := godotenv.Read(filepath.Join(dir, envFileName))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("read %s: %w", envFileName, err)
		}
		dotenv = map[string]string{}
	}

	lookup := func(name string) (string, bool) {
		if value, ok := os.LookupEnv(envPrefix + name); ok {
			return value, true
		}
		value, ok := dotenv[envPrefix+name]
		return value, ok
	}

	if value, ok := lookup("SERVER_URL"); ok {
		cfg.ServerURL = value
	}
	if value, ok := lookup("USER_ID"); ok {
		cfg.UserID = value
	}
	if value, ok := lookup("TOKEN"); ok {
		cfg.Token = value
	}
	if value, ok := lookup("REQUEST_RATE"); ok {
		rate, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("parse %sREQUEST_RATE: %w", envPrefix, err)
		}
		cfg.RequestRate = rate
	}
	return nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	normalizeDefaults(cfg)
	return cfg
}

func normalizeDefaults(cfg *Config) bool {
	updated := false

	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
		updated = true
	}

	if cfg.ServerURL == "" && cfg.DiscoveryService == "" {
		cfg.DiscoveryService = DefaultDiscoveryService
		updated = true
	}

	fill := func(value *int, fallback int) {
		if *value <= 0 {
			*value = fallback
			updated = true
		}
	}
	fill(&cfg.MessageFetchLimit, DefaultMessageFetchLimit)
	fill(&cfg.CommentPageSize, DefaultCommentPageSize)
	fill(&cfg.TypingTimeoutMS, DefaultTypingTimeoutMS)
	fill(&cfg.RemoteTypingTTLMS, DefaultRemoteTypingTTLMS)
	fill(&cfg.ReactionDebounceMS, DefaultReactionDebounceMS)
	fill(&cfg.RequestBurst, DefaultRequestBurst)
	fill(&cfg.RequestTimeoutMS, DefaultRequestTimeoutMS)

	if cfg.RequestRate <= 0 {
		cfg.RequestRate = DefaultRequestRate
		updated = true
	}

	return updated
}
