package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for wsync.
type Config struct {
	WorkspaceID string           `toml:"workspace_id"`
	BaseDir     string           `toml:"base_dir"`
	LogDir      string           `toml:"log_dir"`
	Author      string           `toml:"author"`
	Backend     string           `toml:"backend"` // "local" (default) or "git"
	Workspace   WorkspaceConfig  `toml:"workspace"`
	Database    DatabaseConfig   `toml:"database"`
	Staging     StagingConfig    `toml:"staging"`
	Remotes     []RemoteConfig   `toml:"remotes"`
	Encryption  EncryptionConfig `toml:"encryption"`
	Sync        SyncConfig       `toml:"sync"`
	Cache       CacheConfig      `toml:"cache"`
	Git         GitConfig        `toml:"git"`
}

// WorkspaceConfig locates the directory of resource files being versioned.
type WorkspaceConfig struct {
	Dir    string   `toml:"dir"`
	Ignore []string `toml:"ignore"`
}

// EncryptionConfig holds paths to the age key pair used for encryption.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// RemoteConfig represents configuration for a remote store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type RemoteConfig struct {
	Type string `toml:"type"` // "memory", "s3", or "filesystem"
	Name string `toml:"name"`

	// Encrypted wraps the remote so blob payloads are age-encrypted at rest.
	Encrypted bool `toml:"encrypted,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket          string `toml:"s3_bucket,omitempty"`
	S3Prefix          string `toml:"s3_prefix,omitempty"`
	S3Region          string `toml:"s3_region,omitempty"`
	S3Endpoint        string `toml:"s3_endpoint,omitempty"`
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`
}

// DatabaseConfig represents configuration for the metadata database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// StagingConfig represents configuration for the staging area.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type StagingConfig struct {
	Type       string `toml:"type"`                  // "memory" or "filesystem"
	StagingDir string `toml:"staging_dir,omitempty"` // only used for type=filesystem
	MaxSize    int64  `toml:"max_size"`              // max total size in bytes; must be positive, defaults to 1MB
}

// SyncConfig tunes push and pull. Zero values fall back to defaults.
type SyncConfig struct {
	MaxAttempts    int `toml:"max_attempts"`
	InitialDelayMS int `toml:"initial_delay_ms"`
	MaxDelayMS     int `toml:"max_delay_ms"`
	Concurrency    int `toml:"concurrency"`
}

// InitialDelay returns InitialDelayMS as a duration.
func (s SyncConfig) InitialDelay() time.Duration {
	return time.Duration(s.InitialDelayMS) * time.Millisecond
}

// MaxDelay returns MaxDelayMS as a duration.
func (s SyncConfig) MaxDelay() time.Duration {
	return time.Duration(s.MaxDelayMS) * time.Millisecond
}

// CacheConfig sizes the in-process caches. Zero disables a cache.
type CacheConfig struct {
	SnapshotEntries int   `toml:"snapshot_entries"`
	BlobMaxBytes    int64 `toml:"blob_max_bytes"`
}

// GitConfig configures the git backend (only used when Backend == "git").
type GitConfig struct {
	RemoteURL string `toml:"remote_url,omitempty"`
	Username  string `toml:"username,omitempty"`
	TokenFile string `toml:"token_file,omitempty"`
}

// NewConfig creates a new Config with the provided values and default paths.
func NewConfig(workspaceID, baseDir string) *Config {
	return &Config{
		WorkspaceID: workspaceID,
		BaseDir:     baseDir,
		LogDir:      filepath.Join(baseDir, "log"),
		Backend:     "local",
		Workspace: WorkspaceConfig{
			Dir: filepath.Join(baseDir, "workspace"),
		},
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		Staging: StagingConfig{
			Type:       "filesystem",
			StagingDir: filepath.Join(baseDir, "staging"),
			MaxSize:    64 * 1024 * 1024,
		},
		Encryption: EncryptionConfig{
			PublicKeyPath:  filepath.Join(baseDir, "keys", "wsync.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "wsync.key"),
		},
		Sync: SyncConfig{
			MaxAttempts:    4,
			InitialDelayMS: 200,
			MaxDelayMS:     5000,
			Concurrency:    4,
		},
		Cache: CacheConfig{
			SnapshotEntries: 1024,
			BlobMaxBytes:    32 * 1024 * 1024,
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
