// Package config handles loading and parsing of FrameVault configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/framevault/framevault/internal/storage"
)

// Config is the top-level configuration for FrameVault.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Metadata MetadataConfig `yaml:"metadata"`
	Storage  StorageConfig  `yaml:"storage"`
	Upload   UploadConfig   `yaml:"upload"`
	Ops      OpsConfig      `yaml:"ops"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format selects the handler: text or json.
	Format string `yaml:"format"`
}

// MetadataConfig holds metadata store settings.
type MetadataConfig struct {
	// Engine is the metadata backend engine: sqlite, postgres, memory.
	Engine string       `yaml:"engine"`
	SQLite SQLiteConfig `yaml:"sqlite"`
	// Credentials is the path to the JSON database credential
	// descriptor used by the postgres engine.
	Credentials string `yaml:"credentials"`
}

// SQLiteConfig holds SQLite file settings, shared by the metadata store
// and the sqlite storage backend.
type SQLiteConfig struct {
	// Path is the filesystem path for the SQLite database file.
	Path string `yaml:"path"`
}

// StorageConfig holds object storage backend settings.
type StorageConfig struct {
	// Backend is the storage backend type: local, s3, gcs, azure,
	// sqlite, memory.
	Backend string       `yaml:"backend"`
	Local   LocalConfig  `yaml:"local"`
	S3      S3Config     `yaml:"s3"`
	GCS     GCSConfig    `yaml:"gcs"`
	Azure   AzureConfig  `yaml:"azure"`
	SQLite  SQLiteConfig `yaml:"sqlite"`
}

// LocalConfig holds local filesystem storage settings.
type LocalConfig struct {
	// MountRoot is the base directory for local object storage.
	MountRoot string `yaml:"mount_root"`
}

// S3Config holds S3 bucket settings.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
	// Endpoint overrides the S3 endpoint for MinIO and other
	// S3-compatible stores.
	Endpoint string `yaml:"endpoint"`
	// PathStyle forces path-style addressing, required by most
	// S3-compatible stores.
	PathStyle bool `yaml:"path_style"`
	// AccessKeyID and SecretAccessKey override the default AWS
	// credential chain when both are set.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// GCSConfig holds GCS bucket settings.
type GCSConfig struct {
	Bucket  string `yaml:"bucket"`
	Project string `yaml:"project"`
}

// AzureConfig holds Azure Blob settings.
type AzureConfig struct {
	Container string `yaml:"container"`
	// Account is the storage account name, used to construct the
	// account URL https://{account}.blob.core.windows.net.
	Account string `yaml:"account"`
	// AccountURL is the full account URL. If empty, it is constructed
	// from Account.
	AccountURL string `yaml:"account_url"`
	// ConnectionString takes precedence over credential-based auth
	// when set.
	ConnectionString string `yaml:"connection_string"`
}

// UploadConfig bounds frame uploads.
type UploadConfig struct {
	// Workers caps concurrent transfers; 0 uses the processor count.
	Workers int `yaml:"workers"`
	// Collision is the policy for existing objects: skip or abort.
	Collision string `yaml:"collision"`
}

// OpsConfig holds the operational HTTP listener settings.
type OpsConfig struct {
	// Listen is the address for /metrics and /healthz. Empty disables
	// the listener.
	Listen string `yaml:"listen"`
}

// Settings maps the storage section onto backend construction settings.
func (c StorageConfig) Settings() storage.Settings {
	accountURL := c.Azure.AccountURL
	if accountURL == "" && c.Azure.Account != "" {
		accountURL = fmt.Sprintf("https://%s.blob.core.windows.net", c.Azure.Account)
	}
	return storage.Settings{
		Kind:             c.Backend,
		MountRoot:        c.Local.MountRoot,
		Bucket:           firstNonEmpty(c.S3.Bucket, c.GCS.Bucket),
		Region:           c.S3.Region,
		Endpoint:         c.S3.Endpoint,
		PathStyle:        c.S3.PathStyle,
		AccessKeyID:      c.S3.AccessKeyID,
		SecretAccessKey:  c.S3.SecretAccessKey,
		Project:          c.GCS.Project,
		AccountURL:       accountURL,
		Container:        c.Azure.Container,
		ConnectionString: c.Azure.ConnectionString,
		DBPath:           c.SQLite.Path,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config. It applies sensible defaults for unset values.
// If the primary path fails, it falls back to framevault.example.yaml
// in the same directory or parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "framevault.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "framevault.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metadata: MetadataConfig{
			Engine: "sqlite",
			SQLite: SQLiteConfig{
				Path: "./data/framevault.db",
			},
		},
		Storage: StorageConfig{
			Backend: "local",
			Local: LocalConfig{
				MountRoot: "./data/objects",
			},
			SQLite: SQLiteConfig{
				Path: "./data/objects.db",
			},
		},
		Upload: UploadConfig{
			Collision: "skip",
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Metadata.Engine == "" {
		cfg.Metadata.Engine = "sqlite"
	}
	if cfg.Metadata.SQLite.Path == "" {
		cfg.Metadata.SQLite.Path = "./data/framevault.db"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "local"
	}
	if cfg.Storage.Local.MountRoot == "" {
		cfg.Storage.Local.MountRoot = "./data/objects"
	}
	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = "./data/objects.db"
	}
	if cfg.Upload.Collision == "" {
		cfg.Upload.Collision = "skip"
	}
}
