package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "vault-db-backup/internal/errors"
)

// Supported database engines.
const (
	EngineMongo    = "mongo"
	EngineMySQL    = "mysql"
	EnginePostgres = "postgres"
)

// Supported dump methods.
const (
	DumpMethodNative = "native"
	DumpMethodExec   = "exec"
)

// Supported object store providers.
const (
	ProviderS3    = "s3"
	ProviderGCS   = "gcs"
	ProviderAzure = "azure"
)

// DefaultMongoAuthSource is the MongoDB authentication database used when
// MONGO_AUTH_SOURCE is unset.
const DefaultMongoAuthSource = "admin"

var defaultPorts = map[string]int{
	EngineMongo:    27017,
	EngineMySQL:    3306,
	EnginePostgres: 5432,
}

// Config is the complete runtime configuration of one backup run.
type Config struct {
	Engine     string
	DumpMethod string
	Database   DatabaseConfig
	Vault      VaultConfig
	Storage    StorageConfig
	Notify     NotifyConfig
	Archive    ArchiveConfig
	Retention  RetentionConfig
	Timeout    time.Duration
	Log        LogConfig
}

// DatabaseConfig holds the {DATABASE}_* connection options.
type DatabaseConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	// Database selects what is dumped. When empty the database named by the
	// leased secret is used, and failing that every database.
	Database   string
	// AuthSource is the MongoDB authentication database. It never selects
	// what is dumped.
	AuthSource string
}

// VaultConfig holds the secret broker options.
type VaultConfig struct {
	Secret         string
	Host           string
	Token          string
	RenewInterval  time.Duration
	RenewIncrement time.Duration
}

// StorageConfig selects and configures the upload destination.
type StorageConfig struct {
	Bucket             string
	Provider           string
	Prefix             string
	Region             string
	GCSCredentialsFile string
	AzureAccount       string
	AzureKey           string
}

// NotifyConfig configures the failure channels.
type NotifyConfig struct {
	EmailFrom    string
	EmailTo      []string
	SESRegion    string
	SlackToken   string
	SlackChannel string
	WebhookURL   string
}

// ArchiveConfig controls where and how the artifact is written.
type ArchiveConfig struct {
	Dir         string
	Compression string
	Passphrase  string
	StagingDir  string
}

// RetentionConfig controls local cleanup after a successful run.
type RetentionConfig struct {
	KeepLocalArchive bool
	RemoveStagingDir bool
}

// LogConfig mirrors the logging options.
type LogConfig struct {
	Level  string
	Format string
	File   string
}

// EnvPrefix returns the environment prefix of the engine's connection options.
func EnvPrefix(engine string) string {
	return strings.ToUpper(engine)
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	return LoadFrom(v)
}

// LoadFrom reads the configuration from v. Keys are environment variable
// names. On error the partially read configuration is still returned so the
// failure can be reported through the configured channels.
func LoadFrom(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	engine := strings.ToLower(strings.TrimSpace(v.GetString("DB_ENGINE")))
	prefix := EnvPrefix(engine)

	cfg := &Config{
		Engine:     engine,
		DumpMethod: strings.ToLower(v.GetString("DUMP_METHOD")),
		Database: DatabaseConfig{
			Host:       v.GetString(prefix + "_HOST"),
			Port:       v.GetInt(prefix + "_PORT"),
			Username:   v.GetString(prefix + "_USERNAME"),
			Password:   v.GetString(prefix + "_PASSWORD"),
			Database:   v.GetString(prefix + "_DATABASE"),
			AuthSource: v.GetString(prefix + "_AUTH_SOURCE"),
		},
		Vault: VaultConfig{
			Secret: v.GetString("VAULT_SECRET"),
			Host:   v.GetString("VAULT_HOST"),
			Token:  v.GetString("VAULT_TOKEN"),
		},
		Storage: StorageConfig{
			Bucket:             v.GetString("BUCKET_NAME"),
			Provider:           strings.ToLower(v.GetString("STORAGE_PROVIDER")),
			Prefix:             v.GetString("BUCKET_PREFIX"),
			Region:             v.GetString("AWS_REGION"),
			GCSCredentialsFile: v.GetString("GCS_CREDENTIALS_FILE"),
			AzureAccount:       v.GetString("AZURE_STORAGE_ACCOUNT"),
			AzureKey:           v.GetString("AZURE_STORAGE_KEY"),
		},
		Notify: NotifyConfig{
			EmailFrom:    v.GetString("EMAIL_FROM"),
			EmailTo:      SplitRecipients(v.GetString("EMAIL_TO")),
			SESRegion:    v.GetString("SES_REGION"),
			SlackToken:   v.GetString("SLACK_API_TOKEN"),
			SlackChannel: v.GetString("SLACK_CHANNEL"),
			WebhookURL:   v.GetString("WEBHOOK_URL"),
		},
		Archive: ArchiveConfig{
			Dir:         v.GetString("ARCHIVE_DIR"),
			Compression: strings.ToLower(v.GetString("ARCHIVE_COMPRESSION")),
			Passphrase:  v.GetString("ARCHIVE_PASSPHRASE"),
			StagingDir:  v.GetString("STAGING_DIR"),
		},
		Retention: RetentionConfig{
			KeepLocalArchive: v.GetBool("KEEP_LOCAL_ARCHIVE"),
			RemoveStagingDir: v.GetBool("REMOVE_STAGING_DIR"),
		},
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
			File:   v.GetString("LOG_FILE"),
		},
	}

	if cfg.Database.Port == 0 {
		cfg.Database.Port = defaultPorts[engine]
	}
	if engine == EngineMongo && cfg.Database.AuthSource == "" {
		cfg.Database.AuthSource = DefaultMongoAuthSource
	}

	var errs ValidationErrors
	var err error
	if cfg.Vault.RenewInterval, err = durationValue(v, "VAULT_RENEW_INTERVAL"); err != nil {
		errs.Add("VAULT_RENEW_INTERVAL", err.Error())
	}
	if cfg.Vault.RenewIncrement, err = durationValue(v, "VAULT_RENEW_INCREMENT"); err != nil {
		errs.Add("VAULT_RENEW_INCREMENT", err.Error())
	}
	if cfg.Timeout, err = durationValue(v, "BACKUP_TIMEOUT"); err != nil {
		errs.Add("BACKUP_TIMEOUT", err.Error())
	}
	if len(errs) > 0 {
		return cfg, apperrors.NewConfigurationError("invalid configuration", errs)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("DB_ENGINE", EngineMongo)
	v.SetDefault("DUMP_METHOD", DumpMethodNative)
	v.SetDefault("VAULT_RENEW_INTERVAL", "70h")
	v.SetDefault("VAULT_RENEW_INCREMENT", "72h")
	v.SetDefault("STORAGE_PROVIDER", ProviderS3)
	v.SetDefault("SLACK_CHANNEL", "#alerts")
	v.SetDefault("ARCHIVE_DIR", ".")
	v.SetDefault("ARCHIVE_COMPRESSION", "gzip")
	v.SetDefault("STAGING_DIR", "dump")
	v.SetDefault("KEEP_LOCAL_ARCHIVE", true)
	v.SetDefault("REMOVE_STAGING_DIR", false)
	v.SetDefault("BACKUP_TIMEOUT", "0s")
	v.SetDefault("LOG_LEVEL", "normal")
	v.SetDefault("LOG_FORMAT", "text")
}

func durationValue(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" || raw == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return d, nil
}

// SplitRecipients splits a semicolon-separated address list, dropping blanks.
func SplitRecipients(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ";") {
		if addr := strings.TrimSpace(part); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// HasExplicitCredentials reports whether a username was supplied directly.
func (c *Config) HasExplicitCredentials() bool {
	return c.Database.Username != ""
}

// CredentialSource describes where the credentials will come from.
func (c *Config) CredentialSource() string {
	switch {
	case c.HasExplicitCredentials():
		return "explicit"
	case c.Vault.Secret != "":
		return "vault:" + c.Vault.Secret
	default:
		return "none"
	}
}

// RemoteStorage reports whether an object store destination is configured.
func (c *Config) RemoteStorage() bool {
	return c.Storage.Bucket != ""
}

// Validate checks the configuration and returns a configuration AppError
// wrapping every problem found.
func (c *Config) Validate() error {
	var errs ValidationErrors
	prefix := EnvPrefix(c.Engine)

	switch c.Engine {
	case EngineMongo, EngineMySQL, EnginePostgres:
	default:
		errs.Add("DB_ENGINE", fmt.Sprintf("unsupported engine %q", c.Engine))
	}

	switch c.DumpMethod {
	case DumpMethodNative, DumpMethodExec:
		if c.Engine == EnginePostgres && c.DumpMethod == DumpMethodNative {
			errs.Add("DUMP_METHOD", "postgres only supports the exec dump method")
		}
	default:
		errs.Add("DUMP_METHOD", fmt.Sprintf("unsupported dump method %q", c.DumpMethod))
	}

	if c.Database.Host == "" {
		errs.Add(prefix+"_HOST", "host is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		errs.Add(prefix+"_PORT", fmt.Sprintf("port %d out of range", c.Database.Port))
	}
	if c.Vault.Secret != "" && c.Vault.Host == "" {
		errs.Add("VAULT_HOST", "vault host is required when VAULT_SECRET is set")
	}
	if c.Vault.RenewIncrement <= 0 {
		errs.Add("VAULT_RENEW_INCREMENT", "increment must be positive")
	}
	if c.Vault.RenewInterval <= 0 {
		errs.Add("VAULT_RENEW_INTERVAL", "interval must be positive")
	} else if c.Vault.RenewInterval >= c.Vault.RenewIncrement {
		errs.Add("VAULT_RENEW_INTERVAL", fmt.Sprintf("interval %s must be less than increment %s",
			c.Vault.RenewInterval, c.Vault.RenewIncrement))
	}

	if c.RemoteStorage() {
		switch c.Storage.Provider {
		case ProviderS3, ProviderGCS:
		case ProviderAzure:
			if c.Storage.AzureAccount == "" || c.Storage.AzureKey == "" {
				errs.Add("AZURE_STORAGE_ACCOUNT", "azure storage requires account name and key")
			}
		default:
			errs.Add("STORAGE_PROVIDER", fmt.Sprintf("unsupported provider %q", c.Storage.Provider))
		}
	}

	if len(c.Notify.EmailTo) > 0 && c.Notify.EmailFrom == "" {
		errs.Add("EMAIL_FROM", "sender is required when EMAIL_TO is set")
	}

	switch c.Archive.Compression {
	case "gzip", "zstd", "lz4":
	default:
		errs.Add("ARCHIVE_COMPRESSION", fmt.Sprintf("unsupported compression %q", c.Archive.Compression))
	}
	if c.Archive.StagingDir == "" {
		errs.Add("STAGING_DIR", "staging directory cannot be empty")
	}

	if c.Timeout < 0 {
		errs.Add("BACKUP_TIMEOUT", "timeout cannot be negative")
	}

	if len(errs) > 0 {
		return apperrors.NewConfigurationError("invalid configuration", errs)
	}
	return nil
}
