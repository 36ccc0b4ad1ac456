// Package backup drives one backup attempt: it owns the attempt stage
// machine, resolves credentials and produces the archive. It never notifies;
// failures are returned to the caller.
package backup

import (
	"context"
	"fmt"
	"os"
	"time"

	"vault-db-backup/internal/archive"
	"vault-db-backup/internal/dump"
	apperrors "vault-db-backup/internal/errors"
	"vault-db-backup/internal/logging"
	"vault-db-backup/internal/vault"
)

// SecretReader reads a credential tuple from the secrets broker.
type SecretReader interface {
	Read(ctx context.Context, path string) (*vault.Credentials, error)
}

// CredentialConfig holds the configured credential sources. Explicit values
// take precedence over the broker secret.
type CredentialConfig struct {
	Username   string
	Password   string
	SecretPath string
	// EnvHint names the variable an operator should set when nothing is
	// configured, e.g. MONGO_USERNAME.
	EnvHint string
}

// Executor runs the credential and dump stages of an attempt.
type Executor struct {
	dumper     dump.Dumper
	secrets    SecretReader
	logger     *logging.Logger
	archiveDir string
	passphrase string
	now        func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithArchiveDir sets the directory the artifact is written to.
func WithArchiveDir(dir string) ExecutorOption {
	return func(e *Executor) {
		e.archiveDir = dir
	}
}

// WithPassphrase enables artifact encryption.
func WithPassphrase(passphrase string) ExecutorOption {
	return func(e *Executor) {
		e.passphrase = passphrase
	}
}

// WithClock overrides the clock used for artifact names.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		e.now = now
	}
}

// NewExecutor creates an executor. secrets may be nil when no broker is
// configured.
func NewExecutor(dumper dump.Dumper, secrets SecretReader, logger *logging.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		dumper:     dumper,
		secrets:    secrets,
		logger:     logger,
		archiveDir: ".",
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.NewDefaultLogger()
	}
	return e
}

// ResolveCredentials returns the explicit credentials when a username is
// configured, otherwise reads the broker secret once.
func (e *Executor) ResolveCredentials(ctx context.Context, cfg CredentialConfig) (*vault.Credentials, error) {
	if cfg.Username != "" {
		e.logger.WithField("source", "explicit").Debug("Using configured credentials")
		return &vault.Credentials{
			Username: cfg.Username,
			Password: cfg.Password,
		}, nil
	}

	if cfg.SecretPath != "" {
		if e.secrets == nil {
			return nil, apperrors.NewConfigurationError("secret path is set but no secrets broker is configured", nil)
		}
		creds, err := e.secrets.Read(ctx, cfg.SecretPath)
		if err != nil {
			return nil, err
		}
		e.logger.WithField("source", "vault:"+cfg.SecretPath).Debug("Credentials read from broker")
		return creds, nil
	}

	hint := cfg.EnvHint
	if hint == "" {
		hint = "database username"
	}
	return nil, apperrors.NewConfigurationError(fmt.Sprintf("no credentials configured: set %s or VAULT_SECRET", hint), nil)
}

// Resolve runs the INIT -> CREDENTIALS_RESOLVED step. When the target names
// no database, the database carried by the leased secret is dumped. On
// failure the attempt is marked FAILED.
func (e *Executor) Resolve(ctx context.Context, attempt *Attempt, cfg CredentialConfig) (*vault.Credentials, error) {
	creds, err := e.ResolveCredentials(ctx, cfg)
	if err != nil {
		attempt.Fail(err)
		return nil, err
	}
	if attempt.Target.Database == "" && creds.Database != "" {
		attempt.Target.Database = creds.Database
		e.logger.WithField("database", creds.Database).Debug("Target database taken from secret")
	}
	if err := attempt.Advance(StageCredentialsResolved); err != nil {
		attempt.Fail(err)
		return nil, err
	}
	return creds, nil
}

// Run performs the dump stage and returns the artifact path. The attempt
// ends in DUMP_COMPLETE on success and FAILED otherwise.
func (e *Executor) Run(ctx context.Context, attempt *Attempt, creds *vault.Credentials) (string, error) {
	path, err := e.run(ctx, attempt, creds)
	if err != nil {
		attempt.Fail(err)
		return "", err
	}
	return path, nil
}

func (e *Executor) run(ctx context.Context, attempt *Attempt, creds *vault.Credentials) (string, error) {
	if creds == nil {
		return "", apperrors.NewConfigurationError("credentials were not resolved", nil)
	}
	if err := attempt.Advance(StageDumping); err != nil {
		return "", err
	}

	outputPath := archive.ArtifactPath(e.archiveDir, e.now(), e.dumper.Extension(), shortID(attempt.ID))
	req := dump.Request{
		Target: dump.Target{
			Engine:     attempt.Target.Engine,
			Host:       attempt.Target.Host,
			Port:       attempt.Target.Port,
			Database:   attempt.Target.Database,
			AuthSource: attempt.Target.AuthSource,
		},
		Credentials: *creds,
		OutputPath:  outputPath,
	}

	done := e.logger.LogOperationStart("dump", map[string]interface{}{
		"attempt_id": attempt.ID,
		"engine":     req.Target.Engine,
		"target":     attempt.Target.String(),
		"output":     outputPath,
	})
	err := e.dumper.Dump(ctx, req)
	done(err)
	if err != nil {
		if _, ok := err.(*apperrors.AppError); ok {
			return "", err
		}
		return "", apperrors.NewDumpFailedError("dump failed", err)
	}

	artifact := outputPath
	if e.passphrase != "" {
		encrypted, err := e.encrypt(outputPath)
		if err != nil {
			return "", err
		}
		artifact = encrypted
	}

	attempt.ArtifactPath = artifact
	if err := attempt.Advance(StageDumpComplete); err != nil {
		return "", err
	}
	return artifact, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// encrypt replaces the plaintext archive with its encrypted form.
func (e *Executor) encrypt(path string) (string, error) {
	dst := path + archive.EncryptedExtension
	if err := archive.EncryptFile(path, dst, e.passphrase); err != nil {
		return "", apperrors.NewDumpFailedError("failed to encrypt archive", err).WithContext("path", path)
	}
	if err := os.Remove(path); err != nil {
		e.logger.WithField("path", path).Warnf("Failed to remove plaintext archive: %v", err)
	}
	e.logger.WithField("path", dst).Debug("Archive encrypted")
	return dst, nil
}
