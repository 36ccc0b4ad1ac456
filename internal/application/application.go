// Package application wires configuration into the backup pipeline. Both the
// CLI and the serverless handler run through it.
package application

import (
	"context"
	"io"
	"os"
	"time"

	"vault-db-backup/internal/archive"
	"vault-db-backup/internal/backup"
	"vault-db-backup/internal/config"
	"vault-db-backup/internal/display"
	"vault-db-backup/internal/dump"
	apperrors "vault-db-backup/internal/errors"
	"vault-db-backup/internal/logging"
	"vault-db-backup/internal/notify"
	"vault-db-backup/internal/pipeline"
	"vault-db-backup/internal/storage"
	"vault-db-backup/internal/vault"
)

// Options controls the process-level surroundings of a run.
type Options struct {
	// Prompter fills in missing connection options. Nil disables prompting.
	Prompter *config.Prompter
	// Progress receives dump progress bars. Nil disables them.
	Progress io.Writer
	// LogOutput overrides the log destination (stderr by default).
	LogOutput io.Writer
	// Channels replaces the channels built from the notification options.
	Channels []notify.Channel
}

// Application is one configured backup run.
type Application struct {
	config       *config.Config
	logger       *logging.Logger
	orchestrator *pipeline.Orchestrator
	progress     *display.DumpProgress
	closers      []io.Closer
	setupErr     error
}

// NewLogger builds the logger described by cfg.
func NewLogger(cfg config.LogConfig, output io.Writer) (*logging.Logger, error) {
	return logging.NewLogger(logging.Config{
		Level:   logging.LogLevel(cfg.Level),
		Format:  cfg.Format,
		LogFile: cfg.File,
		Output:  output,
	})
}

// NewApplication builds every component of the pipeline. The notification
// channels are built first; a failure building the rest is kept as the
// setup error, and running the application fails the attempt with it and
// notifies.
func NewApplication(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts Options) *Application {
	return newApplication(ctx, cfg, logger, opts, nil)
}

func newApplication(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts Options, setupErr error) *Application {
	app := &Application{config: cfg, logger: logger}

	channels := opts.Channels
	if channels == nil {
		channels = Channels(cfg.Notify)
	}
	deps := pipeline.Dependencies{
		Notifier: notify.NewNotifier(logger),
		Channels: channels,
		Retention: pipeline.Retention{
			KeepLocalArchive: cfg.Retention.KeepLocalArchive,
			RemoveStagingDir: cfg.Retention.RemoveStagingDir,
		},
		Timeout: cfg.Timeout,
	}

	if setupErr == nil {
		setupErr = app.build(ctx, &deps, opts)
	}
	if setupErr != nil {
		logger.WithField("type", string(apperrors.GetErrorType(setupErr))).Debugf("Setup failed: %v", setupErr)
	}
	app.setupErr = setupErr
	deps.SetupErr = setupErr

	// The prompter may have filled in the host.
	deps.Target = backup.Target{
		Engine:           cfg.Engine,
		Host:             cfg.Database.Host,
		Port:             cfg.Database.Port,
		Database:         cfg.Database.Database,
		AuthSource:       cfg.Database.AuthSource,
		CredentialSource: cfg.CredentialSource(),
	}
	deps.Credentials = backup.CredentialConfig{
		Username:   cfg.Database.Username,
		Password:   cfg.Database.Password,
		SecretPath: cfg.Vault.Secret,
		EnvHint:    config.EnvPrefix(cfg.Engine) + "_USERNAME",
	}

	app.orchestrator = pipeline.New(deps, logger)
	return app
}

// build completes and validates the configuration, then creates the broker
// lease, the dumper and the storage destination.
func (app *Application) build(ctx context.Context, deps *pipeline.Dependencies, opts Options) error {
	cfg, logger := app.config, app.logger

	if opts.Prompter != nil {
		if err := opts.Prompter.Complete(cfg); err != nil {
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var lease *vault.LeaseManager
	if cfg.Vault.Secret != "" {
		client, err := vault.NewAPIClient(cfg.Vault.Host, cfg.Vault.Token)
		if err != nil {
			return err
		}
		lease = vault.NewLeaseManager(client, logger,
			vault.WithRenewInterval(cfg.Vault.RenewInterval),
			vault.WithIncrement(cfg.Vault.RenewIncrement))
	}

	format, err := archive.ParseFormat(cfg.Archive.Compression)
	if err != nil {
		return err
	}

	dumpOpts := dump.Options{
		Format:     format,
		StagingDir: cfg.Archive.StagingDir,
		Logger:     logger,
	}
	if opts.Progress != nil && logger.GetLevel() != logging.LogLevelQuiet {
		var colors *display.ColorSystem
		if f, ok := opts.Progress.(*os.File); ok {
			colors = display.NewColorSystem(f)
		} else {
			colors = display.NewPlainColorSystem()
		}
		app.progress = display.NewDumpProgress(opts.Progress, colors, 200*time.Millisecond)
		dumpOpts.Progress = app.progress.Report
	}

	dumper, err := dump.New(cfg.Engine, cfg.DumpMethod, dumpOpts)
	if err != nil {
		return err
	}

	dest, err := storage.NewDestination(ctx, storage.Config{
		Provider:           storage.Kind(cfg.Storage.Provider),
		Bucket:             cfg.Storage.Bucket,
		Prefix:             cfg.Storage.Prefix,
		Region:             cfg.Storage.Region,
		GCSCredentialsFile: cfg.Storage.GCSCredentialsFile,
		AzureAccount:       cfg.Storage.AzureAccount,
		AzureKey:           cfg.Storage.AzureKey,
	})
	if err != nil {
		return err
	}
	if closer, ok := dest.(io.Closer); ok {
		app.closers = append(app.closers, closer)
	}
	deps.Uploader = storage.NewManager(dest, logger)

	var secrets backup.SecretReader
	if lease != nil {
		deps.Lease = lease
		secrets = lease
	}
	deps.Executor = backup.NewExecutor(dumper, secrets, logger,
		backup.WithArchiveDir(cfg.Archive.Dir),
		backup.WithPassphrase(cfg.Archive.Passphrase))

	if stager, ok := dumper.(interface{ StagingDir() string }); ok {
		deps.StagingDir = stager.StagingDir()
	}
	return nil
}

// Channels builds every failure channel; disabled ones are skipped by the
// notifier.
func Channels(cfg config.NotifyConfig) []notify.Channel {
	return []notify.Channel{
		notify.NewEmailChannel(notify.EmailConfig{
			From:   cfg.EmailFrom,
			To:     cfg.EmailTo,
			Region: cfg.SESRegion,
		}, nil),
		notify.NewChatChannel(notify.ChatConfig{
			Token:   cfg.SlackToken,
			Channel: cfg.SlackChannel,
		}, nil),
		notify.NewWebhookChannel(notify.WebhookConfig{URL: cfg.WebhookURL}),
	}
}

// Run executes the backup attempt.
func (app *Application) Run(ctx context.Context) *pipeline.Result {
	result := app.orchestrator.Run(ctx)
	if app.progress != nil {
		app.progress.Close()
	}
	return result
}

// Close releases storage clients.
func (app *Application) Close() {
	for _, c := range app.closers {
		if err := c.Close(); err != nil {
			app.logger.Debugf("close: %v", err)
		}
	}
}

// Config returns the configuration the application was built from.
func (app *Application) Config() *config.Config {
	return app.config
}

// SetupErr returns the failure that happened while building the pipeline,
// if any. Run reports it as a failed attempt.
func (app *Application) SetupErr() error {
	return app.setupErr
}

// Summary converts a result for the operator summary.
func Summary(result *pipeline.Result) display.Summary {
	s := display.Summary{Err: result.Err}
	if a := result.Attempt; a != nil {
		s.AttemptID = a.ID
		s.Target = a.Target.String()
		s.Stage = string(a.FailedStage())
		s.ArtifactPath = a.ArtifactPath
		s.Duration = a.Duration()
		for _, stage := range a.History {
			s.History = append(s.History, string(stage))
		}
	}
	if u := result.Upload; u != nil {
		s.Location = u.Location
		s.Remote = u.Remote
		s.Size = u.Size
	}
	if r := result.Notification; r != nil {
		s.NotifyEnabled = len(r.Attempted) > 0
		s.Notified = r.Succeeded
		for _, f := range r.Failed {
			s.NotifyFailed = append(s.NotifyFailed, f.Channel)
		}
	}
	return s
}

// Run loads the configuration from the environment, builds the pipeline and
// runs one attempt. Every failure, including configuration and setup
// failures, is reported in the result and notified.
func Run(ctx context.Context, opts Options) *pipeline.Result {
	cfg, setupErr := config.Load()

	logger, err := NewLogger(cfg.Log, opts.LogOutput)
	if err != nil {
		logger = logging.NewDefaultLogger()
		if setupErr == nil {
			setupErr = apperrors.NewConfigurationError("failed to create logger", err)
		}
	}

	app := newApplication(ctx, cfg, logger, opts, setupErr)
	defer app.Close()

	return app.Run(ctx)
}
