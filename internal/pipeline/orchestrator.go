// Package pipeline sequences one backup attempt. It is the only place that
// decides between DONE and FAILED, and the only caller of the notifier.
package pipeline

import (
	"context"
	"errors"
	"os"
	"time"

	"vault-db-backup/internal/backup"
	apperrors "vault-db-backup/internal/errors"
	"vault-db-backup/internal/logging"
	"vault-db-backup/internal/notify"
	"vault-db-backup/internal/storage"
	"vault-db-backup/internal/vault"
)

// Lease is the secret lease lifecycle the orchestrator drives.
type Lease interface {
	Start(ctx context.Context) error
	Stop()
	Err() <-chan error
	Read(ctx context.Context, path string) (*vault.Credentials, error)
}

// Uploader ships the finished artifact.
type Uploader interface {
	Upload(ctx context.Context, artifactPath string) (*storage.UploadResult, error)
}

// Retention controls what is removed after a successful attempt.
type Retention struct {
	KeepLocalArchive bool
	RemoveStagingDir bool
}

// Dependencies are the components of one attempt.
type Dependencies struct {
	Target      backup.Target
	Credentials backup.CredentialConfig
	// Lease is nil when no secrets broker is configured.
	Lease    Lease
	Executor *backup.Executor
	Uploader Uploader
	Notifier *notify.Notifier
	Channels []notify.Channel
	// StagingDir is set for dumpers that stage files before archiving. It
	// must not exist when the attempt starts.
	StagingDir string
	Retention  Retention
	Timeout    time.Duration
	// SetupErr is a failure that happened while building the other
	// dependencies. The attempt fails at INIT with it and is notified.
	SetupErr error
}

// Result is the outcome of Run.
type Result struct {
	Attempt      *backup.Attempt
	Upload       *storage.UploadResult
	Notification *notify.Report
	Err          error
}

// ExitCode is 0 on success and 1 on any failure.
func (r *Result) ExitCode() int {
	if r == nil || r.Err != nil {
		return 1
	}
	return 0
}

// Orchestrator runs the attempt state machine.
type Orchestrator struct {
	deps   Dependencies
	logger *logging.Logger
}

// New creates an orchestrator.
func New(deps Dependencies, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewNotifier(logger)
	}
	return &Orchestrator{deps: deps, logger: logger}
}

// Run performs the attempt. The lease is stopped on every path, before any
// notification is sent.
func (o *Orchestrator) Run(ctx context.Context) *Result {
	attempt := backup.NewAttempt(o.deps.Target)
	logger := o.logger.With("attempt_id", attempt.ID)
	attempt.OnChange(func(id string, from, to backup.Stage) {
		logger.LogStage(id, string(from), string(to))
	})

	result := &Result{Attempt: attempt}

	if o.deps.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.deps.Timeout)
		defer cancel()
	}

	stopLease := func() {}
	if o.deps.Lease != nil {
		stopLease = o.deps.Lease.Stop
	}
	defer stopLease()

	logger.WithFields(map[string]interface{}{
		"target":            attempt.Target.String(),
		"credential_source": attempt.Target.CredentialSource,
	}).Info("Backup attempt started")

	err := o.run(ctx, attempt, result, logger)
	stopLease()

	if err != nil {
		attempt.Fail(err)
		result.Err = err
		o.notify(ctx, attempt, err, result, logger)
		return result
	}

	o.applyRetention(result, logger)
	logger.WithFields(map[string]interface{}{
		"artifact": attempt.ArtifactPath,
		"location": result.Upload.Location,
		"duration": attempt.Duration().String(),
	}).Info("Backup attempt completed")
	return result
}

func (o *Orchestrator) run(ctx context.Context, attempt *backup.Attempt, result *Result, logger *logging.Logger) error {
	if o.deps.SetupErr != nil {
		return o.deps.SetupErr
	}
	if o.deps.Executor == nil || o.deps.Uploader == nil {
		return apperrors.NewConfigurationError("pipeline is missing an executor or uploader", nil)
	}

	if o.deps.StagingDir != "" {
		if _, err := os.Lstat(o.deps.StagingDir); err == nil {
			return apperrors.NewStagingExistsError(o.deps.StagingDir)
		}
	}

	if o.deps.Lease != nil && o.deps.Credentials.SecretPath != "" {
		if err := o.deps.Lease.Start(ctx); err != nil {
			return err
		}
	}
	if err := o.checkpoint(ctx); err != nil {
		return err
	}

	creds, err := o.deps.Executor.Resolve(ctx, attempt, o.deps.Credentials)
	if err != nil {
		return err
	}
	if err := o.checkpoint(ctx); err != nil {
		return err
	}

	artifact, err := o.deps.Executor.Run(ctx, attempt, creds)
	if err != nil {
		return err
	}
	if err := o.checkpoint(ctx); err != nil {
		return err
	}

	if err := attempt.Advance(backup.StageUploading); err != nil {
		return err
	}
	upload, err := o.deps.Uploader.Upload(ctx, artifact)
	if err != nil {
		return err
	}
	result.Upload = upload

	return attempt.Advance(backup.StageDone)
}

// checkpoint surfaces cancellation and fatal lease errors between stages.
func (o *Orchestrator) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return apperrors.NewErrorClassifier().ClassifyError(err)
	}
	if o.deps.Lease == nil {
		return nil
	}
	select {
	case err := <-o.deps.Lease.Err():
		if err != nil {
			return err
		}
	default:
	}
	return nil
}

func (o *Orchestrator) notify(ctx context.Context, attempt *backup.Attempt, err error, result *Result, logger *logging.Logger) {
	logger.WithFields(map[string]interface{}{
		"stage": string(attempt.FailedStage()),
		"type":  string(apperrors.GetErrorType(err)),
	}).Error("Backup attempt failed: " + err.Error())

	report := o.deps.Notifier.Notify(ctx, notify.Failure{
		AttemptID:  attempt.ID,
		Target:     attempt.Target.String(),
		Stage:      attempt.FailedStage(),
		Err:        err,
		OccurredAt: time.Now().UTC(),
	}, o.deps.Channels)
	result.Notification = &report
}

// applyRetention removes what the retention policy does not keep. Cleanup
// failures are logged and never fail a completed attempt.
func (o *Orchestrator) applyRetention(result *Result, logger *logging.Logger) {
	artifact := result.Attempt.ArtifactPath
	if result.Upload != nil && result.Upload.Remote && !o.deps.Retention.KeepLocalArchive {
		if err := os.Remove(artifact); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.WithField("path", artifact).Warnf("Failed to remove local archive: %v", err)
		} else {
			logger.WithField("path", artifact).Info("Local archive removed after upload")
		}
	}

	if o.deps.Retention.RemoveStagingDir && o.deps.StagingDir != "" {
		if err := os.RemoveAll(o.deps.StagingDir); err != nil {
			logger.WithField("path", o.deps.StagingDir).Warnf("Failed to remove staging directory: %v", err)
		} else {
			logger.WithField("path", o.deps.StagingDir).Debug("Staging directory removed")
		}
	}
}
