package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vault-db-backup/internal/archive"
	"vault-db-backup/internal/dump"
	apperrors "vault-db-backup/internal/errors"
	"vault-db-backup/internal/logging"
	"vault-db-backup/internal/vault"
)

type fakeDumper struct {
	ext      string
	content  string
	err      error
	requests []dump.Request
}

func (f *fakeDumper) Dump(ctx context.Context, req dump.Request) error {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(req.OutputPath, []byte(f.content), 0o600)
}

func (f *fakeDumper) Extension() string { return f.ext }

type fakeSecrets struct {
	creds *vault.Credentials
	err   error
	reads []string
}

func (f *fakeSecrets) Read(ctx context.Context, path string) (*vault.Credentials, error) {
	f.reads = append(f.reads, path)
	return f.creds, f.err
}

var fixedClock = func() time.Time { return time.Date(2024, 3, 9, 4, 5, 6, 0, time.UTC) }

func resolvedAttempt(t *testing.T) *Attempt {
	t.Helper()
	a := NewAttempt(Target{Engine: dump.EngineMongo, Host: "mongo.internal", Port: 27017})
	require.NoError(t, a.Advance(StageCredentialsResolved))
	return a
}

func TestExecutor_ResolveCredentials(t *testing.T) {
	secrets := &fakeSecrets{creds: &vault.Credentials{Username: "leased", Password: "pw"}}
	e := NewExecutor(&fakeDumper{}, secrets, logging.NewNopLogger())
	ctx := context.Background()

	t.Run("explicit wins", func(t *testing.T) {
		creds, err := e.ResolveCredentials(ctx, CredentialConfig{Username: "admin", Password: "x", SecretPath: "secret/db"})
		require.NoError(t, err)
		assert.Equal(t, "admin", creds.Username)
		assert.Empty(t, secrets.reads)
	})

	t.Run("broker secret", func(t *testing.T) {
		creds, err := e.ResolveCredentials(ctx, CredentialConfig{SecretPath: "secret/db"})
		require.NoError(t, err)
		assert.Equal(t, "leased", creds.Username)
		assert.Equal(t, []string{"secret/db"}, secrets.reads)
	})

	t.Run("nothing configured", func(t *testing.T) {
		_, err := e.ResolveCredentials(ctx, CredentialConfig{EnvHint: "MONGO_USERNAME"})
		require.Error(t, err)
		assert.True(t, apperrors.IsConfiguration(err))
		assert.Contains(t, err.Error(), "MONGO_USERNAME")
	})

	t.Run("secret without broker", func(t *testing.T) {
		_, err := NewExecutor(&fakeDumper{}, nil, logging.NewNopLogger()).
			ResolveCredentials(ctx, CredentialConfig{SecretPath: "secret/db"})
		assert.True(t, apperrors.IsConfiguration(err))
	})
}

func TestExecutor_ResolveFailureMarksAttemptFailed(t *testing.T) {
	brokerErr := apperrors.NewBrokerError("permission denied", nil)
	e := NewExecutor(&fakeDumper{}, &fakeSecrets{err: brokerErr}, logging.NewNopLogger())
	a := NewAttempt(Target{})

	_, err := e.Resolve(context.Background(), a, CredentialConfig{SecretPath: "secret/db"})
	require.Error(t, err)
	assert.True(t, apperrors.IsBroker(err))
	assert.Equal(t, StageFailed, a.Stage)
	assert.Equal(t, []Stage{StageInit, StageFailed}, a.History)
}

func TestExecutor_ResolveTargetDatabase(t *testing.T) {
	leased := &vault.Credentials{Username: "v-backup", Password: "pw", Database: "shop"}

	t.Run("secret database selects the target", func(t *testing.T) {
		dumper := &fakeDumper{ext: "tgz"}
		e := NewExecutor(dumper, &fakeSecrets{creds: leased}, logging.NewNopLogger(),
			WithArchiveDir(t.TempDir()))
		a := NewAttempt(Target{Engine: dump.EngineMongo, Host: "mongo.internal", Port: 27017, AuthSource: "admin"})

		creds, err := e.Resolve(context.Background(), a, CredentialConfig{SecretPath: "mongodb/creds/backup"})
		require.NoError(t, err)
		assert.Equal(t, "shop", a.Target.Database)
		assert.Equal(t, "mongo://mongo.internal:27017/shop", a.Target.String())

		_, err = e.Run(context.Background(), a, creds)
		require.NoError(t, err)
		require.Len(t, dumper.requests, 1)
		assert.Equal(t, "shop", dumper.requests[0].Target.Database)
		assert.Equal(t, "admin", dumper.requests[0].Target.AuthSource)
	})

	t.Run("configured database wins", func(t *testing.T) {
		e := NewExecutor(&fakeDumper{}, &fakeSecrets{creds: leased}, logging.NewNopLogger())
		a := NewAttempt(Target{Engine: dump.EngineMongo, Host: "mongo.internal", Database: "orders"})

		_, err := e.Resolve(context.Background(), a, CredentialConfig{SecretPath: "mongodb/creds/backup"})
		require.NoError(t, err)
		assert.Equal(t, "orders", a.Target.Database)
	})

	t.Run("explicit credentials keep every database", func(t *testing.T) {
		e := NewExecutor(&fakeDumper{}, nil, logging.NewNopLogger())
		a := NewAttempt(Target{Engine: dump.EngineMongo, Host: "mongo.internal"})

		creds, err := e.Resolve(context.Background(), a, CredentialConfig{Username: "root", Password: "pw"})
		require.NoError(t, err)
		assert.Empty(t, creds.Database)
		assert.Empty(t, a.Target.Database)
	})
}

func TestExecutor_RunProducesArtifact(t *testing.T) {
	dir := t.TempDir()
	dumper := &fakeDumper{ext: archive.FormatGzip.TarExtension(), content: "archive"}
	e := NewExecutor(dumper, nil, logging.NewNopLogger(), WithArchiveDir(dir), WithClock(fixedClock))
	a := resolvedAttempt(t)

	path, err := e.Run(context.Background(), a, &vault.Credentials{Username: "backup", Password: "pw"})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "backup-20240309T040506Z.tgz"), path)
	assert.Regexp(t, regexp.MustCompile(`^backup-\d{8}T\d{6}Z\.tgz$`), filepath.Base(path))
	assert.Equal(t, path, a.ArtifactPath)
	assert.Equal(t, StageDumpComplete, a.Stage)
	assert.Equal(t, []Stage{StageInit, StageCredentialsResolved, StageDumping, StageDumpComplete}, a.History)

	require.Len(t, dumper.requests, 1)
	req := dumper.requests[0]
	assert.Equal(t, "mongo.internal", req.Target.Host)
	assert.Equal(t, 27017, req.Target.Port)
	assert.Equal(t, "backup", req.Credentials.Username)
	assert.FileExists(t, path)
}

func TestExecutor_RunSameSecondGetsDistinctArtifact(t *testing.T) {
	dir := t.TempDir()
	dumper := &fakeDumper{ext: "tgz", content: "archive"}
	e := NewExecutor(dumper, nil, logging.NewNopLogger(), WithArchiveDir(dir), WithClock(fixedClock))
	creds := &vault.Credentials{Username: "backup"}

	first, err := e.Run(context.Background(), resolvedAttempt(t), creds)
	require.NoError(t, err)

	a := resolvedAttempt(t)
	second, err := e.Run(context.Background(), a, creds)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, "backup-20240309T040506Z-"+a.ID[:8]+".tgz", filepath.Base(second))
	assert.Equal(t, StageDumpComplete, a.Stage)
	assert.FileExists(t, first)
	assert.FileExists(t, second)
}

func TestExecutor_RunDumpFailure(t *testing.T) {
	dumpErr := apperrors.NewDumpFailedError("mongodump failed: connection refused", errors.New("exit status 1"))
	e := NewExecutor(&fakeDumper{ext: "tgz", err: dumpErr}, nil, logging.NewNopLogger(),
		WithArchiveDir(t.TempDir()))
	a := resolvedAttempt(t)

	_, err := e.Run(context.Background(), a, &vault.Credentials{Username: "backup"})
	require.Error(t, err)
	assert.True(t, apperrors.IsDumpFailed(err))
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, StageFailed, a.Stage)
	assert.Equal(t, dumpErr, a.Err)
	assert.Empty(t, a.ArtifactPath)
}

func TestExecutor_RunWrapsPlainErrors(t *testing.T) {
	e := NewExecutor(&fakeDumper{ext: "tgz", err: errors.New("disk full")}, nil, logging.NewNopLogger(),
		WithArchiveDir(t.TempDir()))
	a := resolvedAttempt(t)

	_, err := e.Run(context.Background(), a, &vault.Credentials{})
	assert.True(t, apperrors.IsDumpFailed(err))
}

func TestExecutor_RunEncryptsArtifact(t *testing.T) {
	dir := t.TempDir()
	dumper := &fakeDumper{ext: "tgz", content: "plaintext archive"}
	e := NewExecutor(dumper, nil, logging.NewNopLogger(),
		WithArchiveDir(dir), WithClock(fixedClock), WithPassphrase("s3cret"))
	a := resolvedAttempt(t)

	path, err := e.Run(context.Background(), a, &vault.Credentials{Username: "backup"})
	require.NoError(t, err)
	assert.Equal(t, "backup-20240309T040506Z.tgz.enc", filepath.Base(path))
	assert.NoFileExists(t, filepath.Join(dir, "backup-20240309T040506Z.tgz"))

	restored := filepath.Join(dir, "restored.tgz")
	require.NoError(t, archive.DecryptFile(path, restored, "s3cret"))
	got, err := os.ReadFile(restored)
	require.NoError(t, err)
	assert.Equal(t, "plaintext archive", string(got))
}

func TestExecutor_RunRequiresResolvedStage(t *testing.T) {
	e := NewExecutor(&fakeDumper{ext: "tgz"}, nil, logging.NewNopLogger(), WithArchiveDir(t.TempDir()))
	a := NewAttempt(Target{})

	_, err := e.Run(context.Background(), a, &vault.Credentials{})
	require.Error(t, err)
	assert.Equal(t, StageFailed, a.Stage)
}
