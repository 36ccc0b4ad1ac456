// Package dump implements the engine specific export mechanisms. Every Dumper
// writes exactly one compressed archive to the requested output path.
package dump

import (
	"context"
	"fmt"
	"strconv"

	"vault-db-backup/internal/archive"
	apperrors "vault-db-backup/internal/errors"
	"vault-db-backup/internal/logging"
	"vault-db-backup/internal/vault"
)

// Engines understood by the dumpers.
const (
	EngineMongo    = "mongo"
	EngineMySQL    = "mysql"
	EnginePostgres = "postgres"
)

// Target identifies the database being exported.
type Target struct {
	Engine     string
	Host       string
	Port       int
	Database   string
	// AuthSource is the database the credentials authenticate against.
	// Only MongoDB uses it; empty means admin.
	AuthSource string
}

// Address returns host:port.
func (t Target) Address() string {
	if t.Port == 0 {
		return t.Host
	}
	return t.Host + ":" + strconv.Itoa(t.Port)
}

// Request describes one dump.
type Request struct {
	Target      Target
	Credentials vault.Credentials
	OutputPath  string
}

// Dumper exports a database into a single compressed archive.
type Dumper interface {
	Dump(ctx context.Context, req Request) error
	// Extension is the file extension of the archive produced.
	Extension() string
}

// ProgressFunc receives per-collection progress from the native dumpers.
type ProgressFunc func(scope string, done, total int64)

// Options is shared by the dumper constructors.
type Options struct {
	Format     archive.Format
	StagingDir string
	Logger     *logging.Logger
	Progress   ProgressFunc
}

func (o *Options) defaults() {
	if o.Format == "" {
		o.Format = archive.FormatGzip
	}
	if o.StagingDir == "" {
		o.StagingDir = "dump"
	}
	if o.Logger == nil {
		o.Logger = logging.NewDefaultLogger()
	}
}

// New returns the dumper for engine and method ("native" or "exec").
func New(engine, method string, opts Options) (Dumper, error) {
	opts.defaults()

	if method == "exec" {
		return NewExecDumper(engine, opts)
	}

	switch engine {
	case EngineMongo:
		return NewMongoDumper(MongoConnector, opts), nil
	case EngineMySQL:
		return NewMySQLDumper(MySQLConnector, opts), nil
	case EnginePostgres:
		return NewExecDumper(engine, opts)
	default:
		return nil, apperrors.NewConfigurationError(fmt.Sprintf("unsupported database engine: %s", engine), nil)
	}
}

// dumpError classifies err raised during a dump. Cancellation wins over the
// driver's own error, and only a missing database is treated as a
// configuration problem.
func dumpError(ctx context.Context, message string, err error) *apperrors.AppError {
	classifier := apperrors.NewErrorClassifier()
	if ctx.Err() != nil {
		return classifier.ClassifyError(ctx.Err())
	}
	if classifier.ClassifyError(err).Type == apperrors.ErrorTypeConfiguration {
		return apperrors.NewConfigurationError(message, err)
	}
	return apperrors.NewDumpFailedError(message, err)
}
