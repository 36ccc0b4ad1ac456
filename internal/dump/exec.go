package dump

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"vault-db-backup/internal/archive"
	apperrors "vault-db-backup/internal/errors"
	"vault-db-backup/internal/logging"
)

// maxDiagnosticBytes bounds the stderr kept for error reports.
const maxDiagnosticBytes = 16 << 10

// Command is one external tool invocation.
type Command struct {
	Name string
	Args []string
	Env  []string
}

// Runner executes a Command, streaming its stdout and stderr.
type Runner interface {
	Run(ctx context.Context, cmd Command, stdout, stderr io.Writer) error
}

// CommandRunner runs commands with os/exec.
type CommandRunner struct{}

// Run starts the command and waits for it. Cancellation kills the process.
func (CommandRunner) Run(ctx context.Context, cmd Command, stdout, stderr io.Writer) error {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Env = append(os.Environ(), cmd.Env...)
	c.Stdout = stdout
	c.Stderr = stderr
	return c.Run()
}

// ExecDumper shells out to mongodump, mysqldump or pg_dump and compresses
// the tool's stdout into the artifact.
type ExecDumper struct {
	engine string
	format archive.Format
	runner Runner
	logger *logging.Logger
}

// NewExecDumper creates an exec dumper for engine.
func NewExecDumper(engine string, opts Options) (*ExecDumper, error) {
	opts.defaults()
	switch engine {
	case EngineMongo, EngineMySQL, EnginePostgres:
	default:
		return nil, apperrors.NewConfigurationError(fmt.Sprintf("no dump tool for engine %s", engine), nil)
	}
	return &ExecDumper{
		engine: engine,
		format: opts.Format,
		runner: CommandRunner{},
		logger: opts.Logger,
	}, nil
}

// WithRunner replaces the command runner.
func (d *ExecDumper) WithRunner(r Runner) *ExecDumper {
	d.runner = r
	return d
}

// Extension returns archive.gz for mongodump output and sql.gz for the SQL
// tools (suffix follows the configured compression).
func (d *ExecDumper) Extension() string {
	if d.engine == EngineMongo {
		return "archive." + d.format.StreamExtension()
	}
	return "sql." + d.format.StreamExtension()
}

// BuildCommand returns the tool invocation for req.
func (d *ExecDumper) BuildCommand(req Request) Command {
	t := req.Target
	creds := req.Credentials
	port := strconv.Itoa(t.Port)

	switch d.engine {
	case EngineMongo:
		args := []string{"--host", t.Host, "--port", port, "--archive"}
		if creds.Username != "" {
			args = append(args, "--username", creds.Username, "--password", creds.Password,
				"--authenticationDatabase", authSource(t))
		}
		if t.Database != "" {
			args = append(args, "--db", t.Database)
		}
		return Command{Name: "mongodump", Args: args}

	case EngineMySQL:
		args := []string{"-h", t.Host, "-P", port, "--single-transaction", "--routines", "--triggers"}
		if creds.Username != "" {
			args = append(args, "-u", creds.Username)
		}
		if t.Database != "" {
			args = append(args, "--databases", t.Database)
		} else {
			args = append(args, "--all-databases")
		}
		return Command{Name: "mysqldump", Args: args, Env: []string{"MYSQL_PWD=" + creds.Password}}

	default:
		args := []string{"-h", t.Host, "-p", port, "--no-password"}
		if creds.Username != "" {
			args = append(args, "-U", creds.Username)
		}
		if t.Database != "" {
			args = append(args, "-d", t.Database)
		}
		return Command{Name: "pg_dump", Args: args, Env: []string{"PGPASSWORD=" + creds.Password}}
	}
}

// Dump runs the tool and writes its compressed output to req.OutputPath.
// A failed run removes the partial artifact and reports the tool's stderr.
func (d *ExecDumper) Dump(ctx context.Context, req Request) error {
	cmd := d.BuildCommand(req)
	start := time.Now()

	out, err := archive.CreateCompressed(req.OutputPath, d.format)
	if err != nil {
		return apperrors.NewDumpFailedError("failed to create archive", err).
			WithContext("path", req.OutputPath)
	}

	stderr := &limitedBuffer{limit: maxDiagnosticBytes}
	d.logger.WithFields(map[string]interface{}{
		"tool":   cmd.Name,
		"target": req.Target.Address(),
	}).Debug("Starting dump tool")

	if runErr := d.runner.Run(ctx, cmd, out, stderr); runErr != nil {
		out.Discard()
		if ctx.Err() != nil {
			return apperrors.NewErrorClassifier().ClassifyError(ctx.Err())
		}

		diagnostic := strings.TrimSpace(stderr.String())
		if diagnostic == "" {
			diagnostic = runErr.Error()
		}
		dumpErr := apperrors.NewDumpFailedError(fmt.Sprintf("%s failed: %s", cmd.Name, diagnostic), runErr).
			WithContext("tool", cmd.Name)
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			dumpErr = dumpErr.WithContext("exit_code", exitErr.ExitCode())
		}
		d.logger.LogDump(req.Target.Engine, req.Target.Database, req.OutputPath, time.Since(start), dumpErr)
		return dumpErr
	}

	if err := out.Close(); err != nil {
		os.Remove(req.OutputPath)
		return apperrors.NewDumpFailedError("failed to finalize archive", err).
			WithContext("path", req.OutputPath)
	}

	d.logger.LogDump(req.Target.Engine, req.Target.Database, req.OutputPath, time.Since(start), nil)
	return nil
}

// DefaultAuthSource is the MongoDB authentication database used when none
// is configured.
const DefaultAuthSource = "admin"

// authSource is the database the credentials authenticate against. It is
// independent of the database being dumped.
func authSource(t Target) string {
	if t.AuthSource != "" {
		return t.AuthSource
	}
	return DefaultAuthSource
}

// limitedBuffer keeps the last limit bytes written to it.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	b.buf.Write(p)
	if over := b.buf.Len() - b.limit; over > 0 {
		b.buf.Next(over)
	}
	return n, nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
