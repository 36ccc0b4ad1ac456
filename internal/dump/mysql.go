package dump

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"vault-db-backup/internal/archive"
	apperrors "vault-db-backup/internal/errors"
	"vault-db-backup/internal/logging"
)

// DBConnector opens a SQL connection for a request.
type DBConnector func(ctx context.Context, req Request) (*sql.DB, error)

var systemSchemas = map[string]bool{
	"information_schema": true,
	"performance_schema": true,
	"mysql":              true,
	"sys":                true,
}

// MySQLDSN builds the driver DSN for req.
func MySQLDSN(req Request) string {
	cfg := mysql.NewConfig()
	cfg.User = req.Credentials.Username
	cfg.Passwd = req.Credentials.Password
	cfg.Net = "tcp"
	cfg.Addr = req.Target.Address()
	cfg.DBName = req.Target.Database
	cfg.Timeout = 30 * time.Second
	return cfg.FormatDSN()
}

// MySQLConnector opens and pings a connection with go-sql-driver/mysql.
func MySQLConnector(ctx context.Context, req Request) (*sql.DB, error) {
	db, err := sql.Open("mysql", MySQLDSN(req))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// MySQLDumper writes CREATE TABLE and INSERT statements for every base table
// of each database into a <db>.sql entry of a compressed tar.
type MySQLDumper struct {
	connect      DBConnector
	format       archive.Format
	logger       *logging.Logger
	progress     ProgressFunc
	queryTimeout time.Duration
}

// NewMySQLDumper creates a SQL dumper.
func NewMySQLDumper(connect DBConnector, opts Options) *MySQLDumper {
	opts.defaults()
	return &MySQLDumper{
		connect:      connect,
		format:       opts.Format,
		logger:       opts.Logger,
		progress:     opts.Progress,
		queryTimeout: 30 * time.Second,
	}
}

// Extension returns the compressed tar extension.
func (d *MySQLDumper) Extension() string {
	return d.format.TarExtension()
}

// Dump exports the target database, or every non-system schema when no
// database is configured.
func (d *MySQLDumper) Dump(ctx context.Context, req Request) error {
	start := time.Now()

	d.logger.WithField("dsn", logging.SanitizeURI(MySQLDSN(req))).Debug("Connecting to database")
	db, err := d.connect(ctx, req)
	if err != nil {
		return dumpError(ctx, fmt.Sprintf("failed to connect to %s", req.Target.Address()), err)
	}
	defer db.Close()

	schemas, err := d.schemas(ctx, db, req.Target.Database)
	if err != nil {
		return dumpError(ctx, "failed to list databases", err)
	}

	workDir, err := os.MkdirTemp(filepath.Dir(req.OutputPath), ".sqldump-")
	if err != nil {
		return apperrors.NewDumpFailedError("failed to create work directory", err)
	}
	defer os.RemoveAll(workDir)

	files := make([]string, 0, len(schemas))
	for _, schema := range schemas {
		path := filepath.Join(workDir, schema+".sql")
		if err := d.dumpSchemaToFile(ctx, db, schema, path); err != nil {
			return err
		}
		files = append(files, path)
	}

	out, err := archive.CreateCompressed(req.OutputPath, d.format)
	if err != nil {
		return apperrors.NewDumpFailedError("failed to create archive", err).WithContext("path", req.OutputPath)
	}
	tw := archive.NewTarWriter(out)
	for _, path := range files {
		if err := tw.AddPath(filepath.Base(path), path); err != nil {
			out.Discard()
			return apperrors.NewDumpFailedError("failed to archive dump", err)
		}
	}
	if err := tw.Close(); err != nil {
		out.Discard()
		return apperrors.NewDumpFailedError("failed to archive dump", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(req.OutputPath)
		return apperrors.NewDumpFailedError("failed to finalize archive", err)
	}

	d.logger.LogDump(req.Target.Engine, req.Target.Database, req.OutputPath, time.Since(start), nil)
	return nil
}

func (d *MySQLDumper) schemas(ctx context.Context, db *sql.DB, only string) ([]string, error) {
	if only != "" {
		return []string{only}, nil
	}

	query := `
		SELECT SCHEMA_NAME
		FROM INFORMATION_SCHEMA.SCHEMATA
		ORDER BY SCHEMA_NAME
	`
	qctx, cancel := context.WithTimeout(ctx, d.queryTimeout)
	defer cancel()

	rows, err := db.QueryContext(qctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query schemas: %w", err)
	}
	defer rows.Close()

	var schemas []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan schema name: %w", err)
		}
		if !systemSchemas[strings.ToLower(name)] {
			schemas = append(schemas, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schema rows: %w", err)
	}
	return schemas, nil
}

func (d *MySQLDumper) dumpSchemaToFile(ctx context.Context, db *sql.DB, schema, path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return apperrors.NewDumpFailedError("failed to create dump file", err).WithContext("path", path)
	}
	w := bufio.NewWriter(f)

	err = d.DumpSchema(ctx, db, schema, w)
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if _, ok := err.(*apperrors.AppError); ok {
			return err
		}
		return dumpError(ctx, fmt.Sprintf("failed to dump database %s", schema), err).WithContext("database", schema)
	}
	return nil
}

// DumpSchema writes the SQL script for one database to w.
func (d *MySQLDumper) DumpSchema(ctx context.Context, db *sql.DB, schema string, w io.Writer) error {
	tables, err := d.tables(ctx, db, schema)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "-- Dump of database %s\n", quoteIdent(schema))
	fmt.Fprintf(w, "-- Generated %s\n\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintln(w, "SET FOREIGN_KEY_CHECKS=0;")
	fmt.Fprintf(w, "CREATE DATABASE IF NOT EXISTS %s;\n", quoteIdent(schema))
	fmt.Fprintf(w, "USE %s;\n", quoteIdent(schema))

	for _, table := range tables {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.dumpTable(ctx, db, schema, table, w); err != nil {
			return fmt.Errorf("table %s: %w", table, err)
		}
	}

	_, err = fmt.Fprintln(w, "\nSET FOREIGN_KEY_CHECKS=1;")
	return err
}

func (d *MySQLDumper) tables(ctx context.Context, db *sql.DB, schema string) ([]string, error) {
	query := `
		SELECT TABLE_NAME
		FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = ? AND TABLE_TYPE = 'BASE TABLE'
		ORDER BY TABLE_NAME
	`
	qctx, cancel := context.WithTimeout(ctx, d.queryTimeout)
	defer cancel()

	rows, err := db.QueryContext(qctx, query, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to query tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating table rows: %w", err)
	}
	return tables, nil
}

func (d *MySQLDumper) dumpTable(ctx context.Context, db *sql.DB, schema, table string, w io.Writer) error {
	ident := quoteIdent(schema) + "." + quoteIdent(table)

	qctx, cancel := context.WithTimeout(ctx, d.queryTimeout)
	var name, ddl string
	err := db.QueryRowContext(qctx, "SHOW CREATE TABLE "+ident).Scan(&name, &ddl)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to read table definition: %w", err)
	}

	fmt.Fprintf(w, "\nDROP TABLE IF EXISTS %s;\n", quoteIdent(table))
	fmt.Fprintf(w, "%s;\n\n", ddl)

	// Row reads are bounded only by the attempt context.
	rows, err := db.QueryContext(ctx, "SELECT * FROM "+ident)
	if err != nil {
		return fmt.Errorf("failed to read rows: %w", err)
	}
	defer rows.Close()

	columns, err := rows.ColumnTypes()
	if err != nil {
		return fmt.Errorf("failed to read column types: %w", err)
	}

	values := make([]sql.RawBytes, len(columns))
	dest := make([]interface{}, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}

	scope := schema + "." + table
	var count int64
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return fmt.Errorf("failed to scan row: %w", err)
		}

		literals := make([]string, len(values))
		for i, v := range values {
			literals[i] = sqlLiteral(v, columns[i].DatabaseTypeName())
		}
		if _, err := fmt.Fprintf(w, "INSERT INTO %s VALUES (%s);\n", quoteIdent(table), strings.Join(literals, ",")); err != nil {
			return err
		}

		count++
		if d.progress != nil {
			d.progress(scope, count, -1)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating rows: %w", err)
	}

	d.logger.WithFields(map[string]interface{}{
		"table": scope,
		"rows":  count,
	}).Debug("Table dumped")
	return nil
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// sqlLiteral renders a scanned value as a MySQL literal.
func sqlLiteral(v sql.RawBytes, dbType string) string {
	if v == nil {
		return "NULL"
	}

	switch strings.ToUpper(dbType) {
	case "TINYINT", "SMALLINT", "MEDIUMINT", "INT", "INTEGER", "BIGINT",
		"DECIMAL", "FLOAT", "DOUBLE", "YEAR":
		return string(v)
	case "BINARY", "VARBINARY", "TINYBLOB", "BLOB", "MEDIUMBLOB", "LONGBLOB", "BIT", "GEOMETRY":
		if len(v) == 0 {
			return "''"
		}
		return "0x" + hex.EncodeToString(v)
	}

	var b strings.Builder
	b.Grow(len(v) + 2)
	b.WriteByte('\'')
	for _, c := range v {
		switch c {
		case 0:
			b.WriteString(`\0`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\\':
			b.WriteString(`\\`)
		case '\'':
			b.WriteString(`\'`)
		case 0x1a:
			b.WriteString(`\Z`)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('\'')
	return b.String()
}
