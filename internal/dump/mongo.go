package dump

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"vault-db-backup/internal/archive"
	apperrors "vault-db-backup/internal/errors"
	"vault-db-backup/internal/logging"
)

// DocumentSource is the read side of a document store.
type DocumentSource interface {
	ListDatabases(ctx context.Context) ([]string, error)
	ListCollections(ctx context.Context, database string) ([]string, error)
	// ListIndexes returns each index specification as JSON.
	ListIndexes(ctx context.Context, database, collection string) ([]json.RawMessage, error)
	CountDocuments(ctx context.Context, database, collection string) (int64, error)
	// StreamDocuments calls fn with the raw BSON of every document.
	StreamDocuments(ctx context.Context, database, collection string, fn func(doc []byte) error) error
	Close(ctx context.Context) error
}

// SourceConnector opens a DocumentSource for a request.
type SourceConnector func(ctx context.Context, req Request) (DocumentSource, error)

// skippedDatabases hold replication state rather than user data.
var skippedDatabases = map[string]bool{"local": true}

// collectionMetadata is the mongorestore-compatible .metadata.json payload.
type collectionMetadata struct {
	Options map[string]interface{} `json:"options"`
	Indexes []json.RawMessage      `json:"indexes"`
}

// MongoDumper writes a mongodump-style directory tree into a staging
// directory, then packs it as dump/ into a compressed tar.
type MongoDumper struct {
	connect    SourceConnector
	format     archive.Format
	stagingDir string
	logger     *logging.Logger
	progress   ProgressFunc
}

// NewMongoDumper creates a document-store dumper.
func NewMongoDumper(connect SourceConnector, opts Options) *MongoDumper {
	opts.defaults()
	return &MongoDumper{
		connect:    connect,
		format:     opts.Format,
		stagingDir: opts.StagingDir,
		logger:     opts.Logger,
		progress:   opts.Progress,
	}
}

// Extension returns the compressed tar extension.
func (d *MongoDumper) Extension() string {
	return d.format.TarExtension()
}

// StagingDir returns the directory the dump is assembled in.
func (d *MongoDumper) StagingDir() string {
	return d.stagingDir
}

// Dump exports every database (or only the target database) and archives it.
// A pre-existing staging directory fails the dump before any connection.
func (d *MongoDumper) Dump(ctx context.Context, req Request) error {
	start := time.Now()

	if _, err := os.Lstat(d.stagingDir); err == nil {
		return apperrors.NewStagingExistsError(d.stagingDir)
	} else if !errors.Is(err, os.ErrNotExist) {
		return apperrors.NewAppError(apperrors.ErrorTypeStaging, "cannot inspect staging directory", err).
			WithContext("path", d.stagingDir)
	}
	if err := os.Mkdir(d.stagingDir, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return apperrors.NewStagingExistsError(d.stagingDir)
		}
		return apperrors.NewAppError(apperrors.ErrorTypeStaging, "cannot create staging directory", err).
			WithContext("path", d.stagingDir)
	}

	d.logger.WithField("uri", logging.SanitizeURI(MongoURI(req))).Debug("Connecting to document store")
	src, err := d.connect(ctx, req)
	if err != nil {
		return apperrors.NewDumpFailedError(fmt.Sprintf("failed to connect to %s", req.Target.Address()), err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := src.Close(closeCtx); err != nil {
			d.logger.Warnf("Failed to close document source: %v", err)
		}
	}()

	databases, err := d.databases(ctx, src, req.Target.Database)
	if err != nil {
		return d.fail(ctx, "failed to list databases", err)
	}

	for _, db := range databases {
		if err := d.dumpDatabase(ctx, src, db); err != nil {
			return err
		}
	}

	out, err := archive.CreateCompressed(req.OutputPath, d.format)
	if err != nil {
		return apperrors.NewDumpFailedError("failed to create archive", err).WithContext("path", req.OutputPath)
	}
	if err := archive.TarDirectory(out, d.stagingDir, filepath.Base(d.stagingDir)); err != nil {
		out.Discard()
		return apperrors.NewDumpFailedError("failed to archive staging directory", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(req.OutputPath)
		return apperrors.NewDumpFailedError("failed to finalize archive", err)
	}

	d.logger.LogDump(req.Target.Engine, req.Target.Database, req.OutputPath, time.Since(start), nil)
	return nil
}

func (d *MongoDumper) databases(ctx context.Context, src DocumentSource, only string) ([]string, error) {
	if only != "" {
		return []string{only}, nil
	}
	all, err := src.ListDatabases(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(all))
	for _, db := range all {
		if !skippedDatabases[db] {
			out = append(out, db)
		}
	}
	return out, nil
}

func (d *MongoDumper) dumpDatabase(ctx context.Context, src DocumentSource, db string) error {
	dir := filepath.Join(d.stagingDir, db)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return apperrors.NewDumpFailedError("failed to create database directory", err).WithContext("database", db)
	}

	collections, err := src.ListCollections(ctx, db)
	if err != nil {
		return d.fail(ctx, "failed to list collections", err, "database", db)
	}

	for _, coll := range collections {
		if err := ctx.Err(); err != nil {
			return dumpError(ctx, "dump interrupted", err)
		}
		if err := d.writeMetadata(ctx, src, dir, db, coll); err != nil {
			return err
		}
		if err := d.writeDocuments(ctx, src, dir, db, coll); err != nil {
			return err
		}
	}
	return nil
}

func (d *MongoDumper) writeMetadata(ctx context.Context, src DocumentSource, dir, db, coll string) error {
	indexes, err := src.ListIndexes(ctx, db, coll)
	if err != nil {
		return d.fail(ctx, "failed to list indexes", err, "collection", db+"."+coll)
	}
	if indexes == nil {
		indexes = []json.RawMessage{}
	}

	payload, err := json.Marshal(collectionMetadata{Options: map[string]interface{}{}, Indexes: indexes})
	if err != nil {
		return apperrors.NewDumpFailedError("failed to encode collection metadata", err)
	}
	path := filepath.Join(dir, coll+".metadata.json")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return apperrors.NewDumpFailedError("failed to write collection metadata", err).WithContext("path", path)
	}
	return nil
}

func (d *MongoDumper) writeDocuments(ctx context.Context, src DocumentSource, dir, db, coll string) error {
	scope := db + "." + coll
	path := filepath.Join(dir, coll+".bson")

	total, err := src.CountDocuments(ctx, db, coll)
	if err != nil {
		return d.fail(ctx, "failed to count documents", err, "collection", scope)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return apperrors.NewDumpFailedError("failed to create collection file", err).WithContext("path", path)
	}
	w := bufio.NewWriter(f)

	d.logger.Infof("Dumping %s", scope)
	var done int64
	err = src.StreamDocuments(ctx, db, coll, func(doc []byte) error {
		if _, err := w.Write(doc); err != nil {
			return err
		}
		done++
		if d.progress != nil {
			d.progress(scope, done, total)
		}
		return nil
	})
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return d.fail(ctx, "failed to dump collection", err, "collection", scope)
	}

	d.logger.WithFields(map[string]interface{}{
		"collection": scope,
		"documents":  done,
	}).Debug("Collection dumped")
	return nil
}

func (d *MongoDumper) fail(ctx context.Context, message string, err error, kv ...string) error {
	appErr := dumpError(ctx, message, err)
	for i := 0; i+1 < len(kv); i += 2 {
		appErr = appErr.WithContext(kv[i], kv[i+1])
	}
	return appErr
}
