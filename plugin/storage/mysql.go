// Package storage provides the default StoragePlugin, registered under the
// "mysql" identifier, adapted from the database writer a spider using this
// framework wired up by hand before storage became a resolvable plugin.
package storage

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"

	"github.com/siskinc/scrapyengine"
)

// BundleKeyWriter is the bundle key the plugin publishes its *Writer
// under, once resolved.
const BundleKeyWriter = "storage_writer"

// DSN names a MySQL connection target. It is the Args shape the "mysql"
// plugin expects.
type DSN struct {
	Username string
	Password string
	Host     string
	Port     string
	Database string
}

func (d DSN) String() string {
	return fmt.Sprintf("%s:%s@(%s:%s)/%s", d.Username, d.Password, d.Host, d.Port, d.Database)
}

// WriteOptions tunes how a Writer batches rows before flushing.
type WriteOptions struct {
	Table      string
	Columns    []string
	BatchSize  int
	FlushEvery time.Duration
	QueueLen   int
}

// Writer batches inserts and flushes them on a ticker or once a batch
// fills, trading write latency for fewer round trips. Rows are queued
// through Write and flushed from a single background goroutine, which
// keeps the underlying *sql.Tx usage single-writer without needing its own
// lock around db access; mu below only guards the in-memory batch, which
// that goroutine alone appends to and flushes.
type Writer struct {
	db        *sql.DB
	sqlFormat string
	opts      WriteOptions

	rows  chan []any
	done  chan struct{}
	mu    sync.Mutex
	batch [][]any
}

// NewWriter opens the connection named by dsn and starts the writer's
// background flush loop.
func NewWriter(dsn DSN, opts WriteOptions) (*Writer, error) {
	db, err := sql.Open("mysql", dsn.String())
	if err != nil {
		return nil, err
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = 500
	}
	if opts.FlushEvery == 0 {
		opts.FlushEvery = 3 * time.Second
	}
	if opts.QueueLen == 0 {
		opts.QueueLen = opts.BatchSize * 2
	}

	w := &Writer{
		db:        db,
		opts:      opts,
		sqlFormat: insertFormat(opts.Table, opts.Columns),
		rows:      make(chan []any, opts.QueueLen),
		done:      make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func insertFormat(table string, columns []string) string {
	names := "("
	placeholders := "("
	for i, c := range columns {
		if i != 0 {
			names += ","
			placeholders += ","
		}
		names += c
		placeholders += "?"
	}
	names += ")"
	placeholders += ")"
	return fmt.Sprintf("REPLACE INTO %s %s VALUES %s", table, names, placeholders)
}

// Write enqueues a row for the next flush. It blocks if the writer's queue
// is full, applying backpressure to the caller rather than dropping items.
func (w *Writer) Write(row []any) {
	w.rows <- row
}

func (w *Writer) run() {
	ticker := time.NewTicker(w.opts.FlushEvery)
	defer ticker.Stop()
	for {
		select {
		case row := <-w.rows:
			w.mu.Lock()
			w.batch = append(w.batch, row)
			full := len(w.batch) >= w.opts.BatchSize
			w.mu.Unlock()
			if full {
				w.flush()
			}
		case <-ticker.C:
			w.flush()
		case <-w.done:
			w.flush()
			return
		}
	}
}

func (w *Writer) flush() {
	w.mu.Lock()
	batch := w.batch
	w.batch = nil
	w.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	tx, err := w.db.Begin()
	if err != nil {
		logrus.WithError(err).Error("storage: begin transaction failed")
		return
	}
	for _, row := range batch {
		if _, err := tx.Exec(w.sqlFormat, row...); err != nil {
			logrus.WithError(err).WithField("row", row).Error("storage: insert failed")
		}
	}
	if err := tx.Commit(); err != nil {
		logrus.WithError(err).Error("storage: commit failed")
	}
}

// Close flushes any pending rows and closes the underlying connection.
func (w *Writer) Close() error {
	close(w.done)
	return w.db.Close()
}

type mysqlPlugin struct{}

func init() {
	engine.RegisterStoragePlugin(engine.DefaultStorageIdentifier, mysqlPlugin{})
}

// PrepareForStart opens a Writer against args and publishes it on the
// bundle under BundleKeyWriter. args is normally a StorageArgs built in Go
// code, but a bundle assembled from YAML (config.PluginRef.Args) arrives as
// a plain map[string]any instead, so this also accepts that shape and
// builds a StorageArgs from its well-known keys.
func (mysqlPlugin) PrepareForStart(args engine.PluginArgs, bundle engine.Bundle) (engine.Bundle, error) {
	spec, err := storageArgsFrom(args)
	if err != nil {
		return nil, err
	}
	writer, err := NewWriter(spec.DSN, spec.WriteOptions)
	if err != nil {
		return nil, err
	}
	return bundle.With(BundleKeyWriter, writer), nil
}

func storageArgsFrom(args engine.PluginArgs) (StorageArgs, error) {
	switch v := args.(type) {
	case StorageArgs:
		return v, nil
	case map[string]any:
		return storageArgsFromMap(v)
	default:
		return StorageArgs{}, &engine.ErrConfiguration{
			Reason: "mysql storage plugin requires storage.StorageArgs or a map[string]any with the same keys",
		}
	}
}

func storageArgsFromMap(m map[string]any) (StorageArgs, error) {
	dsn := DSN{
		Username: stringField(m, "username"),
		Password: stringField(m, "password"),
		Host:     stringField(m, "host"),
		Port:     stringField(m, "port"),
		Database: stringField(m, "database"),
	}
	table := stringField(m, "table")
	if table == "" {
		return StorageArgs{}, &engine.ErrConfiguration{Reason: "mysql storage plugin requires a table name"}
	}

	var columns []string
	if raw, ok := m["columns"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return StorageArgs{}, &engine.ErrConfiguration{Reason: "mysql storage plugin: columns must be a list of strings"}
		}
		for _, c := range list {
			s, ok := c.(string)
			if !ok {
				return StorageArgs{}, &engine.ErrConfiguration{Reason: "mysql storage plugin: columns must be a list of strings"}
			}
			columns = append(columns, s)
		}
	}

	opts := WriteOptions{
		Table:      table,
		Columns:    columns,
		BatchSize:  intField(m, "batch_size"),
		FlushEvery: durationField(m, "flush_every"),
		QueueLen:   intField(m, "queue_len"),
	}
	return StorageArgs{DSN: dsn, WriteOptions: opts}, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64: // JSON-decoded numbers arrive as float64; yaml.v3 integers arrive as int
		return int(v)
	default:
		return 0
	}
}

func durationField(m map[string]any, key string) time.Duration {
	switch v := m[key].(type) {
	case time.Duration:
		return v
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0
		}
		return d
	default:
		return 0
	}
}

// StorageArgs is the Args shape the "mysql" plugin expects, passed as the
// storage option's PluginSpec.Args.
type StorageArgs struct {
	DSN          DSN
	WriteOptions WriteOptions
}
