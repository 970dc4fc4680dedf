package kvstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/rzpsarthak13/docbatch/internal/core"
	"github.com/rzpsarthak13/docbatch/internal/registry"
)

// MySQL server error numbers the backend distinguishes.
const (
	mysqlErrDupEntry        = 1062
	mysqlErrDataTooLong     = 1406
	mysqlErrPacketTooLarge  = 1153
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
)

// MySQLMaxKeyBytes is the width of the doc_key column.
const MySQLMaxKeyBytes = 250

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// MySQLBackend implements core.Backend on a single MySQL table:
//
//	doc_key VARBINARY(250) PRIMARY KEY, value LONGBLOB, cas BIGINT UNSIGNED, expires_at BIGINT NULL
//
// expires_at holds unix seconds; rows at or past it are treated as absent.
type MySQLBackend struct {
	db     *sql.DB
	table  string
	now    func() time.Time
	cas    *casSource
	closed atomic.Bool
	logger *slog.Logger

	createSQL  string
	purgeSQL   string
	insertSQL  string
	touchSQL   string
	persistSQL string
	removeSQL  string
}

// MySQLOptions configures a MySQLBackend.
type MySQLOptions struct {
	Host              string
	Port              int
	Database          string
	Username          string
	Password          string
	Table             string
	CreateTable       bool
	MaxOpenConns      int
	MaxIdleConns      int
	ConnMaxLifetime   time.Duration
	ConnMaxIdleTime   time.Duration
	ConnectionTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
}

// DSN renders the go-sql-driver connection string for opts.
func (opts MySQLOptions) DSN() string {
	cfg := mysql.NewConfig()
	cfg.User = opts.Username
	cfg.Passwd = opts.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	cfg.DBName = opts.Database
	cfg.ParseTime = true
	cfg.Timeout = opts.ConnectionTimeout
	cfg.ReadTimeout = opts.ReadTimeout
	cfg.WriteTimeout = opts.WriteTimeout
	return cfg.FormatDSN()
}

// NewMySQLBackend opens a connection pool, pings the server and optionally
// creates the document table.
func NewMySQLBackend(ctx context.Context, opts MySQLOptions, logger *slog.Logger) (*MySQLBackend, error) {
	if opts.Table == "" {
		opts.Table = "documents"
	}
	if !tableNamePattern.MatchString(opts.Table) {
		return nil, fmt.Errorf("invalid table name %q", opts.Table)
	}

	db, err := sql.Open("mysql", opts.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)

	timeout := opts.ConnectionTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	backend := newMySQLBackend(db, opts.Table, time.Now, logger)
	if opts.CreateTable {
		if err := backend.EnsureTable(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return backend, nil
}

func newMySQLBackend(db *sql.DB, table string, now func() time.Time, logger *slog.Logger) *MySQLBackend {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	live := "(expires_at IS NULL OR expires_at > ?)"
	return &MySQLBackend{
		db:     db,
		table:  table,
		now:    now,
		cas:    newCASSource(now),
		logger: logger.With("backend", "mysql", "table", table),

		createSQL: fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s` ("+
			"doc_key VARBINARY(250) NOT NULL PRIMARY KEY, "+
			"value LONGBLOB NOT NULL, "+
			"cas BIGINT UNSIGNED NOT NULL, "+
			"expires_at BIGINT NULL)", table),
		purgeSQL:   fmt.Sprintf("DELETE FROM `%s` WHERE doc_key = ? AND expires_at IS NOT NULL AND expires_at <= ?", table),
		insertSQL:  fmt.Sprintf("INSERT INTO `%s` (doc_key, value, cas, expires_at) VALUES (?, ?, ?, ?)", table),
		touchSQL:   fmt.Sprintf("UPDATE `%s` SET cas = ?, expires_at = ? WHERE doc_key = ? AND %s", table, live),
		persistSQL: fmt.Sprintf("UPDATE `%s` SET cas = ?, expires_at = NULL WHERE doc_key = ? AND %s", table, live),
		removeSQL:  fmt.Sprintf("DELETE FROM `%s` WHERE doc_key = ? AND %s", table, live),
	}
}

func checkMySQLKey(key string) *core.KeyError {
	switch {
	case key == "":
		return core.NewKeyError(core.CodeInvalidArgument, "empty key")
	case len(key) > MySQLMaxKeyBytes:
		return core.NewKeyError(core.CodeInvalidArgument, "key is %d bytes, limit is %d", len(key), MySQLMaxKeyBytes)
	}
	return nil
}

// EnsureTable creates the document table if it does not exist.
func (m *MySQLBackend) EnsureTable(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, m.createSQL); err != nil {
		return fmt.Errorf("failed to create table %s: %w", m.table, err)
	}
	return nil
}

func expiresAtUnix(now time.Time, expiry int64) sql.NullInt64 {
	if expiry <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: expiresAtUnixSeconds(now, expiry), Valid: true}
}

// InsertMulti inserts every document, processing keys in sorted order.
// An expired row under the same key is purged first.
func (m *MySQLBackend) InsertMulti(ctx context.Context, docs map[string]core.InsertDoc, opts core.InsertOptions) (*core.BatchResult, error) {
	if m.closed.Load() {
		return nil, ErrBackendClosed
	}

	res := core.NewBatchResult(len(docs))
	for _, key := range sortedKeys(docs) {
		if keyErr := checkMySQLKey(key); keyErr != nil {
			res.Set(key, core.Failed(keyErr))
			continue
		}
		value, err := json.Marshal(docs[key].Value)
		if err != nil {
			res.Set(key, core.Failed(core.NewKeyError(core.CodeInvalidArgument, "value is not serializable: %v", err)))
			continue
		}

		now := m.now()
		if _, err := m.db.ExecContext(ctx, m.purgeSQL, key, now.Unix()); err != nil {
			keyErr, fatal := m.classify(ctx, err, core.CodeKeyExists)
			if fatal != nil {
				return nil, fmt.Errorf("failed to insert batch: %w", fatal)
			}
			res.Set(key, core.Failed(keyErr))
			continue
		}

		cas := m.cas.next()
		if _, err := m.db.ExecContext(ctx, m.insertSQL, key, value, uint64(cas), expiresAtUnix(now, opts.Expiry)); err != nil {
			keyErr, fatal := m.classify(ctx, err, core.CodeKeyExists)
			if fatal != nil {
				return nil, fmt.Errorf("failed to insert batch: %w", fatal)
			}
			res.Set(key, core.Failed(keyErr))
			continue
		}
		res.Set(key, core.Succeeded(cas))
	}

	m.logger.DebugContext(ctx, "insert batch executed", "keys", len(docs), "expiry", opts.Expiry)
	return res, nil
}

// TouchMulti updates the expiry of every live row.
func (m *MySQLBackend) TouchMulti(ctx context.Context, docs map[string]core.TouchDoc) (*core.BatchResult, error) {
	if m.closed.Load() {
		return nil, ErrBackendClosed
	}

	res := core.NewBatchResult(len(docs))
	for _, key := range sortedKeys(docs) {
		if keyErr := checkMySQLKey(key); keyErr != nil {
			res.Set(key, core.Failed(keyErr))
			continue
		}

		now := m.now()
		cas := m.cas.next()
		var result sql.Result
		var err error
		if expiry := docs[key].Expiry; expiry > 0 {
			result, err = m.db.ExecContext(ctx, m.touchSQL, uint64(cas), expiresAtUnixSeconds(now, expiry), key, now.Unix())
		} else {
			result, err = m.db.ExecContext(ctx, m.persistSQL, uint64(cas), key, now.Unix())
		}
		outcome, fatal := m.affected(ctx, result, err, cas, core.CodeKeyMissing)
		if fatal != nil {
			return nil, fmt.Errorf("failed to touch batch: %w", fatal)
		}
		res.Set(key, outcome)
	}

	m.logger.DebugContext(ctx, "touch batch executed", "keys", len(docs))
	return res, nil
}

// RemoveMulti deletes every live row.
func (m *MySQLBackend) RemoveMulti(ctx context.Context, keys []string) (*core.BatchResult, error) {
	if m.closed.Load() {
		return nil, ErrBackendClosed
	}

	res := core.NewBatchResult(len(keys))
	for _, key := range keys {
		if keyErr := checkMySQLKey(key); keyErr != nil {
			res.Set(key, core.Failed(keyErr))
			continue
		}
		if _, done := res.Results[key]; done {
			continue
		}

		result, err := m.db.ExecContext(ctx, m.removeSQL, key, m.now().Unix())
		outcome, fatal := m.affected(ctx, result, err, core.CAS(0), core.CodeKeyMissing)
		if fatal != nil {
			return nil, fmt.Errorf("failed to remove batch: %w", fatal)
		}
		res.Set(key, outcome)
	}

	m.logger.DebugContext(ctx, "remove batch executed", "keys", len(keys))
	return res, nil
}

// affected turns a conditional statement's result into an outcome: no
// affected rows means the key was not live.
func (m *MySQLBackend) affected(ctx context.Context, result sql.Result, err error, cas core.CAS, missing core.ErrorCode) (core.KeyOutcome, error) {
	if err != nil {
		keyErr, fatal := m.classify(ctx, err, missing)
		if fatal != nil {
			return core.KeyOutcome{}, fatal
		}
		return core.Failed(keyErr), nil
	}
	n, err := result.RowsAffected()
	if err != nil {
		return core.Failed(core.NewKeyError(core.CodeGeneric, "%v", err)), nil
	}
	if n == 0 {
		return core.Failed(core.NewKeyError(missing, "key not found")), nil
	}
	return core.Succeeded(cas), nil
}

// classify maps a statement error to a per-key error. Errors the server did
// not report (connection loss, context) are returned as fatal.
func (m *MySQLBackend) classify(ctx context.Context, err error, conflict core.ErrorCode) (*core.KeyError, error) {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		m.logger.ErrorContext(ctx, "statement failed", "error", err)
		return nil, err
	}

	switch myErr.Number {
	case mysqlErrDupEntry:
		return core.NewKeyError(core.CodeKeyExists, "key already exists"), nil
	case mysqlErrDataTooLong, mysqlErrPacketTooLarge:
		return core.NewKeyError(core.CodeValueTooBig, "%s", myErr.Message), nil
	case mysqlErrLockWaitTimeout, mysqlErrDeadlock:
		return core.NewKeyError(core.CodeTemporaryFailure, "%s", myErr.Message), nil
	default:
		return core.NewKeyError(core.CodeGeneric, "mysql error %d: %s", myErr.Number, myErr.Message), nil
	}
}

// Close closes the connection pool.
func (m *MySQLBackend) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	return m.db.Close()
}

// MySQLBackendFactory creates MySQL backends.
type MySQLBackendFactory struct{}

// Type returns the type identifier for this factory.
func (f *MySQLBackendFactory) Type() string {
	return "mysql"
}

// Create creates a new MySQL backend from cfg.
func (f *MySQLBackendFactory) Create(ctx context.Context, cfg registry.BackendConfig, logger *slog.Logger) (core.ClosableBackend, error) {
	backend, err := NewMySQLBackend(ctx, MySQLOptions{
		Host:              cfg.MySQL.Host,
		Port:              cfg.MySQL.Port,
		Database:          cfg.MySQL.Database,
		Username:          cfg.MySQL.Username,
		Password:          cfg.MySQL.Password,
		Table:             cfg.MySQL.Table,
		CreateTable:       cfg.MySQL.CreateTable,
		MaxOpenConns:      cfg.MySQL.MaxOpenConns,
		MaxIdleConns:      cfg.MySQL.MaxIdleConns,
		ConnMaxLifetime:   cfg.MySQL.ConnMaxLifetime,
		ConnMaxIdleTime:   cfg.MySQL.ConnMaxIdleTime,
		ConnectionTimeout: cfg.MySQL.ConnectionTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create MySQL backend: %w", err)
	}
	return backend, nil
}

// MySQLConfigValidator validates the mysql section of the configuration.
type MySQLConfigValidator struct{}

// Type returns the type identifier for this validator.
func (v *MySQLConfigValidator) Type() string {
	return "mysql"
}

// Validate validates the MySQL-specific configuration.
func (v *MySQLConfigValidator) Validate(config *registry.Config) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	mysqlConfig := config.Backend.MySQL
	if mysqlConfig.Host == "" {
		return fmt.Errorf("host is required for MySQL")
	}
	if mysqlConfig.Port <= 0 || mysqlConfig.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got: %d", mysqlConfig.Port)
	}
	if mysqlConfig.Database == "" {
		return fmt.Errorf("database is required for MySQL")
	}
	if mysqlConfig.Username == "" {
		return fmt.Errorf("username is required for MySQL")
	}
	if mysqlConfig.Table != "" && !tableNamePattern.MatchString(mysqlConfig.Table) {
		return fmt.Errorf("invalid table name %q", mysqlConfig.Table)
	}
	if mysqlConfig.MaxOpenConns <= 0 {
		return fmt.Errorf("max_open_conns must be greater than 0, got: %d", mysqlConfig.MaxOpenConns)
	}
	return validateTimeouts(config.Backend)
}

func init() {
	RegisterFactory(&MySQLBackendFactory{})
	registry.RegisterValidator(&MySQLConfigValidator{})
}
