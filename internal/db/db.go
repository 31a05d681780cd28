package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row addressed by id does not exist.
var ErrNotFound = errors.New("not found")

// Dialect selects the SQL flavour of the backing store.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// ParseDialect maps a configured driver name onto a Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "", "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	}
	return SQLite, fmt.Errorf("unknown database driver %q", name)
}

// DB wraps a database connection pool
type DB struct {
	conn    *sqlx.DB
	reader  *sqlx.DB // SQLite only: deferred transactions for snapshot reads
	Path    string
	Dialect Dialect
}

// OpenDB opens a SQLite database with WAL mode and foreign keys enabled on
// every pooled connection. Writes go through a pool whose transactions begin
// IMMEDIATE; reads use a second pool with deferred transactions so readers
// neither queue behind writers nor block them.
func OpenDB(path string) (*DB, error) {
	conn, err := openSQLite(path, "immediate")
	if err != nil {
		return nil, err
	}
	reader, err := openSQLite(path, "deferred")
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &DB{conn: conn, reader: reader, Path: path, Dialect: SQLite}, nil
}

func openSQLite(path, txlock string) (*sqlx.DB, error) {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Set("_txlock", txlock)

	conn, err := sqlx.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return conn, nil
}

// OpenPostgres opens a PostgreSQL database through the pgx stdlib driver.
func OpenPostgres(ctx context.Context, dsn string) (*DB, error) {
	conn, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	return &DB{conn: conn, Path: dsn, Dialect: Postgres}, nil
}

// Open opens the store for the given dialect. For SQLite the dsn is a file path.
func Open(ctx context.Context, dialect Dialect, dsn string) (*DB, error) {
	if dialect == Postgres {
		return OpenPostgres(ctx, dsn)
	}
	return OpenDB(dsn)
}

// Close closes the database connections
func (d *DB) Close() error {
	if d.reader != nil {
		d.reader.Close()
	}
	return d.conn.Close()
}

// Conn returns the underlying sqlx.DB for custom queries
func (d *DB) Conn() *sqlx.DB {
	return d.conn
}

// ExecuteWrite runs fn inside a single read-write transaction. The
// transaction commits only if fn returns nil.
func (d *DB) ExecuteWrite(ctx context.Context, fn func(s *Session) error) (err error) {
	tx, err := d.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&Session{ext: tx, dialect: d.Dialect, locking: true}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ExecuteRead runs fn inside one transaction so every query sees the same
// snapshot. On PostgreSQL this is a read-only repeatable-read transaction.
// On SQLite it is a deferred transaction on the reader pool: WAL fixes its
// snapshot at the first read and keeps it until the transaction ends, while
// writers commit alongside it.
func (d *DB) ExecuteRead(ctx context.Context, fn func(s *Session) error) error {
	var (
		tx  *sqlx.Tx
		err error
	)
	if d.reader != nil {
		tx, err = d.reader.BeginTxx(ctx, nil)
	} else {
		tx, err = d.conn.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead})
	}
	if err != nil {
		return fmt.Errorf("beginning read transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Session{ext: tx, dialect: d.Dialect}); err != nil {
		return err
	}
	return tx.Commit()
}

// Session issues queries against either a transaction or the pool.
type Session struct {
	ext     sqlx.ExtContext
	dialect Dialect
	locking bool
}

// Dialect reports the SQL flavour behind the session.
func (s *Session) Dialect() Dialect {
	return s.dialect
}

// in expands slice arguments in query and rebinds placeholders for the dialect.
func (s *Session) in(query string, args ...any) (string, []any, error) {
	q, a, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, err
	}
	return s.ext.Rebind(q), a, nil
}

func (s *Session) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	q, a, err := s.in(query, args...)
	if err != nil {
		return nil, err
	}
	return s.ext.ExecContext(ctx, q, a...)
}

func (s *Session) selectRows(ctx context.Context, dest any, query string, args ...any) error {
	q, a, err := s.in(query, args...)
	if err != nil {
		return err
	}
	return sqlx.SelectContext(ctx, s.ext, dest, q, a...)
}

func (s *Session) get(ctx context.Context, dest any, query string, args ...any) error {
	q, a, err := s.in(query, args...)
	if err != nil {
		return err
	}
	err = sqlx.GetContext(ctx, s.ext, dest, q, a...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// insertReturningID runs an INSERT ... RETURNING id statement.
func (s *Session) insertReturningID(ctx context.Context, query string, args ...any) (int64, error) {
	var id int64
	if err := s.get(ctx, &id, query+" RETURNING id", args...); err != nil {
		return 0, err
	}
	return id, nil
}

// idChunk bounds the number of bind parameters in a single IN list.
var idChunk = 5000

func chunkIDs(ids []int64) [][]int64 {
	var out [][]int64
	for len(ids) > idChunk {
		out = append(out, ids[:idChunk])
		ids = ids[idChunk:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
