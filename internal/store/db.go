package store

import (
    "context"
    "database/sql"
    "errors"
    "fmt"
    "io/fs"
    "path"
    "sort"
    "strconv"
    "strings"
    "time"

    "github.com/jackc/pgx/v5/pgconn"
    _ "github.com/jackc/pgx/v5/stdlib"
    "modernc.org/sqlite"
    sqlite3 "modernc.org/sqlite/lib"

    "lastmile/internal/store/migrations"
)

const (
    DriverPostgres = "pgx"
    DriverSQLite   = "sqlite"
)

const migrationTable = "schema_migrations"

// SQLSTATE unique_violation
const pgUniqueViolation = "23505"

// DB is a database/sql handle that knows its dialect. Queries are written with `?`
// placeholders and rebound for Postgres.
type DB struct {
    *sql.DB
    Driver string
}

// Open connects with driver ("pgx" or "sqlite") and pings the database.
func Open(driver, dsn string) (*DB, error) {
    switch driver {
    case "", "postgres", DriverPostgres:
        driver = DriverPostgres
    case DriverSQLite:
        if !strings.Contains(dsn, "?") && dsn != ":memory:" {
            dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
        }
    default:
        return nil, fmt.Errorf("unsupported database driver %q", driver)
    }
    db, err := sql.Open(driver, dsn)
    if err != nil {
        return nil, err
    }
    if driver == DriverSQLite {
        // a single writer avoids SQLITE_BUSY between pooled connections
        db.SetMaxOpenConns(1)
    }
    if err := db.Ping(); err != nil {
        _ = db.Close()
        return nil, err
    }
    return &DB{DB: db, Driver: driver}, nil
}

// Rebind rewrites `?` placeholders to `$n` for Postgres. Quoted literals are left alone.
func (d *DB) Rebind(q string) string {
    if d.Driver != DriverPostgres {
        return q
    }
    var b strings.Builder
    n := 0
    inQuote := false
    for _, r := range q {
        switch {
        case r == '\'':
            inQuote = !inQuote
            b.WriteRune(r)
        case r == '?' && !inQuote:
            n++
            b.WriteByte('$')
            b.WriteString(strconv.Itoa(n))
        default:
            b.WriteRune(r)
        }
    }
    return b.String()
}

func (d *DB) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
    return d.ExecContext(ctx, d.Rebind(q), args...)
}

func (d *DB) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
    return d.QueryContext(ctx, d.Rebind(q), args...)
}

func (d *DB) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
    return d.QueryRowContext(ctx, d.Rebind(q), args...)
}

// Exec, Query and QueryRow are the rebinding variants exported for other packages sharing the handle.
func (d *DB) Exec(ctx context.Context, q string, args ...any) (sql.Result, error) { return d.exec(ctx, q, args...) }
func (d *DB) Query(ctx context.Context, q string, args ...any) (*sql.Rows, error) { return d.query(ctx, q, args...) }
func (d *DB) QueryRow(ctx context.Context, q string, args ...any) *sql.Row { return d.queryRow(ctx, q, args...) }

// Migrate applies the embedded migrations for the handle's dialect, each file at most once.
func (d *DB) Migrate(ctx context.Context) error {
    root := "sqlite"
    if d.Driver == DriverPostgres {
        root = "postgres"
    }
    entries, err := fs.ReadDir(migrations.FS, root)
    if err != nil {
        return fmt.Errorf("read migrations dir: %w", err)
    }
    var files []string
    for _, e := range entries {
        if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
            files = append(files, e.Name())
        }
    }
    sort.Strings(files)

    if _, err := d.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+migrationTable+` (name TEXT PRIMARY KEY, applied_at BIGINT NOT NULL)`); err != nil {
        return fmt.Errorf("ensure migration table: %w", err)
    }
    for _, file := range files {
        name := path.Join(root, file)
        var found int
        err := d.queryRow(ctx, `SELECT 1 FROM `+migrationTable+` WHERE name = ?`, name).Scan(&found)
        if err == nil {
            continue
        }
        if err != sql.ErrNoRows {
            return fmt.Errorf("check migration %s: %w", name, err)
        }
        content, err := fs.ReadFile(migrations.FS, name)
        if err != nil {
            return fmt.Errorf("read migration %s: %w", name, err)
        }
        up := extractUp(string(content))
        if strings.TrimSpace(up) == "" {
            continue
        }
        tx, err := d.BeginTx(ctx, nil)
        if err != nil {
            return fmt.Errorf("begin migration %s: %w", name, err)
        }
        if _, err := tx.ExecContext(ctx, up); err != nil && !isAlreadyExists(err) {
            _ = tx.Rollback()
            return fmt.Errorf("exec migration %s: %w", name, err)
        }
        if _, err := tx.ExecContext(ctx, d.Rebind(`INSERT INTO `+migrationTable+` (name, applied_at) VALUES (?, ?)`), name, time.Now().UTC().UnixMilli()); err != nil {
            _ = tx.Rollback()
            return fmt.Errorf("record migration %s: %w", name, err)
        }
        if err := tx.Commit(); err != nil {
            return fmt.Errorf("commit migration %s: %w", name, err)
        }
    }
    return nil
}

func extractUp(content string) string {
    const up, down = "-- +migrate Up", "-- +migrate Down"
    i := strings.Index(content, up)
    if i == -1 {
        return content
    }
    content = content[i+len(up):]
    if j := strings.Index(content, down); j != -1 {
        content = content[:j]
    }
    return content
}

func isAlreadyExists(err error) bool {
    v := strings.ToLower(err.Error())
    return strings.Contains(v, "already exists") || strings.Contains(v, "duplicate column name")
}

// isUniqueViolation reports a unique/primary-key conflict from either driver.
func isUniqueViolation(err error) bool {
    if err == nil { return false }
    var pgErr *pgconn.PgError
    if errors.As(err, &pgErr) { return pgErr.Code == pgUniqueViolation }
    var liteErr *sqlite.Error
    if !errors.As(err, &liteErr) { return false }
    switch liteErr.Code() {
    case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
        return true
    case sqlite3.SQLITE_CONSTRAINT:
        // connection opened without extended result codes
        return strings.Contains(liteErr.Error(), "UNIQUE constraint failed")
    }
    return false
}

func msOrNil(t *time.Time) any {
    if t == nil || t.IsZero() {
        return nil
    }
    return t.UTC().UnixMilli()
}

func fromMS(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func fromNullMS(v sql.NullInt64) *time.Time {
    if !v.Valid {
        return nil
    }
    t := fromMS(v.Int64)
    return &t
}

func nullIfEmpty(s string) any {
    if strings.TrimSpace(s) == "" {
        return nil
    }
    return s
}
