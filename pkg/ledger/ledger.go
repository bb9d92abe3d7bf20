// Package ledger records daily attendance in a relational database.
//
// Each student has at most one record per calendar day. The invariant is
// enforced by a unique index on (date, student_id), so concurrent marks for
// the same student resolve inside the database and exactly one insert wins.
// SQLite (modernc), PostgreSQL (lib/pq) and MySQL (go-sql-driver) are
// supported.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/MrCodeEU/rollcall/pkg/logging"
)

const (
	// DateLayout is the stored date format.
	DateLayout = "2006-01-02"
	// TimeLayout is the stored time-of-day format.
	TimeLayout = "15:04:05"
	// StatusPresent is the only status the ledger writes.
	StatusPresent = "Present"
)

// Record is one attendance row.
type Record struct {
	ID          int64  `json:"id"`
	Date        string `json:"date"`
	Time        string `json:"time"`
	StudentID   string `json:"student_id"`
	StudentName string `json:"student_name"`
	Status      string `json:"status"`
}

// Result is the outcome of Mark.
type Result int

const (
	// Marked means a new record was written.
	Marked Result = iota + 1
	// AlreadyMarked means the student already had a record for the day.
	AlreadyMarked
)

func (r Result) String() string {
	switch r {
	case Marked:
		return "marked"
	case AlreadyMarked:
		return "already_marked"
	default:
		return "unknown"
	}
}

// Filter narrows History. Empty fields are ignored; set fields are ANDed.
type Filter struct {
	Date      string // exact, YYYY-MM-DD
	StudentID string // exact
	Name      string // case-insensitive substring
}

// Stats summarises the ledger.
type Stats struct {
	TotalRecords     int64 `json:"total_records"`
	DistinctStudents int64 `json:"distinct_students"`
	Today            int64 `json:"today"`
}

// ErrInvalidFilter is returned for malformed filter values.
var ErrInvalidFilter = errors.New("invalid filter")

// Config configures Open.
type Config struct {
	Driver       string
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	// Location decides which calendar day "today" is. Nil means local time.
	Location *time.Location
}

// Ledger is the attendance store.
type Ledger struct {
	db      *sql.DB
	dialect dialect
	loc     *time.Location
	now     func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source used for marks and "today".
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// Open connects to the database, verifies the connection and applies
// pending migrations.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Ledger, error) {
	d, err := lookupDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return nil, errors.New("database URL is required")
	}

	dsn := cfg.URL
	maxOpen := cfg.MaxOpenConns
	if d.driver == "sqlite" {
		dsn, err = sqliteDSN(cfg.URL)
		if err != nil {
			return nil, err
		}
		if cfg.URL == ":memory:" {
			// Every connection would see its own empty database.
			maxOpen = 1
		}
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	lifetime, idleTime := connLifetimes(d.driver, cfg.URL)
	db.SetConnMaxLifetime(lifetime)
	db.SetConnMaxIdleTime(idleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}

	l := &Ledger{db: db, dialect: d, loc: loc, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}

	if err := l.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logging.Component("ledger").Infof("Attendance ledger ready (%s)", d.driver)
	return l, nil
}

// connLifetimes returns the pool recycling limits. An in-memory SQLite
// database lives only as long as its single connection, so it is never
// recycled.
func connLifetimes(driver, url string) (lifetime, idleTime time.Duration) {
	if driver == "sqlite" && url == ":memory:" {
		return 0, 0
	}
	return time.Hour, 10 * time.Minute
}

// sqliteDSN adds a busy timeout and WAL journaling unless the URL sets
// its own pragmas, and creates the parent directory of file databases.
func sqliteDSN(url string) (string, error) {
	if url == ":memory:" {
		return url, nil
	}

	path := strings.TrimPrefix(url, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return "", fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	if strings.Contains(url, "_pragma=") {
		return url, nil
	}
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return url + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", nil
}

// DB returns the underlying sql.DB for direct access.
func (l *Ledger) DB() *sql.DB {
	return l.db
}

// Driver returns the database driver name.
func (l *Ledger) Driver() string {
	return l.dialect.driver
}

// Close closes the connection pool.
func (l *Ledger) Close() error {
	if l.db != nil {
		if err := l.db.Close(); err != nil {
			return fmt.Errorf("closing database connection: %w", err)
		}
	}
	return nil
}

// Ping verifies the database is reachable.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// TodayDate returns the current calendar date in the ledger's location.
func (l *Ledger) TodayDate() string {
	return l.now().In(l.loc).Format(DateLayout)
}

// Mark records the student as present today. A second mark on the same day
// writes nothing and returns AlreadyMarked with the stored record.
func (l *Ledger) Mark(ctx context.Context, studentID, name string) (Record, Result, error) {
	if studentID == "" {
		return Record{}, 0, errors.New("student id is required")
	}

	now := l.now().In(l.loc)
	date := now.Format(DateLayout)

	res, err := l.db.ExecContext(ctx, l.dialect.rebind(l.dialect.insertIfAbsent),
		date, now.Format(TimeLayout), studentID, name, StatusPresent)
	if err != nil {
		return Record{}, 0, fmt.Errorf("insert attendance: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return Record{}, 0, fmt.Errorf("insert attendance: %w", err)
	}

	result := Marked
	if affected == 0 {
		result = AlreadyMarked
	}

	rec, err := l.find(ctx, date, studentID)
	if err != nil {
		return Record{}, 0, err
	}

	logging.Component("ledger").WithFields(logging.Fields{
		"student_id": studentID,
		"date":       date,
		"result":     result.String(),
	}).Debug("Attendance mark")
	return rec, result, nil
}

func (l *Ledger) find(ctx context.Context, date, studentID string) (Record, error) {
	query := l.dialect.rebind(`SELECT id, date, time, student_id, student_name, status
		FROM attendance WHERE date = ? AND student_id = ?`)

	var r Record
	err := l.db.QueryRowContext(ctx, query, date, studentID).
		Scan(&r.ID, &r.Date, &r.Time, &r.StudentID, &r.StudentName, &r.Status)
	if err != nil {
		return Record{}, fmt.Errorf("load attendance record: %w", err)
	}
	return r, nil
}

// Today returns today's records ordered by id.
func (l *Ledger) Today(ctx context.Context) ([]Record, error) {
	return l.History(ctx, Filter{Date: l.TodayDate()})
}

// History returns records matching every set filter field, ordered by id.
func (l *Ledger) History(ctx context.Context, f Filter) ([]Record, error) {
	var (
		conds []string
		args  []any
	)

	if f.Date != "" {
		if _, err := time.Parse(DateLayout, f.Date); err != nil {
			return nil, fmt.Errorf("%w: date %q is not YYYY-MM-DD", ErrInvalidFilter, f.Date)
		}
		conds = append(conds, "date = ?")
		args = append(args, f.Date)
	}
	if f.StudentID != "" {
		conds = append(conds, "student_id = ?")
		args = append(args, f.StudentID)
	}
	if f.Name != "" {
		conds = append(conds, "LOWER(student_name) LIKE ?"+l.dialect.likeEscape)
		args = append(args, "%"+escapeLike(strings.ToLower(f.Name))+"%")
	}

	query := "SELECT id, date, time, student_id, student_name, status FROM attendance"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"

	rows, err := l.db.QueryContext(ctx, l.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query attendance: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Date, &r.Time, &r.StudentID, &r.StudentName, &r.Status); err != nil {
			return nil, fmt.Errorf("scan attendance: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attendance: %w", err)
	}
	return records, nil
}

// Stats returns record counts for reporting.
func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	var s Stats

	err := l.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COUNT(DISTINCT student_id) FROM attendance").
		Scan(&s.TotalRecords, &s.DistinctStudents)
	if err != nil {
		return Stats{}, fmt.Errorf("count attendance: %w", err)
	}

	err = l.db.QueryRowContext(ctx,
		l.dialect.rebind("SELECT COUNT(*) FROM attendance WHERE date = ?"), l.TodayDate()).
		Scan(&s.Today)
	if err != nil {
		return Stats{}, fmt.Errorf("count today's attendance: %w", err)
	}
	return s, nil
}
