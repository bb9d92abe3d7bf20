package ledger

import (
	"fmt"
	"strconv"
	"strings"
)

// dialect captures the SQL differences between the supported drivers.
type dialect struct {
	// driver is the database/sql driver name.
	driver string
	// migrationsTable creates the schema_migrations bookkeeping table.
	migrationsTable string
	// insertIfAbsent inserts one attendance row, doing nothing when the
	// (date, student_id) pair exists.
	insertIfAbsent string
	// likeEscape is appended to LIKE comparisons that use backslash escapes.
	likeEscape string
	// numbered placeholders ($1, $2, ...) instead of ?.
	numbered bool
}

var dialects = map[string]dialect{
	"sqlite": {
		driver: "sqlite",
		migrationsTable: `CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		insertIfAbsent: `INSERT INTO attendance (date, time, student_id, student_name, status)
			VALUES (?, ?, ?, ?, ?) ON CONFLICT (date, student_id) DO NOTHING`,
		likeEscape: ` ESCAPE '\'`,
	},
	"postgres": {
		driver: "postgres",
		migrationsTable: `CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		insertIfAbsent: `INSERT INTO attendance (date, time, student_id, student_name, status)
			VALUES (?, ?, ?, ?, ?) ON CONFLICT (date, student_id) DO NOTHING`,
		numbered: true,
	},
	"mysql": {
		driver: "mysql",
		migrationsTable: `CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		// A no-op update reports zero affected rows unless the DSN sets
		// clientFoundRows. INSERT IGNORE would also swallow data errors.
		insertIfAbsent: `INSERT INTO attendance (date, time, student_id, student_name, status)
			VALUES (?, ?, ?, ?, ?) ON DUPLICATE KEY UPDATE id = id`,
	},
}

func lookupDialect(driver string) (dialect, error) {
	d, ok := dialects[driver]
	if !ok {
		return dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
	return d, nil
}

// rebind rewrites ? placeholders for drivers that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// escapeLike escapes LIKE metacharacters so s matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// splitStatements splits a migration file into individual statements.
// Statements end with a semicolon at the end of a line.
func splitStatements(script string) []string {
	var stmts []string
	var cur strings.Builder

	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			stmt := strings.TrimSuffix(strings.TrimSpace(cur.String()), ";")
			stmts = append(stmts, stmt)
			cur.Reset()
		}
	}
	if rest := strings.TrimSpace(cur.String()); rest != "" {
		stmts = append(stmts, rest)
	}
	return stmts
}
