package ledger

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/google/renameio"
)

// csvHeader is the column order of every export.
var csvHeader = []string{"id", "date", "time", "student_id", "student_name", "status"}

// ExportCSV writes every record to w ordered by id and returns the number
// of data rows written.
func (l *Ledger) ExportCSV(ctx context.Context, w io.Writer) (int, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT id, date, time, student_id, student_name, status FROM attendance ORDER BY id")
	if err != nil {
		return 0, fmt.Errorf("query attendance: %w", err)
	}
	defer rows.Close()

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return 0, err
	}

	n := 0
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Date, &r.Time, &r.StudentID, &r.StudentName, &r.Status); err != nil {
			return n, fmt.Errorf("scan attendance: %w", err)
		}
		if err := cw.Write([]string{strconv.FormatInt(r.ID, 10), r.Date, r.Time, r.StudentID, r.StudentName, r.Status}); err != nil {
			return n, err
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return n, fmt.Errorf("iterate attendance: %w", err)
	}

	cw.Flush()
	return n, cw.Error()
}

// ExportFile writes the CSV export to path, replacing it atomically.
func (l *Ledger) ExportFile(ctx context.Context, path string) (int, error) {
	var buf bytes.Buffer
	n, err := l.ExportCSV(ctx, &buf)
	if err != nil {
		return 0, err
	}
	if err := renameio.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return 0, fmt.Errorf("write export: %w", err)
	}
	return n, nil
}
