package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MrCodeEU/rollcall/pkg/ledger"
)

var attendanceCmd = &cobra.Command{
	Use:     "attendance",
	Aliases: []string{"att"},
	Short:   "Browse and export attendance records",
}

var attendanceTodayCmd = &cobra.Command{
	Use:   "today",
	Short: "Show today's attendance",
	Args:  cobra.NoArgs,
	RunE:  runAttendanceToday,
}

var attendanceHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show attendance history, optionally filtered",
	Args:  cobra.NoArgs,
	RunE:  runAttendanceHistory,
}

var attendanceExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export all attendance records as CSV (stdout when no file is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAttendanceExport,
}

var attendanceMarkCmd = &cobra.Command{
	Use:   "mark <student-id>",
	Short: "Mark a registered student present without the camera",
	Args:  cobra.ExactArgs(1),
	RunE:  runAttendanceMark,
}

var attendanceStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show attendance totals",
	Args:  cobra.NoArgs,
	RunE:  runAttendanceStats,
}

func init() {
	rootCmd.AddCommand(attendanceCmd)
	attendanceCmd.AddCommand(attendanceTodayCmd)
	attendanceCmd.AddCommand(attendanceHistoryCmd)
	attendanceCmd.AddCommand(attendanceExportCmd)
	attendanceCmd.AddCommand(attendanceMarkCmd)
	attendanceCmd.AddCommand(attendanceStatsCmd)

	attendanceHistoryCmd.Flags().String("date", "", "Only records of this day (YYYY-MM-DD)")
	attendanceHistoryCmd.Flags().String("student-id", "", "Only records of this student id")
	attendanceHistoryCmd.Flags().String("name", "", "Only names containing this text (case-insensitive)")
}

func printRecords(w io.Writer, records []ledger.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No attendance records.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDATE\tTIME\tSTUDENT ID\tNAME\tSTATUS")
	for _, r := range records {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Date, r.Time, r.StudentID, r.StudentName, r.Status)
	}
	tw.Flush()
	fmt.Fprintf(w, "\nTotal: %d record(s)\n", len(records))
}

func runAttendanceToday(cmd *cobra.Command, args []string) error {
	a, err := open(cmd.Context(), cfg, false, true, false)
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.ledger.Today(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Attendance for %s\n\n", a.ledger.TodayDate())
	printRecords(os.Stdout, records)
	return nil
}

func runAttendanceHistory(cmd *cobra.Command, args []string) error {
	a, err := open(cmd.Context(), cfg, false, true, false)
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.ledger.History(cmd.Context(), ledger.Filter{
		Date:      mustGetString(cmd, "date"),
		StudentID: mustGetString(cmd, "student-id"),
		Name:      mustGetString(cmd, "name"),
	})
	if err != nil {
		return err
	}
	printRecords(os.Stdout, records)
	return nil
}

func runAttendanceExport(cmd *cobra.Command, args []string) error {
	a, err := open(cmd.Context(), cfg, false, true, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 0 {
		_, err := a.ledger.ExportCSV(cmd.Context(), os.Stdout)
		return err
	}

	n, err := a.ledger.ExportFile(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Exported %d record(s) to %s\n", n, args[0])
	return nil
}

func runAttendanceMark(cmd *cobra.Command, args []string) error {
	a, err := open(cmd.Context(), cfg, true, true, false)
	if err != nil {
		return err
	}
	defer a.Close()

	student, err := a.store.Get(args[0])
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	rec, result, err := a.ledger.Mark(cmd.Context(), student.StudentID, student.Name)
	if err != nil {
		return err
	}
	switch result {
	case ledger.AlreadyMarked:
		fmt.Printf("%s was already marked present today at %s.\n", rec.StudentName, rec.Time)
	default:
		fmt.Printf("%s marked present at %s.\n", rec.StudentName, rec.Time)
	}
	return nil
}

func runAttendanceStats(cmd *cobra.Command, args []string) error {
	a, err := open(cmd.Context(), cfg, false, true, false)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.ledger.Stats(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Records:           %d\n", st.TotalRecords)
	fmt.Printf("Distinct students: %d\n", st.DistinctStudents)
	fmt.Printf("Present today:     %d\n", st.Today)
	return nil
}
