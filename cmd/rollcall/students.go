package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MrCodeEU/rollcall/pkg/camera"
	"github.com/MrCodeEU/rollcall/pkg/pipeline"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <student-id> <name> [image...]",
	Short: "Register a student from photos or the camera",
	Long: `Register a student. Each photo must show exactly one face; several photos
are averaged into one embedding. Without photos a single frame is captured
from the configured camera.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runEnroll,
}

var studentsCmd = &cobra.Command{
	Use:   "students",
	Short: "Manage the student roster",
}

var studentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered students",
	Args:  cobra.NoArgs,
	RunE:  runStudentsList,
}

var studentsRemoveCmd = &cobra.Command{
	Use:   "remove <student-id>",
	Short: "Remove a student from the roster",
	Args:  cobra.ExactArgs(1),
	RunE:  runStudentsRemove,
}

func init() {
	rootCmd.AddCommand(enrollCmd)
	rootCmd.AddCommand(studentsCmd)
	studentsCmd.AddCommand(studentsListCmd)
	studentsCmd.AddCommand(studentsRemoveCmd)
}

func runEnroll(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	studentID, name := args[0], args[1]

	images, err := enrollmentImages(ctx, args[2:])
	if err != nil {
		return err
	}

	a, err := open(ctx, cfg, true, false, true)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := pipeline.NewEnroller(a.model, a.model, a.store).Enroll(ctx, studentID, name, images...)
	if err != nil {
		return fmt.Errorf("enrollment failed: %w", err)
	}

	fmt.Printf("Registered %s (%s) with %d photo(s).\n", rec.Name, rec.StudentID, len(images))
	return nil
}

func enrollmentImages(ctx context.Context, paths []string) ([][]byte, error) {
	if len(paths) == 0 {
		fmt.Println("Look at the camera...")
		src := camera.NewFFmpegSource(cameraOptions())
		frame, err := src.Capture(ctx)
		if err != nil {
			return nil, err
		}
		return [][]byte{frame.Data}, nil
	}

	images := make([][]byte, 0, len(paths))
	for _, p := range paths {
		frame, err := camera.ReadFile(p)
		if err != nil {
			return nil, err
		}
		images = append(images, frame.Data)
	}
	return images, nil
}

func cameraOptions() camera.Options {
	return camera.Options{
		Device:     cfg.Camera.Device,
		Width:      cfg.Camera.Width,
		Height:     cfg.Camera.Height,
		FPS:        cfg.Camera.FPS,
		FFmpegPath: cfg.Camera.FFmpegPath,
	}
}

func runStudentsList(cmd *cobra.Command, args []string) error {
	a, err := open(cmd.Context(), cfg, true, false, false)
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.store.Records()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No students registered.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STUDENT ID\tNAME\tREGISTERED")
	for _, r := range records {
		registered := "-"
		if !r.RegisteredAt.IsZero() {
			registered = r.RegisteredAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.StudentID, r.Name, registered)
	}
	w.Flush()
	fmt.Printf("\nTotal: %d student(s)\n", len(records))
	return nil
}

func runStudentsRemove(cmd *cobra.Command, args []string) error {
	a, err := open(cmd.Context(), cfg, true, false, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.Remove(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Student %s has been removed.\n", args[0])
	return nil
}
