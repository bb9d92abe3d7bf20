package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MrCodeEU/rollcall/pkg/camera"
	"github.com/MrCodeEU/rollcall/pkg/pipeline"
)

var recognizeCmd = &cobra.Command{
	Use:   "recognize <dir>",
	Short: "Recognize every image in a directory and mark attendance",
	Long: `Run the recognition pipeline over the JPEG images in a directory, for
example photos taken by a door camera while the server was down. Each
recognized student is marked present once per day.`,
	Args: cobra.ExactArgs(1),
	RunE: runRecognize,
}

var liveCmd = &cobra.Command{
	Use:   "live",
	Short: "Recognize students from the camera until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runLive,
}

func init() {
	rootCmd.AddCommand(recognizeCmd)
	rootCmd.AddCommand(liveCmd)

	recognizeCmd.Flags().Int("concurrency", 4, "Number of images processed in parallel")
	recognizeCmd.Flags().Bool("dry-run", false, "Identify students without marking attendance")
	recognizeCmd.Flags().BoolP("verbose", "v", false, "Print the outcome of every image")
}

// frameResult is the outcome for one batch image.
type frameResult struct {
	Path    string
	Outcome pipeline.Outcome
}

// processFunc runs the pipeline on one image.
type processFunc func(ctx context.Context, image []byte) pipeline.Outcome

// recognizeFiles processes files with bounded concurrency. Unreadable files
// become failed outcomes; the batch only stops when ctx is cancelled.
func recognizeFiles(ctx context.Context, files []string, concurrency int, process processFunc, progress func()) ([]frameResult, error) {
	results := make([]frameResult, len(files))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))

	for i, path := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			var out pipeline.Outcome
			frame, err := camera.ReadFile(path)
			if err != nil {
				out = pipeline.Outcome{
					Code:    pipeline.CodeFailed,
					Stage:   pipeline.StageDetect,
					Message: pipeline.FailureMessage(pipeline.StageDetect),
					Err:     err,
				}
			} else {
				out = process(ctx, frame.Data)
			}
			results[i] = frameResult{Path: path, Outcome: out}

			if progress != nil {
				mu.Lock()
				progress()
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// summarize counts outcomes by code.
func summarize(results []frameResult) map[pipeline.Code]int {
	counts := make(map[pipeline.Code]int)
	for _, r := range results {
		counts[r.Outcome.Code]++
	}
	return counts
}

func runRecognize(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	files, err := camera.NewDirSource(args[0]).Files()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Println("No images found.")
		return nil
	}

	a, err := open(ctx, cfg, true, true, true)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.recognizer(cfg)
	if err != nil {
		return err
	}
	process := rec.ProcessFrame
	if mustGetBool(cmd, "dry-run") {
		process = rec.Identify
	}

	bar := progressbar.NewOptions(len(files),
		progressbar.OptionSetDescription("Recognizing"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("images"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)

	results, err := recognizeFiles(ctx, files, mustGetInt(cmd, "concurrency"), process, func() { _ = bar.Add(1) })
	_ = bar.Finish()
	if err != nil {
		return err
	}
	fmt.Println()

	if mustGetBool(cmd, "verbose") {
		printResults(os.Stdout, results)
		fmt.Println()
	}

	counts := summarize(results)
	codes := make([]string, 0, len(counts))
	for c := range counts {
		codes = append(codes, string(c))
	}
	sort.Strings(codes)
	for _, c := range codes {
		fmt.Printf("  %-16s %d\n", c, counts[pipeline.Code(c)])
	}
	return nil
}

func printResults(w io.Writer, results []frameResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tSTATUS\tSTUDENT\tDISTANCE")
	for _, r := range results {
		student := "-"
		if r.Outcome.StudentID != "" {
			student = fmt.Sprintf("%s (%s)", r.Outcome.Name, r.Outcome.StudentID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.3f\n", filepath.Base(r.Path), r.Outcome.Code, student, r.Outcome.Distance)
	}
	tw.Flush()
}

func runLive(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := open(ctx, cfg, true, true, true)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.recognizer(cfg)
	if err != nil {
		return err
	}

	sess := pipeline.NewSession(rec, pipeline.WithInterval(interval(cfg)))
	done := make(chan struct{})
	go func() {
		defer close(done)
		for out := range sess.Updates() {
			printOutcome(os.Stdout, out)
		}
	}()

	fmt.Printf("Watching %s, press Ctrl+C to stop.\n", cfg.Camera.Device)
	err = sess.Run(ctx, camera.NewFFmpegSource(cameraOptions()))
	<-done

	st := sess.Stats()
	fmt.Printf("\nProcessed %d frame(s), marked %d student(s).\n", st.Processed, st.Marked)
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func printOutcome(w io.Writer, out pipeline.Outcome) {
	ts := out.At.Local().Format("15:04:05")
	if out.StudentID != "" {
		fmt.Fprintf(w, "[%s] %s %s (%s)\n", ts, out.Message, out.Name, out.StudentID)
		return
	}
	fmt.Fprintf(w, "[%s] %s\n", ts, out.Message)
}
