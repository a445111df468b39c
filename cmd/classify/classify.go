// Package classify implements the classify command, which runs image files
// through the pipeline and prints one verdict per file.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/tphakala/rxclassify/internal/classifier"
	"github.com/tphakala/rxclassify/internal/conf"
	"github.com/tphakala/rxclassify/internal/dispatcher"
	"github.com/tphakala/rxclassify/internal/errors"
	"github.com/tphakala/rxclassify/internal/imagenorm"
	"github.com/tphakala/rxclassify/internal/pipeline"
	"github.com/tphakala/rxclassify/pkg/spinner"
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// FileResult is the JSON form of one classified file.
type FileResult struct {
	File      string             `json:"file"`
	RequestID string             `json:"request_id"`
	Success   bool               `json:"success"`
	Result    *classifier.Result `json:"result,omitempty"`
	Stage     string             `json:"stage"`
	Message   string             `json:"message"`
	Error     string             `json:"error,omitempty"`
	ElapsedMs float64            `json:"elapsed_ms"`
}

// Command creates the classify command.
func Command(settings *conf.Settings) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "classify [image...]",
		Short: "Classify image files",
		Long:  "Normalize each image, run it through the model and report whether it shows the target class.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != FormatText && format != FormatJSON {
				return fmt.Errorf("unknown output format %q, use %s or %s", format, FormatText, FormatJSON)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			loop := dispatcher.NewMainLoop()
			p, err := pipeline.Build(batchSettings(settings), pipeline.WithPresenter(loop))
			if err != nil {
				return err
			}
			defer p.Close()

			var opts []RunOption
			if isatty.IsTerminal(os.Stderr.Fd()) {
				sp := spinner.New(os.Stderr)
				defer sp.Cleanup()
				opts = append(opts, WithProgress(sp))
			}

			return Run(ctx, p.Dispatcher, loop, afero.NewOsFs(), args, format, cmd.OutOrStdout(), opts...)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", FormatText, "Output format: text, json")

	return cmd
}

// batchSettings returns a copy of settings with the queue overlap policy, so
// no file of a run supersedes another.
func batchSettings(settings *conf.Settings) *conf.Settings {
	batch := *settings
	batch.Dispatcher.Overlap = conf.OverlapQueue
	return &batch
}

// Submitter is the part of the dispatcher Run drives.
type Submitter interface {
	Submit(src imagenorm.Source, sink func(dispatcher.Outcome)) string
}

// Progress is told how many files have completed. Clear is called before
// each result line is printed.
type Progress interface {
	Update(done, total int)
	Clear()
}

type runOptions struct {
	progress Progress
}

// RunOption configures Run.
type RunOption func(*runOptions)

// WithProgress reports completions to p.
func WithProgress(p Progress) RunOption {
	return func(o *runOptions) {
		o.progress = p
	}
}

// Run classifies files and writes the results to w. It runs loop on the
// calling goroutine, so every sink, and therefore all output, happens there.
// At most window files are in the dispatcher at once; the window follows the
// configured queue size so a long file list never overflows the queue.
func Run(ctx context.Context, d Submitter, loop *dispatcher.MainLoop, fs afero.Fs, files []string, format string, w io.Writer, opts ...RunOption) error {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	if overlapOf(d) == dispatcher.OverlapCancelPrevious {
		return errors.Newf("classify needs the %s overlap policy, the dispatcher uses %s", dispatcher.OverlapQueue, dispatcher.OverlapCancelPrevious).
			Component("cli").
			Category(errors.CategoryConfiguration).
			Build()
	}

	results := make([]FileResult, len(files))
	next, done, failed := 0, 0, 0

	var submit func()
	submit = func() {
		i := next
		next++
		path := files[i]
		d.Submit(imagenorm.FromFile(fs, path), func(out dispatcher.Outcome) {
			results[i] = toFileResult(path, out)
			if !out.Succeeded() {
				failed++
			}
			if format == FormatText {
				if o.progress != nil {
					o.progress.Clear()
				}
				printText(w, results[i])
			}

			done++
			if o.progress != nil {
				o.progress.Update(done, len(files))
			}
			if next < len(files) {
				submit()
			}
			if done == len(files) {
				loop.Stop()
			}
		})
	}

	window := min(len(files), max(1, queueWindow(d)))
	for range window {
		submit()
	}

	loop.Run(ctx)

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("interrupted after %d of %d images: %w", done, len(files), err)
	}

	if format == FormatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return fmt.Errorf("encode results: %w", err)
		}
	}

	if failed > 0 {
		return errors.Newf("%d of %d images could not be classified", failed, len(files)).
			Component("cli").
			Category(errors.CategoryGeneric).
			Build()
	}
	return nil
}

// queueWindow returns how many submissions d accepts without rejecting any.
func queueWindow(d Submitter) int {
	type capacity interface{ Capacity() int }
	if c, ok := d.(capacity); ok {
		return c.Capacity()
	}
	return 1
}

func overlapOf(d Submitter) dispatcher.Overlap {
	type overlap interface{ Overlap() dispatcher.Overlap }
	if o, ok := d.(overlap); ok {
		return o.Overlap()
	}
	return dispatcher.OverlapQueue
}

func toFileResult(path string, out dispatcher.Outcome) FileResult {
	r := FileResult{
		File:      path,
		RequestID: out.RequestID,
		Success:   out.Succeeded(),
		Stage:     out.Stage.String(),
		Message:   out.Message(),
		ElapsedMs: float64(out.Elapsed.Microseconds()) / 1000,
	}
	if out.Succeeded() {
		res := out.Result
		r.Result = &res
	} else {
		r.Error = out.Err.Error()
	}
	return r
}

func printText(w io.Writer, r FileResult) {
	if r.Success {
		verdict := "no"
		if r.Result.IsTargetClass {
			verdict = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%.3f\t%s (%.1f ms)\n", r.File, verdict, r.Result.Confidence, r.Message, r.ElapsedMs)
		return
	}
	fmt.Fprintf(w, "%s\terror\t-\t%s\n", r.File, r.Message)
}
