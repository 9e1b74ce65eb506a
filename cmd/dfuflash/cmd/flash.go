package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/OpenTraceLab/OpenTraceDFU/internal/metrics"
	"github.com/OpenTraceLab/OpenTraceDFU/pkg/dfu"
	"github.com/OpenTraceLab/OpenTraceDFU/pkg/dfuse"
	"github.com/OpenTraceLab/OpenTraceDFU/pkg/flash"
)

var (
	flashTarget      targetFlags
	flashVerify      bool
	flashLeave       bool
	flashNoProgress  bool
	flashMetricsFile string
	flashPhaseLimit  time.Duration
	flashRetries     int
)

var flashCmd = &cobra.Command{
	Use:   "flash <file.dfu>",
	Short: "Erase, program and optionally verify a device",
	Long: `Flash a DfuSe file. The file is checked against the device first; nothing
is sent to an incompatible device. Every page touched by the file is erased,
the data is downloaded in transfer-size blocks, and with --verify read back.

Ctrl-C stops the run between blocks; the block in flight always completes.

Examples:
  dfuflash flash --device 0483:df11 --verify firmware.dfu
  dfuflash flash --device 0483:df11 --leave firmware.dfu
  dfuflash flash --adapter simulator --metrics-file run.prom firmware.dfu`,
	Args: cobra.ExactArgs(1),
	RunE: runFlash,
}

func init() {
	rootCmd.AddCommand(flashCmd)
	flashTarget.register(flashCmd)

	flashCmd.Flags().BoolVar(&flashVerify, "verify", false,
		"read back and compare every block after programming")
	flashCmd.Flags().BoolVar(&flashLeave, "leave", false,
		"leave DFU mode and start the new firmware when done")
	flashCmd.Flags().BoolVar(&flashNoProgress, "no-progress", false,
		"do not draw progress bars")
	flashCmd.Flags().StringVar(&flashMetricsFile, "metrics-file", "",
		"write Prometheus textfile metrics for the run to this path")
	flashCmd.Flags().DurationVar(&flashPhaseLimit, "phase-timeout", 10*time.Minute,
		"upper bound for each of the erase, program and verify phases")
	flashCmd.Flags().IntVar(&flashRetries, "status-retries", 5,
		"GETSTATUS failures tolerated while polling")
}

func runFlash(cmd *cobra.Command, args []string) error {
	log, err := newLogger(cmd)
	if err != nil {
		return err
	}
	file, err := dfuse.ParseFile(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tgt, err := flashTarget.open(ctx)
	if err != nil {
		return err
	}
	layout, err := tgt.layout()
	if err != nil {
		return err
	}

	collector := metrics.New()
	orch := flash.New(tgt.opener,
		flash.WithLogger(log),
		flash.WithRecorder(collector),
		flash.WithPhaseTimeouts(flashPhaseLimit, flashPhaseLimit, flashPhaseLimit),
		flash.WithDriverOptions(dfu.WithStatusRetries(flashRetries)),
	)
	req := flash.Request{
		File:      file,
		Layout:    layout,
		Interface: flashTarget.iface,
		Verify:    flashVerify,
		Leave:     flashLeave,
	}

	pages, chunks, err := orch.Plan(req)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Flashing %s to %s (%s): %d bytes, %d page(s) to erase, %d block(s)\n",
		args[0], layout.ID, tgt.label, file.Size(), len(pages), len(chunks))

	run, err := orch.Start(ctx, req)
	if err != nil {
		return err
	}

	res, renderErr := awaitRun(cmd.ErrOrStderr(), run, !flashNoProgress)

	if flashMetricsFile != "" {
		if err := collector.WriteTextfile(flashMetricsFile); err != nil {
			log.Warn("writing metrics", "path", flashMetricsFile, "error", err)
		}
	}

	switch res.Outcome {
	case flash.Success:
		fmt.Fprintf(out, "Done: %d page(s) erased, %d block(s) written", res.PagesErased, res.ChunksWritten)
		if flashVerify {
			fmt.Fprint(out, ", verified")
		}
		fmt.Fprintf(out, " in %s (run %s)\n", res.Duration.Round(time.Millisecond), res.RunID)
		return renderErr
	case flash.Cancelled:
		return fmt.Errorf("flash cancelled during %s after %d of %d unit(s): %w",
			res.Progress.Phase, res.Progress.UnitsDone, res.Progress.UnitsTotal, res.Err)
	default:
		return fmt.Errorf("flash failed during %s: %w", res.Progress.Phase, res.Err)
	}
}

// awaitRun draws progress while the run executes and returns its result.
// A failing progress bar never ends the run early.
func awaitRun(w io.Writer, run *flash.Run, show bool) (flash.Result, error) {
	var (
		g   errgroup.Group
		res flash.Result
	)
	g.Go(func() error {
		return renderProgress(w, run.Progress(), show)
	})
	g.Go(func() error {
		res = run.Wait()
		return nil
	})
	err := g.Wait()
	return res, err
}

// renderProgress draws one bar per phase until the run closes the stream.
func renderProgress(w io.Writer, updates <-chan flash.Progress, show bool) error {
	var (
		bar   *progressbar.ProgressBar
		phase flash.Phase
	)
	for p := range updates {
		if !show || p.BytesTotal == 0 {
			continue
		}
		if bar == nil || p.Phase != phase {
			if bar != nil {
				if err := bar.Finish(); err != nil {
					return err
				}
			}
			phase = p.Phase
			bar = progressbar.NewOptions64(int64(p.BytesTotal),
				progressbar.OptionSetWriter(w),
				progressbar.OptionSetWidth(40),
				progressbar.OptionSetDescription(fmt.Sprintf("%-8s", phase)),
				progressbar.OptionShowBytes(true),
				progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
			)
		}
		if err := bar.Set64(int64(p.BytesDone)); err != nil {
			return err
		}
	}
	if bar != nil {
		return bar.Finish()
	}
	return nil
}
