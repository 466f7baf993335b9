package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	imagecaptioner "github.com/menta2k/image-captioner"
	"github.com/menta2k/image-captioner/internal/logging"
	"github.com/menta2k/image-captioner/internal/metrics"
	"github.com/menta2k/image-captioner/pkg/pipeline"
	"github.com/menta2k/image-captioner/pkg/progress"
	"github.com/menta2k/image-captioner/pkg/types"
)

type RunOptions struct {
	GlobalOptions
	Dir         string
	TriggerWord string
	Prompt      string
	MetricsAddr string
}

func DefaultRunOptions() *RunOptions {
	return &RunOptions{
		GlobalOptions: DefaultGlobalOptions(),
	}
}

func NewCmdRun() *cobra.Command {
	o := DefaultRunOptions()
	cmd := &cobra.Command{
		Use:   "run --dir FOLDER",
		Short: "Caption every image in a folder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
			if err := o.Validate(args); err != nil {
				return err
			}
			return o.Run(cmd.Context(), cmd.OutOrStdout())
		},
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *RunOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)
	fs.StringVarP(&o.Dir, "dir", "d", o.Dir, "Folder with the images to caption")
	fs.StringVarP(&o.TriggerWord, "trigger", "t", o.TriggerWord, "Word prefixed to every caption")
	fs.StringVarP(&o.Prompt, "prompt", "p", o.Prompt, "Prompt for this run (defaults to the saved prompt)")
	fs.StringVar(&o.MetricsAddr, "metrics-addr", o.MetricsAddr, "Serve Prometheus metrics on this address")
}

func (o *RunOptions) Complete(cmd *cobra.Command, args []string) error {
	if err := o.GlobalOptions.Complete(cmd, args); err != nil {
		return err
	}
	if cmd.Flags().Changed("metrics-addr") {
		o.cfg.MetricsAddr = o.MetricsAddr
	}
	return nil
}

func (o *RunOptions) Validate(args []string) error {
	if err := o.GlobalOptions.Validate(args); err != nil {
		return err
	}
	if strings.TrimSpace(o.Dir) == "" {
		return fmt.Errorf("--dir is required")
	}
	return nil
}

func (o *RunOptions) Run(ctx context.Context, out io.Writer) error {
	cfg := o.Config()

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()

	c, err := imagecaptioner.New(ctx, cfg, &logger)
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		stopMetrics, err := serveMetrics(cfg.MetricsAddr, logger)
		if err != nil {
			return err
		}
		defer stopMetrics()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("backend", c.Backend()).
		Str("model", cfg.Model).
		Str("dir", o.Dir).
		Msg("starting")

	summary, err := c.Run(ctx, pipeline.Request{
		Folder:      o.Dir,
		TriggerWord: o.TriggerWord,
		Prompt:      o.Prompt,
	}, newConsoleSink(out))
	if err != nil {
		return err
	}

	printSummary(out, summary)
	return nil
}

// serveMetrics exposes /metrics until the returned func is called
func serveMetrics(addr string, logger zerolog.Logger) (func(), error) {
	metrics.MustRegister()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	logger.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

// consoleSink renders pipeline events on the terminal
type consoleSink struct {
	out io.Writer
}

func newConsoleSink(out io.Writer) *consoleSink {
	return &consoleSink{out: out}
}

func (s *consoleSink) OnResult(r types.Result) {
	fmt.Fprintf(s.out, "\n[%d] %s\n%s\n", r.Index+1, r.Job.FileName(), r.Description)
}

func (s *consoleSink) OnProgress(snap types.Snapshot) {
	fmt.Fprintf(s.out, "(%d/%d)\n%s\n", snap.Completed, snap.Total, progress.FormatTimeInfo(snap))
}

func (s *consoleSink) OnDone(types.RunSummary) {}

func printSummary(out io.Writer, s types.RunSummary) {
	verb := "Finished"
	if s.State == types.StateCancelled {
		verb = "Cancelled"
	}
	fmt.Fprintf(out, "\n%s: %d/%d images processed, %d failed, in %s\n",
		verb, s.Completed, s.Total, s.Failed, s.Elapsed.Round(time.Second))
	for _, f := range s.Failures {
		fmt.Fprintf(out, "  %s (%s): %s\n", f.File, f.Step, f.Error)
	}
}
