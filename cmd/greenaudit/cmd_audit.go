package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"greenaudit/internal/engine"
	"greenaudit/internal/report"
)

type auditFlags struct {
	stream            bool
	coldRun           bool
	id                string
	output            string
	maxNavigationTime time.Duration
	save              bool
	minScore          float64
}

func newAuditCommand(global *globalFlags) *cobra.Command {
	flags := &auditFlags{}
	cmd := &cobra.Command{
		Use:   "audit <url>",
		Short: "Audit one page and print the report",
		Long: `Audit one page and print the JSON report.

With --stream every audit is written as soon as it settles, one JSON chunk per
line, followed by a final "done" chunk carrying the report:
  greenaudit audit https://example.com --stream

--min-score makes the command exit with status 1 when the global score is
below the target, which is handy in CI.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(cmd, global, flags, args[0])
		},
	}
	cmd.Flags().BoolVar(&flags.stream, "stream", false, "Write audit results as newline-delimited JSON chunks as they settle")
	cmd.Flags().BoolVar(&flags.coldRun, "cold-run", true, "Detect redirects with a script-free navigation first")
	cmd.Flags().StringVar(&flags.id, "id", "", "Run id attached to stream chunks and the stored report")
	cmd.Flags().StringVarP(&flags.output, "output", "o", "", "Write the report to a file instead of stdout")
	cmd.Flags().DurationVar(&flags.maxNavigationTime, "max-navigation-time", 0, "Per-collector time limit (defaults to the config value)")
	cmd.Flags().BoolVar(&flags.save, "save", false, "Persist the report to the configured storage")
	cmd.Flags().Float64Var(&flags.minScore, "min-score", 0, "Fail when the global score is below this value (0-1)")
	return cmd
}

func runAudit(cmd *cobra.Command, global *globalFlags, flags *auditFlags, target string) error {
	cfg, err := loadConfig(global.configPath)
	if err != nil {
		return err
	}
	logger, err := buildLogger(cfg.Logging, global.debug, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, flags.save)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			logger.Warn("shutdown", "error", cerr)
		}
	}()

	var out io.Writer = cmd.OutOrStdout()
	if flags.output != "" {
		fh, err := os.Create(flags.output)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer fh.Close()
		out = fh
	}

	settings := engine.SettingsFromConfig(cfg.Audit)
	settings.ID = flags.id
	if cmd.Flags().Changed("cold-run") {
		settings.ColdRun = flags.coldRun
	}
	if flags.maxNavigationTime > 0 {
		settings.MaxNavigationTime = flags.maxNavigationTime
	}

	var rep *report.Report
	if flags.stream {
		rep, err = streamAudit(ctx, a.engine, target, settings, out)
	} else {
		rep, err = a.engine.Audit(ctx, target, settings)
		if err == nil {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			err = enc.Encode(rep)
		}
	}
	if err != nil {
		return err
	}

	if flags.minScore > 0 && rep.GlobalScore < flags.minScore {
		return &ScoreError{Score: rep.GlobalScore, Target: flags.minScore}
	}
	return nil
}

func streamAudit(ctx context.Context, eng *engine.Engine, target string, settings engine.Settings, out io.Writer) (*report.Report, error) {
	pipe := report.NewPipe()
	settings.Streams = true
	settings.Sink = pipe
	settings.PipeTerminateOnEnd = true

	written := make(chan error, 1)
	go func() {
		_, err := report.WriteTo(ctx, out, pipe)
		written <- err
	}()

	rep, err := eng.Audit(ctx, target, settings)
	if err != nil {
		pipe.End()
		<-written
		return nil, err
	}
	if err := <-written; err != nil {
		return nil, err
	}
	return rep, nil
}
