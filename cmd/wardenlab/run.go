package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/putao520/warden-lab/internal/mockagent"
	"github.com/putao520/warden-lab/internal/rpc"
	"github.com/putao520/warden-lab/internal/scenario"
	"github.com/putao520/warden-lab/internal/subject"
	"github.com/putao520/warden-lab/internal/verdict"
)

func doRun(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
	defer stop()

	runID := uuid.NewString()
	log := slog.Default().With("run_id", runID)

	var pathPrepend string
	if cfg.MockAgent {
		dir, cleanup, err := mockagent.InstallTemp()
		if err != nil {
			return fmt.Errorf("installing claude stand-in: %w", err)
		}
		defer cleanup()
		pathPrepend = dir
		log.Debug("claude stand-in installed", "dir", dir)
	}

	log.Info("starting subject", "command", cfg.Subject.Command)
	proc, err := subject.Start(ctx, subject.Config{
		Command:           cfg.Subject.Command,
		PathPrepend:       pathPrepend,
		BootstrapProbes:   cfg.Subject.BootstrapProbes,
		BootstrapInterval: cfg.Subject.BootstrapInterval(),
		ShutdownTimeout:   cfg.Subject.ShutdownTimeout(),
		StderrTailLines:   cfg.Subject.StderrTailLines,
	})
	if err != nil {
		return fmt.Errorf("starting subject: %w", err)
	}
	defer func() {
		if cerr := proc.Close(context.Background()); cerr != nil {
			log.Warn("subject teardown was not clean", "err", cerr)
		}
	}()
	log.Info("subject is up", "pid", proc.PID())

	client := rpc.NewClient(proc.Stdin(), proc.Stdout(), proc, rpc.Options{
		ReceiveTimeout: cfg.Subject.ReceiveTimeout(),
		Logger:         log,
	})

	rec := verdict.NewRecorder(os.Stdout)
	harness := scenario.New(client, rec, scenario.Options{
		PollInterval: cfg.Poll.Interval(),
		PollAttempts: cfg.Poll.Attempts,
		Logger:       log,
	})
	harness.Run(ctx)

	outDir := filepath.Join(cfg.Results.Root, "run-"+runID)
	report, err := rec.WriteReport(outDir, runID)
	if err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	log.Info("report written", "dir", outDir, "passed", report.Passed, "failed", report.Failed)

	if rec.ExitCode() != 0 {
		return fmt.Errorf("%d of %d checks failed", rec.Failed(), rec.Total())
	}
	return nil
}
