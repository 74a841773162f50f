package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/dontdude/goxtex/internal/bootstrap"
	"github.com/dontdude/goxtex/internal/config"
	"github.com/dontdude/goxtex/internal/domain"
	"github.com/dontdude/goxtex/internal/gateway"
)

// CLI submits documents straight to the broker, bypassing the HTTP server.
var CLI struct {
	Verbose bool `short:"v" help:"Enable debug logging"`

	Submit struct {
		Files   []string      `arg:"" type:"existingfile" help:"LaTeX sources to submit"`
		Wait    bool          `short:"w" help:"Wait for each result"`
		Timeout time.Duration `help:"How long to wait for each result" default:"2m"`
		Out     string        `short:"o" help:"Directory for produced PDFs" default:"." type:"path"`
	} `cmd:"" help:"Submit .tex files for compilation"`

	Status struct {
		JobID string `arg:"" help:"Job id"`
	} `cmd:"" help:"Show a job's status"`

	Cancel struct {
		JobID string `arg:"" help:"Job id"`
	} `cmd:"" help:"Cancel a queued or running job"`
}

func main() {
	kctx := kong.Parse(&CLI,
		kong.Name("goxtex-producer"),
		kong.Description("Submit LaTeX compile jobs to the goxtex queue."),
	)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	level := cfg.Level()
	if CLI.Verbose {
		level = slog.LevelDebug
	}
	logger := config.NewLogger(os.Stderr, level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	q, err := bootstrap.NewQueue(ctx, cfg, nil, logger)
	if err != nil {
		logger.Error("Failed to connect to broker", "broker", cfg.Broker, "error", err)
		os.Exit(1)
	}
	defer q.Close()

	hub := gateway.NewResultHub(q, logger)
	go func() { _ = hub.Run(ctx) }()
	gw := gateway.New(q, hub, gateway.Options{MaxUploadBytes: cfg.MaxUploadBytes}, nil, logger)

	switch kctx.Command() {
	case "submit <files>":
		err = runSubmit(ctx, gw)
	case "status <job-id>":
		err = runStatus(ctx, gw, CLI.Status.JobID)
	case "cancel <job-id>":
		err = runCancel(ctx, gw, CLI.Cancel.JobID)
	default:
		err = fmt.Errorf("unknown command %q", kctx.Command())
	}
	if err != nil {
		logger.Error("Command failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func runSubmit(ctx context.Context, gw *gateway.Gateway) error {
	var failed int
	for _, path := range CLI.Submit.Files {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		h, err := gw.Submit(ctx, gateway.Submission{FileName: filepath.Base(path), File: data})
		if err != nil {
			return fmt.Errorf("submit %s: %w", path, err)
		}
		slog.Info("Submitted job", "file", path, "job_id", h.JobID)
		fmt.Println(h.JobID)

		if !CLI.Submit.Wait {
			continue
		}
		ok, err := waitAndSave(ctx, gw, h.JobID, path)
		if err != nil {
			return err
		}
		if !ok {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs did not succeed", failed, len(CLI.Submit.Files))
	}
	return nil
}

func waitAndSave(ctx context.Context, gw *gateway.Gateway, jobID, source string) (bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, CLI.Submit.Timeout)
	defer cancel()

	res, err := gw.Wait(waitCtx, jobID)
	if errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("Gave up waiting for result", "job_id", jobID)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if !res.Succeeded() {
		slog.Error("Compilation failed", "job_id", jobID, "kind", res.Kind)
		for _, d := range res.Diagnostics {
			if d.Line != nil {
				fmt.Fprintf(os.Stderr, "%s:%d: %s\n", source, *d.Line, d.Message)
			} else {
				fmt.Fprintf(os.Stderr, "%s: %s\n", source, d.Message)
			}
		}
		return false, nil
	}

	name := trimExt(filepath.Base(source)) + ".pdf"
	out := filepath.Join(CLI.Submit.Out, name)
	if err := os.WriteFile(out, res.Artifact, 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", out, err)
	}
	slog.Info("Wrote PDF", "job_id", jobID, "path", out, "bytes", len(res.Artifact))
	return true, nil
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}

func runStatus(ctx context.Context, gw *gateway.Gateway, jobID string) error {
	job, err := gw.Status(ctx, jobID)
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\tattempt=%d\n", job.ID, job.Status, job.Attempt)

	if job.Status.Terminal() {
		res, err := gw.Result(ctx, jobID)
		if err != nil && !errors.Is(err, domain.ErrPending) {
			return err
		}
		if res != nil && !res.Succeeded() {
			for _, d := range res.Diagnostics {
				fmt.Printf("  %s\n", d.Message)
			}
		}
	}
	return nil
}

func runCancel(ctx context.Context, gw *gateway.Gateway, jobID string) error {
	st, err := gw.Cancel(ctx, jobID)
	if errors.Is(err, domain.ErrAlreadyTerminal) {
		fmt.Printf("%s\talready %s\n", jobID, st)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\n", jobID, st)
	return nil
}
