// Package compiler runs one compile attempt end to end: workspace, engine, artifact
// check and diagnostics. Every failure inside an attempt is converted into a
// terminal CompileResult; nothing escapes as an error or panic.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/dontdude/goxtex/internal/diagnostics"
	"github.com/dontdude/goxtex/internal/domain"
	"github.com/dontdude/goxtex/internal/logfields"
	"github.com/dontdude/goxtex/internal/metrics"
	"github.com/dontdude/goxtex/internal/workspace"
)

const (
	// SourceFile and ArtifactFile are fixed names inside every workspace.
	SourceFile   = "main.tex"
	ArtifactFile = "main.pdf"

	ContentTypePDF = "application/pdf"

	DefaultTimeout = 10 * time.Second
	// maxLogBytes bounds the log kept on a result.
	maxLogBytes = 64 * 1024
)

// Workspaces is the scoped acquire/release contract the executor depends on.
type Workspaces interface {
	Acquire(jobID string, attempt int) (*workspace.Workspace, error)
	Release(ws *workspace.Workspace) error
}

// Options configure an Executor.
type Options struct {
	// Engine is the binary name or path, e.g. "pdflatex".
	Engine string
	// Timeout is the hard wall-clock budget for the whole attempt's engine time.
	Timeout time.Duration
	// Passes is how many times the engine runs per attempt. Forward references
	// need more than one pass; the default is a single invocation.
	Passes int
}

// Executor compiles job sources.
type Executor struct {
	workspaces Workspaces
	runner     domain.EngineRunner
	parser     *diagnostics.Parser
	opts       Options
	recorder   metrics.Recorder
	logger     *slog.Logger
}

// NewExecutor wires an executor. Zero option values fall back to defaults.
func NewExecutor(ws Workspaces, runner domain.EngineRunner, opts Options, logger *slog.Logger) *Executor {
	if opts.Engine == "" {
		opts.Engine = "pdflatex"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Passes <= 0 {
		opts.Passes = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		workspaces: ws,
		runner:     runner,
		parser:     diagnostics.New(SourceFile, 0),
		opts:       opts,
		recorder:   metrics.NoopRecorder{},
		logger:     logger,
	}
}

// SetRecorder injects a metrics recorder.
func (e *Executor) SetRecorder(r metrics.Recorder) {
	e.recorder = metrics.OrNoop(r)
}

// EngineArgs is the argument vector for one engine pass. Only fixed file names appear
// in it; nothing derived from job content or job id does.
func EngineArgs() []string {
	return []string{
		"-interaction=nonstopmode",
		"-halt-on-error",
		"-no-shell-escape",
		"-output-directory=.",
		SourceFile,
	}
}

// Compile runs one attempt of job. ctx cancellation (an external cancel) yields a
// Cancelled result; the engine timeout yields a Failed result of kind timeout. The
// workspace is released before Compile returns, on every path.
func (e *Executor) Compile(ctx context.Context, job domain.CompileJob, attempt int) (result *domain.CompileResult) {
	start := time.Now()
	log := e.logger.With(logfields.JobID(job.ID), logfields.Attempt(attempt))

	defer func() {
		if r := recover(); r != nil {
			log.Error("Executor panic", "panic", r, "stack", string(debug.Stack()))
			result = internalFailure(job.ID, attempt)
		}
		result.FinishedAt = time.Now().UTC()
		e.recorder.ObserveCompile(string(result.Outcome), string(result.Kind), time.Since(start))
		log.Info("Compile attempt finished",
			logfields.Outcome(string(result.Outcome)),
			logfields.Kind(string(result.Kind)),
			logfields.Duration(time.Since(start)))
	}()

	// 1. Fresh workspace, released on every exit path below (including panics).
	ws, err := e.workspaces.Acquire(job.ID, attempt)
	if err != nil {
		log.Error("Failed to acquire workspace", logfields.Error(err))
		return internalFailure(job.ID, attempt)
	}
	defer func() {
		if err := e.workspaces.Release(ws); err != nil {
			log.Error("Failed to release workspace", logfields.Workspace(ws.Path), logfields.Error(err))
		}
	}()

	// 2. Source under a fixed name.
	if err := os.WriteFile(filepath.Join(ws.Path, SourceFile), []byte(job.Source), 0o600); err != nil {
		log.Error("Failed to write source", logfields.Error(err))
		return internalFailure(job.ID, attempt)
	}

	// 3. Engine under a hard timeout.
	runCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	var out domain.RunOutput
	for pass := 1; pass <= e.opts.Passes; pass++ {
		out, err = e.runner.Run(runCtx, domain.Invocation{
			Binary: e.opts.Engine,
			Args:   EngineArgs(),
			Dir:    ws.Path,
		})
		if err != nil || out.ExitCode != 0 {
			break
		}
	}

	// 4. Cancellation and timeout.
	if ctx.Err() != nil {
		log.Info("Compile cancelled")
		return domain.CancelledResult(job.ID, attempt)
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res := domain.FailedResult(job.ID, attempt, domain.KindTimeout,
			fmt.Sprintf("TimeoutError: compilation exceeded %s", e.opts.Timeout))
		res.Log = truncate(out.Log)
		return res
	}
	if err != nil {
		log.Error("Engine failed to run", logfields.Error(err))
		return internalFailure(job.ID, attempt)
	}

	log.Debug("Engine exited", logfields.ExitCode(out.ExitCode))

	// 5-6. Success needs both a zero exit and the artifact.
	if out.ExitCode == 0 {
		artifact, readErr := os.ReadFile(filepath.Join(ws.Path, ArtifactFile))
		if readErr == nil {
			return &domain.CompileResult{
				JobID:       job.ID,
				Attempt:     attempt,
				Outcome:     domain.OutcomeSucceeded,
				Artifact:    artifact,
				ContentType: ContentTypePDF,
				Diagnostics: []domain.Diagnostic{},
			}
		}
		if !errors.Is(readErr, os.ErrNotExist) {
			log.Error("Failed to read artifact", logfields.Error(readErr))
			return internalFailure(job.ID, attempt)
		}
	}

	// 7. Engine failure: diagnostics from the log.
	diags := e.parser.Parse(string(out.Log))
	if len(diags) == 0 {
		msg := fmt.Sprintf("engine exited with code %d", out.ExitCode)
		if out.ExitCode == 0 {
			msg = "engine exited successfully but produced no output"
		}
		diags = append(diags, domain.Diagnostic{Message: msg})
	}
	return &domain.CompileResult{
		JobID:       job.ID,
		Attempt:     attempt,
		Outcome:     domain.OutcomeFailed,
		Kind:        domain.KindEngine,
		Diagnostics: diags,
		Log:         truncate(out.Log),
	}
}

// internalFailure hides the cause from callers; it is logged at the call site.
func internalFailure(jobID string, attempt int) *domain.CompileResult {
	return domain.FailedResult(jobID, attempt, domain.KindInternal, "internal error while compiling")
}

func truncate(log []byte) string {
	if len(log) > maxLogBytes {
		log = log[len(log)-maxLogBytes:]
	}
	return string(log)
}
