// Package engine runs the typesetting engine as a host subprocess.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/dontdude/goxtex/internal/domain"
)

// DefaultMaxOutput caps the captured combined output of one run.
const DefaultMaxOutput = 1 << 20

// LocalRunner executes the engine directly on the host.
type LocalRunner struct {
	// MaxOutput bounds the captured log; later output is discarded.
	MaxOutput int
}

var _ domain.EngineRunner = (*LocalRunner)(nil)

// NewLocalRunner returns a runner with the default output cap.
func NewLocalRunner() *LocalRunner {
	return &LocalRunner{MaxOutput: DefaultMaxOutput}
}

// Run starts inv.Binary with inv.Args (no shell) inside inv.Dir.
//
// The child gets an allowlisted environment, no stdin (so an interactive prompt
// reads EOF instead of blocking) and its own process group; on ctx cancellation
// the whole group is killed.
func (r *LocalRunner) Run(ctx context.Context, inv domain.Invocation) (domain.RunOutput, error) {
	if inv.Binary == "" {
		return domain.RunOutput{}, errors.New("engine binary is empty")
	}
	if inv.Dir == "" {
		return domain.RunOutput{}, errors.New("engine working directory is empty")
	}

	cmd := exec.Command(inv.Binary, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = buildEnv(inv)
	cmd.Stdin = nil
	setProcessGroup(cmd)

	out := &cappedBuffer{limit: r.limit()}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return domain.RunOutput{}, fmt.Errorf("failed to start engine: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	select {
	case <-ctx.Done():
		killProcessGroup(cmd)
		<-done
		return domain.RunOutput{ExitCode: -1, Log: out.Bytes()}, ctx.Err()
	case err = <-done:
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return domain.RunOutput{ExitCode: -1, Log: out.Bytes()}, fmt.Errorf("engine wait: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return domain.RunOutput{ExitCode: exitCode, Log: out.Bytes()}, nil
}

func (r *LocalRunner) limit() int {
	if r.MaxOutput <= 0 {
		return DefaultMaxOutput
	}
	return r.MaxOutput
}

// buildEnv starts from an empty environment. TeX's openin_any/openout_any "p"
// (paranoid) setting confines the engine's file reads and writes to the working
// directory tree.
func buildEnv(inv domain.Invocation) []string {
	env := []string{
		"HOME=" + inv.Dir,
		"TMPDIR=" + inv.Dir,
		"openout_any=p",
		"openin_any=p",
		"shell_escape=f",
	}
	if path := os.Getenv("PATH"); path != "" {
		env = append(env, "PATH="+path)
	}
	return append(env, inv.Env...)
}

// cappedBuffer keeps the first limit bytes written to it and drops the rest.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if room := c.limit - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}
	// Report everything as written so the child never sees a short write.
	return len(p), nil
}

func (c *cappedBuffer) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.buf.Bytes())
}
