package domain

import "context"

// Invocation describes one engine process. Args is an explicit argument vector and is
// never passed through a shell; relative paths in Args resolve against Dir.
type Invocation struct {
	Binary string
	Args   []string
	Dir    string
	// Env holds extra KEY=VALUE pairs on top of the runner's minimal environment.
	Env []string
}

// RunOutput is what the engine left behind when it exited.
type RunOutput struct {
	ExitCode int
	Log      []byte
}

// EngineRunner defines the contract for running the typesetting engine in an isolated
// environment (host subprocess or container).
type EngineRunner interface {
	// Run executes the invocation and blocks until it exits or ctx is done. When ctx
	// ends first the process is killed and ctx.Err() is returned along with any
	// output captured so far.
	Run(ctx context.Context, inv Invocation) (RunOutput, error)
}
