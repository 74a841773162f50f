// Package logfields holds canonical slog attribute names so log keys do not drift
// between the gateway, queue adapters and workers.
package logfields

import (
	"log/slog"
	"time"
)

const (
	KeyJobID      = "job_id"
	KeyAttempt    = "attempt"
	KeyStatus     = "status"
	KeyOutcome    = "outcome"
	KeyKind       = "kind"
	KeyWorker     = "worker"
	KeyWorkspace  = "workspace"
	KeyPath       = "path"
	KeyRawID      = "raw_id"
	KeyDurationMS = "duration_ms"
	KeyExitCode   = "exit_code"
	KeyError      = "error"
)

func JobID(id string) slog.Attr       { return slog.String(KeyJobID, id) }
func Attempt(n int) slog.Attr         { return slog.Int(KeyAttempt, n) }
func Status(s string) slog.Attr       { return slog.String(KeyStatus, s) }
func Outcome(o string) slog.Attr      { return slog.String(KeyOutcome, o) }
func Kind(k string) slog.Attr         { return slog.String(KeyKind, k) }
func Worker(name string) slog.Attr    { return slog.String(KeyWorker, name) }
func Workspace(path string) slog.Attr { return slog.String(KeyWorkspace, path) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func RawID(id string) slog.Attr       { return slog.String(KeyRawID, id) }
func ExitCode(code int) slog.Attr     { return slog.Int(KeyExitCode, code) }

func Duration(d time.Duration) slog.Attr {
	return slog.Int64(KeyDurationMS, d.Milliseconds())
}

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
