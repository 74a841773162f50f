// Package metrics exposes observability hooks for the compilation pipeline.
package metrics

import "time"

// Recorder receives pipeline events. Implementations may forward to Prometheus;
// NoopRecorder is the default when metrics are not wired.
type Recorder interface {
	ObserveCompile(outcome, kind string, d time.Duration)
	IncSubmission(mode string)
	SetActiveWorkspaces(n int)
	AddWorkspacesSwept(n int)
	IncRedelivery()
	IncRetryExhausted()
	IncPublishRetry()
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

func (NoopRecorder) ObserveCompile(string, string, time.Duration) {}
func (NoopRecorder) IncSubmission(string)                        {}
func (NoopRecorder) SetActiveWorkspaces(int)                     {}
func (NoopRecorder) AddWorkspacesSwept(int)                      {}
func (NoopRecorder) IncRedelivery()                              {}
func (NoopRecorder) IncRetryExhausted()                          {}
func (NoopRecorder) IncPublishRetry()                            {}

// OrNoop returns r, or NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
