// Package synth runs speech-synthesis workers and polices their
// output. A backend delivers raw audio chunks; the pipeline validates
// the leading bytes against the configured format before any byte is
// forwarded downstream.
package synth

import (
	"context"
	"fmt"

	"github.com/oratelabs/orate/internal/audio"
)

// Request carries one synthesis job.
type Request struct {
	SessionID  string
	Text       string
	Speed      float64 // 0 means worker default
	SampleRate int     // 0 means worker default
}

// Synthesizer is the contract for producing audio. Chunks arrive on an
// unbuffered channel so a slow consumer holds the worker back instead
// of buffering unbounded audio. The error channel delivers at most one
// value; both channels close when the worker is done.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (<-chan []byte, <-chan error)
}

// Prober is implemented by backends with a liveness endpoint.
type Prober interface {
	Probe(ctx context.Context) error
}

// SpawnError reports that the worker process could not be launched.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to launch synthesis worker %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// SynthesisError reports a worker that ran but delivered no usable
// audio: a nonzero exit, a failed service call, or a clean exit with
// zero output bytes.
type SynthesisError struct {
	Reason string
	Stderr string
}

func (e *SynthesisError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("synthesis failed: %s: %s", e.Reason, e.Stderr)
	}
	return "synthesis failed: " + e.Reason
}

// FormatError reports worker output whose leading bytes do not match
// the expected container format.
type FormatError struct {
	Format audio.Format
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("synthesis output is not valid %s: %s", e.Format, e.Reason)
}
