package llm

import (
	"context"
	"fmt"
	"time"
)

// Generator turns a prompt into a complete transcript.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

const maxErrorBody = 512

// UpstreamError reports a failed response from the generation service:
// a non-2xx status, or a 2xx body that could not be decoded. Body
// carries at most maxErrorBody bytes of the upstream payload.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("text generation upstream returned status %d", e.Status)
	}
	return fmt.Sprintf("text generation upstream returned status %d: %s", e.Status, e.Body)
}

// TimeoutError reports that generation exceeded its deadline on both
// the initial attempt and the single retry.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("text generation timed out after %s (retried once)", e.After)
}
