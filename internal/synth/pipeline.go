package synth

import (
	"context"
	"log/slog"

	"github.com/oratelabs/orate/internal/audio"
	"github.com/oratelabs/orate/internal/config"
)

// Pipeline drives one synthesis job: it caps the transcript, starts
// the worker, validates the first chunk against the expected format,
// and forwards validated audio to the caller's emit function.
type Pipeline struct {
	synth    Synthesizer
	format   audio.Format
	maxChars int
	marker   string
	log      *slog.Logger
}

func NewPipeline(s Synthesizer, cfg config.SynthesisConfig, log *slog.Logger) *Pipeline {
	return &Pipeline{
		synth:    s,
		format:   audio.Format(cfg.Format),
		maxChars: cfg.MaxTextChars,
		marker:   cfg.TruncationMarker,
		log:      log,
	}
}

// Format reports the audio format the pipeline validates against.
func (p *Pipeline) Format() audio.Format {
	return p.format
}

// Run synthesizes req.Text and passes each validated chunk to emit in
// order. Nothing reaches emit until the first non-empty chunk has been
// classified as the expected format; a misclassified first chunk kills
// the worker and returns a FormatError with zero bytes forwarded.
//
// Run reports success only when the worker finished cleanly AND at
// least one audio byte was forwarded: a clean exit with zero bytes is
// a SynthesisError, not an empty success. The returned count is the
// total bytes handed to emit, meaningful even alongside an error.
func (p *Pipeline) Run(ctx context.Context, req Request, emit func([]byte) error) (int64, error) {
	req.Text = p.truncate(req.Text)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, errs := p.synth.Synthesize(runCtx, req)

	var total int64
	validated := false
	for chunk := range chunks {
		if len(chunk) == 0 {
			continue
		}
		if !validated {
			cls := audio.Classify(p.format, chunk)
			if !cls.Valid {
				p.log.Warn("synthesis output failed format check",
					slog.String("session_id", req.SessionID),
					slog.String("format", string(p.format)),
					slog.String("reason", cls.Reason))
				return 0, &FormatError{Format: p.format, Reason: cls.Reason}
			}
			validated = true
		}
		if err := emit(chunk); err != nil {
			return total, err
		}
		total += int64(len(chunk))
	}

	if err := <-errs; err != nil {
		return total, err
	}
	if total == 0 {
		return 0, &SynthesisError{Reason: "worker produced no audio"}
	}
	return total, nil
}

// truncate caps text at maxChars characters, appending the marker when
// anything was cut. The cap counts characters; the marker rides on
// top.
func (p *Pipeline) truncate(text string) string {
	if p.maxChars <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= p.maxChars {
		return text
	}
	return string(runes[:p.maxChars]) + p.marker
}
