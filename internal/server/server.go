// Package server is the HTTP face of the daemon: it decodes speech
// requests, sequences text generation and synthesis under the single
// session slot, and frames the response in the selected mode.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/oratelabs/orate/internal/audio"
	"github.com/oratelabs/orate/internal/bus"
	"github.com/oratelabs/orate/internal/config"
	"github.com/oratelabs/orate/internal/eventstore"
	"github.com/oratelabs/orate/internal/llm"
	"github.com/oratelabs/orate/internal/protocol"
	"github.com/oratelabs/orate/internal/session"
	"github.com/oratelabs/orate/internal/stt"
	"github.com/oratelabs/orate/internal/synth"
)

const (
	defaultSpeed       = 1.0
	maxSpeakBodyBytes  = 1 << 20
	maxUploadBodyBytes = 32 << 20
)

// Deps collects the collaborators the dispatcher sequences.
type Deps struct {
	Config    config.Config
	Generator llm.Generator
	Pipeline  *synth.Pipeline
	Sessions  *session.Supervisor
	Store     *eventstore.Store
	STT       *stt.Client
	Bus       *bus.Client
	Ready     func() bool
}

// Handler serves the speech API.
type Handler struct {
	deps   Deps
	log    *slog.Logger
	tracer trace.Tracer

	requests   metric.Int64Counter
	failures   metric.Int64Counter
	audioBytes metric.Int64Counter
}

// NewHandler wires the HTTP routes. The transcription route is only
// registered when a recognition client is configured.
func NewHandler(deps Deps, log *slog.Logger) http.Handler {
	h := &Handler{
		deps:   deps,
		log:    log.With(slog.String("component", "server")),
		tracer: otel.Tracer("github.com/oratelabs/orate/server"),
	}

	meter := otel.Meter("github.com/oratelabs/orate/server")
	var err error
	if h.requests, err = meter.Int64Counter("orate.requests",
		metric.WithDescription("Speech requests accepted")); err != nil {
		h.log.Warn("failed to initialize server metrics", slogError(err))
	}
	if h.failures, err = meter.Int64Counter("orate.request.failures",
		metric.WithDescription("Speech requests that failed")); err != nil {
		h.log.Warn("failed to initialize server metrics", slogError(err))
	}
	if h.audioBytes, err = meter.Int64Counter("orate.audio.bytes_out",
		metric.WithDescription("Validated audio bytes forwarded to clients")); err != nil {
		h.log.Warn("failed to initialize server metrics", slogError(err))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/speak", h.handleSpeak)
	if deps.STT != nil {
		mux.HandleFunc("/api/transcribe", h.handleTranscribe)
	}
	mux.HandleFunc("/api/history", h.handleHistory)
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/readyz", h.handleReadyz)
	return mux
}

type speakRequest struct {
	Prompt     string          `json:"prompt"`
	Text       string          `json:"text"`
	Generate   bool            `json:"generate"`
	JSON       bool            `json:"json"`
	Stream     *bool           `json:"stream"`
	Speed      json.RawMessage `json:"speed"`
	SampleRate int             `json:"sample_rate"`
}

// chooseMode picks the response shape once, at entry. json wins over
// stream; an omitted stream flag means streaming; the trailer/framed
// split is deployment policy, not a request field.
func (h *Handler) chooseMode(req speakRequest) Mode {
	switch {
	case req.JSON:
		return ModeJSON
	case req.Stream != nil && !*req.Stream:
		return ModeBuffered
	case h.deps.Config.Speech.StreamFraming == "framed":
		return ModeFramed
	default:
		return ModeTrailer
	}
}

func (h *Handler) handleSpeak(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, stageRequest, "method not allowed")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxSpeakBodyBytes)

	var req speakRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, stageRequest, "invalid JSON: "+err.Error())
		return
	}

	mode := h.chooseMode(req)
	sess, sessCtx := h.deps.Sessions.Install(r.Context())
	defer h.deps.Sessions.Release(sess)

	if h.requests != nil {
		h.requests.Add(sessCtx, 1, metric.WithAttributes(attribute.String("mode", mode.String())))
	}
	log := h.log.With(
		slog.String("session_id", sess.ID),
		slog.Uint64("epoch", sess.Epoch),
		slog.String("mode", mode.String()))
	log.Info("speech request accepted",
		slog.Bool("generate", req.Generate),
		slog.Bool("literal_text", req.Text != ""))

	prompt := req.Prompt
	if prompt == "" {
		prompt = req.Text
	}
	if err := h.deps.Store.RecordStart(context.Background(), sess.ID, sess.Epoch, mode.String(), prompt); err != nil {
		log.Warn("failed to record session start", slogError(err))
	}
	h.deps.Bus.Publish(protocol.SubjectSessionStarted, protocol.SessionStarted{
		SessionID: sess.ID,
		Epoch:     sess.Epoch,
		Mode:      mode.String(),
		Prompt:    req.Prompt,
		Timestamp: time.Now().UTC(),
	})

	transcript, generated, err := h.resolveTranscript(sessCtx, req)
	if err != nil {
		h.failSpeech(w, nil, sess, log, "", 0, err)
		return
	}
	h.deps.Bus.Publish(protocol.SubjectTranscriptReady, protocol.TranscriptReady{
		SessionID: sess.ID,
		Text:      transcript,
		Generated: generated,
		Timestamp: time.Now().UTC(),
	})

	if mode == ModeJSON {
		writeJSON(w, http.StatusOK, map[string]string{"response": transcript})
		log.Info("speech request completed", slog.Int64("audio_bytes", 0))
		h.finalize(sess, log, transcript, protocol.OutcomeCompleted, "", 0, "")
		return
	}

	sess.Advance(session.StateSynthesizing)
	fr := newFramer(w, mode, h.deps.Pipeline.Format().ContentType(), h.deps.Config.Speech.TranscriptHeader)

	synthCtx, span := h.tracer.Start(sessCtx, "speech.synthesize",
		trace.WithAttributes(attribute.String("mode", mode.String())))
	total, err := h.deps.Pipeline.Run(synthCtx, synth.Request{
		SessionID:  sess.ID,
		Text:       transcript,
		Speed:      parseSpeed(req.Speed),
		SampleRate: req.SampleRate,
	}, func(chunk []byte) error {
		sess.Advance(session.StateStreaming)
		return fr.Emit(chunk)
	})
	if err != nil {
		span.RecordError(err)
	}
	span.End()

	if err != nil {
		h.failSpeech(w, fr, sess, log, transcript, total, err)
		return
	}

	if err := fr.Finish(transcript); err != nil {
		log.Warn("failed to finish response", slogError(err))
	}
	if h.audioBytes != nil {
		h.audioBytes.Add(context.Background(), total)
	}
	log.Info("speech request completed", slog.Int64("audio_bytes", total))
	h.finalize(sess, log, transcript, protocol.OutcomeCompleted, "", total, "")
}

// resolveTranscript produces the text to speak: the literal text if
// supplied, the generated completion when generate is set, otherwise
// the prompt verbatim.
func (h *Handler) resolveTranscript(ctx context.Context, req speakRequest) (string, bool, error) {
	if text := strings.TrimSpace(req.Text); text != "" {
		return text, false, nil
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", false, badRequest("prompt or text is required")
	}
	if !req.Generate {
		return prompt, false, nil
	}

	genCtx := ctx
	if !h.deps.Config.Speech.CancelGenerationOnAbort {
		// Policy: let an in-flight generation finish even if the
		// client goes away; only synthesis is torn down.
		genCtx = context.WithoutCancel(ctx)
	}
	genCtx, span := h.tracer.Start(genCtx, "speech.generate")
	defer span.End()

	transcript, err := h.deps.Generator.Generate(genCtx, prompt)
	if err != nil {
		span.RecordError(err)
		return "", false, err
	}
	if strings.TrimSpace(transcript) == "" {
		return "", true, &validationError{msg: "text generation produced an empty transcript", stage: stageGeneration}
	}
	return transcript, true, nil
}

// failSpeech reports a failed speech request. Cancellation means the
// session was superseded or the client went away: the connection is
// dropped with no response body. Real failures become a structured
// JSON error before headers commit; after commit the stream is
// terminated so the missing trailer marks the failure.
func (h *Handler) failSpeech(w http.ResponseWriter, fr *framer, sess *session.Session, log *slog.Logger, transcript string, total int64, err error) {
	if errors.Is(err, context.Canceled) {
		outcome := protocol.OutcomeAborted
		if !h.deps.Sessions.IsCurrent(sess) {
			outcome = protocol.OutcomeSuperseded
		}
		log.Info("speech request cancelled",
			slog.String("outcome", outcome),
			slog.Int64("audio_bytes", total))
		h.finalize(sess, log, transcript, outcome, "", total, "")
		panic(http.ErrAbortHandler)
	}

	status, stage := classify(err)
	if h.failures != nil {
		h.failures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("stage", stage)))
	}
	log.Error("speech request failed",
		slog.String("stage", stage),
		slogError(err),
		slog.Int64("audio_bytes", total))
	h.finalize(sess, log, transcript, protocol.OutcomeFailed, stage, total, err.Error())

	if fr != nil && fr.Committed() {
		// Headers already promised audio; all that is left is to
		// close without the trailer.
		panic(http.ErrAbortHandler)
	}
	writeError(w, status, stage, err.Error())
}

func (h *Handler) finalize(sess *session.Session, log *slog.Logger, transcript, outcome, stage string, audioBytes int64, errMsg string) {
	if err := h.deps.Store.RecordOutcome(context.Background(), sess.ID, transcript, outcome, stage, audioBytes, errMsg); err != nil {
		log.Warn("failed to record session outcome", slogError(err))
	}
	h.deps.Bus.Publish(protocol.SubjectSessionClosed, protocol.SessionClosed{
		SessionID:  sess.ID,
		Epoch:      sess.Epoch,
		Outcome:    outcome,
		Stage:      stage,
		AudioBytes: audioBytes,
		Error:      errMsg,
		Timestamp:  time.Now().UTC(),
	})
}

func (h *Handler) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, stageRequest, "method not allowed")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodyBytes)

	wavData, filename, err := readAudioUpload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, stageRequest, err.Error())
		return
	}

	text, err := h.deps.STT.Transcribe(r.Context(), wavData, filename)
	if err != nil {
		h.log.Error("transcription failed", slogError(err))
		writeError(w, http.StatusBadGateway, "transcription", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

// readAudioUpload extracts WAV bytes from a multipart upload, a raw
// WAV body, or raw 16-bit PCM (wrapped into a WAV container before
// forwarding).
func readAudioUpload(r *http.Request) ([]byte, string, error) {
	mediatype, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case strings.HasPrefix(mediatype, "multipart/"):
		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, "", fmt.Errorf("multipart field %q is required", "file")
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return nil, "", err
		}
		return data, header.Filename, nil
	case mediatype == "audio/l16" || mediatype == "audio/pcm":
		pcm, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, "", err
		}
		rate := 16000
		if v := r.URL.Query().Get("sample_rate"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				rate = n
			}
		}
		data, err := audio.WrapPCM(pcm, rate, 1)
		if err != nil {
			return nil, "", err
		}
		return data, "", nil
	default:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, "", err
		}
		if len(data) == 0 {
			return nil, "", errors.New("empty audio body")
		}
		return data, "", nil
	}
}

type historyItem struct {
	SessionID  string     `json:"session_id"`
	Mode       string     `json:"mode,omitempty"`
	Prompt     string     `json:"prompt,omitempty"`
	Transcript string     `json:"transcript,omitempty"`
	Outcome    string     `json:"outcome,omitempty"`
	Stage      string     `json:"stage,omitempty"`
	AudioBytes int64      `json:"audio_bytes"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, stageRequest, "method not allowed")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	sessions, err := h.deps.Store.ListRecent(r.Context(), limit)
	if err != nil {
		h.log.Error("failed to list session history", slogError(err))
		writeError(w, http.StatusInternalServerError, stageInternal, "failed to read history")
		return
	}

	items := make([]historyItem, 0, len(sessions))
	for _, s := range sessions {
		item := historyItem{
			SessionID:  s.ID,
			Mode:       s.Mode,
			Prompt:     s.Prompt,
			Transcript: s.Transcript,
			Outcome:    s.Outcome,
			Stage:      s.Stage,
			AudioBytes: s.AudioBytes,
			Error:      s.Error,
			StartedAt:  s.StartedAt,
		}
		if !s.FinishedAt.IsZero() {
			finished := s.FinishedAt
			item.FinishedAt = &finished
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": items})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if h.deps.Ready != nil && !h.deps.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// parseSpeed accepts a JSON number or a numeric string; anything else
// is treated as unset.
func parseSpeed(raw json.RawMessage) float64 {
	if len(raw) == 0 || string(raw) == "null" {
		return defaultSpeed
	}
	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		return clampSpeed(num)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return clampSpeed(v)
		}
	}
	return defaultSpeed
}

func clampSpeed(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return defaultSpeed
	}
	if v < 0.5 {
		return 0.5
	}
	if v > 2.0 {
		return 2.0
	}
	return v
}
