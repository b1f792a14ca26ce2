package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/oratelabs/orate/internal/config"
)

type ollamaGenerator struct {
	cfg     config.TextGenConfig
	timeout time.Duration
	client  *http.Client
	log     *slog.Logger
}

// NewOllamaGenerator builds a Generator speaking the Ollama generate
// API. Whether the upstream call streams fragment lines or returns a
// single object is a config choice; either way the caller gets the
// complete transcript.
func NewOllamaGenerator(cfg config.TextGenConfig, log *slog.Logger) Generator {
	return &ollamaGenerator{
		cfg:     cfg,
		timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		client:  http.DefaultClient,
		log:     log,
	}
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaStreamResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate runs the upstream call with one retry after a timeout.
// Non-timeout failures are never retried.
func (g *ollamaGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	text, err := g.generateOnce(ctx, prompt)
	if err == nil || !isTimeout(err) {
		return text, err
	}
	if ctx.Err() != nil {
		return "", &TimeoutError{After: g.timeout}
	}

	g.log.Warn("text generation timed out, retrying once",
		slog.String("endpoint", g.cfg.Endpoint),
		slog.Duration("timeout", g.timeout))

	text, err = g.generateOnce(ctx, prompt)
	if err == nil {
		return text, nil
	}
	if isTimeout(err) {
		return "", &TimeoutError{After: g.timeout}
	}
	return "", err
}

func (g *ollamaGenerator) generateOnce(ctx context.Context, prompt string) (string, error) {
	payload := ollamaRequest{
		Model:  g.cfg.Model,
		Prompt: prompt,
		System: g.cfg.System,
		Stream: g.cfg.Stream,
		Options: ollamaOptions{
			Temperature: g.cfg.Temperature,
			NumPredict:  g.cfg.MaxTokens,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, g.cfg.Endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		capped, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &UpstreamError{Status: resp.StatusCode, Body: string(capped)}
	}

	if g.cfg.Stream {
		return g.accumulate(callCtx, resp.Body)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read generation response: %w", err)
	}
	var out ollamaStreamResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", &UpstreamError{Status: resp.StatusCode, Body: capText(string(raw))}
	}
	return out.Response, nil
}

// accumulate concatenates the response deltas from a
// newline-delimited JSON stream. A line that fails to parse is
// skipped; a half-written fragment must not cost the transcript.
func (g *ollamaGenerator) accumulate(ctx context.Context, body io.Reader) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var sb strings.Builder
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var frag ollamaStreamResponse
		if err := json.Unmarshal(line, &frag); err != nil {
			g.log.Debug("skipping malformed fragment line", slog.String("error", err.Error()))
			continue
		}
		sb.WriteString(frag.Response)
		if frag.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func capText(s string) string {
	if len(s) > maxErrorBody {
		return s[:maxErrorBody]
	}
	return s
}
