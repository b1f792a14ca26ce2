package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/oratelabs/orate/internal/config"
)

const maxServiceErrorBody = 512

type httpSynth struct {
	endpoint   string
	chunkBytes int
	client     *http.Client
}

// NewHTTPSynth builds a Synthesizer backed by a speech service that
// exposes POST /speak and GET /health.
func NewHTTPSynth(cfg config.SynthesisConfig) Synthesizer {
	return &httpSynth{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		chunkBytes: cfg.ChunkBytes,
		client:     http.DefaultClient,
	}
}

type speakRequest struct {
	Text       string  `json:"text"`
	Speed      float64 `json:"speed,omitempty"`
	SampleRate int     `json:"sample_rate,omitempty"`
}

func (h *httpSynth) Synthesize(ctx context.Context, req Request) (<-chan []byte, <-chan error) {
	chunks := make(chan []byte)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		payload, err := json.Marshal(speakRequest{
			Text:       req.Text,
			Speed:      req.Speed,
			SampleRate: req.SampleRate,
		})
		if err != nil {
			errs <- err
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+"/speak", bytes.NewReader(payload))
		if err != nil {
			errs <- err
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := h.client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				errs <- ctx.Err()
				return
			}
			errs <- &SynthesisError{Reason: fmt.Sprintf("call synthesis service: %v", err)}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			capped, _ := io.ReadAll(io.LimitReader(resp.Body, maxServiceErrorBody))
			errs <- &SynthesisError{
				Reason: fmt.Sprintf("synthesis service returned status %d", resp.StatusCode),
				Stderr: strings.TrimSpace(string(capped)),
			}
			return
		}

		buf := make([]byte, h.chunkBytes)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
			if readErr == io.EOF {
				return
			}
			if readErr != nil {
				if ctx.Err() != nil {
					errs <- ctx.Err()
				} else {
					errs <- fmt.Errorf("read synthesis service response: %w", readErr)
				}
				return
			}
		}
	}()
	return chunks, errs
}

// Probe checks the service's liveness endpoint. Used at startup so a
// dead worker service fails readiness instead of the first request.
func (h *httpSynth) Probe(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("probe synthesis service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("synthesis service health returned status %d", resp.StatusCode)
	}
	return nil
}
