// Package stt proxies audio to a remote speech-recognition service.
package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/oratelabs/orate/internal/config"
)

const maxErrorBody = 512

// Client speaks to a recognition service that accepts multipart WAV
// uploads on POST /listen and answers {"text": ...}.
type Client struct {
	endpoint string
	timeout  time.Duration
	client   *http.Client
	log      *slog.Logger
}

func NewClient(cfg config.STTConfig, log *slog.Logger) *Client {
	return &Client{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		timeout:  time.Duration(cfg.TimeoutMS) * time.Millisecond,
		client:   http.DefaultClient,
		log:      log.With(slog.String("component", "stt")),
	}
}

type listenResponse struct {
	Text string `json:"text"`
}

// Transcribe uploads wavData and returns the recognized text.
func (c *Client) Transcribe(ctx context.Context, wavData []byte, filename string) (string, error) {
	if filename == "" {
		filename = "audio.wav"
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}
	if _, err := part.Write(wavData); err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.endpoint+"/listen", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call recognition service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		capped, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", fmt.Errorf("recognition service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(capped)))
	}

	var out listenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode recognition response: %w", err)
	}
	return out.Text, nil
}
