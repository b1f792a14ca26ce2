package stt

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/oratelabs/orate/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newClient(endpoint string) *Client {
	return NewClient(config.STTConfig{Enabled: true, Endpoint: endpoint, TimeoutMS: 2000}, newLogger())
}

func TestTranscribe(t *testing.T) {
	wav := []byte("RIFF....WAVEfake")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/listen" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer file.Close()
		if header.Filename != "clip.wav" {
			t.Errorf("unexpected filename %q", header.Filename)
		}
		got, _ := io.ReadAll(file)
		if string(got) != string(wav) {
			t.Errorf("payload mismatch: %q", got)
		}
		io.WriteString(w, `{"text":"hello world"}`)
	}))
	defer srv.Close()

	text, err := newClient(srv.URL).Transcribe(context.Background(), wav, "clip.wav")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestTranscribeDefaultFilename(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		if header.Filename != "audio.wav" {
			t.Errorf("unexpected default filename %q", header.Filename)
		}
		io.WriteString(w, `{"text":""}`)
	}))
	defer srv.Close()

	if _, err := newClient(srv.URL).Transcribe(context.Background(), []byte("RIFF"), ""); err != nil {
		t.Fatalf("transcribe: %v", err)
	}
}

func TestTranscribeServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, "recognizer offline")
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).Transcribe(context.Background(), []byte("RIFF"), "")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "502") || !strings.Contains(err.Error(), "recognizer offline") {
		t.Fatalf("error missing diagnostics: %v", err)
	}
}
