package synth

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/oratelabs/orate/internal/config"
)

func pipelineCfg() config.SynthesisConfig {
	return config.SynthesisConfig{
		Format:           "mp3",
		ChunkBytes:       1024,
		MaxTextChars:     4096,
		TruncationMarker: "...",
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPipelineForwardsValidatedChunks(t *testing.T) {
	first := append([]byte("ID3"), bytes.Repeat([]byte{0x01}, 29)...)
	second := bytes.Repeat([]byte{0x02}, 16)
	mock := &MockSynth{Chunks: [][]byte{first, second}}
	p := NewPipeline(mock, pipelineCfg(), discardLogger())

	var got []byte
	total, err := p.Run(context.Background(), Request{Text: "hi"}, func(b []byte) error {
		got = append(got, b...)
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if want := int64(len(first) + len(second)); total != want {
		t.Fatalf("total = %d, want %d", total, want)
	}
	if !bytes.Equal(got, append(append([]byte{}, first...), second...)) {
		t.Fatal("emitted bytes differ from worker output")
	}
}

func TestPipelineRejectsInvalidFirstChunk(t *testing.T) {
	mock := &MockSynth{Chunks: [][]byte{{0x00, 0x00, 0x00}, []byte("ID3 too late")}}
	p := NewPipeline(mock, pipelineCfg(), discardLogger())

	emitted := 0
	total, err := p.Run(context.Background(), Request{Text: "hi"}, func([]byte) error {
		emitted++
		return nil
	})
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FormatError, got %v", err)
	}
	if emitted != 0 {
		t.Fatalf("no bytes may be forwarded after a failed sniff, emit ran %d times", emitted)
	}
	if total != 0 {
		t.Fatalf("total = %d, want 0", total)
	}
}

func TestPipelineZeroBytesCleanExit(t *testing.T) {
	mock := &MockSynth{}
	p := NewPipeline(mock, pipelineCfg(), discardLogger())

	_, err := p.Run(context.Background(), Request{Text: "hi"}, func([]byte) error { return nil })
	var se *SynthesisError
	if !errors.As(err, &se) {
		t.Fatalf("expected SynthesisError for empty output, got %v", err)
	}
}

func TestPipelineWorkerErrorAfterChunks(t *testing.T) {
	chunk := []byte{0xFF, 0xFB, 0x90, 0x00}
	workerErr := &SynthesisError{Reason: "exit status 1", Stderr: "oom"}
	mock := &MockSynth{Chunks: [][]byte{chunk}, Err: workerErr}
	p := NewPipeline(mock, pipelineCfg(), discardLogger())

	total, err := p.Run(context.Background(), Request{Text: "hi"}, func([]byte) error { return nil })
	var se *SynthesisError
	if !errors.As(err, &se) {
		t.Fatalf("expected SynthesisError, got %v", err)
	}
	if total != int64(len(chunk)) {
		t.Fatalf("total = %d, want %d", total, len(chunk))
	}
}

func TestPipelineSkipsEmptyChunks(t *testing.T) {
	mock := &MockSynth{Chunks: [][]byte{{}, []byte("ID3\x04\x00payload")}}
	p := NewPipeline(mock, pipelineCfg(), discardLogger())

	total, err := p.Run(context.Background(), Request{Text: "hi"}, func([]byte) error { return nil })
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if total == 0 {
		t.Fatal("expected forwarded bytes")
	}
}

func TestPipelineTruncatesTranscriptAtWorker(t *testing.T) {
	cfg := pipelineCfg()
	cfg.MaxTextChars = 10
	mock := &MockSynth{Chunks: [][]byte{[]byte("ID3\x04")}}
	p := NewPipeline(mock, cfg, discardLogger())

	long := strings.Repeat("a", 60)
	if _, err := p.Run(context.Background(), Request{Text: long}, func([]byte) error { return nil }); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := mock.LastRequest().Text
	if want := strings.Repeat("a", 10) + "..."; got != want {
		t.Fatalf("worker text = %q, want %q", got, want)
	}
}

func TestPipelineLeavesShortTranscriptAlone(t *testing.T) {
	cfg := pipelineCfg()
	cfg.MaxTextChars = 10
	mock := &MockSynth{Chunks: [][]byte{[]byte("ID3\x04")}}
	p := NewPipeline(mock, cfg, discardLogger())

	if _, err := p.Run(context.Background(), Request{Text: "short"}, func([]byte) error { return nil }); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := mock.LastRequest().Text; got != "short" {
		t.Fatalf("worker text = %q, want unchanged", got)
	}
}

func TestPipelineEmitErrorStopsRun(t *testing.T) {
	sentinel := errors.New("client went away")
	mock := &MockSynth{Chunks: [][]byte{[]byte("ID3\x04"), []byte("more")}}
	p := NewPipeline(mock, pipelineCfg(), discardLogger())

	_, err := p.Run(context.Background(), Request{Text: "hi"}, func([]byte) error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected emit error surfaced, got %v", err)
	}
}
