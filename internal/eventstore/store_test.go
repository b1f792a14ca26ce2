package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/oratelabs/orate/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.RecordStart(ctx, "s-1", 1, "json", "hi"); err != nil {
		t.Fatalf("record start on ephemeral store: %v", err)
	}
	sessions, err := es.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if sessions != nil {
		t.Fatalf("expected no sessions from ephemeral store, got %d", len(sessions))
	}
}

func TestRecordAndList(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "sessions.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open session store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	if err := es.RecordStart(context.Background(), "session-123", 7, "trailer", "tell me a joke"); err != nil {
		t.Fatalf("record start: %v", err)
	}
	if err := es.RecordOutcome(context.Background(), "session-123", "Why did the gopher cross the road?", "completed", "", 4096, ""); err != nil {
		t.Fatalf("record outcome: %v", err)
	}

	sessions, err := es.ListRecent(context.Background(), 10)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	got := sessions[0]
	if got.ID != "session-123" || got.Epoch != 7 {
		t.Fatalf("unexpected session identity: %+v", got)
	}
	if got.Outcome != "completed" || got.AudioBytes != 4096 {
		t.Fatalf("unexpected outcome fields: %+v", got)
	}
	if got.Transcript != "Why did the gopher cross the road?" {
		t.Fatalf("unexpected transcript: %q", got.Transcript)
	}
}

func TestRecordStartUpsert(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "sessions.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open session store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	if err := es.RecordStart(context.Background(), "dup", 1, "json", "first"); err != nil {
		t.Fatalf("record start: %v", err)
	}
	if err := es.RecordStart(context.Background(), "dup", 2, "buffered", "second"); err != nil {
		t.Fatalf("record start upsert: %v", err)
	}

	sessions, err := es.ListRecent(context.Background(), 10)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected single row after upsert, got %d", len(sessions))
	}
	if sessions[0].Epoch != 2 || sessions[0].Prompt != "second" {
		t.Fatalf("upsert did not replace fields: %+v", sessions[0])
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "sessions.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open session store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.RecordStart(context.Background(), "old-session", 1, "json", "old"); err != nil {
		t.Fatalf("record start: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.RecordStart(context.Background(), "new-session", 2, "json", "new"); err != nil {
		t.Fatalf("record start: %v", err)
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	sessions, err := es.ListRecent(context.Background(), 10)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected old session pruned, got %d rows", len(sessions))
	}
	if sessions[0].ID != "new-session" {
		t.Fatalf("wrong survivor: %q", sessions[0].ID)
	}
}
