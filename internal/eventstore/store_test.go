package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "events.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
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
	if _, err := es.AppendUtterance(ctx, Utterance{SessionID: "s"}); err != nil {
		t.Fatalf("ephemeral append should be a no-op: %v", err)
	}
}

func TestAppendAndListUtterances(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})

	if err := es.StartSession(ctx, "session-123", "en"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	texts := []string{"turn on the light", "", "good night"}
	for _, text := range texts {
		u, err := es.AppendUtterance(ctx, Utterance{ID: uuid.NewString(), SessionID: "session-123", Text: text})
		if err != nil {
			t.Fatalf("append utterance: %v", err)
		}
		if u.Seq == 0 {
			t.Fatalf("expected sequence to be assigned")
		}
	}

	got, err := es.ListUtterances(ctx, "session-123", 10)
	if err != nil {
		t.Fatalf("list utterances: %v", err)
	}
	if len(got) != len(texts) {
		t.Fatalf("expected %d utterances, got %d", len(texts), len(got))
	}
	for i, u := range got {
		if u.Seq != i+1 || u.Text != texts[i] {
			t.Fatalf("unexpected utterance %d: %+v", i, u)
		}
	}
}

func TestAppendUtteranceRequiresID(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	if err := es.StartSession(ctx, "s", "auto"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if _, err := es.AppendUtterance(ctx, Utterance{SessionID: "s", Text: "x"}); err == nil {
		t.Fatalf("expected error for empty id")
	}
}

func TestStartStopSession(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent"})
	es.clock = func() time.Time { return time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC) }

	if err := es.StartSession(ctx, "s1", "zh"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	es.clock = func() time.Time { return time.Date(2025, 1, 1, 10, 5, 0, 0, time.UTC) }
	if err := es.StopSession(ctx, "s1"); err != nil {
		t.Fatalf("stop session: %v", err)
	}
	sess, err := es.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Language != "zh" || sess.StoppedAt.Sub(sess.StartedAt) != 5*time.Minute {
		t.Fatalf("unexpected session: %+v", sess)
	}

	if err := es.StartSession(ctx, "s1", "en"); err != nil {
		t.Fatalf("restart session: %v", err)
	}
	sess, err = es.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !sess.StoppedAt.IsZero() || sess.Language != "en" {
		t.Fatalf("expected restarted session, got %+v", sess)
	}

	if _, err := es.GetSession(ctx, "missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.StartSession(ctx, "old-session", "en"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if _, err := es.AppendUtterance(ctx, Utterance{ID: uuid.NewString(), SessionID: "old-session", Text: "hi"}); err != nil {
		t.Fatalf("append utterance: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.StartSession(ctx, "new-session", "en"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	got, err := es.ListUtterances(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list utterances: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected old session pruned")
	}
	if _, err := es.GetSession(ctx, "new-session"); err != nil {
		t.Fatalf("expected new session kept: %v", err)
	}
}
