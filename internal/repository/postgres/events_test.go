package postgres

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/callwatch/internal/app/migrate"
	"github.com/splax/callwatch/internal/domain"
	"github.com/splax/callwatch/internal/repository"
	"github.com/splax/callwatch/pkg/logger"
)

// Requires a disposable database; set CALLWATCH_TEST_DATABASE_URL to run.
func newTestRepository(t *testing.T) (*Repository, context.Context) {
	t.Helper()
	dsn := os.Getenv("CALLWATCH_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CALLWATCH_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	runner, err := migrate.New(dsn, "", logger.Discard())
	if err != nil {
		t.Fatalf("migrate runner: %v", err)
	}
	if err := runner.Ensure(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)

	repo := New(pool, "call_events_test", logger.Discard())
	if err := repo.ClearCallEvents(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	return repo, ctx
}

func newEvent() domain.RealtimeEvent {
	id, _ := uuid.NewV7()
	return domain.RealtimeEvent{
		ID:       id.String(),
		PCName:   "pc-x",
		Backend:  "CONTRATOS",
		Endpoint: "/desembolso",
		UserName: "ana",
		Status:   domain.StatusSuccess,
		Duration: 42.5,
	}
}

func TestAppendNotifiesListeners(t *testing.T) {
	repo, ctx := newTestRepository(t)

	listenCtx, stop := context.WithCancel(ctx)
	defer stop()
	ready := make(chan struct{})
	received := make(chan domain.RealtimeEvent, 1)
	go func() {
		_ = repo.ListenCallEvents(listenCtx, func() { close(ready) }, func(e domain.RealtimeEvent) { received <- e })
	}()
	<-ready

	event := newEvent()
	event.Endpoint = "/" + strings.Repeat("a", 9000)
	event.CreatedAt = time.Now().Add(-time.Hour)
	stored, err := repo.AppendCallEvent(ctx, event)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !stored.CreatedAt.After(event.CreatedAt.Add(30 * time.Minute)) {
		t.Fatalf("created_at should be assigned by the database, got %s", stored.CreatedAt)
	}
	select {
	case got := <-received:
		if got.ID != event.ID || got.Endpoint != event.Endpoint || !got.CreatedAt.Equal(stored.CreatedAt) {
			t.Fatalf("unexpected notification %+v", got)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for notification")
	}
}

func TestRecentAndPrune(t *testing.T) {
	repo, ctx := newTestRepository(t)
	old, fresh := newEvent(), newEvent()
	for _, e := range []domain.RealtimeEvent{old, fresh} {
		if _, err := repo.AppendCallEvent(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := repo.pool.Exec(ctx, `UPDATE call_events SET created_at = NOW() - INTERVAL '2 hours' WHERE id = $1`, old.ID); err != nil {
		t.Fatalf("age event: %v", err)
	}

	recent, err := repo.ListRecentCallEvents(ctx, 5*time.Minute, 200)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != fresh.ID {
		t.Fatalf("unexpected backlog %+v", recent)
	}

	removed, err := repo.PruneCallEvents(ctx, time.Hour)
	if err != nil || removed != 1 {
		t.Fatalf("expected 1 pruned, got %d (%v)", removed, err)
	}
}

func TestAppendIsIdempotent(t *testing.T) {
	repo, ctx := newTestRepository(t)
	event := newEvent()
	first, err := repo.AppendCallEvent(ctx, event)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	second, err := repo.AppendCallEvent(ctx, event)
	if err != nil {
		t.Fatalf("repeat append: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("expected the stored row back, got %s want %s", second.CreatedAt, first.CreatedAt)
	}
}

func TestAppendRejectsInvalidStatus(t *testing.T) {
	repo, ctx := newTestRepository(t)
	event := newEvent()
	event.Status = "exploded"
	if _, err := repo.AppendCallEvent(ctx, event); !errors.Is(err, repository.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}
