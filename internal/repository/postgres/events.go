package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/callwatch/internal/domain"
	"github.com/splax/callwatch/internal/repository"
)

// DefaultChannel is the NOTIFY channel used when none is configured.
const DefaultChannel = "call_events"

const selectColumns = `SELECT
		id::text,
		pc_name,
		backend,
		endpoint,
		page,
		user_name,
		status,
		duration,
		created_at
	FROM call_events`

// Repository stores call events in PostgreSQL and uses LISTEN/NOTIFY as the change-stream.
// Notifications carry only the event id; listeners load the row, which keeps payloads far
// below the NOTIFY size limit whatever the endpoint length.
type Repository struct {
	pool    *pgxpool.Pool
	channel string
	logger  *slog.Logger
}

// New constructs a Repository publishing on channel.
func New(pool *pgxpool.Pool, channel string, logger *slog.Logger) *Repository {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{pool: pool, channel: channel, logger: logger.With("component", "postgres", "channel", channel)}
}

var _ repository.CallEventRepository = (*Repository)(nil)

// AppendCallEvent inserts the event and notifies listeners in the same transaction, so a
// notification is never seen for a row that was rolled back. created_at is the database's
// NOW().
func (r *Repository) AppendCallEvent(ctx context.Context, event domain.RealtimeEvent) (domain.RealtimeEvent, error) {
	if err := repository.ValidateCallEvent(event); err != nil {
		return domain.RealtimeEvent{}, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.RealtimeEvent{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const insert = `INSERT INTO call_events (
		id, pc_name, backend, endpoint, page, user_name, status, duration
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (id) DO NOTHING
	RETURNING created_at`
	var createdAt time.Time
	err = tx.QueryRow(ctx, insert,
		event.ID,
		event.PCName,
		event.Backend,
		event.Endpoint,
		event.Page,
		event.UserName,
		string(event.Status),
		event.Duration,
	).Scan(&createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// already stored; report the original row
		return scanEvent(tx.QueryRow(ctx, selectColumns+` WHERE id = $1`, event.ID))
	}
	if err != nil {
		return domain.RealtimeEvent{}, mapError(err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.channel, event.ID); err != nil {
		return domain.RealtimeEvent{}, mapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.RealtimeEvent{}, err
	}
	event.CreatedAt = createdAt.UTC()
	return event, nil
}

// ListRecentCallEvents returns events created within window of the database's NOW(), newest
// first.
func (r *Repository) ListRecentCallEvents(ctx context.Context, window time.Duration, limit int) ([]domain.RealtimeEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	query := selectColumns + `
	WHERE created_at >= NOW() - make_interval(secs => $1)
	ORDER BY created_at DESC, id DESC
	LIMIT $2`
	rows, err := r.pool.Query(ctx, query, window.Seconds(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.RealtimeEvent, 0, limit)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanEvent(row pgx.Row) (domain.RealtimeEvent, error) {
	var (
		e      domain.RealtimeEvent
		status string
	)
	if err := row.Scan(
		&e.ID,
		&e.PCName,
		&e.Backend,
		&e.Endpoint,
		&e.Page,
		&e.UserName,
		&status,
		&e.Duration,
		&e.CreatedAt,
	); err != nil {
		return domain.RealtimeEvent{}, err
	}
	e.Status = domain.ParseStatus(status)
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

// ListenCallEvents holds a dedicated connection in LISTEN mode until ctx ends or the
// connection fails. Each notification names a row that is loaded on the same connection.
func (r *Repository) ListenCallEvents(ctx context.Context, ready func(), handle func(domain.RealtimeEvent)) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer func() {
		unlistenCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlistenCtx, "UNLISTEN *"); err != nil {
			// the connection is unusable; keep it out of the pool
			_ = conn.Conn().Close(unlistenCtx)
		}
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{r.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", r.channel, err)
	}
	if ready != nil {
		ready()
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		id := strings.TrimSpace(n.Payload)
		if _, err := uuid.Parse(id); err != nil {
			r.logger.Warn("undecodable notification", "payload", truncate(n.Payload, 64), "error", err)
			continue
		}
		event, err := scanEvent(conn.QueryRow(ctx, selectColumns+` WHERE id = $1`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			// cleared or pruned before we got to it
			r.logger.Debug("notified event no longer stored", "id", id)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("load notified event %s: %w", id, err)
		}
		handle(event)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ClearCallEvents deletes every stored event.
func (r *Repository) ClearCallEvents(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM call_events`)
	return err
}

// PruneCallEvents deletes events older than maxAge by the database's clock.
func (r *Repository) PruneCallEvents(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM call_events WHERE created_at < NOW() - make_interval(secs => $1)`, maxAge.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23514", "22P02", "22001":
			return repository.ErrInvalidArgument
		}
	}
	return err
}
