// Package redisstream stores call events in a Redis Stream and tails it as the change-stream.
package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/splax/callwatch/internal/domain"
	"github.com/splax/callwatch/internal/repository"
)

const (
	// DefaultStream is the stream key used when none is configured.
	DefaultStream = "callwatch:events"
	payloadField  = "event"
	readBlock     = 5 * time.Second
	readBatch     = 100
)

// Repository implements repository.CallEventRepository on a Redis Stream.
type Repository struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *slog.Logger
}

// Options configures the stream store.
type Options struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	// MaxLen caps the stream length (approximate trimming). Zero disables the cap.
	MaxLen int64
	Logger *slog.Logger
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, opts Options) (*Repository, error) {
	client := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(client, opts), nil
}

// New wraps an existing client.
func New(client *redis.Client, opts Options) *Repository {
	stream := opts.Stream
	if stream == "" {
		stream = DefaultStream
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		client: client,
		stream: stream,
		maxLen: opts.MaxLen,
		logger: logger.With("component", "redisstream", "stream", stream),
	}
}

var _ repository.CallEventRepository = (*Repository)(nil)

// Close releases the Redis client.
func (r *Repository) Close() error {
	return r.client.Close()
}

// Ping checks the connection for health reporting.
func (r *Repository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// AppendCallEvent adds the event to the stream. created_at is the millisecond part of the
// entry id Redis assigns.
func (r *Repository) AppendCallEvent(ctx context.Context, event domain.RealtimeEvent) (domain.RealtimeEvent, error) {
	if err := repository.ValidateCallEvent(event); err != nil {
		return domain.RealtimeEvent{}, err
	}
	event.CreatedAt = time.Time{}
	payload, err := json.Marshal(event)
	if err != nil {
		return domain.RealtimeEvent{}, fmt.Errorf("encode call event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{payloadField: string(payload)},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	id, err := r.client.XAdd(ctx, args).Result()
	if err != nil {
		return domain.RealtimeEvent{}, err
	}
	createdAt, err := idTime(id)
	if err != nil {
		return domain.RealtimeEvent{}, err
	}
	event.CreatedAt = createdAt
	return event, nil
}

// ListRecentCallEvents reads the stream backwards from the newest entry down to window
// before the server's current time.
func (r *Repository) ListRecentCallEvents(ctx context.Context, window time.Duration, limit int) ([]domain.RealtimeEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	now, err := r.client.Time(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("redis time: %w", err)
	}
	msgs, err := r.client.XRevRangeN(ctx, r.stream, "+", streamID(now.Add(-window)), int64(limit)).Result()
	if err != nil {
		return nil, err
	}
	events := make([]domain.RealtimeEvent, 0, len(msgs))
	for _, msg := range msgs {
		if event, ok := r.decode(msg); ok {
			events = append(events, event)
		}
	}
	return events, nil
}

// ListenCallEvents tails the stream from its current end.
func (r *Repository) ListenCallEvents(ctx context.Context, ready func(), handle func(domain.RealtimeEvent)) error {
	lastID, err := r.lastID(ctx)
	if err != nil {
		return fmt.Errorf("read stream tail: %w", err)
	}
	if ready != nil {
		ready()
	}
	for {
		streams, err := r.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{r.stream, lastID},
			Count:   readBatch,
			Block:   readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("xread: %w", err)
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				lastID = msg.ID
				if event, ok := r.decode(msg); ok {
					handle(event)
				}
			}
		}
	}
}

// ClearCallEvents deletes the whole stream.
func (r *Repository) ClearCallEvents(ctx context.Context) error {
	return r.client.Del(ctx, r.stream).Err()
}

// PruneCallEvents trims entries older than maxAge by the server's clock.
func (r *Repository) PruneCallEvents(ctx context.Context, maxAge time.Duration) (int64, error) {
	now, err := r.client.Time(ctx).Result()
	if err != nil {
		return 0, fmt.Errorf("redis time: %w", err)
	}
	return r.client.XTrimMinID(ctx, r.stream, streamID(now.Add(-maxAge))).Result()
}

func (r *Repository) lastID(ctx context.Context) (string, error) {
	msgs, err := r.client.XRevRangeN(ctx, r.stream, "+", "-", 1).Result()
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "0-0", nil
	}
	return msgs[0].ID, nil
}

func (r *Repository) decode(msg redis.XMessage) (domain.RealtimeEvent, bool) {
	var event domain.RealtimeEvent
	raw, ok := msg.Values[payloadField].(string)
	if !ok {
		r.logger.Warn("stream entry without payload", "id", msg.ID)
		return event, false
	}
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		r.logger.Warn("undecodable stream entry", "id", msg.ID, "error", err)
		return event, false
	}
	createdAt, err := idTime(msg.ID)
	if err != nil {
		r.logger.Warn("malformed stream entry id", "id", msg.ID, "error", err)
		return event, false
	}
	event.CreatedAt = createdAt
	return event, true
}

func streamID(t time.Time) string {
	if t.IsZero() || t.UnixMilli() <= 0 {
		return "-"
	}
	return strconv.FormatInt(t.UnixMilli(), 10) + "-0"
}

// idTime reads the millisecond timestamp out of a stream entry id ("<ms>-<seq>").
func idTime(id string) (time.Time, error) {
	ms, _, _ := strings.Cut(id, "-")
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("stream id %q: %w", id, err)
	}
	return time.UnixMilli(n).UTC(), nil
}
