package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// streamMaxLen is the approximate maximum length of the event stream,
// enforced via XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// RedisStream appends events to a Redis stream so other services can
// consume ledger activity in order.
type RedisStream struct {
	rdb    redis.Cmdable
	stream string
}

func NewRedisStream(rdb redis.Cmdable, stream string) *RedisStream {
	return &RedisStream{rdb: rdb, stream: stream}
}

// Publish appends e. Failures are logged, the ledger state has already
// committed.
func (s *RedisStream) Publish(ctx context.Context, e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		slog.Error("marshal event", "id", e.ID, "err", err)
		return
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"id":      e.ID,
			"type":    string(e.Type),
			"payload": payload,
		},
	}
	if err := s.rdb.XAdd(ctx, args).Err(); err != nil {
		slog.Error("redis: stream append", "stream", s.stream, "id", e.ID, "err", err)
	}
}

var _ Sink = (*RedisStream)(nil)
