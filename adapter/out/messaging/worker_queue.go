package messaging

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"mailsync/core/port/out"
	"mailsync/infra/database"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Options configures a queue backend. The URL scheme picks the backend.
type Options struct {
	URL        string
	Stream     string
	Group      string
	Consumer   string
	Block      time.Duration // ReceiveBatch 최대 대기
	Visibility time.Duration // 미확인 메시지 재전달까지의 시간
	NackDelay  time.Duration

	// Redis reuses an existing client for redis:// URLs.
	Redis  *redis.Client
	Logger zerolog.Logger
}

func (o *Options) setDefaults() {
	if o.Stream == "" {
		o.Stream = "mailsync:jobs"
	}
	if o.Group == "" {
		o.Group = "mailsync-workers"
	}
	if o.Consumer == "" {
		o.Consumer = "worker"
	}
	if o.Block <= 0 {
		o.Block = 5 * time.Second
	}
	if o.Visibility <= 0 {
		o.Visibility = 6 * time.Minute
	}
	if o.NackDelay <= 0 {
		o.NackDelay = time.Second
	}
}

// Open connects the backend named by opts.URL:
// redis://, rediss://, nats://, postgres://, postgresql:// or memory://.
func Open(ctx context.Context, opts Options) (out.Queue, error) {
	opts.setDefaults()

	scheme, _, ok := strings.Cut(opts.URL, "://")
	if !ok {
		return nil, fmt.Errorf("queue url %q: missing scheme", opts.URL)
	}

	switch scheme {
	case "memory":
		return NewMemoryQueue(), nil
	case "redis", "rediss":
		client := opts.Redis
		if client == nil {
			c, err := database.NewRedis(opts.URL)
			if err != nil {
				return nil, fmt.Errorf("connect redis queue: %w", err)
			}
			client = c
		}
		return NewRedisQueue(ctx, client, opts)
	case "nats":
		return NewNATSQueue(ctx, opts)
	case "postgres", "postgresql":
		return NewPostgresQueue(ctx, opts)
	}
	return nil, fmt.Errorf("queue url %q: unsupported scheme %q", opts.URL, scheme)
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// sanitizeName maps a stream/group name onto [A-Za-z0-9_-].
func sanitizeName(s string) string {
	return strings.Trim(unsafeName.ReplaceAllString(s, "_"), "_")
}
