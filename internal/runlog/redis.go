package runlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	listKeyPrefix = "flowdeck:runlog:"
	chanKeyPrefix = "flowdeck:runlog:live:"
	entryTTL      = 24 * time.Hour
)

// Redis stores entries in one list per execution (trimmed, with a TTL) and
// fans out live entries over pub/sub, so several dashboard instances can
// stream the same run.
type Redis struct {
	client *redis.Client
}

func NewRedis(addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("runlog: connecting to redis at %s: %w", addr, err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Append(ctx context.Context, e Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("runlog: encoding entry: %w", err)
	}
	key := listKeyPrefix + e.ExecutionID

	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.LTrim(ctx, key, -maxEntriesPerExecution, -1)
	pipe.Expire(ctx, key, entryTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("runlog: appending entry: %w", err)
	}
	return r.client.Publish(ctx, chanKeyPrefix+e.ExecutionID, payload).Err()
}

func (r *Redis) Entries(ctx context.Context, executionID string) ([]Entry, error) {
	raw, err := r.client.LRange(ctx, listKeyPrefix+executionID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("runlog: reading entries: %w", err)
	}
	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			log.Printf("runlog: skipping undecodable entry for %s: %v", executionID, err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (r *Redis) Subscribe(executionID string) (<-chan Entry, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := r.client.Subscribe(ctx, chanKeyPrefix+executionID)
	out := make(chan Entry, 64)

	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var e Entry
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				log.Printf("runlog: skipping undecodable live entry for %s: %v", executionID, err)
				continue
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() {
		_ = sub.Close()
		cancel()
	}
}

func (r *Redis) Close() error { return r.client.Close() }
