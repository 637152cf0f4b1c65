package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue over Redis Streams with a consumer group and a
// dead-letter stream.
type RedisQueue struct {
	client *redis.Client
	Stream string
	Group  string
	DLQ    string

	// ClaimMinIdle is how long an entry may sit un-acked in another
	// consumer's pending list before Dequeue reclaims it. Crashed workers
	// never ack, so their jobs redeliver after this long.
	ClaimMinIdle time.Duration
}

// NewRedisQueue connects to Redis and ensures the stream and group exist.
func NewRedisQueue(redisURL, stream, group string) (*RedisQueue, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	q := &RedisQueue{
		client:       c,
		Stream:       stream,
		Group:        group,
		DLQ:          stream + ":dlq",
		ClaimMinIdle: time.Minute,
	}
	// MKSTREAM creates the stream when missing.
	if err := c.XGroupCreateMkStream(ctx, stream, group, "$").Err(); err != nil && !isBusyGroupErr(err) {
		return nil, fmt.Errorf("xgroup create: %w", err)
	}
	return q, nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP")
}

func (q *RedisQueue) Close() error { return q.client.Close() }

// Ping checks redis connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error { return q.client.Ping(ctx).Err() }

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.Stream,
		Values: map[string]any{"data": string(job.Marshal())},
	}).Err()
}

// Dequeue first reclaims entries abandoned by crashed consumers, then reads
// new entries with XREADGROUP.
func (q *RedisQueue) Dequeue(ctx context.Context, consumer string, block time.Duration) (string, *Job, error) {
	if msgID, job, ok := q.claimAbandoned(ctx, consumer); ok {
		return msgID, job, nil
	}

	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.Group,
		Consumer: consumer,
		Streams:  []string{q.Stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil, nil
		}
		return "", nil, err
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return "", nil, nil
	}
	return q.decode(ctx, res[0].Messages[0])
}

// claimAbandoned moves one idle pending entry to this consumer. Un-acked
// entries belong to their reader's pending list; without this pass a worker
// crash would strand its in-flight job forever.
func (q *RedisQueue) claimAbandoned(ctx context.Context, consumer string) (string, *Job, bool) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.Stream,
		Group:    q.Group,
		Consumer: consumer,
		MinIdle:  q.ClaimMinIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil || len(msgs) == 0 {
		return "", nil, false
	}
	msgID, job, derr := q.decode(ctx, msgs[0])
	if derr != nil || job == nil {
		return "", nil, false
	}
	return msgID, job, true
}

func (q *RedisQueue) decode(ctx context.Context, msg redis.XMessage) (string, *Job, error) {
	raw, _ := msg.Values["data"].(string)
	job, err := UnmarshalJob([]byte(raw))
	if err != nil {
		// poison entry; park it and move on
		_ = q.client.XAdd(ctx, &redis.XAddArgs{
			Stream: q.DLQ,
			Values: map[string]any{"data": raw, "reason": "unmarshal: " + err.Error()},
		}).Err()
		_ = q.Ack(ctx, msg.ID)
		return "", nil, nil
	}
	return msg.ID, &job, nil
}

func (q *RedisQueue) Ack(ctx context.Context, msgID string) error {
	if msgID == "" {
		return nil
	}
	return q.client.XAck(ctx, q.Stream, q.Group, msgID).Err()
}

func (q *RedisQueue) AddDLQ(ctx context.Context, job Job, reason string) error {
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.DLQ,
		Values: map[string]any{"data": string(job.Marshal()), "reason": reason},
	}).Err()
}

// Depths returns approximate stream and dlq lengths for metrics.
func (q *RedisQueue) Depths(ctx context.Context) (int64, int64, error) {
	pipe := q.client.Pipeline()
	xlen := pipe.XLen(ctx, q.Stream)
	dlen := pipe.XLen(ctx, q.DLQ)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return xlen.Val(), dlen.Val(), nil
}

var _ Queue = (*RedisQueue)(nil)
