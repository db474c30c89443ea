// Package repair runs the bounded background queue that re-applies failed
// secondary-store writes. A job names a business key, not an operation:
// the handler re-reads both stores and reconciles, so replays are
// idempotent. Jobs that exhaust their retries are dropped; the next sync
// batch picks the record up by watermark.
package repair

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"qrforge/pkg/domain"
)

// Job is one pending reconciliation.
type Job struct {
	Entity   domain.Entity
	Key      string
	Attempts int
}

// Handler reconciles the record named by the job across both stores.
type Handler func(ctx context.Context, job Job) error

// QueueConfig tunes the Redis-streams repair queue.
type QueueConfig struct {
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
}

// Queue is a bounded repair queue on Redis streams. MaxLen caps queue
// depth; depth is exported as an observable through Depth.
type Queue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	once         sync.Once
}

// NewQueue builds the queue. Defaults: 3 retries, 5s blocking reads, 30s
// idle claim, 2s retry backoff, 10k max depth.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "qrforge:repair"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "repair"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = "repair-worker"
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	return &Queue{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		maxRetries:   maxRetries,
		block:        block,
		claimIdle:    claimIdle,
		retryDelay:   retryDelay,
		maxLen:       maxLen,
		readCount:    readCount,
	}, nil
}

// Enqueue records a discrepancy for background repair.
func (q *Queue) Enqueue(ctx context.Context, entity domain.Entity, key string) error {
	return q.add(ctx, entity, string(key), 0)
}

func (q *Queue) add(ctx context.Context, entity domain.Entity, key string, attempts int) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("repair key required")
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"entity":   string(entity),
			"key":      key,
			"attempts": strconv.Itoa(attempts),
		},
	}).Err()
}

// Depth reports how many repairs are waiting.
func (q *Queue) Depth(ctx context.Context) int64 {
	n, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		return 0
	}
	return n
}

// Start launches consumer goroutines that run until ctx is canceled.
func (q *Queue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
}

func (q *Queue) Close() error { return q.client.Close() }

func (q *Queue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			slog.Warn("repair group create failed", "err", err)
		}
	})
}

func (q *Queue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimStuck(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			// Backend hiccup; don't spin.
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.retryDelay):
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

// claimStuck takes over messages another consumer left pending too long.
func (q *Queue) claimStuck(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.readCount,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *Queue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	job := decodeJob(msg)
	if job.Key == "" {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	job.Attempts++
	if err := handler(ctx, job); err == nil {
		q.ackAndDel(ctx, msg.ID)
		return
	} else if job.Attempts > q.maxRetries {
		slog.Warn("repair gave up, leaving record for next batch",
			"entity", job.Entity, "key", job.Key, "attempts", job.Attempts, "err", err)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if q.retryDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.retryDelay):
		}
	}
	q.requeueAndAck(ctx, msg.ID, job)
}

func (q *Queue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *Queue) requeueAndAck(ctx context.Context, msgID string, job Job) {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"entity":   string(job.Entity),
			"key":      job.Key,
			"attempts": strconv.Itoa(job.Attempts),
		},
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("repair requeue failed", "entity", job.Entity, "key", job.Key, "err", err)
	}
}

func decodeJob(msg redis.XMessage) Job {
	entity, _ := msg.Values["entity"].(string)
	key, _ := msg.Values["key"].(string)
	attempts := 0
	if raw, ok := msg.Values["attempts"].(string); ok {
		if n, err := strconv.Atoi(raw); err == nil {
			attempts = n
		}
	}
	return Job{Entity: domain.Entity(entity), Key: key, Attempts: attempts}
}
