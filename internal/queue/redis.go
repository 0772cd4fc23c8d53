package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"vidflow/internal/config"
	"vidflow/internal/metrics"
)

func NewRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// DefaultConsumerID is the host name, so a restarted worker on the same host
// recovers the jobs it held.
func DefaultConsumerID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}

// Handler processes one job. A non-nil error schedules a retry until the
// job's attempts are used up.
type Handler func(ctx context.Context, job TranscodeJob) error

// RedisQueue keeps jobs in four keys:
//
//	{name}:wait             list, LPUSH in, BLMOVE out
//	{name}:active:{worker}  list of jobs a consumer holds
//	{name}:delayed          zset scored by the unix millis a retry is due
//	{name}:dead             list of jobs that used every attempt
type RedisQueue struct {
	rdb    redis.UniversalClient
	name   string
	opts   Options
	logger *slog.Logger
}

func NewRedisQueue(rdb redis.UniversalClient, name string, opts Options, logger *slog.Logger) *RedisQueue {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	return &RedisQueue{rdb: rdb, name: name, opts: opts, logger: logger}
}

func (q *RedisQueue) waitKey() string    { return q.name + ":wait" }
func (q *RedisQueue) delayedKey() string { return q.name + ":delayed" }
func (q *RedisQueue) deadKey() string    { return q.name + ":dead" }
func (q *RedisQueue) activeKey(consumerID string) string {
	return q.name + ":active:" + consumerID
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

func (q *RedisQueue) Enqueue(ctx context.Context, job TranscodeJob) error {
	env := newEnvelope(job, q.opts)
	raw, err := env.encode()
	if err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, q.waitKey(), raw).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	q.logger.Info("job enqueued", "queue", q.name, "job_id", env.ID, "video_id", job.VideoID)
	return nil
}

// DeadLetters returns up to limit jobs that exhausted their attempts.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int64) ([]TranscodeJob, error) {
	raws, err := q.rdb.LRange(ctx, q.deadKey(), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]TranscodeJob, 0, len(raws))
	for _, raw := range raws {
		env, err := decodeEnvelope(raw)
		if err != nil {
			continue
		}
		jobs = append(jobs, env.Job)
	}
	return jobs, nil
}

// promoteScript moves due retries from the delayed set back to the wait list.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, job in ipairs(due) do
	redis.call('ZREM', KEYS[1], job)
	redis.call('LPUSH', KEYS[2], job)
end
return #due
`)

func (q *RedisQueue) promoteDue(ctx context.Context, now time.Time) (int, error) {
	n, err := promoteScript.Run(ctx, q.rdb,
		[]string{q.delayedKey(), q.waitKey()},
		strconv.FormatInt(now.UnixMilli(), 10), 100,
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	return n, nil
}

type ConsumerOptions struct {
	// ID names this consumer's active list. Keep it stable across restarts so
	// jobs held during a crash are recovered.
	ID           string
	Concurrency  int
	PollTimeout  time.Duration
	PromoteEvery time.Duration
}

type Consumer struct {
	queue   *RedisQueue
	handler Handler
	opts    ConsumerOptions
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewConsumer(parent context.Context, queue *RedisQueue, handler Handler, opts ConsumerOptions, logger *slog.Logger) *Consumer {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 2 * time.Second
	}
	if opts.PromoteEvery <= 0 {
		opts.PromoteEvery = time.Second
	}
	if opts.ID == "" {
		opts.ID = "default"
	}

	ctx, cancel := context.WithCancel(parent)
	return &Consumer{
		queue:   queue,
		handler: handler,
		opts:    opts,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start requeues jobs left in this consumer's active list by a previous run,
// then begins polling.
func (c *Consumer) Start() error {
	recovered, err := c.recoverActive(c.ctx)
	if err != nil {
		return fmt.Errorf("recover active jobs: %w", err)
	}
	if recovered > 0 {
		c.logger.Warn("requeued jobs from a previous run", "queue", c.queue.name, "count", recovered)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.promoteLoop()
	}()

	for i := 0; i < c.opts.Concurrency; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.pollLoop()
		}()
	}

	c.logger.Info("consumer started", "queue", c.queue.name, "consumer", c.opts.ID, "concurrency", c.opts.Concurrency)
	return nil
}

func (c *Consumer) recoverActive(ctx context.Context) (int, error) {
	active := c.queue.activeKey(c.opts.ID)
	n := 0
	for {
		_, err := c.queue.rdb.LMove(ctx, active, c.queue.waitKey(), "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

func (c *Consumer) promoteLoop() {
	ticker := time.NewTicker(c.opts.PromoteEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := c.queue.promoteDue(c.ctx, now); err != nil && c.ctx.Err() == nil {
				c.logger.Error("failed to promote delayed jobs", "queue", c.queue.name, "error", err)
			}
		}
	}
}

func (c *Consumer) pollLoop() {
	active := c.queue.activeKey(c.opts.ID)
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		raw, err := c.queue.rdb.BLMove(c.ctx, c.queue.waitKey(), active, "RIGHT", "LEFT", c.opts.PollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Error("failed to poll queue", "queue", c.queue.name, "error", err)
			time.Sleep(time.Second)
			continue
		}

		// In-flight jobs run to completion even when polling stops.
		c.process(context.WithoutCancel(c.ctx), active, raw)
	}
}

func (c *Consumer) process(ctx context.Context, active, raw string) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		c.logger.Error("dropping undecodable job", "queue", c.queue.name, "error", err)
		c.moveToDead(ctx, active, raw)
		return
	}

	logger := c.logger.With("queue", c.queue.name, "job_id", env.ID, "video_id", env.Job.VideoID)
	handlerErr := c.runHandler(ctx, env.Job)
	if handlerErr == nil {
		if err := c.queue.rdb.LRem(ctx, active, 1, raw).Err(); err != nil {
			logger.Error("failed to ack job", "error", err)
		}
		return
	}

	env.AttemptsMade++
	env.FailedReason = handlerErr.Error()
	next, err := env.encode()
	if err != nil {
		logger.Error("failed to re-encode job", "error", err)
		return
	}

	delay, retry := env.retryDelay()
	if !retry {
		logger.Error("job failed permanently", "attempts", env.AttemptsMade, "error", handlerErr)
		metrics.TranscodeJobs.WithLabelValues("dead_lettered").Inc()
		c.moveToDead(ctx, active, raw, next)
		return
	}

	logger.Warn("job failed, retry scheduled",
		"attempt", env.AttemptsMade, "max_attempts", env.MaxAttempts, "delay", delay, "error", handlerErr)
	dueAt := time.Now().Add(delay).UnixMilli()
	_, err = c.queue.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, c.queue.delayedKey(), redis.Z{Score: float64(dueAt), Member: next})
		pipe.LRem(ctx, active, 1, raw)
		return nil
	})
	if err != nil {
		logger.Error("failed to schedule retry", "error", err)
	}
}

// moveToDead removes raw from the active list and records stored (or raw)
// in the dead-letter list.
func (c *Consumer) moveToDead(ctx context.Context, active, raw string, stored ...string) {
	entry := raw
	if len(stored) > 0 {
		entry = stored[0]
	}
	_, err := c.queue.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, c.queue.deadKey(), entry)
		pipe.LRem(ctx, active, 1, raw)
		return nil
	})
	if err != nil {
		c.logger.Error("failed to dead-letter job", "queue", c.queue.name, "error", err)
	}
}

func (c *Consumer) runHandler(ctx context.Context, job TranscodeJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, job)
}

// Shutdown stops polling and waits for in-flight jobs until ctx expires.
// Jobs still running at that point stay in the active list and are requeued
// on the next Start.
func (c *Consumer) Shutdown(ctx context.Context) error {
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
