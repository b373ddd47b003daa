package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"repairhub/internal/util"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// ReplayJob is a remote write that failed and waits to be retried.
type ReplayJob struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	UserID       string    `json:"userId"`
	Payload      []byte    `json:"payload"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Handler applies one replay job. A non-nil error schedules a retry.
type Handler func(context.Context, ReplayJob) error

// RedisReplayQueue is a Redis Streams backed retry queue for remote mirror writes.
type RedisReplayQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	once         sync.Once
}

type RedisQueueConfig struct {
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
}

func NewRedisReplayQueue(cfg RedisQueueConfig) (*RedisReplayQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "ledger-replay"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	jobTTL := cfg.JobTTL
	if jobTTL <= 0 {
		jobTTL = 72 * time.Hour
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 10
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
		retryDelay = 5 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 10
	}

	return &RedisReplayQueue{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		jobTTL:       jobTTL,
		maxRetries:   maxRetries,
		block:        block,
		claimIdle:    claimIdle,
		retryDelay:   retryDelay,
		maxLen:       maxLen,
		readCount:    readCount,
		claimCount:   claimCount,
	}, nil
}

// Enqueue schedules a replay of a failed remote write.
func (q *RedisReplayQueue) Enqueue(ctx context.Context, kind, userID string, payload []byte) (ReplayJob, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return ReplayJob{}, errors.New("replay kind required")
	}
	now := time.Now().UTC()
	job := ReplayJob{
		ID:        util.NewID(),
		Kind:      kind,
		UserID:    userID,
		Payload:   payload,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	q.ensureGroup(ctx)
	if err := q.writeStatus(ctx, job); err != nil {
		return ReplayJob{}, err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: streamValues(job),
	}).Err(); err != nil {
		return ReplayJob{}, err
	}
	return job, nil
}

// Pending reports how many replay entries are still in the stream.
func (q *RedisReplayQueue) Pending(ctx context.Context) (int64, error) {
	n, err := q.client.XLen(ctx, q.stream).Result()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (q *RedisReplayQueue) GetJob(ctx context.Context, jobID string) (ReplayJob, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return ReplayJob{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return ReplayJob{}, false, err
	}
	if len(data) == 0 {
		return ReplayJob{}, false, nil
	}
	return decodeJob(jobID, data), true, nil
}

// Start runs consumers until ctx is cancelled.
func (q *RedisReplayQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
}

// Close releases the Redis connection.
func (q *RedisReplayQueue) Close() error {
	return q.client.Close()
}

func (q *RedisReplayQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		// start from the beginning so writes queued before the worker started are replayed
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			util.Logger().Warn("replay group create failed", "stream", q.stream, "err", err)
		}
	})
}

func (q *RedisReplayQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimPending(ctx, consumer); err == nil {
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
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *RedisReplayQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *RedisReplayQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	job, ok := jobFromValues(msg.Values)
	if !ok {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	job, err := q.markProcessing(ctx, job)
	if err != nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if err := handler(ctx, job); err == nil {
		_ = q.markStatus(ctx, job, StatusDone, "")
		q.ackAndDel(ctx, msg.ID)
		return
	} else if job.Attempts >= q.maxRetries {
		util.Logger().Error("replay job dropped after retries", "job_id", job.ID, "kind", job.Kind, "attempts", job.Attempts, "err", err)
		_ = q.markStatus(ctx, job, StatusFailed, err.Error())
		q.ackAndDel(ctx, msg.ID)
		return
	} else {
		_ = q.markStatus(ctx, job, StatusQueued, err.Error())
	}
	if q.retryDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.retryDelay):
		}
	}
	_ = q.requeueAndAck(ctx, msg.ID, job)
}

func (q *RedisReplayQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *RedisReplayQueue) requeueAndAck(ctx context.Context, msgID string, job ReplayJob) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: streamValues(job),
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisReplayQueue) markProcessing(ctx context.Context, job ReplayJob) (ReplayJob, error) {
	stored, found, err := q.GetJob(ctx, job.ID)
	if err != nil {
		return ReplayJob{}, err
	}
	if found {
		job.Attempts = stored.Attempts
		job.CreatedAt = stored.CreatedAt
	}
	job.Attempts++
	job.Status = StatusProcessing
	job.UpdatedAt = time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return ReplayJob{}, err
	}
	return job, nil
}

func (q *RedisReplayQueue) markStatus(ctx context.Context, job ReplayJob, status, errMsg string) error {
	job.Status = status
	job.ErrorMessage = errMsg
	job.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, job)
}

func (q *RedisReplayQueue) writeStatus(ctx context.Context, job ReplayJob) error {
	key := q.jobKey(job.ID)
	payload := map[string]any{
		"id":        job.ID,
		"kind":      job.Kind,
		"userId":    job.UserID,
		"status":    job.Status,
		"error":     job.ErrorMessage,
		"attempts":  strconv.Itoa(job.Attempts),
		"createdAt": job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, key, q.jobTTL).Err()
	return nil
}

func (q *RedisReplayQueue) jobKey(jobID string) string {
	return fmt.Sprintf("replay:%s:%s", q.stream, jobID)
}

func streamValues(job ReplayJob) map[string]any {
	return map[string]any{
		"job_id":  job.ID,
		"kind":    job.Kind,
		"user_id": job.UserID,
		"payload": string(job.Payload),
	}
}

func jobFromValues(values map[string]any) (ReplayJob, bool) {
	jobID, _ := values["job_id"].(string)
	kind, _ := values["kind"].(string)
	userID, _ := values["user_id"].(string)
	payload, _ := values["payload"].(string)
	if jobID == "" || kind == "" {
		return ReplayJob{}, false
	}
	return ReplayJob{ID: jobID, Kind: kind, UserID: userID, Payload: []byte(payload)}, true
}

func decodeJob(jobID string, data map[string]string) ReplayJob {
	job := ReplayJob{ID: jobID, Kind: data["kind"], UserID: data["userId"], Status: data["status"], ErrorMessage: data["error"]}
	if v := data["attempts"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			job.Attempts = n
		}
	}
	if v := data["createdAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.CreatedAt = t
		}
	}
	if v := data["updatedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.UpdatedAt = t
		}
	}
	return job
}
